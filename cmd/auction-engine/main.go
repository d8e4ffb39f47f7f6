package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"darkpool.com/internal/app"
	"darkpool.com/internal/config"
	pkgconfig "darkpool.com/pkg/config"
	"darkpool.com/pkg/logger"
)

const service = "auction-engine"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 热更新只应用日志级别；窗口、地址等参数重启生效
	cfg := new(config.Config)
	_, err := pkgconfig.LoadAndWatch(service, cfg, func() {
		if err := logger.SetLevel(cfg.Log.Level); err != nil {
			logger.Warn(context.Background(), "invalid log level in reloaded config", zap.String("level", cfg.Log.Level))
		}
	})
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	logger.InitWithFile(cfg.Name, cfg.Log.Level, cfg.Log.File)
	defer logger.Sync()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal(ctx, "init auction engine failed", zap.Error(err))
	}
	logger.Info(ctx, "auction engine started",
		zap.String("addr", cfg.HTTP.Addr),
		zap.Duration("commit_window", cfg.Auction.CommitWindow),
		zap.Duration("reveal_window", cfg.Auction.RevealWindow),
	)
	if err := a.Run(ctx); err != nil {
		logger.Error(ctx, "auction engine stopped with error", zap.Error(err))
		return
	}
	logger.Info(ctx, "auction engine exit")
}
