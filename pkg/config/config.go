package config

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"darkpool.com/pkg/logger"
)

// Load 只读取一次，不监听变更（命令行工具用）
func Load(service string, paths []string, out interface{}) (*viper.Viper, error) {
	v := newViper(service, paths)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadAndWatch 读取 config/{service}.yaml 并监听文件变更，热更新到 out。
// onChange 可为空；批次窗口这类参数只在新批次生效，由调用方决定如何应用。
func LoadAndWatch(service string, out interface{}, onChange func()) (*viper.Viper, error) {
	v, err := Load(service, nil, out)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	logger.Info(ctx, "config loaded", zap.String("service", service), zap.String("file", v.ConfigFileUsed()))

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info(ctx, "config file changed", zap.String("file", e.Name))
		if err := v.Unmarshal(out); err != nil {
			logger.Error(ctx, "reload config failed", zap.Error(err))
			return
		}
		if onChange != nil {
			onChange()
		}
	})
	return v, nil
}

func newViper(service string, paths []string) *viper.Viper {
	v := viper.New()
	// 约定：config/{service}.yaml
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	// 环境变量覆盖，例如 AUCTION-ENGINE 服务：
	//   AUCTION_ENGINE_HTTP_ADDR 覆盖 http.addr
	//   AUCTION_ENGINE_AUCTION_COMMIT_WINDOW 覆盖 auction.commit_window
	v.SetEnvPrefix(strings.ToUpper(strings.ReplaceAll(service, "-", "_")))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}
