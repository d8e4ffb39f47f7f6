// Package app 组装 auction-engine 进程：配置里开启的外部依赖按需创建，
// 引擎、事件投递和 HTTP/WS 服务在同一个 errgroup 里运行。
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	apihttp "darkpool.com/internal/api/http"
	"darkpool.com/internal/api/ws"
	"darkpool.com/internal/audit"
	"darkpool.com/internal/audit/influxsink"
	"darkpool.com/internal/config"
	"darkpool.com/internal/engine"
	"darkpool.com/internal/settlement"
	"darkpool.com/internal/settlement/ethledger"
	"darkpool.com/pkg/broker"
	"darkpool.com/pkg/logger"
	"darkpool.com/pkg/orm"
	"darkpool.com/pkg/trace"
	"darkpool.com/pkg/xredis"
)

type App struct {
	cfg config.Config

	eng *engine.Engine
	pub *engine.Publisher
	srv *http.Server

	db     *gorm.DB
	leader *xredis.RedisLockMaster

	// 逆序执行
	cleanups []func(ctx context.Context)
}

func (a *App) onClose(f func(ctx context.Context)) { a.cleanups = append(a.cleanups, f) }

// New 创建失败时已创建的资源会被释放；cfg 被复制，之后的热更新不影响运行中的组件
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{cfg: *cfg}
	cfg = &a.cfg
	defer func() {
		if err != nil {
			if a.eng != nil {
				_ = a.eng.Close()
			}
			a.cleanup(context.Background())
		}
	}()

	if cfg.Trace.Enabled {
		shutdown, err := trace.InitTrace(cfg.Name, cfg.Trace)
		if err != nil {
			return nil, err
		}
		a.onClose(func(ctx context.Context) { _ = shutdown(ctx) })
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		if rdb, err = xredis.NewRedis(&cfg.Redis); err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) { _ = rdb.Close() })
	}

	ledger, err := a.newLedger(ctx)
	if err != nil {
		return nil, err
	}
	var store settlement.ReportStore = settlement.NewMemoryStore()
	if rdb != nil {
		store = settlement.NewRedisStore(rdb, cfg.Settlement.ReportPrefix, cfg.Settlement.ReportTTL)
	}
	emitter := settlement.NewEmitter(ledger, store, cfg.Settlement.Config)

	opts := []engine.Option{}
	if cfg.Leader.Enabled {
		a.leader = xredis.NewRedisLockMaster(rdb, cfg.Leader.Key, cfg.Leader.TTL)
		opts = append(opts, engine.WithLeader(a.leader))
	}
	if a.eng, err = engine.New(cfg.Auction, emitter, opts...); err != nil {
		return nil, err
	}

	sinks, err := a.newSinks(ctx)
	if err != nil {
		return nil, err
	}
	hub := ws.NewHub()
	sinks = append(sinks, hub)
	a.pub = engine.NewPublisher(a.eng.Events(), cfg.Events.DeliverTimeout, sinks...)

	router, err := apihttp.NewRouter(ctx, a.eng, apihttp.Options{
		Service:   cfg.Name,
		RateLimit: rate.Limit(cfg.HTTP.RateLimit),
		Burst:     cfg.HTTP.Burst,
		Tokens:    cfg.Tokens,
		WS:        ws.NewServer(ctx, hub, cfg.WS),
		History:   a.history(),
	})
	if err != nil {
		return nil, err
	}
	a.srv = apihttp.NewServer(cfg.HTTP.Addr, router)
	return a, nil
}

func (a *App) history() apihttp.History {
	if a.db == nil {
		return nil
	}
	return audit.NewRepo(a.db)
}

// newLedger 没配置 rpc_url 时用 dry-run 账本
func (a *App) newLedger(ctx context.Context) (settlement.Ledger, error) {
	lc := a.cfg.Settlement.Ledger
	if lc.RPCURL == "" {
		logger.Warn(ctx, "settlement ledger not configured, using dry-run ledger")
		return settlement.NewDryRunLedger(), nil
	}
	l, err := ethledger.Dial(ctx, lc)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) { l.Close() })
	return l, nil
}

// newSinks ws 以外的事件下游
func (a *App) newSinks(ctx context.Context) ([]engine.Sink, error) {
	cfg := a.cfg
	var sinks []engine.Sink

	switch cfg.Broker.Kind {
	case "nats":
		b, err := broker.NewNatsBroker(cfg.Broker.URL)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) { _ = b.Close() })
		sinks = append(sinks, engine.NewBrokerSink(b, cfg.Broker.Prefix))
	case "mem":
		sinks = append(sinks, engine.NewBrokerSink(broker.NewMemBroker(), cfg.Broker.Prefix))
	}

	if cfg.MySQL.Enabled {
		db, err := orm.NewMySQL(&cfg.MySQL)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			a.onClose(func(context.Context) { _ = sqlDB.Close() })
		}
		repo := audit.NewRepo(db)
		if err := repo.Migrate(ctx); err != nil {
			return nil, err
		}
		a.db = db
		sinks = append(sinks, audit.NewSink(repo))
	}

	if cfg.Influx.Enabled {
		s := influxsink.New(cfg.Influx)
		a.onClose(func(context.Context) { s.Close() })
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// Run 阻塞到 ctx 结束或某个组件出错，然后按顺序关闭：
// HTTP 停止接收 -> 引擎等结算完成 -> 事件送完 -> 外部连接释放
func (a *App) Run(ctx context.Context) error {
	// 引擎关闭时最后的结算事件仍需投递，publisher 单独控制
	pubCtx, stopPub := context.WithCancel(context.WithoutCancel(ctx))
	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		_ = a.pub.Run(pubCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.eng.Run(gctx) })
	g.Go(func() error {
		logger.Info(gctx, "http server listening", zap.String("addr", a.cfg.HTTP.Addr))
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		return a.srv.Shutdown(sctx)
	})
	if a.db != nil {
		g.Go(func() error {
			orm.ReportPoolStats(gctx, a.db, 15*time.Second)
			return nil
		})
	}
	err := g.Wait()

	cctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if cerr := a.eng.Close(); cerr != nil {
		logger.Error(cctx, "engine close failed", zap.Error(cerr))
	}
	stopPub()
	<-pubDone
	a.cleanup(cctx)
	return err
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.HTTP.ShutdownTimeout > 0 {
		return a.cfg.HTTP.ShutdownTimeout
	}
	return 5 * time.Second
}

func (a *App) cleanup(ctx context.Context) {
	if a.leader != nil {
		if err := a.leader.Release(ctx); err != nil {
			logger.Warn(ctx, "release leader lock failed", zap.Error(err))
		}
		a.leader = nil
	}
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i](ctx)
	}
	a.cleanups = nil
}

// Engine 给 cmd 和测试使用
func (a *App) Engine() *engine.Engine { return a.eng }
