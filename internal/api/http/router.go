package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"darkpool.com/internal/engine"
	"darkpool.com/pkg/metrics"
	"darkpool.com/pkg/middleware"
	"darkpool.com/pkg/ratelimit"
)

type Options struct {
	Service   string
	RateLimit rate.Limit // 每个 ip+route 的 rps；0 表示不限
	Burst     int
	Tokens    map[string]string
	WS        http.Handler // 为 nil 时不挂 /ws
	History   History      // 为 nil 时不挂 /api/history
}

// NewRouter ctx 控制限流 janitor 的生命周期
func NewRouter(ctx context.Context, eng *engine.Engine, opt Options) (*gin.Engine, error) {
	tokens, err := NewTokens(opt.Tokens)
	if err != nil {
		return nil, err
	}
	if opt.Service == "" {
		opt.Service = "darkpool"
	}
	limit := opt.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	store := ratelimit.NewStore(limit, opt.Burst, 10*time.Minute)
	store.StartJanitor(ctx, time.Minute)

	metrics.MustRegister()
	r := gin.New()
	// 同时挂上 /metrics
	p := ginprom.NewPrometheus(opt.Service)
	p.Use(r)
	r.Use(
		otelgin.Middleware(opt.Service),
		middleware.ReqId(),
		cors.Default(),
		middleware.Recover(),
		middleware.RateLimit(store),
	)

	h := &Handler{eng: eng, tokens: tokens}
	api := r.Group("/api")
	api.GET("/batch/current", h.CurrentBatch)
	api.GET("/stats", h.Stats)

	orders := api.Group("/orders")
	{
		orders.POST("", h.SubmitOrder)
		orders.POST("/commit", h.Commit)
		orders.GET("/:id", h.GetOrder)
		orders.POST("/:id/reveal", h.Reveal)
		orders.POST("/:id/cancel", h.Cancel)
	}

	batches := api.Group("/batches")
	{
		batches.POST("/process", h.ProcessBatch)
		batches.GET("/:id", h.GetBatch)
		batches.POST("/:id/resubmit", h.Resubmit)
	}

	if opt.History != nil {
		hh := &historyHandler{h: opt.History}
		api.GET("/history/batches", hh.ListBatches)
		api.GET("/history/batches/:id/matches", hh.Matches)
	}

	if opt.WS != nil {
		r.GET("/ws", gin.WrapH(opt.WS))
	}
	return r, nil
}

func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// gorilla 升级后会清掉连接 deadline，ws 不受 WriteTimeout 影响
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}
