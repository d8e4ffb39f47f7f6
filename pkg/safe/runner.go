package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"darkpool.com/pkg/logger"
	"darkpool.com/pkg/metrics"
)

// Go 安全启动协程，name 用于日志和 panic 计数
func Go(name string, fn func()) {
	GoCtx(context.Background(), name, func(context.Context) { fn() })
}

// GoCtx 携带 ctx 启动，日志里保留 batch_id / request_id 等链路信息
func GoCtx(ctx context.Context, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				if logger.Log != nil {
					logger.Error(ctx, "goroutine panic recovered",
						zap.String("goroutine", name),
						zap.Any("panic", r),
						zap.String("stack", stack),
					)
				} else {
					fmt.Printf("goroutine %s panic: %v\nStack: %s\n", name, r, stack)
				}
				metrics.GoroutinePanics.WithLabelValues(name).Inc()
			}
		}()

		fn(ctx)
	}()
}
