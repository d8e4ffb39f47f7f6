package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"darkpool.com/pkg/common"
	"darkpool.com/pkg/logger"
	"darkpool.com/pkg/metrics"
	"darkpool.com/pkg/ratelimit"
	"darkpool.com/pkg/xerr"
)

func RateLimit(store *ratelimit.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := c.ClientIP() + ":" + route

		if !store.Allow(key) {
			// 可控拒绝，不打堆栈
			logger.Warn(c.Request.Context(), "http rate limited",
				zap.String("ip", c.ClientIP()),
				zap.String("route", route),
			)
			metrics.RateLimitBlockTotal.WithLabelValues(route).Inc()
			common.Fail(c, xerr.HTTPStatus(xerr.RateLimited), xerr.RateLimited, xerr.MapErrMsg(xerr.RateLimited))
			c.Abort()
			return
		}
		c.Next()
	}
}
