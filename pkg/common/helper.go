package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"darkpool.com/pkg/logger"
	"darkpool.com/pkg/xerr"
)

// 统一 http 返回格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, Response{
		Code:    xerr.OK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// FailErr 按业务码映射 http 状态；对外只回 code + message，原始错误只进日志
func FailErr(c *gin.Context, err error) {
	code := xerr.CodeOf(err)
	msg := xerr.MapErrMsg(code)
	if ce, ok := xerr.As(err); ok && ce.Msg != "" {
		msg = ce.Msg
	}

	fields := []zap.Field{
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("biz_code", code),
		zap.Error(err),
	}
	switch {
	case xerr.Security(err):
		// 可能是攻击或客户端 bug，单独打 Error 方便告警
		logger.Error(c.Request.Context(), "http security rejection", fields...)
	case code == xerr.ServerCommonError || code == xerr.SettlementFailure:
		logger.Error(c.Request.Context(), "http error", fields...)
		msg = xerr.MapErrMsg(code)
	default:
		logger.Warn(c.Request.Context(), "http error", fields...)
	}
	Fail(c, xerr.HTTPStatus(code), code, msg)
}
