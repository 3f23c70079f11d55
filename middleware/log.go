package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"PPChat/logger"
	"PPChat/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AccessLog /healthz 和 /metrics 只在 debug 级别打
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		switch c.Request.URL.Path {
		case "/healthz", "/metrics", "/ws":
			logger.Debug("http", fields...)
		default:
			logger.Info("http", fields...)
		}
	}
}

// Recovery panic 转成 5000，不把堆栈带给客户端
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("http handler panic", zap.Any("panic", r), zap.String("path", c.Request.URL.Path), zap.ByteString("stack", debug.Stack()))
				c.AbortWithStatusJSON(http.StatusInternalServerError, errs.ToWire(errs.ErrPanic(r)))
			}
		}()
		c.Next()
	}
}

// Abort 按错误码回 HTTP 状态和 WireError
func Abort(c *gin.Context, err error) {
	w := errs.ToWire(err)
	if w.Code == errs.ServerInternalError {
		logger.Error("http request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.AbortWithStatusJSON(errs.HTTPStatus(w.Code), w)
}
