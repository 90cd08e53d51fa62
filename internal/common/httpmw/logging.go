package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
)

// RequestLogger logs each request after its handler completes. Server errors log at
// warn with the error gin collected; everything else logs at debug.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", routeOf(c)),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.Int("bytes", max(c.Writer.Size(), 0)),
		}
		reqLog := log.WithContext(c.Request.Context())
		if status >= 500 {
			if err := c.Errors.Last(); err != nil {
				fields = append(fields, zap.Error(err.Err))
			}
			reqLog.Warn("http request failed", fields...)
			return
		}
		reqLog.Debug("http request", fields...)
	}
}
