package middleware

import (
	"errors"
	"time"

	"github.com/edirooss/mptcp-relay/internal/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AccessLog logs every request after it is handled, at a level chosen by the
// response status, and feeds the HTTP request metrics. m may be nil.
//
// Requests answered below 400 for paths in quiet (e.g. segment fetches by a
// player) are counted but not logged.
func AccessLog(log *zap.Logger, m *metrics.Metrics, quiet ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveRequest(c.Request.Method, route, status, latency)

		if status < 400 && hasPrefix(c.Request.URL.Path, quiet) {
			return
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", latency),
		}
		if id := GetRequestID(c); id != "" {
			fields = append(fields, zap.String("request_id", id))
		}
		if err := errors.Join(errs...); err != nil {
			fields = append(fields, zap.Error(err))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Debug("request", fields...)
		}
	}
}

func hasPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if len(path) >= len(p) && path[:len(p)] == p {
			return true
		}
	}
	return false
}
