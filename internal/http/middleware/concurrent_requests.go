package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// LimitConcurrentRequests rejects requests with 429 once maxConcurrent are in
// flight. WebSocket upgrades are not counted; they hold their slot for the
// lifetime of the push channel.
//
//	r.Use(LimitConcurrentRequests(256))
func LimitConcurrentRequests(maxConcurrent int) gin.HandlerFunc {
	if maxConcurrent <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	sem := make(chan struct{}, maxConcurrent)

	return func(c *gin.Context) {
		if isUpgrade(c.Request) {
			c.Next()
			return
		}
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			c.Next()
		default:
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many concurrent requests",
			})
		}
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
