package watcher

import (
	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/lookout/internal/dispatch"
)

// Suppress marks every request it handles as not captured. Lookout mounts it
// on its own routes so that reading monitoring data is not itself monitored.
func Suppress() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(dispatch.WithoutCapture(c.Request.Context()))
		c.Next()
	}
}
