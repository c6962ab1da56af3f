package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/attestnet/coordinator/internal/coordinator/metrics"
	"github.com/attestnet/coordinator/pkg/logging"
)

// LoggerMiddleware logs every request with latency and status.
func LoggerMiddleware(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		logger.Info("HTTP Request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"ip", c.ClientIP(),
		)
	}
}

// MetricsMiddleware tracks request counts and latency per route. The route
// template is used rather than the raw path so ids do not explode the label
// cardinality.
func MetricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		method := c.Request.Method
		m.HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
	}
}
