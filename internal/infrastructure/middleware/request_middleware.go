package middleware

import (
	"time"

	"livecast/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ContextRequestID = "request_id"
	HeaderRequestID  = "X-Request-ID"
)

// HTTPMetrics records per-route request counts and latency.
type HTTPMetrics interface {
	RecordHTTPRequest(method, route string, status int, duration time.Duration)
}

// RequestIDMiddleware propagates the caller's request id or assigns one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(ContextRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// AccessLogMiddleware logs every request with its request and user ids and
// feeds the HTTP metrics when metrics is non-nil.
func AccessLogMiddleware(log *logger.ContextLogger, metrics HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx := c.Request.Context()
		if id, ok := UserID(c); ok {
			ctx = logger.WithUserID(ctx, string(id))
		}
		if streamID := c.Param("id"); streamID != "" {
			ctx = logger.WithStreamID(ctx, streamID)
		}

		log.LogRequest(ctx, c.Request.Method, route, c.Writer.Status(), duration.Milliseconds())
		if metrics != nil {
			metrics.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), duration)
		}
	}
}
