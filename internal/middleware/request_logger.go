package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// RequestIDHeader carries the per-request ID set by RequestLogger.
const RequestIDHeader = "X-Request-ID"

// quietPaths are polled constantly and only logged at trace level.
var quietPaths = map[string]bool{
	"/live":    true,
	"/ready":   true,
	"/metrics": true,
}

// RequestLogger logs each bridge request and tags it with a request ID.
func RequestLogger(logger hclog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(RequestIDHeader, requestID)

		c.Next()

		args := []interface{}{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"size", c.Writer.Size(),
			"request_id", requestID,
		}
		if quietPaths[c.Request.URL.Path] {
			logger.Trace("http request", args...)
			return
		}
		logger.Debug("http request", args...)
	}
}

// ErrorLogger logs errors attached to the gin context
func ErrorLogger(logger hclog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		for _, err := range c.Errors {
			logger.Error("request error",
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"error", err.Error(),
				"type", err.Type,
			)
		}
	}
}
