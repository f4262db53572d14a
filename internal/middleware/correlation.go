// Package middleware contains gin middleware shared across the HTTP
// surface.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/syncroom/server/internal/logging"
)

// HeaderXCorrelationID is the header carrying the correlation id, read from
// an inbound request if present and always echoed on the response.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID assigns (or propagates) a correlation id for the request and
// seeds internal/logging's context so every log line emitted while handling
// it, including inside the WebSocket session the upgrade route spawns,
// carries it.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Header(HeaderXCorrelationID, correlationID)

		ctx := logging.WithCorrelation(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(HeaderXCorrelationID, correlationID)

		c.Next()
	}
}
