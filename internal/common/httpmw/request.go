// Package httpmw holds gin middleware shared by the HTTP adapters.
package httpmw

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
)

// HeaderRequestID carries the request id in and out.
const HeaderRequestID = "X-Request-Id"

// RequestContext stores the request id and the :id route parameter in the request
// context so handlers, services and gateway spans log and trace under them. A request
// id supplied by the caller is kept; otherwise one is generated.
func RequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		c.Header(HeaderRequestID, requestID)

		ctx := logger.ContextWithRequestID(c.Request.Context(), requestID)
		if id := c.Param("id"); id != "" {
			ctx = logger.ContextWithConversationID(ctx, id)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func routeOf(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return "unmatched"
}
