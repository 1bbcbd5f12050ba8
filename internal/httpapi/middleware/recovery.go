package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lanewaylabs/sessionsync/internal/common"
	"github.com/lanewaylabs/sessionsync/internal/observability"
)

// Recovery turns handler panics into the uniform error envelope.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				observability.LoggerFromContext(c.Request.Context()).
					Error("handler panic", "path", c.FullPath(), "panic", r)
				common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
				c.Abort()
			}
		}()
		c.Next()
	}
}
