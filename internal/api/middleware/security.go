package middleware

import (
	"github.com/gin-gonic/gin"
)

// DocumentHeaders sets headers on responses that carry a preview document,
// typically assemble.SecurityHeaders. Responses are never cached since a
// rebuild replaces the document.
func DocumentHeaders(headers map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for k, v := range headers {
			h.Set(k, v)
		}
		h.Set("Cache-Control", "no-store")
		c.Next()
	}
}
