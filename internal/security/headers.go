// Package security provides HTTP hardening for the paymcp server and URL
// checks for tools that fetch remote content.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// MCP transport headers a browser-based client must be able to send and read.
var (
	mcpRequestHeaders = []string{"Authorization", "Content-Type", "X-Request-ID", "Mcp-Session-Id", "Mcp-Protocol-Version", "Last-Event-ID"}
	mcpExposedHeaders = []string{"Mcp-Session-Id", "X-Request-ID"}
	contentSecPolicy  = "default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; form-action 'self'; frame-ancestors 'none'"
	permissionsPolicy = "geolocation=(), microphone=(), camera=(), payment=()"
)

// HeadersMiddleware adds security headers to all responses
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		// The demo payment page is the only HTML served; it needs inline styles and same-origin form posts.
		c.Header("Content-Security-Policy", contentSecPolicy)
		c.Header("Permissions-Policy", permissionsPolicy)
		c.Next()
	}
}

// CORSMiddleware lets allowed origins speak the streamable HTTP transport.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	originsMap := make(map[string]bool)
	for _, o := range allowedOrigins {
		originsMap[o] = true
	}
	allowHeaders := strings.Join(mcpRequestHeaders, ", ")
	exposeHeaders := strings.Join(mcpExposedHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if len(allowedOrigins) == 0 || originsMap[origin] || originsMap["*"] {
			if origin != "" {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			c.Header("Access-Control-Expose-Headers", exposeHeaders)
			c.Header("Access-Control-Max-Age", "86400")
			// wildcard + credentials is rejected by browsers
			if !originsMap["*"] {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
