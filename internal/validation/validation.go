// Package validation provides input validation middleware for the paymcp HTTP surface.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxPaymentIDLength bounds payment ids accepted in URLs.
const MaxPaymentIDLength = 128

// paymentIDRegex matches provider payment ids: pay_<hex> from the memory
// provider, cs_test_... checkout sessions from Stripe.
var paymentIDRegex = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPaymentID checks if a string looks like a provider payment id.
func IsValidPaymentID(id string) bool {
	return len(id) <= MaxPaymentIDLength && paymentIDRegex.MatchString(id)
}

// SanitizeString drops control characters other than newline and tab, trims
// surrounding space and limits s to maxLen runes.
func SanitizeString(s string, maxLen int) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if utf8.RuneCountInString(s) > maxLen {
		s = strings.TrimSpace(string([]rune(s)[:maxLen]))
	}
	return s
}

// PaymentIDParamMiddleware validates the :id URL parameter on payment routes.
func PaymentIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if !IsValidPaymentID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_payment_id",
				"message": "payment id must be 1-128 letters, digits, '_' or '-'",
			})
			return
		}
		c.Next()
	}
}
