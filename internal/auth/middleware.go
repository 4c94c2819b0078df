package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowgate/internal/logging"
)

// ContextKeyPrincipal is the gin context key holding the verified signer.
const ContextKeyPrincipal = "authPrincipal"

// RequireSignature rejects requests without a valid, fresh, unused signature
// and stores the signer's address under ContextKeyPrincipal.
func RequireSignature(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := readBody(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}

		principal, err := v.Verify(c.Request, body)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrReplayed) {
				status = http.StatusConflict
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error":   "invalid_signature",
				"message": err.Error(),
			})
			return
		}

		c.Set(ContextKeyPrincipal, principal)
		logging.Annotate(c.Request.Context(), "principal", principal)
		c.Next()
	}
}

// RequireAdmin checks the X-Admin-Secret header (or a bearer token) against
// secret. An empty secret disables the route entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-Admin-Secret")
		if token == "" {
			token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if secret == "" || !constantTimeEqual(token, secret) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "admin secret required",
			})
			return
		}
		c.Next()
	}
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Principal returns the verified signer set by RequireSignature.
func Principal(c *gin.Context) string {
	return c.GetString(ContextKeyPrincipal)
}
