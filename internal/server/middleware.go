package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequireAPIKey is a stub authentication gate: it accepts a bearer token (or
// x-api-key header, per the OpenAI/Anthropic/Gemini client conventions) and
// checks it against the dialect's configured key list. Authenticating
// inbound clients is explicitly an external collaborator the core doesn't
// own; keysFunc is read fresh on every request so a hot-reloaded key list
// takes effect without a restart, and an empty key list disables the check
// entirely (open access), leaving real credential issuance/rotation to
// whatever deployment wraps this proxy.
func RequireAPIKey(keysFunc func() []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		keys := keysFunc()
		if len(keys) == 0 {
			c.Next()
			return
		}

		token := extractToken(c.Request)
		for _, k := range keys {
			if token != "" && token == k {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"message": "invalid or missing API key", "code": "unauthorized"},
		})
	}
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
	}
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	if k := r.Header.Get("x-goog-api-key"); k != "" {
		return k
	}
	return ""
}
