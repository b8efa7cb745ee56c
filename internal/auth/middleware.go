package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const claimsKey = "auth_claims"

// Middleware authenticates requests with a bearer token. The websocket log feed
// cannot set headers from browsers, so access_token is accepted as a query
// parameter too.
type Middleware struct {
	svc     *Service
	enabled bool
}

func NewMiddleware(svc *Service, enabled bool) *Middleware {
	return &Middleware{svc: svc, enabled: enabled && svc != nil}
}

func (m *Middleware) Enabled() bool { return m != nil && m.enabled }

// GinAuth rejects unauthenticated requests with 401 and stores the claims.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}
		claims, err := m.svc.Verify(bearer(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// ClaimsFrom returns the caller's claims, or nil when auth is disabled.
func ClaimsFrom(c *gin.Context) *Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}
