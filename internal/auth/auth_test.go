package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anji4cp/streamnexus/internal/stream"
)

const secret = "0123456789abcdef-test"

func newService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(Config{Secret: secret, Issuer: "streamnexus", TTL: time.Hour})
	require.NoError(t, err)
	return s
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	if _, err := NewService(Config{Secret: "short"}); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestIssueAndVerify(t *testing.T) {
	s := newService(t)
	tok, exp, err := s.Issue("user-1", false)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	c, err := s.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", c.UserID())
	assert.False(t, c.Admin)
}

func TestVerifyRejects(t *testing.T) {
	s := newService(t)
	good, _, err := s.Issue("user-1", false)
	require.NoError(t, err)

	other, err := NewService(Config{Secret: "another-secret-of-length", Issuer: "streamnexus"})
	require.NoError(t, err)
	forged, _, err := other.Issue("user-1", true)
	require.NoError(t, err)

	wrongIssuer, err := NewService(Config{Secret: secret, Issuer: "someone-else"})
	require.NoError(t, err)
	foreign, _, err := wrongIssuer.Issue("user-1", false)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "user-1", Issuer: "streamnexus", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	expired := newService(t)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _, err := expired.Issue("user-1", false)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"empty":        "",
		"garbage":      "not.a.token",
		"wrong secret": forged,
		"wrong issuer": foreign,
		"alg none":     none,
		"expired":      old,
		"truncated":    good[:len(good)-4],
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.Verify(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestCanAccess(t *testing.T) {
	owner := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"}}
	stranger := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u2"}}
	admin := &Claims{Admin: true, RegisteredClaims: jwt.RegisteredClaims{Subject: "ops"}}

	assert.NoError(t, CanAccess(nil, "u1"))
	assert.NoError(t, CanAccess(owner, "u1"))
	assert.NoError(t, CanAccess(admin, "u1"))
	assert.True(t, errors.Is(CanAccess(stranger, "u1"), stream.ErrNotAuthorized))
	assert.ErrorIs(t, CanAccess(owner, ""), stream.ErrNotAuthorized)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newService(t)
	tok, _, err := s.Issue("u1", false)
	require.NoError(t, err)

	r := gin.New()
	r.Use(NewMiddleware(s, true).GinAuth())
	r.GET("/who", func(c *gin.Context) { c.String(http.StatusOK, ClaimsFrom(c).UserID()) })

	cases := []struct {
		name   string
		header string
		query  string
		code   int
	}{
		{"bearer header", "Bearer " + tok, "", http.StatusOK},
		{"lowercase scheme", "bearer " + tok, "", http.StatusOK},
		{"query token", "", "?access_token=" + tok, http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"basic scheme", "Basic Zm9vOmJhcg==", "", http.StatusUnauthorized},
		{"bad token", "Bearer nope", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/who"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.code {
				t.Fatalf("code = %d, want %d (%s)", w.Code, tc.code, w.Body.String())
			}
			if tc.code == http.StatusOK {
				assert.Equal(t, "u1", w.Body.String())
			}
		})
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewMiddleware(nil, true).GinAuth())
	r.GET("/x", func(c *gin.Context) {
		if ClaimsFrom(c) != nil {
			t.Errorf("expected no claims")
		}
		c.Status(http.StatusNoContent)
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
