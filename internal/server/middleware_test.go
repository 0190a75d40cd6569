package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestEngine(keys []string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	e := gin.New()
	e.GET("/guarded", RequireAPIKey(func() []string { return keys }), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return e
}

func TestRequireAPIKeyOpenAccessWhenNoKeysConfigured(t *testing.T) {
	e := newTestEngine(nil)
	req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with no configured keys", rec.Code)
	}
}

func TestRequireAPIKeyRejectsMissingToken(t *testing.T) {
	e := newTestEngine([]string{"secret"})
	req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 with no token", rec.Code)
	}
}

func TestRequireAPIKeyAcceptsBearerToken(t *testing.T) {
	e := newTestEngine([]string{"secret"})
	req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with valid bearer token", rec.Code)
	}
}

func TestRequireAPIKeyAcceptsXAPIKeyHeader(t *testing.T) {
	e := newTestEngine([]string{"secret"})
	req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
	req.Header.Set("x-api-key", "secret")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with valid x-api-key", rec.Code)
	}
}

func TestRequireAPIKeyAcceptsGoogleHeader(t *testing.T) {
	e := newTestEngine([]string{"secret"})
	req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
	req.Header.Set("x-goog-api-key", "secret")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with valid x-goog-api-key", rec.Code)
	}
}

func TestRequireAPIKeyRejectsWrongToken(t *testing.T) {
	e := newTestEngine([]string{"secret"})
	req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 with wrong token", rec.Code)
	}
}

func TestExtractTokenPrefersAuthorizationHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc")
	req.Header.Set("x-api-key", "def")

	if got := extractToken(req); got != "abc" {
		t.Fatalf("extractToken() = %q, want %q", got, "abc")
	}
}
