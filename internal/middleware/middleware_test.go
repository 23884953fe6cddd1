package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		localhost  bool
		origin     string
		wantOrigin string
		wantCreds  string
	}{
		{"explicit origin", []string{"https://app.example"}, false, "https://app.example", "https://app.example", "true"},
		{"unknown origin", []string{"https://app.example"}, false, "https://evil.example", "", ""},
		{"wildcard has no credentials", []string{"*"}, false, "https://any.example", "https://any.example", ""},
		{"localhost in development", nil, true, "http://localhost:5173", "http://localhost:5173", "true"},
		{"localhost outside development", nil, false, "http://localhost:5173", "", ""},
		{"no origin", []string{"*"}, false, "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()

			CORS(tt.allowed, tt.localhost)(okHandler()).ServeHTTP(w, req)

			assert.Equal(t, http.StatusNoContent, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCreds, w.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/chat/sessions", nil)
	req.Header.Set("Origin", "https://app.example")
	w := httptest.NewRecorder()

	CORS([]string{"https://app.example"}, false)(okHandler()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Content-Type")
}

func TestRateLimiterPerKey(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewRateLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "keys have separate budgets")

	now = now.Add(30 * time.Second)
	assert.True(t, l.Allow("a"), "one token refills per half window")
	assert.False(t, l.Allow("a"))
}

func TestRateLimiterEvict(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewRateLimiter(1, time.Minute)
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(45 * time.Second)
	l.Allow("recent")
	now = now.Add(30 * time.Second)

	assert.Equal(t, 1, l.Evict())
	assert.Equal(t, 1, l.Len())
}

func TestRateLimitMiddleware(t *testing.T) {
	l := NewRateLimiter(1, time.Hour)
	h := RateLimit(l, func(r *http.Request) string { return r.Header.Get("X-User") })(okHandler())

	send := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("X-User", user)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusNoContent, send("u1"))
	assert.Equal(t, http.StatusTooManyRequests, send("u1"))
	assert.Equal(t, http.StatusNoContent, send("u2"))
	assert.Equal(t, http.StatusNoContent, send(""), "anonymous requests are left to the handler")
	assert.Equal(t, http.StatusNoContent, send(""))
}
