package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Subject", Subject(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	auth := NewAuthMiddleware(testSecret, RoleOracle, logger.NewNop())
	h := auth.Handler(okHandler())

	valid, err := IssueToken(testSecret, "oracle-1", RoleOracle, time.Hour)
	require.NoError(t, err)
	wrongRole, err := IssueToken(testSecret, "player", "viewer", time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(testSecret, "oracle-1", RoleOracle, -time.Hour)
	require.NoError(t, err)
	otherKey, err := IssueToken([]byte("another-secret-another-secret!!!"), "oracle-1", RoleOracle, time.Hour)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{Role: RoleOracle}).SignedString(testSecret)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer " + valid, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + valid, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong key", "Bearer " + otherKey, http.StatusUnauthorized},
		{"no expiry", "Bearer " + noExpiry, http.StatusUnauthorized},
		{"wrong role", "Bearer " + wrongRole, http.StatusForbidden},
		{"garbage", "Bearer not.a.token", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/raffle/fulfill", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := serve(h, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "oracle-1", rec.Header().Get("X-Subject"))
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0.001, 2, logger.NewNop())
	h := rl.Handler(okHandler())

	req := func(addr string) int {
		r := httptest.NewRequest(http.MethodGet, "/raffle", nil)
		r.RemoteAddr = addr
		return serve(h, r).Code
	}

	assert.Equal(t, http.StatusOK, req("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, req("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, req("10.0.0.1:1002"))
	assert.Equal(t, http.StatusOK, req("10.0.0.2:1000"), "limits are per client")
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, logger.NewNop())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.getLimiter("a")
	now = now.Add(time.Minute)
	rl.getLimiter("b")

	assert.Equal(t, 1, rl.Cleanup(30*time.Second))
	assert.Len(t, rl.limiters, 1)
	assert.Contains(t, rl.limiters, "b")
}

func TestOriginPolicy_Handler(t *testing.T) {
	h := NewOriginPolicy([]string{"https://dash.example.com", ".raffle.io"}).Handler(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/raffle", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	rec := serve(h, req)
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/raffle", nil)
	req.Header.Set("Origin", "https://app.raffle.io")
	assert.Equal(t, "https://app.raffle.io", serve(h, req).Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/raffle", nil)
	req.Header.Set("Origin", "https://evil.example.org")
	assert.Empty(t, serve(h, req).Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/raffle/enter", nil)
	assert.Equal(t, http.StatusNoContent, serve(h, req).Code)

	req = httptest.NewRequest(http.MethodOptions, "/raffle/enter", nil)
	req.Header.Set("Origin", "https://app.raffle.io")
	assert.Equal(t, http.StatusNoContent, serve(h, req).Code)

	req = httptest.NewRequest(http.MethodOptions, "/raffle/enter", nil)
	req.Header.Set("Origin", "https://evil.example.org")
	assert.Equal(t, http.StatusForbidden, serve(h, req).Code)
}

func TestOriginPolicy_Rules(t *testing.T) {
	p := NewOriginPolicy([]string{" HTTPS://Dash.Example.com/ ", ".raffle.io", ""})

	tests := []struct {
		origin string
		want   bool
	}{
		{"https://dash.example.com", true},
		{"https://DASH.example.com", true},
		{"http://dash.example.com", false},
		{"https://app.raffle.io", true},
		{"https://app.raffle.io:8443", true},
		{"https://raffle.io.evil.org", false},
		{"https://evilraffle.io", false},
		{"not a url", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Allows(tt.origin), tt.origin)
	}

	assert.True(t, NewOriginPolicy([]string{"*"}).Allows("https://anything.example"))
	assert.False(t, NewOriginPolicy(nil).Allows("https://dash.example.com"))

	req := httptest.NewRequest(http.MethodGet, "/raffle/events/stream", nil)
	assert.True(t, p.CheckOrigin(req), "no origin header")
	req.Header.Set("Origin", "https://evil.example.org")
	assert.False(t, p.CheckOrigin(req))
}

func TestTracingMiddleware(t *testing.T) {
	h := NewTracingMiddleware(logger.NewNop()).Handler(okHandler())

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, rec.Header().Get(TraceHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(TraceHeader, "trace-123")
	assert.Equal(t, "trace-123", serve(h, req).Header().Get(TraceHeader))
}
