package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/clouddrive/internal/logging"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newLimiter(perMinute, burst int) (*Limiter, *clock) {
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(perMinute, burst)
	l.now = c.now
	return l, c
}

func TestAllowBurstThenLimit(t *testing.T) {
	l, _ := newLimiter(60, 3)

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("10.0.0.1"), "request %d", i+1)
	}
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "clients are independent")
}

func TestRefillAndRetryAfter(t *testing.T) {
	l, c := newLimiter(30, 1) // one token every two seconds

	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))
	assert.Equal(t, 2, l.RetryAfter("a"))
	assert.Equal(t, 0, l.RetryAfter("unknown"))

	c.t = c.t.Add(2 * time.Second)
	assert.Equal(t, 0, l.RetryAfter("a"))
	assert.True(t, l.Allow("a"))
}

func TestUnlimited(t *testing.T) {
	l := New(0, 0)
	for i := 0; i < 1000; i++ {
		require.True(t, l.Allow("a"))
	}
	assert.Equal(t, 0, l.RetryAfter("a"))
}

func TestCleanup(t *testing.T) {
	l, c := newLimiter(60, 1)
	l.Allow("old")
	c.t = c.t.Add(2 * time.Hour)
	l.Allow("new")

	assert.Equal(t, 1, l.Cleanup(time.Hour))
	assert.Equal(t, 1, l.Len())
}

func TestMiddleware(t *testing.T) {
	logging.InitNop()
	l, _ := newLimiter(60, 1)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/share/abc", nil)
	req.RemoteAddr = "192.0.2.7:51234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ClientIP(req))
	req.RemoteAddr = "unix"
	assert.Equal(t, "unix", ClientIP(req))
}
