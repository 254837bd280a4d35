package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow_RejectsOverCeilingWithoutRecording(t *testing.T) {
	l := New()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("1.2.3.4", 3, now.Add(time.Duration(i)*time.Second)))
	}
	assert.False(t, l.Allow("1.2.3.4", 3, now.Add(10*time.Second)))
	assert.False(t, l.Allow("1.2.3.4", 3, now.Add(20*time.Second)))

	// first entry leaves the window at now+60s; rejected calls did not extend it
	assert.True(t, l.Allow("1.2.3.4", 3, now.Add(61*time.Second)))
	assert.True(t, l.Allow("5.6.7.8", 3, now), "identities are independent")
}

func TestAllow_ZeroCeilingRejects(t *testing.T) {
	l := New()
	assert.False(t, l.Allow("a", 0, time.Now()))
	assert.Equal(t, 0, l.Len())
}

func TestPrune_DropsEmptyIdentities(t *testing.T) {
	l := New()
	now := time.Now()
	require.True(t, l.Allow("old", 5, now.Add(-2*time.Minute)))
	require.True(t, l.Allow("fresh", 5, now))

	removed := l.Prune(now)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 0, l.Prune(now), "prune is idempotent")
}

func TestRetryAfter(t *testing.T) {
	l := New()
	now := time.Now()
	require.True(t, l.Allow("a", 1, now))
	assert.Equal(t, 45*time.Second, l.RetryAfter("a", now.Add(15*time.Second)))
	assert.Equal(t, time.Duration(0), l.RetryAfter("unknown", now))
}

func TestAllow_ConcurrentCallersRespectCeiling(t *testing.T) {
	l := New()
	now := time.Now()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("c", 10, now) {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func TestMiddleware_Returns429WithRetryAfter(t *testing.T) {
	l := New()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	clock := func() time.Time { return now }
	h := l.Middleware("progress", 1, clock)(next)
	other := l.Middleware("file", 1, clock)(next)

	req := httptest.NewRequest(http.MethodGet, "/progress/x", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "error")

	rec = httptest.NewRecorder()
	other.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code, "scopes have separate budgets")
}
