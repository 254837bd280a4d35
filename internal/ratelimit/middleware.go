package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Middleware throttles requests per client address. Each scope keeps its own
// windows so endpoints with different ceilings do not share a budget. chi's
// RealIP middleware should run first so RemoteAddr carries the client address.
func (l *Limiter) Middleware(scope string, maxPerMinute int, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := scope + "|" + ClientIdentity(r)
			ts := now()
			if !l.Allow(identity, maxPerMinute, ts) {
				wait := l.RetryAfter(identity, ts)
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "too many requests, slow down"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIdentity returns the host part of the request's remote address.
func ClientIdentity(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
