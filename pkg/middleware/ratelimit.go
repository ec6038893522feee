package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sandwichcloud/deli-counter/pkg/httputil"
)

// RateLimitConfig defines rate limiting for login endpoints
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed per client IP in the window
	RequestsPerWindow int
	// WindowDuration is the fixed window length
	WindowDuration time.Duration
}

// LoginRateLimitConfig returns the default limits for credential endpoints
func LoginRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Minute,
	}
}

// RateLimiter is a fixed window per client IP rate limiter. State is in
// process; each replica enforces its own budget.
type RateLimiter struct {
	config      *RateLimitConfig
	mu          sync.Mutex
	windows     map[string]*window
	lastCleanup time.Time
}

type window struct {
	count int
	start time.Time
}

// NewRateLimiter creates a rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = LoginRateLimitConfig()
	}
	return &RateLimiter{
		config:  config,
		windows: make(map[string]*window),
	}
}

// Allow records a request for the key and reports whether it is within budget
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	win, exists := rl.windows[key]
	if !exists || now.Sub(win.start) >= rl.config.WindowDuration {
		rl.windows[key] = &window{count: 1, start: now}
		return true
	}
	win.count++
	return win.count <= rl.config.RequestsPerWindow
}

// cleanup drops windows that ended; called opportunistically from Middleware
func (rl *RateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.Sub(rl.lastCleanup) < time.Minute {
		return
	}
	rl.lastCleanup = now
	for key, win := range rl.windows {
		if now.Sub(win.start) >= rl.config.WindowDuration {
			delete(rl.windows, key)
		}
	}
}

// clientIP extracts the client address, honoring X-Forwarded-For from a
// fronting proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware applies the rate limit per client IP
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rl.cleanup(time.Now())

		if !rl.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", rl.config.WindowDuration.String())
			httputil.WriteTooManyRequests(w, "too many attempts, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}
