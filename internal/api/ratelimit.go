// Per-client limiter for API endpoints that rebuild the swarm: a fixed
// window counter keyed by client IP, kept in memory.
package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter admits at most maxRate requests per client within each window.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
	maxRate int
	window  time.Duration
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type clientWindow struct {
	used  int
	start time.Time
}

// NewRateLimiter creates a limiter allowing maxRate requests per window and
// starts an hourly sweep of idle clients. Close stops the sweep.
func NewRateLimiter(maxRate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*clientWindow),
		maxRate: maxRate,
		window:  window,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.sweepLoop(time.Hour)
	return rl
}

func (rl *RateLimiter) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

// Close stops the sweep goroutine.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

// Allow records a request from ip and reports whether it is admitted.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cw, ok := rl.clients[ip]
	if !ok || now.Sub(cw.start) >= rl.window {
		cw = &clientWindow{start: now}
		rl.clients[ip] = cw
	}
	if cw.used >= rl.maxRate {
		return false
	}
	cw.used++
	return true
}

// RetryAfter returns the whole seconds until ip's window resets.
func (rl *RateLimiter) RetryAfter(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cw, ok := rl.clients[ip]
	if !ok {
		return 0
	}
	left := rl.window - rl.now().Sub(cw.start)
	if left < 0 {
		return 0
	}
	return int(left.Seconds()) + 1
}

// cleanup forgets clients idle for more than two windows.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, cw := range rl.clients {
		if now.Sub(cw.start) > 2*rl.window {
			delete(rl.clients, ip)
		}
	}
}

// clientIP returns the first X-Forwarded-For hop when present, otherwise the
// remote address without its port.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware rejects requests over the limit with 429 and a
// Retry-After header.
func RateLimitMiddleware(rl *RateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.Allow(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter(ip)))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
