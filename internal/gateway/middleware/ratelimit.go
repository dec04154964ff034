package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"atelier/internal/config"
	"atelier/internal/gateway/handlers"
)

// tokenBucket is one client's allowance.
type tokenBucket struct {
	tokens   float64
	lastSeen time.Time
	mu       sync.Mutex
}

// RateLimiter limits REST requests per client address with a token bucket.
// WebSocket upgrades and liveness probes are never limited.
type RateLimiter struct {
	config  config.RateLimitConfig
	buckets map[string]*tokenBucket
	mu      sync.Mutex
	stopCh  chan struct{}
	stop    sync.Once
	now     func() time.Time
}

// NewRateLimiter creates a limiter. Zero fields take the defaults
// of 60 requests per minute, a burst of 10 and a 5 minute cleanup.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	rl := &RateLimiter{
		config:  cfg,
		buckets: make(map[string]*tokenBucket),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	if cfg.Enabled {
		go rl.cleanup()
	}
	return rl
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stop.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictIdle()
		}
	}
}

// evictIdle drops buckets unused for two cleanup intervals.
func (rl *RateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-2 * rl.config.CleanupInterval)
	for client, b := range rl.buckets {
		b.mu.Lock()
		idle := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(rl.buckets, client)
		}
	}
}

func (rl *RateLimiter) bucket(client string) *tokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[client]
	if !ok {
		b = &tokenBucket{tokens: float64(rl.config.Burst), lastSeen: rl.now()}
		rl.buckets[client] = b
	}
	return b
}

// Allow takes a token for client. It returns whether the request may
// proceed, the tokens left, and when the bucket is full again.
func (rl *RateLimiter) Allow(client string) (bool, int, time.Time) {
	now := rl.now()
	if !rl.config.Enabled {
		return true, rl.config.Burst, now
	}

	b := rl.bucket(client)
	b.mu.Lock()
	defer b.mu.Unlock()

	perSecond := float64(rl.config.RequestsPerMinute) / 60.0
	b.tokens += now.Sub(b.lastSeen).Seconds() * perSecond
	if b.tokens > float64(rl.config.Burst) {
		b.tokens = float64(rl.config.Burst)
	}
	b.lastSeen = now

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	missing := float64(rl.config.Burst) - b.tokens
	reset := now.Add(time.Duration(missing / perSecond * float64(time.Second)))
	return allowed, int(b.tokens), reset
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func exempt(r *http.Request) bool {
	return r.URL.Path == "/health" || strings.HasPrefix(r.URL.Path, "/ws")
}

// RateLimit returns a middleware that rejects clients over their allowance
// with 429 and a JSON error body.
func (rl *RateLimiter) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.config.Enabled || exempt(r) {
			next.ServeHTTP(w, r)
			return
		}

		allowed, remaining, reset := rl.Allow(getClientIP(r))

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.config.RequestsPerMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if !allowed {
			retry := int64(reset.Sub(rl.now()).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
			handlers.SendError(w, http.StatusTooManyRequests, handlers.ErrCodeRateLimited, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
