// Package middleware provides Gin middleware for the OAuth service HTTP
// surface, most importantly the fixed-window rate limiter that fronts the
// security-sensitive authorization endpoints.
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// CounterStore tracks request counts per key within fixed windows. The
// interface exists so single-process deployments can use the in-memory store
// while multi-instance deployments plug in a shared backend; per-instance
// memory would silently multiply every limit by the instance count.
type CounterStore interface {
	// Increment advances the counter for key within the current window,
	// rolling the window forward first when it has elapsed. It returns the
	// post-increment count and the time the window resets.
	Increment(key string, window time.Duration) (count int, resetAt time.Time)

	// Sweep drops entries whose window has passed. Called periodically to
	// bound memory growth from one-off keys.
	Sweep()
}

// counterEntry is one key's window state.
type counterEntry struct {
	count   int
	resetAt time.Time
}

// MemoryCounterStore is a mutex-guarded in-process CounterStore.
type MemoryCounterStore struct {
	mu      sync.Mutex
	entries map[string]*counterEntry
}

var _ CounterStore = (*MemoryCounterStore)(nil)

// NewMemoryCounterStore creates an empty counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{entries: make(map[string]*counterEntry)}
}

// Increment implements CounterStore.
func (s *MemoryCounterStore) Increment(key string, window time.Duration) (int, time.Time) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || now.After(entry.resetAt) {
		entry = &counterEntry{resetAt: now.Add(window)}
		s.entries[key] = entry
	}
	entry.count++
	return entry.count, entry.resetAt
}

// Sweep implements CounterStore.
func (s *MemoryCounterStore) Sweep() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.entries {
		if now.After(entry.resetAt) {
			delete(s.entries, key)
		}
	}
}

// RateLimitConfig describes one named rate-limit profile.
type RateLimitConfig struct {
	// Name identifies the profile in logs.
	Name string

	Window      time.Duration
	MaxRequests int

	// KeyFunc derives the limiting key for a request. Defaults to the client
	// IP; endpoints behind authentication may bind the key to the user
	// instead.
	KeyFunc func(c *gin.Context) string
}

// RateLimit returns a middleware enforcing the profile against the given
// counter store. Every response carries X-RateLimit-Limit, -Remaining and
// -Reset so clients can self-throttle; a throttled response additionally
// carries Retry-After and never reaches the downstream handler.
func RateLimit(store CounterStore, cfg RateLimitConfig) gin.HandlerFunc {
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = func(c *gin.Context) string { return c.ClientIP() }
	}

	return func(c *gin.Context) {
		key := cfg.Name + ":" + keyFunc(c)
		count, resetAt := store.Increment(key, cfg.Window)

		remaining := cfg.MaxRequests - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if count > cfg.MaxRequests {
			retryAfter := int(time.Until(resetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			log.Warnf("rate limit exceeded profile=%s key=%s count=%d", cfg.Name, key, count)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// Profiles holds the per-endpoint-class rate-limit configurations. The
// authorization and callback endpoints get the tightest windows; they are the
// ones worth brute-forcing.
type Profiles struct {
	Authorize RateLimitConfig
	Callback  RateLimitConfig
	Token     RateLimitConfig
	General   RateLimitConfig
	Upload    RateLimitConfig
}

// DefaultProfiles returns the default limit set.
func DefaultProfiles() Profiles {
	return Profiles{
		Authorize: RateLimitConfig{Name: "authorize", Window: 15 * time.Minute, MaxRequests: 10},
		Callback:  RateLimitConfig{Name: "callback", Window: 15 * time.Minute, MaxRequests: 20},
		Token:     RateLimitConfig{Name: "token", Window: time.Minute, MaxRequests: 60},
		General:   RateLimitConfig{Name: "general", Window: time.Minute, MaxRequests: 300},
		Upload:    RateLimitConfig{Name: "upload", Window: time.Hour, MaxRequests: 20},
	}
}
