// Package middleware holds the gin middleware shared by boardsync HTTP services
package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/developer-mesh/boardsync/pkg/observability"
)

// RateLimiter provides rate limiting functionality
type RateLimiter struct {
	limiters    map[string]*rateLimiterEntry
	mu          sync.Mutex
	config      RateLimitConfig
	logger      observability.Logger
	metrics     observability.MetricsClient
	lastCleanup time.Time
	now         func() time.Time
}

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// Global limits
	GlobalRPS   int `mapstructure:"global_rps"`
	GlobalBurst int `mapstructure:"global_burst"`

	// Per-client limits, keyed by user id or remote address
	ClientRPS   int `mapstructure:"client_rps"`
	ClientBurst int `mapstructure:"client_burst"`

	// Cleanup
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxAge          time.Duration `mapstructure:"max_age"`
}

// rateLimiterEntry holds a rate limiter and its last access time
type rateLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// DefaultRateLimitConfig returns default rate limit configuration
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		GlobalRPS:       1000,
		GlobalBurst:     2000,
		ClientRPS:       50,
		ClientBurst:     100,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          1 * time.Hour,
	}
}

// NewRateLimiter creates a new rate limiter. Idle per-client limiters are
// dropped lazily while new ones are created.
func NewRateLimiter(config RateLimitConfig, logger observability.Logger, metrics observability.MetricsClient) *RateLimiter {
	return &RateLimiter{
		limiters:    make(map[string]*rateLimiterEntry),
		config:      config,
		logger:      observability.OrNoop(logger),
		metrics:     observability.MetricsOrNoop(metrics),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// GlobalLimit applies global rate limiting
func (rl *RateLimiter) GlobalLimit() gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(rl.config.GlobalRPS), rl.config.GlobalBurst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			rl.reject(c, "global", rl.config.GlobalRPS)
			return
		}
		c.Next()
	}
}

// ClientLimit applies per-client rate limiting. key extracts the client
// identity; requests it returns "" for are keyed by remote address.
func (rl *RateLimiter) ClientLimit(key func(c *gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := ""
		if key != nil {
			id = key(c)
		}
		if id == "" {
			id = "ip:" + c.ClientIP()
		}

		limiter := rl.getLimiter("client:"+id, rl.config.ClientRPS, rl.config.ClientBurst)
		if !limiter.Allow() {
			rl.reject(c, "client", rl.config.ClientRPS)
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", rl.config.ClientRPS))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", int(limiter.Tokens())))
		c.Next()
	}
}

func (rl *RateLimiter) reject(c *gin.Context, limitType string, rps int) {
	rl.metrics.IncrementCounterWithLabels("rate_limit_hits", 1.0, map[string]string{
		"type": limitType,
		"path": c.FullPath(),
	})
	c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", rps))
	c.Header("X-RateLimit-Remaining", "0")
	c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", rl.now().Add(time.Second).Unix()))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       limitType + " rate limit exceeded",
		"retry_after": 1,
	})
}

// getLimiter gets or creates a rate limiter for a key
func (rl *RateLimiter) getLimiter(key string, rps, burst int) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if entry, exists := rl.limiters[key]; exists {
		entry.lastAccess = now
		return entry.limiter
	}

	if rl.config.CleanupInterval > 0 && now.Sub(rl.lastCleanup) > rl.config.CleanupInterval {
		rl.cleanupLocked(now)
	}

	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	rl.limiters[key] = &rateLimiterEntry{
		limiter:    limiter,
		lastAccess: now,
	}
	return limiter
}

// cleanupLocked removes limiters idle for longer than MaxAge
func (rl *RateLimiter) cleanupLocked(now time.Time) {
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastAccess) > rl.config.MaxAge {
			delete(rl.limiters, key)
		}
	}
	rl.lastCleanup = now

	rl.logger.Debug("Rate limiter cleanup completed", map[string]interface{}{
		"remaining_limiters": len(rl.limiters),
	})
}

// Len returns the number of tracked per-client limiters
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
