package main

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wiretide/wiretide/pkg/apperr"
)

var errRateLimited = apperr.Permission("too many requests")

type rateRecord struct {
	count int
	reset time.Time
}

// RateLimiter counts requests per key in fixed windows.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateRecord
	now     func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: make(map[string]rateRecord), now: time.Now}
}

// Allow reports whether key may proceed under limit per window. A
// non-positive limit disables limiting.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rec := rl.entries[key]
	if rec.reset.IsZero() || !now.Before(rec.reset) {
		rec = rateRecord{reset: now.Add(window)}
	}
	if rec.count >= limit {
		rl.entries[key] = rec
		return false
	}
	rec.count++
	rl.entries[key] = rec
	return true
}

// Sweep drops windows that have ended.
func (rl *RateLimiter) Sweep() int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for k, rec := range rl.entries {
		if !now.Before(rec.reset) {
			delete(rl.entries, k)
			removed++
		}
	}
	return removed
}

type RateLimiterStats struct {
	Keys int `json:"keys"`
}

func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return RateLimiterStats{Keys: len(rl.entries)}
}

// rateLimited limits a route per client IP under the given bucket name.
func (s *Server) rateLimited(bucket string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := bucket + ":" + c.ClientIP()
		if !s.limiter.Allow(key, s.cfg.Register.Limit, s.cfg.Register.Window()) {
			c.Header("Retry-After", strconv.Itoa(s.cfg.Register.WindowS))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      errRateLimited.Message,
				"request_id": requestID(c),
			})
			return
		}
		c.Next()
	}
}
