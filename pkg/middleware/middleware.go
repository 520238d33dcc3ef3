package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-negotiation/internal/metrics"
	"github.com/ksred/klear-negotiation/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles clients separately for reads and writes.
// Writes are every method other than GET and HEAD.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	readLimit  rate.Limit
	readBurst  int
	writeLimit rate.Limit
	writeBurst int
	idleAfter  time.Duration
}

// NewRateLimiter creates a limiter allowing the given requests per minute.
// A non-positive value disables limiting for that class.
func NewRateLimiter(readPerMinute, writePerMinute int) *RateLimiter {
	rl := &RateLimiter{
		visitors:  make(map[string]*visitor),
		idleAfter: 3 * time.Minute,
	}
	rl.readLimit, rl.readBurst = perMinute(readPerMinute)
	rl.writeLimit, rl.writeBurst = perMinute(writePerMinute)
	return rl
}

func perMinute(n int) (rate.Limit, int) {
	if n <= 0 {
		return rate.Inf, 1
	}
	return rate.Limit(float64(n) / 60.0), n
}

// Cleanup drops idle visitors every minute until ctx is done
func (rl *RateLimiter) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evictIdle(time.Now())
		}
	}
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idleAfter {
			delete(rl.visitors, key)
		}
	}
}

func (rl *RateLimiter) getLimiter(clientIP string, write bool) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := clientIP + ":read"
	limit, burst := rl.readLimit, rl.readBurst
	if write {
		key = clientIP + ":write"
		limit, burst = rl.writeLimit, rl.writeBurst
	}

	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Handler returns the gin middleware
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		write := c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead
		if !rl.getLimiter(c.ClientIP(), write).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequestLogger logs each request through zerolog and records its latency
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		metrics.RequestDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())

		event := log.Info()
		switch {
		case status >= http.StatusInternalServerError:
			event = log.Error()
		case status >= http.StatusBadRequest:
			event = log.Warn()
		}
		event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", elapsed).
			Str("client_ip", c.ClientIP()).
			Msg("request handled")
	}
}
