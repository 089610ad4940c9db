package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sirosfoundation/go-stream-gateway/pkg/config"
	"github.com/sirosfoundation/go-stream-gateway/pkg/httperror"
)

// RateLimiter keeps one token bucket per client key
type RateLimiter struct {
	config config.RateLimitConfig
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*clientLimiter

	idleTTL time.Duration
	stopCh  chan struct{}
	stopped sync.Once
}

// clientLimiter tracks rate limiting state for a single client
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop.
// Call Stop to release it.
func NewRateLimiter(cfg config.RateLimitConfig, logger *zap.Logger) *RateLimiter {
	cfg.SetDefaults()
	rl := &RateLimiter{
		config:   cfg,
		logger:   logger.Named("ratelimit"),
		limiters: make(map[string]*clientLimiter),
		idleTTL:  10 * time.Minute,
		stopCh:   make(chan struct{}),
	}
	go rl.cleanupLoop(time.Minute)
	return rl
}

// Allow reports whether a request for key may proceed
func (r *RateLimiter) Allow(key string) bool {
	if !r.config.Enabled {
		return true
	}

	r.mu.Lock()
	cl, ok := r.limiters[key]
	if !ok {
		cl = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.Burst),
		}
		r.limiters[key] = cl
	}
	cl.lastSeen = time.Now()
	r.mu.Unlock()

	return cl.limiter.Allow()
}

func (r *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.cleanup()
		}
	}
}

// cleanup removes limiters that have not been used for idleTTL
func (r *RateLimiter) cleanup() {
	cutoff := time.Now().Add(-r.idleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, cl := range r.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(r.limiters, key)
		}
	}
}

// Stop ends the cleanup loop
func (r *RateLimiter) Stop() {
	r.stopped.Do(func() { close(r.stopCh) })
}

// RateLimit rejects requests over the per-client rate with 429. Clients are
// keyed by IP address.
func RateLimit(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.Allow(c.ClientIP()) {
			return
		}

		rl.logger.Debug("Rate limit exceeded", zap.String("client_ip", c.ClientIP()))
		abort(c, httperror.TooManyRequests("Too many requests, please try again later."))
	}
}
