// Package ratelimit implements a per-host token bucket used to keep request rates polite
// toward result sites.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limiter manages one token bucket per host.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	observer DelayObserver
	logger   *zap.Logger
}

// DelayObserver receives the time spent waiting for a host's token.
type DelayObserver interface {
	ObserveRateLimitDelay(host string, waited time.Duration)
}

// Config holds rate limiter configuration.
type Config struct {
	// RequestsPerSecond <= 0 disables limiting.
	RequestsPerSecond float64
	Burst             int
	// Observer is optional.
	Observer DelayObserver
}

// New creates a Limiter.
func New(cfg Config, logger *zap.Logger) *Limiter {
	r := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
		observer: cfg.Observer,
		logger:   logger,
	}
}

// Wait blocks until a token for the URL's host is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	waited := time.Since(start)
	if l.observer != nil {
		l.observer.ObserveRateLimitDelay(host, waited)
	}
	if waited > time.Millisecond {
		l.logger.Debug("rate limited", zap.String("host", host), zap.Duration("waited", waited))
	}
	return nil
}
