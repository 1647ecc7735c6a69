package fetcher

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/race-results-harvester/internal/harvest"
)

// RetryConfig controls RetryTransport.
type RetryConfig struct {
	// MaxRetries is the number of extra attempts after the first; zero disables retries.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// RetryTransport retries transport-level failures with jittered exponential backoff.
// HTTP responses, including non-2xx ones, are returned as-is.
type RetryTransport struct {
	next   harvest.Transport
	cfg    RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

// NewRetryTransport wraps next. It returns next unchanged when retries are disabled.
func NewRetryTransport(next harvest.Transport, cfg RetryConfig, logger *zap.Logger) harvest.Transport {
	if cfg.MaxRetries <= 0 {
		return next
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryTransport{next: next, cfg: cfg, sleep: sleepContext, logger: logger.Named("retry")}
}

// RoundTrip implements harvest.Transport.
func (t *RetryTransport) RoundTrip(ctx context.Context, spec harvest.RequestSpec) (harvest.Response, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := t.next.RoundTrip(ctx, spec)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !t.shouldRetry(ctx, err, attempt) {
			break
		}
		delay := t.backoff(attempt)
		t.logger.Debug("retrying request",
			zap.String("url", spec.URL),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := t.sleep(ctx, delay); err != nil {
			return harvest.Response{}, err
		}
	}
	return harvest.Response{}, lastErr
}

func (t *RetryTransport) shouldRetry(ctx context.Context, err error, attempt int) bool {
	if attempt >= t.cfg.MaxRetries || ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func (t *RetryTransport) backoff(attempt int) time.Duration {
	delay := float64(t.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(t.cfg.MaxDelay) {
		delay = float64(t.cfg.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
