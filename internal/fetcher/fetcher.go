// Package fetcher implements the page fetcher: one request in, raw markup or a classified
// *harvest.FetchError out. It talks to the network only through a harvest.Transport.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/race-results-harvester/internal/harvest"
)

// DefaultUserAgent is sent when a request carries none.
const DefaultUserAgent = "race-results-harvester/1.0 (+https://github.com/JakeFAU/race-results-harvester)"

// Limiter paces outbound requests.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls fetch behavior.
type Config struct {
	UserAgent string
	// Timeout bounds one request including rate-limit waiting; zero disables it.
	Timeout time.Duration
}

// HTTPFetcher implements harvest.Fetcher.
type HTTPFetcher struct {
	transport harvest.Transport
	limiter   Limiter
	cfg       Config
	logger    *zap.Logger
}

// New builds an HTTPFetcher. limiter may be nil.
func New(transport harvest.Transport, limiter Limiter, cfg Config, logger *zap.Logger) *HTTPFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	return &HTTPFetcher{
		transport: transport,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger.Named("fetcher"),
	}
}

// Fetch issues spec and returns the response body of a 2xx response.
func (f *HTTPFetcher) Fetch(ctx context.Context, spec harvest.RequestSpec) (body []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			body = nil
			err = harvest.NetworkError(fmt.Errorf("transport panic: %v", r))
		}
	}()

	spec, err = f.prepare(spec)
	if err != nil {
		return nil, err
	}
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, spec.URL); err != nil {
			return nil, Classify(err)
		}
	}

	start := time.Now()
	resp, err := f.transport.RoundTrip(ctx, spec)
	if err != nil {
		fe := Classify(err)
		f.logger.Debug("fetch failed",
			zap.String("method", spec.Method),
			zap.String("url", spec.URL),
			zap.String("cause", string(fe.Cause)),
			zap.Error(err),
		)
		return nil, fe
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		f.logger.Debug("fetch non-2xx",
			zap.String("url", spec.URL),
			zap.Int("status", resp.StatusCode),
		)
		return nil, harvest.StatusError(resp.StatusCode)
	}
	f.logger.Debug("fetched",
		zap.String("url", spec.URL),
		zap.Int("bytes", len(resp.Body)),
		zap.Duration("duration", time.Since(start)),
	)
	return resp.Body, nil
}

// prepare copies spec and fills the method and user agent.
func (f *HTTPFetcher) prepare(spec harvest.RequestSpec) (harvest.RequestSpec, error) {
	if spec.URL == "" {
		return spec, harvest.NetworkError(errors.New("empty request url"))
	}
	if _, err := url.Parse(spec.URL); err != nil {
		return spec, harvest.NetworkError(fmt.Errorf("parse request url: %w", err))
	}
	if spec.Method == "" {
		spec.Method = http.MethodGet
	}
	headers := spec.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if headers.Get("User-Agent") == "" {
		headers.Set("User-Agent", f.cfg.UserAgent)
	}
	spec.Headers = headers
	return spec, nil
}

// Classify maps any error to a *harvest.FetchError.
func Classify(err error) *harvest.FetchError {
	if err == nil {
		return nil
	}
	var fe *harvest.FetchError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return harvest.TimeoutError(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return harvest.TimeoutError(err)
	}
	return harvest.NetworkError(err)
}
