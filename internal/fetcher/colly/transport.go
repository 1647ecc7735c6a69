// Package collyfetcher implements harvest.Transport on top of a gocolly collector.
package collyfetcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/race-results-harvester/internal/harvest"
)

const defaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodySize caps response bodies in bytes; zero keeps the collector default.
	MaxBodySize int
	// OnRobotsFallback is called when an unreachable robots.txt is treated as allow-all.
	OnRobotsFallback func(host string)
}

// Transport performs one synchronous collector request per RoundTrip.
type Transport struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Transport.
func New(cfg Config, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	var rt http.RoundTripper = newHTTPTransport()
	if cfg.RespectRobots {
		robots := newRobotsTransport(rt, logger)
		robots.onFallback = cfg.OnRobotsFallback
		rt = robots
	}
	c.WithTransport(rt)
	return &Transport{cfg: cfg, baseCollector: c, logger: logger.Named("colly")}
}

// RoundTrip implements harvest.Transport. Non-2xx responses are returned, not failed.
func (t *Transport) RoundTrip(ctx context.Context, spec harvest.RequestSpec) (harvest.Response, error) {
	target, body, err := encodeRequest(spec)
	if err != nil {
		return harvest.Response{}, err
	}
	hdr := spec.Headers.Clone()
	if hdr == nil {
		hdr = http.Header{}
	}
	if body != nil && hdr.Get("Content-Type") == "" {
		hdr.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	var (
		result   harvest.Response
		fetchErr error
	)
	collector := t.buildCollector()
	t.configureCollectorHooks(collector, &result, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(spec.Method, target, body, colly.NewContext(), hdr)
	}()

	select {
	case <-ctx.Done():
		return harvest.Response{}, fmt.Errorf("colly request canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return harvest.Response{}, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		if err != nil {
			return harvest.Response{}, fmt.Errorf("colly request failed: %w", err)
		}
		return result, nil
	}
}

func (t *Transport) buildCollector() *colly.Collector {
	collector := t.baseCollector.Clone()
	if t.cfg.UserAgent != "" {
		collector.UserAgent = t.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !t.cfg.RespectRobots
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(t.cfg.Timeout)
	return collector
}

func (t *Transport) configureCollectorHooks(hooks collectorHooks, result *harvest.Response, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = harvest.Response{
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
		}
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

// encodeRequest merges GET params into the query string or form-encodes POST params.
func encodeRequest(spec harvest.RequestSpec) (string, io.Reader, error) {
	u, err := url.Parse(spec.URL)
	if err != nil {
		return "", nil, fmt.Errorf("parse request url: %w", err)
	}
	if spec.Method == http.MethodPost {
		return u.String(), strings.NewReader(spec.Params.Encode()), nil
	}
	if len(spec.Params) > 0 {
		q := u.Query()
		for k, vs := range spec.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
}
