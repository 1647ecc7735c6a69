// Package metrics holds the Prometheus collectors that sit outside the progress event
// stream: status-server requests, politeness waits and robots.txt fallbacks.
package metrics

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors groups the fetch-path and status-server metrics.
type Collectors struct {
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	robotsFallbackTotal        *prometheus.CounterVec
}

// New registers the collectors against reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) (*Collectors, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collectors{
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_status_http_requests_total",
			Help: "Status server requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpRequestDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_status_http_request_duration_seconds",
			Help:    "Status server request latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
		rateLimitDelaySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_rate_limit_delay_seconds",
			Help:    "Time spent waiting for a per-host politeness token.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"host"}),
		robotsFallbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_robots_fallback_total",
			Help: "robots.txt lookups that stayed unreachable and were treated as allow-all.",
		}, []string{"host"}),
	}
	for _, col := range []prometheus.Collector{
		c.httpRequestsTotal,
		c.httpRequestDurationSeconds,
		c.rateLimitDelaySeconds,
		c.robotsFallbackTotal,
	} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return c, nil
}

// SanitizeHost returns the lowercase hostname of rawURL, or "unknown".
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveHTTPRequest records one status-server request.
func (c *Collectors) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records a politeness wait for host.
func (c *Collectors) ObserveRateLimitDelay(host string, waited time.Duration) {
	c.rateLimitDelaySeconds.WithLabelValues(SanitizeHost(host)).Observe(waited.Seconds())
}

// ObserveRobotsFallback counts a host whose robots.txt was assumed allow-all.
func (c *Collectors) ObserveRobotsFallback(host string) {
	c.robotsFallbackTotal.WithLabelValues(SanitizeHost(host)).Inc()
}

// Middleware is a chi middleware that records request metrics by route pattern.
func (c *Collectors) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		c.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
