package harvest

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Response is what a Transport returns for a completed request.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Transport performs one synchronous request. Implementations return an error only for
// transport-level failures; HTTP status handling belongs to the Fetcher.
type Transport interface {
	RoundTrip(ctx context.Context, spec RequestSpec) (Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, spec RequestSpec) (Response, error)

// RoundTrip calls f.
func (f TransportFunc) RoundTrip(ctx context.Context, spec RequestSpec) (Response, error) {
	return f(ctx, spec)
}

// Fetcher issues one request and returns raw markup. Every non-nil error is a
// *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, spec RequestSpec) ([]byte, error)
}

// Extractor turns one page of markup into records. Implementations are pure and
// deterministic.
type Extractor interface {
	Extract(markup []byte, period int) []Record
	// Schema lists the declared fields in output order.
	Schema() []string
}

// Plan is the discovered unit count for a (source, period) pair.
type Plan struct {
	Total int
	// Estimated marks a fallback estimate; the coordinator applies the empty-page
	// termination rule to estimated plans.
	Estimated bool
	Reason    string
	// Results is the total result count when the site declares or shows one, else 0.
	Results int
}

// Archive stores raw page markup.
type Archive interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// ReportWriter persists a finalized report.
type ReportWriter interface {
	WriteReport(ctx context.Context, report *Report) error
}

// Hasher computes content digests for archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
