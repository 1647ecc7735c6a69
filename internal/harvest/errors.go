package harvest

import (
	"errors"
	"fmt"
)

// Configuration errors are the only fatal conditions of a harvest.
var (
	ErrNoSources      = errors.New("no sources configured")
	ErrNoPeriods      = errors.New("no periods configured")
	ErrUnknownSource  = errors.New("unknown source")
	ErrBadConcurrency = errors.New("concurrency must be > 0")
)

// FailureCause classifies a fetch failure.
type FailureCause string

// Fetch failure causes.
const (
	CauseNetwork    FailureCause = "network_error"
	CauseHTTPStatus FailureCause = "http_status"
	CauseTimeout    FailureCause = "timeout"
	// CauseTemplate marks a request whose templates still hold unknown placeholders; it
	// is never sent.
	CauseTemplate FailureCause = "unresolved_template"
)

// ErrUnresolvedTemplate is wrapped by errors for requests left with {name} placeholders.
var ErrUnresolvedTemplate = errors.New("unresolved template placeholder")

// FetchError is the only error type a Fetcher returns.
type FetchError struct {
	Cause      FailureCause
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Cause == CauseHTTPStatus:
		return fmt.Sprintf("%s(%d)", e.Cause, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Cause, e.Err)
	default:
		return string(e.Cause)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NetworkError wraps a transport-level failure.
func NetworkError(err error) *FetchError {
	return &FetchError{Cause: CauseNetwork, Err: err}
}

// TimeoutError wraps a deadline failure.
func TimeoutError(err error) *FetchError {
	return &FetchError{Cause: CauseTimeout, Err: err}
}

// StatusError reports a non-2xx response.
func StatusError(code int) *FetchError {
	return &FetchError{Cause: CauseHTTPStatus, StatusCode: code}
}

// AsFetchError extracts a *FetchError from err, classifying anything else as a
// network error.
func AsFetchError(err error) *FetchError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return NetworkError(err)
}

// CauseOf classifies err for reporting. Unresolved templates keep their own cause;
// everything else goes through AsFetchError.
func CauseOf(err error) FailureCause {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrUnresolvedTemplate) {
		return CauseTemplate
	}
	return AsFetchError(err).Cause
}

// DiscoveryError reports a pair whose probe failed or could not be built; the pair is
// skipped.
type DiscoveryError struct {
	Pair PairKey
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover %s: %v", e.Pair, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}
