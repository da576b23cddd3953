package collect

import (
	"context"
	"fmt"
	"net"

	"github.com/cockroachdb/errors"

	"github.com/i474232898/external-factors/internal/series"
)

// Error classes. Providers attach them with errors.Mark so errors.Is keeps
// working through any amount of wrapping.
var (
	ErrCredentials = errors.New("credential gate failed")
	ErrTransient   = errors.New("transient fetch error")
	ErrFormat      = errors.New("unexpected payload format")
	ErrPermission  = errors.New("permission denied")
	ErrNotFound    = errors.New("resource not found")
	ErrClient      = errors.New("request rejected")
	ErrPersistence = errors.New("persistence failed")
	ErrUnexpected  = errors.New("unexpected error")

	// ErrInvalidWindow is a format error raised when a provider cannot serve
	// the requested window at all.
	ErrInvalidWindow = errors.Mark(errors.New("invalid window"), ErrFormat)
)

// Reason codes recorded on Failure statuses by the orchestrator itself.
const (
	ReasonEmptyResult  = "empty result"
	ReasonWriteError   = "write error"
	ReasonNotCompleted = "not completed"
	ReasonCredentials  = "credentials"
	ReasonCancelled    = "cancelled"
)

// HTTPStatusError describes a non-2xx provider response.
type HTTPStatusError struct {
	Code int
	URL  string
	Body string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d from %s", e.Code, e.URL)
	}
	return fmt.Sprintf("http %d from %s: %s", e.Code, e.URL, e.Body)
}

// Classify maps err onto one of the error classes. Anything outside the
// taxonomy is ErrUnexpected.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCredentials):
		return ErrCredentials
	case errors.Is(err, ErrPersistence):
		return ErrPersistence
	case errors.Is(err, ErrPermission):
		return ErrPermission
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrClient):
		return ErrClient
	case errors.Is(err, ErrFormat), errors.Is(err, series.ErrInvalid):
		return ErrFormat
	case errors.Is(err, ErrTransient), isTimeout(err):
		return ErrTransient
	case errors.Is(err, context.Canceled):
		return context.Canceled
	default:
		return ErrUnexpected
	}
}

// ReasonFor renders the reason code recorded on a per-source Failure.
func ReasonFor(err error) string {
	var status *HTTPStatusError
	hasStatus := errors.As(err, &status)

	switch Classify(err) {
	case nil:
		return ""
	case ErrCredentials:
		return ReasonCredentials
	case ErrPersistence:
		return ReasonWriteError
	case ErrPermission:
		return "permission denied"
	case ErrNotFound:
		return "not found"
	case ErrClient:
		if hasStatus {
			return fmt.Sprintf("http %d", status.Code)
		}
		return "http error"
	case ErrFormat:
		if errors.Is(err, ErrInvalidWindow) {
			return "invalid window"
		}
		return "format error"
	case ErrTransient:
		if isTimeout(err) {
			return "timeout"
		}
		if hasStatus {
			return fmt.Sprintf("http %d", status.Code)
		}
		return "transient error"
	case context.Canceled:
		return ReasonCancelled
	default:
		return "unexpected: " + err.Error()
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
