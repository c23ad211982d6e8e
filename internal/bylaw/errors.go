package bylaw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors shared across stores and pipeline stages.
var (
	ErrNotFound         = errors.New("not found")
	ErrSiteDisabled     = errors.New("site disabled")
	ErrInvalidConfig    = errors.New("invalid site configuration")
	ErrJobFinished      = errors.New("job already finished")
	ErrNoChange         = errors.New("no change")
	ErrSequenceConflict = errors.New("version sequence conflict")
	ErrNotPreserved     = errors.New("source document not preserved")
	ErrObjectExists     = errors.New("object already exists")
	ErrObjectNotFound   = errors.New("object not found")
	ErrSelectorNoMatch  = errors.New("selector matched nothing")
)

// ConflictError is returned when a site already has an in-flight job.
type ConflictError struct {
	SiteID string
	JobID  string
}

func (e *ConflictError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("site %s already has a job in flight", e.SiteID)
	}
	return fmt.Sprintf("site %s already has job %s in flight", e.SiteID, e.JobID)
}

// CaptureErrorKind classifies capture failures.
type CaptureErrorKind string

// Capture failure kinds.
const (
	KindUnreachable            CaptureErrorKind = "Unreachable"
	KindTimeout                CaptureErrorKind = "Timeout"
	KindSelectorMismatch       CaptureErrorKind = "SelectorMismatch"
	KindUnsupportedContentType CaptureErrorKind = "UnsupportedContentType"
)

// CaptureError describes why a document could not be captured.
type CaptureError struct {
	Kind       CaptureErrorKind
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *CaptureError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.URL)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt could succeed. Selector and
// content-type failures are configuration drift and never retried.
func (e *CaptureError) Retryable() bool {
	switch e.Kind {
	case KindTimeout:
		return true
	case KindUnreachable:
		if e.StatusCode == 0 {
			return true
		}
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	default:
		return false
	}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var capErr *CaptureError
	if errors.As(err, &capErr) {
		return capErr.Retryable()
	}
	return false
}

// IntegrityError is raised when a stored artifact does not match what was
// written.
type IntegrityError struct {
	Path   string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: %s", e.Path, e.Reason)
}

// ErrorKind maps an error to the kind string recorded on job errors.
func ErrorKind(err error) string {
	var capErr *CaptureError
	var intErr *IntegrityError
	switch {
	case errors.As(err, &capErr):
		return string(capErr.Kind)
	case errors.As(err, &intErr):
		return "IntegrityFailure"
	case errors.Is(err, ErrSequenceConflict):
		return "ConcurrencyConflict"
	case errors.Is(err, ErrInvalidConfig):
		return "InvalidConfig"
	default:
		return "Internal"
	}
}
