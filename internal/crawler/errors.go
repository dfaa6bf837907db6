package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for named, non-fatal conditions.
var (
	// ErrNotClaimed is returned by Complete and Fail when the entry is no longer
	// claimed by the caller, typically because its lease expired and it was re-claimed.
	ErrNotClaimed = errors.New("queue entry not claimed")
	// ErrNoSitemapFound means robots.txt carried no Sitemap directive.
	ErrNoSitemapFound = errors.New("no sitemap found")
	// ErrRecordNotFound means no record exists for the requested URL.
	ErrRecordNotFound = errors.New("record not found")
	// ErrEntryNotFound means the URL is not in the queue.
	ErrEntryNotFound = errors.New("queue entry not found")
)

// FetchErrorKind classifies fetch failures.
type FetchErrorKind string

// Fetch failure kinds.
const (
	FetchTimeout          FetchErrorKind = "timeout"
	FetchConnectionFailed FetchErrorKind = "connection_failed"
	FetchHTTPStatus       FetchErrorKind = "http_status"
	FetchBlocked          FetchErrorKind = "blocked"
)

// FetchError is returned by fetchers for any failed request.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case FetchHTTPStatus:
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
	default:
		if e.Err != nil {
			return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
		}
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could plausibly succeed.
// Timeouts, connection failures, 429 and 5xx are transient; other statuses are not.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case FetchTimeout, FetchConnectionFailed:
		return true
	case FetchHTTPStatus:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	default:
		return false
	}
}

// ExtractionErrorKind classifies extraction failures.
type ExtractionErrorKind string

// Extraction failure kinds.
const (
	NoStructuredData     ExtractionErrorKind = "no_structured_data"
	MalformedJSON        ExtractionErrorKind = "malformed_json"
	MissingRequiredField ExtractionErrorKind = "missing_required_field"
)

// ExtractionError is returned by extractors when a page cannot yield a record.
type ExtractionError struct {
	Kind  ExtractionErrorKind
	Field string
	Err   error
}

func (e *ExtractionError) Error() string {
	msg := "extract: " + string(e.Kind)
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Retryable is true only for malformed JSON, which a truncated body can cause.
// Shape errors repeat until the extractor changes.
func (e *ExtractionError) Retryable() bool {
	return e.Kind == MalformedJSON
}

// IsRetryable classifies err as transient. Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Retryable()
	}
	var extractErr *ExtractionError
	if errors.As(err, &extractErr) {
		return extractErr.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
