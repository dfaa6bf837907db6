package crawler

import (
	"context"
	"io"
	"time"
)

// Store is the durable work queue plus the records it produces.
type Store interface {
	Enqueue(ctx context.Context, url string) (EnqueueResult, error)
	ClaimBatch(ctx context.Context, n int, workerID string) ([]QueueEntry, error)
	Complete(ctx context.Context, entry QueueEntry, record Record) error
	Fail(ctx context.Context, entry QueueEntry, cause error, retryable bool) error
	ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error)
	CountByStatus(ctx context.Context) (StatusCounts, error)
	GetEntry(ctx context.Context, url string) (QueueEntry, error)
	GetRecord(ctx context.Context, url string) (Record, error)
	ListRecords(ctx context.Context) ([]Record, error)
	SaveRecord(ctx context.Context, record Record) error
	ResetAll(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Enqueuer is the slice of Store that discovery needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, url string) (EnqueueResult, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// Extractor turns a page body into a record.
type Extractor interface {
	Extract(url string, body []byte) (Record, error)
	ExtractReviews(bookURL string, body []byte) ([]Review, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResult) bool
}

// Limiter applies politeness delays before requests.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for stable identifiers.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces worker identities (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
