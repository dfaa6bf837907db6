package store

import (
	"time"
	"unicode/utf8"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

// MaxErrorLength caps the stored last_error text.
const MaxErrorLength = 2000

// Options are the queue policy knobs every Store implementation honours.
type Options struct {
	// MaxAttempts bounds how many times an entry may be claimed.
	MaxAttempts int
	// FailedCooldown is how long a Failed entry with attempts left waits before
	// it becomes claimable again.
	FailedCooldown time.Duration
	// Clock supplies timestamps; defaults to UTC wall time.
	Clock crawler.Clock
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// WithDefaults fills unset fields.
func (o Options) WithDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.FailedCooldown < 0 {
		o.FailedCooldown = 0
	}
	if o.Clock == nil {
		o.Clock = utcClock{}
	}
	return o
}

// FailureStatus decides where a failed claim goes next. A retryable failure with
// attempts left returns to Pending; everything else becomes Failed.
func (o Options) FailureStatus(attempts int, retryable bool) crawler.Status {
	if retryable && attempts < o.MaxAttempts {
		return crawler.StatusPending
	}
	return crawler.StatusFailed
}

// ErrLeaseExpired is recorded as last_error when a stale claim is released.
const ErrLeaseExpired = "claim lease expired"

// ReleaseStatus is where a stale claim goes. Entries that have used every attempt
// become Failed, since a Pending entry without attempts left could never be claimed.
func (o Options) ReleaseStatus(attempts int) crawler.Status {
	if attempts < o.MaxAttempts {
		return crawler.StatusPending
	}
	return crawler.StatusFailed
}

// Claimable reports whether an entry may be handed out by ClaimBatch at now.
func (o Options) Claimable(e crawler.QueueEntry, now time.Time) bool {
	switch e.Status {
	case crawler.StatusPending:
		return e.Attempts < o.MaxAttempts
	case crawler.StatusFailed:
		return e.Attempts < o.MaxAttempts && !e.UpdatedAt.After(now.Add(-o.FailedCooldown))
	default:
		return false
	}
}

// ClaimLess orders claim candidates: Pending before Failed, fewer attempts first,
// then oldest discovery, then URL for determinism.
func ClaimLess(a, b crawler.QueueEntry) bool {
	if a.Status != b.Status {
		return a.Status == crawler.StatusPending
	}
	if a.Attempts != b.Attempts {
		return a.Attempts < b.Attempts
	}
	if !a.DiscoveredAt.Equal(b.DiscoveredAt) {
		return a.DiscoveredAt.Before(b.DiscoveredAt)
	}
	return a.URL < b.URL
}

// TruncateError renders cause for the last_error column.
func TruncateError(cause error) string {
	if cause == nil {
		return ""
	}
	msg := cause.Error()
	if len(msg) <= MaxErrorLength {
		return msg
	}
	cut := MaxErrorLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
