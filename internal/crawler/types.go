package crawler

import (
	"net/http"
	"time"
)

// Status represents the lifecycle state of a queue entry.
type Status string

// Queue status values persisted in the work queue store.
const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{StatusPending, StatusClaimed, StatusDone, StatusFailed}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusDone, StatusFailed:
		return true
	default:
		return false
	}
}

// QueueEntry is one candidate URL tracked by the work queue.
type QueueEntry struct {
	URL          string     `json:"url"`
	Status       Status     `json:"status"`
	Attempts     int        `json:"attempts"`
	ClaimedBy    string     `json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	DiscoveredAt time.Time  `json:"discovered_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// EnqueueResult tells callers whether Enqueue created a new entry.
type EnqueueResult int

// Enqueue outcomes.
const (
	Inserted EnqueueResult = iota
	AlreadyExists
)

func (r EnqueueResult) String() string {
	if r == Inserted {
		return "inserted"
	}
	return "already_exists"
}

// StatusCounts maps a status to the number of entries holding it.
type StatusCounts map[Status]int

// Total sums the counts across statuses.
func (c StatusCounts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// RecordSource names the extraction path that produced a record.
type RecordSource string

// Extraction paths, in order of preference.
const (
	SourceJSONLD RecordSource = "jsonld"
	SourceMeta   RecordSource = "meta"
	SourceHTML   RecordSource = "html"
)

// Price is an amount in a currency. Currency may be empty when the page omits it.
type Price struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
}

// Review is a single reader review attached to a record.
type Review struct {
	ID          string   `json:"id"`
	BookURL     string   `json:"book_url"`
	Author      string   `json:"author"`
	Text        string   `json:"text"`
	Rating      *float64 `json:"rating,omitempty"`
	PublishedAt string   `json:"published_at,omitempty"`
}

// Record is the metadata extracted from one book page.
type Record struct {
	URL         string       `json:"url"`
	Title       string       `json:"title"`
	Authors     []string     `json:"authors"`
	Rating      *float64     `json:"rating,omitempty"`
	Price       *Price       `json:"price,omitempty"`
	Genres      []string     `json:"genres"`
	Description string       `json:"description,omitempty"`
	Reviews     []Review     `json:"reviews,omitempty"`
	Source      RecordSource `json:"source"`
	ScrapedAt   time.Time    `json:"scraped_at"`
}

// FetchResult captures the response of a single page fetch.
type FetchResult struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
