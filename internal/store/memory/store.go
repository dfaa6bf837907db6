// Package memory provides an in-memory work queue store for tests and one-off runs.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/store"
)

// Store implements crawler.Store behind a single mutex.
type Store struct {
	mu      sync.Mutex
	opts    store.Options
	entries map[string]*crawler.QueueEntry
	records map[string]crawler.Record
	closed  bool
}

// New constructs an empty Store.
func New(opts store.Options) *Store {
	return &Store{
		opts:    opts.WithDefaults(),
		entries: make(map[string]*crawler.QueueEntry),
		records: make(map[string]crawler.Record),
	}
}

// Enqueue adds url as Pending unless it is already known.
func (s *Store) Enqueue(_ context.Context, url string) (crawler.EnqueueResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[url]; ok {
		return crawler.AlreadyExists, nil
	}
	now := s.opts.Clock.Now()
	s.entries[url] = &crawler.QueueEntry{
		URL:          url,
		Status:       crawler.StatusPending,
		DiscoveredAt: now,
		UpdatedAt:    now,
	}
	return crawler.Inserted, nil
}

// ClaimBatch hands out up to n claimable entries.
func (s *Store) ClaimBatch(_ context.Context, n int, workerID string) ([]crawler.QueueEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Clock.Now()
	candidates := make([]*crawler.QueueEntry, 0)
	for _, e := range s.entries {
		if s.opts.Claimable(*e, now) {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return store.ClaimLess(*candidates[i], *candidates[j])
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	out := make([]crawler.QueueEntry, 0, len(candidates))
	for _, e := range candidates {
		claimedAt := now
		e.Status = crawler.StatusClaimed
		e.ClaimedBy = workerID
		e.ClaimedAt = &claimedAt
		e.Attempts++
		e.UpdatedAt = now
		out = append(out, copyEntry(e))
	}
	return out, nil
}

// Complete stores record and marks the entry Done.
func (s *Store) Complete(_ context.Context, entry crawler.QueueEntry, record crawler.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entry.URL]
	if !ok || !holds(e, entry) {
		return crawler.ErrNotClaimed
	}
	record.URL = entry.URL
	s.records[entry.URL] = cloneRecord(record)
	e.Status = crawler.StatusDone
	e.LastError = ""
	s.release(e)
	return nil
}

// Fail records cause and moves the entry to Pending or Failed.
func (s *Store) Fail(_ context.Context, entry crawler.QueueEntry, cause error, retryable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entry.URL]
	if !ok || !holds(e, entry) {
		return crawler.ErrNotClaimed
	}
	e.Status = s.opts.FailureStatus(e.Attempts, retryable)
	e.LastError = store.TruncateError(cause)
	s.release(e)
	return nil
}

// ReleaseStaleClaims frees claims taken before olderThan.
func (s *Store) ReleaseStaleClaims(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	for _, e := range s.entries {
		if e.Status != crawler.StatusClaimed || e.ClaimedAt == nil || !e.ClaimedAt.Before(olderThan) {
			continue
		}
		e.Status = s.opts.ReleaseStatus(e.Attempts)
		e.LastError = store.ErrLeaseExpired
		s.release(e)
		released++
	}
	return released, nil
}

// CountByStatus tallies entries per status.
func (s *Store) CountByStatus(_ context.Context) (crawler.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := crawler.StatusCounts{}
	for _, st := range crawler.AllStatuses {
		counts[st] = 0
	}
	for _, e := range s.entries {
		counts[e.Status]++
	}
	return counts, nil
}

// GetEntry returns the queue entry for url.
func (s *Store) GetEntry(_ context.Context, url string) (crawler.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[url]
	if !ok {
		return crawler.QueueEntry{}, crawler.ErrEntryNotFound
	}
	return copyEntry(e), nil
}

// GetRecord returns the record stored for url.
func (s *Store) GetRecord(_ context.Context, url string) (crawler.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[url]
	if !ok {
		return crawler.Record{}, crawler.ErrRecordNotFound
	}
	return cloneRecord(rec), nil
}

// ListRecords returns all records ordered by URL.
func (s *Store) ListRecords(_ context.Context) ([]crawler.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

// SaveRecord upserts a record outside of the claim flow and marks its entry Done.
func (s *Store) SaveRecord(_ context.Context, record crawler.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Clock.Now()
	e, ok := s.entries[record.URL]
	if !ok {
		e = &crawler.QueueEntry{URL: record.URL, DiscoveredAt: now}
		s.entries[record.URL] = e
	}
	if e.Status == crawler.StatusClaimed {
		return crawler.ErrNotClaimed
	}
	e.Status = crawler.StatusDone
	e.LastError = ""
	e.UpdatedAt = now
	s.records[record.URL] = cloneRecord(record)
	return nil
}

// ResetAll drops every record and requeues every entry.
func (s *Store) ResetAll(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Clock.Now()
	s.records = make(map[string]crawler.Record)
	for _, e := range s.entries {
		e.Status = crawler.StatusPending
		e.Attempts = 0
		e.LastError = ""
		e.ClaimedBy = ""
		e.ClaimedAt = nil
		e.UpdatedAt = now
	}
	return len(s.entries), nil
}

// Ping always succeeds unless the store is closed.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	return nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) release(e *crawler.QueueEntry) {
	e.ClaimedBy = ""
	e.ClaimedAt = nil
	e.UpdatedAt = s.opts.Clock.Now()
}

func holds(current *crawler.QueueEntry, claimed crawler.QueueEntry) bool {
	return current.Status == crawler.StatusClaimed &&
		current.ClaimedBy == claimed.ClaimedBy &&
		current.Attempts == claimed.Attempts
}

func copyEntry(e *crawler.QueueEntry) crawler.QueueEntry {
	out := *e
	if e.ClaimedAt != nil {
		t := *e.ClaimedAt
		out.ClaimedAt = &t
	}
	return out
}

func cloneRecord(r crawler.Record) crawler.Record {
	out := r
	out.Authors = append([]string(nil), r.Authors...)
	out.Genres = append([]string(nil), r.Genres...)
	out.Reviews = append([]crawler.Review(nil), r.Reviews...)
	if r.Rating != nil {
		v := *r.Rating
		out.Rating = &v
	}
	if r.Price != nil {
		p := *r.Price
		out.Price = &p
	}
	return out
}

var errClosed = errors.New("memory store closed")
