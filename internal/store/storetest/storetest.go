// Package storetest is a conformance suite run against every crawler.Store implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/store"
)

// Factory opens a fresh, empty store using opts.
type Factory func(t *testing.T, opts store.Options) crawler.Store

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const maxAttempts = 3

func setup(t *testing.T, factory Factory) (crawler.Store, *Clock) {
	t.Helper()
	clock := NewClock()
	s := factory(t, store.Options{
		MaxAttempts:    maxAttempts,
		FailedCooldown: time.Hour,
		Clock:          clock,
	})
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func enqueueAll(t *testing.T, s crawler.Store, urls ...string) {
	t.Helper()
	for _, u := range urls {
		_, err := s.Enqueue(context.Background(), u)
		require.NoError(t, err)
	}
}

// Run executes the full suite.
func Run(t *testing.T, factory Factory) {
	t.Run("EnqueueIsIdempotent", func(t *testing.T) { testEnqueueIdempotent(t, factory) })
	t.Run("ClaimBatchStampsEntries", func(t *testing.T) { testClaimBatch(t, factory) })
	t.Run("ConcurrentClaimsNeverOverlap", func(t *testing.T) { testConcurrentClaims(t, factory) })
	t.Run("CompleteRequiresClaim", func(t *testing.T) { testCompleteRequiresClaim(t, factory) })
	t.Run("CompleteRejectsStaleWorker", func(t *testing.T) { testCompleteRejectsStaleWorker(t, factory) })
	t.Run("CompleteStoresRecord", func(t *testing.T) { testCompleteStoresRecord(t, factory) })
	t.Run("ReleaseStaleClaims", func(t *testing.T) { testReleaseStaleClaims(t, factory) })
	t.Run("MaxAttemptsIsTerminal", func(t *testing.T) { testMaxAttempts(t, factory) })
	t.Run("StructuralFailureCoolsDown", func(t *testing.T) { testStructuralFailure(t, factory) })
	t.Run("DoneNeverRegresses", func(t *testing.T) { testDoneNeverRegresses(t, factory) })
	t.Run("SaveRecordAndReset", func(t *testing.T) { testSaveRecordAndReset(t, factory) })
}

func testEnqueueIdempotent(t *testing.T, factory Factory) {
	s, _ := setup(t, factory)
	ctx := context.Background()

	res, err := s.Enqueue(ctx, "https://example.com/book/a/")
	require.NoError(t, err)
	require.Equal(t, crawler.Inserted, res)

	for i := 0; i < 3; i++ {
		res, err = s.Enqueue(ctx, "https://example.com/book/a/")
		require.NoError(t, err)
		require.Equal(t, crawler.AlreadyExists, res)
	}

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Total())
	require.Equal(t, 1, counts[crawler.StatusPending])
}

func testClaimBatch(t *testing.T, factory Factory) {
	s, clock := setup(t, factory)
	ctx := context.Background()
	enqueueAll(t, s, "https://example.com/book/a/", "https://example.com/book/b/", "https://example.com/book/c/")

	claimed, err := s.ClaimBatch(ctx, 2, "worker-1")
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, e := range claimed {
		require.Equal(t, crawler.StatusClaimed, e.Status)
		require.Equal(t, "worker-1", e.ClaimedBy)
		require.Equal(t, 1, e.Attempts)
		require.NotNil(t, e.ClaimedAt)
		require.True(t, e.ClaimedAt.Equal(clock.Now()))
	}

	rest, err := s.ClaimBatch(ctx, 10, "worker-2")
	require.NoError(t, err)
	require.Len(t, rest, 1)

	none, err := s.ClaimBatch(ctx, 10, "worker-3")
	require.NoError(t, err)
	require.Empty(t, none)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, counts[crawler.StatusClaimed])
}

func testConcurrentClaims(t *testing.T, factory Factory) {
	s, _ := setup(t, factory)
	ctx := context.Background()
	const total = 120
	for i := 0; i < total; i++ {
		enqueueAll(t, s, fmt.Sprintf("https://example.com/book/%03d/", i))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]string)
		dups []string
		wg   sync.WaitGroup
		errs = make(chan error, 8)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				batch, err := s.ClaimBatch(ctx, 7, worker)
				if err != nil {
					errs <- err
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, e := range batch {
					if prev, ok := seen[e.URL]; ok {
						dups = append(dups, e.URL+" by "+prev+" and "+worker)
					}
					seen[e.URL] = worker
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Empty(t, dups)
	require.Len(t, seen, total)
}

func testCompleteRequiresClaim(t *testing.T, factory Factory) {
	s, _ := setup(t, factory)
	ctx := context.Background()
	url := "https://example.com/book/a/"
	enqueueAll(t, s, url)

	before, err := s.GetEntry(ctx, url)
	require.NoError(t, err)

	err = s.Complete(ctx, crawler.QueueEntry{URL: url, ClaimedBy: "ghost", Attempts: 0}, crawler.Record{Title: "x"})
	require.ErrorIs(t, err, crawler.ErrNotClaimed)

	after, err := s.GetEntry(ctx, url)
	require.NoError(t, err)
	require.Equal(t, before.Status, after.Status)
	require.Equal(t, before.Attempts, after.Attempts)
	_, err = s.GetRecord(ctx, url)
	require.ErrorIs(t, err, crawler.ErrRecordNotFound)

	claimed, err := s.ClaimBatch(ctx, 1, "worker-1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, s.Complete(ctx, claimed[0], crawler.Record{Title: "first"}))

	err = s.Complete(ctx, claimed[0], crawler.Record{Title: "second"})
	require.ErrorIs(t, err, crawler.ErrNotClaimed)
	rec, err := s.GetRecord(ctx, url)
	require.NoError(t, err)
	require.Equal(t, "first", rec.Title)

	err = s.Fail(ctx, claimed[0], errors.New("late"), true)
	require.ErrorIs(t, err, crawler.ErrNotClaimed)
	entry, err := s.GetEntry(ctx, url)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusDone, entry.Status)
}

func testCompleteRejectsStaleWorker(t *testing.T, factory Factory) {
	s, clock := setup(t, factory)
	ctx := context.Background()
	url := "https://example.com/book/slow/"
	enqueueAll(t, s, url)

	slow, err := s.ClaimBatch(ctx, 1, "slow-worker")
	require.NoError(t, err)
	require.Len(t, slow, 1)

	clock.Advance(20 * time.Minute)
	released, err := s.ReleaseStaleClaims(ctx, clock.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, released)

	fast, err := s.ClaimBatch(ctx, 1, "fast-worker")
	require.NoError(t, err)
	require.Len(t, fast, 1)
	require.Equal(t, 2, fast[0].Attempts)

	require.ErrorIs(t, s.Complete(ctx, slow[0], crawler.Record{Title: "stale"}), crawler.ErrNotClaimed)
	require.NoError(t, s.Complete(ctx, fast[0], crawler.Record{Title: "fresh"}))

	rec, err := s.GetRecord(ctx, url)
	require.NoError(t, err)
	require.Equal(t, "fresh", rec.Title)
}

func testCompleteStoresRecord(t *testing.T, factory Factory) {
	s, clock := setup(t, factory)
	ctx := context.Background()
	enqueueAll(t, s, "https://example.com/book/b/", "https://example.com/book/a/")

	claimed, err := s.ClaimBatch(ctx, 2, "worker-1")
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	rating := 4.5
	reviewRating := 5.0
	for _, e := range claimed {
		rec := crawler.Record{
			Title:       "Title of " + e.URL,
			Authors:     []string{"Author One", "Author Two"},
			Rating:      &rating,
			Price:       &crawler.Price{Amount: 349, Currency: "RUB"},
			Genres:      []string{"Fantasy"},
			Description: "desc",
			Source:      crawler.SourceJSONLD,
			ScrapedAt:   clock.Now(),
			Reviews: []crawler.Review{
				{ID: "r1-" + e.URL, BookURL: e.URL, Author: "reader", Text: "great", Rating: &reviewRating},
				{ID: "r2-" + e.URL, BookURL: e.URL, Author: "critic", Text: "meh"},
			},
		}
		require.NoError(t, s.Complete(ctx, e, rec))
	}

	records, err := s.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "https://example.com/book/a/", records[0].URL)

	got := records[0]
	require.Equal(t, []string{"Author One", "Author Two"}, got.Authors)
	require.NotNil(t, got.Rating)
	require.InDelta(t, 4.5, *got.Rating, 1e-9)
	require.NotNil(t, got.Price)
	require.Equal(t, "RUB", got.Price.Currency)
	require.Equal(t, []string{"Fantasy"}, got.Genres)
	require.Equal(t, crawler.SourceJSONLD, got.Source)
	require.Len(t, got.Reviews, 2)
	require.Equal(t, "reader", got.Reviews[0].Author)
	require.NotNil(t, got.Reviews[0].Rating)
	require.Nil(t, got.Reviews[1].Rating)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[crawler.StatusDone])
	require.Equal(t, 0, counts[crawler.StatusClaimed])
}

func testReleaseStaleClaims(t *testing.T, factory Factory) {
	s, clock := setup(t, factory)
	ctx := context.Background()
	enqueueAll(t, s, "https://example.com/book/old/")

	old, err := s.ClaimBatch(ctx, 1, "worker-old")
	require.NoError(t, err)
	require.Len(t, old, 1)

	clock.Advance(30 * time.Minute)
	enqueueAll(t, s, "https://example.com/book/new/")
	recent, err := s.ClaimBatch(ctx, 1, "worker-new")
	require.NoError(t, err)
	require.Len(t, recent, 1)

	cutoff := clock.Now().Add(-10 * time.Minute)
	released, err := s.ReleaseStaleClaims(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	oldEntry, err := s.GetEntry(ctx, old[0].URL)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusPending, oldEntry.Status)
	require.Empty(t, oldEntry.ClaimedBy)
	require.Nil(t, oldEntry.ClaimedAt)

	newEntry, err := s.GetEntry(ctx, recent[0].URL)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusClaimed, newEntry.Status)
	require.Equal(t, "worker-new", newEntry.ClaimedBy)
}

func testMaxAttempts(t *testing.T, factory Factory) {
	s, _ := setup(t, factory)
	ctx := context.Background()
	url := "https://example.com/book/flaky/"
	enqueueAll(t, s, url)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		claimed, err := s.ClaimBatch(ctx, 1, "worker")
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)
		require.Equal(t, attempt, claimed[0].Attempts)
		require.NoError(t, s.Fail(ctx, claimed[0], &crawler.FetchError{Kind: crawler.FetchTimeout, URL: url}, true))
	}

	entry, err := s.GetEntry(ctx, url)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusFailed, entry.Status)
	require.Equal(t, maxAttempts, entry.Attempts)
	require.Contains(t, entry.LastError, "timeout")

	claimed, err := s.ClaimBatch(ctx, 5, "worker")
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func testStructuralFailure(t *testing.T, factory Factory) {
	s, clock := setup(t, factory)
	ctx := context.Background()
	broken := "https://example.com/book/broken/"
	enqueueAll(t, s, broken)

	claimed, err := s.ClaimBatch(ctx, 1, "worker")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	cause := &crawler.ExtractionError{Kind: crawler.NoStructuredData}
	require.NoError(t, s.Fail(ctx, claimed[0], cause, false))

	entry, err := s.GetEntry(ctx, broken)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusFailed, entry.Status)

	none, err := s.ClaimBatch(ctx, 1, "worker")
	require.NoError(t, err)
	require.Empty(t, none)

	clock.Advance(2 * time.Hour)
	enqueueAll(t, s, "https://example.com/book/fresh/")

	first, err := s.ClaimBatch(ctx, 1, "worker")
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, "https://example.com/book/fresh/", first[0].URL)

	second, err := s.ClaimBatch(ctx, 1, "worker")
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, broken, second[0].URL)
	require.Equal(t, 2, second[0].Attempts)
}

func testDoneNeverRegresses(t *testing.T, factory Factory) {
	s, _ := setup(t, factory)
	ctx := context.Background()
	url := "https://example.com/book/done/"
	enqueueAll(t, s, url)

	claimed, err := s.ClaimBatch(ctx, 1, "worker")
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, claimed[0], crawler.Record{Title: "done"}))

	res, err := s.Enqueue(ctx, url)
	require.NoError(t, err)
	require.Equal(t, crawler.AlreadyExists, res)

	entry, err := s.GetEntry(ctx, url)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusDone, entry.Status)

	none, err := s.ClaimBatch(ctx, 1, "worker")
	require.NoError(t, err)
	require.Empty(t, none)
}

func testSaveRecordAndReset(t *testing.T, factory Factory) {
	s, _ := setup(t, factory)
	ctx := context.Background()
	enqueueAll(t, s, "https://example.com/book/queued/")

	require.NoError(t, s.SaveRecord(ctx, crawler.Record{
		URL:     "https://example.com/book/single/",
		Title:   "Single",
		Authors: []string{"Solo"},
		Source:  crawler.SourceMeta,
	}))
	entry, err := s.GetEntry(ctx, "https://example.com/book/single/")
	require.NoError(t, err)
	require.Equal(t, crawler.StatusDone, entry.Status)

	rec, err := s.GetRecord(ctx, "https://example.com/book/single/")
	require.NoError(t, err)
	require.Equal(t, "Single", rec.Title)

	n, err := s.ResetAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	records, err := s.ListRecords(ctx)
	require.NoError(t, err)
	require.Empty(t, records)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[crawler.StatusPending])
	require.NoError(t, s.Ping(ctx))
}
