package worker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/publisher/memory"
	"github.com/JakeFAU/catalog-harvester/internal/store"
	memstore "github.com/JakeFAU/catalog-harvester/internal/store/memory"
)

const bookURL = "https://example.com/book/dune/"

type fakeFetcher struct {
	mu       sync.Mutex
	pages    map[string]crawler.FetchResult
	errs     map[string]error
	requests []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (crawler.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, url)
	if err, ok := f.errs[url]; ok {
		return crawler.FetchResult{}, err
	}
	page, ok := f.pages[url]
	if !ok {
		return crawler.FetchResult{}, &crawler.FetchError{Kind: crawler.FetchHTTPStatus, URL: url, StatusCode: http.StatusNotFound}
	}
	return page, nil
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(url string, body []byte) (crawler.Record, error) {
	text := string(body)
	if !strings.HasPrefix(text, "title:") {
		return crawler.Record{}, &crawler.ExtractionError{Kind: crawler.NoStructuredData}
	}
	return crawler.Record{URL: url, Title: strings.TrimPrefix(text, "title:"), Source: crawler.SourceJSONLD}, nil
}

func (fakeExtractor) ExtractReviews(bookURL string, body []byte) ([]crawler.Review, error) {
	var out []crawler.Review
	for i, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
		if line == "" {
			continue
		}
		out = append(out, crawler.Review{ID: string(rune('a' + i)), BookURL: bookURL, Text: line})
	}
	return out, nil
}

// inlineReviewExtractor also finds one review embedded in the book page.
type inlineReviewExtractor struct{ fakeExtractor }

func (e inlineReviewExtractor) Extract(url string, body []byte) (crawler.Record, error) {
	rec, err := e.fakeExtractor.Extract(url, body)
	if err != nil {
		return rec, err
	}
	rec.Reviews = []crawler.Review{{ID: "inline", BookURL: url, Text: "embedded in page"}}
	return rec, nil
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type countingLimiter struct {
	mu    sync.Mutex
	calls []string
}

func (l *countingLimiter) Wait(_ context.Context, url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, url)
	return nil
}

type alwaysPromote struct{}

func (alwaysPromote) ShouldPromote(crawler.FetchResult) bool { return true }

func claimOne(t *testing.T, s crawler.Store, url string) crawler.QueueEntry {
	t.Helper()
	ctx := context.Background()
	_, err := s.Enqueue(ctx, url)
	require.NoError(t, err)
	claimed, err := s.ClaimBatch(ctx, 1, "crawl-test")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func TestProcessStoresRecordAndPublishes(t *testing.T) {
	t.Parallel()

	s := memstore.New(store.Options{})
	entry := claimOne(t, s, bookURL)
	fetcher := &fakeFetcher{pages: map[string]crawler.FetchResult{
		bookURL: {URL: bookURL, StatusCode: 200, Body: []byte("title:Dune")},
	}}
	limiter := &countingLimiter{}
	pub := memory.New()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	w := New(s, fetcher, nil, nil, fakeExtractor{}, limiter, pub, fakeClock{now: now},
		Config{Topic: "harvest-events"}, zap.NewNop())
	require.NoError(t, w.Process(context.Background(), entry))

	got, err := s.GetEntry(context.Background(), bookURL)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusDone, got.Status)

	rec, err := s.GetRecord(context.Background(), bookURL)
	require.NoError(t, err)
	require.Equal(t, "Dune", rec.Title)
	require.True(t, rec.ScrapedAt.Equal(now))
	require.Equal(t, []string{bookURL}, limiter.calls)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "harvest-events", msgs[0].Topic)
	payload, ok := msgs[0].Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, EventRecordCompleted, payload["type"])
	require.Equal(t, "crawl-test", payload["worker"])
}

func TestProcessReturnsFetchErrorAndKeepsClaim(t *testing.T) {
	t.Parallel()

	s := memstore.New(store.Options{})
	entry := claimOne(t, s, bookURL)
	timeout := &crawler.FetchError{Kind: crawler.FetchTimeout, URL: bookURL}
	fetcher := &fakeFetcher{errs: map[string]error{bookURL: timeout}}

	w := New(s, fetcher, nil, nil, fakeExtractor{}, nil, nil, nil, Config{}, nil)
	err := w.Process(context.Background(), entry)
	require.ErrorIs(t, err, timeout)
	require.True(t, crawler.IsRetryable(err))

	got, err := s.GetEntry(context.Background(), bookURL)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusClaimed, got.Status)
}

func TestProcessExtractionErrorIsStructural(t *testing.T) {
	t.Parallel()

	s := memstore.New(store.Options{})
	entry := claimOne(t, s, bookURL)
	fetcher := &fakeFetcher{pages: map[string]crawler.FetchResult{
		bookURL: {StatusCode: 200, Body: []byte("<html>captcha</html>")},
	}}

	w := New(s, fetcher, nil, nil, fakeExtractor{}, nil, nil, nil, Config{}, nil)
	err := w.Process(context.Background(), entry)
	var extractErr *crawler.ExtractionError
	require.ErrorAs(t, err, &extractErr)
	require.False(t, crawler.IsRetryable(err))
}

func TestReviewsFailureStillCompletes(t *testing.T) {
	t.Parallel()

	s := memstore.New(store.Options{})
	entry := claimOne(t, s, bookURL)
	fetcher := &fakeFetcher{
		pages: map[string]crawler.FetchResult{bookURL: {StatusCode: 200, Body: []byte("title:Dune")}},
		errs: map[string]error{
			bookURL + "reviews/": &crawler.FetchError{Kind: crawler.FetchHTTPStatus, StatusCode: 500},
		},
	}
	core, logs := observer.New(zapcore.WarnLevel)

	w := New(s, fetcher, nil, nil, fakeExtractor{}, nil, nil, nil,
		Config{WithReviews: true}, zap.New(core))
	require.NoError(t, w.Process(context.Background(), entry))

	got, err := s.GetEntry(context.Background(), bookURL)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusDone, got.Status)

	rec, err := s.GetRecord(context.Background(), bookURL)
	require.NoError(t, err)
	require.Empty(t, rec.Reviews)
	require.Equal(t, 1, logs.FilterMessage("reviews fetch failed").Len())
}

func TestInlineReviewsDroppedWithoutReviewsMode(t *testing.T) {
	t.Parallel()

	s := memstore.New(store.Options{})
	entry := claimOne(t, s, bookURL)
	fetcher := &fakeFetcher{pages: map[string]crawler.FetchResult{
		bookURL: {StatusCode: 200, Body: []byte("title:Dune")},
	}}

	w := New(s, fetcher, nil, nil, inlineReviewExtractor{}, nil, nil, nil, Config{}, nil)
	require.NoError(t, w.Process(context.Background(), entry))

	rec, err := s.GetRecord(context.Background(), bookURL)
	require.NoError(t, err)
	require.Equal(t, "Dune", rec.Title)
	require.Empty(t, rec.Reviews)
	require.Equal(t, []string{bookURL}, fetcher.requests)
}

func TestInlineReviewsDroppedWhenReviewsFetchFails(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		pages: map[string]crawler.FetchResult{bookURL: {StatusCode: 200, Body: []byte("title:Dune")}},
		errs: map[string]error{
			bookURL + "reviews/": &crawler.FetchError{Kind: crawler.FetchTimeout},
		},
	}
	w := New(nil, fetcher, nil, nil, inlineReviewExtractor{}, nil, nil, nil, Config{}, nil)

	rec, err := w.Scrape(context.Background(), bookURL, true)
	require.NoError(t, err)
	require.Empty(t, rec.Reviews)
}

func TestInlineReviewsMergedWithFetched(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]crawler.FetchResult{
		bookURL:              {StatusCode: 200, Body: []byte("title:Dune")},
		bookURL + "reviews/": {StatusCode: 200, Body: []byte("great\n")},
	}}
	w := New(nil, fetcher, nil, nil, inlineReviewExtractor{}, nil, nil, nil, Config{}, nil)

	rec, err := w.Scrape(context.Background(), bookURL, true)
	require.NoError(t, err)
	require.Len(t, rec.Reviews, 2)
	require.Equal(t, "embedded in page", rec.Reviews[0].Text)
	require.Equal(t, "great", rec.Reviews[1].Text)
}

func TestReviewsAreAttachedAndCapped(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]crawler.FetchResult{
		bookURL:              {StatusCode: 200, Body: []byte("title:Dune")},
		bookURL + "reviews/": {StatusCode: 200, Body: []byte("great\nslow start\nclassic\n")},
	}}
	w := New(nil, fetcher, nil, nil, fakeExtractor{}, nil, nil, nil,
		Config{WithReviews: true, MaxReviews: 2}, nil)

	rec, err := w.Scrape(context.Background(), bookURL, true)
	require.NoError(t, err)
	require.Len(t, rec.Reviews, 2)
	require.Equal(t, "great", rec.Reviews[0].Text)
	require.Equal(t, bookURL, rec.Reviews[0].BookURL)
}

func TestHeadlessPromotion(t *testing.T) {
	t.Parallel()

	probe := &fakeFetcher{pages: map[string]crawler.FetchResult{
		bookURL: {StatusCode: 200, Body: []byte(`<div id="root"></div>`)},
	}}
	rendered := &fakeFetcher{pages: map[string]crawler.FetchResult{
		bookURL: {StatusCode: 200, Body: []byte("title:Rendered")},
	}}
	w := New(nil, probe, rendered, alwaysPromote{}, fakeExtractor{}, nil, nil, nil, Config{}, nil)

	rec, err := w.Scrape(context.Background(), bookURL, false)
	require.NoError(t, err)
	require.Equal(t, "Rendered", rec.Title)
	require.Equal(t, []string{bookURL}, rendered.requests)
}

func TestHeadlessFailureFallsBackToProbe(t *testing.T) {
	t.Parallel()

	probe := &fakeFetcher{pages: map[string]crawler.FetchResult{
		bookURL: {StatusCode: 200, Body: []byte("title:Probe")},
	}}
	rendered := &fakeFetcher{errs: map[string]error{bookURL: errors.New("chrome missing")}}
	w := New(nil, probe, rendered, alwaysPromote{}, fakeExtractor{}, nil, nil, nil, Config{}, nil)

	rec, err := w.Scrape(context.Background(), bookURL, false)
	require.NoError(t, err)
	require.Equal(t, "Probe", rec.Title)
}

func TestProcessLostClaim(t *testing.T) {
	t.Parallel()

	s := memstore.New(store.Options{})
	entry := claimOne(t, s, bookURL)
	entry.ClaimedBy = "someone-else"
	fetcher := &fakeFetcher{pages: map[string]crawler.FetchResult{
		bookURL: {StatusCode: 200, Body: []byte("title:Dune")},
	}}

	w := New(s, fetcher, nil, nil, fakeExtractor{}, nil, nil, nil, Config{}, nil)
	require.ErrorIs(t, w.Process(context.Background(), entry), crawler.ErrNotClaimed)
}

func TestReviewsURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://example.com/book/a/":     "https://example.com/book/a/reviews/",
		"https://example.com/book/a":      "https://example.com/book/a/reviews/",
		"https://example.com/book/a/?x=1": "https://example.com/book/a/reviews/?x=1",
	}
	for in, want := range cases {
		require.Equal(t, want, ReviewsURL(in, "/reviews/"), in)
	}
}

func TestMergeReviewsDropsDuplicates(t *testing.T) {
	t.Parallel()

	inline := []crawler.Review{{ID: "a"}, {ID: "b"}}
	fetched := []crawler.Review{{ID: "b"}, {ID: "c"}, {ID: ""}, {ID: ""}}
	got := mergeReviews(inline, fetched, 0)
	require.Len(t, got, 5)
	require.Len(t, mergeReviews(inline, fetched, 3), 3)
}
