// Package worker runs the per-entry pipeline: politeness, fetch, extract, reviews, commit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
)

// EventRecordCompleted is the event type published after a successful Complete.
const EventRecordCompleted = "record.completed"

// storeTimeout bounds store writes made on a detached context after cancellation.
const storeTimeout = 10 * time.Second

// Config controls Worker behavior.
type Config struct {
	WithReviews       bool
	ReviewsPathSuffix string
	MaxReviews        int
	Topic             string
}

// Worker processes claimed queue entries. A Worker holds no per-entry state and
// is safe for concurrent use.
type Worker struct {
	store     crawler.Store
	fetcher   crawler.Fetcher
	headless  crawler.Fetcher
	detector  crawler.HeadlessDetector
	extractor crawler.Extractor
	limiter   crawler.Limiter
	publisher crawler.Publisher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. headless, detector, limiter and publisher may be nil.
func New(
	store crawler.Store,
	fetcher crawler.Fetcher,
	headless crawler.Fetcher,
	detector crawler.HeadlessDetector,
	extractor crawler.Extractor,
	limiter crawler.Limiter,
	publisher crawler.Publisher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReviewsPathSuffix == "" {
		cfg.ReviewsPathSuffix = "reviews/"
	}
	return &Worker{
		store:     store,
		fetcher:   fetcher,
		headless:  headless,
		detector:  detector,
		extractor: extractor,
		limiter:   limiter,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// Process scrapes entry and commits the record. A returned error means the entry
// is still claimed and the caller must decide how to Fail it, except for
// crawler.ErrNotClaimed, which means the claim was lost and nothing is left to do.
func (w *Worker) Process(ctx context.Context, entry crawler.QueueEntry) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	record, err := w.Scrape(ctx, entry.URL, w.cfg.WithReviews)
	if err != nil {
		return err
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := w.store.Complete(storeCtx, entry, record); err != nil {
		if errors.Is(err, crawler.ErrNotClaimed) {
			return err
		}
		return fmt.Errorf("complete: %w", err)
	}
	metrics.ObserveOutcome(entry.URL, "done")
	w.logger.Info("record stored",
		zap.String("url", entry.URL),
		zap.String("title", record.Title),
		zap.String("source", string(record.Source)),
		zap.Int("reviews", len(record.Reviews)),
		zap.Int("attempts", entry.Attempts),
	)
	w.publishCompleted(storeCtx, entry, record)
	return nil
}

// Scrape fetches and extracts url without touching the queue. Without
// withReviews the record carries no reviews. Review failures are logged and
// leave the record without reviews.
func (w *Worker) Scrape(ctx context.Context, url string, withReviews bool) (crawler.Record, error) {
	page, err := w.fetch(ctx, url)
	if err != nil {
		return crawler.Record{}, err
	}
	page = w.maybePromote(ctx, url, page)

	record, err := w.extractor.Extract(url, page.Body)
	if err != nil {
		return crawler.Record{}, fmt.Errorf("extract %s: %w", url, err)
	}
	record.URL = url
	if w.clock != nil {
		record.ScrapedAt = w.clock.Now()
	}

	// Reviews, inline ones included, are kept only when the reviews step succeeds.
	inline := record.Reviews
	record.Reviews = nil
	if !withReviews {
		return record, nil
	}
	reviews, err := w.fetchReviews(ctx, url)
	if err != nil {
		metrics.ObserveReviewFailure()
		w.logger.Warn("reviews fetch failed", zap.String("url", url), zap.Error(err))
		return record, nil
	}
	record.Reviews = mergeReviews(inline, reviews, w.cfg.MaxReviews)
	return record, nil
}

func (w *Worker) fetch(ctx context.Context, url string) (crawler.FetchResult, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, url); err != nil {
			return crawler.FetchResult{}, err
		}
	}
	page, err := w.fetcher.Fetch(ctx, url)
	if err != nil {
		return crawler.FetchResult{}, err
	}
	metrics.ObserveFetch(url, false, len(page.Body), page.Duration)
	w.logger.Debug("fetched",
		zap.String("url", url),
		zap.Int("status", page.StatusCode),
		zap.Int("bytes", len(page.Body)),
		zap.Duration("duration", page.Duration),
	)
	return page, nil
}

func (w *Worker) maybePromote(ctx context.Context, url string, page crawler.FetchResult) crawler.FetchResult {
	if w.headless == nil || w.detector == nil || !w.detector.ShouldPromote(page) {
		return page
	}
	rendered, err := w.headless.Fetch(ctx, url)
	if err != nil {
		w.logger.Warn("headless promotion failed", zap.String("url", url), zap.Error(err))
		return page
	}
	metrics.ObserveHeadlessPromotion()
	metrics.ObserveFetch(url, true, len(rendered.Body), rendered.Duration)
	w.logger.Info("headless promotion applied", zap.String("url", url))
	rendered.UsedHeadless = true
	return rendered
}

func (w *Worker) fetchReviews(ctx context.Context, bookURL string) ([]crawler.Review, error) {
	reviewsURL := ReviewsURL(bookURL, w.cfg.ReviewsPathSuffix)
	page, err := w.fetch(ctx, reviewsURL)
	if err != nil {
		return nil, err
	}
	reviews, err := w.extractor.ExtractReviews(bookURL, page.Body)
	if err != nil {
		return nil, fmt.Errorf("extract reviews: %w", err)
	}
	return reviews, nil
}

// ReviewsURL derives the reviews page of a book page.
func ReviewsURL(bookURL, suffix string) string {
	base, query, _ := strings.Cut(bookURL, "?")
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	out := base + strings.TrimPrefix(suffix, "/")
	if query != "" {
		out += "?" + query
	}
	return out
}

// mergeReviews appends fetched reviews after inline ones, dropping duplicate ids.
func mergeReviews(inline, fetched []crawler.Review, limit int) []crawler.Review {
	seen := make(map[string]struct{}, len(inline)+len(fetched))
	out := make([]crawler.Review, 0, len(inline)+len(fetched))
	for _, group := range [][]crawler.Review{inline, fetched} {
		for _, rv := range group {
			if _, dup := seen[rv.ID]; dup && rv.ID != "" {
				continue
			}
			seen[rv.ID] = struct{}{}
			out = append(out, rv)
			if limit > 0 && len(out) == limit {
				return out
			}
		}
	}
	return out
}

func (w *Worker) publishCompleted(ctx context.Context, entry crawler.QueueEntry, record crawler.Record) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	payload := map[string]any{
		"type":      EventRecordCompleted,
		"url":       entry.URL,
		"title":     record.Title,
		"source":    string(record.Source),
		"reviews":   len(record.Reviews),
		"worker":    entry.ClaimedBy,
		"attempts":  entry.Attempts,
		"timestamp": record.ScrapedAt.Format(time.RFC3339),
	}
	id, err := w.publisher.Publish(ctx, w.cfg.Topic, payload)
	if err != nil {
		w.logger.Warn("publish completion failed", zap.String("url", entry.URL), zap.Error(err))
		return
	}
	w.logger.Debug("completion published", zap.String("url", entry.URL), zap.String("message_id", id))
}
