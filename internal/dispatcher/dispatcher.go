// Package dispatcher runs the crawl loop: it sweeps expired leases, claims
// batches from the store, fans entries out to a bounded worker pool and turns
// failures into deferred retries or terminal Fail calls.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-harvester/internal/clock/system"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
)

// storeTimeout bounds store calls made on a detached context.
const storeTimeout = 10 * time.Second

// Processor handles one claimed entry. A nil error means the entry is Done.
type Processor interface {
	Process(ctx context.Context, entry crawler.QueueEntry) error
}

// RetryPolicy spaces out attempts on the same URL.
type RetryPolicy interface {
	Backoff(attempts int) time.Duration
}

// Config controls the crawl loop.
type Config struct {
	WorkerID         string
	Workers          int
	Limit            int
	MaxAttempts      int
	Lease            time.Duration
	SweepInterval    time.Duration
	IdlePollInterval time.Duration
}

// Stats counts outcomes of one Run.
type Stats struct {
	Claimed int
	Done    int
	Retried int
	Failed  int
	Lost    int
}

// processed is the number of entries that reached Done or Fail.
func (s Stats) processed() int {
	return s.Done + s.Retried + s.Failed
}

type pendingRetry struct {
	entry crawler.QueueEntry
	cause error
	timer *time.Timer
}

// Dispatcher drives one crawl run. It is not reusable across concurrent Runs.
type Dispatcher struct {
	store  crawler.Store
	proc   Processor
	retry  RetryPolicy
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger

	wake chan struct{}

	mu       sync.Mutex
	stats    Stats
	inFlight int
	retries  map[string]*pendingRetry
	fatal    error
}

// New constructs a Dispatcher.
func New(store crawler.Store, proc Processor, retry RetryPolicy, clock crawler.Clock, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.IdlePollInterval <= 0 {
		cfg.IdlePollInterval = 5 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 10 * time.Minute
	}
	return &Dispatcher{
		store:   store,
		proc:    proc,
		retry:   retry,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("dispatcher").With(zap.String("worker_id", cfg.WorkerID)),
		wake:    make(chan struct{}, 1),
		retries: make(map[string]*pendingRetry),
	}
}

// Run claims and processes entries until the queue is exhausted, the limit is
// reached, ctx is canceled or the store fails. Cancellation is not an error.
func (d *Dispatcher) Run(ctx context.Context) (Stats, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)

	loopErr := d.loop(gctx, g)
	waitErr := g.Wait()
	d.flushRetries()

	stats := d.snapshot()
	d.logger.Info("crawl finished",
		zap.Int("claimed", stats.Claimed),
		zap.Int("done", stats.Done),
		zap.Int("retried", stats.Retried),
		zap.Int("failed", stats.Failed),
		zap.Int("lost", stats.Lost),
	)

	for _, err := range []error{waitErr, loopErr, d.fatalErr()} {
		if err != nil && !errors.Is(err, context.Canceled) {
			return stats, err
		}
	}
	return stats, nil
}

func (d *Dispatcher) loop(ctx context.Context, g *errgroup.Group) error {
	var lastSweep time.Time
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.fatalErr(); err != nil {
			return err
		}
		if now := d.clock.Now(); now.Sub(lastSweep) >= d.cfg.SweepInterval {
			if err := d.sweep(ctx, now); err != nil {
				return err
			}
			lastSweep = now
		}

		n, limitReached := d.claimBudget()
		if limitReached {
			d.logger.Info("limit reached, draining", zap.Int("limit", d.cfg.Limit))
			return nil
		}
		if n == 0 {
			if err := d.waitForWake(ctx, 0); err != nil {
				return err
			}
			continue
		}

		entries, err := d.store.ClaimBatch(ctx, n, d.cfg.WorkerID)
		if err != nil {
			return fmt.Errorf("claim batch: %w", err)
		}
		if len(entries) == 0 {
			done, err := d.exhausted(ctx)
			if err != nil || done {
				return err
			}
			if err := d.waitForWake(ctx, d.cfg.IdlePollInterval); err != nil {
				return err
			}
			continue
		}

		d.mu.Lock()
		d.stats.Claimed += len(entries)
		d.inFlight += len(entries)
		d.mu.Unlock()
		for _, entry := range entries {
			g.Go(func() error {
				defer d.finished()
				return d.handle(ctx, entry)
			})
		}
	}
}

// claimBudget returns how many entries may be claimed now.
func (d *Dispatcher) claimBudget() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.cfg.Workers - d.inFlight
	if d.cfg.Limit > 0 {
		remaining := d.cfg.Limit - d.stats.processed() - d.inFlight
		if remaining <= 0 && d.inFlight == 0 {
			return 0, true
		}
		n = min(n, remaining)
	}
	return max(n, 0), false
}

// exhausted reports whether nothing is left for this run: no work in flight,
// no retry pending and no claim held anywhere.
func (d *Dispatcher) exhausted(ctx context.Context) (bool, error) {
	d.mu.Lock()
	busy := d.inFlight > 0 || len(d.retries) > 0
	d.mu.Unlock()
	if busy {
		return false, nil
	}
	counts, err := d.store.CountByStatus(ctx)
	if err != nil {
		return false, fmt.Errorf("count by status: %w", err)
	}
	if counts[crawler.StatusClaimed] > 0 {
		d.logger.Debug("waiting on outstanding claims", zap.Int("claimed", counts[crawler.StatusClaimed]))
		return false, nil
	}
	d.logger.Info("queue exhausted")
	return true, nil
}

func (d *Dispatcher) sweep(ctx context.Context, now time.Time) error {
	released, err := d.store.ReleaseStaleClaims(ctx, now.Add(-d.cfg.Lease))
	if err != nil {
		return fmt.Errorf("release stale claims: %w", err)
	}
	if released > 0 {
		d.logger.Warn("released stale claims", zap.Int("released", released))
	}
	counts, err := d.store.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count by status: %w", err)
	}
	depth := make(map[string]int, len(counts))
	for status, n := range counts {
		depth[string(status)] = n
	}
	metrics.SetQueueDepth(depth)
	return nil
}

// waitForWake blocks until a worker finishes, a retry fires, timeout elapses
// (when positive) or ctx ends.
func (d *Dispatcher) waitForWake(ctx context.Context, timeout time.Duration) error {
	var tick <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		tick = t.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.wake:
	case <-tick:
	}
	return nil
}

func (d *Dispatcher) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) finished() {
	d.mu.Lock()
	d.inFlight--
	d.mu.Unlock()
	d.notify()
}

// handle maps the outcome of one entry onto the store. Only store failures are
// returned; they stop the run.
func (d *Dispatcher) handle(ctx context.Context, entry crawler.QueueEntry) error {
	err := d.proc.Process(ctx, entry)
	log := d.logger.With(zap.String("url", entry.URL), zap.Int("attempts", entry.Attempts))
	switch {
	case err == nil:
		d.count(func(s *Stats) { s.Done++ })
		return nil
	case errors.Is(err, crawler.ErrNotClaimed):
		d.count(func(s *Stats) { s.Lost++ })
		metrics.ObserveOutcome(entry.URL, "lost")
		log.Warn("claim lost before completion")
		return nil
	case ctx.Err() != nil:
		log.Info("abandoned on shutdown; lease sweep will release it", zap.Error(err))
		return nil
	}

	retryable := crawler.IsRetryable(err)
	if retryable && entry.Attempts < d.cfg.MaxAttempts && d.retry != nil {
		delay := d.retry.Backoff(entry.Attempts)
		d.scheduleRetry(entry, err, delay)
		d.count(func(s *Stats) { s.Retried++ })
		metrics.ObserveOutcome(entry.URL, "retry")
		log.Warn("transient failure, retry scheduled", zap.Duration("backoff", delay), zap.Error(err))
		return nil
	}

	if ferr := d.fail(entry, err, retryable); ferr != nil {
		return ferr
	}
	d.count(func(s *Stats) { s.Failed++ })
	metrics.ObserveOutcome(entry.URL, "failed")
	log.Warn("entry failed", zap.Bool("retryable", retryable), zap.Error(err))
	return nil
}

// scheduleRetry keeps the claim until delay elapses, then releases the entry
// to Pending so it can be claimed again.
func (d *Dispatcher) scheduleRetry(entry crawler.QueueEntry, cause error, delay time.Duration) {
	pr := &pendingRetry{entry: entry, cause: cause}
	d.mu.Lock()
	d.retries[entry.URL] = pr
	pr.timer = time.AfterFunc(delay, func() { d.fireRetry(entry.URL) })
	d.mu.Unlock()
}

func (d *Dispatcher) fireRetry(url string) {
	d.mu.Lock()
	pr, ok := d.retries[url]
	if ok {
		delete(d.retries, url)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	if err := d.fail(pr.entry, pr.cause, true); err != nil {
		d.setFatal(err)
	}
	d.notify()
}

// flushRetries releases every pending retry immediately.
func (d *Dispatcher) flushRetries() {
	d.mu.Lock()
	pending := make([]*pendingRetry, 0, len(d.retries))
	for url, pr := range d.retries {
		pr.timer.Stop()
		pending = append(pending, pr)
		delete(d.retries, url)
	}
	d.mu.Unlock()
	for _, pr := range pending {
		if err := d.fail(pr.entry, pr.cause, true); err != nil {
			d.logger.Error("flush retry", zap.String("url", pr.entry.URL), zap.Error(err))
		}
	}
	if len(pending) > 0 {
		d.logger.Info("flushed pending retries", zap.Int("count", len(pending)))
	}
}

// fail calls Store.Fail on a detached context so outcomes are recorded during
// shutdown. A lost claim is logged, not returned.
func (d *Dispatcher) fail(entry crawler.QueueEntry, cause error, retryable bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := d.store.Fail(ctx, entry, cause, retryable)
	if errors.Is(err, crawler.ErrNotClaimed) {
		d.count(func(s *Stats) { s.Lost++ })
		d.logger.Warn("claim lost before fail", zap.String("url", entry.URL))
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail %s: %w", entry.URL, err)
	}
	return nil
}

func (d *Dispatcher) count(update func(*Stats)) {
	d.mu.Lock()
	update(&d.stats)
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Dispatcher) setFatal(err error) {
	d.mu.Lock()
	if d.fatal == nil {
		d.fatal = err
	}
	d.mu.Unlock()
}

func (d *Dispatcher) fatalErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fatal
}
