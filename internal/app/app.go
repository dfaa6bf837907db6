// Package app initializes and holds the long-lived services of one harvester
// run, acting as a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/clock/system"
	"github.com/JakeFAU/catalog-harvester/internal/config"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/discovery"
	"github.com/JakeFAU/catalog-harvester/internal/dispatcher"
	"github.com/JakeFAU/catalog-harvester/internal/export"
	"github.com/JakeFAU/catalog-harvester/internal/extract"
	collyfetcher "github.com/JakeFAU/catalog-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/catalog-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/catalog-harvester/internal/headless/detector"
	"github.com/JakeFAU/catalog-harvester/internal/id/uuid"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
	"github.com/JakeFAU/catalog-harvester/internal/policy/ratelimit"
	memorypub "github.com/JakeFAU/catalog-harvester/internal/publisher/memory"
	pubsubpub "github.com/JakeFAU/catalog-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/catalog-harvester/internal/store"
	memstore "github.com/JakeFAU/catalog-harvester/internal/store/memory"
	"github.com/JakeFAU/catalog-harvester/internal/store/postgres"
	"github.com/JakeFAU/catalog-harvester/internal/store/sqlite"
	"github.com/JakeFAU/catalog-harvester/internal/worker"
)

// Publisher is an event publisher that must be closed after the run.
type Publisher interface {
	crawler.Publisher
	Close() error
}

// StoreCloser is a queue store with an explicit lifecycle.
type StoreCloser interface {
	crawler.Store
	Close() error
}

// WorkerOptions tweak the per-command worker.
type WorkerOptions struct {
	WithReviews bool
	// ForceHeadless fetches every page through the browser.
	ForceHeadless bool
}

// App holds all the shared, long-lived services for one run. It is built once
// at startup and closed by the root command after the subcommand returns.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     StoreCloser
	clock     crawler.Clock
	fetcher   *collyfetcher.Fetcher
	limiter   *ratelimit.Limiter
	extractor *extract.Extractor
	publisher Publisher
	workerID  string

	headlessOnce sync.Once
	headless     *headless.Fetcher
	headlessErr  error
}

// GetLogger returns the shared logger.
func (a *App) GetLogger() *zap.Logger { return a.logger }

// GetConfig returns the validated configuration.
func (a *App) GetConfig() config.Config { return a.cfg }

// GetStore returns the queue store.
func (a *App) GetStore() crawler.Store { return a.store }

// WorkerID identifies this process in claims.
func (a *App) WorkerID() string { return a.workerID }

// NewApp opens the store and builds every service from cfg. It fails fast when
// a required service cannot be initialized and releases what it already opened.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	var ids crawler.IDGenerator = uuid.NewWithPrefix("crawl")
	workerID, err := ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("worker id: %w", err)
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		clock:    system.New(),
		workerID: workerID,
	}

	a.store, err = openStore(ctx, cfg, a.clock)
	if err != nil {
		return nil, err
	}
	logger.Info("store opened", zap.String("driver", cfg.Store.Driver), zap.String("worker_id", workerID))

	a.publisher, err = openPublisher(ctx, cfg.Notify)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}

	a.fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:      cfg.Fetch.UserAgent,
		AcceptLanguage: cfg.Fetch.AcceptLanguage,
		RespectRobots:  cfg.Fetch.RespectRobots,
		Timeout:        cfg.Fetch.Timeout,
	})
	a.limiter = ratelimit.New(ratelimit.Config{
		Scope:    ratelimit.Scope(cfg.Politeness.Scope),
		MinDelay: cfg.Politeness.MinDelay,
		MaxDelay: cfg.Politeness.MaxDelay,
	})
	a.extractor = extract.New(extract.DefaultConfig())
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, clock crawler.Clock) (StoreCloser, error) {
	opts := store.Options{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		FailedCooldown: cfg.Queue.FailedCooldown,
		Clock:          clock,
	}
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := sqlite.Open(cfg.Store.SQLitePath, opts)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := postgres.Open(ctx, postgres.Config{DSN: cfg.Store.PostgresDSN, MaxConns: cfg.Store.MaxConns}, opts)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	case "memory":
		return memstore.New(opts), nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Store.Driver)
	}
}

func openPublisher(ctx context.Context, cfg config.NotifyConfig) (Publisher, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		return memorypub.New(), nil
	case "pubsub":
		p, err := pubsubpub.Dial(ctx, cfg.ProjectID, cfg.Topic)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown notify driver: %s", cfg.Driver)
	}
}

// Headless returns the shared browser fetcher, creating it on first use.
func (a *App) Headless() (*headless.Fetcher, error) {
	a.headlessOnce.Do(func() {
		a.headless, a.headlessErr = headless.NewChromedp(headless.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Fetch.UserAgent,
			AcceptLanguage:    a.cfg.Fetch.AcceptLanguage,
			NavigationTimeout: a.cfg.Headless.NavTimeout,
		})
	})
	return a.headless, a.headlessErr
}

// Discovery builds the discovery engine with both strategies registered.
func (a *App) Discovery() *discovery.Engine {
	d := a.cfg.Discovery
	catalog := discovery.NewCatalog(discovery.CatalogConfig{
		BaseURL:                d.BaseURL,
		Roots:                  d.Catalog.Roots,
		GenresPath:             d.Catalog.GenresPath,
		LinkPatterns:           d.Catalog.LinkPatterns,
		MaxPagesPerRoot:        d.Catalog.MaxPagesPerRoot,
		MaxConsecutiveFailures: d.Catalog.MaxConsecutiveFailures,
	}, a.fetcher, a.limiter, a.logger)
	sitemap := discovery.NewSitemap(discovery.SitemapConfig{
		BaseURL:    d.BaseURL,
		RobotsPath: d.Sitemap.RobotsPath,
		Filter: crawler.URLFilter{
			AllowedHosts: d.Sitemap.AllowedHosts,
			PathPatterns: d.Catalog.LinkPatterns,
		},
		MaxSitemaps: d.Sitemap.MaxSitemaps,
	}, a.fetcher, a.limiter, a.logger)
	return discovery.NewEngine(a.store, a.logger, []discovery.Strategy{catalog, sitemap},
		discovery.WithFallbackToCatalog(d.Sitemap.FallbackToCatalog))
}

// Worker builds the per-entry pipeline.
func (a *App) Worker(opts WorkerOptions) (*worker.Worker, error) {
	var (
		fetcher  crawler.Fetcher = a.fetcher
		promoter crawler.Fetcher
		detect   crawler.HeadlessDetector
	)
	switch {
	case opts.ForceHeadless:
		h, err := a.Headless()
		if err != nil {
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		fetcher = h
	case a.cfg.Headless.Enabled:
		h, err := a.Headless()
		if err != nil {
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		promoter = h
		detect = detector.NewHeuristic(a.cfg.Headless.PromotionThreshold)
	}

	var publisher crawler.Publisher
	if a.publisher != nil {
		publisher = a.publisher
	}
	return worker.New(a.store, fetcher, promoter, detect, a.extractor, a.limiter, publisher, a.clock, worker.Config{
		WithReviews:       opts.WithReviews,
		ReviewsPathSuffix: a.cfg.Reviews.PathSuffix,
		MaxReviews:        a.cfg.Reviews.MaxPerBook,
		Topic:             a.cfg.Notify.Topic,
	}, a.logger), nil
}

// Dispatcher builds the crawl loop around proc.
func (a *App) Dispatcher(proc dispatcher.Processor, workers, limit int) *dispatcher.Dispatcher {
	q := a.cfg.Queue
	return dispatcher.New(a.store, proc,
		crawler.NewExponentialRetryPolicy(a.cfg.Retry.BaseDelay, a.cfg.Retry.MaxDelay),
		a.clock,
		dispatcher.Config{
			WorkerID:         a.workerID,
			Workers:          workers,
			Limit:            limit,
			MaxAttempts:      q.MaxAttempts,
			Lease:            q.Lease,
			SweepInterval:    q.SweepInterval,
			IdlePollInterval: a.cfg.Crawl.IdlePollInterval,
		}, a.logger)
}

// Exporter builds the record exporter.
func (a *App) Exporter() *export.Exporter {
	return export.New(nil, a.logger)
}

// Close gracefully shuts down all services in the App container.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	var errs []error
	if a.headless != nil {
		a.headless.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing services", zap.Error(err))
	}
	_ = a.logger.Sync()
}
