// Package discovery fills the work queue with candidate book URLs. Two strategies
// exist: walking the paginated catalog, and expanding the sitemaps advertised in
// robots.txt. The Engine normalizes, de-duplicates and enqueues what they emit.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
)

// Strategy method names.
const (
	MethodCatalog = "catalog"
	MethodSitemap = "sitemap"
)

// Emit hands one discovered URL to the engine. It returns false once the
// strategy should stop because the URL limit was reached.
type Emit func(ctx context.Context, rawURL string) (bool, error)

// Strategy produces candidate URLs.
type Strategy interface {
	Name() string
	Discover(ctx context.Context, emit Emit) error
}

// Result summarizes one discovery run.
type Result struct {
	Method    string
	Requested int
	Emitted   int
	Inserted  int
	Existing  int
	Rejected  int
}

// Engine runs a strategy against a store.
type Engine struct {
	store             crawler.Enqueuer
	strategies        map[string]Strategy
	fallbackToCatalog bool
	logger            *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithFallbackToCatalog makes a sitemap run without any Sitemap directive fall
// back to the catalog strategy.
func WithFallbackToCatalog(enabled bool) Option {
	return func(e *Engine) { e.fallbackToCatalog = enabled }
}

// NewEngine registers strategies by name.
func NewEngine(store crawler.Enqueuer, logger *zap.Logger, strategies []Strategy, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:      store,
		strategies: make(map[string]Strategy, len(strategies)),
		logger:     logger.Named("discovery"),
	}
	for _, s := range strategies {
		e.strategies[s.Name()] = s
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes method and enqueues up to limit URLs (0 means no limit).
// crawler.ErrNoSitemapFound is returned alongside the partial result when the
// sitemap strategy finds nothing and no fallback is configured.
func (e *Engine) Run(ctx context.Context, method string, limit int) (Result, error) {
	strategy, ok := e.strategies[method]
	if !ok {
		return Result{}, fmt.Errorf("unknown discovery method %q", method)
	}
	res := Result{Method: method, Requested: limit}
	seen := make(map[string]struct{})

	err := e.runStrategy(ctx, strategy, &res, seen, limit)
	if errors.Is(err, crawler.ErrNoSitemapFound) && method == MethodSitemap && e.fallbackToCatalog {
		catalog, ok := e.strategies[MethodCatalog]
		if !ok {
			return res, err
		}
		e.logger.Warn("no sitemap found, falling back to catalog")
		res.Method = MethodCatalog
		err = e.runStrategy(ctx, catalog, &res, seen, limit)
	}

	e.logger.Info("discovery finished",
		zap.String("method", res.Method),
		zap.Int("requested", res.Requested),
		zap.Int("emitted", res.Emitted),
		zap.Int("inserted", res.Inserted),
		zap.Int("existing", res.Existing),
		zap.Int("rejected", res.Rejected),
	)
	return res, err
}

func (e *Engine) runStrategy(ctx context.Context, s Strategy, res *Result, seen map[string]struct{}, limit int) error {
	emit := func(ctx context.Context, rawURL string) (bool, error) {
		if limit > 0 && res.Emitted >= limit {
			return false, nil
		}
		normalized, err := crawler.NormalizeURL(rawURL)
		if err != nil {
			res.Rejected++
			metrics.ObserveDiscovered(s.Name(), "rejected")
			e.logger.Debug("discarding url", zap.String("url", rawURL), zap.Error(err))
			return true, nil
		}
		if _, dup := seen[normalized]; dup {
			return true, nil
		}
		seen[normalized] = struct{}{}

		outcome, err := e.store.Enqueue(ctx, normalized)
		if err != nil {
			return false, fmt.Errorf("enqueue %s: %w", normalized, err)
		}
		res.Emitted++
		if outcome == crawler.Inserted {
			res.Inserted++
		} else {
			res.Existing++
		}
		metrics.ObserveDiscovered(s.Name(), outcome.String())
		return limit <= 0 || res.Emitted < limit, nil
	}
	if err := s.Discover(ctx, emit); err != nil {
		return fmt.Errorf("%s discovery: %w", s.Name(), err)
	}
	return nil
}

// ParseMethod validates a method name.
func ParseMethod(method string) (string, error) {
	switch m := strings.ToLower(strings.TrimSpace(method)); m {
	case MethodCatalog, MethodSitemap:
		return m, nil
	default:
		return "", fmt.Errorf("discovery method must be %s or %s, got %q", MethodCatalog, MethodSitemap, method)
	}
}
