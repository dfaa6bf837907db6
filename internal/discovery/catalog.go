package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

// CatalogConfig configures the paginated-catalog strategy.
type CatalogConfig struct {
	BaseURL string
	// Roots are catalog listing URLs. When empty they are read from GenresPath.
	Roots                  []string
	GenresPath             string
	LinkPatterns           []string
	MaxPagesPerRoot        int
	MaxConsecutiveFailures int
}

// Catalog walks listing pages with ?page=N and collects book links.
type Catalog struct {
	cfg    CatalogConfig
	pages  pageFetcher
	filter crawler.URLFilter
	logger *zap.Logger
}

// NewCatalog builds the catalog strategy. limiter may be nil.
func NewCatalog(cfg CatalogConfig, fetcher crawler.Fetcher, limiter crawler.Limiter, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPagesPerRoot <= 0 {
		cfg.MaxPagesPerRoot = 200
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if len(cfg.LinkPatterns) == 0 {
		cfg.LinkPatterns = []string{"/book/", "/audiobook/"}
	}
	return &Catalog{
		cfg:    cfg,
		pages:  pageFetcher{fetcher: fetcher, limiter: limiter},
		filter: crawler.URLFilter{PathPatterns: cfg.LinkPatterns},
		logger: logger.Named("catalog"),
	}
}

// Name implements Strategy.
func (c *Catalog) Name() string { return MethodCatalog }

// Discover walks every root until its pages run dry or emit asks to stop.
func (c *Catalog) Discover(ctx context.Context, emit Emit) error {
	roots, err := c.roots(ctx)
	if err != nil {
		return err
	}
	c.logger.Info("walking catalog roots", zap.Int("roots", len(roots)))
	for _, root := range roots {
		more, err := c.walkRoot(ctx, root, emit)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (c *Catalog) roots(ctx context.Context) ([]string, error) {
	if len(c.cfg.Roots) > 0 {
		out := make([]string, 0, len(c.cfg.Roots))
		for _, r := range c.cfg.Roots {
			out = append(out, resolve(c.cfg.BaseURL, r))
		}
		return out, nil
	}
	if c.cfg.GenresPath == "" {
		return nil, fmt.Errorf("catalog roots or genres path must be configured")
	}
	genresURL := resolve(c.cfg.BaseURL, c.cfg.GenresPath)
	page, err := c.pages.get(ctx, genresURL)
	if err != nil {
		return nil, fmt.Errorf("fetch genre index: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse genre index: %w", err)
	}
	var roots []string
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		abs := resolve(genresURL, href)
		u, err := url.Parse(abs)
		if err != nil || !strings.HasPrefix(u.Path, "/genre/") {
			return
		}
		u.RawQuery, u.Fragment = "", ""
		if _, dup := seen[u.String()]; dup {
			return
		}
		seen[u.String()] = struct{}{}
		roots = append(roots, u.String())
	})
	if len(roots) == 0 {
		return nil, fmt.Errorf("genre index %s lists no /genre/ links", genresURL)
	}
	return roots, nil
}

// walkRoot pages through root. It stops at the first page without new links,
// after MaxConsecutiveFailures failed pages, or at MaxPagesPerRoot.
func (c *Catalog) walkRoot(ctx context.Context, root string, emit Emit) (bool, error) {
	seen := make(map[string]struct{})
	failures := 0
	for page := 1; page <= c.cfg.MaxPagesPerRoot; page++ {
		pageURL := PageURL(root, page)
		res, err := c.pages.get(ctx, pageURL)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			failures++
			c.logger.Warn("catalog page failed",
				zap.String("url", pageURL),
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
			if failures >= c.cfg.MaxConsecutiveFailures {
				c.logger.Warn("abandoning catalog root", zap.String("root", root))
				return true, nil
			}
			continue
		}
		failures = 0

		links, err := c.bookLinks(pageURL, res.Body)
		if err != nil {
			c.logger.Warn("catalog page unparseable", zap.String("url", pageURL), zap.Error(err))
			continue
		}
		fresh := 0
		for _, link := range links {
			if _, dup := seen[link]; dup {
				continue
			}
			seen[link] = struct{}{}
			fresh++
			more, err := emit(ctx, link)
			if err != nil {
				return false, err
			}
			if !more {
				return false, nil
			}
		}
		c.logger.Debug("catalog page walked", zap.String("url", pageURL), zap.Int("new_links", fresh))
		if fresh == 0 {
			return true, nil
		}
	}
	return true, nil
}

// bookLinks returns absolute, query-free book links from a listing page.
func (c *Catalog) bookLinks(pageURL string, body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}
	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href, _, _ = strings.Cut(href, "?")
		abs := resolve(pageURL, href)
		if abs == "" || !c.filter.Match(abs) {
			return
		}
		out = append(out, abs)
	})
	return out, nil
}

// PageURL returns the listing URL for page n; page 1 is the root itself.
func PageURL(root string, n int) string {
	if n <= 1 {
		return root
	}
	u, err := url.Parse(root)
	if err != nil {
		return root
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return u.String()
}
