package discovery

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

// maxSitemapBytes bounds a decompressed sitemap. The protocol caps files at 50MB.
const maxSitemapBytes = 64 << 20

// SitemapConfig configures the robots.txt + sitemap strategy.
type SitemapConfig struct {
	BaseURL     string
	RobotsPath  string
	Filter      crawler.URLFilter
	MaxSitemaps int
}

// Sitemap expands the sitemap tree advertised in robots.txt.
type Sitemap struct {
	cfg    SitemapConfig
	pages  pageFetcher
	logger *zap.Logger
}

// NewSitemap builds the sitemap strategy. limiter may be nil.
func NewSitemap(cfg SitemapConfig, fetcher crawler.Fetcher, limiter crawler.Limiter, logger *zap.Logger) *Sitemap {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RobotsPath == "" {
		cfg.RobotsPath = "/robots.txt"
	}
	if cfg.MaxSitemaps <= 0 {
		cfg.MaxSitemaps = 5000
	}
	return &Sitemap{
		cfg:    cfg,
		pages:  pageFetcher{fetcher: fetcher, limiter: limiter},
		logger: logger.Named("sitemap"),
	}
}

// Name implements Strategy.
func (s *Sitemap) Name() string { return MethodSitemap }

// Discover emits leaf URLs that pass the configured filter. It returns
// crawler.ErrNoSitemapFound when robots.txt is missing or lists no sitemaps.
func (s *Sitemap) Discover(ctx context.Context, emit Emit) error {
	roots, err := s.sitemapDirectives(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(roots))
	queue := make([]string, 0, len(roots))
	for _, r := range roots {
		if _, dup := seen[r]; !dup {
			seen[r] = struct{}{}
			queue = append(queue, r)
		}
	}

	processed := 0
	for len(queue) > 0 {
		if processed >= s.cfg.MaxSitemaps {
			s.logger.Warn("sitemap limit reached", zap.Int("max_sitemaps", s.cfg.MaxSitemaps), zap.Int("pending", len(queue)))
			return nil
		}
		current := queue[0]
		queue = queue[1:]
		processed++

		doc, err := s.load(ctx, current)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			s.logger.Warn("skipping sitemap", zap.String("url", current), zap.Error(err))
			continue
		}
		for _, child := range doc.children() {
			if _, dup := seen[child]; !dup {
				seen[child] = struct{}{}
				queue = append(queue, child)
			}
		}
		for _, leaf := range doc.leaves() {
			if !s.cfg.Filter.Match(leaf) {
				continue
			}
			more, err := emit(ctx, leaf)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
	}
	return nil
}

func (s *Sitemap) sitemapDirectives(ctx context.Context) ([]string, error) {
	robotsURL := resolve(s.cfg.BaseURL, s.cfg.RobotsPath)
	res, err := s.pages.get(ctx, robotsURL)
	status := res.StatusCode
	if err != nil {
		var fetchErr *crawler.FetchError
		if !errors.As(err, &fetchErr) || fetchErr.StatusCode != http.StatusNotFound {
			return nil, fmt.Errorf("fetch robots.txt: %w", err)
		}
		status = http.StatusNotFound
	}
	data, err := robotstxt.FromStatusAndBytes(status, res.Body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	if len(data.Sitemaps) == 0 {
		return nil, crawler.ErrNoSitemapFound
	}
	s.logger.Info("sitemaps advertised", zap.String("robots", robotsURL), zap.Int("count", len(data.Sitemaps)))
	return data.Sitemaps, nil
}

func (s *Sitemap) load(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	res, err := s.pages.get(ctx, sitemapURL)
	if err != nil {
		return sitemapDoc{}, err
	}
	body, err := maybeGunzip(sitemapURL, res.Body)
	if err != nil {
		return sitemapDoc{}, err
	}
	return parseSitemap(body)
}

// maybeGunzip inflates gzip bodies. The decision rests on the magic bytes only:
// the fetcher may already have inflated a .gz sitemap.
func maybeGunzip(sitemapURL string, body []byte) ([]byte, error) {
	if !bytes.HasPrefix(body, gzipMagic) {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gunzip %s: %w", sitemapURL, err)
	}
	defer func() { _ = zr.Close() }()
	out, err := io.ReadAll(io.LimitReader(zr, maxSitemapBytes))
	if err != nil {
		return nil, fmt.Errorf("gunzip %s: %w", sitemapURL, err)
	}
	return out, nil
}

var gzipMagic = []byte{0x1f, 0x8b}

// sitemapDoc is either a <urlset> or a <sitemapindex>.
type sitemapDoc struct {
	XMLName  xml.Name
	URLs     []sitemapLoc `xml:"url"`
	Sitemaps []sitemapLoc `xml:"sitemap"`
}

type sitemapLoc struct {
	Loc string `xml:"loc"`
}

func parseSitemap(body []byte) (sitemapDoc, error) {
	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, fmt.Errorf("parse sitemap: %w", err)
	}
	switch doc.XMLName.Local {
	case "urlset", "sitemapindex":
		return doc, nil
	default:
		return sitemapDoc{}, fmt.Errorf("parse sitemap: unexpected root <%s>", doc.XMLName.Local)
	}
}

// children lists nested sitemaps: index entries, plus urlset entries that
// point at further sitemap files.
func (d sitemapDoc) children() []string {
	var out []string
	for _, s := range d.Sitemaps {
		if loc := strings.TrimSpace(s.Loc); loc != "" {
			out = append(out, loc)
		}
	}
	for _, u := range d.URLs {
		if loc := strings.TrimSpace(u.Loc); isSitemapFile(loc) {
			out = append(out, loc)
		}
	}
	return out
}

func (d sitemapDoc) leaves() []string {
	var out []string
	for _, u := range d.URLs {
		if loc := strings.TrimSpace(u.Loc); loc != "" && !isSitemapFile(loc) {
			out = append(out, loc)
		}
	}
	return out
}

func isSitemapFile(loc string) bool {
	l := strings.ToLower(loc)
	return strings.HasSuffix(l, ".xml") || strings.HasSuffix(l, ".xml.gz")
}
