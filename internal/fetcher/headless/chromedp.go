// Package headless renders book pages in headless Chrome for client-side catalogs.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

// bookReadyScript is true once the page has rendered either structured data or a title.
const bookReadyScript = `document.querySelector('script[type="application/ld+json"], h1') !== null`

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	AcceptLanguage    string
	NavigationTimeout time.Duration
	// SettleTimeout bounds the wait for book content after the body is ready.
	SettleTimeout time.Duration
}

// Fetcher implements crawler.Fetcher using chromedp.
type Fetcher struct {
	cfg         Config
	tabs        *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher. Chrome is launched lazily on the first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 5 * time.Second
	}
	var tabs *semaphore.Weighted
	if cfg.MaxParallel > 0 {
		tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		tabs:        tabs,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch opens url in a fresh tab and returns the DOM once book content has rendered.
func (f *Fetcher) Fetch(ctx context.Context, url string) (crawler.FetchResult, error) {
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return crawler.FetchResult{}, fmt.Errorf("headless slot wait canceled: %w", err)
		}
		defer f.tabs.Release(1)
	}

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	page, err := f.renderBook(tabCtx, url)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResult{}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		kind := crawler.FetchConnectionFailed
		if errors.Is(err, context.DeadlineExceeded) {
			kind = crawler.FetchTimeout
		}
		return crawler.FetchResult{}, &crawler.FetchError{Kind: kind, URL: url, Err: err}
	}

	result := doc.result(url, page)
	result.Duration = time.Since(start)
	if result.StatusCode >= http.StatusBadRequest {
		return crawler.FetchResult{}, &crawler.FetchError{
			Kind:       crawler.FetchHTTPStatus,
			URL:        url,
			StatusCode: result.StatusCode,
			Err:        fmt.Errorf("rendered document status %d", result.StatusCode),
		}
	}
	return result, nil
}

// renderedPage is what the tab produced after navigation.
type renderedPage struct {
	html     string
	location string
}

func (f *Fetcher) renderBook(ctx context.Context, url string) (renderedPage, error) {
	var page renderedPage
	err := chromedp.Run(ctx,
		f.identify(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		f.waitForBook(),
		chromedp.Location(&page.location),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	)
	if err != nil {
		return renderedPage{}, fmt.Errorf("chromedp run: %w", err)
	}
	return page, nil
}

// waitForBook polls for book markup. Pages that never render it are still
// returned so the extractor can report what is missing.
func (f *Fetcher) waitForBook() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var ready bool
		err := chromedp.Poll(bookReadyScript, &ready,
			chromedp.WithPollingTimeout(f.cfg.SettleTimeout),
			chromedp.WithPollingInterval(100*time.Millisecond),
		).Do(ctx)
		if errors.Is(err, chromedp.ErrPollingTimeout) {
			return nil
		}
		return err
	})
}

func (f *Fetcher) identify() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent == "" {
			return nil
		}
		override := emulation.SetUserAgentOverride(f.cfg.UserAgent)
		if f.cfg.AcceptLanguage != "" {
			override = override.WithAcceptLanguage(f.cfg.AcceptLanguage)
		}
		if err := override.Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

// documentResponse remembers the top-level document response of a tab.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	// Later document responses belong to iframes.
	if d.status != 0 {
		return
	}
	d.status = int(resp.Response.Status)
	d.headers = toHTTPHeader(resp.Response.Headers)
	d.url = resp.Response.URL
}

// result merges the observed response with the rendered page. A tab that never
// reported a document response is treated as 200.
func (d *documentResponse) result(requestURL string, page renderedPage) crawler.FetchResult {
	d.mu.Lock()
	out := crawler.FetchResult{
		URL:          d.url,
		StatusCode:   d.status,
		Headers:      d.headers.Clone(),
		Body:         []byte(page.html),
		UsedHeadless: true,
	}
	d.mu.Unlock()

	if page.location != "" {
		out.URL = page.location
	}
	if out.URL == "" {
		out.URL = requestURL
	}
	if out.StatusCode == 0 {
		out.StatusCode = http.StatusOK
	}
	if out.Headers == nil {
		out.Headers = http.Header{}
	}
	return out
}

func toHTTPHeader(in network.Headers) http.Header {
	out := make(http.Header, len(in))
	for key, value := range in {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []any:
			for _, item := range v {
				out.Add(key, fmt.Sprint(item))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}
