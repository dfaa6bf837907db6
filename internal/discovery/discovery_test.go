package discovery

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	collyfetcher "github.com/JakeFAU/catalog-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/catalog-harvester/internal/store"
	memstore "github.com/JakeFAU/catalog-harvester/internal/store/memory"
)

// pageSet is a crawler.Fetcher over canned bodies that records requested URLs.
type pageSet struct {
	mu     sync.Mutex
	pages  map[string]string
	fails  map[string]error
	served []string
}

func (p *pageSet) Fetch(_ context.Context, url string) (crawler.FetchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.served = append(p.served, url)
	if err, ok := p.fails[url]; ok {
		return crawler.FetchResult{}, err
	}
	body, ok := p.pages[url]
	if !ok {
		return crawler.FetchResult{}, &crawler.FetchError{Kind: crawler.FetchHTTPStatus, URL: url, StatusCode: http.StatusNotFound}
	}
	return crawler.FetchResult{URL: url, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func (p *pageSet) requested() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.served...)
}

func listing(links ...string) string {
	var buf bytes.Buffer
	buf.WriteString("<html><body><a href=\"/about/\">About</a>")
	for _, l := range links {
		fmt.Fprintf(&buf, "<a href=%q>book</a>", l)
	}
	buf.WriteString("</body></html>")
	return buf.String()
}

const root = "https://shop.example/genre/fiction/"

func pendingCount(t *testing.T, s crawler.Store) int {
	t.Helper()
	counts, err := s.CountByStatus(context.Background())
	require.NoError(t, err)
	return counts[crawler.StatusPending]
}

func TestCatalogStopsAtFirstEmptyPage(t *testing.T) {
	t.Parallel()

	pages := &pageSet{pages: map[string]string{
		root:             listing("/book/a/", "/book/b/?utm=1"),
		root + "?page=2": listing("/book/c/", "/book/a/"),
		root + "?page=3": listing(),
		root + "?page=4": listing("/book/d/"),
	}}
	st := memstore.New(store.Options{})
	catalog := NewCatalog(CatalogConfig{BaseURL: "https://shop.example/", Roots: []string{"/genre/fiction/"}}, pages, nil, nil)
	engine := NewEngine(st, nil, []Strategy{catalog})

	res, err := engine.Run(context.Background(), MethodCatalog, 0)
	require.NoError(t, err)
	require.Equal(t, 3, res.Emitted)
	require.Equal(t, 3, res.Inserted)
	require.Equal(t, 3, pendingCount(t, st))
	for _, u := range []string{"https://shop.example/book/a/", "https://shop.example/book/b/", "https://shop.example/book/c/"} {
		entry, err := st.GetEntry(context.Background(), u)
		require.NoError(t, err, u)
		require.Equal(t, crawler.StatusPending, entry.Status)
	}
	require.Equal(t, []string{root, root + "?page=2", root + "?page=3"}, pages.requested())
}

func TestCatalogRespectsLimit(t *testing.T) {
	t.Parallel()

	pages := &pageSet{pages: map[string]string{
		root:             listing("/book/a/", "/book/b/", "/book/c/"),
		root + "?page=2": listing("/book/d/"),
	}}
	st := memstore.New(store.Options{})
	engine := NewEngine(st, nil, []Strategy{NewCatalog(CatalogConfig{Roots: []string{root}}, pages, nil, nil)})

	res, err := engine.Run(context.Background(), MethodCatalog, 2)
	require.NoError(t, err)
	require.Equal(t, 2, res.Requested)
	require.Equal(t, 2, res.Emitted)
	require.Equal(t, 2, pendingCount(t, st))
	require.Equal(t, []string{root}, pages.requested())
}

func TestCatalogGenreIndexAndFailures(t *testing.T) {
	t.Parallel()

	genres := "https://shop.example/pages/genres/"
	other := "https://shop.example/genre/poetry/"
	transient := &crawler.FetchError{Kind: crawler.FetchTimeout, URL: root}
	pages := &pageSet{
		pages: map[string]string{
			genres:            `<a href="/genre/fiction/">F</a><a href="/genre/fiction/?sort=new">F</a><a href="/genre/poetry/">P</a><a href="/author/x/">X</a>`,
			other:             listing("/audiobook/z/"),
			other + "?page=2": listing("/audiobook/z/"),
		},
		fails: map[string]error{
			root:             transient,
			root + "?page=2": transient,
		},
	}
	st := memstore.New(store.Options{})
	catalog := NewCatalog(CatalogConfig{
		BaseURL:                "https://shop.example/",
		GenresPath:             "/pages/genres/",
		MaxConsecutiveFailures: 2,
	}, pages, nil, nil)

	res, err := NewEngine(st, nil, []Strategy{catalog}).Run(context.Background(), MethodCatalog, 0)
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)
	require.Equal(t, []string{
		genres,
		root, root + "?page=2",
		other, other + "?page=2",
	}, pages.requested())
}

func TestEngineCountsExistingEntries(t *testing.T) {
	t.Parallel()

	st := memstore.New(store.Options{})
	_, err := st.Enqueue(context.Background(), "https://shop.example/book/a/")
	require.NoError(t, err)

	pages := &pageSet{pages: map[string]string{root: listing("/book/a/", "/book/b/")}}
	res, err := NewEngine(st, nil, []Strategy{NewCatalog(CatalogConfig{Roots: []string{root}}, pages, nil, nil)}).
		Run(context.Background(), MethodCatalog, 0)
	require.NoError(t, err)
	require.Equal(t, 2, res.Emitted)
	require.Equal(t, 1, res.Inserted)
	require.Equal(t, 1, res.Existing)
}

func TestEngineUnknownMethod(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(memstore.New(store.Options{}), nil, nil).Run(context.Background(), "rss", 0)
	require.Error(t, err)

	m, err := ParseMethod(" Sitemap ")
	require.NoError(t, err)
	require.Equal(t, MethodSitemap, m)
	_, err = ParseMethod("rss")
	require.Error(t, err)
}

func TestPageURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, root, PageURL(root, 1))
	require.Equal(t, root+"?page=7", PageURL(root, 7))
	require.Equal(t, root+"?page=2&sort=new", PageURL(root+"?sort=new", 2))
}

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestSitemapExpandsIndexOverHTTP(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "User-agent: *\nDisallow: /cart/\nSitemap: %s/sitemap_index.xml\nSitemap: %s/sitemap_index.xml\n", srv.URL, srv.URL)
	})
	mux.HandleFunc("/sitemap_index.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%[1]s/books-1.xml.gz</loc></sitemap>
  <sitemap><loc>%[1]s/broken.xml</loc></sitemap>
  <sitemap><loc>%[1]s/books-1.xml.gz</loc></sitemap>
</sitemapindex>`, srv.URL)
	})
	mux.HandleFunc("/books-1.xml.gz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(gzipBytes(t, fmt.Sprintf(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%[1]s/book/one/</loc></url>
  <url><loc>%[1]s/audiobook/two/#reviews</loc></url>
  <url><loc>%[1]s/blog/post/</loc></url>
  <url><loc>https://elsewhere.example/book/three/</loc></url>
</urlset>`, srv.URL)))
	})
	mux.HandleFunc("/broken.xml", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<urlset><url><loc>"))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	fetcher := collyfetcher.New(collyfetcher.Config{UserAgent: "harvester-test"})
	sitemap := NewSitemap(SitemapConfig{
		BaseURL: srv.URL,
		Filter:  crawler.URLFilter{AllowedHosts: []string{"127.0.0.1"}, PathPatterns: []string{"/book/", "/audiobook/"}},
	}, fetcher, nil, nil)
	st := memstore.New(store.Options{})

	res, err := NewEngine(st, nil, []Strategy{sitemap}).Run(context.Background(), MethodSitemap, 0)
	require.NoError(t, err)
	require.Equal(t, 2, res.Inserted)
	_, err = st.GetEntry(context.Background(), srv.URL+"/book/one/")
	require.NoError(t, err)
	_, err = st.GetEntry(context.Background(), srv.URL+"/audiobook/two/")
	require.NoError(t, err)
}

func TestSitemapMissingDirective(t *testing.T) {
	t.Parallel()

	pages := &pageSet{pages: map[string]string{
		"https://shop.example/robots.txt": "User-agent: *\nDisallow:\n",
		root:                              listing("/book/a/"),
	}}
	sitemap := NewSitemap(SitemapConfig{BaseURL: "https://shop.example/"}, pages, nil, nil)
	catalog := NewCatalog(CatalogConfig{Roots: []string{root}}, pages, nil, nil)

	st := memstore.New(store.Options{})
	res, err := NewEngine(st, nil, []Strategy{sitemap, catalog}).Run(context.Background(), MethodSitemap, 0)
	require.ErrorIs(t, err, crawler.ErrNoSitemapFound)
	require.Equal(t, 0, res.Emitted)

	res, err = NewEngine(st, nil, []Strategy{sitemap, catalog}, WithFallbackToCatalog(true)).
		Run(context.Background(), MethodSitemap, 0)
	require.NoError(t, err)
	require.Equal(t, MethodCatalog, res.Method)
	require.Equal(t, 1, res.Inserted)
}

func TestSitemapRobotsNotFound(t *testing.T) {
	t.Parallel()

	pages := &pageSet{pages: map[string]string{}}
	sitemap := NewSitemap(SitemapConfig{BaseURL: "https://shop.example/"}, pages, nil, nil)
	err := sitemap.Discover(context.Background(), func(context.Context, string) (bool, error) { return true, nil })
	require.ErrorIs(t, err, crawler.ErrNoSitemapFound)

	pages.fails = map[string]error{"https://shop.example/robots.txt": &crawler.FetchError{Kind: crawler.FetchConnectionFailed}}
	err = sitemap.Discover(context.Background(), func(context.Context, string) (bool, error) { return true, nil })
	require.Error(t, err)
	require.False(t, errors.Is(err, crawler.ErrNoSitemapFound))
}

func TestParseSitemapRejectsUnknownRoot(t *testing.T) {
	t.Parallel()

	_, err := parseSitemap([]byte(`<rss><channel/></rss>`))
	require.Error(t, err)

	body, err := maybeGunzip("https://x/plain.xml", []byte("<urlset/>"))
	require.NoError(t, err)
	require.Equal(t, "<urlset/>", string(body))
}

func TestMaybeGunzipTrustsContentOverSuffix(t *testing.T) {
	t.Parallel()

	// A .gz sitemap the fetcher already inflated.
	body, err := maybeGunzip("https://x/books-1.xml.gz", []byte("<urlset/>"))
	require.NoError(t, err)
	require.Equal(t, "<urlset/>", string(body))

	body, err = maybeGunzip("https://x/books-2.xml", gzipBytes(t, "<sitemapindex/>"))
	require.NoError(t, err)
	require.Equal(t, "<sitemapindex/>", string(body))
}
