package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
	})
	mux.HandleFunc("/book/ok/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-Seen-UA", r.UserAgent())
		w.Header().Set("X-Seen-Lang", r.Header.Get("Accept-Language"))
		_, _ = w.Write([]byte("<html><h1>ok</h1></html>"))
	})
	mux.HandleFunc("/book/unavailable/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/book/missing/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/book/slow/", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		_, _ = w.Write([]byte("late"))
	})
	mux.HandleFunc("/private/secret/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("secret"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchSuccessSendsHeaders(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	f := New(Config{UserAgent: "harvester-test", AcceptLanguage: "ru-RU,ru;q=0.9", Timeout: time.Second})

	res, err := f.Fetch(context.Background(), srv.URL+"/book/ok/")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(res.Body), "<h1>ok</h1>")
	require.Equal(t, "harvester-test", res.Headers.Get("X-Seen-UA"))
	require.Equal(t, "ru-RU,ru;q=0.9", res.Headers.Get("X-Seen-Lang"))
	require.False(t, res.UsedHeadless)

	// Retries of the same URL must not be rejected as already visited.
	_, err = f.Fetch(context.Background(), srv.URL+"/book/ok/")
	require.NoError(t, err)
}

func TestFetchClassifiesStatusErrors(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	f := New(Config{Timeout: time.Second})

	_, err := f.Fetch(context.Background(), srv.URL+"/book/unavailable/")
	var fetchErr *crawler.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, crawler.FetchHTTPStatus, fetchErr.Kind)
	require.Equal(t, http.StatusServiceUnavailable, fetchErr.StatusCode)
	require.True(t, crawler.IsRetryable(err))

	_, err = f.Fetch(context.Background(), srv.URL+"/book/missing/")
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
	require.False(t, crawler.IsRetryable(err))
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	f := New(Config{Timeout: 100 * time.Millisecond})

	_, err := f.Fetch(context.Background(), srv.URL+"/book/slow/")
	var fetchErr *crawler.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, crawler.FetchTimeout, fetchErr.Kind)
	require.True(t, crawler.IsRetryable(err))
}

func TestConcurrentFetchesShareOneClient(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	f := New(Config{UserAgent: "harvester-test", Timeout: time.Second})

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.Fetch(context.Background(), srv.URL+"/book/ok/")
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestFetchRespectsRobots(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	f := New(Config{RespectRobots: true, Timeout: time.Second})

	_, err := f.Fetch(context.Background(), srv.URL+"/private/secret/")
	var fetchErr *crawler.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, crawler.FetchBlocked, fetchErr.Kind)
	require.False(t, crawler.IsRetryable(err))

	_, err = f.Fetch(context.Background(), srv.URL+"/book/ok/")
	require.NoError(t, err)
}

func TestFetchConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL + "/book/x/"
	srv.Close()

	_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), target)
	var fetchErr *crawler.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, crawler.FetchConnectionFailed, fetchErr.Kind)
	require.True(t, crawler.IsRetryable(err))
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(Config{Timeout: time.Second}).Fetch(ctx, srv.URL+"/book/slow/")
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, crawler.IsRetryable(err))
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{AcceptLanguage: "en"})
	var out outcome
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, time.Unix(0, 0), &out)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "en", collyReq.Headers.Get("Accept-Language"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/book/a/")},
	})
	require.Equal(t, "body", string(out.result.Body))
	require.Equal(t, "ok", out.result.Headers.Get("X-Resp"))

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("Bad Gateway"))
	require.Equal(t, http.StatusBadGateway, out.statusCode)
	require.EqualError(t, out.err, "Bad Gateway")
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
