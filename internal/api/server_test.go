package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/store"
	memstore "github.com/JakeFAU/catalog-harvester/internal/store/memory"
)

func newTestServer(t *testing.T, urls ...string) (*Server, *memstore.Store) {
	t.Helper()
	st := memstore.New(store.Options{MaxAttempts: 3})
	for _, u := range urls {
		_, err := st.Enqueue(context.Background(), u)
		require.NoError(t, err)
	}
	return NewServer(st, zap.NewNop()), st
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzReflectsStore(t *testing.T) {
	t.Parallel()

	server, st := newTestServer(t)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, st.Close())
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Status(t *testing.T) {
	t.Parallel()

	server, st := newTestServer(t, "https://shop.example/book/a/", "https://shop.example/book/b/")
	_, err := st.ClaimBatch(context.Background(), 1, "crawl-test")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Total)
	require.Equal(t, 1, body.Counts["pending"])
	require.Equal(t, 1, body.Counts["claimed"])
	require.Equal(t, 0, body.Counts["failed"])
}

func TestServer_GetEntry(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, "https://shop.example/book/a/")

	rec := httptest.NewRecorder()
	target := "/v1/entries?url=" + url.QueryEscape("https://SHOP.example/book/a/#top")
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var entry crawler.QueueEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	require.Equal(t, crawler.StatusPending, entry.Status)

	rec = httptest.NewRecorder()
	target = "/v1/entries?url=" + url.QueryEscape("https://shop.example/book/missing/")
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/entries", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Enqueue(t *testing.T) {
	t.Parallel()

	server, st := newTestServer(t, "https://shop.example/book/a/")
	body := []byte(`{"urls":["https://shop.example/book/a/","https://shop.example/book/b/","::bad"]}`)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/entries", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []enqueueResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 3)
	require.Equal(t, "already_exists", resp.Results[0].Result)
	require.Equal(t, "inserted", resp.Results[1].Result)
	require.NotEmpty(t, resp.Results[2].Error)

	counts, err := st.CountByStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, counts[crawler.StatusPending])
}

func TestServer_EnqueueRejectsBadBodies(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	for _, body := range []string{"{invalid", `{"urls":[]}`} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/entries", bytes.NewBufferString(body))
		server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

type failingBackend struct {
	Backend
}

func (failingBackend) CountByStatus(context.Context) (crawler.StatusCounts, error) {
	return nil, errors.New("boom")
}

func TestServer_StatusStoreError(t *testing.T) {
	t.Parallel()

	server := NewServer(failingBackend{}, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	server.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_StartShutdown(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	addr, err := server.Start("127.0.0.1:0")
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
}
