package metrics_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/api"
	"github.com/JakeFAU/catalog-harvester/internal/store"
	memstore "github.com/JakeFAU/catalog-harvester/internal/store/memory"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestMiddlewareLabelsStatusServerRoutes(t *testing.T) {
	st := memstore.New(store.Options{})
	_, err := st.Enqueue(context.Background(), "https://shop.example/book/a/")
	require.NoError(t, err)

	ts := httptest.NewServer(api.NewServer(st, nil).Handler())
	defer ts.Close()

	code, _ := get(t, ts.URL+"/v1/status")
	require.Equal(t, http.StatusOK, code)
	code, _ = get(t, ts.URL+"/v1/entries")
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = get(t, ts.URL+"/nowhere")
	require.Equal(t, http.StatusNotFound, code)

	code, exposition := get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, exposition, `http_requests_total{code="200",method="GET"} 1`)
	require.Contains(t, exposition, `http_requests_total{code="400",method="GET"} 1`)
	require.Contains(t, exposition, `http_requests_total{code="404",method="GET"} 1`)
	require.Contains(t, exposition, `http_request_duration_seconds_count{method="GET",route="/v1/status"} 1`)
	require.Contains(t, exposition, `http_request_duration_seconds_count{method="GET",route="/v1/entries"} 1`)
	require.Contains(t, exposition, `http_request_duration_seconds_count{method="GET",route="unknown"} 1`)
}
