package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/app"
	"github.com/JakeFAU/catalog-harvester/internal/config"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Driver = "memory"
	cfg.Politeness.MinDelay = 0
	cfg.Politeness.MaxDelay = 0
	cfg.Crawl.IdlePollInterval = 10 * time.Millisecond
	return cfg
}

func TestNewApp_Memory(t *testing.T) {
	t.Parallel()

	a, err := app.NewApp(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.GetStore())
	require.NotNil(t, a.GetLogger())
	require.Regexp(t, `^crawl-[0-9a-f-]{36}$`, a.WorkerID())
	require.NoError(t, a.GetStore().Ping(context.Background()))
}

func TestNewApp_SQLite(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "harvest.sqlite")

	a, err := app.NewApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	_, err = a.GetStore().Enqueue(context.Background(), "https://shop.example/book/a/")
	require.NoError(t, err)
	a.Close()

	reopened, err := app.NewApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer reopened.Close()
	counts, err := reopened.GetStore().CountByStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, counts[crawler.StatusPending])
}

func TestNewApp_UnknownDriver(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Store.Driver = "mongo"
	_, err := app.NewApp(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "unknown store driver")

	cfg = testConfig(t)
	cfg.Notify.Driver = "kafka"
	_, err = app.NewApp(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "unknown notify driver")
}

const bookPage = `<html><head><script type="application/ld+json">
{"@type":"Book","name":"Мастер и Маргарита","author":{"@type":"Person","name":"Михаил Булгаков"}}
</script></head></html>`

func TestApp_CrawlsWithWiredServices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(bookPage))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Notify.Driver = "memory"
	cfg.Notify.Topic = "harvest-events"
	a, err := app.NewApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	bookURL := srv.URL + "/book/master/"
	_, err = a.GetStore().Enqueue(ctx, bookURL)
	require.NoError(t, err)

	w, err := a.Worker(app.WorkerOptions{})
	require.NoError(t, err)
	stats, err := a.Dispatcher(w, 2, 0).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Done)

	rec, err := a.GetStore().GetRecord(ctx, bookURL)
	require.NoError(t, err)
	require.Equal(t, "Мастер и Маргарита", rec.Title)
	require.Equal(t, []string{"Михаил Булгаков"}, rec.Authors)
}

func TestApp_ForceHeadlessBuildsBrowserFetcher(t *testing.T) {
	t.Parallel()

	a, err := app.NewApp(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Worker(app.WorkerOptions{ForceHeadless: true})
	require.NoError(t, err)
	h, err := a.Headless()
	require.NoError(t, err)
	require.NotNil(t, h)
}
