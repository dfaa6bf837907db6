package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/store"
	"github.com/JakeFAU/catalog-harvester/internal/store/storetest"
)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(_ *testing.T, opts store.Options) crawler.Store {
		return New(opts)
	})
}

func TestPingAfterClose(t *testing.T) {
	t.Parallel()

	s := New(store.Options{})
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	require.Error(t, s.Ping(context.Background()))
}

func TestSaveRecordRejectsClaimedEntry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(store.Options{})
	_, err := s.Enqueue(ctx, "https://example.com/book/x/")
	require.NoError(t, err)
	_, err = s.ClaimBatch(ctx, 1, "w")
	require.NoError(t, err)

	err = s.SaveRecord(ctx, crawler.Record{URL: "https://example.com/book/x/", Title: "x"})
	require.ErrorIs(t, err, crawler.ErrNotClaimed)
}
