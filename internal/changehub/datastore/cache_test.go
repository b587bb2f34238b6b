package datastore

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/changehub/internal/changehub/changepkg"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore/glsql"
	"gitlab.com/gitlab-org/changehub/internal/testhelper"
)

func TestCachingHistory_tips(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store := NewMemoryStore()
	logger, hook := testhelper.NewLoggerWithHook(t)
	cached, err := NewCachingHistory(logger, store, 4)
	require.NoError(t, err)

	a := registerReplicas(t, ctx, store, "alice")[0]

	// Caching starts disabled until the listener connects.
	_, err = cached.Tip(ctx, testDocument)
	require.NoError(t, err)
	require.Equal(t, 0, cached.tips.Len())

	cached.Connected()
	tip, err := cached.Tip(ctx, testDocument)
	require.NoError(t, err)
	require.Equal(t, changepkg.Root, tip)

	// A push made by another hub process is only seen through the notification.
	pkg, err := pushPayload(t, ctx, store, a, changepkg.Root, "window")
	require.NoError(t, err)

	tip, err = cached.Tip(ctx, testDocument)
	require.NoError(t, err)
	require.Equal(t, changepkg.Root, tip, "served from the cache")

	cached.Notification(tipNotification(testDocument, pkg))
	tip, err = cached.Tip(ctx, testDocument)
	require.NoError(t, err)
	require.Equal(t, pkg.Link(), tip)

	require.NoError(t, testutil.CollectAndCompare(cached, strings.NewReader(`
# HELP changehub_history_cache_access_total Total number of history cache access operations (per cache)
# TYPE changehub_history_cache_access_total counter
changehub_history_cache_access_total{cache="tip",type="evict"} 1
changehub_history_cache_access_total{cache="tip",type="hit"} 1
changehub_history_cache_access_total{cache="tip",type="miss"} 2
changehub_history_cache_access_total{cache="tip",type="populate"} 2
`)))

	cached.Notification(glsql.Notification{Channel: ChangePackagesChannel, Payload: "{"})
	require.Equal(t, 0, cached.tips.Len())
	require.False(t, cached.isCacheEnabled())
	require.Equal(t, "received payload can't be processed, cache disabled", hook.LastEntry().Message)

	cached.Connected()
	_, err = cached.Tip(ctx, testDocument)
	require.NoError(t, err)
	require.Equal(t, 1, cached.tips.Len())

	cached.Disconnect(errors.New("connection reset"))
	require.Equal(t, 0, cached.tips.Len())
}

func TestCachingHistory_payloads(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store := NewMemoryStore()
	cached, err := NewCachingHistory(testhelper.NewDiscardingLogEntry(t), store, 1)
	require.NoError(t, err)

	first, second := []byte("first"), []byte("second")
	require.NoError(t, cached.PutPayload(ctx, testDocument, changepkg.Digest(first), first))
	require.NoError(t, cached.PutPayload(ctx, testDocument, changepkg.Digest(second), second))

	got, err := cached.GetPayload(ctx, testDocument, changepkg.Digest(second))
	require.NoError(t, err)
	require.Equal(t, second, got)

	got, err = cached.GetPayload(ctx, testDocument, changepkg.Digest(first))
	require.NoError(t, err)
	require.Equal(t, first, got)

	require.NoError(t, testutil.CollectAndCompare(cached, strings.NewReader(`
# HELP changehub_history_cache_access_total Total number of history cache access operations (per cache)
# TYPE changehub_history_cache_access_total counter
changehub_history_cache_access_total{cache="payload",type="evict"} 2
changehub_history_cache_access_total{cache="payload",type="hit"} 1
changehub_history_cache_access_total{cache="payload",type="miss"} 1
`)))
}
