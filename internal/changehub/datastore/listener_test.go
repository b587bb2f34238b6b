package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/changehub/internal/changehub/changepkg"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore/glsql"
	"gitlab.com/gitlab-org/changehub/internal/helper"
	"gitlab.com/gitlab-org/changehub/internal/testhelper"
)

func TestListenStatement(t *testing.T) {
	require.Equal(t, `LISTEN "change_packages_updates"`, listenStatement(ChangePackagesChannel))
	require.Equal(t, `LISTEN "b""c"`, listenStatement(`b"c`))
}

func TestNewTipListener_invalidConfig(t *testing.T) {
	_, err := NewTipListener(config.DB{Host: "tcp://i-do-not-exist", SSLMode: "invalid"}, helper.NewManualTicker(), testhelper.NewDiscardingLogEntry(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "tip listener connection config")
}

type callbackHandler struct {
	onNotification func(glsql.Notification)
	onConnected    func()
	onDisconnect   func(error)
}

func (h callbackHandler) Notification(n glsql.Notification) {
	if h.onNotification != nil {
		h.onNotification(n)
	}
}

func (h callbackHandler) Connected() {
	if h.onConnected != nil {
		h.onConnected()
	}
}

func (h callbackHandler) Disconnect(err error) {
	if h.onDisconnect != nil {
		h.onDisconnect(err)
	}
}

func TestTipListener_notifiesPushes(t *testing.T) {
	db := glsql.NewDB(t)
	db.TruncateAll(t)

	ctx, cancel := testhelper.Context()
	defer cancel()

	listener, err := NewTipListener(glsql.GetDBConfig(t, db.Name), helper.NewManualTicker(), testhelper.NewDiscardingLogEntry(t))
	require.NoError(t, err)

	connected := make(chan struct{})
	received := make(chan glsql.Notification, 1)
	done := make(chan error, 1)

	listenCtx, stopListening := context.WithCancel(ctx)
	go func() {
		done <- listener.Run(listenCtx, callbackHandler{
			onConnected:    func() { close(connected) },
			onNotification: func(n glsql.Notification) { received <- n },
		})
	}()

	select {
	case <-connected:
	case err := <-done:
		require.FailNow(t, "listener stopped", "%v", err)
	}

	store := NewPostgresStore(db.DB)
	a := registerReplicas(t, ctx, store, "alice")[0]
	pkg, err := pushPayload(t, ctx, store, a, changepkg.Root, "balcony")
	require.NoError(t, err)

	select {
	case n := <-received:
		require.Equal(t, ChangePackagesChannel, n.Channel)
		var tip TipNotification
		require.NoError(t, json.Unmarshal([]byte(n.Payload), &tip))
		require.Equal(t, TipNotification{Document: testDocument, Index: 1, ID: pkg.ID, Replica: a}, tip)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "no notification received")
	}

	stopListening()
	require.True(t, errors.Is(<-done, context.Canceled))
	require.Equal(t, float64(1), testutil.ToFloat64(listener.events.WithLabelValues("connected")))
}

func TestTipListener_reconnects(t *testing.T) {
	db := glsql.NewDB(t)

	ctx, cancel := testhelper.Context()
	defer cancel()

	ticker := helper.NewManualTicker()
	ticker.ResetFunc = func() { ticker.Tick() }

	listener, err := NewTipListener(glsql.GetDBConfig(t, db.Name), ticker, testhelper.NewDiscardingLogEntry(t))
	require.NoError(t, err)

	listenCtx, stopListening := context.WithCancel(ctx)
	killed := make(chan error, 1)
	connects := 0

	done := make(chan error, 1)
	go func() {
		done <- listener.Run(listenCtx, callbackHandler{
			onConnected: func() {
				connects++
				if connects == 2 {
					stopListening()
					return
				}
				// Kill our own connection so that the listener has to reconnect.
				_, err := db.Exec(`
SELECT pg_terminate_backend(pid)
FROM pg_stat_activity
WHERE datname = $1 AND query LIKE 'LISTEN%' AND pid <> pg_backend_pid()`, db.Name)
				killed <- err
			},
		})
	}()

	require.True(t, errors.Is(<-done, context.Canceled))
	require.NoError(t, <-killed)
	require.Equal(t, 2, connects)
	require.Equal(t, float64(2), testutil.ToFloat64(listener.events.WithLabelValues("connected")))
	require.Equal(t, float64(1), testutil.ToFloat64(listener.events.WithLabelValues("disconnected")))
}
