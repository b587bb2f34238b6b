package synchronizer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/changehub/internal/changehub/changepkg"
	"gitlab.com/gitlab-org/changehub/internal/changehub/client"
	"gitlab.com/gitlab-org/changehub/internal/changehub/commonerr"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
	"gitlab.com/gitlab-org/changehub/internal/changehub/docstore"
	"gitlab.com/gitlab-org/changehub/internal/changehub/reservation"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
	"gitlab.com/gitlab-org/changehub/internal/changehub/transport"
	"gitlab.com/gitlab-org/changehub/internal/testhelper"
	"gitlab.com/gitlab-org/changehub/internal/testhelper/promtest"
)

func newCycleCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_sync_cycles_total"}, []string{"outcome"})
}

func tokenState(t *testing.T, ctx context.Context, h testHub, id resource.ID) resource.TokenState {
	t.Helper()

	states, err := h.inspect(t, testDocument).QueryState(ctx, []resource.ID{id})
	require.NoError(t, err)
	return states[id].Token
}

func TestSynchronizer_names(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	h := setupHub(t)
	a := newCheckout(t, ctx, h, checkoutSetup{})
	b := newCheckout(t, ctx, h, checkoutSetup{})

	m1 := a.doc.NameID("M1")

	created, err := a.doc.Create(ctx, "M1", "north wall")
	require.NoError(t, err)

	pkg, err := a.sync.Push(ctx, "add north wall")
	require.NoError(t, err)
	require.Equal(t, int64(1), pkg.Index)
	require.Equal(t, resource.TokenState{Status: resource.TokenUsed, Replica: a.replica, PackageIndex: 1}, tokenState(t, ctx, h, m1))

	held, err := a.sync.Held(ctx)
	require.NoError(t, err)
	require.Empty(t, held, "everything is relinquished after the push")

	err = b.sync.Reserve(ctx, []resource.Claim{resource.Reserve(m1)})
	var conflictErr commonerr.ConflictError
	require.True(t, errors.As(err, &conflictErr), "unexpected error: %v", err)
	require.Len(t, conflictErr.Conflicts, 1)
	require.Equal(t, resource.ReasonNameUsed, conflictErr.Conflicts[0].Reason)
	require.Equal(t, a.replica, conflictErr.Conflicts[0].Holder)

	state, lastErr := b.sync.State()
	require.Equal(t, Failed, state)
	require.Equal(t, err, lastErr)

	_, err = b.doc.Create(ctx, "M2", "south wall")
	require.NoError(t, err)
	pkg, err = b.sync.Push(ctx, "add south wall")
	require.NoError(t, err)
	require.Equal(t, int64(2), pkg.Index)

	state, lastErr = b.sync.State()
	require.Equal(t, Idle, state)
	require.NoError(t, lastErr)

	_, ok := b.doc.Lookup("M1")
	require.True(t, ok, "the push pulled the north wall first")

	require.NoError(t, a.doc.Delete(ctx, created.Key))
	pkg, err = a.sync.Push(ctx, "remove north wall")
	require.NoError(t, err)
	require.Equal(t, int64(3), pkg.Index)
	require.Equal(t, resource.TokenState{Status: resource.TokenDiscarded, Replica: a.replica, PackageIndex: 3}, tokenState(t, ctx, h, m1))

	// B is at index 2 and has to see the discard before reserving the name.
	require.NoError(t, b.sync.Reserve(ctx, []resource.Claim{resource.Reserve(m1)}))
	tip, err := b.doc.Tip(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), tip.Index)
	require.Equal(t, resource.TokenState{Status: resource.TokenReserved, Replica: b.replica, PackageIndex: 3}, tokenState(t, ctx, h, m1))

	_, ok = b.doc.Lookup("M1")
	require.False(t, ok)

	_, err = b.doc.Create(ctx, "M1", "new north wall")
	require.NoError(t, err)
	pkg, err = b.sync.Push(ctx, "rebuild north wall")
	require.NoError(t, err)
	require.Equal(t, int64(4), pkg.Index)
	require.Equal(t, resource.TokenState{Status: resource.TokenUsed, Replica: b.replica, PackageIndex: 4}, tokenState(t, ctx, h, m1))

	tip, err = a.sync.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, pkg.Link(), tip)

	rebuilt, ok := a.doc.Lookup("M1")
	require.True(t, ok)
	require.Equal(t, "new north wall", rebuilt.Value)
	require.Equal(t, b.doc.Elements(), a.doc.Elements())

	all, err := h.inspect(t, testDocument).ListStates(ctx)
	require.NoError(t, err)
	for _, st := range all {
		require.Empty(t, st.Holders, "no lock is left held: %v", st.ID)
	}
}

func TestSynchronizer_Push_tipMoved(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	h := setupHub(t)
	a := newCheckout(t, ctx, h, checkoutSetup{})

	cycles := newCycleCounter()
	latency := &promtest.MockHistogram{}
	b := newCheckout(t, ctx, h, checkoutSetup{
		wrap: intercept(http.MethodPost, "/packages", func(ctx context.Context, req transport.Request, next transport.Transport) (transport.Response, error) {
			pkg, err := a.sync.Push(ctx, "racing")
			require.NoError(t, err)
			require.Equal(t, int64(1), pkg.Index)
			return next.Send(ctx, req)
		}),
		opts: []Option{WithCycleCounter(cycles), WithPushLatency(latency)},
	})

	_, err := a.doc.Create(ctx, "M1", "north wall")
	require.NoError(t, err)
	_, err = b.doc.Create(ctx, "M2", "south wall")
	require.NoError(t, err)

	pkg, err := b.sync.Push(ctx, "")
	require.NoError(t, err)
	require.Equal(t, int64(2), pkg.Index)

	require.Equal(t, float64(1), testutil.ToFloat64(cycles.WithLabelValues("tip_moved")))
	require.Equal(t, float64(1), testutil.ToFloat64(cycles.WithLabelValues("pushed")))
	require.Len(t, latency.Observed(), 1)

	tip, err := h.inspect(t, testDocument).Tip(ctx)
	require.NoError(t, err)
	require.Equal(t, pkg.Link(), tip)

	_, err = a.sync.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, b.doc.Elements(), a.doc.Elements())
	require.Len(t, a.doc.Elements(), 2)
}

func TestSynchronizer_Push_tipMovedTooOften(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	h := setupHub(t)
	a := newCheckout(t, ctx, h, checkoutSetup{})
	b := newCheckout(t, ctx, h, checkoutSetup{
		sync: config.Sync{MaxCycles: 1},
		wrap: intercept(http.MethodPost, "/packages", func(ctx context.Context, req transport.Request, next transport.Transport) (transport.Response, error) {
			_, err := a.sync.Push(ctx, "racing")
			require.NoError(t, err)
			return next.Send(ctx, req)
		}),
	})

	_, err := a.doc.Create(ctx, "M1", "north wall")
	require.NoError(t, err)
	_, err = b.doc.Create(ctx, "M2", "south wall")
	require.NoError(t, err)

	_, err = b.sync.Push(ctx, "")
	require.Equal(t, commonerr.TipMovedError{Tip: 1}, err)

	edits, err := b.doc.PendingEdits(ctx)
	require.NoError(t, err)
	require.Len(t, edits.Ops, 1, "the edits stay pending")

	pending, err := b.doc.Bookkeeping(ctx)
	require.NoError(t, err)
	require.Empty(t, pending, "a rejected push leaves no bookkeeping behind")

	pkg, err := b.sync.Push(ctx, "")
	require.NoError(t, err)
	require.Equal(t, int64(2), pkg.Index)
}

func TestSynchronizer_Push_revisionRequired(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	h := setupHub(t)
	a := newCheckout(t, ctx, h, checkoutSetup{})

	wall, err := a.doc.Create(ctx, "M1", "north wall")
	require.NoError(t, err)
	_, err = a.sync.Push(ctx, "")
	require.NoError(t, err)

	cycles := newCycleCounter()
	b := newCheckout(t, ctx, h, checkoutSetup{
		// A pushes its edit of the wall while B checks whether it may edit it.
		wrap: intercept(http.MethodPost, "/availability", func(ctx context.Context, req transport.Request, next transport.Transport) (transport.Response, error) {
			pkg, err := a.sync.Push(ctx, "")
			require.NoError(t, err)
			require.Equal(t, int64(2), pkg.Index)
			return next.Send(ctx, req)
		}),
		opts: []Option{WithCycleCounter(cycles)},
	})

	_, err = b.sync.Pull(ctx)
	require.NoError(t, err)

	_, err = a.doc.Update(ctx, wall.Key, "", "brick")
	require.NoError(t, err)
	_, err = b.doc.Update(ctx, wall.Key, "", "concrete")
	require.NoError(t, err)

	pkg, err := b.sync.Push(ctx, "")
	require.NoError(t, err)
	require.Equal(t, int64(3), pkg.Index)
	require.Equal(t, float64(1), testutil.ToFloat64(cycles.WithLabelValues("revision_required")))

	_, err = a.sync.Pull(ctx)
	require.NoError(t, err)

	got, ok := a.doc.Get(wall.Key)
	require.True(t, ok)
	require.Equal(t, "concrete", got.Value)
}

func TestSynchronizer_Reserve_revisionRequired(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	h := setupHub(t)
	a := newCheckout(t, ctx, h, checkoutSetup{})
	stale := newCheckout(t, ctx, h, checkoutSetup{sync: config.Sync{MaxCycles: 1}})
	b := newCheckout(t, ctx, h, checkoutSetup{})

	wall, err := a.doc.Create(ctx, "M1", "north wall")
	require.NoError(t, err)
	_, err = a.sync.Push(ctx, "")
	require.NoError(t, err)
	require.NoError(t, a.doc.Delete(ctx, wall.Key))
	_, err = a.sync.Push(ctx, "")
	require.NoError(t, err)

	m1 := resource.Reserve(a.doc.NameID("M1"))

	err = stale.sync.Reserve(ctx, []resource.Claim{m1})
	var revisionErr commonerr.RevisionRequiredError
	require.True(t, errors.As(err, &revisionErr), "unexpected error: %v", err)
	require.Equal(t, int64(2), revisionErr.RequiredIndex)

	require.NoError(t, b.sync.Reserve(ctx, []resource.Claim{m1}))

	tip, err := b.doc.Tip(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), tip.Index)

	held, err := b.sync.Held(ctx)
	require.NoError(t, err)
	require.Equal(t, []resource.Claim{m1}, held)
	require.NoError(t, b.sync.CheckEdit(ctx, []resource.Claim{m1}))

	released, err := b.sync.RelinquishAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []resource.ID{m1.ID}, released)
}

func TestSynchronizer_lockHeld(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	h := setupHub(t)
	a := newCheckout(t, ctx, h, checkoutSetup{})
	b := newCheckout(t, ctx, h, checkoutSetup{})

	wall, err := a.doc.Create(ctx, "M1", "north wall")
	require.NoError(t, err)
	_, err = a.sync.Push(ctx, "")
	require.NoError(t, err)

	lock := resource.Lock(wall.Key, resource.LevelExclusive)
	require.NoError(t, a.sync.Reserve(ctx, []resource.Claim{lock}))

	_, err = b.sync.Pull(ctx)
	require.NoError(t, err)

	err = b.sync.CheckEdit(ctx, []resource.Claim{lock})
	require.Equal(t, reservation.NotHeldError{Claims: []resource.Claim{lock}}, err)

	_, err = b.doc.Update(ctx, wall.Key, "", "concrete")
	require.NoError(t, err)

	_, err = b.sync.Push(ctx, "")
	var conflictErr commonerr.ConflictError
	require.True(t, errors.As(err, &conflictErr), "unexpected error: %v", err)
	require.Equal(t, []resource.Conflict{{ID: lock.ID, Reason: resource.ReasonLockHeld, Holder: a.replica, Level: resource.LevelExclusive}}, conflictErr.Conflicts)

	state, _ := b.sync.State()
	require.Equal(t, Failed, state)

	released, err := a.sync.Release(ctx, []resource.ID{lock.ID})
	require.NoError(t, err)
	require.Equal(t, []resource.ID{lock.ID}, released)

	pkg, err := b.sync.Push(ctx, "")
	require.NoError(t, err)
	require.Equal(t, int64(2), pkg.Index)
}

func TestSynchronizer_Push_transientFailures(t *testing.T) {
	for _, tc := range []struct {
		desc string
		wrap func(transport.Transport) transport.Transport
	}{
		{
			desc: "upload times out",
			wrap: failing(http.MethodPut, "", 1, transport.Timeout),
		},
		{
			desc: "push cannot connect",
			wrap: failing(http.MethodPost, "/packages", 2, transport.ConnectFailed),
		},
		{
			desc: "push answer is lost",
			wrap: intercept(http.MethodPost, "/packages", func(ctx context.Context, req transport.Request, next transport.Transport) (transport.Response, error) {
				_, err := next.Send(ctx, req)
				require.NoError(t, err)
				return transport.Response{}, transport.Timeout(context.DeadlineExceeded)
			}),
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			ctx, cancel := testhelper.Context()
			defer cancel()

			h := setupHub(t)
			a := newCheckout(t, ctx, h, checkoutSetup{wrap: tc.wrap})

			_, err := a.doc.Create(ctx, "M1", "north wall")
			require.NoError(t, err)

			pkg, err := a.sync.Push(ctx, "")
			require.NoError(t, err)
			require.Equal(t, int64(1), pkg.Index)

			tip, err := h.inspect(t, testDocument).Tip(ctx)
			require.NoError(t, err)
			require.Equal(t, pkg.Link(), tip, "exactly one package was appended")

			require.Equal(t, resource.TokenState{Status: resource.TokenUsed, Replica: a.replica, PackageIndex: 1}, tokenState(t, ctx, h, a.doc.NameID("M1")))

			pending, err := a.doc.Bookkeeping(ctx)
			require.NoError(t, err)
			require.Empty(t, pending)
		})
	}
}

func TestSynchronizer_Push_lostPushRecovered(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	h := setupHub(t)
	a := newCheckout(t, ctx, h, checkoutSetup{
		retry: config.Retry{MaxAttempts: 1},
		wrap: intercept(http.MethodPost, "/packages", func(ctx context.Context, req transport.Request, next transport.Transport) (transport.Response, error) {
			_, err := next.Send(ctx, req)
			require.NoError(t, err)
			return transport.Response{}, transport.Timeout(context.DeadlineExceeded)
		}),
	})

	_, err := a.doc.Create(ctx, "M1", "north wall")
	require.NoError(t, err)

	_, err = a.sync.Push(ctx, "")
	var exhaustedErr commonerr.TransportExhaustedError
	require.True(t, errors.As(err, &exhaustedErr), "unexpected error: %v", err)
	require.Equal(t, 1, exhaustedErr.Attempts)

	state, _ := a.sync.State()
	require.Equal(t, Failed, state)

	pending, err := a.doc.Bookkeeping(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.False(t, pending[0].Confirmed)

	m1 := a.doc.NameID("M1")
	require.Equal(t, resource.TokenState{Status: resource.TokenReserved, Replica: a.replica}, tokenState(t, ctx, h, m1))

	pkg, err := a.sync.Push(ctx, "")
	require.NoError(t, err, "the package pushed before comes back with the pull")
	require.Equal(t, int64(1), pkg.Index)
	require.Equal(t, pending[0].PackageID, pkg.ID)

	tip, err := h.inspect(t, testDocument).Tip(ctx)
	require.NoError(t, err)
	require.Equal(t, pkg.Link(), tip)

	require.Equal(t, resource.TokenState{Status: resource.TokenUsed, Replica: a.replica, PackageIndex: 1}, tokenState(t, ctx, h, m1))

	pending, err = a.doc.Bookkeeping(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	_, err = a.sync.Push(ctx, "")
	require.Equal(t, commonerr.ErrNothingToPush, err)
}

func TestSynchronizer_Push_lostPushNeverArrived(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	h := setupHub(t)
	a := newCheckout(t, ctx, h, checkoutSetup{
		retry: config.Retry{MaxAttempts: 1},
		wrap:  failing(http.MethodPost, "/packages", 1, transport.ConnectFailed),
	})

	_, err := a.doc.Create(ctx, "M1", "north wall")
	require.NoError(t, err)

	_, err = a.sync.Push(ctx, "")
	var exhaustedErr commonerr.TransportExhaustedError
	require.True(t, errors.As(err, &exhaustedErr), "unexpected error: %v", err)

	pending, err := a.doc.Bookkeeping(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.False(t, pending[0].Confirmed)

	pkg, err := a.sync.Push(ctx, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), pkg.Index)

	pending, err = a.doc.Bookkeeping(ctx)
	require.NoError(t, err)
	require.Empty(t, pending, "the attempt that never arrived is forgotten once the index is ours")

	require.Equal(t, resource.TokenState{Status: resource.TokenUsed, Replica: a.replica, PackageIndex: 1}, tokenState(t, ctx, h, a.doc.NameID("M1")))
}

func TestSynchronizer_Push_locksReleasedByAdmin(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	h := setupHub(t)
	cycles := newCycleCounter()
	a := newCheckout(t, ctx, h, checkoutSetup{opts: []Option{WithCycleCounter(cycles)}})

	wall, err := a.doc.Create(ctx, "M1", "north wall")
	require.NoError(t, err)

	lock := resource.Lock(wall.Key, resource.LevelExclusive)
	name := resource.Reserve(a.doc.NameID("M1"))
	require.NoError(t, a.sync.Reserve(ctx, []resource.Claim{lock, name}))

	released, err := h.inspect(t, testDocument).Release(ctx, a.replica, []resource.ID{lock.ID, name.ID})
	require.NoError(t, err)
	require.ElementsMatch(t, []resource.ID{lock.ID, name.ID}, released)

	pkg, err := a.sync.Push(ctx, "")
	require.NoError(t, err, "the checkout notices its locks are gone and takes them again")
	require.Equal(t, int64(1), pkg.Index)
	require.Equal(t, float64(1), testutil.ToFloat64(cycles.WithLabelValues("locks_lost")))

	require.Equal(t, resource.TokenState{Status: resource.TokenUsed, Replica: a.replica, PackageIndex: 1}, tokenState(t, ctx, h, name.ID))
}

func TestSynchronizer_Push_locksLostTooOften(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	h := setupHub(t)

	var a checkout
	a = newCheckout(t, ctx, h, checkoutSetup{
		sync: config.Sync{MaxCycles: 1},
		// The lock is taken from the replica right before every push.
		wrap: func(next transport.Transport) transport.Transport {
			return transport.Func(func(ctx context.Context, req transport.Request) (transport.Response, error) {
				if req.Method == http.MethodPost && strings.HasSuffix(req.Path, "/packages") {
					_, err := h.inspect(t, testDocument).RelinquishAll(ctx, a.replica)
					require.NoError(t, err)
				}
				return next.Send(ctx, req)
			})
		},
	})

	_, err := a.doc.Create(ctx, "M1", "north wall")
	require.NoError(t, err)

	_, err = a.sync.Push(ctx, "")
	var conflictErr commonerr.ConflictError
	require.True(t, errors.As(err, &conflictErr), "unexpected error: %v", err)
	require.Len(t, conflictErr.Conflicts, 1)
	require.Equal(t, resource.ReasonLockNotHeld, conflictErr.Conflicts[0].Reason)

	held, err := a.sync.Held(ctx)
	require.NoError(t, err)
	require.Empty(t, held, "the cache was refreshed from the hub")
}

func TestSynchronizer_deferredBookkeeping(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	h := setupHub(t)
	a := newCheckout(t, ctx, h, checkoutSetup{
		wrap: failing(http.MethodPost, "/names", 3, transport.ConnectFailed),
	})

	_, err := a.doc.Create(ctx, "M1", "north wall")
	require.NoError(t, err)

	pkg, err := a.sync.Push(ctx, "")
	require.NoError(t, err, "the push succeeded even though the names were not recorded")
	require.Equal(t, int64(1), pkg.Index)

	pending, err := a.doc.Bookkeeping(ctx)
	require.NoError(t, err)
	require.Equal(t, []docstore.Bookkeeping{{
		PackageID: pkg.ID,
		Index:     1,
		Confirmed: true,
		Used:      []resource.ID{a.doc.NameID("M1")},
	}}, pending)

	m1 := a.doc.NameID("M1")
	require.Equal(t, resource.TokenState{Status: resource.TokenReserved, Replica: a.replica}, tokenState(t, ctx, h, m1))

	held, err := a.sync.Held(ctx)
	require.NoError(t, err)
	require.Len(t, held, 2, "nothing is relinquished while names are unrecorded")

	_, err = a.sync.Pull(ctx)
	require.NoError(t, err)

	require.Equal(t, resource.TokenState{Status: resource.TokenUsed, Replica: a.replica, PackageIndex: 1}, tokenState(t, ctx, h, m1))

	pending, err = a.doc.Bookkeeping(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestSynchronizer_Pull_applyFailure(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	h := setupHub(t)
	a := newCheckout(t, ctx, h, checkoutSetup{})

	raw := h.inspect(t, testDocument)
	rogue, err := raw.RegisterReplica(ctx)
	require.NoError(t, err)

	first, err := raw.CreateAndPush(ctx, clientPush(rogue.ID, changepkg.Root, `{"ops":[{"op":"create","key":1,"name":"M1"}]}`))
	require.NoError(t, err)
	_, err = raw.CreateAndPush(ctx, clientPush(rogue.ID, first.Link(), `{"ops":[{"op":"update","key":2,"name":"M2"}]}`))
	require.NoError(t, err)

	_, err = a.sync.Pull(ctx)
	var applyErr commonerr.ApplyError
	require.True(t, errors.As(err, &applyErr), "unexpected error: %v", err)
	require.Equal(t, int64(2), applyErr.Index)

	state, lastErr := a.sync.State()
	require.Equal(t, Failed, state)
	require.Equal(t, err, lastErr)

	tip, err := a.doc.Tip(ctx)
	require.NoError(t, err)
	require.Equal(t, first.Link(), tip, "packages before the broken one stay applied")
}

func TestSynchronizer_Push_nothingToPush(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	h := setupHub(t)
	cycles := newCycleCounter()
	a := newCheckout(t, ctx, h, checkoutSetup{opts: []Option{WithCycleCounter(cycles)}})

	_, err := a.sync.Push(ctx, "")
	require.Equal(t, commonerr.ErrNothingToPush, err)
	require.Equal(t, float64(1), testutil.ToFloat64(cycles.WithLabelValues("nothing_to_push")))

	state, lastErr := a.sync.State()
	require.Equal(t, Idle, state)
	require.NoError(t, lastErr)

	_, err = a.doc.Create(ctx, "M1", "north wall")
	require.NoError(t, err)
	require.NoError(t, a.doc.Revert(ctx))

	_, err = a.sync.Push(ctx, "")
	require.Equal(t, commonerr.ErrNothingToPush, err)
}

func TestSynchronizer_cancelled(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	h := setupHub(t)
	a := newCheckout(t, ctx, h, checkoutSetup{})

	_, err := a.doc.Create(ctx, "M1", "north wall")
	require.NoError(t, err)

	cancelledCtx, cancelPush := context.WithCancel(ctx)
	cancelPush()

	_, err = a.sync.Push(cancelledCtx, "")
	require.True(t, errors.Is(err, context.Canceled), "unexpected error: %v", err)

	tip, err := h.inspect(t, testDocument).Tip(ctx)
	require.NoError(t, err)
	require.Equal(t, changepkg.Root, tip)

	pkg, err := a.sync.Push(ctx, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), pkg.Index)
}

func TestSyncAll(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	h := setupHub(t)
	first := newCheckout(t, ctx, h, checkoutSetup{document: "plans/building-a"})
	second := newCheckout(t, ctx, h, checkoutSetup{document: "plans/building-b"})
	idle := newCheckout(t, ctx, h, checkoutSetup{document: "plans/building-c"})

	_, err := first.doc.Create(ctx, "M1", "north wall")
	require.NoError(t, err)
	_, err = second.doc.Create(ctx, "M1", "north wall")
	require.NoError(t, err)

	require.NoError(t, SyncAll(ctx, first.sync, second.sync, idle.sync))

	for _, document := range []string{"plans/building-a", "plans/building-b"} {
		tip, err := h.inspect(t, document).Tip(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1), tip.Index, document)
	}
}

func TestState_String(t *testing.T) {
	require.Equal(t, "acquiring", Acquiring.String())
	require.Equal(t, "failed", Failed.String())
	require.Equal(t, "state(42)", State(42).String())
}

type unreadableTip struct{ docstore.Store }

func (unreadableTip) Tip(context.Context) (changepkg.Link, error) {
	return changepkg.Link{}, errors.New("checkout state closed")
}

func TestSynchronizer_idle_unreadableTip(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	logger, hook := testhelper.NewLoggerWithHook(t)
	unreachable := transport.Func(func(context.Context, transport.Request) (transport.Response, error) {
		return transport.Response{}, transport.ConnectFailed(io.EOF)
	})
	s := New(client.New(unreachable, testDocument), unreadableTip{docstore.NewMemory(testDocument, 1)}, 1, config.Sync{}, logger)

	s.idle(ctxlogrus.ToContext(ctx, logrus.NewEntry(logger)))

	state, err := s.State()
	require.Equal(t, Idle, state)
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	require.Equal(t, logrus.WarnLevel, entry.Level)
	require.EqualError(t, entry.Data[logrus.ErrorKey].(error), "checkout state closed")
	require.NotContains(t, entry.Data, "tip")
}
