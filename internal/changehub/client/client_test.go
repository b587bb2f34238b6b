package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/changehub/internal/changehub/api"
	"gitlab.com/gitlab-org/changehub/internal/changehub/auth"
	"gitlab.com/gitlab-org/changehub/internal/changehub/changepkg"
	"gitlab.com/gitlab-org/changehub/internal/changehub/commonerr"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
	"gitlab.com/gitlab-org/changehub/internal/changehub/server"
	"gitlab.com/gitlab-org/changehub/internal/changehub/transport"
	"gitlab.com/gitlab-org/changehub/internal/testhelper"
)

const testDocument = "plans/building-a"

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

func setupHub(t *testing.T, deps server.Dependencies) string {
	t.Helper()

	if deps.Store == nil {
		deps.Store = datastore.NewMemoryStore()
	}
	deps.Logger = testhelper.NewDiscardingLogEntry(t)

	srv := httptest.NewServer(server.New(deps))
	t.Cleanup(srv.Close)
	return srv.URL
}

func newClient(t *testing.T, hubURL string, opts ...Option) *Client {
	t.Helper()

	httpTransport, err := transport.NewHTTP(hubURL)
	require.NoError(t, err)

	return New(httpTransport, testDocument, append([]Option{WithDialer(httpTransport)}, opts...)...)
}

func push(t *testing.T, ctx context.Context, c *Client, replica resource.ReplicaID, parent changepkg.Link, payload string) changepkg.Package {
	t.Helper()

	pkg, err := c.CreateAndPush(ctx, PushRequest{Replica: replica, Parent: parent, Payload: []byte(payload)})
	require.NoError(t, err)
	return pkg
}

func TestClient_reservations(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	c := newClient(t, setupHub(t, server.Dependencies{}))

	a, err := c.RegisterReplica(ctx)
	require.NoError(t, err)
	b, err := c.RegisterReplica(ctx)
	require.NoError(t, err)

	wall := resource.Lock(1, resource.LevelExclusive)
	name := resource.Reserve(resource.Name(1, testDocument, "M1"))

	require.NoError(t, c.Acquire(ctx, a.ID, []resource.Claim{wall, name}, 0))
	require.NoError(t, c.Acquire(ctx, a.ID, []resource.Claim{wall, name}, 0), "acquire is idempotent")

	conflicts, err := c.AreAvailable(ctx, b.ID, []resource.Claim{wall}, 0)
	require.NoError(t, err)
	require.Equal(t, []resource.Conflict{{ID: wall.ID, Reason: resource.ReasonLockHeld, Holder: a.ID, Level: resource.LevelExclusive}}, conflicts)

	err = c.Acquire(ctx, b.ID, []resource.Claim{name}, 0)
	var conflictErr commonerr.ConflictError
	require.True(t, errors.As(err, &conflictErr), "unexpected error: %v", err)
	require.Equal(t, []resource.Conflict{{ID: name.ID, Reason: resource.ReasonNameReserved, Holder: a.ID, Level: resource.LevelExclusive}}, conflictErr.Conflicts)

	states, err := c.QueryState(ctx, []resource.ID{wall.ID})
	require.NoError(t, err)
	require.Equal(t, []resource.Holder{{Replica: a.ID, Level: resource.LevelExclusive}}, states[wall.ID].Holders)

	held, err := c.HeldBy(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, held, 2)

	all, err := c.ListStates(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	released, err := c.Release(ctx, a.ID, []resource.ID{wall.ID})
	require.NoError(t, err)
	require.Equal(t, []resource.ID{wall.ID}, released)

	released, err = c.RelinquishAll(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, []resource.ID{name.ID}, released)

	released, err = c.AbandonReplica(ctx, b.ID)
	require.NoError(t, err)
	require.Empty(t, released)

	_, err = c.HeldBy(ctx, b.ID)
	require.True(t, errors.Is(err, commonerr.ErrReplicaNotFound), "unexpected error: %v", err)
}

func TestClient_revisionRequired(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	c := newClient(t, setupHub(t, server.Dependencies{}))

	a, err := c.RegisterReplica(ctx)
	require.NoError(t, err)
	b, err := c.RegisterReplica(ctx)
	require.NoError(t, err)

	wall := resource.Lock(1, resource.LevelExclusive)
	require.NoError(t, c.Acquire(ctx, a.ID, []resource.Claim{wall}, 0))

	pkg, err := c.CreateAndPush(ctx, PushRequest{
		Replica:   a.ID,
		Payload:   []byte("move wall"),
		Resources: []resource.ID{wall.ID},
	})
	require.NoError(t, err)

	_, err = c.Release(ctx, a.ID, []resource.ID{wall.ID})
	require.NoError(t, err)

	err = c.Acquire(ctx, b.ID, []resource.Claim{wall}, 0)
	var revisionErr commonerr.RevisionRequiredError
	require.True(t, errors.As(err, &revisionErr), "unexpected error: %v", err)
	require.Equal(t, pkg.Index, revisionErr.RequiredIndex)

	require.NoError(t, c.Acquire(ctx, b.ID, []resource.Claim{wall}, pkg.Index))
}

func TestClient_push(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	c := newClient(t, setupHub(t, server.Dependencies{}))

	a, err := c.RegisterReplica(ctx)
	require.NoError(t, err)
	b, err := c.RegisterReplica(ctx)
	require.NoError(t, err)

	first := push(t, ctx, c, a.ID, changepkg.Root, "first")
	require.Equal(t, changepkg.Link{Index: 1, ID: changepkg.ComputeID("", changepkg.Digest([]byte("first")))}, first.Link())

	retried := push(t, ctx, c, a.ID, changepkg.Root, "first")
	require.Equal(t, first, retried, "a repeated push returns the existing package")

	_, err = c.CreateAndPush(ctx, PushRequest{Replica: b.ID, Parent: changepkg.Root, Payload: []byte("racing")})
	require.Equal(t, commonerr.TipMovedError{Tip: 1}, err)

	tip, err := c.Tip(ctx)
	require.NoError(t, err)
	require.Equal(t, first.Link(), tip)

	payload, err := c.GetPayload(ctx, first)
	require.NoError(t, err)
	require.Equal(t, "first", string(payload))

	_, err = c.CreateAndPush(ctx, PushRequest{Replica: b.ID + 100, Parent: tip, Payload: []byte("ghost")})
	require.True(t, errors.Is(err, commonerr.ErrReplicaNotFound), "unexpected error: %v", err)
}

func TestClient_QueryAfter(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	c := newClient(t, setupHub(t, server.Dependencies{}), WithPageSize(2))

	replica, err := c.RegisterReplica(ctx)
	require.NoError(t, err)

	tip := changepkg.Root
	var pushed []changepkg.Package
	for i := 0; i < 5; i++ {
		pkg := push(t, ctx, c, replica.ID, tip, fmt.Sprintf("package %d", i))
		pushed = append(pushed, pkg)
		tip = pkg.Link()
	}

	pkgs := c.QueryAfter(pushed[0].Link())
	var fetched []changepkg.Package
	for pkgs.Next(ctx) {
		fetched = append(fetched, pkgs.Package())
	}
	require.NoError(t, pkgs.Err())
	require.Equal(t, pushed[1:], fetched)
	require.Equal(t, tip, pkgs.Last())
	require.False(t, pkgs.Next(ctx), "an exhausted iterator stays exhausted")

	next := push(t, ctx, c, replica.ID, tip, "late")
	pkgs.Resume(pkgs.Last())
	require.True(t, pkgs.Next(ctx))
	require.Equal(t, next, pkgs.Package())
	require.False(t, pkgs.Next(ctx))
}

func TestClient_QueryAfter_resume(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	var first, second changepkg.Package
	first.Index, first.PayloadDigest = 1, changepkg.Digest([]byte("a"))
	first.ID = changepkg.ComputeID("", first.PayloadDigest)
	second.Index, second.ParentID, second.PayloadDigest = 2, first.ID, changepkg.Digest([]byte("b"))
	second.ID = changepkg.ComputeID(first.ID, second.PayloadDigest)

	history := []changepkg.Package{first, second}
	failing := true

	hub := transport.Func(func(ctx context.Context, req transport.Request) (transport.Response, error) {
		var after int
		_, err := fmt.Sscan(req.Query.Get("after"), &after)
		require.NoError(t, err)

		if after == 1 && failing {
			failing = false
			return transport.Response{}, transport.ConnectFailed(errors.New("connection reset"))
		}

		page := []changepkg.Package{}
		if after < len(history) {
			page = history[after : after+1]
		}
		body, err := json.Marshal(api.PackagesResponse{Packages: page})
		require.NoError(t, err)
		return transport.Response{Status: http.StatusOK, Body: body}, nil
	})

	pkgs := New(hub, testDocument, WithPageSize(1)).QueryAfter(changepkg.Root)
	require.True(t, pkgs.Next(ctx))
	require.Equal(t, first, pkgs.Package())

	require.False(t, pkgs.Next(ctx))
	require.True(t, transport.IsTransient(pkgs.Err()))

	pkgs.Resume(pkgs.Last())
	require.True(t, pkgs.Next(ctx))
	require.Equal(t, second, pkgs.Package())
	require.False(t, pkgs.Next(ctx))
	require.NoError(t, pkgs.Err())
}

func TestClient_QueryAfter_brokenChain(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	digest := changepkg.Digest([]byte("a"))
	forged := changepkg.Package{Index: 2, ParentID: "unrelated", PayloadDigest: digest, ID: changepkg.ComputeID("unrelated", digest)}

	hub := transport.Func(func(ctx context.Context, req transport.Request) (transport.Response, error) {
		body, err := json.Marshal(api.PackagesResponse{Packages: []changepkg.Package{forged}})
		require.NoError(t, err)
		return transport.Response{Status: http.StatusOK, Body: body}, nil
	})

	pkgs := New(hub, testDocument).QueryAfter(changepkg.Link{Index: 1, ID: "expected"})
	require.False(t, pkgs.Next(ctx))
	require.Equal(t, commonerr.ChainIntegrityError{Index: 2, ExpectedParentID: "expected", ParentID: "unrelated"}, pkgs.Err())
}

func TestClient_GetPayload_corrupted(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	hub := transport.Func(func(ctx context.Context, req transport.Request) (transport.Response, error) {
		return transport.Response{Status: http.StatusOK, Body: []byte("flipped bits")}, nil
	})

	payload := []byte("original")
	pkg := changepkg.Package{Index: 1, PayloadDigest: changepkg.Digest(payload)}
	pkg.ID = changepkg.ComputeID("", pkg.PayloadDigest)

	_, err := New(hub, testDocument).GetPayload(ctx, pkg)
	require.Error(t, err)
	require.False(t, transport.IsTransient(err))
}

func TestClient_errors(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	conf := config.Auth{Token: "secret"}
	hubURL := setupHub(t, server.Dependencies{Verifier: auth.NewVerifier(conf)})

	anonymous := newClient(t, hubURL)
	_, err := anonymous.RegisterReplica(ctx)
	require.True(t, errors.Is(err, commonerr.ErrUnauthenticated), "unexpected error: %v", err)

	issuer, err := auth.NewIssuer(conf)
	require.NoError(t, err)

	token := func(subject string) string {
		token, err := issuer.Issue(subject, false, time.Hour)
		require.NoError(t, err)
		return token
	}

	newAuthenticated := func(subject string) *Client {
		httpTransport, err := transport.NewHTTP(hubURL, transport.WithToken(token(subject)))
		require.NoError(t, err)
		return New(httpTransport, testDocument)
	}

	alice := newAuthenticated("alice")
	bob := newAuthenticated("bob")

	replica, err := alice.RegisterReplica(ctx)
	require.NoError(t, err)

	_, err = bob.RelinquishAll(ctx, replica.ID)
	require.Equal(t, commonerr.PermissionDeniedError{Subject: "bob", Replica: replica.ID}, err)

	_, err = alice.AbandonReplica(ctx, replica.ID)
	var permissionErr commonerr.PermissionDeniedError
	require.True(t, errors.As(err, &permissionErr))

	_, err = alice.QueryState(ctx, []resource.ID{{Kind: resource.KindNameToken}})
	require.True(t, errors.Is(err, commonerr.ErrInvalidRequest), "unexpected error: %v", err)
}

func TestClient_hubError(t *testing.T) {
	for _, tc := range []struct {
		desc     string
		err      error
		expected error
	}{
		{
			desc:     "not a transport error",
			err:      context.Canceled,
			expected: context.Canceled,
		},
		{
			desc:     "server error",
			err:      transport.StatusError(http.StatusBadGateway, []byte(`{"reason":"internal"}`)),
			expected: transport.StatusError(http.StatusBadGateway, []byte(`{"reason":"internal"}`)),
		},
		{
			desc:     "foreign body",
			err:      transport.StatusError(http.StatusNotFound, []byte(`404 page not found`)),
			expected: transport.StatusError(http.StatusNotFound, []byte(`404 page not found`)),
		},
		{
			desc:     "typed",
			err:      transport.StatusError(http.StatusConflict, []byte(`{"reason":"tip_moved","tip":4}`)),
			expected: commonerr.TipMovedError{Tip: 4},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.expected, hubError(tc.err))
		})
	}
}

func TestClient_Watch(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	broadcaster := server.NewBroadcaster(testhelper.NewDiscardingLogEntry(t))
	defer broadcaster.Close()

	c := newClient(t, setupHub(t, server.Dependencies{
		Store:       datastore.NewMemoryStore(datastore.WithNotifier(broadcaster)),
		Broadcaster: broadcaster,
	}))

	replica, err := c.RegisterReplica(ctx)
	require.NoError(t, err)

	tips := make(chan api.Tip, 1)
	watchCtx, stopWatching := context.WithCancel(ctx)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- c.Watch(watchCtx, func(tip api.Tip) error {
			tips <- tip
			return nil
		})
	}()

	require.Equal(t, api.Tip{}, <-tips)

	pkg := push(t, ctx, c, replica.ID, changepkg.Root, "first")
	require.Equal(t, api.Tip{Index: pkg.Index, ID: pkg.ID}, <-tips)

	stopWatching()
	require.Equal(t, context.Canceled, <-watchErr)

	require.Equal(t, errNoDialer, New(nil, testDocument).Watch(ctx, nil))
}
