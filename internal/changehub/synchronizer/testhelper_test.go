package synchronizer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/changehub/internal/changehub/changepkg"
	"gitlab.com/gitlab-org/changehub/internal/changehub/client"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore"
	"gitlab.com/gitlab-org/changehub/internal/changehub/docstore"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
	"gitlab.com/gitlab-org/changehub/internal/changehub/retry"
	"gitlab.com/gitlab-org/changehub/internal/changehub/server"
	"gitlab.com/gitlab-org/changehub/internal/changehub/transport"
	"gitlab.com/gitlab-org/changehub/internal/testhelper"
)

const testDocument = "plans/building-a"

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

type testHub struct {
	url         string
	broadcaster *server.Broadcaster
}

func setupHub(t *testing.T) testHub {
	t.Helper()

	logger := testhelper.NewDiscardingLogEntry(t)
	broadcaster := server.NewBroadcaster(logger)
	t.Cleanup(broadcaster.Close)

	srv := httptest.NewServer(server.New(server.Dependencies{
		Store:       datastore.NewMemoryStore(datastore.WithNotifier(broadcaster)),
		Broadcaster: broadcaster,
		Logger:      logger,
	}))
	t.Cleanup(srv.Close)

	return testHub{url: srv.URL, broadcaster: broadcaster}
}

// inspect returns a client looking at the hub without going through any checkout.
func (h testHub) inspect(t *testing.T, document string) *client.Client {
	t.Helper()

	httpTransport, err := transport.NewHTTP(h.url)
	require.NoError(t, err)
	return client.New(httpTransport, document)
}

func clientPush(replica resource.ReplicaID, parent changepkg.Link, payload string) client.PushRequest {
	return client.PushRequest{Replica: replica, Parent: parent, Payload: []byte(payload)}
}

type checkoutSetup struct {
	document string
	// wrap intercepts the requests of the checkout before they reach the retry layer.
	wrap  func(next transport.Transport) transport.Transport
	retry config.Retry
	sync  config.Sync
	opts  []Option
}

type checkout struct {
	doc     *docstore.Document
	sync    *Synchronizer
	replica resource.ReplicaID
}

func newCheckout(t *testing.T, ctx context.Context, h testHub, setup checkoutSetup) checkout {
	t.Helper()

	if setup.document == "" {
		setup.document = testDocument
	}
	if setup.retry.MaxAttempts == 0 {
		setup.retry = config.Retry{
			MaxAttempts:  3,
			InitialDelay: config.Duration(time.Millisecond),
			MaxDelay:     config.Duration(10 * time.Millisecond),
		}
	}
	if setup.sync.MaxCycles == 0 {
		setup.sync = config.Sync{MaxCycles: 3, RelinquishAfterPush: true}
	}

	httpTransport, err := transport.NewHTTP(h.url)
	require.NoError(t, err)

	var next transport.Transport = httpTransport
	if setup.wrap != nil {
		next = setup.wrap(next)
	}

	logger := testhelper.NewDiscardingLogEntry(t)
	c := client.New(retry.New(next, setup.retry, logger), setup.document, client.WithDialer(httpTransport))

	replica, err := c.RegisterReplica(ctx)
	require.NoError(t, err)

	doc := docstore.NewMemory(setup.document, replica.ID)
	return checkout{
		doc:     doc,
		sync:    New(c, doc, replica.ID, setup.sync, logger, setup.opts...),
		replica: replica.ID,
	}
}

// intercept calls hook before the first request matching method and path suffix is sent.
// A hook returning an error fails that request instead of sending it.
func intercept(method, suffix string, hook func(ctx context.Context, req transport.Request, next transport.Transport) (transport.Response, error)) func(transport.Transport) transport.Transport {
	var once sync.Once
	return func(next transport.Transport) transport.Transport {
		return transport.Func(func(ctx context.Context, req transport.Request) (transport.Response, error) {
			if req.Method != method || !strings.HasSuffix(req.Path, suffix) {
				return next.Send(ctx, req)
			}

			var (
				resp   transport.Response
				err    error
				hooked bool
			)
			once.Do(func() {
				hooked = true
				resp, err = hook(ctx, req, next)
			})
			if hooked {
				return resp, err
			}
			return next.Send(ctx, req)
		})
	}
}

// failing fails the first n requests matching method and path suffix with a transient error.
func failing(method, suffix string, n int, kind func(error) *transport.Error) func(transport.Transport) transport.Transport {
	var (
		mtx   sync.Mutex
		calls int
	)
	return func(next transport.Transport) transport.Transport {
		return transport.Func(func(ctx context.Context, req transport.Request) (transport.Response, error) {
			if req.Method == method && strings.HasSuffix(req.Path, suffix) {
				mtx.Lock()
				calls++
				fail := calls <= n
				mtx.Unlock()

				if fail {
					return transport.Response{}, kind(http.ErrHandlerTimeout)
				}
			}
			return next.Send(ctx, req)
		})
	}
}
