package datastore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/changehub/internal/changehub/changepkg"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore/glsql"
)

const tipCacheSize = 2 << 10

// CachingHistory is a Store that caches payloads and document tips of the underlying store.
// Payloads are immutable and cached unconditionally. Tips are cached only while the
// notification listener is connected, entries are invalidated by tip notifications.
type CachingHistory struct {
	Store

	payloads *lru.Cache
	tips     *lru.Cache
	// access is access method to use for tips: 0 - without caching; 1 - with caching.
	access int32
	syncer syncer
	// callbackLogger should be used only inside of the methods used as callbacks.
	callbackLogger   logrus.FieldLogger
	cacheAccessTotal *prometheus.CounterVec
}

// NewCachingHistory returns a Store that caches up to payloadCacheSize payloads.
func NewCachingHistory(logger logrus.FieldLogger, store Store, payloadCacheSize int) (*CachingHistory, error) {
	cached := &CachingHistory{
		Store:          store,
		syncer:         syncer{inflight: map[string]chan struct{}{}},
		callbackLogger: logger.WithField("component", "caching_history"),
		cacheAccessTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "changehub_history_cache_access_total",
				Help: "Total number of history cache access operations (per cache)",
			},
			[]string{"cache", "type"},
		),
	}

	var err error
	if cached.payloads, err = lru.NewWithEvict(payloadCacheSize, func(key interface{}, value interface{}) {
		cached.cacheAccessTotal.WithLabelValues("payload", "evict").Inc()
	}); err != nil {
		return nil, err
	}

	if cached.tips, err = lru.NewWithEvict(tipCacheSize, func(key interface{}, value interface{}) {
		cached.cacheAccessTotal.WithLabelValues("tip", "evict").Inc()
	}); err != nil {
		return nil, err
	}

	return cached, nil
}

// Notification handles notifications by invalidating the tip of the pushed document.
func (c *CachingHistory) Notification(n glsql.Notification) {
	var tip TipNotification
	if err := json.NewDecoder(strings.NewReader(n.Payload)).Decode(&tip); err != nil {
		c.disableCaching() // as we can't update cache properly we should disable it
		c.callbackLogger.WithError(err).WithField("channel", n.Channel).Error("received payload can't be processed, cache disabled")
		return
	}

	c.tips.Remove(tip.Document)
}

// Connected enables the tip cache when it has been connected to Postgres.
func (c *CachingHistory) Connected() {
	atomic.StoreInt32(&c.access, 1)
}

// Disconnect disables the tip cache when connection to Postgres has been lost.
func (c *CachingHistory) Disconnect(error) {
	// disable cache usage as it could be outdated
	c.disableCaching()
}

// Describe returns all metric descriptors.
func (c *CachingHistory) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, descs)
}

// Collect collects all metrics.
func (c *CachingHistory) Collect(collector chan<- prometheus.Metric) {
	c.cacheAccessTotal.Collect(collector)
}

func (c *CachingHistory) disableCaching() {
	atomic.StoreInt32(&c.access, 0)
	c.tips.Purge()
}

func (c *CachingHistory) isCacheEnabled() bool {
	return atomic.LoadInt32(&c.access) != 0
}

func (c *CachingHistory) Tip(ctx context.Context, document string) (changepkg.Link, error) {
	if !c.isCacheEnabled() {
		return c.Store.Tip(ctx, document)
	}

	if tip, ok := c.tips.Get(document); ok {
		c.cacheAccessTotal.WithLabelValues("tip", "hit").Inc()
		return tip.(changepkg.Link), nil
	}

	// synchronises concurrent attempts to update cache for the same key.
	populateDone := c.syncer.await(document)
	defer populateDone()

	if tip, ok := c.tips.Get(document); ok {
		c.cacheAccessTotal.WithLabelValues("tip", "hit").Inc()
		return tip.(changepkg.Link), nil
	}

	c.cacheAccessTotal.WithLabelValues("tip", "miss").Inc()
	tip, err := c.Store.Tip(ctx, document)
	if err != nil {
		return changepkg.Link{}, err
	}

	c.tips.Add(document, tip)
	c.cacheAccessTotal.WithLabelValues("tip", "populate").Inc()
	return tip, nil
}

func (c *CachingHistory) CreateAndPush(ctx context.Context, document string, req PushRequest) (changepkg.Package, error) {
	pkg, err := c.Store.CreateAndPush(ctx, document, req)
	if err != nil {
		return changepkg.Package{}, err
	}

	// The notification of the push may arrive after the pusher asks for the tip.
	c.tips.Remove(document)
	return pkg, nil
}

func payloadKey(document, digest string) string {
	return document + "\x00" + digest
}

func (c *CachingHistory) PutPayload(ctx context.Context, document, digest string, payload []byte) error {
	if err := c.Store.PutPayload(ctx, document, digest, payload); err != nil {
		return err
	}

	c.payloads.Add(payloadKey(document, digest), payload)
	return nil
}

func (c *CachingHistory) GetPayload(ctx context.Context, document, digest string) ([]byte, error) {
	key := payloadKey(document, digest)
	if payload, ok := c.payloads.Get(key); ok {
		c.cacheAccessTotal.WithLabelValues("payload", "hit").Inc()
		return payload.([]byte), nil
	}

	c.cacheAccessTotal.WithLabelValues("payload", "miss").Inc()
	payload, err := c.Store.GetPayload(ctx, document, digest)
	if err != nil {
		return nil, err
	}

	c.payloads.Add(key, payload)
	return payload, nil
}

// syncer allows to sync access to a particular key.
type syncer struct {
	// inflight contains set of keys already acquired for sync.
	inflight map[string]chan struct{}
	mtx      sync.Mutex
}

// await acquires lock for provided key and returns a callback to invoke once the key could be released.
// If key is already acquired the call will be blocked until callback for that key won't be called.
func (sc *syncer) await(key string) func() {
	sc.mtx.Lock()

	if cond, found := sc.inflight[key]; found {
		sc.mtx.Unlock()

		<-cond // the key is acquired, wait until it is released

		return func() {}
	}

	defer sc.mtx.Unlock()

	cond := make(chan struct{})
	sc.inflight[key] = cond

	return func() {
		sc.mtx.Lock()
		defer sc.mtx.Unlock()

		delete(sc.inflight, key)

		close(cond)
	}
}
