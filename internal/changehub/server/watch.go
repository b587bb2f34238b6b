package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/changehub/internal/changehub/api"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore/glsql"
)

const watchWriteTimeout = 10 * time.Second

// Broadcaster fans tip notifications out to the watchers of a document. A slow watcher only
// ever sees the latest tip. Refer to glsql.ListenHandler for the callback documentation.
type Broadcaster struct {
	logger logrus.FieldLogger

	mtx         sync.Mutex
	subscribers map[string]map[*subscriber]struct{}
	closed      bool
}

type subscriber struct {
	tips chan api.Tip
}

// NewBroadcaster returns a broadcaster without subscribers.
func NewBroadcaster(logger logrus.FieldLogger) *Broadcaster {
	return &Broadcaster{
		logger:      logger.WithField("component", "tip_broadcaster"),
		subscribers: make(map[string]map[*subscriber]struct{}),
	}
}

// Subscribe returns the channel receiving the tips of document and the function cancelling
// the subscription. The channel is closed when the subscription ends.
func (b *Broadcaster) Subscribe(document string) (<-chan api.Tip, func()) {
	sub := &subscriber{tips: make(chan api.Tip, 1)}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.closed {
		close(sub.tips)
		return sub.tips, func() {}
	}

	if b.subscribers[document] == nil {
		b.subscribers[document] = make(map[*subscriber]struct{})
	}
	b.subscribers[document][sub] = struct{}{}

	var once sync.Once
	return sub.tips, func() {
		once.Do(func() {
			b.mtx.Lock()
			defer b.mtx.Unlock()

			if _, ok := b.subscribers[document][sub]; !ok {
				return
			}
			delete(b.subscribers[document], sub)
			if len(b.subscribers[document]) == 0 {
				delete(b.subscribers, document)
			}
			close(sub.tips)
		})
	}
}

// Publish sends tip to every watcher of document.
func (b *Broadcaster) Publish(document string, tip api.Tip) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	for sub := range b.subscribers[document] {
		// Replace a tip the watcher has not picked up yet.
		select {
		case <-sub.tips:
		default:
		}
		sub.tips <- tip
	}
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.closed = true
	for document, subs := range b.subscribers {
		for sub := range subs {
			close(sub.tips)
		}
		delete(b.subscribers, document)
	}
}

func (b *Broadcaster) Notification(n glsql.Notification) {
	var tip datastore.TipNotification
	if err := json.Unmarshal([]byte(n.Payload), &tip); err != nil {
		b.logger.WithError(err).WithField("channel", n.Channel).Error("received payload can't be processed")
		return
	}

	b.Publish(tip.Document, api.Tip{Index: tip.Index, ID: tip.ID})
}

func (b *Broadcaster) Connected() {
	b.logger.Info("receiving tip notifications")
}

func (b *Broadcaster) Disconnect(err error) {
	b.logger.WithError(err).Warn("tip notifications interrupted")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Watchers authenticate with their bearer token, not with cookies.
	CheckOrigin: func(*http.Request) bool { return true },
}

var errWatchUnavailable = errors.New("tip watch unavailable")

// watch streams the tip of the document: the current one first, then one message per
// push. Tips may be skipped when several pushes land before a watcher catches up.
func (h *hub) watch(w http.ResponseWriter, r *http.Request) {
	doc, err := document(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if h.Broadcaster == nil {
		writeError(w, r, errWatchUnavailable)
		return
	}

	tips, unsubscribe := h.Broadcaster.Subscribe(doc)
	defer unsubscribe()

	current, err := h.Store.Tip(r.Context(), doc)
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already answered the request.
		ctxlogrus.Extract(r.Context()).WithError(err).Warn("upgrade watch")
		return
	}

	if h.Watchers != nil {
		h.Watchers.Inc()
		defer h.Watchers.Dec()
	}

	// The reader only notices the peer going away. Watchers never send anything.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer func() {
		conn.Close()
		<-closed
	}()

	logger := ctxlogrus.Extract(r.Context())
	send := func(tip api.Tip) bool {
		if err := conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout)); err != nil {
			return false
		}
		if err := conn.WriteJSON(tip); err != nil {
			logger.WithError(err).Info("watch ended")
			return false
		}
		return true
	}

	last := api.Tip{Index: current.Index, ID: current.ID}
	if !send(last) {
		return
	}

	for {
		select {
		case tip, ok := <-tips:
			if !ok {
				deadline := time.Now().Add(watchWriteTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub shutting down"), deadline)
				return
			}
			if tip.Index <= last.Index {
				continue
			}
			last = tip
			if !send(tip) {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
