package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"gitlab.com/gitlab-org/changehub/internal/changehub/changepkg"
	"gitlab.com/gitlab-org/changehub/internal/changehub/commonerr"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore/glsql"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
)

type memoryReplica struct {
	Replica
	abandoned bool
}

type memoryDocument struct {
	states   map[resource.ID]resource.State
	packages []changepkg.Package
	payloads map[string][]byte
}

// MemoryStore is an in-memory implementation of Store. Refer to the interfaces for method
// documentation. Every operation runs under a single lock.
type MemoryStore struct {
	m           sync.Mutex
	nextReplica resource.ReplicaID
	replicas    map[resource.ReplicaID]*memoryReplica
	documents   map[string]*memoryDocument

	notifier glsql.ListenHandler
	now      func() time.Time
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithNotifier passes a TipNotification to handler after every push, the way Postgres
// delivers them to a Listener.
func WithNotifier(handler glsql.ListenHandler) MemoryStoreOption {
	return func(s *MemoryStore) { s.notifier = handler }
}

// WithClock overrides the clock stamping packages and replicas.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		replicas:  make(map[resource.ReplicaID]*memoryReplica),
		documents: make(map[string]*memoryDocument),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier != nil {
		s.notifier.Connected()
	}
	return s
}

func (s *MemoryStore) document(name string) *memoryDocument {
	doc, ok := s.documents[name]
	if !ok {
		doc = &memoryDocument{
			states:   make(map[resource.ID]resource.State),
			payloads: make(map[string][]byte),
		}
		s.documents[name] = doc
	}
	return doc
}

func (s *MemoryStore) replica(document string, id resource.ReplicaID) (*memoryReplica, error) {
	r, ok := s.replicas[id]
	if !ok || r.abandoned || r.Document != document {
		return nil, fmt.Errorf("%w: %d", commonerr.ErrReplicaNotFound, id)
	}
	return r, nil
}

// table loads the given resources of the document into a state table.
func (s *MemoryStore) table(doc *memoryDocument, ids []resource.ID) *stateTable {
	t := newStateTable()
	for _, id := range ids {
		if st, ok := doc.states[id]; ok {
			t.states[id] = st
		}
	}
	return t
}

func (s *MemoryStore) heldTable(doc *memoryDocument, replica resource.ReplicaID) *stateTable {
	t := newStateTable()
	for id, st := range doc.states {
		if st.HeldBy(replica) != resource.LevelNone {
			t.states[id] = st
		}
	}
	return t
}

func (s *MemoryStore) persist(doc *memoryDocument, t *stateTable) {
	for _, st := range t.changed() {
		if st.IsEmpty() {
			delete(doc.states, st.ID)
			continue
		}
		doc.states[st.ID] = st
	}
}

func (s *MemoryStore) RegisterReplica(ctx context.Context, document, owner string) (Replica, error) {
	if document == "" {
		return Replica{}, fmt.Errorf("%w: empty document", commonerr.ErrInvalidRequest)
	}

	s.m.Lock()
	defer s.m.Unlock()

	s.nextReplica++
	r := Replica{ID: s.nextReplica, Document: document, Owner: owner, CreatedAt: s.now()}
	s.replicas[r.ID] = &memoryReplica{Replica: r}
	return r, nil
}

func (s *MemoryStore) GetReplica(ctx context.Context, document string, replica resource.ReplicaID) (Replica, error) {
	s.m.Lock()
	defer s.m.Unlock()

	r, err := s.replica(document, replica)
	if err != nil {
		return Replica{}, err
	}
	return r.Replica, nil
}

func (s *MemoryStore) ListReplicas(ctx context.Context, document string) ([]Replica, error) {
	s.m.Lock()
	defer s.m.Unlock()

	var replicas []Replica
	for _, r := range s.replicas {
		if r.Document == document && !r.abandoned {
			replicas = append(replicas, r.Replica)
		}
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i].ID < replicas[j].ID })
	return replicas, nil
}

func (s *MemoryStore) AbandonReplica(ctx context.Context, document string, replica resource.ReplicaID) ([]resource.ID, error) {
	s.m.Lock()
	defer s.m.Unlock()

	r, err := s.replica(document, replica)
	if err != nil {
		return nil, err
	}

	doc := s.document(document)
	t := s.heldTable(doc, replica)
	released := releaseIDs(t, replica, t.ids())
	s.persist(doc, t)
	r.abandoned = true

	return released, nil
}

func (s *MemoryStore) QueryState(ctx context.Context, document string, ids []resource.ID) (map[resource.ID]resource.State, error) {
	if err := validateIDs(ids); err != nil {
		return nil, err
	}

	s.m.Lock()
	defer s.m.Unlock()

	t := s.table(s.document(document), ids)
	states := make(map[resource.ID]resource.State, len(ids))
	for _, id := range ids {
		states[id] = t.get(id)
	}
	return states, nil
}

func (s *MemoryStore) ListStates(ctx context.Context, document string) ([]resource.State, error) {
	s.m.Lock()
	defer s.m.Unlock()

	doc := s.document(document)
	states := make([]resource.State, 0, len(doc.states))
	for _, st := range doc.states {
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID.Less(states[j].ID) })
	return states, nil
}

func (s *MemoryStore) HeldBy(ctx context.Context, document string, replica resource.ReplicaID) ([]resource.State, error) {
	s.m.Lock()
	defer s.m.Unlock()

	if _, err := s.replica(document, replica); err != nil {
		return nil, err
	}

	t := s.heldTable(s.document(document), replica)
	states := make([]resource.State, 0, len(t.states))
	for _, id := range t.ids() {
		states = append(states, t.get(id))
	}
	return states, nil
}

func (s *MemoryStore) AreAvailable(ctx context.Context, document string, replica resource.ReplicaID, claims []resource.Claim, asOf int64) ([]resource.Conflict, error) {
	if err := validateClaims(claims); err != nil {
		return nil, err
	}

	s.m.Lock()
	defer s.m.Unlock()

	if _, err := s.replica(document, replica); err != nil {
		return nil, err
	}

	return evaluateClaims(s.table(s.document(document), resource.IDs(claims)), replica, claims, asOf), nil
}

func (s *MemoryStore) Acquire(ctx context.Context, document string, replica resource.ReplicaID, claims []resource.Claim, asOf int64) ([]resource.Conflict, error) {
	if err := validateClaims(claims); err != nil {
		return nil, err
	}

	s.m.Lock()
	defer s.m.Unlock()

	if _, err := s.replica(document, replica); err != nil {
		return nil, err
	}

	doc := s.document(document)
	t := s.table(doc, resource.IDs(claims))
	if conflicts := acquireClaims(t, replica, claims, asOf); len(conflicts) > 0 {
		return conflicts, nil
	}
	s.persist(doc, t)
	return nil, nil
}

func (s *MemoryStore) Release(ctx context.Context, document string, replica resource.ReplicaID, ids []resource.ID) ([]resource.ID, error) {
	if err := validateIDs(ids); err != nil {
		return nil, err
	}

	s.m.Lock()
	defer s.m.Unlock()

	if _, err := s.replica(document, replica); err != nil {
		return nil, err
	}

	ids = dedupeIDs(ids)
	doc := s.document(document)
	t := s.table(doc, ids)
	released := releaseIDs(t, replica, ids)
	s.persist(doc, t)
	return released, nil
}

func (s *MemoryStore) RelinquishAll(ctx context.Context, document string, replica resource.ReplicaID) ([]resource.ID, error) {
	s.m.Lock()
	defer s.m.Unlock()

	if _, err := s.replica(document, replica); err != nil {
		return nil, err
	}

	doc := s.document(document)
	t := s.heldTable(doc, replica)
	released := releaseIDs(t, replica, t.ids())
	s.persist(doc, t)
	return released, nil
}

func (s *MemoryStore) DiscardOrReserveNames(ctx context.Context, document string, replica resource.ReplicaID, changes NameChanges, index int64) ([]resource.Conflict, error) {
	if err := validateIDs(append(append([]resource.ID(nil), changes.Discarded...), changes.Used...)); err != nil {
		return nil, err
	}

	s.m.Lock()
	defer s.m.Unlock()

	if _, err := s.replica(document, replica); err != nil {
		return nil, err
	}

	doc := s.document(document)
	if index < 1 || index > int64(len(doc.packages)) {
		return nil, fmt.Errorf("%w: package %d does not exist", commonerr.ErrInvalidRequest, index)
	}

	t := s.table(doc, append(append([]resource.ID(nil), changes.Discarded...), changes.Used...))
	if conflicts := recordNames(t, replica, changes, index); len(conflicts) > 0 {
		return conflicts, nil
	}
	s.persist(doc, t)
	return nil, nil
}

func (s *MemoryStore) Tip(ctx context.Context, document string) (changepkg.Link, error) {
	s.m.Lock()
	defer s.m.Unlock()

	return s.tip(s.document(document)), nil
}

func (s *MemoryStore) tip(doc *memoryDocument) changepkg.Link {
	if len(doc.packages) == 0 {
		return changepkg.Root
	}
	return doc.packages[len(doc.packages)-1].Link()
}

func (s *MemoryStore) QueryAfter(ctx context.Context, document string, after int64, limit int) ([]changepkg.Package, error) {
	if after < 0 || limit < 1 {
		return nil, fmt.Errorf("%w: after %d, limit %d", commonerr.ErrInvalidRequest, after, limit)
	}

	s.m.Lock()
	defer s.m.Unlock()

	doc := s.document(document)
	if after >= int64(len(doc.packages)) {
		return nil, nil
	}

	end := after + int64(limit)
	if end > int64(len(doc.packages)) {
		end = int64(len(doc.packages))
	}

	// Indexes start at 1, so the package with index i lives at i-1.
	return append([]changepkg.Package(nil), doc.packages[after:end]...), nil
}

func (s *MemoryStore) CreateAndPush(ctx context.Context, document string, req PushRequest) (changepkg.Package, error) {
	if err := validatePush(req); err != nil {
		return changepkg.Package{}, err
	}

	pkg, notify, err := func() (changepkg.Package, bool, error) {
		s.m.Lock()
		defer s.m.Unlock()

		if _, err := s.replica(document, req.Replica); err != nil {
			return changepkg.Package{}, false, err
		}

		doc := s.document(document)
		payload, ok := doc.payloads[req.PayloadDigest]
		if !ok {
			return changepkg.Package{}, false, fmt.Errorf("%w: %s", commonerr.ErrPayloadMissing, req.PayloadDigest)
		}

		tip := s.tip(doc)
		if existing, ok, err := checkParent(tip, req, func(index int64) changepkg.Package {
			return doc.packages[index-1]
		}); err != nil || ok {
			return existing, false, err
		}

		t := s.table(doc, req.Resources)
		if conflicts := requireExclusive(t, req.Replica, req.Resources, req.ParentIndex); len(conflicts) > 0 {
			return changepkg.Package{}, false, commonerr.NewConflictError(conflicts)
		}

		pkg := newPackage(tip, req, int64(len(payload)), s.now())
		doc.packages = append(doc.packages, pkg)

		stampIDs(t, req.Replica, req.Resources, pkg.Index)
		s.persist(doc, t)

		return pkg, true, nil
	}()
	if err != nil {
		return changepkg.Package{}, err
	}

	if notify && s.notifier != nil {
		s.notifier.Notification(tipNotification(document, pkg))
	}

	return pkg, nil
}

func (s *MemoryStore) PutPayload(ctx context.Context, document, digest string, payload []byte) error {
	if err := validatePayload(digest, payload); err != nil {
		return err
	}

	s.m.Lock()
	defer s.m.Unlock()

	doc := s.document(document)
	if _, ok := doc.payloads[digest]; !ok {
		doc.payloads[digest] = append([]byte(nil), payload...)
	}
	return nil
}

func (s *MemoryStore) GetPayload(ctx context.Context, document, digest string) ([]byte, error) {
	s.m.Lock()
	defer s.m.Unlock()

	payload, ok := s.document(document).payloads[digest]
	if !ok {
		return nil, fmt.Errorf("%w: %s", commonerr.ErrPayloadMissing, digest)
	}
	return append([]byte(nil), payload...), nil
}

func validatePush(req PushRequest) error {
	if req.ParentIndex < 0 {
		return fmt.Errorf("%w: negative parent index", commonerr.ErrInvalidRequest)
	}

	if !changepkg.ValidDigest(req.PayloadDigest) {
		return fmt.Errorf("%w: malformed payload digest %q", commonerr.ErrInvalidRequest, req.PayloadDigest)
	}

	for _, id := range req.Resources {
		if err := id.Validate(); err != nil || id.Kind != resource.KindStructural {
			return fmt.Errorf("%w: pushed resource %s is not structural", commonerr.ErrInvalidRequest, id)
		}
	}
	return nil
}

func validatePayload(digest string, payload []byte) error {
	if !changepkg.ValidDigest(digest) {
		return fmt.Errorf("%w: malformed payload digest %q", commonerr.ErrInvalidRequest, digest)
	}

	if actual := changepkg.Digest(payload); actual != digest {
		return fmt.Errorf("%w: payload digest is %s, not %s", commonerr.ErrInvalidRequest, actual, digest)
	}
	return nil
}

// checkParent decides a push against the current tip. It returns the already existing
// package and true when the request is a retry of a push that succeeded, and an error when
// the push cannot go on top of the tip.
func checkParent(tip changepkg.Link, req PushRequest, packageAt func(index int64) changepkg.Package) (changepkg.Package, bool, error) {
	switch {
	case req.ParentIndex > tip.Index:
		return changepkg.Package{}, false, fmt.Errorf("%w: parent index %d is beyond the tip %d",
			commonerr.ErrInvalidRequest, req.ParentIndex, tip.Index)
	case req.ParentIndex < tip.Index:
		next := packageAt(req.ParentIndex + 1)
		if next.ParentID == req.ParentID &&
			next.ID == changepkg.ComputeID(req.ParentID, req.PayloadDigest) &&
			next.Replica == req.Replica {
			return next, true, nil
		}
		return changepkg.Package{}, false, commonerr.TipMovedError{Tip: tip.Index}
	case req.ParentID != tip.ID:
		return changepkg.Package{}, false, commonerr.ChainIntegrityError{
			Index:            req.ParentIndex + 1,
			ExpectedParentID: tip.ID,
			ParentID:         req.ParentID,
		}
	default:
		return changepkg.Package{}, false, nil
	}
}

func newPackage(tip changepkg.Link, req PushRequest, size int64, now time.Time) changepkg.Package {
	return changepkg.Package{
		ID:                   changepkg.ComputeID(tip.ID, req.PayloadDigest),
		Index:                tip.Index + 1,
		ParentID:             tip.ID,
		Replica:              req.Replica,
		CreatedAt:            now,
		Description:          req.Description,
		ContainsSchemaChange: req.ContainsSchemaChange,
		PayloadDigest:        req.PayloadDigest,
		PayloadSize:          size,
	}
}

func tipNotification(document string, pkg changepkg.Package) glsql.Notification {
	payload, err := json.Marshal(TipNotification{
		Document: document,
		Index:    pkg.Index,
		ID:       pkg.ID,
		Replica:  pkg.Replica,
	})
	if err != nil {
		panic(fmt.Sprintf("encode tip notification: %v", err))
	}
	return glsql.Notification{Channel: ChangePackagesChannel, Payload: string(payload)}
}
