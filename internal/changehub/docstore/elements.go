package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"gitlab.com/gitlab-org/changehub/internal/changehub/changepkg"
	"gitlab.com/gitlab-org/changehub/internal/changehub/commonerr"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
)

// NameNamespace is the name token namespace of element names.
const NameNamespace = 1

var (
	// ErrElementNotFound is returned when editing an element that does not exist.
	ErrElementNotFound = errors.New("element not found")
	// ErrNameTaken is returned when an edit would give two elements the same name.
	ErrNameTaken = errors.New("name taken")
	// ErrKeysExhausted is returned when the replica created every key it may create.
	ErrKeysExhausted = errors.New("element keys exhausted")
)

// Element is a named value of the document.
type Element struct {
	// Key is the replica that created the element in the upper 32 bits and the replica's
	// creation sequence in the lower ones, so keys never collide between checkouts.
	Key   uint64 `json:"key"`
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// ElementKey returns the key of the seq-th element created by replica.
func ElementKey(replica resource.ReplicaID, seq uint32) uint64 {
	return uint64(replica)<<32 | uint64(seq)
}

// snapshot is the complete state of a checkout. Base is the document as of Tip, Working is
// Base plus the pending edits.
type snapshot struct {
	Document    string             `json:"document"`
	Replica     resource.ReplicaID `json:"replica"`
	Seq         uint32             `json:"seq"`
	Tip         changepkg.Link     `json:"tip"`
	Base        map[uint64]Element `json:"base"`
	Working     map[uint64]Element `json:"working"`
	Bookkeeping []Bookkeeping      `json:"bookkeeping,omitempty"`
}

func newSnapshot(document string, replica resource.ReplicaID) *snapshot {
	return &snapshot{
		Document: document,
		Replica:  replica,
		Base:     map[uint64]Element{},
		Working:  map[uint64]Element{},
	}
}

func (s *snapshot) clone() *snapshot {
	c := *s
	c.Base = make(map[uint64]Element, len(s.Base))
	for k, e := range s.Base {
		c.Base[k] = e
	}
	c.Working = make(map[uint64]Element, len(s.Working))
	for k, e := range s.Working {
		c.Working[k] = e
	}
	c.Bookkeeping = append([]Bookkeeping(nil), s.Bookkeeping...)
	return &c
}

// persister durably stores a snapshot. A failed save leaves the previous snapshot in effect.
type persister interface {
	save(ctx context.Context, s *snapshot) error
}

// Document is an element document. Every mutation is computed on a copy of the state and only
// takes effect once persisted. Refer to the Store interface for the documentation of its
// methods that implement it.
type Document struct {
	mtx       sync.RWMutex
	st        *snapshot
	persister persister
}

// NewMemory returns an empty document held in memory only.
func NewMemory(document string, replica resource.ReplicaID) *Document {
	return &Document{st: newSnapshot(document, replica)}
}

// mutate applies fn to a copy of the state and installs the copy once it is persisted.
func (d *Document) mutate(ctx context.Context, fn func(s *snapshot) error) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	next := d.st.clone()
	if err := fn(next); err != nil {
		return err
	}

	if d.persister != nil {
		if err := d.persister.save(ctx, next); err != nil {
			return fmt.Errorf("save checkout: %w", err)
		}
	}

	d.st = next
	return nil
}

// Name returns the document id.
func (d *Document) Name() string {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	return d.st.Document
}

// Replica returns the replica the checkout edits as.
func (d *Document) Replica() resource.ReplicaID {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	return d.st.Replica
}

// NameID returns the name token of an element name.
func (d *Document) NameID(name string) resource.ID {
	return resource.Name(NameNamespace, d.Name(), name)
}

// Get returns the element with key, pending edits included.
func (d *Document) Get(key uint64) (Element, bool) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	e, ok := d.st.Working[key]
	return e, ok
}

// Lookup returns the element named name, pending edits included.
func (d *Document) Lookup(name string) (Element, bool) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	return lookup(d.st.Working, name)
}

func lookup(elements map[uint64]Element, name string) (Element, bool) {
	for _, e := range elements {
		if e.Name == name {
			return e, true
		}
	}
	return Element{}, false
}

// Elements returns the elements ordered by key, pending edits included.
func (d *Document) Elements() []Element {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	return sortedElements(d.st.Working)
}

func sortedElements(elements map[uint64]Element) []Element {
	sorted := make([]Element, 0, len(elements))
	for _, e := range elements {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	return sorted
}

// NextKey returns the key the next created element gets.
func (d *Document) NextKey() uint64 {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	return ElementKey(d.st.Replica, d.st.Seq+1)
}

// Create adds an element.
func (d *Document) Create(ctx context.Context, name, value string) (Element, error) {
	var created Element
	err := d.mutate(ctx, func(s *snapshot) error {
		if name == "" {
			return fmt.Errorf("%w: empty name", commonerr.ErrInvalidRequest)
		}
		if _, ok := lookup(s.Working, name); ok {
			return fmt.Errorf("%w: %q", ErrNameTaken, name)
		}
		if s.Seq == math.MaxUint32 {
			return ErrKeysExhausted
		}

		s.Seq++
		created = Element{Key: ElementKey(s.Replica, s.Seq), Name: name, Value: value}
		s.Working[created.Key] = created
		return nil
	})
	return created, err
}

// Update changes the element with key. An empty name keeps the current one.
func (d *Document) Update(ctx context.Context, key uint64, name, value string) (Element, error) {
	var updated Element
	err := d.mutate(ctx, func(s *snapshot) error {
		e, ok := s.Working[key]
		if !ok {
			return fmt.Errorf("%w: %#x", ErrElementNotFound, key)
		}

		if name != "" && name != e.Name {
			if _, ok := lookup(s.Working, name); ok {
				return fmt.Errorf("%w: %q", ErrNameTaken, name)
			}
			e.Name = name
		}
		e.Value = value

		s.Working[key] = e
		updated = e
		return nil
	})
	return updated, err
}

// Delete removes the element with key.
func (d *Document) Delete(ctx context.Context, key uint64) error {
	return d.mutate(ctx, func(s *snapshot) error {
		if _, ok := s.Working[key]; !ok {
			return fmt.Errorf("%w: %#x", ErrElementNotFound, key)
		}
		delete(s.Working, key)
		return nil
	})
}

// Revert drops every pending edit.
func (d *Document) Revert(ctx context.Context) error {
	return d.mutate(ctx, func(s *snapshot) error {
		s.Working = make(map[uint64]Element, len(s.Base))
		for k, e := range s.Base {
			s.Working[k] = e
		}
		return nil
	})
}

func (d *Document) Tip(ctx context.Context) (changepkg.Link, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	return d.st.Tip, nil
}

func (d *Document) Apply(ctx context.Context, pkg changepkg.Package, payload []byte) error {
	return d.mutate(ctx, func(s *snapshot) error {
		if pkg.Index != s.Tip.Index+1 || pkg.ParentID != s.Tip.ID {
			return commonerr.ApplyError{
				Index: pkg.Index,
				Err:   fmt.Errorf("package does not follow local tip %d", s.Tip.Index),
			}
		}

		var edits Edits
		if err := json.Unmarshal(payload, &edits); err != nil {
			return commonerr.ApplyError{Index: pkg.Index, Err: fmt.Errorf("decode payload: %w", err)}
		}

		for _, op := range edits.Ops {
			if err := applyOp(s, op); err != nil {
				return commonerr.ApplyError{Index: pkg.Index, Err: err}
			}
		}

		if err := uniqueNames(s.Base); err != nil {
			return commonerr.ApplyError{Index: pkg.Index, Err: err}
		}

		s.Tip = pkg.Link()
		return nil
	})
}

// applyOp applies a remote op to the base. The working copy follows the base for elements
// without local edits, local edits win otherwise.
func applyOp(s *snapshot, op Op) error {
	before, inBase := s.Base[op.Key]

	switch op.Kind {
	case OpCreate:
		if inBase {
			return fmt.Errorf("create of existing element %#x", op.Key)
		}
	case OpUpdate, OpDelete:
		if !inBase {
			return fmt.Errorf("%s of missing element %#x", op.Kind, op.Key)
		}
	default:
		return fmt.Errorf("unknown op %q", op.Kind)
	}

	working, inWorking := s.Working[op.Key]
	unedited := inBase == inWorking && before == working

	if op.Kind == OpDelete {
		delete(s.Base, op.Key)
		if unedited {
			delete(s.Working, op.Key)
		}
		return nil
	}

	e := Element{Key: op.Key, Name: op.Name, Value: op.Value}
	s.Base[op.Key] = e
	if unedited {
		s.Working[op.Key] = e
	}
	return nil
}

func uniqueNames(elements map[uint64]Element) error {
	seen := make(map[string]uint64, len(elements))
	for _, e := range elements {
		if other, ok := seen[e.Name]; ok {
			return fmt.Errorf("%w: %q used by %#x and %#x", ErrNameTaken, e.Name, other, e.Key)
		}
		seen[e.Name] = e.Key
	}
	return nil
}

func (d *Document) PendingEdits(ctx context.Context) (Edits, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	return diff(d.st.Base, d.st.Working), nil
}

// diff returns the ops turning base into working.
func diff(base, working map[uint64]Element) Edits {
	keys := make([]uint64, 0, len(working))
	for k := range working {
		keys = append(keys, k)
	}
	for k := range base {
		if _, ok := working[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var edits Edits
	for _, k := range keys {
		b, inBase := base[k]
		w, inWorking := working[k]

		switch {
		case !inBase:
			edits.Ops = append(edits.Ops, Op{Kind: OpCreate, Key: k, Name: w.Name, Value: w.Value})
		case !inWorking:
			edits.Ops = append(edits.Ops, Op{Kind: OpDelete, Key: k, PreviousName: b.Name})
		case b != w:
			edits.Ops = append(edits.Ops, Op{Kind: OpUpdate, Key: k, Name: w.Name, Value: w.Value, PreviousName: b.Name})
		}
	}
	return edits
}

// ResourcesTouched requires an exclusive lock on every edited element and a reservation of
// every name that comes into use. A name freed and taken again by the same edits stays used.
func (d *Document) ResourcesTouched(edits Edits) Resources {
	used := map[string]bool{}
	discarded := map[string]bool{}

	var res Resources
	for _, op := range edits.Ops {
		res.Modified = append(res.Modified, resource.Structural(op.Key))
		res.Claims = append(res.Claims, resource.Lock(op.Key, resource.LevelExclusive))

		switch op.Kind {
		case OpCreate:
			used[op.Name] = true
		case OpUpdate:
			if op.Name != op.PreviousName {
				used[op.Name] = true
				discarded[op.PreviousName] = true
			}
		case OpDelete:
			discarded[op.PreviousName] = true
		}
	}

	for name := range used {
		if discarded[name] {
			delete(used, name)
			delete(discarded, name)
		}
	}

	for name := range used {
		id := d.NameID(name)
		res.Used = append(res.Used, id)
		res.Claims = append(res.Claims, resource.Reserve(id))
	}
	for name := range discarded {
		res.Discarded = append(res.Discarded, d.NameID(name))
	}

	resource.SortClaims(res.Claims)
	resource.SortIDs(res.Modified)
	resource.SortIDs(res.Used)
	resource.SortIDs(res.Discarded)
	return res
}

func (d *Document) Commit(edits Edits) ([]byte, error) {
	if edits.Empty() {
		return nil, commonerr.ErrNothingToPush
	}
	return json.Marshal(edits)
}

func (d *Document) MarkPushed(ctx context.Context, pkg changepkg.Package, edits Edits) error {
	return d.mutate(ctx, func(s *snapshot) error {
		if pkg.Index != s.Tip.Index+1 || pkg.ParentID != s.Tip.ID {
			return fmt.Errorf("pushed package %d does not follow local tip %d", pkg.Index, s.Tip.Index)
		}

		for _, op := range edits.Ops {
			if op.Kind == OpDelete {
				delete(s.Base, op.Key)
				continue
			}
			s.Base[op.Key] = Element{Key: op.Key, Name: op.Name, Value: op.Value}
		}

		s.Tip = pkg.Link()
		return nil
	})
}

func (d *Document) Bookkeeping(ctx context.Context) ([]Bookkeeping, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	return append([]Bookkeeping(nil), d.st.Bookkeeping...), nil
}

func (d *Document) SetBookkeeping(ctx context.Context, pending []Bookkeeping) error {
	return d.mutate(ctx, func(s *snapshot) error {
		s.Bookkeeping = append([]Bookkeeping(nil), pending...)
		return nil
	})
}
