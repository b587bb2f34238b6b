package datastore

import (
	"encoding/json"
	"fmt"

	"gitlab.com/gitlab-org/changehub/internal/changehub/commonerr"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
)

// stateTable is the working set of one ledger operation on one document. The stores load the
// states an operation touches into a table, run the operation and persist the changed states,
// so that the memory and Postgres implementations cannot disagree on the rules.
type stateTable struct {
	states map[resource.ID]resource.State
	dirty  map[resource.ID]struct{}
}

func newStateTable(states ...resource.State) *stateTable {
	t := &stateTable{
		states: make(map[resource.ID]resource.State, len(states)),
		dirty:  make(map[resource.ID]struct{}),
	}
	for _, st := range states {
		t.states[st.ID] = st
	}
	return t
}

func (t *stateTable) get(id resource.ID) resource.State {
	if st, ok := t.states[id]; ok {
		return st
	}
	return resource.EmptyState(id)
}

func (t *stateTable) put(st resource.State) {
	t.states[st.ID] = st
	t.dirty[st.ID] = struct{}{}
}

func (t *stateTable) ids() []resource.ID {
	ids := make([]resource.ID, 0, len(t.states))
	for id := range t.states {
		ids = append(ids, id)
	}
	resource.SortIDs(ids)
	return ids
}

// changed returns the modified states ordered by identity.
func (t *stateTable) changed() []resource.State {
	ids := make([]resource.ID, 0, len(t.dirty))
	for id := range t.dirty {
		ids = append(ids, id)
	}
	resource.SortIDs(ids)

	states := make([]resource.State, len(ids))
	for i, id := range ids {
		states[i] = t.states[id]
	}
	return states
}

func validateClaims(claims []resource.Claim) error {
	for _, c := range claims {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%w: %v", commonerr.ErrInvalidRequest, err)
		}
	}
	return nil
}

func validateIDs(ids []resource.ID) error {
	for _, id := range ids {
		if err := id.Validate(); err != nil {
			return fmt.Errorf("%w: %v", commonerr.ErrInvalidRequest, err)
		}
	}
	return nil
}

func evaluateClaims(t *stateTable, replica resource.ReplicaID, claims []resource.Claim, asOf int64) []resource.Conflict {
	return resource.EvaluateAll(t.get, replica, resource.MergeClaims(claims), asOf)
}

func acquireClaims(t *stateTable, replica resource.ReplicaID, claims []resource.Claim, asOf int64) []resource.Conflict {
	claims = resource.MergeClaims(claims)
	if conflicts := resource.EvaluateAll(t.get, replica, claims, asOf); len(conflicts) > 0 {
		return conflicts
	}

	for _, c := range claims {
		if c.Level == resource.LevelNone {
			continue
		}

		before := t.get(c.ID)
		if before.HeldBy(replica) >= c.Level {
			continue
		}
		t.put(resource.Grant(before, replica, c))
	}
	return nil
}

func releaseIDs(t *stateTable, replica resource.ReplicaID, ids []resource.ID) []resource.ID {
	var released []resource.ID
	for _, id := range ids {
		st, ok := resource.ReleaseBy(t.get(id), replica)
		if !ok {
			continue
		}
		t.put(st)
		released = append(released, id)
	}
	return released
}

func recordNames(t *stateTable, replica resource.ReplicaID, changes NameChanges, index int64) []resource.Conflict {
	var conflicts []resource.Conflict
	pending := make(map[resource.ID]resource.State)
	get := func(id resource.ID) resource.State {
		if st, ok := pending[id]; ok {
			return st
		}
		return t.get(id)
	}

	apply := func(ids []resource.ID, mark func(resource.State, resource.ReplicaID, int64) (resource.State, *resource.Conflict)) {
		for _, id := range ids {
			if id.Kind != resource.KindNameToken {
				conflicts = append(conflicts, resource.Conflict{ID: id, Reason: resource.ReasonInvalid})
				continue
			}

			st, conflict := mark(get(id), replica, index)
			if conflict != nil {
				conflicts = append(conflicts, *conflict)
				continue
			}
			pending[id] = st
		}
	}

	// A package may free a name and consume it again, so discards are recorded first.
	apply(changes.Discarded, resource.MarkDiscarded)
	apply(changes.Used, resource.MarkUsed)

	if len(conflicts) > 0 {
		return conflicts
	}

	for _, st := range pending {
		t.put(st)
	}
	return nil
}

// requireExclusive checks that replica holds every structural resource it pushes changes to.
func requireExclusive(t *stateTable, replica resource.ReplicaID, ids []resource.ID, asOf int64) []resource.Conflict {
	var conflicts []resource.Conflict
	for _, id := range ids {
		st := t.get(id)
		if id.Kind == resource.KindStructural && st.HeldBy(replica) == resource.LevelExclusive {
			continue
		}

		conflict := resource.Evaluate(st, replica, resource.Claim{ID: id, Level: resource.LevelExclusive}, asOf)
		if conflict == nil {
			conflict = &resource.Conflict{ID: id, Reason: resource.ReasonLockNotHeld}
		}
		conflicts = append(conflicts, *conflict)
	}
	return conflicts
}

func stampIDs(t *stateTable, replica resource.ReplicaID, ids []resource.ID, index int64) {
	for _, id := range ids {
		t.put(resource.Stamp(t.get(id), replica, index))
	}
}

// resourceKey is the stable textual identity of a resource used as storage key.
func resourceKey(id resource.ID) string {
	key, err := json.Marshal(id)
	if err != nil {
		// ID only contains plain fields, Kind is validated before it reaches storage.
		panic(fmt.Sprintf("encode resource key: %v", err))
	}
	return string(key)
}

func holderIDs(st resource.State) []int64 {
	if st.ID.Kind == resource.KindNameToken {
		if st.Token.Status == resource.TokenReserved {
			return []int64{int64(st.Token.Replica)}
		}
		return []int64{}
	}

	holders := make([]int64, len(st.Holders))
	for i, h := range st.Holders {
		holders[i] = int64(h.Replica)
	}
	return holders
}

func dedupeIDs(ids []resource.ID) []resource.ID {
	seen := make(map[resource.ID]struct{}, len(ids))
	unique := make([]resource.ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	resource.SortIDs(unique)
	return unique
}
