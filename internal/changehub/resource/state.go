package resource

import (
	"fmt"
	"sort"
)

// Holder is one replica's lock on a structural resource.
type Holder struct {
	Replica ReplicaID `json:"replica"`
	Level   Level     `json:"level"`
	// PushedIndex is the index of the latest change package pushed by Replica that touched
	// the resource while the lock was held. Zero if nothing was pushed yet.
	PushedIndex int64 `json:"pushed_index,omitempty"`
}

// TokenStatus is the lifecycle state of a name token.
type TokenStatus string

const (
	// TokenAvailable tokens may be reserved by any replica.
	TokenAvailable TokenStatus = "available"
	// TokenReserved tokens are held by exactly one replica.
	TokenReserved TokenStatus = "reserved"
	// TokenUsed tokens are consumed by a pushed change package.
	TokenUsed TokenStatus = "used"
	// TokenDiscarded tokens were freed by a pushed change package.
	TokenDiscarded TokenStatus = "discarded"
)

// TokenState is the state of a name token. Replica is the reserving replica for Reserved and
// the pushing replica for Used and Discarded. PackageIndex is the index of the change package
// that used or discarded the name.
type TokenState struct {
	Status       TokenStatus `json:"status"`
	Replica      ReplicaID   `json:"replica,omitempty"`
	PackageIndex int64       `json:"package_index,omitempty"`
}

func (ts TokenState) String() string {
	switch ts.Status {
	case TokenReserved:
		return fmt.Sprintf("reserved by %d", ts.Replica)
	case TokenUsed, TokenDiscarded:
		return fmt.Sprintf("%s@%d", ts.Status, ts.PackageIndex)
	default:
		return string(TokenAvailable)
	}
}

// State is the ledger's record of one resource. Structural resources use Holders and
// ReleasedWithIndex, name tokens use Token. A resource without any record is in the zero
// State: unlocked, or Available for names.
type State struct {
	ID                ID         `json:"id"`
	Holders           []Holder   `json:"holders,omitempty"`
	ReleasedWithIndex int64      `json:"released_with_index,omitempty"`
	Token             TokenState `json:"token,omitempty"`
}

// EmptyState returns the state of a resource the ledger has no record of.
func EmptyState(id ID) State {
	st := State{ID: id}
	if id.Kind == KindNameToken {
		st.Token = TokenState{Status: TokenAvailable}
	}
	return st
}

// IsEmpty reports whether the state carries no information beyond EmptyState, so the
// record can be dropped.
func (st State) IsEmpty() bool {
	if st.ID.Kind == KindNameToken {
		return st.Token.Status == "" || st.Token.Status == TokenAvailable
	}
	return len(st.Holders) == 0 && st.ReleasedWithIndex == 0
}

// HeldBy returns the level at which replica holds the resource. Name tokens reserved by
// the replica are reported as LevelExclusive.
func (st State) HeldBy(replica ReplicaID) Level {
	if st.ID.Kind == KindNameToken {
		if st.Token.Status == TokenReserved && st.Token.Replica == replica {
			return LevelExclusive
		}
		return LevelNone
	}

	for _, h := range st.Holders {
		if h.Replica == replica {
			return h.Level
		}
	}
	return LevelNone
}

func (st State) clone() State {
	if st.Holders != nil {
		st.Holders = append([]Holder(nil), st.Holders...)
	}
	return st
}

func sortHolders(holders []Holder) {
	sort.Slice(holders, func(i, j int) bool { return holders[i].Replica < holders[j].Replica })
}

// ConflictReason explains why a claim cannot be granted.
type ConflictReason string

const (
	// ReasonLockHeld means another replica holds an incompatible lock.
	ReasonLockHeld ConflictReason = "lock_held"
	// ReasonNameReserved means another replica reserved the name.
	ReasonNameReserved ConflictReason = "name_reserved"
	// ReasonNameUsed means the name is consumed by a pushed change package.
	ReasonNameUsed ConflictReason = "name_used"
	// ReasonRevisionRequired means the claim is only obtainable after pulling up to
	// RequiredIndex.
	ReasonRevisionRequired ConflictReason = "revision_required"
	// ReasonLockNotHeld means a push touches a structural resource the replica could lock
	// but does not hold.
	ReasonLockNotHeld ConflictReason = "lock_not_held"
	// ReasonInvalid means the claim itself is malformed.
	ReasonInvalid ConflictReason = "invalid_claim"
)

// Conflict describes one claim that cannot be granted.
type Conflict struct {
	ID     ID             `json:"id"`
	Reason ConflictReason `json:"reason"`
	// Holder is the replica holding, reserving or having used the resource.
	Holder ReplicaID `json:"holder,omitempty"`
	// Level is the level Holder holds the resource at.
	Level Level `json:"level,omitempty"`
	// RequiredIndex is the index the requester must pull to for ReasonRevisionRequired.
	RequiredIndex int64 `json:"required_index,omitempty"`
}

func (c Conflict) String() string {
	switch c.Reason {
	case ReasonRevisionRequired:
		return fmt.Sprintf("%s: pull to index %d required", c.ID, c.RequiredIndex)
	case ReasonLockHeld:
		return fmt.Sprintf("%s: held %s by replica %d", c.ID, c.Level, c.Holder)
	case ReasonNameReserved:
		return fmt.Sprintf("%s: reserved by replica %d", c.ID, c.Holder)
	case ReasonNameUsed:
		return fmt.Sprintf("%s: used by replica %d", c.ID, c.Holder)
	default:
		return fmt.Sprintf("%s: %s", c.ID, c.Reason)
	}
}

// OnlyRevisionRequired reports whether every conflict is resolved by pulling, and returns
// the highest index required.
func OnlyRevisionRequired(conflicts []Conflict) (int64, bool) {
	if len(conflicts) == 0 {
		return 0, false
	}

	var required int64
	for _, c := range conflicts {
		if c.Reason != ReasonRevisionRequired {
			return 0, false
		}
		if c.RequiredIndex > required {
			required = c.RequiredIndex
		}
	}
	return required, true
}
