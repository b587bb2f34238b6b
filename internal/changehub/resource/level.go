package resource

import (
	"fmt"
	"sort"
)

// Level is the strength of a lock.
type Level int

const (
	// LevelNone means the resource is not locked.
	LevelNone Level = iota
	// LevelShared may be held by any number of replicas at once.
	LevelShared
	// LevelExclusive may be held by a single replica and excludes shared holders.
	LevelExclusive
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelShared:
		return "shared"
	case LevelExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// MarshalText encodes the level by its name.
func (l Level) MarshalText() ([]byte, error) {
	if l < LevelNone || l > LevelExclusive {
		return nil, fmt.Errorf("unknown lock level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level encoded by MarshalText.
func (l *Level) UnmarshalText(text []byte) error {
	level, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// ParseLevel parses the name of a level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "none", "":
		return LevelNone, nil
	case "shared":
		return LevelShared, nil
	case "exclusive":
		return LevelExclusive, nil
	default:
		return LevelNone, fmt.Errorf("unknown lock level %q", s)
	}
}

// LevelsCompatible reports whether a lock held at level held can coexist with a new request
// at level requested. A replica is always compatible with its own holdings, which makes
// re-acquisition idempotent.
func LevelsCompatible(held Level, sameReplica bool, requested Level) bool {
	if sameReplica {
		return true
	}

	if held == LevelNone || requested == LevelNone {
		return true
	}

	return held == LevelShared && requested == LevelShared
}

// SortClaims sorts claims by identity.
func SortClaims(claims []Claim) {
	sort.Slice(claims, func(i, j int) bool { return claims[i].ID.Less(claims[j].ID) })
}

// SortIDs sorts identities.
func SortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}
