// Package resource defines the identities that can be locked or name-reserved inside a
// document and the pure rules deciding whether a claim on them can be granted. Both the
// hub's datastores and the checkout's reservation cache evaluate claims with the functions
// of this package so that they can never disagree on the outcome.
package resource

import (
	"errors"
	"fmt"
	"strings"
)

// ReplicaID identifies a checkout of a document. Identifiers are small positive integers
// handed out by the hub on registration.
type ReplicaID int64

// NoReplica is the zero ReplicaID. It never identifies a registered checkout.
const NoReplica ReplicaID = 0

// Kind discriminates the two variants of ID.
type Kind int

const (
	// KindStructural identifies an addressable part of the document.
	KindStructural Kind = iota + 1
	// KindNameToken identifies a reservation over a human-readable name.
	KindNameToken
)

func (k Kind) String() string {
	switch k {
	case KindStructural:
		return "structural"
	case KindNameToken:
		return "name"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText encodes the kind by its name.
func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case KindStructural, KindNameToken:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("unknown resource kind %d", int(k))
	}
}

// UnmarshalText decodes a kind encoded by MarshalText.
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "structural":
		*k = KindStructural
	case "name":
		*k = KindNameToken
	default:
		return fmt.Errorf("unknown resource kind %q", text)
	}
	return nil
}

// ID is a tagged variant: either Structural(Key) or NameToken(Namespace, Scope, Text).
// Fields that do not belong to the variant are always zero, which keeps ID comparable and
// usable as a map key.
type ID struct {
	Kind      Kind   `json:"kind"`
	Key       uint64 `json:"key,omitempty"`
	Namespace uint64 `json:"namespace,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Structural returns the identity of a structural resource.
func Structural(key uint64) ID {
	return ID{Kind: KindStructural, Key: key}
}

// Name returns the identity of a name token.
func Name(namespace uint64, scope, text string) ID {
	return ID{Kind: KindNameToken, Namespace: namespace, Scope: scope, Text: text}
}

// Classify returns the variant of the identity.
func Classify(id ID) Kind { return id.Kind }

var errInvalidID = errors.New("invalid resource id")

// Validate checks that only the fields of the identity's variant are set.
func (id ID) Validate() error {
	switch id.Kind {
	case KindStructural:
		if id.Namespace != 0 || id.Scope != "" || id.Text != "" {
			return fmt.Errorf("%w: structural id %d carries name fields", errInvalidID, id.Key)
		}
	case KindNameToken:
		if id.Key != 0 {
			return fmt.Errorf("%w: name token %q carries a structural key", errInvalidID, id.Text)
		}
		if id.Text == "" {
			return fmt.Errorf("%w: name token without text", errInvalidID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", errInvalidID, int(id.Kind))
	}
	return nil
}

func (id ID) String() string {
	if id.Kind == KindNameToken {
		return fmt.Sprintf("name:%d/%s/%s", id.Namespace, id.Scope, id.Text)
	}
	return fmt.Sprintf("structural:%#x", id.Key)
}

// Less orders identities: structural before names, then by fields.
func (id ID) Less(other ID) bool {
	if id.Kind != other.Kind {
		return id.Kind < other.Kind
	}
	if id.Key != other.Key {
		return id.Key < other.Key
	}
	if id.Namespace != other.Namespace {
		return id.Namespace < other.Namespace
	}
	if c := strings.Compare(id.Scope, other.Scope); c != 0 {
		return c < 0
	}
	return id.Text < other.Text
}

// Claim is a request to hold ID at Level. Claims on name tokens are reservations and always
// carry LevelExclusive.
type Claim struct {
	ID    ID    `json:"id"`
	Level Level `json:"level"`
}

// Lock returns a claim on a structural resource.
func Lock(key uint64, level Level) Claim {
	return Claim{ID: Structural(key), Level: level}
}

// Reserve returns a claim reserving a name token.
func Reserve(id ID) Claim {
	return Claim{ID: id, Level: LevelExclusive}
}

func (c Claim) String() string {
	if c.ID.Kind == KindNameToken {
		return "reserve " + c.ID.String()
	}
	return c.Level.String() + " " + c.ID.String()
}

// Validate checks the claim is well formed.
func (c Claim) Validate() error {
	if err := c.ID.Validate(); err != nil {
		return err
	}
	if c.Level < LevelNone || c.Level > LevelExclusive {
		return fmt.Errorf("%w: level %d", errInvalidID, int(c.Level))
	}
	if c.ID.Kind == KindNameToken && c.Level != LevelExclusive {
		return fmt.Errorf("%w: name token %s claimed at %s", errInvalidID, c.ID, c.Level)
	}
	return nil
}

// IDs returns the identities of the claims in the given order.
func IDs(claims []Claim) []ID {
	ids := make([]ID, len(claims))
	for i, c := range claims {
		ids[i] = c.ID
	}
	return ids
}

// MergeClaims folds duplicate identities into one claim at the highest requested level.
// The result is sorted.
func MergeClaims(claims []Claim) []Claim {
	byID := make(map[ID]Level, len(claims))
	for _, c := range claims {
		if cur, ok := byID[c.ID]; !ok || c.Level > cur {
			byID[c.ID] = c.Level
		}
	}

	merged := make([]Claim, 0, len(byID))
	for id, level := range byID {
		merged = append(merged, Claim{ID: id, Level: level})
	}
	SortClaims(merged)
	return merged
}
