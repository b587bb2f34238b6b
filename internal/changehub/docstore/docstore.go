// Package docstore is the checkout's local copy of a document. The synchronizer only drives
// it through Store: applying pulled packages, listing the pending local edits, naming the
// resources they touch and turning them into a payload.
package docstore

import (
	"context"

	"gitlab.com/gitlab-org/changehub/internal/changehub/changepkg"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
)

// Store is a local document the synchronizer keeps in step with the hub.
type Store interface {
	// Tip returns the position of the last package applied to the document.
	Tip(ctx context.Context) (changepkg.Link, error)
	// Apply merges a pulled package into the document and advances the tip to it. A payload
	// that contradicts the document fails with commonerr.ApplyError and leaves the document
	// untouched.
	Apply(ctx context.Context, pkg changepkg.Package, payload []byte) error
	// PendingEdits returns the local edits not pushed yet.
	PendingEdits(ctx context.Context) (Edits, error)
	// ResourcesTouched returns the claims edits need and the name bookkeeping pushing them
	// requires.
	ResourcesTouched(edits Edits) Resources
	// Commit encodes edits as a package payload. Equal edits always encode to equal payloads.
	Commit(edits Edits) ([]byte, error)
	// MarkPushed records that pkg, built from edits, was accepted by the hub.
	MarkPushed(ctx context.Context, pkg changepkg.Package, edits Edits) error
	// Bookkeeping returns the name bookkeeping not yet recorded by the hub.
	Bookkeeping(ctx context.Context) ([]Bookkeeping, error)
	// SetBookkeeping replaces the pending name bookkeeping.
	SetBookkeeping(ctx context.Context, pending []Bookkeeping) error
}

// OpKind is the kind of an edit.
type OpKind string

const (
	// OpCreate adds an element.
	OpCreate OpKind = "create"
	// OpUpdate changes the name or the value of an element.
	OpUpdate OpKind = "update"
	// OpDelete removes an element.
	OpDelete OpKind = "delete"
)

// Op is one edit of an element. PreviousName is the name the element had before an update or
// a delete.
type Op struct {
	Kind         OpKind `json:"op"`
	Key          uint64 `json:"key"`
	Name         string `json:"name,omitempty"`
	Value        string `json:"value,omitempty"`
	PreviousName string `json:"previous_name,omitempty"`
}

// Edits are pending local edits, one op per element, ordered by key.
type Edits struct {
	Ops []Op `json:"ops"`
}

// Empty reports whether there is nothing to push.
func (e Edits) Empty() bool { return len(e.Ops) == 0 }

// Resources are what pushing a set of edits involves on the hub.
type Resources struct {
	// Claims must be held before pushing.
	Claims []resource.Claim
	// Modified are the structural resources the package changes.
	Modified []resource.ID
	// Used are the names the package starts using.
	Used []resource.ID
	// Discarded are the names the package frees.
	Discarded []resource.ID
}

// Bookkeeping is the name bookkeeping of the package PackageID at Index. It is not Confirmed
// while the package's fate is unknown: it was sent to the hub but no answer came back.
type Bookkeeping struct {
	PackageID string        `json:"package_id"`
	Index     int64         `json:"index"`
	Confirmed bool          `json:"confirmed,omitempty"`
	Used      []resource.ID `json:"used,omitempty"`
	Discarded []resource.ID `json:"discarded,omitempty"`
}

// Empty reports whether there is nothing to record.
func (b Bookkeeping) Empty() bool { return len(b.Used) == 0 && len(b.Discarded) == 0 }
