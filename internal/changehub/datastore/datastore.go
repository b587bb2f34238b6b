// Package datastore holds the hub's authoritative state: the reservation ledger and the
// change-package history of every document. Each store has an in-memory implementation for
// development and tests and a Postgres implementation for production. Both are exercised by
// the same test suite.
package datastore

import (
	"context"
	"time"

	"gitlab.com/gitlab-org/changehub/internal/changehub/changepkg"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
)

// ChangePackagesChannel is the notification channel announcing new tips.
const ChangePackagesChannel = "change_packages_updates"

// Replica is a registered checkout of a document.
type Replica struct {
	ID       resource.ReplicaID `json:"id"`
	Document string             `json:"document"`
	// Owner is the subject that registered the replica. Only the owner and administrators
	// may act on behalf of the replica.
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

// NameChanges is the name bookkeeping of a pushed package.
type NameChanges struct {
	// Discarded are the names the package frees.
	Discarded []resource.ID `json:"discarded,omitempty"`
	// Used are the names the package consumes.
	Used []resource.ID `json:"used,omitempty"`
}

// Empty reports whether there is nothing to record.
func (nc NameChanges) Empty() bool { return len(nc.Discarded) == 0 && len(nc.Used) == 0 }

// Ledger is the authoritative record of which replica holds which lock or name token.
// Every mutation is atomic per document and visible to the next query.
type Ledger interface {
	// RegisterReplica assigns a new replica identity for the document.
	RegisterReplica(ctx context.Context, document, owner string) (Replica, error)
	// GetReplica returns a registered replica. commonerr.ErrReplicaNotFound is returned for
	// unknown and abandoned replicas.
	GetReplica(ctx context.Context, document string, replica resource.ReplicaID) (Replica, error)
	// ListReplicas returns the live replicas of the document ordered by id.
	ListReplicas(ctx context.Context, document string) ([]Replica, error)
	// AbandonReplica relinquishes everything the replica holds and retires its identity.
	AbandonReplica(ctx context.Context, document string, replica resource.ReplicaID) ([]resource.ID, error)

	// QueryState returns the state of the given resources. Resources without a record are
	// reported in their empty state.
	QueryState(ctx context.Context, document string, ids []resource.ID) (map[resource.ID]resource.State, error)
	// ListStates returns every recorded resource state of the document ordered by identity.
	ListStates(ctx context.Context, document string) ([]resource.State, error)
	// HeldBy returns the states of the resources the replica holds or has reserved.
	HeldBy(ctx context.Context, document string, replica resource.ReplicaID) ([]resource.State, error)

	// AreAvailable evaluates, without mutating, whether every claim could be granted to a
	// replica that pulled up to asOf. No conflicts means available.
	AreAvailable(ctx context.Context, document string, replica resource.ReplicaID, claims []resource.Claim, asOf int64) ([]resource.Conflict, error)
	// Acquire grants every claim or none. The conflicts are returned when nothing was granted.
	Acquire(ctx context.Context, document string, replica resource.ReplicaID, claims []resource.Claim, asOf int64) ([]resource.Conflict, error)
	// Release drops the replica's holdings on the given resources and returns those it held.
	Release(ctx context.Context, document string, replica resource.ReplicaID, ids []resource.ID) ([]resource.ID, error)
	// RelinquishAll drops everything the replica holds and returns what it held.
	RelinquishAll(ctx context.Context, document string, replica resource.ReplicaID) ([]resource.ID, error)
	// DiscardOrReserveNames records, all or nothing, the name bookkeeping of the package at
	// index pushed by the replica.
	DiscardOrReserveNames(ctx context.Context, document string, replica resource.ReplicaID, changes NameChanges, index int64) ([]resource.Conflict, error)
}

// PushRequest asks the history to append a package on top of ParentIndex.
type PushRequest struct {
	Replica              resource.ReplicaID
	ParentIndex          int64
	ParentID             string
	PayloadDigest        string
	Description          string
	ContainsSchemaChange bool
	// Resources are the structural resources the package modifies. The replica must hold
	// them exclusively, and they are stamped with the new index.
	Resources []resource.ID
}

// History is the append-only change-package history of every document.
type History interface {
	// Tip returns the position of the latest package, changepkg.Root if there is none.
	Tip(ctx context.Context, document string) (changepkg.Link, error)
	// QueryAfter returns at most limit packages with an index above after, in index order.
	QueryAfter(ctx context.Context, document string, after int64, limit int) ([]changepkg.Package, error)
	// CreateAndPush appends a package if ParentIndex is the tip. If the tip moved,
	// commonerr.TipMovedError is returned, unless the package right after ParentIndex is
	// the very package requested, which is then returned as is.
	CreateAndPush(ctx context.Context, document string, req PushRequest) (changepkg.Package, error)
	// PutPayload stores a payload under its digest. Storing the same payload again is a no-op.
	PutPayload(ctx context.Context, document, digest string, payload []byte) error
	// GetPayload returns a payload by digest or commonerr.ErrPayloadMissing.
	GetPayload(ctx context.Context, document, digest string) ([]byte, error)
}

// Store is the hub's complete authoritative state.
type Store interface {
	Ledger
	History
}

// TipNotification is the payload sent on ChangePackagesChannel after a push.
type TipNotification struct {
	Document string             `json:"document"`
	Index    int64              `json:"index"`
	ID       string             `json:"id"`
	Replica  resource.ReplicaID `json:"replica"`
}
