// Package api holds the JSON shapes exchanged between the hub and its checkouts, and the
// mapping of the hub's typed errors onto HTTP responses and back.
package api

import (
	"gitlab.com/gitlab-org/changehub/internal/changehub/changepkg"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
)

// Replica is a registered checkout of a document.
type Replica struct {
	ID       resource.ReplicaID `json:"id"`
	Document string             `json:"document"`
	Owner    string             `json:"owner"`
}

// ClaimsRequest asks for the availability or the acquisition of claims by a replica that
// pulled up to AsOf.
type ClaimsRequest struct {
	Claims []resource.Claim `json:"claims"`
	AsOf   int64            `json:"as_of"`
}

// ConflictsResponse lists the claims that cannot be granted. An empty list means available
// or granted.
type ConflictsResponse struct {
	Conflicts []resource.Conflict `json:"conflicts"`
}

// IDsRequest names resources.
type IDsRequest struct {
	IDs []resource.ID `json:"ids"`
}

// ReleasedResponse lists the resources a release dropped.
type ReleasedResponse struct {
	Released []resource.ID `json:"released"`
}

// StatesResponse carries resource states.
type StatesResponse struct {
	States []resource.State `json:"states"`
}

// NamesRequest is the name bookkeeping of the package at Index.
type NamesRequest struct {
	Discarded []resource.ID `json:"discarded,omitempty"`
	Used      []resource.ID `json:"used,omitempty"`
	Index     int64         `json:"index"`
}

// PushRequest creates a package on top of ParentIndex from an uploaded payload.
type PushRequest struct {
	Replica              resource.ReplicaID `json:"replica"`
	ParentIndex          int64              `json:"parent_index"`
	ParentID             string             `json:"parent_id"`
	PayloadDigest        string             `json:"payload_digest"`
	Description          string             `json:"description,omitempty"`
	ContainsSchemaChange bool               `json:"contains_schema_change,omitempty"`
	Resources            []resource.ID      `json:"resources,omitempty"`
}

// PackagesResponse is one page of the history.
type PackagesResponse struct {
	Packages []changepkg.Package `json:"packages"`
}

// Tip is sent on the watch stream after every push.
type Tip struct {
	Index int64  `json:"index"`
	ID    string `json:"id"`
}
