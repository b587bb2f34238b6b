// Package changepkg models the append-only change-package history of a document.
package changepkg

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"gitlab.com/gitlab-org/changehub/internal/changehub/commonerr"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
)

// Package is one atomic delta of a document's history. The payload itself is stored
// separately and addressed by PayloadDigest.
type Package struct {
	ID                   string             `json:"id"`
	Index                int64              `json:"index"`
	ParentID             string             `json:"parent_id,omitempty"`
	Replica              resource.ReplicaID `json:"replica"`
	CreatedAt            time.Time          `json:"created_at"`
	Description          string             `json:"description,omitempty"`
	ContainsSchemaChange bool               `json:"contains_schema_change,omitempty"`
	PayloadDigest        string             `json:"payload_digest"`
	PayloadSize          int64              `json:"payload_size"`
}

// Link is the position of a package in the chain.
type Link struct {
	Index int64  `json:"index"`
	ID    string `json:"id,omitempty"`
}

// Root is the position before the first package.
var Root = Link{}

// Link returns the position of the package.
func (p Package) Link() Link { return Link{Index: p.Index, ID: p.ID} }

// Digest returns the address of a payload.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ComputeID returns the content id of a package with the given parent and payload. Ids
// differ for identical payloads on different parents, so a package id pins its whole prefix.
func ComputeID(parentID, payloadDigest string) string {
	sum := sha256.Sum256([]byte(parentID + ":" + payloadDigest))
	return hex.EncodeToString(sum[:])
}

// ValidDigest reports whether s looks like a payload digest.
func ValidDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// VerifyPayload checks that payload is the one pkg references.
func VerifyPayload(pkg Package, payload []byte) error {
	if digest := Digest(payload); digest != pkg.PayloadDigest {
		return fmt.Errorf("package %d: payload digest %s does not match %s", pkg.Index, digest, pkg.PayloadDigest)
	}
	return nil
}

// ValidateChain checks that packages continue the chain after base: indexes increase by one
// and every package links to its predecessor and carries its content id. Violations are
// reported as commonerr.ChainIntegrityError.
func ValidateChain(base Link, packages []Package) error {
	prev := base
	for _, pkg := range packages {
		if pkg.Index != prev.Index+1 || pkg.ParentID != prev.ID {
			return commonerr.ChainIntegrityError{
				Index:            pkg.Index,
				ExpectedParentID: prev.ID,
				ParentID:         pkg.ParentID,
			}
		}

		if pkg.ID != ComputeID(pkg.ParentID, pkg.PayloadDigest) {
			return commonerr.ChainIntegrityError{
				Index:            pkg.Index,
				ExpectedParentID: prev.ID,
				ParentID:         pkg.ParentID,
			}
		}

		prev = pkg.Link()
	}
	return nil
}
