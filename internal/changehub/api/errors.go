package api

import (
	"errors"
	"fmt"
	"net/http"

	"gitlab.com/gitlab-org/changehub/internal/changehub/commonerr"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
)

// Reason tells the client which typed error a failed response stands for.
type Reason string

const (
	ReasonConflict         Reason = "conflict"
	ReasonRevisionRequired Reason = "revision_required"
	ReasonTipMoved         Reason = "tip_moved"
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonUnauthenticated  Reason = "unauthenticated"
	ReasonChainIntegrity   Reason = "chain_integrity"
	ReasonReplicaNotFound  Reason = "replica_not_found"
	ReasonPayloadMissing   Reason = "payload_missing"
	ReasonNotFound         Reason = "not_found"
	ReasonInvalidRequest   Reason = "invalid_request"
	ReasonInternal         Reason = "internal"
)

// Error is the body of every failed response.
type Error struct {
	Message string `json:"error"`
	Reason  Reason `json:"reason"`

	Conflicts        []resource.Conflict `json:"conflicts,omitempty"`
	RequiredIndex    int64               `json:"required_index,omitempty"`
	Tip              int64               `json:"tip,omitempty"`
	Index            int64               `json:"index,omitempty"`
	ExpectedParentID string              `json:"expected_parent_id,omitempty"`
	ParentID         string              `json:"parent_id,omitempty"`
	Subject          string              `json:"subject,omitempty"`
	Replica          resource.ReplicaID  `json:"replica,omitempty"`
}

// FromError returns the HTTP status and the body describing err.
func FromError(err error) (int, Error) {
	body := Error{Message: err.Error()}

	var (
		conflictErr   commonerr.ConflictError
		revisionErr   commonerr.RevisionRequiredError
		tipMovedErr   commonerr.TipMovedError
		permissionErr commonerr.PermissionDeniedError
		chainErr      commonerr.ChainIntegrityError
	)

	switch {
	case errors.As(err, &conflictErr):
		body.Reason = ReasonConflict
		body.Conflicts = conflictErr.Conflicts
		return http.StatusConflict, body
	case errors.As(err, &revisionErr):
		body.Reason = ReasonRevisionRequired
		body.RequiredIndex = revisionErr.RequiredIndex
		body.Conflicts = revisionErr.Conflicts
		return http.StatusConflict, body
	case errors.As(err, &tipMovedErr):
		body.Reason = ReasonTipMoved
		body.Tip = tipMovedErr.Tip
		return http.StatusConflict, body
	case errors.As(err, &chainErr):
		body.Reason = ReasonChainIntegrity
		body.Index = chainErr.Index
		body.ExpectedParentID = chainErr.ExpectedParentID
		body.ParentID = chainErr.ParentID
		return http.StatusConflict, body
	case errors.As(err, &permissionErr):
		body.Reason = ReasonPermissionDenied
		body.Subject = permissionErr.Subject
		body.Replica = permissionErr.Replica
		return http.StatusForbidden, body
	case errors.Is(err, commonerr.ErrUnauthenticated):
		body.Reason = ReasonUnauthenticated
		return http.StatusUnauthorized, body
	case errors.Is(err, commonerr.ErrReplicaNotFound):
		body.Reason = ReasonReplicaNotFound
		return http.StatusNotFound, body
	case errors.Is(err, commonerr.ErrPayloadMissing):
		body.Reason = ReasonPayloadMissing
		return http.StatusNotFound, body
	case errors.Is(err, commonerr.ErrDocumentNotFound):
		body.Reason = ReasonNotFound
		return http.StatusNotFound, body
	case errors.Is(err, commonerr.ErrInvalidRequest):
		body.Reason = ReasonInvalidRequest
		return http.StatusBadRequest, body
	default:
		body.Reason = ReasonInternal
		return http.StatusInternalServerError, body
	}
}

// Err converts the body of a failed response with the given status back into the typed
// error the hub returned.
func (e Error) Err(status int) error {
	switch e.Reason {
	case ReasonConflict:
		return commonerr.ConflictError{Conflicts: e.Conflicts}
	case ReasonRevisionRequired:
		return commonerr.RevisionRequiredError{RequiredIndex: e.RequiredIndex, Conflicts: e.Conflicts}
	case ReasonTipMoved:
		return commonerr.TipMovedError{Tip: e.Tip}
	case ReasonChainIntegrity:
		return commonerr.ChainIntegrityError{Index: e.Index, ExpectedParentID: e.ExpectedParentID, ParentID: e.ParentID}
	case ReasonPermissionDenied:
		return commonerr.PermissionDeniedError{Subject: e.Subject, Replica: e.Replica}
	case ReasonUnauthenticated:
		return fmt.Errorf("%w: %s", commonerr.ErrUnauthenticated, e.Message)
	case ReasonReplicaNotFound:
		return fmt.Errorf("%w: %s", commonerr.ErrReplicaNotFound, e.Message)
	case ReasonPayloadMissing:
		return fmt.Errorf("%w: %s", commonerr.ErrPayloadMissing, e.Message)
	case ReasonNotFound:
		return fmt.Errorf("%w: %s", commonerr.ErrDocumentNotFound, e.Message)
	case ReasonInvalidRequest:
		return fmt.Errorf("%w: %s", commonerr.ErrInvalidRequest, e.Message)
	default:
		return fmt.Errorf("hub returned %d: %s", status, e.Message)
	}
}
