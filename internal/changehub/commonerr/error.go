// Package commonerr contains the errors shared between the hub, its datastores and the
// checkout side of the protocol. The HTTP layer maps them to statuses and the client maps the
// statuses back, so callers on both ends match them with errors.As and errors.Is.
package commonerr

import (
	"errors"
	"fmt"
	"strings"

	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
)

// ErrReplicaNotFound is returned when operating on a replica that was never registered or
// has been abandoned.
var ErrReplicaNotFound = errors.New("replica not found")

// ErrPayloadMissing is returned when a change package references a payload that was not
// uploaded.
var ErrPayloadMissing = errors.New("payload missing")

// ErrInvalidRequest is returned for malformed requests.
var ErrInvalidRequest = errors.New("invalid request")

// ErrNothingToPush is returned when a push is requested without pending edits.
var ErrNothingToPush = errors.New("nothing to push")

// ErrUnauthenticated is returned when a request carries no valid credentials.
var ErrUnauthenticated = errors.New("unauthenticated")

// ErrDocumentNotFound is returned when a document has no history.
var ErrDocumentNotFound = errors.New("document not found")

// ConflictError is returned when claims are held, reserved or used by another replica.
type ConflictError struct {
	Conflicts []resource.Conflict
}

// NewConflictError returns a conflict error for the given conflicts.
func NewConflictError(conflicts []resource.Conflict) error {
	return ConflictError{Conflicts: conflicts}
}

// Error returns the error message.
func (err ConflictError) Error() string {
	details := make([]string, len(err.Conflicts))
	for i, c := range err.Conflicts {
		details[i] = c.String()
	}
	return "reservation conflict: " + strings.Join(details, "; ")
}

// RevisionRequiredError is returned when the replica must pull up to RequiredIndex before the
// request can succeed.
type RevisionRequiredError struct {
	RequiredIndex int64
	Conflicts     []resource.Conflict
}

// Error returns the error message.
func (err RevisionRequiredError) Error() string {
	return fmt.Sprintf("revision required: pull to index %d", err.RequiredIndex)
}

// NewReservationError turns the conflicts of a denied request into the matching error. A
// request denied only because the replica's view is stale is a RevisionRequiredError, any
// other denial is a ConflictError. Returns nil if there are no conflicts.
func NewReservationError(conflicts []resource.Conflict) error {
	if len(conflicts) == 0 {
		return nil
	}

	if required, ok := resource.OnlyRevisionRequired(conflicts); ok {
		return RevisionRequiredError{RequiredIndex: required, Conflicts: conflicts}
	}

	return ConflictError{Conflicts: conflicts}
}

// TipMovedError is returned by a push whose parent is no longer the tip of the history.
type TipMovedError struct {
	Tip int64
}

// Error returns the error message.
func (err TipMovedError) Error() string {
	return fmt.Sprintf("tip moved to index %d", err.Tip)
}

// PermissionDeniedError is returned when the caller may not act on behalf of a replica.
type PermissionDeniedError struct {
	Subject string
	Replica resource.ReplicaID
}

// Error returns the error message.
func (err PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %q may not act for replica %d", err.Subject, err.Replica)
}

// ChainIntegrityError is returned when a package does not link to its expected parent. It
// is never retried.
type ChainIntegrityError struct {
	Index            int64
	ExpectedParentID string
	ParentID         string
}

// Error returns the error message.
func (err ChainIntegrityError) Error() string {
	return fmt.Sprintf("chain integrity violated at index %d: expected parent %q, got %q",
		err.Index, err.ExpectedParentID, err.ParentID)
}

// ApplyError is returned when a chain-valid package fails to apply to the local document.
type ApplyError struct {
	Index int64
	Err   error
}

// Error returns the error message.
func (err ApplyError) Error() string {
	return fmt.Sprintf("apply package %d: %v", err.Index, err.Err)
}

// Unwrap returns the underlying error.
func (err ApplyError) Unwrap() error { return err.Err }

// TransportExhaustedError wraps the last transient failure of a call that ran out of
// attempts.
type TransportExhaustedError struct {
	Attempts int
	Err      error
}

// Error returns the error message.
func (err TransportExhaustedError) Error() string {
	return fmt.Sprintf("transport exhausted after %d attempts: %v", err.Attempts, err.Err)
}

// Unwrap returns the last transient error.
func (err TransportExhaustedError) Unwrap() error { return err.Err }
