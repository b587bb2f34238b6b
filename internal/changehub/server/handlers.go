package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"gitlab.com/gitlab-org/changehub/internal/changehub/api"
	"gitlab.com/gitlab-org/changehub/internal/changehub/changepkg"
	"gitlab.com/gitlab-org/changehub/internal/changehub/commonerr"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
)

func (h *hub) registerReplica(w http.ResponseWriter, r *http.Request) error {
	doc, err := document(r)
	if err != nil {
		return err
	}

	replica, err := h.Store.RegisterReplica(r.Context(), doc, identity(r).Subject)
	if err != nil {
		return err
	}

	writeJSON(w, r, http.StatusCreated, api.Replica{ID: replica.ID, Document: replica.Document, Owner: replica.Owner})
	return nil
}

func (h *hub) abandonReplica(w http.ResponseWriter, r *http.Request) error {
	doc, err := document(r)
	if err != nil {
		return err
	}

	replica, err := replicaVar(r)
	if err != nil {
		return err
	}

	if err := requireAdmin(r, replica); err != nil {
		return err
	}

	released, err := h.Store.AbandonReplica(r.Context(), doc, replica)
	if err != nil {
		return err
	}

	writeJSON(w, r, http.StatusOK, api.ReleasedResponse{Released: nonNilIDs(released)})
	return nil
}

func (h *hub) heldReservations(w http.ResponseWriter, r *http.Request) error {
	doc, replica, err := h.authorizedReplica(r)
	if err != nil {
		return err
	}

	states, err := h.Store.HeldBy(r.Context(), doc, replica)
	if err != nil {
		return err
	}

	writeJSON(w, r, http.StatusOK, api.StatesResponse{States: nonNilStates(states)})
	return nil
}

func (h *hub) availability(w http.ResponseWriter, r *http.Request) error {
	return h.evaluateClaims(w, r, h.Store.AreAvailable)
}

func (h *hub) acquire(w http.ResponseWriter, r *http.Request) error {
	return h.evaluateClaims(w, r, h.Store.Acquire)
}

type claimsFunc func(ctx context.Context, document string, replica resource.ReplicaID, claims []resource.Claim, asOf int64) ([]resource.Conflict, error)

// evaluateClaims answers conflicts with 200: a denied claim is a regular outcome of the
// request, the caller decides whether it is an error.
func (h *hub) evaluateClaims(w http.ResponseWriter, r *http.Request, fn claimsFunc) error {
	doc, replica, err := h.authorizedReplica(r)
	if err != nil {
		return err
	}

	var req api.ClaimsRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.AsOf < 0 {
		return fmt.Errorf("%w: negative as_of %d", commonerr.ErrInvalidRequest, req.AsOf)
	}

	conflicts, err := fn(r.Context(), doc, replica, req.Claims, req.AsOf)
	if err != nil {
		return err
	}

	writeJSON(w, r, http.StatusOK, api.ConflictsResponse{Conflicts: nonNilConflicts(conflicts)})
	return nil
}

func (h *hub) release(w http.ResponseWriter, r *http.Request) error {
	doc, replica, err := h.authorizedReplica(r)
	if err != nil {
		return err
	}

	var req api.IDsRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	released, err := h.Store.Release(r.Context(), doc, replica, req.IDs)
	if err != nil {
		return err
	}

	writeJSON(w, r, http.StatusOK, api.ReleasedResponse{Released: nonNilIDs(released)})
	return nil
}

func (h *hub) relinquish(w http.ResponseWriter, r *http.Request) error {
	doc, replica, err := h.authorizedReplica(r)
	if err != nil {
		return err
	}

	released, err := h.Store.RelinquishAll(r.Context(), doc, replica)
	if err != nil {
		return err
	}

	writeJSON(w, r, http.StatusOK, api.ReleasedResponse{Released: nonNilIDs(released)})
	return nil
}

func (h *hub) names(w http.ResponseWriter, r *http.Request) error {
	doc, replica, err := h.authorizedReplica(r)
	if err != nil {
		return err
	}

	var req api.NamesRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	conflicts, err := h.Store.DiscardOrReserveNames(r.Context(), doc, replica,
		datastore.NameChanges{Discarded: req.Discarded, Used: req.Used}, req.Index)
	if err != nil {
		return err
	}

	writeJSON(w, r, http.StatusOK, api.ConflictsResponse{Conflicts: nonNilConflicts(conflicts)})
	return nil
}

func (h *hub) listReservations(w http.ResponseWriter, r *http.Request) error {
	doc, err := document(r)
	if err != nil {
		return err
	}

	states, err := h.Store.ListStates(r.Context(), doc)
	if err != nil {
		return err
	}

	writeJSON(w, r, http.StatusOK, api.StatesResponse{States: nonNilStates(states)})
	return nil
}

func (h *hub) queryState(w http.ResponseWriter, r *http.Request) error {
	doc, err := document(r)
	if err != nil {
		return err
	}

	var req api.IDsRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	byID, err := h.Store.QueryState(r.Context(), doc, req.IDs)
	if err != nil {
		return err
	}

	states := make([]resource.State, 0, len(req.IDs))
	for _, id := range req.IDs {
		states = append(states, byID[id])
	}

	writeJSON(w, r, http.StatusOK, api.StatesResponse{States: states})
	return nil
}

func (h *hub) queryAfter(w http.ResponseWriter, r *http.Request) error {
	doc, err := document(r)
	if err != nil {
		return err
	}

	after, err := intParam(r, "after", 0)
	if err != nil {
		return err
	}

	limit, err := intParam(r, "limit", int64(h.History.PageSize))
	if err != nil {
		return err
	}
	if limit > int64(h.History.PageSize) {
		limit = int64(h.History.PageSize)
	}

	packages, err := h.Store.QueryAfter(r.Context(), doc, after, int(limit))
	if err != nil {
		return err
	}
	if packages == nil {
		packages = []changepkg.Package{}
	}

	writeJSON(w, r, http.StatusOK, api.PackagesResponse{Packages: packages})
	return nil
}

func (h *hub) push(w http.ResponseWriter, r *http.Request) error {
	var req api.PushRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	doc, _, err := h.authorize(r, req.Replica)
	if err != nil {
		return err
	}

	pkg, err := h.Store.CreateAndPush(r.Context(), doc, datastore.PushRequest{
		Replica:              req.Replica,
		ParentIndex:          req.ParentIndex,
		ParentID:             req.ParentID,
		PayloadDigest:        req.PayloadDigest,
		Description:          req.Description,
		ContainsSchemaChange: req.ContainsSchemaChange,
		Resources:            req.Resources,
	})
	if err != nil {
		return err
	}

	writeJSON(w, r, http.StatusCreated, pkg)
	return nil
}

func (h *hub) tip(w http.ResponseWriter, r *http.Request) error {
	doc, err := document(r)
	if err != nil {
		return err
	}

	tip, err := h.Store.Tip(r.Context(), doc)
	if err != nil {
		return err
	}

	writeJSON(w, r, http.StatusOK, api.Tip{Index: tip.Index, ID: tip.ID})
	return nil
}

func (h *hub) putPayload(w http.ResponseWriter, r *http.Request) error {
	doc, err := document(r)
	if err != nil {
		return err
	}

	digest := mux.Vars(r)["digest"]
	if !changepkg.ValidDigest(digest) {
		return fmt.Errorf("%w: bad digest %q", commonerr.ErrInvalidRequest, digest)
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.History.MaxPayloadBytes))
	if err != nil {
		return fmt.Errorf("%w: read payload: %v", commonerr.ErrInvalidRequest, err)
	}

	if err := h.Store.PutPayload(r.Context(), doc, digest, payload); err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *hub) getPayload(w http.ResponseWriter, r *http.Request) error {
	doc, err := document(r)
	if err != nil {
		return err
	}

	digest := mux.Vars(r)["digest"]
	if !changepkg.ValidDigest(digest) {
		return fmt.Errorf("%w: bad digest %q", commonerr.ErrInvalidRequest, digest)
	}

	payload, err := h.Store.GetPayload(r.Context(), doc, digest)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		ctxlogrus.Extract(r.Context()).WithError(err).Warn("write payload")
	}
	return nil
}

func intParam(r *http.Request, name string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s %q", commonerr.ErrInvalidRequest, name, raw)
	}
	return v, nil
}

func nonNilIDs(ids []resource.ID) []resource.ID {
	if ids == nil {
		return []resource.ID{}
	}
	return ids
}

func nonNilStates(states []resource.State) []resource.State {
	if states == nil {
		return []resource.State{}
	}
	return states
}

func nonNilConflicts(conflicts []resource.Conflict) []resource.Conflict {
	if conflicts == nil {
		return []resource.Conflict{}
	}
	return conflicts
}
