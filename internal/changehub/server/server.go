// Package server implements the hub: the REST surface over the authoritative reservation
// ledger and change-package history, and the websocket stream announcing new tips.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/changehub/internal/changehub/api"
	"gitlab.com/gitlab-org/changehub/internal/changehub/auth"
	"gitlab.com/gitlab-org/changehub/internal/changehub/commonerr"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore"
	"gitlab.com/gitlab-org/changehub/internal/changehub/metrics"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/tracing"
)

// Dependencies are the collaborators of the hub.
type Dependencies struct {
	Store       datastore.Store
	Verifier    *auth.Verifier
	Broadcaster *Broadcaster
	History     config.History
	// Logger receives one entry per finished request.
	Logger logrus.FieldLogger

	// The metrics are optional.
	RequestLatency  metrics.HistogramVec
	Authentications metrics.CounterVec
	Watchers        metrics.Gauge
}

type hub struct {
	Dependencies
}

// New returns the hub's HTTP handler.
func New(deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Verifier == nil {
		deps.Verifier = auth.NewVerifier(config.Auth{})
	}
	if deps.History.PageSize == 0 {
		deps.History = config.DefaultHistory()
	}

	h := &hub{Dependencies: deps}

	router := mux.NewRouter()
	// Document ids may contain slashes, so they travel path escaped.
	router.UseEncodedPath()
	router.Use(h.logRequests, h.observeLatency, h.authenticate)

	documents := router.PathPrefix("/documents/{document}").Subrouter()

	documents.Handle("/replicas", h.handle(h.registerReplica)).Methods(http.MethodPost)
	documents.Handle("/replicas/{replica}", h.handle(h.abandonReplica)).Methods(http.MethodDelete)
	documents.Handle("/replicas/{replica}/reservations", h.handle(h.heldReservations)).Methods(http.MethodGet)
	documents.Handle("/replicas/{replica}/availability", h.handle(h.availability)).Methods(http.MethodPost)
	documents.Handle("/replicas/{replica}/acquire", h.handle(h.acquire)).Methods(http.MethodPost)
	documents.Handle("/replicas/{replica}/release", h.handle(h.release)).Methods(http.MethodPost)
	documents.Handle("/replicas/{replica}/relinquish", h.handle(h.relinquish)).Methods(http.MethodPost)
	documents.Handle("/replicas/{replica}/names", h.handle(h.names)).Methods(http.MethodPost)
	documents.Handle("/reservations", h.handle(h.listReservations)).Methods(http.MethodGet)
	documents.Handle("/reservations/query", h.handle(h.queryState)).Methods(http.MethodPost)
	documents.Handle("/packages", h.handle(h.queryAfter)).Methods(http.MethodGet)
	documents.Handle("/packages", h.handle(h.push)).Methods(http.MethodPost)
	documents.Handle("/tip", h.handle(h.tip)).Methods(http.MethodGet)
	documents.Handle("/payloads/{digest}", h.handle(h.putPayload)).Methods(http.MethodPut)
	documents.Handle("/payloads/{digest}", h.handle(h.getPayload)).Methods(http.MethodGet)
	documents.HandleFunc("/watch", h.watch).Methods(http.MethodGet)

	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(deps.Logger.WithField("component", "recovery")),
		handlers.PrintRecoveryStack(true),
	)

	return correlation.InjectCorrelationID(recovery(router), correlation.WithPropagation())
}

// handlerFunc handles a request and returns the error to report to the caller.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// handle adapts fn to a traced handler. The watch stream is not traced, a span lasting for
// the whole connection would tell nothing.
func (h *hub) handle(fn handlerFunc) http.Handler {
	return tracing.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			writeError(w, r, err)
		}
	}), tracing.WithRouteIdentifier(routeName))
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := api.FromError(err)

	logger := ctxlogrus.Extract(r.Context()).WithError(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed")
		reportToSentry(r, err)
	} else {
		logger.WithField("reason", body.Reason).Info("request rejected")
	}

	writeJSON(w, r, status, body)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		ctxlogrus.Extract(r.Context()).WithError(err).Warn("write response")
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", commonerr.ErrInvalidRequest, err)
	}
	return nil
}

func document(r *http.Request) (string, error) {
	doc, err := url.PathUnescape(mux.Vars(r)["document"])
	if err != nil || doc == "" {
		return "", fmt.Errorf("%w: bad document %q", commonerr.ErrInvalidRequest, mux.Vars(r)["document"])
	}
	return doc, nil
}

func replicaVar(r *http.Request) (resource.ReplicaID, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["replica"], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad replica %q", commonerr.ErrInvalidRequest, mux.Vars(r)["replica"])
	}
	return resource.ReplicaID(id), nil
}

func identity(r *http.Request) auth.Identity {
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		return id
	}
	// Requests pass the authentication middleware before reaching a handler.
	return auth.Identity{}
}

// authorize resolves the replica addressed by the request and checks the caller may act for
// it.
func (h *hub) authorize(r *http.Request, replica resource.ReplicaID) (string, datastore.Replica, error) {
	doc, err := document(r)
	if err != nil {
		return "", datastore.Replica{}, err
	}

	registered, err := h.Store.GetReplica(r.Context(), doc, replica)
	if err != nil {
		return "", datastore.Replica{}, err
	}

	caller := identity(r)
	if !caller.MayActFor(registered.Owner) {
		return "", datastore.Replica{}, commonerr.PermissionDeniedError{Subject: caller.Subject, Replica: replica}
	}

	return doc, registered, nil
}

// authorizedReplica is authorize for requests addressing the replica in their path.
func (h *hub) authorizedReplica(r *http.Request) (string, resource.ReplicaID, error) {
	replica, err := replicaVar(r)
	if err != nil {
		return "", 0, err
	}

	doc, _, err := h.authorize(r, replica)
	return doc, replica, err
}

func requireAdmin(r *http.Request, replica resource.ReplicaID) error {
	if caller := identity(r); !caller.Admin {
		return fmt.Errorf("administrative identity required: %w", commonerr.PermissionDeniedError{Subject: caller.Subject, Replica: replica})
	}
	return nil
}
