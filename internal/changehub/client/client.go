// Package client is the checkout side of the hub's reservation ledger and change-package
// history. Every call goes through a transport.Transport, and the hub's failures come back as
// the typed errors of commonerr.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"gitlab.com/gitlab-org/changehub/internal/changehub/api"
	"gitlab.com/gitlab-org/changehub/internal/changehub/changepkg"
	"gitlab.com/gitlab-org/changehub/internal/changehub/commonerr"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
	"gitlab.com/gitlab-org/changehub/internal/changehub/transport"
)

// DefaultPageSize is the number of packages requested per page of the history.
const DefaultPageSize = 100

// Client talks to the hub on behalf of the checkouts of one document.
type Client struct {
	transport transport.Transport
	dialer    transport.Dialer
	document  string
	pageSize  int
}

// Option configures a Client.
type Option func(*Client)

// WithDialer enables Watch.
func WithDialer(dialer transport.Dialer) Option {
	return func(c *Client) { c.dialer = dialer }
}

// WithPageSize sets how many packages are requested per page.
func WithPageSize(size int) Option {
	return func(c *Client) {
		if size > 0 {
			c.pageSize = size
		}
	}
}

// New returns a client for document.
func New(t transport.Transport, document string, opts ...Option) *Client {
	c := &Client{transport: t, document: document, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Document returns the document the client works on.
func (c *Client) Document() string { return c.document }

func (c *Client) path(suffix string) string {
	return "/documents/" + url.PathEscape(c.document) + suffix
}

func (c *Client) replicaPath(replica resource.ReplicaID, action string) string {
	return c.path("/replicas/" + strconv.FormatInt(int64(replica), 10) + action)
}

// call sends a JSON request and decodes the JSON response into out unless out is nil.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	req := transport.Request{Method: method, Path: path, Query: query}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		req.Body = body
		req.ContentType = "application/json"
	}

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return hubError(err)
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// hubError turns a request the hub rejected into the typed error the hub reported. Other
// errors are returned unchanged.
func hubError(err error) error {
	var transportErr *transport.Error
	if !errors.As(err, &transportErr) || transportErr.Kind != transport.KindClientError {
		return err
	}

	var body api.Error
	if jsonErr := json.Unmarshal(transportErr.Body, &body); jsonErr != nil || body.Reason == "" {
		return err
	}

	return body.Err(transportErr.Code)
}

// RegisterReplica asks the hub for a new replica identity.
func (c *Client) RegisterReplica(ctx context.Context) (api.Replica, error) {
	var replica api.Replica
	if err := c.call(ctx, http.MethodPost, c.path("/replicas"), nil, nil, &replica); err != nil {
		return api.Replica{}, fmt.Errorf("register replica: %w", err)
	}
	return replica, nil
}

// AbandonReplica retires a replica and returns what it held. Only administrative identities
// may abandon replicas.
func (c *Client) AbandonReplica(ctx context.Context, replica resource.ReplicaID) ([]resource.ID, error) {
	var resp api.ReleasedResponse
	if err := c.call(ctx, http.MethodDelete, c.replicaPath(replica, ""), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Released, nil
}

// HeldBy returns the states of everything the replica holds.
func (c *Client) HeldBy(ctx context.Context, replica resource.ReplicaID) ([]resource.State, error) {
	var resp api.StatesResponse
	if err := c.call(ctx, http.MethodGet, c.replicaPath(replica, "/reservations"), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.States, nil
}

// QueryState returns the current states of the given resources. Resources without a record
// are reported in their empty state.
func (c *Client) QueryState(ctx context.Context, ids []resource.ID) (map[resource.ID]resource.State, error) {
	var resp api.StatesResponse
	if err := c.call(ctx, http.MethodPost, c.path("/reservations/query"), nil, api.IDsRequest{IDs: ids}, &resp); err != nil {
		return nil, err
	}

	states := make(map[resource.ID]resource.State, len(resp.States))
	for _, st := range resp.States {
		states[st.ID] = st
	}
	return states, nil
}

// ListStates returns every recorded state of the document.
func (c *Client) ListStates(ctx context.Context) ([]resource.State, error) {
	var resp api.StatesResponse
	if err := c.call(ctx, http.MethodGet, c.path("/reservations"), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.States, nil
}

// AreAvailable evaluates without mutating whether every claim could be granted to a replica
// that pulled up to asOf. No conflicts means available.
func (c *Client) AreAvailable(ctx context.Context, replica resource.ReplicaID, claims []resource.Claim, asOf int64) ([]resource.Conflict, error) {
	var resp api.ConflictsResponse
	if err := c.call(ctx, http.MethodPost, c.replicaPath(replica, "/availability"), nil,
		api.ClaimsRequest{Claims: claims, AsOf: asOf}, &resp); err != nil {
		return nil, err
	}
	return resp.Conflicts, nil
}

// Acquire grants every claim or none. A denial is returned as commonerr.RevisionRequiredError
// when pulling resolves it and as commonerr.ConflictError otherwise.
func (c *Client) Acquire(ctx context.Context, replica resource.ReplicaID, claims []resource.Claim, asOf int64) error {
	var resp api.ConflictsResponse
	if err := c.call(ctx, http.MethodPost, c.replicaPath(replica, "/acquire"), nil,
		api.ClaimsRequest{Claims: claims, AsOf: asOf}, &resp); err != nil {
		return err
	}
	return commonerr.NewReservationError(resp.Conflicts)
}

// Release drops the replica's holdings on ids and returns those it held.
func (c *Client) Release(ctx context.Context, replica resource.ReplicaID, ids []resource.ID) ([]resource.ID, error) {
	var resp api.ReleasedResponse
	if err := c.call(ctx, http.MethodPost, c.replicaPath(replica, "/release"), nil, api.IDsRequest{IDs: ids}, &resp); err != nil {
		return nil, err
	}
	return resp.Released, nil
}

// RelinquishAll drops everything the replica holds and returns what it held.
func (c *Client) RelinquishAll(ctx context.Context, replica resource.ReplicaID) ([]resource.ID, error) {
	var resp api.ReleasedResponse
	if err := c.call(ctx, http.MethodPost, c.replicaPath(replica, "/relinquish"), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Released, nil
}

// DiscardOrReserveNames records the name bookkeeping of the package at index, all or
// nothing. Recording it again is a no-op.
func (c *Client) DiscardOrReserveNames(ctx context.Context, replica resource.ReplicaID, discarded, used []resource.ID, index int64) error {
	var resp api.ConflictsResponse
	if err := c.call(ctx, http.MethodPost, c.replicaPath(replica, "/names"), nil,
		api.NamesRequest{Discarded: discarded, Used: used, Index: index}, &resp); err != nil {
		return err
	}
	return commonerr.NewReservationError(resp.Conflicts)
}

// Tip returns the position of the latest package of the document.
func (c *Client) Tip(ctx context.Context) (changepkg.Link, error) {
	var tip api.Tip
	if err := c.call(ctx, http.MethodGet, c.path("/tip"), nil, nil, &tip); err != nil {
		return changepkg.Link{}, err
	}
	return changepkg.Link{Index: tip.Index, ID: tip.ID}, nil
}

// PushRequest is a package to append on top of Parent.
type PushRequest struct {
	Replica              resource.ReplicaID
	Parent               changepkg.Link
	Payload              []byte
	Description          string
	ContainsSchemaChange bool
	// Resources are the structural resources the package modifies.
	Resources []resource.ID
}

// CreateAndPush uploads the payload and appends the package. A commonerr.TipMovedError means
// Parent is no longer the tip: pull and push a rebased package.
func (c *Client) CreateAndPush(ctx context.Context, req PushRequest) (changepkg.Package, error) {
	digest, err := c.PutPayload(ctx, req.Payload)
	if err != nil {
		return changepkg.Package{}, fmt.Errorf("upload payload: %w", err)
	}

	var pkg changepkg.Package
	if err := c.call(ctx, http.MethodPost, c.path("/packages"), nil, api.PushRequest{
		Replica:              req.Replica,
		ParentIndex:          req.Parent.Index,
		ParentID:             req.Parent.ID,
		PayloadDigest:        digest,
		Description:          req.Description,
		ContainsSchemaChange: req.ContainsSchemaChange,
		Resources:            req.Resources,
	}, &pkg); err != nil {
		return changepkg.Package{}, err
	}

	if err := changepkg.ValidateChain(req.Parent, []changepkg.Package{pkg}); err != nil {
		return changepkg.Package{}, err
	}

	return pkg, nil
}

// PutPayload uploads a payload and returns its digest. Uploading it again is a no-op.
func (c *Client) PutPayload(ctx context.Context, payload []byte) (string, error) {
	digest := changepkg.Digest(payload)
	if _, err := c.transport.Send(ctx, transport.Request{
		Method:      http.MethodPut,
		Path:        c.path("/payloads/" + digest),
		Body:        payload,
		ContentType: "application/octet-stream",
	}); err != nil {
		return "", hubError(err)
	}
	return digest, nil
}

// GetPayload downloads the payload of pkg and verifies its digest.
func (c *Client) GetPayload(ctx context.Context, pkg changepkg.Package) ([]byte, error) {
	resp, err := c.transport.Send(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   c.path("/payloads/" + pkg.PayloadDigest),
	})
	if err != nil {
		return nil, hubError(err)
	}

	if err := changepkg.VerifyPayload(pkg, resp.Body); err != nil {
		return nil, fmt.Errorf("download payload: %w", err)
	}
	return resp.Body, nil
}

func (c *Client) queryPage(ctx context.Context, after int64) ([]changepkg.Package, error) {
	query := url.Values{
		"after": {strconv.FormatInt(after, 10)},
		"limit": {strconv.Itoa(c.pageSize)},
	}

	var resp api.PackagesResponse
	if err := c.call(ctx, http.MethodGet, c.path("/packages"), query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Packages, nil
}
