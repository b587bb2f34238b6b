package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"gitlab.com/gitlab-org/changehub/internal/changehub/auth"
	"gitlab.com/gitlab-org/changehub/internal/version"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/tracing"
)

// Dialer opens websocket streams to the hub.
type Dialer interface {
	Dial(ctx context.Context, path string) (*websocket.Conn, error)
}

// HTTP sends requests to the hub over HTTP and opens its websocket streams. Refer to the
// interfaces for method documentation.
type HTTP struct {
	base           string
	token          string
	client         *http.Client
	requestTimeout time.Duration
	dialer         *websocket.Dialer
}

// Option configures the HTTP transport.
type Option func(*HTTP)

// WithToken presents token as bearer token with every request.
func WithToken(token string) Option {
	return func(h *HTTP) { h.token = token }
}

// WithRequestTimeout limits every single request.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(h *HTTP) { h.requestTimeout = timeout }
}

// WithHTTPClient replaces the client requests are sent with.
func WithHTTPClient(client *http.Client) Option {
	return func(h *HTTP) { h.client = client }
}

// NewHTTP returns a transport to the hub at baseURL.
func NewHTTP(baseURL string, opts ...Option) (*HTTP, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("hub url %q: unsupported scheme %q", baseURL, u.Scheme)
	}

	h := &HTTP{
		base: strings.TrimSuffix(u.String(), "/"),
		client: &http.Client{
			Transport: tracing.NewRoundTripper(correlation.NewInstrumentedRoundTripper(http.DefaultTransport)),
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(h)
	}

	return h, nil
}

func (h *HTTP) Send(ctx context.Context, req Request) (Response, error) {
	attemptCtx := ctx
	if h.requestTimeout > 0 {
		var cancel func()
		attemptCtx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, h.url(req.Path, req.Query), body)
	if err != nil {
		return Response{}, fmt.Errorf("new request: %w", err)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	httpReq.Header.Set("User-Agent", version.UserAgent())
	auth.SetBearerToken(httpReq, h.token)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Response{}, classify(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, classify(ctx, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return Response{}, StatusError(resp.StatusCode, respBody)
	}

	return Response{Status: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

func (h *HTTP) Dial(ctx context.Context, path string) (*websocket.Conn, error) {
	target := "ws" + strings.TrimPrefix(h.url(path, nil), "http")

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	header.Set("X-Request-Id", correlation.ExtractFromContextOrGenerate(ctx))
	if h.token != "" {
		header.Set("Authorization", "Bearer "+h.token)
	}

	conn, resp, err := h.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			return nil, StatusError(resp.StatusCode, body)
		}
		return nil, classify(ctx, err)
	}
	return conn, nil
}

func (h *HTTP) url(path string, query url.Values) string {
	u := h.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// classify turns the failure of a request into an *Error. The error of the caller's context
// is returned as is.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout(err)
	}

	return ConnectFailed(err)
}
