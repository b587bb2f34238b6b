package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/changehub/internal/testhelper"
)

func TestNewHTTP(t *testing.T) {
	_, err := NewHTTP("ftp://hub.example.com")
	require.EqualError(t, err, `hub url "ftp://hub.example.com": unsupported scheme "ftp"`)

	_, err = NewHTTP("://")
	require.Error(t, err)

	h, err := NewHTTP("https://hub.example.com/prefix/")
	require.NoError(t, err)
	require.Equal(t, "https://hub.example.com/prefix/tip?after=1", h.url("/tip", url.Values{"after": {"1"}}))
}

func TestHTTP_Send(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		require.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "changehub-checkout/"))

		switch r.URL.EscapedPath() {
		case "/documents/a%2Fb/echo":
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.Equal(t, "2", r.URL.Query().Get("limit"))
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(body)
		case "/conflict":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"reason":"tip_moved"}`))
		case "/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	h, err := NewHTTP(srv.URL, WithToken("token"), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	ctx, cancel := testhelper.Context()
	defer cancel()

	resp, err := h.Send(ctx, Request{
		Method:      http.MethodPost,
		Path:        "/documents/" + url.PathEscape("a/b") + "/echo",
		Query:       url.Values{"limit": {"2"}},
		Body:        []byte(`{"ids":[]}`),
		ContentType: "application/json",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.Status)
	require.Equal(t, `{"ids":[]}`, string(resp.Body))

	_, err = h.Send(ctx, Request{Method: http.MethodGet, Path: "/conflict"})
	var transportErr *Error
	require.True(t, errors.As(err, &transportErr))
	require.Equal(t, &Error{Kind: KindClientError, Code: http.StatusConflict, Body: []byte(`{"reason":"tip_moved"}`)}, transportErr)
	require.False(t, IsTransient(err))

	_, err = h.Send(ctx, Request{Method: http.MethodGet, Path: "/broken"})
	require.True(t, errors.As(err, &transportErr))
	require.Equal(t, KindServerError, transportErr.Kind)
	require.Equal(t, http.StatusBadGateway, transportErr.Code)
	require.True(t, IsTransient(err))
}

func TestHTTP_Send_connectFailed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	h, err := NewHTTP(srv.URL)
	require.NoError(t, err)

	ctx, cancel := testhelper.Context()
	defer cancel()

	_, err = h.Send(ctx, Request{Method: http.MethodGet, Path: "/tip"})
	var transportErr *Error
	require.True(t, errors.As(err, &transportErr))
	require.Equal(t, KindConnectFailed, transportErr.Kind)
	require.True(t, IsTransient(err))
}

func TestHTTP_Send_timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h, err := NewHTTP(srv.URL, WithHTTPClient(srv.Client()), WithRequestTimeout(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := testhelper.Context()
	defer cancel()

	_, err = h.Send(ctx, Request{Method: http.MethodGet, Path: "/slow"})
	var transportErr *Error
	require.True(t, errors.As(err, &transportErr), "unexpected error: %v", err)
	require.Equal(t, KindTimeout, transportErr.Kind)
	require.True(t, IsTransient(err))
}

func TestHTTP_Send_cancelled(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	h, err := NewHTTP(srv.URL, WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = h.Send(ctx, Request{Method: http.MethodGet, Path: "/tip"})
	require.Equal(t, context.Canceled, err)
	require.False(t, IsTransient(err))
}

func TestHTTP_Dial(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"reason":"unauthenticated"}`))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(r.URL.EscapedPath()))
	}))
	defer srv.Close()

	ctx, cancel := testhelper.Context()
	defer cancel()

	h, err := NewHTTP(srv.URL, WithToken("token"))
	require.NoError(t, err)

	conn, err := h.Dial(ctx, "/documents/a%2Fb/watch")
	require.NoError(t, err)
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "/documents/a%2Fb/watch", string(msg))

	anonymous, err := NewHTTP(srv.URL)
	require.NoError(t, err)

	_, err = anonymous.Dial(ctx, "/watch")
	var transportErr *Error
	require.True(t, errors.As(err, &transportErr))
	require.Equal(t, KindClientError, transportErr.Kind)
	require.Equal(t, http.StatusUnauthorized, transportErr.Code)
}

func TestError(t *testing.T) {
	require.Equal(t, "timeout: context deadline exceeded", Timeout(context.DeadlineExceeded).Error())
	require.Equal(t, "server error: hub returned 503", StatusError(http.StatusServiceUnavailable, nil).Error())
	require.Equal(t, "client error", (&Error{Kind: KindClientError}).Error())
	require.True(t, errors.Is(ConnectFailed(io.ErrUnexpectedEOF), io.ErrUnexpectedEOF))
	require.False(t, IsTransient(errors.New("plain")))
}

func TestHTTP_Send_tracing(t *testing.T) {
	tracer := mocktracer.New()
	opentracing.SetGlobalTracer(tracer)
	defer opentracing.SetGlobalTracer(opentracing.NoopTracer{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.Header.Get("Mockpfx-Ids-Traceid"), "the span context travels with the request")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h, err := NewHTTP(srv.URL)
	require.NoError(t, err)

	ctx, cancel := testhelper.Context()
	defer cancel()

	_, err = h.Send(ctx, Request{Method: http.MethodGet, Path: "/tip"})
	require.NoError(t, err)
	require.Len(t, tracer.FinishedSpans(), 1)
}
