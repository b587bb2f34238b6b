// Package transport is the capability every remote operation of a checkout goes through.
// A Send either returns the hub's successful response or an *Error classifying the failure,
// so that the retry policy can tell transient failures from final answers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// Request is a request to the hub. Path is relative to the hub's base URL and already
// escaped.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        []byte
	ContentType string
}

// Response is a successful response of the hub.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Transport sends requests to the hub.
type Transport interface {
	// Send performs the request. Failures are reported as *Error unless the caller's context
	// ended, in which case the context's error is returned.
	Send(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, req Request) (Response, error)

// Send calls f.
func (f Func) Send(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// Kind classifies a transport failure.
type Kind int

const (
	// KindTimeout means the request did not complete in time.
	KindTimeout Kind = iota + 1
	// KindConnectFailed means the hub could not be reached or the connection broke.
	KindConnectFailed
	// KindServerError means the hub answered with a 5xx status.
	KindServerError
	// KindClientError means the hub rejected the request with a 4xx status.
	KindClientError
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnectFailed:
		return "connect failed"
	case KindServerError:
		return "server error"
	case KindClientError:
		return "client error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a failed request.
type Error struct {
	Kind Kind
	// Code is the status of server and client errors.
	Code int
	// Body is the response body of server and client errors.
	Body []byte
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("%s: hub returned %d", e.Kind, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether repeating the request may succeed.
func (e *Error) Transient() bool {
	return e.Kind != KindClientError
}

// IsTransient reports whether err is a transient transport failure.
func IsTransient(err error) bool {
	var transportErr *Error
	return errors.As(err, &transportErr) && transportErr.Transient()
}

// Timeout returns a timeout failure.
func Timeout(err error) *Error { return &Error{Kind: KindTimeout, Err: err} }

// ConnectFailed returns a connection failure.
func ConnectFailed(err error) *Error { return &Error{Kind: KindConnectFailed, Err: err} }

// StatusError returns the failure for a response with an error status.
func StatusError(code int, body []byte) *Error {
	kind := KindClientError
	if code >= http.StatusInternalServerError {
		kind = KindServerError
	}
	return &Error{Kind: kind, Code: code, Body: body}
}
