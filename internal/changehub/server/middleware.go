package server

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/changehub/internal/changehub/auth"
	"gitlab.com/gitlab-org/labkit/correlation"
)

// statusRecorder remembers the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// Hijack lets the watch stream take over the connection.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rec.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if template, err := route.GetPathTemplate(); err == nil {
			return template
		}
	}
	return "unknown"
}

func (h *hub) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		entry := h.Logger.WithFields(logrus.Fields{
			"correlation_id": correlation.ExtractFromContext(r.Context()),
			"method":         r.Method,
			"route":          routeName(r),
			"path":           r.URL.EscapedPath(),
		})
		ctx := ctxlogrus.ToContext(r.Context(), entry)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("finished request")
	})
}

func (h *hub) observeLatency(next http.Handler) http.Handler {
	if h.RequestLatency == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		h.RequestLatency.WithLabelValues(routeName(r), r.Method, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

// authenticate attaches the caller's identity to the request. A transitioning hub lets
// unauthenticated requests through with an unprivileged identity.
func (h *hub) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enforced := strconv.FormatBool(h.Verifier.Enabled() && !h.Verifier.Transitioning())

		id, err := h.Verifier.Authenticate(r)
		switch {
		case err == nil:
			h.countAuthentication(enforced, "ok")
		case h.Verifier.Transitioning():
			h.countAuthentication(enforced, "would be denied")
			id = auth.Identity{Subject: auth.AnonymousSubject}
		default:
			h.countAuthentication(enforced, "denied")
			writeError(w, r, err)
			return
		}

		ctxlogrus.AddFields(r.Context(), logrus.Fields{"subject": id.Subject})
		next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), id)))
	})
}

func (h *hub) countAuthentication(enforced, status string) {
	if h.Authentications != nil {
		h.Authentications.WithLabelValues(enforced, status).Inc()
	}
}
