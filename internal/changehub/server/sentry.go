package server

import (
	"net/http"
	"strings"

	sentry "github.com/getsentry/sentry-go"
	"gitlab.com/gitlab-org/labkit/correlation"
)

// reportToSentry submits a failure the hub could not map onto a client error. Rejections
// (conflicts, stale views, moved tips) are part of the protocol and never reported.
func reportToSentry(r *http.Request, err error) {
	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTags(map[string]string{
			"route":          routeName(r),
			"method":         r.Method,
			"correlation_id": correlation.ExtractFromContext(r.Context()),
		})
		scope.SetFingerprint([]string{"changehub", routeToCulprit(routeName(r)), err.Error()})
	})
	hub.CaptureException(err)
}

func routeToCulprit(route string) string {
	route = strings.TrimPrefix(route, "/documents/{document}")
	return strings.TrimPrefix(route, "/")
}
