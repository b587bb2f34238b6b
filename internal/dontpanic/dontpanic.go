// Package dontpanic runs code that must not take the hub down with it, such as the
// listener of tip notifications.
package dontpanic

import (
	"fmt"

	sentry "github.com/getsentry/sentry-go"
	"gitlab.com/gitlab-org/changehub/internal/log"
)

var logger = log.Default()

// Try runs fn and recovers a panic of it. The panic is reported to Sentry and logged. Try
// returns false if fn panicked.
func Try(fn func()) (ok bool) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		ok = false

		err, isErr := recovered.(error)
		if !isErr {
			err = fmt.Errorf("%v", recovered)
		}

		entry := logger.WithError(err)
		if id := sentry.CaptureException(err); id != nil && *id != "" {
			entry = entry.WithField("sentry_id", *id)
		}
		entry.Error("dontpanic: recovered from panic")
	}()

	fn()
	return true
}

// Go runs fn in a goroutine under Try.
func Go(fn func()) { go Try(fn) }
