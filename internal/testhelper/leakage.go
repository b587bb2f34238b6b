package testhelper

import (
	"fmt"

	"go.uber.org/goleak"
)

// mustHaveNoGoroutines returns an error describing every goroutine still running after the
// tests finished. goleak retries for a while, so goroutines that are shutting down are not
// reported.
func mustHaveNoGoroutines() error {
	if err := goleak.Find(
		// The HTTP client keeps idle keep-alive connections around after tests using
		// httptest servers finished.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		// opencensus is pulled in by labkit and starts its worker on init.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	); err != nil {
		return fmt.Errorf("goroutines leaked: %w", err)
	}
	return nil
}
