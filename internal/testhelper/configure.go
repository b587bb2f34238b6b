package testhelper

import (
	"fmt"
	"os"
	"testing"

	"gitlab.com/gitlab-org/changehub/internal/log"
)

// Run sets up required testing state and executes the given test suite. Once the tests
// passed, it fails the suite if any goroutine is still running.
func Run(m *testing.M) {
	// Run tests in a separate function such that we can use deferred statements and still
	// (indirectly) call `os.Exit()` in case the test setup failed.
	code, err := func() (int, error) {
		log.Configure(log.Loggers, "json", "panic")

		code := m.Run()
		if code == 0 {
			if err := mustHaveNoGoroutines(); err != nil {
				return 1, err
			}
		}

		return code, nil
	}()
	if err != nil {
		fmt.Printf("%s", err)
	}

	os.Exit(code)
}
