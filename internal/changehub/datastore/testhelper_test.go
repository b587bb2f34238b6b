package datastore

import (
	"testing"

	"gitlab.com/gitlab-org/changehub/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}
