package changepkg

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/changehub/internal/changehub/commonerr"
)

func chain(payloads ...string) []Package {
	var packages []Package
	prev := Root
	for _, payload := range payloads {
		digest := Digest([]byte(payload))
		pkg := Package{
			ID:            ComputeID(prev.ID, digest),
			Index:         prev.Index + 1,
			ParentID:      prev.ID,
			PayloadDigest: digest,
		}
		packages = append(packages, pkg)
		prev = pkg.Link()
	}
	return packages
}

func TestValidateChain(t *testing.T) {
	packages := chain("a", "b", "c")

	require.NoError(t, ValidateChain(Root, packages))
	require.NoError(t, ValidateChain(packages[0].Link(), packages[1:]))
	require.NoError(t, ValidateChain(packages[2].Link(), nil))

	var integrityErr commonerr.ChainIntegrityError

	t.Run("gap", func(t *testing.T) {
		err := ValidateChain(Root, []Package{packages[0], packages[2]})
		require.True(t, errors.As(err, &integrityErr))
		require.Equal(t, int64(3), integrityErr.Index)
	})

	t.Run("wrong base", func(t *testing.T) {
		err := ValidateChain(packages[1].Link(), packages[1:])
		require.True(t, errors.As(err, &integrityErr))
	})

	t.Run("forked parent", func(t *testing.T) {
		forked := packages[1]
		forked.ParentID = chain("z")[0].ID
		err := ValidateChain(packages[0].Link(), []Package{forked})
		require.Equal(t, commonerr.ChainIntegrityError{
			Index:            2,
			ExpectedParentID: packages[0].ID,
			ParentID:         forked.ParentID,
		}, err)
	})

	t.Run("tampered id", func(t *testing.T) {
		tampered := packages[0]
		tampered.PayloadDigest = Digest([]byte("other"))
		require.Error(t, ValidateChain(Root, []Package{tampered}))
	})
}

func TestComputeID(t *testing.T) {
	digest := Digest([]byte("payload"))
	require.True(t, ValidDigest(digest))
	require.False(t, ValidDigest("abc"))
	require.Equal(t, ComputeID("", digest), ComputeID("", digest))
	require.NotEqual(t, ComputeID("", digest), ComputeID("parent", digest))
}

func TestVerifyPayload(t *testing.T) {
	pkg := chain("a")[0]
	require.NoError(t, VerifyPayload(pkg, []byte("a")))
	require.Error(t, VerifyPayload(pkg, []byte("b")))
}
