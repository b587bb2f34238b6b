package reservation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
	"gitlab.com/gitlab-org/changehub/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

type heldSourceFunc func(ctx context.Context, replica resource.ReplicaID) ([]resource.State, error)

func (fn heldSourceFunc) HeldBy(ctx context.Context, replica resource.ReplicaID) ([]resource.State, error) {
	return fn(ctx, replica)
}

func TestCache(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	const replica = resource.ReplicaID(1)

	wall := resource.Structural(10)
	door := resource.Structural(11)
	name := resource.Name(1, "doc", "M1")

	var requested resource.ReplicaID
	src := heldSourceFunc(func(ctx context.Context, r resource.ReplicaID) ([]resource.State, error) {
		requested = r
		return []resource.State{
			{ID: wall, Holders: []resource.Holder{{Replica: 2, Level: resource.LevelShared}, {Replica: replica, Level: resource.LevelShared}}},
			{ID: name, Token: resource.TokenState{Status: resource.TokenReserved, Replica: replica}},
			// Used names are no longer held.
			{ID: resource.Name(1, "doc", "M0"), Token: resource.TokenState{Status: resource.TokenUsed, Replica: replica, PackageIndex: 1}},
		}, nil
	})

	cache := NewCache(replica, testhelper.NewDiscardingLogEntry(t))
	require.False(t, cache.Valid())

	require.NoError(t, cache.EnsureValid(ctx, src))
	require.True(t, cache.Valid())
	require.Equal(t, replica, requested)
	require.Equal(t, []resource.Claim{
		{ID: wall, Level: resource.LevelShared},
		resource.Reserve(name),
	}, cache.Held())

	require.NoError(t, cache.CheckEdit([]resource.Claim{resource.Lock(10, resource.LevelShared), resource.Reserve(name)}))

	err := cache.CheckEdit([]resource.Claim{
		resource.Lock(10, resource.LevelExclusive),
		resource.Lock(11, resource.LevelShared),
		resource.Lock(11, resource.LevelExclusive),
		resource.Reserve(name),
	})
	require.Equal(t, NotHeldError{Claims: []resource.Claim{
		resource.Lock(10, resource.LevelExclusive),
		resource.Lock(11, resource.LevelExclusive),
	}}, err)
	require.Equal(t, "not reserved: exclusive structural:0xa, exclusive structural:0xb", err.Error())

	cache.Granted([]resource.Claim{resource.Lock(10, resource.LevelExclusive), resource.Lock(11, resource.LevelShared)})
	require.Equal(t, resource.LevelExclusive, cache.Level(wall))
	require.Equal(t, resource.LevelShared, cache.Level(door))

	cache.Granted([]resource.Claim{resource.Lock(10, resource.LevelShared)})
	require.Equal(t, resource.LevelExclusive, cache.Level(wall), "a weaker grant keeps the stronger holding")

	cache.Released([]resource.ID{wall, name})
	require.Equal(t, []resource.Claim{{ID: door, Level: resource.LevelShared}}, cache.Held())

	cache.Clear()
	require.Empty(t, cache.Held())
	require.True(t, cache.Valid())

	cache.Invalidate()
	require.False(t, cache.Valid())

	require.NoError(t, cache.EnsureValid(ctx, src))
	require.Len(t, cache.Held(), 2, "refresh replaces the holdings")
}

func TestCache_refreshFailure(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	errUnreachable := errors.New("unreachable")
	cache := NewCache(1, testhelper.NewDiscardingLogEntry(t))
	cache.Granted([]resource.Claim{resource.Lock(1, resource.LevelExclusive)})

	err := cache.Refresh(ctx, heldSourceFunc(func(context.Context, resource.ReplicaID) ([]resource.State, error) {
		return nil, errUnreachable
	}))
	require.True(t, errors.Is(err, errUnreachable))
	require.False(t, cache.Valid())
	require.Equal(t, resource.LevelExclusive, cache.Level(resource.Structural(1)), "a failed refresh keeps the holdings")
}
