// Package reservation keeps the checkout's mirror of the locks and name reservations its
// replica holds on the hub. The mirror has no authority of its own: it is written through on
// every grant and release, and dropped and reloaded from the hub whenever the outcome of a
// remote call is unknown.
package reservation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
)

// HeldSource reports the states of everything a replica holds.
type HeldSource interface {
	HeldBy(ctx context.Context, replica resource.ReplicaID) ([]resource.State, error)
}

// NotHeldError is returned by CheckEdit for claims the replica does not hold.
type NotHeldError struct {
	Claims []resource.Claim
}

func (err NotHeldError) Error() string {
	claims := make([]string, len(err.Claims))
	for i, c := range err.Claims {
		claims[i] = c.String()
	}
	return "not reserved: " + strings.Join(claims, ", ")
}

// Cache mirrors the holdings of one replica.
type Cache struct {
	replica resource.ReplicaID
	logger  logrus.FieldLogger

	mtx   sync.RWMutex
	valid bool
	held  map[resource.ID]resource.Level
}

// NewCache returns an invalid cache. It is loaded by the first Refresh.
func NewCache(replica resource.ReplicaID, logger logrus.FieldLogger) *Cache {
	return &Cache{
		replica: replica,
		logger: logger.WithFields(logrus.Fields{
			"component": "reservation_cache",
			"replica":   replica,
		}),
		held: map[resource.ID]resource.Level{},
	}
}

// Valid reports whether the cache reflects the hub.
func (c *Cache) Valid() bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.valid
}

// Invalidate marks the cache as stale. It is called when a remote call failed without telling
// whether it took effect.
func (c *Cache) Invalidate() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.valid {
		c.logger.Debug("invalidated")
	}
	c.valid = false
}

// Refresh replaces the cached holdings with the ones src reports.
func (c *Cache) Refresh(ctx context.Context, src HeldSource) error {
	states, err := src.HeldBy(ctx, c.replica)
	if err != nil {
		return fmt.Errorf("refresh reservations: %w", err)
	}

	held := make(map[resource.ID]resource.Level, len(states))
	for _, st := range states {
		if level := st.HeldBy(c.replica); level != resource.LevelNone {
			held[st.ID] = level
		}
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.held = held
	c.valid = true
	c.logger.WithField("held", len(held)).Debug("refreshed")
	return nil
}

// EnsureValid refreshes the cache unless it is valid.
func (c *Cache) EnsureValid(ctx context.Context, src HeldSource) error {
	if c.Valid() {
		return nil
	}
	return c.Refresh(ctx, src)
}

// Granted records claims the hub granted.
func (c *Cache) Granted(claims []resource.Claim) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for _, claim := range claims {
		if claim.Level > c.held[claim.ID] {
			c.held[claim.ID] = claim.Level
		}
	}
}

// Released forgets ids.
func (c *Cache) Released(ids []resource.ID) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for _, id := range ids {
		delete(c.held, id)
	}
}

// Clear forgets everything. The cache stays valid: the replica holds nothing.
func (c *Cache) Clear() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.held = map[resource.ID]resource.Level{}
}

// Level returns the level at which the replica holds id.
func (c *Cache) Level(id resource.ID) resource.Level {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.held[id]
}

// Held returns every holding as a claim, sorted by identity.
func (c *Cache) Held() []resource.Claim {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	claims := make([]resource.Claim, 0, len(c.held))
	for id, level := range c.held {
		claims = append(claims, resource.Claim{ID: id, Level: level})
	}
	resource.SortClaims(claims)
	return claims
}

// Missing returns the claims, merged, that the replica does not already hold at the requested
// level. Only those need a round trip to the hub.
func (c *Cache) Missing(claims []resource.Claim) []resource.Claim {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	var missing []resource.Claim
	for _, claim := range resource.MergeClaims(claims) {
		if claim.Level == resource.LevelNone {
			continue
		}
		if c.held[claim.ID] < claim.Level {
			missing = append(missing, claim)
		}
	}
	return missing
}

// CheckEdit validates that an edit needing claims may be made without asking the hub. It
// returns a NotHeldError listing the claims to reserve first.
func (c *Cache) CheckEdit(claims []resource.Claim) error {
	if missing := c.Missing(claims); len(missing) > 0 {
		return NotHeldError{Claims: missing}
	}
	return nil
}
