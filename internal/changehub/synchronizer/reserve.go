package synchronizer

import (
	"context"
	"errors"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"gitlab.com/gitlab-org/changehub/internal/changehub/commonerr"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
)

// Reserve acquires claims ahead of editing. A stale view is pulled and the acquisition
// retried, up to the configured number of cycles.
func (s *Synchronizer) Reserve(ctx context.Context, claims []resource.Claim) error {
	ctx, done := s.begin(ctx, "reserve")
	defer done()

	if err := s.reserve(ctx, claims); err != nil {
		return s.fail(ctx, err)
	}

	s.idle(ctx)
	return nil
}

func (s *Synchronizer) reserve(ctx context.Context, claims []resource.Claim) error {
	if err := s.cache.EnsureValid(ctx, s.client); err != nil {
		return err
	}

	for cycle := 1; ; cycle++ {
		tip, err := s.store.Tip(ctx)
		if err != nil {
			return err
		}

		if err := s.enter(ctx, Acquiring, tip); err != nil {
			return err
		}

		err = s.acquire(ctx, claims, tip.Index)
		var revisionErr commonerr.RevisionRequiredError
		if !errors.As(err, &revisionErr) || cycle >= s.conf.MaxCycles {
			return err
		}

		ctxlogrus.Extract(ctx).WithField("required_index", revisionErr.RequiredIndex).Info("view is stale, pulling before reserving")
		if _, err := s.pull(ctx); err != nil {
			return err
		}
	}
}

// CheckEdit validates an edit needing claims against the reservations held, before the edit
// is made. Claims not held are reported with a reservation.NotHeldError.
func (s *Synchronizer) CheckEdit(ctx context.Context, claims []resource.Claim) error {
	if err := s.cache.EnsureValid(ctx, s.client); err != nil {
		return err
	}
	return s.cache.CheckEdit(claims)
}

// Held returns the locks and names the replica holds as far as the checkout knows.
func (s *Synchronizer) Held(ctx context.Context) ([]resource.Claim, error) {
	if err := s.cache.EnsureValid(ctx, s.client); err != nil {
		return nil, err
	}
	return s.cache.Held(), nil
}

// Release drops the replica's holdings on ids and returns those it held.
func (s *Synchronizer) Release(ctx context.Context, ids []resource.ID) ([]resource.ID, error) {
	ctx, done := s.begin(ctx, "release")
	defer done()

	released, err := s.client.Release(ctx, s.replica, ids)
	if err != nil {
		if outcomeUnknown(err) {
			s.cache.Invalidate()
		}
		return nil, s.fail(ctx, err)
	}

	s.cache.Released(ids)
	s.idle(ctx)
	return released, nil
}

// RelinquishAll drops every holding of the replica.
func (s *Synchronizer) RelinquishAll(ctx context.Context) ([]resource.ID, error) {
	ctx, done := s.begin(ctx, "relinquish")
	defer done()

	released, err := s.client.RelinquishAll(ctx, s.replica)
	if err != nil {
		s.cache.Invalidate()
		return nil, s.fail(ctx, err)
	}

	s.cache.Clear()
	s.idle(ctx)
	return released, nil
}
