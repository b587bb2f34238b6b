package synchronizer

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/changehub/internal/changehub/api"
	"gitlab.com/gitlab-org/changehub/internal/changehub/changepkg"
	"gitlab.com/gitlab-org/changehub/internal/changehub/commonerr"
	"golang.org/x/sync/errgroup"
)

// Follow pulls whenever the hub announces a tip past the local one, until ctx ends. onPull,
// if set, is called with the local tip after every pull. A broken watch is reconnected, any
// other failure ends Follow.
func (s *Synchronizer) Follow(ctx context.Context, onPull func(changepkg.Link)) error {
	ticker := s.newTicker()
	defer ticker.Stop()

	for {
		err := s.client.Watch(ctx, func(tip api.Tip) error {
			local, err := s.store.Tip(ctx)
			if err != nil {
				return err
			}
			if tip.Index <= local.Index {
				return nil
			}

			pulled, err := s.Pull(ctx)
			if err != nil {
				return err
			}
			if onPull != nil {
				onPull(pulled)
			}
			return nil
		})

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !outcomeUnknown(err) {
			return err
		}

		s.logger.WithError(err).Warn("tip watch interrupted, reconnecting")

		ticker.Reset()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// SyncAll pushes the pending edits of every synchronizer concurrently. Synchronizers without
// pending edits are only pulled. Each runs to completion, the first error is returned.
func SyncAll(ctx context.Context, syncs ...*Synchronizer) error {
	var g errgroup.Group

	for _, s := range syncs {
		s := s
		g.Go(func() error {
			_, err := s.Push(ctx, "")
			if errors.Is(err, commonerr.ErrNothingToPush) {
				return nil
			}
			if err != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{"operation": "sync_all"}).Error("document not synchronized")
			}
			return err
		})
	}

	return g.Wait()
}
