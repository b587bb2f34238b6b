// Package synchronizer keeps a checkout in step with the hub. A push cycle pulls the packages
// the checkout misses, acquires what the pending edits need, commits them into one package and
// pushes it. A stale view or a moved tip restarts the cycle from pulling, a bounded number of
// times.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/changehub/internal/changehub/changepkg"
	"gitlab.com/gitlab-org/changehub/internal/changehub/client"
	"gitlab.com/gitlab-org/changehub/internal/changehub/commonerr"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
	"gitlab.com/gitlab-org/changehub/internal/changehub/docstore"
	"gitlab.com/gitlab-org/changehub/internal/changehub/metrics"
	"gitlab.com/gitlab-org/changehub/internal/changehub/reservation"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
	"gitlab.com/gitlab-org/changehub/internal/changehub/transport"
	"gitlab.com/gitlab-org/changehub/internal/helper"
)

// Synchronizer drives one checkout of a document. It runs at most one operation at a time.
type Synchronizer struct {
	client  *client.Client
	store   docstore.Store
	cache   *reservation.Cache
	replica resource.ReplicaID
	conf    config.Sync
	logger  *logrus.Entry

	// mtx serializes operations.
	mtx sync.Mutex

	stateMtx sync.RWMutex
	state    State
	lastErr  error

	// recovered is a package of this replica whose push outcome was unknown and that came
	// back with a pull.
	recovered *changepkg.Package

	cycles      metrics.CounterVec
	pushLatency metrics.Histogram
	newTicker   func() helper.Ticker
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithCycleCounter counts push cycles by outcome.
func WithCycleCounter(cycles metrics.CounterVec) Option {
	return func(s *Synchronizer) { s.cycles = cycles }
}

// WithPushLatency observes the duration of successful pushes.
func WithPushLatency(latency metrics.Histogram) Option {
	return func(s *Synchronizer) { s.pushLatency = latency }
}

// WithReconnectTicker sets the ticker Follow waits on before reconnecting a broken watch.
func WithReconnectTicker(newTicker func() helper.Ticker) Option {
	return func(s *Synchronizer) { s.newTicker = newTicker }
}

// New returns a synchronizer keeping store in step through c as replica.
func New(c *client.Client, store docstore.Store, replica resource.ReplicaID, conf config.Sync, logger logrus.FieldLogger, opts ...Option) *Synchronizer {
	if conf.MaxCycles < 1 {
		conf.MaxCycles = config.DefaultSync().MaxCycles
	}

	s := &Synchronizer{
		client:  c,
		store:   store,
		cache:   reservation.NewCache(replica, logger),
		replica: replica,
		conf:    conf,
		logger: logger.WithFields(logrus.Fields{
			"component": "synchronizer",
			"document":  c.Document(),
			"replica":   replica,
		}),
		newTicker: func() helper.Ticker { return helper.NewTimerTicker(time.Second) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Replica returns the replica the synchronizer acts as.
func (s *Synchronizer) Replica() resource.ReplicaID { return s.replica }

// State returns the current state and the error that failed the last operation, if it failed.
func (s *Synchronizer) State() (State, error) {
	s.stateMtx.RLock()
	defer s.stateMtx.RUnlock()
	return s.state, s.lastErr
}

// enter moves to state. Cancellation takes effect here, between steps.
func (s *Synchronizer) enter(ctx context.Context, state State, tip changepkg.Link) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.stateMtx.Lock()
	s.state, s.lastErr = state, nil
	s.stateMtx.Unlock()

	ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
		"state": state,
		"tip":   tip.Index,
	}).Debug("state transition")
	return nil
}

// idle ends an operation.
func (s *Synchronizer) idle(ctx context.Context) {
	s.stateMtx.Lock()
	s.state, s.lastErr = Idle, nil
	s.stateMtx.Unlock()

	logger := ctxlogrus.Extract(ctx).WithField("state", Idle)

	tip, err := s.store.Tip(ctx)
	if err != nil {
		logger.WithError(err).Warn("state transition: read local tip")
		return
	}
	logger.WithField("tip", tip.Index).Debug("state transition")
}

// fail ends an operation with err.
func (s *Synchronizer) fail(ctx context.Context, err error) error {
	s.stateMtx.Lock()
	s.state, s.lastErr = Failed, err
	s.stateMtx.Unlock()

	ctxlogrus.Extract(ctx).WithError(err).WithField("state", Failed).Warn("synchronization failed")
	return err
}

// begin starts an operation: it takes the operation lock and sets up the operation's logger.
func (s *Synchronizer) begin(ctx context.Context, operation string) (context.Context, func()) {
	s.mtx.Lock()
	ctx = ctxlogrus.ToContext(ctx, s.logger.WithField("operation", operation))
	return ctx, s.mtx.Unlock
}

func (s *Synchronizer) countCycle(outcome string) {
	if s.cycles != nil {
		s.cycles.WithLabelValues(outcome).Inc()
	}
}

// locksLost reports whether err rejects a push only because the replica does not hold locks it
// could have acquired.
func locksLost(err error) bool {
	var conflictErr commonerr.ConflictError
	if !errors.As(err, &conflictErr) || len(conflictErr.Conflicts) == 0 {
		return false
	}
	for _, c := range conflictErr.Conflicts {
		if c.Reason != resource.ReasonLockNotHeld {
			return false
		}
	}
	return true
}

// outcomeUnknown reports whether a failed remote call may have taken effect anyway.
func outcomeUnknown(err error) bool {
	var exhausted commonerr.TransportExhaustedError
	return errors.As(err, &exhausted) ||
		transport.IsTransient(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Pull applies every package after the local tip and returns the new tip.
func (s *Synchronizer) Pull(ctx context.Context) (changepkg.Link, error) {
	ctx, done := s.begin(ctx, "pull")
	defer done()

	if err := s.settle(ctx); err != nil {
		return changepkg.Link{}, s.fail(ctx, err)
	}

	tip, err := s.pull(ctx)
	if err != nil {
		return tip, s.fail(ctx, err)
	}

	if err := s.settle(ctx); err != nil {
		return tip, s.fail(ctx, err)
	}

	s.idle(ctx)
	return tip, nil
}

// pull fetches and applies packages until the history is exhausted. Applied packages stay
// applied when a later one fails, the next pull resumes after them.
func (s *Synchronizer) pull(ctx context.Context) (changepkg.Link, error) {
	tip, err := s.store.Tip(ctx)
	if err != nil {
		return changepkg.Link{}, err
	}

	if err := s.enter(ctx, Pulling, tip); err != nil {
		return tip, err
	}

	pkgs := s.client.QueryAfter(tip)
	for pkgs.Next(ctx) {
		pkg := pkgs.Package()

		if err := s.enter(ctx, Merging, tip); err != nil {
			return tip, err
		}

		payload, err := s.client.GetPayload(ctx, pkg)
		if err != nil {
			return tip, fmt.Errorf("download package %d: %w", pkg.Index, err)
		}

		if err := s.store.Apply(ctx, pkg, payload); err != nil {
			return tip, err
		}
		tip = pkg.Link()

		if err := s.resolveInFlight(ctx, pkg); err != nil {
			return tip, err
		}

		if err := s.enter(ctx, Pulling, tip); err != nil {
			return tip, err
		}
	}

	if err := pkgs.Err(); err != nil {
		return tip, fmt.Errorf("pull after %d: %w", tip.Index, err)
	}

	return tip, nil
}

// resolveInFlight settles the fate of a pushed package whose answer was lost, now that the
// package at its index is known.
func (s *Synchronizer) resolveInFlight(ctx context.Context, pkg changepkg.Package) error {
	pending, err := s.store.Bookkeeping(ctx)
	if err != nil {
		return err
	}

	changed := false
	kept := pending[:0]
	for _, b := range pending {
		if b.Confirmed || b.Index != pkg.Index {
			kept = append(kept, b)
			continue
		}

		changed = true
		if b.PackageID != pkg.ID {
			continue
		}

		b.Confirmed = true
		kept = append(kept, b)

		recovered := pkg
		s.recovered = &recovered
		ctxlogrus.Extract(ctx).WithField("index", pkg.Index).Info("pushed package recovered by pull")
	}

	if !changed {
		return nil
	}
	return s.store.SetBookkeeping(ctx, kept)
}

// settle records the pending name bookkeeping of pushed packages on the hub. Bookkeeping the
// hub rejects is dropped, bookkeeping that could not be delivered stays pending.
func (s *Synchronizer) settle(ctx context.Context) error {
	pending, err := s.store.Bookkeeping(ctx)
	if err != nil {
		return err
	}

	var (
		kept      []docstore.Bookkeeping
		settleErr error
	)
	for _, b := range pending {
		if !b.Confirmed || settleErr != nil {
			kept = append(kept, b)
			continue
		}

		err := s.client.DiscardOrReserveNames(ctx, s.replica, b.Discarded, b.Used, b.Index)
		switch {
		case err == nil:
			s.cache.Released(b.Used)
		case outcomeUnknown(err):
			kept = append(kept, b)
			settleErr = fmt.Errorf("record names of package %d: %w", b.Index, err)
		default:
			ctxlogrus.Extract(ctx).WithError(err).WithField("index", b.Index).Error("hub rejected name bookkeeping")
			settleErr = fmt.Errorf("record names of package %d: %w", b.Index, err)
		}
	}

	if len(kept) != len(pending) {
		if err := s.store.SetBookkeeping(ctx, kept); err != nil {
			return err
		}
	}
	return settleErr
}

// Push runs push cycles until the pending edits are pushed. It returns
// commonerr.ErrNothingToPush if there are none.
func (s *Synchronizer) Push(ctx context.Context, description string) (changepkg.Package, error) {
	ctx, done := s.begin(ctx, "push")
	defer done()

	start := time.Now()

	pkg, err := s.push(ctx, description)
	if errors.Is(err, commonerr.ErrNothingToPush) {
		s.countCycle("nothing_to_push")
		s.idle(ctx)
		return changepkg.Package{}, err
	}
	if err != nil {
		s.countCycle("failed")
		return changepkg.Package{}, s.fail(ctx, err)
	}

	s.countCycle("pushed")
	if s.pushLatency != nil {
		s.pushLatency.Observe(time.Since(start).Seconds())
	}

	s.idle(ctx)
	return pkg, nil
}

func (s *Synchronizer) push(ctx context.Context, description string) (changepkg.Package, error) {
	if err := s.cache.EnsureValid(ctx, s.client); err != nil {
		return changepkg.Package{}, err
	}

	if err := s.settle(ctx); err != nil {
		return changepkg.Package{}, err
	}

	for cycle := 1; ; cycle++ {
		s.recovered = nil

		tip, err := s.pull(ctx)
		if err != nil {
			return changepkg.Package{}, err
		}

		edits, err := s.store.PendingEdits(ctx)
		if err != nil {
			return changepkg.Package{}, err
		}

		if edits.Empty() {
			if s.recovered == nil {
				return changepkg.Package{}, commonerr.ErrNothingToPush
			}
			pkg := *s.recovered
			s.afterPush(ctx)
			return pkg, nil
		}

		touched := s.store.ResourcesTouched(edits)

		if err := s.enter(ctx, Acquiring, tip); err != nil {
			return changepkg.Package{}, err
		}

		err = s.acquire(ctx, touched.Claims, tip.Index)
		var revisionErr commonerr.RevisionRequiredError
		if errors.As(err, &revisionErr) {
			if cycle >= s.conf.MaxCycles {
				return changepkg.Package{}, err
			}

			s.countCycle("revision_required")
			ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
				"cycle":          cycle,
				"required_index": revisionErr.RequiredIndex,
			}).Info("view is stale, pulling again")
			continue
		}
		if err != nil {
			return changepkg.Package{}, err
		}

		if err := s.enter(ctx, Committing, tip); err != nil {
			return changepkg.Package{}, err
		}

		payload, err := s.store.Commit(edits)
		if err != nil {
			return changepkg.Package{}, err
		}

		if err := s.enter(ctx, Pushing, tip); err != nil {
			return changepkg.Package{}, err
		}

		pkg, err := s.pushPackage(ctx, tip, payload, description, edits, touched)
		var tipMovedErr commonerr.TipMovedError
		if errors.As(err, &tipMovedErr) {
			if cycle >= s.conf.MaxCycles {
				return changepkg.Package{}, err
			}

			s.countCycle("tip_moved")
			ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
				"cycle":   cycle,
				"hub_tip": tipMovedErr.Tip,
			}).Info("tip moved, pulling again")
			continue
		}
		if locksLost(err) {
			if cycle >= s.conf.MaxCycles {
				return changepkg.Package{}, err
			}

			s.countCycle("locks_lost")
			ctxlogrus.Extract(ctx).WithField("cycle", cycle).Info("hub does not know our locks, refreshing reservations")
			if err := s.cache.EnsureValid(ctx, s.client); err != nil {
				return changepkg.Package{}, err
			}
			continue
		}
		if err != nil {
			return changepkg.Package{}, err
		}

		return pkg, nil
	}
}

// acquire obtains the claims the cache does not already hold, checking availability first.
func (s *Synchronizer) acquire(ctx context.Context, claims []resource.Claim, asOf int64) error {
	missing := s.cache.Missing(claims)
	if len(missing) == 0 {
		return nil
	}

	conflicts, err := s.client.AreAvailable(ctx, s.replica, missing, asOf)
	if err != nil {
		return err
	}
	if err := commonerr.NewReservationError(conflicts); err != nil {
		return err
	}

	if err := s.client.Acquire(ctx, s.replica, missing, asOf); err != nil {
		if outcomeUnknown(err) {
			s.cache.Invalidate()
		}
		return err
	}

	s.cache.Granted(missing)
	return nil
}

// pushPackage pushes payload on top of tip and records the outcome locally.
func (s *Synchronizer) pushPackage(ctx context.Context, tip changepkg.Link, payload []byte, description string, edits docstore.Edits, touched docstore.Resources) (changepkg.Package, error) {
	inFlight := docstore.Bookkeeping{
		PackageID: changepkg.ComputeID(tip.ID, changepkg.Digest(payload)),
		Index:     tip.Index + 1,
		Used:      touched.Used,
		Discarded: touched.Discarded,
	}

	pending, err := s.store.Bookkeeping(ctx)
	if err != nil {
		return changepkg.Package{}, err
	}
	if !inFlight.Empty() {
		if err := s.store.SetBookkeeping(ctx, append(pending, inFlight)); err != nil {
			return changepkg.Package{}, err
		}
	}

	pkg, err := s.client.CreateAndPush(ctx, client.PushRequest{
		Replica:     s.replica,
		Parent:      tip,
		Payload:     payload,
		Description: description,
		Resources:   touched.Modified,
	})
	if err != nil {
		if outcomeUnknown(err) {
			// The package may exist: the next pull tells.
			s.cache.Invalidate()
			return changepkg.Package{}, err
		}

		var conflictErr commonerr.ConflictError
		if errors.As(err, &conflictErr) {
			// The hub disagrees with what the cache holds.
			s.cache.Invalidate()
		}

		if !inFlight.Empty() {
			if setErr := s.store.SetBookkeeping(ctx, pending); setErr != nil {
				return changepkg.Package{}, setErr
			}
		}
		return changepkg.Package{}, err
	}

	if err := s.store.MarkPushed(ctx, pkg, edits); err != nil {
		return changepkg.Package{}, err
	}

	// Unconfirmed entries of earlier attempts at this index never made it to the hub.
	kept := make([]docstore.Bookkeeping, 0, len(pending)+1)
	for _, b := range pending {
		if !b.Confirmed && b.Index == pkg.Index {
			continue
		}
		kept = append(kept, b)
	}
	if !inFlight.Empty() {
		inFlight.Confirmed = true
		kept = append(kept, inFlight)
	}
	if !inFlight.Empty() || len(kept) != len(pending) {
		if err := s.store.SetBookkeeping(ctx, kept); err != nil {
			return changepkg.Package{}, err
		}
	}

	ctxlogrus.Extract(ctx).WithField("index", pkg.Index).Info("package pushed")

	s.afterPush(ctx)
	return pkg, nil
}

// afterPush records the name bookkeeping and drops the holdings no pending edit needs. Both
// are retried later when they fail, the push itself already succeeded.
func (s *Synchronizer) afterPush(ctx context.Context) {
	logger := ctxlogrus.Extract(ctx)

	if err := s.settle(ctx); err != nil {
		// Reservations stay held until the names are recorded.
		logger.WithError(err).Warn("name bookkeeping deferred")
		return
	}

	if !s.conf.RelinquishAfterPush {
		return
	}

	if err := s.relinquishUnneeded(ctx); err != nil {
		logger.WithError(err).Warn("relinquish after push")
	}
}

func (s *Synchronizer) relinquishUnneeded(ctx context.Context) error {
	edits, err := s.store.PendingEdits(ctx)
	if err != nil {
		return err
	}

	needed := map[resource.ID]bool{}
	for _, c := range s.store.ResourcesTouched(edits).Claims {
		needed[c.ID] = true
	}

	if len(needed) == 0 {
		if _, err := s.client.RelinquishAll(ctx, s.replica); err != nil {
			s.cache.Invalidate()
			return err
		}
		s.cache.Clear()
		return nil
	}

	var release []resource.ID
	for _, c := range s.cache.Held() {
		if !needed[c.ID] {
			release = append(release, c.ID)
		}
	}
	if len(release) == 0 {
		return nil
	}

	if _, err := s.client.Release(ctx, s.replica, release); err != nil {
		s.cache.Invalidate()
		return err
	}
	s.cache.Released(release)
	return nil
}
