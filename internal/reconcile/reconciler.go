// Package reconcile keeps the local store and a remote mirror converged. The
// push loop drains the PendingOp outbox with compare-and-swap writes, the pull
// loop applies remote deltas past a per-mirror cursor, and both resolve
// conflicts through a Policy.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/moby/locker"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yourownai/relay/internal/events"
	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/remote"
	"github.com/yourownai/relay/internal/store"
)

// Config controls batch sizes, cadence and the retry budget.
type Config struct {
	DeviceID     string
	BatchSize    int           // PendingOps leased per push cycle
	PullLimit    int           // records per pull page
	PushInterval time.Duration // push poll interval
	PullInterval time.Duration // pull poll interval
	MaxAttempts  int           // attempts before a PendingOp is marked failed
	CallTimeout  time.Duration // bound on every remote call
	Realtime     bool          // subscribe to the mirror's change feed

	// Retry inside one push cycle.
	RetryInitial time.Duration
	RetryMax     time.Duration
	CycleRetries int
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PullLimit <= 0 {
		c.PullLimit = 500
	}
	if c.PushInterval <= 0 {
		c.PushInterval = 2 * time.Second
	}
	if c.PullInterval <= 0 {
		c.PullInterval = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 100 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2 * time.Second
	}
	if c.CycleRetries < 0 {
		c.CycleRetries = 0
	}
}

// Reconciler syncs one local store with one mirror.
type Reconciler struct {
	sync   store.Sync
	mirror remote.Mirror
	policy Policy
	bus    *events.Bus
	cfg    Config
	log    zerolog.Logger
	locks  *locker.Locker
	now    func() time.Time

	pushNow chan struct{}
	pullNow chan model.EntityType
}

// New wires a reconciler. bus may be nil; the loops then run on tickers only.
func New(s store.Sync, m remote.Mirror, p Policy, bus *events.Bus, cfg Config, log zerolog.Logger) *Reconciler {
	cfg.setDefaults()
	if p == nil {
		p = VersionPolicy{}
	}
	return &Reconciler{
		sync:    s,
		mirror:  m,
		policy:  p,
		bus:     bus,
		cfg:     cfg,
		log:     log.With().Str("component", "reconciler").Str("mirror", m.Name()).Logger(),
		locks:   locker.New(),
		now:     model.Now,
		pushNow: make(chan struct{}, 1),
		pullNow: make(chan model.EntityType, len(model.EntityTypes)),
	}
}

// Run starts the push loop, the pull loop, the event dispatcher and, when
// enabled, the realtime feed listeners. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info().
		Int("batch", r.cfg.BatchSize).
		Dur("push_interval", r.cfg.PushInterval).
		Dur("pull_interval", r.cfg.PullInterval).
		Str("policy", r.policy.Name()).
		Msg("reconciler starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.pushLoop(ctx) })
	g.Go(func() error { return r.pullLoop(ctx) })
	g.Go(func() error { return r.dispatch(ctx) })
	if r.cfg.Realtime {
		for _, t := range model.EntityTypes {
			g.Go(func() error { r.listen(ctx, t); return nil })
		}
	}
	err := g.Wait()
	r.log.Info().Msg("reconciler stopping")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunOnce performs one full push and one full pull.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	if err := r.PushOnce(ctx); err != nil {
		return err
	}
	return r.PullAll(ctx)
}

// RequestSync asks the running loops for an immediate push and pull.
func (r *Reconciler) RequestSync() {
	r.nudgePush()
	for _, t := range model.EntityTypes {
		r.nudgePull(t)
	}
}

func (r *Reconciler) nudgePush() {
	select {
	case r.pushNow <- struct{}{}:
	default:
	}
}

func (r *Reconciler) nudgePull(t model.EntityType) {
	select {
	case r.pullNow <- t:
	default:
	}
}

// dispatch turns bus events into loop nudges.
func (r *Reconciler) dispatch(ctx context.Context) error {
	ch := r.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			switch ev.Kind {
			case events.EventLocalWrite:
				r.nudgePush()
			case events.EventRemoteChange:
				r.nudgePull(ev.EntityType)
			case events.EventSyncRequested:
				r.RequestSync()
			}
		}
	}
}

func (r *Reconciler) pushLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.pushNow:
		}
		if err := r.PushOnce(ctx); err != nil && ctx.Err() == nil {
			// per-op backoff prevents hot-looping
			r.log.Error().Err(err).Msg("push cycle")
		}
	}
}

func (r *Reconciler) pullLoop(ctx context.Context) error {
	if err := r.PullAll(ctx); err != nil && ctx.Err() == nil {
		r.log.Warn().Err(err).Msg("initial pull")
	}
	ticker := time.NewTicker(r.cfg.PullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.PullAll(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn().Err(err).Msg("pull cycle")
			}
		case t := <-r.pullNow:
			if err := r.PullOnce(ctx, t); err != nil && ctx.Err() == nil {
				r.log.Warn().Err(err).Str("entity_type", string(t)).Msg("triggered pull")
			}
		}
	}
}

func (r *Reconciler) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.CallTimeout)
}

func entityKey(t model.EntityType, id string) string { return string(t) + "/" + id }

// lockEntity serializes push and pull work on one entity.
func (r *Reconciler) lockEntity(t model.EntityType, id string) func() {
	key := entityKey(t, id)
	r.locks.Lock(key)
	return func() { _ = r.locks.Unlock(key) }
}
