// Package reconcile keeps per-node state convergent across membership
// changes. A joining node pulls the full occupied-room and session-claim
// state from the senior member, while every pre-existing node pulls from the
// joiner whatever state it brought along. When a node leaves, every survivor
// locally purges the sessions and occupants it homed and re-homes its rooms.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/crosstalk-im/crosstalk/core/cluster"
	"github.com/crosstalk-im/crosstalk/core/muc"
	"github.com/crosstalk-im/crosstalk/core/session"
)

type Options struct {
	Log        *slog.Logger
	Transport  cluster.Transport
	Dispatcher *cluster.Dispatcher
	Registry   *session.Registry
	Rooms      *muc.Service

	// SyncTimeout bounds each pull during reconciliation.
	SyncTimeout time.Duration
	// RetryInterval paces retries against a node that is still starting up.
	RetryInterval time.Duration
	// MaxAttempts caps the retries per pull.
	MaxAttempts int
}

const (
	defaultSyncTimeout   = 10 * time.Second
	defaultRetryInterval = 100 * time.Millisecond
	defaultMaxAttempts   = 20
)

type Reconciler struct {
	log           *slog.Logger
	t             cluster.Transport
	d             *cluster.Dispatcher
	reg           *session.Registry
	rooms         *muc.Service
	syncTimeout   time.Duration
	retryInterval time.Duration
	maxAttempts   int

	sub cluster.Subscription

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Reconciler {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	r := &Reconciler{
		log:           log.With(slog.String("component", "reconcile")),
		t:             opts.Transport,
		d:             opts.Dispatcher,
		reg:           opts.Registry,
		rooms:         opts.Rooms,
		syncTimeout:   opts.SyncTimeout,
		retryInterval: opts.RetryInterval,
		maxAttempts:   opts.MaxAttempts,
	}
	if r.syncTimeout <= 0 {
		r.syncTimeout = defaultSyncTimeout
	}
	if r.retryInterval <= 0 {
		r.retryInterval = defaultRetryInterval
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	return r
}

// Run performs the initial pull from the senior member and then reacts to
// membership events until ctx is cancelled or Close is called.
func (r *Reconciler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.sub = r.t.OnMembership(func(ev cluster.MembershipEvent) {
		// membership callbacks must not block the transport: the actual
		// reconciliation work runs detached
		switch ev.Kind {
		case cluster.NodeJoined:
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.pullFromJoiner(ctx, ev.Node)
			}()
		case cluster.NodeLeft:
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.purgeDeparted(ev.Node)
			}()
		case cluster.SeniorElected:
			r.log.Info("senior elected", slog.String("senior", string(ev.Node)))
		}
	})

	if senior := r.t.Senior(); senior != "" && senior != r.t.NodeID() {
		if err := r.pullFull(ctx, senior); err != nil {
			r.sub.Unsubscribe()
			return err
		}
	}
	return nil
}

// pullFull seeds this node with the complete cluster view held by target.
// Runs once at startup, against the senior member.
func (r *Reconciler) pullFull(ctx context.Context, target cluster.NodeID) error {
	r.log.Info("pulling full state", slog.String("from", string(target)))

	snaps, err := r.fetchSnapshots(ctx, target, func(ctx context.Context) ([]muc.Snapshot, error) {
		return r.rooms.FetchAll(ctx, target)
	})
	if err != nil {
		return err
	}
	r.rooms.Seed(snaps)

	claims, err := r.fetchClaims(ctx, target, "")
	if err != nil {
		return err
	}
	r.reg.SeedClaims(claims)

	r.log.Info("full state pulled",
		slog.String("from", string(target)),
		slog.Int("rooms", len(snaps)),
		slog.Int("claims", len(claims)))
	return nil
}

// pullFromJoiner imports the rooms and session claims a joining node
// brought along, typically after a network partition heals or two grown
// clusters merge.
func (r *Reconciler) pullFromJoiner(ctx context.Context, joiner cluster.NodeID) {
	snaps, err := r.fetchSnapshots(ctx, joiner, func(ctx context.Context) ([]muc.Snapshot, error) {
		return r.rooms.FetchLocalTo(ctx, joiner, joiner)
	})
	if err != nil {
		r.log.Warn("joiner room pull failed",
			slog.String("joiner", string(joiner)), slog.Any("error", err))
		return
	}
	r.rooms.Seed(snaps)

	claims, err := r.fetchClaims(ctx, joiner, joiner)
	if err != nil {
		r.log.Warn("joiner claim pull failed",
			slog.String("joiner", string(joiner)), slog.Any("error", err))
		return
	}
	r.reg.SeedClaims(claims)

	r.log.Info("joiner state pulled",
		slog.String("joiner", string(joiner)),
		slog.Int("rooms", len(snaps)),
		slog.Int("claims", len(claims)))
}

// purgeDeparted drops everything the departed node contributed. Purely
// local: every survivor runs the same computation, so no coordination is
// needed.
func (r *Reconciler) purgeDeparted(departed cluster.NodeID) {
	survivors := append(r.t.Peers(), r.t.NodeID())
	dropped := r.reg.PurgeNode(departed)
	r.rooms.PurgeNode(departed, survivors)
	r.log.Info("purged departed node",
		slog.String("node", string(departed)),
		slog.Int("sessions", dropped))
}

func (r *Reconciler) fetchSnapshots(ctx context.Context, target cluster.NodeID, fetch func(context.Context) ([]muc.Snapshot, error)) ([]muc.Snapshot, error) {
	var (
		snaps []muc.Snapshot
		err   error
	)
	err = r.withRetry(ctx, target, func(callCtx context.Context) error {
		snaps, err = fetch(callCtx)
		return err
	})
	return snaps, err
}

func (r *Reconciler) fetchClaims(ctx context.Context, target, filter cluster.NodeID) ([]session.Claim, error) {
	var (
		claims []session.Claim
		err    error
	)
	err = r.withRetry(ctx, target, func(callCtx context.Context) error {
		claims, err = r.reg.FetchClaims(callCtx, target, filter)
		return err
	})
	return claims, err
}

// withRetry runs fn until it succeeds or the target looks permanently gone.
// A node that just joined the transport may not have its task handlers
// registered yet, which surfaces as unreachable or unknown-task errors.
func (r *Reconciler) withRetry(ctx context.Context, target cluster.NodeID, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.retryInterval):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, r.syncTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
		r.log.Debug("sync attempt failed",
			slog.String("target", string(target)),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}
	return lastErr
}

func retryable(err error) bool {
	return errors.Is(err, cluster.ErrNodeUnreachable) ||
		errors.Is(err, cluster.ErrUnknownTask) ||
		errors.Is(err, cluster.ErrClusterTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Close detaches from membership events and waits for in-flight
// reconciliation work to finish.
func (r *Reconciler) Close() {
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}
