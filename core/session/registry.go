package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/crosstalk-im/crosstalk/core/address"
	"github.com/crosstalk-im/crosstalk/core/cluster"
	"github.com/crosstalk-im/crosstalk/core/serial"
	"github.com/crosstalk-im/crosstalk/core/wire"
)

type entry struct {
	owner cluster.NodeID
	local Session // non-nil iff owner == this node
}

type table map[address.Key]entry

type RegistryOptions struct {
	Log        *slog.Logger
	Dispatcher *cluster.Dispatcher
	// Node receives the session task handlers.
	Node    *cluster.Node
	Metrics cluster.Metrics
}

// Registry is the per-node address table. Reads go through an atomically
// swapped copy-on-write map so resolving never blocks on the network or on
// writers; writes are serialized through one update path per node.
type Registry struct {
	log     *slog.Logger
	d       *cluster.Dispatcher
	metrics cluster.Metrics

	mu    sync.Mutex // serializes table writers
	table atomic.Pointer[table]

	// exec serializes mutating capability calls per session
	exec *serial.Executor[address.Key]

	// surrogates are reused per key so memoized attributes survive repeated
	// Resolve calls; dropped whenever ownership changes.
	surMu      sync.Mutex
	surrogates map[address.Key]*surrogate
}

func NewRegistry(opts RegistryOptions) *Registry {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = cluster.NopMetrics()
	}
	r := &Registry{
		log:        log.With(slog.String("component", "session-registry")),
		d:          opts.Dispatcher,
		metrics:    m,
		exec:       serial.New[address.Key](),
		surrogates: make(map[address.Key]*surrogate),
	}
	t := make(table)
	r.table.Store(&t)

	n := opts.Node
	n.Handle(kindClaim, r.handleClaim)
	n.Handle(kindRetract, r.handleRetract)
	n.Handle(kindEvict, r.handleEvict)
	n.Handle(kindDeliver, r.handleDeliver)
	n.Handle(kindDisplay, r.handleDisplay)
	n.Handle(kindDomains, r.handleDomains)
	n.Handle(kindCheckPair, r.handleCheckPair)
	n.Handle(kindClose, r.handleClose)
	n.Handle(kindSync, r.handleSync)
	return r
}

func (r *Registry) self() cluster.NodeID { return r.d.NodeID() }

// Resolve returns the session registered under key: the local object when
// this node owns it, a surrogate when another node does. It never blocks on
// the network. Callers must treat ErrNotFound as transient during topology
// convergence.
func (r *Registry) Resolve(key address.Key) (Session, error) {
	e, ok := (*r.table.Load())[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", cluster.ErrNotFound, key)
	}
	if e.local != nil {
		return e.local, nil
	}
	return r.surrogateFor(key, e.owner), nil
}

// RegisterLocal claims key for a connection accepted on this node and
// announces the claim to the cluster. When the key is already claimed,
// here or on another node, it fails with ErrDuplicateAddress unless evict
// is set, in which case the older session is closed first (last write wins
// reconnection semantics).
func (r *Registry) RegisterLocal(ctx context.Context, key address.Key, s Session, evict bool) error {
	r.mu.Lock()
	cur, exists := (*r.table.Load())[key]
	var superseded Session
	if exists {
		if !evict {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s owned by %s", cluster.ErrDuplicateAddress, key, cur.owner)
		}
		if cur.owner == r.self() {
			superseded = cur.local
		} else {
			// tell the old owner to drop its session; best effort, the claim
			// broadcast below supersedes its entry everywhere regardless
			if err := r.d.Notify(ctx, cur.owner, kindEvict, encodeKey(key)); err != nil {
				r.log.Warn("evict notification failed",
					slog.String("key", key.String()),
					slog.String("owner", string(cur.owner)),
					slog.Any("error", err))
			}
		}
	}
	r.writeLocked(func(t table) { t[key] = entry{owner: r.self(), local: s} })
	r.mu.Unlock()

	if superseded != nil {
		if err := r.exec.Do(ctx, key, func() error { return superseded.Close(ctx) }); err != nil {
			r.log.Warn("superseded session close failed",
				slog.String("key", key.String()), slog.Any("error", err))
		}
	}

	r.dropSurrogate(key)
	r.publishGauges()
	r.log.Info("session registered", slog.String("key", key.String()))
	return r.d.Broadcast(ctx, kindClaim, encodeClaim(key, r.self()))
}

// Unregister retracts key on disconnect. Unknown keys are a no-op.
func (r *Registry) Unregister(ctx context.Context, key address.Key) error {
	r.mu.Lock()
	cur, exists := (*r.table.Load())[key]
	if !exists || cur.local == nil {
		r.mu.Unlock()
		return nil
	}
	r.writeLocked(func(t table) { delete(t, key) })
	r.mu.Unlock()

	r.publishGauges()
	r.log.Info("session unregistered", slog.String("key", key.String()))
	return r.d.Broadcast(ctx, kindRetract, encodeClaim(key, r.self()))
}

// PurgeNode drops every entry owned by a departed node. Driven by the
// reconciler's membership callback; purely local bookkeeping.
func (r *Registry) PurgeNode(node cluster.NodeID) int {
	purged := 0
	r.mu.Lock()
	r.writeLocked(func(t table) {
		for k, e := range t {
			if e.owner == node {
				delete(t, k)
				purged++
			}
		}
	})
	r.mu.Unlock()

	r.surMu.Lock()
	for k, s := range r.surrogates {
		if s.owner == node {
			delete(r.surrogates, k)
		}
	}
	r.surMu.Unlock()

	if purged > 0 {
		r.publishGauges()
		r.log.Info("purged sessions of departed node",
			slog.String("departed", string(node)), slog.Int("count", purged))
	}
	return purged
}

// Claims snapshots the ownership map. filter restricts the snapshot to one
// owning node; empty means all entries.
func (r *Registry) Claims(filter cluster.NodeID) []Claim {
	t := *r.table.Load()
	out := make([]Claim, 0, len(t))
	for k, e := range t {
		if filter != "" && e.owner != filter {
			continue
		}
		out = append(out, Claim{Key: k, Owner: e.owner})
	}
	return out
}

// SeedClaims merges remotely learned ownership entries. Entries this node
// holds locally win: the local connection is live, a stale remote claim for
// it is not.
func (r *Registry) SeedClaims(claims []Claim) {
	r.mu.Lock()
	r.writeLocked(func(t table) {
		for _, c := range claims {
			if c.Owner == r.self() {
				continue
			}
			if cur, ok := t[c.Key]; ok && cur.local != nil {
				continue
			}
			t[c.Key] = entry{owner: c.Owner}
		}
	})
	r.mu.Unlock()
}

// LocalCount returns the number of sessions connected to this node.
func (r *Registry) LocalCount() int {
	n := 0
	for _, e := range *r.table.Load() {
		if e.local != nil {
			n++
		}
	}
	return n
}

// writeLocked copies the table, applies fn and swaps the pointer. Callers
// hold r.mu.
func (r *Registry) writeLocked(fn func(table)) {
	old := *r.table.Load()
	next := make(table, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	fn(next)
	r.table.Store(&next)
}

func (r *Registry) publishGauges() {
	r.metrics.SessionsLocal(string(r.self()), r.LocalCount())
}

func (r *Registry) surrogateFor(key address.Key, owner cluster.NodeID) *surrogate {
	r.surMu.Lock()
	defer r.surMu.Unlock()
	if s, ok := r.surrogates[key]; ok && s.owner == owner {
		return s
	}
	s := newSurrogate(key, owner, r.d)
	r.surrogates[key] = s
	return s
}

func (r *Registry) dropSurrogate(key address.Key) {
	r.surMu.Lock()
	delete(r.surrogates, key)
	r.surMu.Unlock()
}

// === task executors ===

func (r *Registry) handleClaim(_ context.Context, env cluster.Envelope) ([]byte, error) {
	key, owner, err := decodeClaim(wire.NewReader(env.Data))
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.writeLocked(func(t table) { t[key] = entry{owner: owner} })
	r.mu.Unlock()
	r.dropSurrogate(key)
	return nil, nil
}

func (r *Registry) handleRetract(_ context.Context, env cluster.Envelope) ([]byte, error) {
	key, owner, err := decodeClaim(wire.NewReader(env.Data))
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.writeLocked(func(t table) {
		// retraction from a node that no longer owns the key is stale
		if cur, ok := t[key]; ok && cur.owner == owner {
			delete(t, key)
		}
	})
	r.mu.Unlock()
	r.dropSurrogate(key)
	return nil, nil
}

func (r *Registry) handleEvict(ctx context.Context, env cluster.Envelope) ([]byte, error) {
	key, err := address.Decode(wire.NewReader(env.Data))
	if err != nil {
		return nil, err
	}
	s, ok := r.lookupLocal(key)
	if !ok {
		return nil, nil // already gone
	}
	r.mu.Lock()
	r.writeLocked(func(t table) { delete(t, key) })
	r.mu.Unlock()
	r.publishGauges()
	r.log.Info("session evicted by newer registration", slog.String("key", key.String()))
	return nil, r.exec.Do(ctx, key, func() error { return s.Close(ctx) })
}

func (r *Registry) lookupLocal(key address.Key) (Session, bool) {
	e, ok := (*r.table.Load())[key]
	if !ok || e.local == nil {
		return nil, false
	}
	return e.local, true
}

func (r *Registry) handleDeliver(ctx context.Context, env cluster.Envelope) ([]byte, error) {
	rd := wire.NewReader(env.Data)
	key, err := address.Decode(rd)
	if err != nil {
		return nil, err
	}
	payload := rd.Blob()
	if err := rd.Err(); err != nil {
		return nil, err
	}
	s, ok := r.lookupLocal(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", cluster.ErrTargetGone, key)
	}
	return nil, r.exec.Do(ctx, key, func() error { return s.DeliverRaw(ctx, payload) })
}

func (r *Registry) handleDisplay(ctx context.Context, env cluster.Envelope) ([]byte, error) {
	key, err := address.Decode(wire.NewReader(env.Data))
	if err != nil {
		return nil, err
	}
	s, ok := r.lookupLocal(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", cluster.ErrTargetGone, key)
	}
	addr, err := s.DisplayAddress(ctx)
	if err != nil {
		return nil, err
	}
	var w wire.Writer
	w.String(addr)
	return w.Bytes(), nil
}

func (r *Registry) handleDomains(ctx context.Context, env cluster.Envelope) ([]byte, error) {
	key, err := address.Decode(wire.NewReader(env.Data))
	if err != nil {
		return nil, err
	}
	s, ok := r.lookupLocal(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", cluster.ErrTargetGone, key)
	}
	domains, err := s.ValidatedDomains(ctx)
	if err != nil {
		return nil, err
	}
	var w wire.Writer
	w.Strings(domains)
	return w.Bytes(), nil
}

func (r *Registry) handleCheckPair(ctx context.Context, env cluster.Envelope) ([]byte, error) {
	rd := wire.NewReader(env.Data)
	key, err := address.Decode(rd)
	if err != nil {
		return nil, err
	}
	local, remote := rd.String(), rd.String()
	if err := rd.Err(); err != nil {
		return nil, err
	}
	s, ok := r.lookupLocal(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", cluster.ErrTargetGone, key)
	}
	okPair, err := s.CheckDomainPair(ctx, local, remote)
	if err != nil {
		return nil, err
	}
	var w wire.Writer
	w.Bool(okPair)
	return w.Bytes(), nil
}

func (r *Registry) handleClose(ctx context.Context, env cluster.Envelope) ([]byte, error) {
	key, err := address.Decode(wire.NewReader(env.Data))
	if err != nil {
		return nil, err
	}
	s, ok := r.lookupLocal(key)
	if !ok {
		return nil, nil
	}
	if err := r.exec.Do(ctx, key, func() error { return s.Close(ctx) }); err != nil {
		return nil, err
	}
	return nil, r.Unregister(ctx, key)
}

func (r *Registry) handleSync(_ context.Context, env cluster.Envelope) ([]byte, error) {
	rd := wire.NewReader(env.Data)
	filter, _ := rd.OptionalString()
	if err := rd.Err(); err != nil {
		return nil, err
	}
	var w wire.Writer
	encodeClaims(r.Claims(cluster.NodeID(filter)))(&w)
	return w.Bytes(), nil
}

// FetchClaims pulls the ownership snapshot held by target. filter restricts
// the result to entries owned by that node.
func (r *Registry) FetchClaims(ctx context.Context, target cluster.NodeID, filter cluster.NodeID) ([]Claim, error) {
	rd, err := r.d.Call(ctx, target, kindSync, func(w *wire.Writer) {
		w.OptionalString(string(filter), filter != "")
	})
	if err != nil {
		return nil, err
	}
	return decodeClaims(rd)
}

// Close stops the per-session executor.
func (r *Registry) Close() {
	r.exec.Close()
}
