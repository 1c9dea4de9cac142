package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/crosstalk-im/crosstalk/core/cluster"
	"github.com/crosstalk-im/crosstalk/core/wire"
)

type TransportConfig struct {
	// Connect opens the underlying NATS connection. Defaults to ConnectDefault.
	Connect Connector
	Log     *slog.Logger
	// SubjectPrefix namespaces one cluster on a shared NATS deployment,
	// e.g. "xtalk" -> xtalk.node.<id>, xtalk.all, xtalk.member.*
	SubjectPrefix string
	// NodeID identifies this member. Defaults to a random ID; production
	// deployments should configure a stable one.
	NodeID cluster.NodeID
	// HeartbeatInterval paces membership announcements. Defaults to 1s.
	HeartbeatInterval time.Duration
	// PeerTTL is how long a silent peer stays in the member list before it
	// is declared gone. Defaults to 3x the heartbeat interval.
	PeerTTL time.Duration
}

const defaultSubjectPrefix = "xtalk"

// Transport is the production clustering substrate: directed envelopes over
// per-node subjects, broadcasts over a shared subject and gossip-style
// membership over announce/leave subjects plus heartbeats.
//
// NATS preserves publish order per connection and dispatches each
// subscription's messages on a single goroutine, which yields the same
// per-sender FIFO delivery the in-memory transport provides.
type Transport struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	log     *slog.Logger
	prefix  string
	id      cluster.NodeID

	heartbeat time.Duration
	peerTTL   time.Duration
	joinedAt  int64

	handler atomic.Pointer[cluster.HandlerFunc]

	memberMu  sync.Mutex
	peers     map[cluster.NodeID]*peerState
	senior    cluster.NodeID
	memberFns map[int]func(cluster.MembershipEvent)
	memberSeq int

	subs   []*natsgo.Subscription
	cancel context.CancelFunc
	done   sync.WaitGroup
	closed atomic.Bool
}

type peerState struct {
	joinedAt int64
	lastSeen time.Time
}

var _ cluster.Transport = (*Transport)(nil)

// NewTransport connects to NATS, announces this node and starts tracking
// membership. ctx bounds the lifetime of the background heartbeat.
func NewTransport(ctx context.Context, cfg TransportConfig) (*Transport, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	id := cfg.NodeID
	if id == "" {
		id = cluster.NewNodeID()
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = time.Second
	}
	peerTTL := cfg.PeerTTL
	if peerTTL <= 0 {
		peerTTL = 3 * heartbeat
	}

	nc, closeNc, err := connFn()
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}

	t := &Transport{
		nc:        nc,
		closeNc:   closeNc,
		log:       log.With(slog.String("transport", "nats"), slog.String("node", string(id))),
		prefix:    prefix,
		id:        id,
		heartbeat: heartbeat,
		peerTTL:   peerTTL,
		joinedAt:  time.Now().UnixNano(),
		peers:     make(map[cluster.NodeID]*peerState),
		memberFns: make(map[int]func(cluster.MembershipEvent)),
	}
	t.senior = id // alone until the first announce arrives

	if err := t.subscribeAll(); err != nil {
		nc.Drain()
		closeNc()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done.Add(1)
	go t.heartbeatLoop(runCtx)

	t.announce()
	return t, nil
}

func (t *Transport) NodeID() cluster.NodeID { return t.id }

func (t *Transport) subjectNode(id cluster.NodeID) string { return t.prefix + ".node." + string(id) }
func (t *Transport) subjectAll() string                   { return t.prefix + ".all" }
func (t *Transport) subjectAnnounce() string              { return t.prefix + ".member.announce" }
func (t *Transport) subjectLeave() string                 { return t.prefix + ".member.leave" }

func (t *Transport) subscribeAll() error {
	for _, s := range []struct {
		subj string
		h    natsgo.MsgHandler
	}{
		{t.subjectNode(t.id), t.onEnvelope},
		{t.subjectAll(), t.onEnvelope},
		{t.subjectAnnounce(), t.onAnnounce},
		{t.subjectLeave(), t.onLeave},
	} {
		sub, err := t.nc.Subscribe(s.subj, s.h)
		if err != nil {
			return fmt.Errorf("nats: subscribe %s: %w", s.subj, err)
		}
		t.subs = append(t.subs, sub)
	}
	return nil
}

// === envelope plane ===

func (t *Transport) onEnvelope(msg *natsgo.Msg) {
	env, err := cluster.DecodeEnvelope(msg.Data)
	if err != nil {
		t.log.Error("failed to decode envelope", slog.Any("error", err))
		return
	}
	if env.Sender == t.id {
		// own broadcast echo
		return
	}

	var (
		data   []byte
		hndErr error
	)
	if h := t.handler.Load(); h != nil {
		data, hndErr = (*h)(context.Background(), env)
	} else {
		hndErr = fmt.Errorf("%w: %s", cluster.ErrNodeUnreachable, t.id)
	}

	if msg.Reply != "" {
		if err := t.nc.Publish(msg.Reply, cluster.EncodeResult(data, hndErr)); err != nil {
			t.log.Error("failed to publish reply", slog.Any("error", err))
		}
	} else if hndErr != nil {
		t.log.Debug("fire-and-forget task failed",
			slog.String("kind", env.Kind), slog.Any("error", hndErr))
	}
}

func (t *Transport) Subscribe(h cluster.HandlerFunc) (cluster.Subscription, error) {
	if t.closed.Load() {
		return nil, cluster.ErrTransportClosed
	}
	t.handler.Store(&h)
	return &handlerSubscription{t: t}, nil
}

func (t *Transport) knownPeer(id cluster.NodeID) bool {
	t.memberMu.Lock()
	defer t.memberMu.Unlock()
	_, ok := t.peers[id]
	return ok
}

func (t *Transport) Send(ctx context.Context, target cluster.NodeID, env cluster.Envelope) error {
	if t.closed.Load() {
		return cluster.ErrTransportClosed
	}
	if !t.knownPeer(target) {
		return fmt.Errorf("%w: %s", cluster.ErrNodeUnreachable, target)
	}
	if err := t.nc.Publish(t.subjectNode(target), env.Encode()); err != nil {
		return fmt.Errorf("nats: publish: %w", err)
	}
	return nil
}

func (t *Transport) Request(ctx context.Context, target cluster.NodeID, env cluster.Envelope, timeout time.Duration) ([]byte, error) {
	if t.closed.Load() {
		return nil, cluster.ErrTransportClosed
	}
	if !t.knownPeer(target) {
		return nil, fmt.Errorf("%w: %s", cluster.ErrNodeUnreachable, target)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := t.nc.RequestWithContext(reqCtx, t.subjectNode(target), env.Encode())
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		return nil, cluster.ErrClusterTimeout
	case errors.Is(err, natsgo.ErrNoResponders):
		return nil, fmt.Errorf("%w: %s", cluster.ErrNodeUnreachable, target)
	default:
		return nil, fmt.Errorf("nats: request: %w", err)
	}
	return cluster.DecodeResult(msg.Data)
}

func (t *Transport) Broadcast(ctx context.Context, env cluster.Envelope) error {
	if t.closed.Load() {
		return cluster.ErrTransportClosed
	}
	if err := t.nc.Publish(t.subjectAll(), env.Encode()); err != nil {
		return fmt.Errorf("nats: publish: %w", err)
	}
	return nil
}

// === membership plane ===

func encodeMember(id cluster.NodeID, joinedAt int64) []byte {
	var w wire.Writer
	w.String(string(id))
	w.Int64(joinedAt)
	return w.Bytes()
}

func decodeMember(b []byte) (cluster.NodeID, int64, error) {
	r := wire.NewReader(b)
	id := cluster.NodeID(r.String())
	joinedAt := r.Int64()
	return id, joinedAt, r.Err()
}

func (t *Transport) announce() {
	if err := t.nc.Publish(t.subjectAnnounce(), encodeMember(t.id, t.joinedAt)); err != nil {
		t.log.Warn("announce failed", slog.Any("error", err))
	}
}

func (t *Transport) onAnnounce(msg *natsgo.Msg) {
	id, joinedAt, err := decodeMember(msg.Data)
	if err != nil || id == t.id {
		return
	}

	t.memberMu.Lock()
	_, known := t.peers[id]
	t.peers[id] = &peerState{joinedAt: joinedAt, lastSeen: time.Now()}
	events := t.membershipEventsLocked(!known, id)
	t.memberMu.Unlock()

	if !known {
		// answer with our own announce so the newcomer learns us before the
		// next heartbeat tick
		t.announce()
	}
	t.emit(events)
}

func (t *Transport) onLeave(msg *natsgo.Msg) {
	id, _, err := decodeMember(msg.Data)
	if err != nil || id == t.id {
		return
	}
	t.dropPeer(id)
}

func (t *Transport) dropPeer(id cluster.NodeID) {
	t.memberMu.Lock()
	if _, known := t.peers[id]; !known {
		t.memberMu.Unlock()
		return
	}
	delete(t.peers, id)
	events := []cluster.MembershipEvent{{Kind: cluster.NodeLeft, Node: id}}
	if next := t.seniorLocked(); next != t.senior {
		t.senior = next
		events = append(events, cluster.MembershipEvent{Kind: cluster.SeniorElected, Node: next})
	}
	t.memberMu.Unlock()
	t.emit(events)
}

// membershipEventsLocked builds the events for a peer update. Callers hold
// memberMu.
func (t *Transport) membershipEventsLocked(joined bool, id cluster.NodeID) []cluster.MembershipEvent {
	var events []cluster.MembershipEvent
	if joined {
		events = append(events, cluster.MembershipEvent{Kind: cluster.NodeJoined, Node: id})
	}
	if next := t.seniorLocked(); next != t.senior {
		t.senior = next
		events = append(events, cluster.MembershipEvent{Kind: cluster.SeniorElected, Node: next})
	}
	return events
}

// seniorLocked elects the longest-tenured member, node ID breaking ties.
func (t *Transport) seniorLocked() cluster.NodeID {
	senior := t.id
	seniorJoined := t.joinedAt
	for id, p := range t.peers {
		if p.joinedAt < seniorJoined || (p.joinedAt == seniorJoined && id < senior) {
			senior = id
			seniorJoined = p.joinedAt
		}
	}
	return senior
}

func (t *Transport) emit(events []cluster.MembershipEvent) {
	if len(events) == 0 {
		return
	}
	t.memberMu.Lock()
	fns := make([]func(cluster.MembershipEvent), 0, len(t.memberFns))
	for _, fn := range t.memberFns {
		fns = append(fns, fn)
	}
	t.memberMu.Unlock()
	for _, ev := range events {
		t.log.Debug("membership event",
			slog.String("kind", string(ev.Kind)), slog.String("node", string(ev.Node)))
		for _, fn := range fns {
			fn(ev)
		}
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context) {
	defer t.done.Done()
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.announce()
			t.expirePeers()
		}
	}
}

func (t *Transport) expirePeers() {
	deadline := time.Now().Add(-t.peerTTL)
	t.memberMu.Lock()
	var expired []cluster.NodeID
	for id, p := range t.peers {
		if p.lastSeen.Before(deadline) {
			expired = append(expired, id)
		}
	}
	t.memberMu.Unlock()
	for _, id := range expired {
		t.log.Warn("peer heartbeat expired", slog.String("peer", string(id)))
		t.dropPeer(id)
	}
}

func (t *Transport) Peers() []cluster.NodeID {
	t.memberMu.Lock()
	defer t.memberMu.Unlock()
	out := make([]cluster.NodeID, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := t.peers[out[i]], t.peers[out[j]]
		if pi.joinedAt != pj.joinedAt {
			return pi.joinedAt < pj.joinedAt
		}
		return out[i] < out[j]
	})
	return out
}

func (t *Transport) Senior() cluster.NodeID {
	t.memberMu.Lock()
	defer t.memberMu.Unlock()
	return t.senior
}

func (t *Transport) OnMembership(fn func(cluster.MembershipEvent)) cluster.Subscription {
	t.memberMu.Lock()
	defer t.memberMu.Unlock()
	t.memberSeq++
	id := t.memberSeq
	t.memberFns[id] = fn
	return &memberSubscription{t: t, id: id}
}

// Close leaves the cluster gracefully: a leave notice goes out so peers drop
// this node immediately instead of waiting out the TTL.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	_ = t.nc.Publish(t.subjectLeave(), encodeMember(t.id, t.joinedAt))
	_ = t.nc.Flush()

	t.cancel()
	t.done.Wait()
	for _, s := range t.subs {
		_ = s.Unsubscribe()
	}
	t.nc.Drain()
	t.closeNc()
	t.log.Debug("closed")
	return nil
}

type handlerSubscription struct {
	t    *Transport
	once sync.Once
}

func (s *handlerSubscription) Unsubscribe() error {
	s.once.Do(func() { s.t.handler.Store(nil) })
	return nil
}

type memberSubscription struct {
	t  *Transport
	id int
}

func (s *memberSubscription) Unsubscribe() error {
	s.t.memberMu.Lock()
	delete(s.t.memberFns, s.id)
	s.t.memberMu.Unlock()
	return nil
}
