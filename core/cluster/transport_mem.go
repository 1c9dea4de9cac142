package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MemoryHub is an in-process clustering substrate for tests: every node that
// joins gets a MemoryTransport wired to the hub. Delivery between a given
// sender and target goes through one ordered queue, so fire-and-forget
// ordering matches the production transport guarantee. The senior member is
// the longest-tenured node (join order).
type MemoryHub struct {
	log *slog.Logger

	mu        sync.Mutex
	nodes     map[NodeID]*MemoryTransport
	joinOrder []NodeID
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		log:   slog.New(slog.DiscardHandler),
		nodes: make(map[NodeID]*MemoryTransport),
	}
}

func (h *MemoryHub) WithLog(log *slog.Logger) *MemoryHub {
	h.log = log.With(slog.String("transport", "mem"))
	return h
}

// Join adds a node to the hub and returns its transport.
func (h *MemoryHub) Join(id NodeID) *MemoryTransport {
	t := &MemoryTransport{
		hub:    h,
		id:     id,
		log:    h.log.With(slog.String("node", string(id))),
		queues: make(map[NodeID]chan delivery),
	}

	h.mu.Lock()
	if _, dup := h.nodes[id]; dup {
		h.mu.Unlock()
		panic(fmt.Sprintf("cluster: node %s already joined", id))
	}
	h.nodes[id] = t
	h.joinOrder = append(h.joinOrder, id)
	others := h.othersLocked(id)
	senior := h.seniorLocked()
	h.mu.Unlock()

	for _, o := range others {
		o.emitMembership(MembershipEvent{Kind: NodeJoined, Node: id})
	}
	if senior == id {
		// first node: it is its own senior
		t.emitMembership(MembershipEvent{Kind: SeniorElected, Node: id})
	}
	return t
}

// Crash removes a node without any graceful retraction, as if the process
// died. Remaining nodes observe NodeLeft and, when the senior was lost, a
// SeniorElected event.
func (h *MemoryHub) Crash(id NodeID) {
	h.mu.Lock()
	t, ok := h.nodes[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	wasSenior := h.seniorLocked() == id
	h.removeLocked(id)
	others := h.othersLocked(id)
	newSenior := h.seniorLocked()
	h.mu.Unlock()

	t.shutdown()
	for _, o := range others {
		o.emitMembership(MembershipEvent{Kind: NodeLeft, Node: id})
		if wasSenior && newSenior != "" {
			o.emitMembership(MembershipEvent{Kind: SeniorElected, Node: newSenior})
		}
	}
}

func (h *MemoryHub) removeLocked(id NodeID) {
	delete(h.nodes, id)
	for i, n := range h.joinOrder {
		if n == id {
			h.joinOrder = append(h.joinOrder[:i], h.joinOrder[i+1:]...)
			break
		}
	}
}

func (h *MemoryHub) seniorLocked() NodeID {
	if len(h.joinOrder) == 0 {
		return ""
	}
	return h.joinOrder[0]
}

func (h *MemoryHub) othersLocked(id NodeID) []*MemoryTransport {
	out := make([]*MemoryTransport, 0, len(h.nodes))
	for _, n := range h.joinOrder {
		if n == id {
			continue
		}
		out = append(out, h.nodes[n])
	}
	return out
}

type delivery struct {
	env   Envelope
	reply chan result // nil for fire-and-forget
}

type result struct {
	data []byte
	err  error
}

// MemoryTransport is one node's view of a MemoryHub.
type MemoryTransport struct {
	hub *MemoryHub
	id  NodeID
	log *slog.Logger

	mu        sync.Mutex
	handler   HandlerFunc
	memberFns map[int]func(MembershipEvent)
	memberSeq int
	// queues holds the inbound ordered channel per sending node
	queues map[NodeID]chan delivery
	closed bool
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) NodeID() NodeID { return t.id }

func (t *MemoryTransport) Peers() []NodeID {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	out := make([]NodeID, 0, len(t.hub.joinOrder))
	for _, n := range t.hub.joinOrder {
		if n != t.id {
			out = append(out, n)
		}
	}
	return out
}

func (t *MemoryTransport) Senior() NodeID {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	return t.hub.seniorLocked()
}

func (t *MemoryTransport) Subscribe(h HandlerFunc) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	t.handler = h
	return &memSubscription{t: t}, nil
}

func (t *MemoryTransport) OnMembership(fn func(MembershipEvent)) Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.memberFns == nil {
		t.memberFns = make(map[int]func(MembershipEvent))
	}
	t.memberSeq++
	id := t.memberSeq
	t.memberFns[id] = fn
	return &memberSubscription{t: t, id: id}
}

func (t *MemoryTransport) emitMembership(ev MembershipEvent) {
	t.mu.Lock()
	fns := make([]func(MembershipEvent), 0, len(t.memberFns))
	for _, fn := range t.memberFns {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (t *MemoryTransport) Send(ctx context.Context, target NodeID, env Envelope) error {
	return t.deliver(ctx, target, delivery{env: env})
}

func (t *MemoryTransport) Request(ctx context.Context, target NodeID, env Envelope, timeout time.Duration) ([]byte, error) {
	reply := make(chan result, 1)
	if err := t.deliver(ctx, target, delivery{env: env, reply: reply}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrClusterTimeout
	case res := <-reply:
		return res.data, res.err
	}
}

func (t *MemoryTransport) Broadcast(ctx context.Context, env Envelope) error {
	for _, p := range t.Peers() {
		if err := t.deliver(ctx, p, delivery{env: env}); err != nil {
			return err
		}
	}
	return nil
}

func (t *MemoryTransport) deliver(ctx context.Context, target NodeID, d delivery) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}

	t.hub.mu.Lock()
	tgt, ok := t.hub.nodes[target]
	t.hub.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeUnreachable, target)
	}

	q, err := tgt.inboundQueue(t.id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNodeUnreachable, target)
	}
	select {
	case q <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// inboundQueue returns the ordered channel for envelopes from sender,
// creating it and its consumer goroutine on first use.
func (t *MemoryTransport) inboundQueue(sender NodeID) (chan delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	q, ok := t.queues[sender]
	if !ok {
		q = make(chan delivery, 256)
		t.queues[sender] = q
		go t.consume(q)
	}
	return q, nil
}

// consume processes one sender's queue sequentially, preserving FIFO order.
func (t *MemoryTransport) consume(q chan delivery) {
	for d := range q {
		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()

		var res result
		if h == nil {
			res.err = fmt.Errorf("%w: %s", ErrNodeUnreachable, t.id)
		} else {
			data, err := h(context.Background(), d.env)
			// round-trip through the wire error codes so in-memory behavior
			// matches the production transport
			res.data, res.err = DecodeResult(EncodeResult(data, err))
		}

		if d.reply != nil {
			select {
			case d.reply <- res:
			default:
			}
		} else if res.err != nil {
			t.log.Debug("fire-and-forget task failed",
				slog.String("kind", d.env.Kind),
				slog.Any("error", res.err))
		}
	}
}

func (t *MemoryTransport) shutdown() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for k, q := range t.queues {
		close(q)
		delete(t.queues, k)
	}
	t.mu.Unlock()
}

// Close leaves the hub gracefully. Remaining nodes observe NodeLeft.
func (t *MemoryTransport) Close() error {
	h := t.hub

	h.mu.Lock()
	if _, ok := h.nodes[t.id]; !ok {
		h.mu.Unlock()
		t.shutdown()
		return nil
	}
	wasSenior := h.seniorLocked() == t.id
	h.removeLocked(t.id)
	others := h.othersLocked(t.id)
	newSenior := h.seniorLocked()
	h.mu.Unlock()

	t.shutdown()
	for _, o := range others {
		o.emitMembership(MembershipEvent{Kind: NodeLeft, Node: t.id})
		if wasSenior && newSenior != "" {
			o.emitMembership(MembershipEvent{Kind: SeniorElected, Node: newSenior})
		}
	}
	t.log.Debug("closed")
	return nil
}

type memSubscription struct {
	t    *MemoryTransport
	once sync.Once
}

func (s *memSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.t.mu.Lock()
		s.t.handler = nil
		s.t.mu.Unlock()
	})
	return nil
}

type memberSubscription struct {
	t  *MemoryTransport
	id int
}

func (s *memberSubscription) Unsubscribe() error {
	s.t.mu.Lock()
	delete(s.t.memberFns, s.id)
	s.t.mu.Unlock()
	return nil
}
