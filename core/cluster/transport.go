package cluster

import (
	"context"
	"time"
)

// Subscription is a handle to an active transport subscription.
type Subscription interface {
	Unsubscribe() error
}

// HandlerFunc processes one inbound envelope. For synchronous tasks the
// returned bytes become the result delivered to the requesting node; for
// fire-and-forget tasks the return values are discarded by the transport.
type HandlerFunc = func(ctx context.Context, env Envelope) ([]byte, error)

// MembershipEventKind discriminates membership change notifications.
type MembershipEventKind string

const (
	NodeJoined    MembershipEventKind = "joined"
	NodeLeft      MembershipEventKind = "left"
	SeniorElected MembershipEventKind = "senior-elected"
)

// MembershipEvent is delivered to membership subscribers when the cluster
// topology changes.
type MembershipEvent struct {
	Kind MembershipEventKind
	Node NodeID
}

// Transport is the boundary to the clustering substrate. It provides node
// identity, reliable one-way dispatch with FIFO ordering per sender->target
// channel, blocking request/result dispatch with a bounded timeout, broadcast
// to all other nodes, and membership change notifications.
type Transport interface {
	// NodeID returns the identity of the local node.
	NodeID() NodeID

	// Peers returns the other live nodes, in cluster join order.
	Peers() []NodeID

	// Senior returns the longest-tenured live node.
	Senior() NodeID

	// Send dispatches a fire-and-forget envelope. Delivery to the same target
	// preserves send order; there is no completion acknowledgment.
	Send(ctx context.Context, target NodeID, env Envelope) error

	// Request dispatches a synchronous envelope and blocks for the result.
	// Exceeding the timeout fails with ErrClusterTimeout; the remote side may
	// or may not have executed the task (at-most-once).
	Request(ctx context.Context, target NodeID, env Envelope, timeout time.Duration) ([]byte, error)

	// Broadcast dispatches a fire-and-forget envelope to all other nodes.
	Broadcast(ctx context.Context, env Envelope) error

	// Subscribe installs the handler for inbound envelopes. A node installs
	// exactly one handler (the task mux).
	Subscribe(h HandlerFunc) (Subscription, error)

	// OnMembership registers a callback for membership change events.
	OnMembership(fn func(MembershipEvent)) Subscription

	Close() error
}
