package node

import (
	"context"
	"log/slog"
	"time"

	"github.com/crosstalk-im/crosstalk/core/cluster"
	"github.com/crosstalk-im/crosstalk/core/muc"
	"github.com/crosstalk-im/crosstalk/core/reconcile"
	"github.com/crosstalk-im/crosstalk/core/session"
)

type Config struct {
	Context context.Context
	Log     *slog.Logger
	// Transport connects this node to the cluster. Required.
	Transport cluster.Transport
	// RequestTimeout bounds synchronous cluster calls.
	RequestTimeout time.Duration
	// SyncTimeout bounds state pulls during reconciliation.
	SyncTimeout time.Duration
	Metrics     cluster.Metrics
}

// Node is one fully assembled cluster member: the task mux, the dispatcher,
// the session registry, the room service and the reconciler, wired together
// over one transport.
type Node struct {
	ctx       context.Context
	cancelCtx context.CancelFunc
	log       *slog.Logger

	transport cluster.Transport
	metrics   cluster.Metrics
	memberSub cluster.Subscription

	node       *cluster.Node
	dispatcher *cluster.Dispatcher
	sessions   *session.Registry
	rooms      *muc.Service
	reconciler *reconcile.Reconciler
}

func New(config Config) (*Node, error) {
	if config.Log == nil {
		config.Log = slog.Default()
	}
	if config.Context == nil {
		config.Context = context.Background()
	}
	if config.Metrics == nil {
		config.Metrics = cluster.NopMetrics()
	}

	n := &Node{
		log:       config.Log.With(slog.String("node", string(config.Transport.NodeID()))),
		transport: config.Transport,
		metrics:   config.Metrics,
	}
	n.ctx, n.cancelCtx = context.WithCancel(config.Context)

	n.node = cluster.NewNode(cluster.NodeOptions{
		Log:       n.log,
		Transport: config.Transport,
		Metrics:   config.Metrics,
	})

	dispatcher, err := cluster.NewDispatcher(cluster.DispatcherOptions{
		Transport: config.Transport,
		Timeout:   config.RequestTimeout,
		Metrics:   config.Metrics,
	})
	if err != nil {
		n.cancelCtx()
		return nil, err
	}
	n.dispatcher = dispatcher

	n.sessions = session.NewRegistry(session.RegistryOptions{
		Log:        n.log,
		Dispatcher: dispatcher,
		Node:       n.node,
		Metrics:    config.Metrics,
	})

	n.rooms = muc.NewService(muc.ServiceOptions{
		Log:        n.log,
		Dispatcher: dispatcher,
		Node:       n.node,
		Registry:   n.sessions,
		Metrics:    config.Metrics,
	})

	n.reconciler = reconcile.New(reconcile.Options{
		Log:         n.log,
		Transport:   config.Transport,
		Dispatcher:  dispatcher,
		Registry:    n.sessions,
		Rooms:       n.rooms,
		SyncTimeout: config.SyncTimeout,
	})

	return n, nil
}

func (n *Node) ID() cluster.NodeID              { return n.dispatcher.NodeID() }
func (n *Node) Dispatcher() *cluster.Dispatcher { return n.dispatcher }
func (n *Node) Sessions() *session.Registry     { return n.sessions }
func (n *Node) Rooms() *muc.Service             { return n.rooms }

// Handle registers an application task handler on the node's task mux. Must
// be called before Run.
func (n *Node) Handle(kind string, h cluster.HandlerFunc) {
	n.node.Handle(kind, h)
}

// Run subscribes the node to the cluster and performs the initial state
// pull. After Run returns, the node serves tasks and tracks membership.
func (n *Node) Run() error {
	if err := n.node.Run(n.ctx); err != nil {
		return err
	}
	if err := n.reconciler.Run(n.ctx); err != nil {
		return err
	}
	n.publishPeerGauge()
	n.memberSub = n.transport.OnMembership(func(cluster.MembershipEvent) {
		n.publishPeerGauge()
	})
	n.log.Info("node started")
	return nil
}

func (n *Node) publishPeerGauge() {
	n.metrics.PeersConnected(string(n.ID()), len(n.transport.Peers()))
}

// Stop tears the node down: the reconciler detaches, the registries stop
// their executors and the context tied to the task mux is cancelled.
func (n *Node) Stop() {
	if n.memberSub != nil {
		_ = n.memberSub.Unsubscribe()
	}
	n.reconciler.Close()
	n.rooms.Close()
	n.sessions.Close()
	n.cancelCtx()
	n.log.Info("node stopped")
}

// Run assembles a node from config and starts it.
func Run(config Config) (*Node, error) {
	n, err := New(config)
	if err != nil {
		return nil, err
	}
	if err := n.Run(); err != nil {
		n.Stop()
		return nil, err
	}
	return n, nil
}
