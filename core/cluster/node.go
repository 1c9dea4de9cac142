package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/crosstalk-im/crosstalk/core/wire"
)

// NewNodeID returns a fresh node identifier. Production deployments normally
// configure a stable ID instead.
func NewNodeID() NodeID {
	return NodeID(fmt.Sprintf("node-%s", gonanoid.Must(8)))
}

type (
	NodeOptions struct {
		Log       *slog.Logger
		Transport Transport
		Metrics   Metrics
	}

	// Node binds a transport to a task mux: it subscribes to the inbound
	// envelope stream, dispatches each envelope to the handler registered
	// for its kind and encodes results for synchronous callers.
	Node struct {
		log     *slog.Logger
		t       Transport
		metrics Metrics

		mu       sync.RWMutex
		handlers map[string]HandlerFunc

		sub Subscription
	}
)

func NewNode(opts NodeOptions) *Node {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = NopMetrics()
	}
	n := &Node{
		log:      log.With(slog.String("node", string(opts.Transport.NodeID()))),
		t:        opts.Transport,
		metrics:  m,
		handlers: make(map[string]HandlerFunc),
	}
	n.Handle(KindNodeInfo, n.handleNodeInfo)
	return n
}

// Handle registers the executor for a task kind. Registering twice for the
// same kind panics: kind tables are assembled once at startup.
func (n *Node) Handle(kind string, h HandlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, dup := n.handlers[kind]; dup {
		panic(fmt.Sprintf("cluster: duplicate handler for task kind %q", kind))
	}
	n.handlers[kind] = h
}

func (n *Node) handleEnvelope(ctx context.Context, env Envelope) (data []byte, err error) {
	n.log.Debug(
		"handle task",
		slog.Group(
			"envelope",
			slog.String("kind", env.Kind),
			slog.String("sender", string(env.Sender)),
		),
	)

	defer n.metrics.HandlerDuration(env.Kind).ObserveDuration()

	n.mu.RLock()
	h, ok := n.handlers[env.Kind]
	n.mu.RUnlock()
	if !ok {
		n.metrics.HandlerCompleted(env.Kind, false)
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, env.Kind)
	}

	data, err = h(ctx, env)
	n.metrics.HandlerCompleted(env.Kind, err == nil)
	if err != nil {
		n.log.Error(
			"task failed",
			slog.Group(
				"envelope",
				slog.String("kind", env.Kind),
				slog.String("sender", string(env.Sender)),
			),
			slog.Any("error", err),
		)
	}
	return
}

// Run subscribes the node to its inbound envelope stream.
func (n *Node) Run(ctx context.Context) error {
	sub, err := n.t.Subscribe(n.handleEnvelope)
	if err != nil {
		return fmt.Errorf("failed to subscribe node %s: %w", n.t.NodeID(), err)
	}
	n.sub = sub
	context.AfterFunc(ctx, func() { _ = sub.Unsubscribe() })
	n.log.Info("node running")
	return nil
}

// === built-in node info task ===

// KindNodeInfo is the task kind for querying node metadata.
const KindNodeInfo = "cluster.node.info"

// NodeInfo is the reply to a node info request.
type NodeInfo struct {
	NodeID NodeID
	Peers  []NodeID
	Senior NodeID
}

func (n *Node) handleNodeInfo(_ context.Context, _ Envelope) ([]byte, error) {
	info := NodeInfo{NodeID: n.t.NodeID(), Peers: n.t.Peers(), Senior: n.t.Senior()}
	var w wire.Writer
	w.String(string(info.NodeID))
	peers := make([]string, 0, len(info.Peers))
	for _, p := range info.Peers {
		peers = append(peers, string(p))
	}
	w.Strings(peers)
	w.String(string(info.Senior))
	return w.Bytes(), nil
}

// GetNodeInfo queries node metadata from target.
func GetNodeInfo(ctx context.Context, d *Dispatcher, target NodeID) (*NodeInfo, error) {
	r, err := d.Call(ctx, target, KindNodeInfo, nil)
	if err != nil {
		return nil, err
	}
	info := &NodeInfo{NodeID: NodeID(r.String())}
	for _, p := range r.Strings() {
		info.Peers = append(info.Peers, NodeID(p))
	}
	info.Senior = NodeID(r.String())
	if err := r.Err(); err != nil {
		return nil, err
	}
	return info, nil
}
