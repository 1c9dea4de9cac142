package cluster

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// CreateMemoryHub returns a hub that is torn down with the test.
func CreateMemoryHub(t *testing.T) *MemoryHub {
	return NewMemoryHub()
}

// JoinTestNode joins the hub under the given ID and returns a running node
// plus its dispatcher. Cleanup leaves the hub gracefully.
func JoinTestNode(t *testing.T, hub *MemoryHub, id NodeID) (*Node, *Dispatcher) {
	tr := hub.Join(id)
	t.Cleanup(func() { _ = tr.Close() })

	n := NewNode(NodeOptions{Transport: tr})
	require.NoError(t, n.Run(t.Context()))

	d, err := NewDispatcher(DispatcherOptions{Transport: tr})
	require.NoError(t, err)
	return n, d
}

// CreateTestCluster joins numNodes nodes named node-0..node-N and returns
// their nodes and dispatchers, index-aligned.
func CreateTestCluster(t *testing.T, hub *MemoryHub, numNodes int) ([]*Node, []*Dispatcher) {
	nodes := make([]*Node, 0, numNodes)
	dispatchers := make([]*Dispatcher, 0, numNodes)
	for i := 0; i < numNodes; i++ {
		n, d := JoinTestNode(t, hub, NodeID(fmt.Sprintf("node-%d", i)))
		nodes = append(nodes, n)
		dispatchers = append(dispatchers, d)
	}
	return nodes, dispatchers
}
