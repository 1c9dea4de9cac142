package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryHubMembership(t *testing.T) {
	hub := CreateMemoryHub(t)

	a := hub.Join("node-a")
	t.Cleanup(func() { _ = a.Close() })

	var (
		mu     sync.Mutex
		events []MembershipEvent
	)
	a.OnMembership(func(ev MembershipEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	require.Equal(t, NodeID("node-a"), a.Senior())
	require.Empty(t, a.Peers())

	b := hub.Join("node-b")
	require.Equal(t, []NodeID{"node-b"}, a.Peers())
	require.Equal(t, NodeID("node-a"), b.Senior())

	require.NoError(t, b.Close())
	require.Empty(t, a.Peers())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []MembershipEvent{
		{Kind: NodeJoined, Node: "node-b"},
		{Kind: NodeLeft, Node: "node-b"},
	}, events)
}

func TestMemoryHubSeniorSuccession(t *testing.T) {
	hub := CreateMemoryHub(t)
	hub.Join("node-a")
	b := hub.Join("node-b")
	c := hub.Join("node-c")
	t.Cleanup(func() { _ = b.Close(); _ = c.Close() })

	var (
		mu     sync.Mutex
		events []MembershipEvent
	)
	c.OnMembership(func(ev MembershipEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	// seniority follows tenure, not node ID
	require.Equal(t, NodeID("node-a"), c.Senior())
	hub.Crash("node-a")
	require.Equal(t, NodeID("node-b"), c.Senior())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []MembershipEvent{
		{Kind: NodeLeft, Node: "node-a"},
		{Kind: SeniorElected, Node: "node-b"},
	}, events)
}

func TestMemoryTransportRequestReply(t *testing.T) {
	hub := CreateMemoryHub(t)
	a := hub.Join("node-a")
	b := hub.Join("node-b")
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	_, err := b.Subscribe(func(_ context.Context, env Envelope) ([]byte, error) {
		require.Equal(t, NodeID("node-a"), env.Sender)
		return append([]byte("echo:"), env.Data...), nil
	})
	require.NoError(t, err)

	data, err := a.Request(t.Context(), "node-b", Envelope{Sender: "node-a", Kind: "echo", Data: []byte("hi")}, time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("echo:hi"), data)
}

func TestMemoryTransportRequestTimeout(t *testing.T) {
	hub := CreateMemoryHub(t)
	a := hub.Join("node-a")
	b := hub.Join("node-b")
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	release := make(chan struct{})
	_, err := b.Subscribe(func(_ context.Context, _ Envelope) ([]byte, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { close(release) })

	_, err = a.Request(t.Context(), "node-b", Envelope{Sender: "node-a", Kind: "slow"}, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrClusterTimeout)
}

func TestMemoryTransportUnknownTarget(t *testing.T) {
	hub := CreateMemoryHub(t)
	a := hub.Join("node-a")
	t.Cleanup(func() { _ = a.Close() })

	err := a.Send(t.Context(), "node-z", Envelope{Sender: "node-a", Kind: "x"})
	require.ErrorIs(t, err, ErrNodeUnreachable)
}

func TestMemoryTransportClosed(t *testing.T) {
	hub := CreateMemoryHub(t)
	a := hub.Join("node-a")
	_ = hub.Join("node-b")

	require.NoError(t, a.Close())
	err := a.Send(context.Background(), "node-b", Envelope{Sender: "node-a", Kind: "x"})
	require.ErrorIs(t, err, ErrTransportClosed)
}

func TestMemoryTransportFIFOPerSender(t *testing.T) {
	hub := CreateMemoryHub(t)
	a := hub.Join("node-a")
	b := hub.Join("node-b")
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	const n = 200
	var (
		mu   sync.Mutex
		seen []byte
	)
	done := make(chan struct{})
	_, err := b.Subscribe(func(_ context.Context, env Envelope) ([]byte, error) {
		mu.Lock()
		seen = append(seen, env.Data[0])
		if len(seen) == n {
			close(done)
		}
		mu.Unlock()
		return nil, nil
	})
	require.NoError(t, err)

	// fire-and-forget envelopes from one sender must arrive in send order
	for i := 0; i < n; i++ {
		require.NoError(t, a.Send(t.Context(), "node-b", Envelope{Sender: "node-a", Kind: "seq", Data: []byte{byte(i)}}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all envelopes delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		require.Equal(t, byte(i), seen[i], "envelope %d out of order", i)
	}
}

func TestMemoryTransportBroadcast(t *testing.T) {
	hub := CreateMemoryHub(t)
	a := hub.Join("node-a")
	b := hub.Join("node-b")
	c := hub.Join("node-c")
	t.Cleanup(func() { _ = a.Close(); _ = b.Close(); _ = c.Close() })

	var got sync.Map
	for _, tr := range []*MemoryTransport{b, c} {
		tr := tr
		_, err := tr.Subscribe(func(_ context.Context, env Envelope) ([]byte, error) {
			got.Store(tr.NodeID(), env.Kind)
			return nil, nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, a.Broadcast(t.Context(), Envelope{Sender: "node-a", Kind: "announce"}))

	require.Eventually(t, func() bool {
		_, okB := got.Load(NodeID("node-b"))
		_, okC := got.Load(NodeID("node-c"))
		return okB && okC
	}, 2*time.Second, 5*time.Millisecond)

	// the sender does not hear its own broadcast
	_, self := got.Load(NodeID("node-a"))
	require.False(t, self)
}
