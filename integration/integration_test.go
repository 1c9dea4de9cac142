package integration

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crosstalk-im/crosstalk/adapters/nats"
	"github.com/crosstalk-im/crosstalk/core/address"
	"github.com/crosstalk-im/crosstalk/core/cluster"
	"github.com/crosstalk-im/crosstalk/core/muc"
	"github.com/crosstalk-im/crosstalk/core/node"
	"github.com/crosstalk-im/crosstalk/core/session"
)

func startMember(t *testing.T, connect nats.Connector, id cluster.NodeID) (*node.Node, *nats.Transport) {
	t.Helper()
	transport, err := nats.NewTransport(t.Context(), nats.TransportConfig{
		Connect:           connect,
		NodeID:            id,
		SubjectPrefix:     "xtalk-it",
		HeartbeatInterval: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })

	member, err := node.Run(node.Config{Context: t.Context(), Transport: transport})
	require.NoError(t, err)
	t.Cleanup(member.Stop)
	return member, transport
}

// TestClusterOverNATS runs the full stack over a real NATS server: session
// routing, room convergence and reconciliation after a member is gone.
func TestClusterOverNATS(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	slog.SetLogLoggerLevel(slog.LevelWarn)

	connect := nats.ReuseConnection(nats.NewTestContainer(t))

	members := make([]*node.Node, 3)
	transports := make([]*nats.Transport, 3)
	for i := range members {
		members[i], transports[i] = startMember(t, connect, cluster.NodeID(fmt.Sprintf("node-%d", i)))
	}
	a, b, c := members[0], members[1], members[2]

	require.Eventually(t, func() bool {
		return len(a.Dispatcher().Peers()) == 2 &&
			len(b.Dispatcher().Peers()) == 2 &&
			len(c.Dispatcher().Peers()) == 2
	}, 10*time.Second, 50*time.Millisecond)

	ctx := t.Context()

	// alice connects to node-0
	keyAlice := address.Client("alice@example.org/phone")
	aliceInbox := make(chan []byte, 8)
	require.NoError(t, a.Sessions().RegisterLocal(ctx, keyAlice, session.NewLocal(session.LocalOptions{
		Key:     keyAlice,
		Display: "alice@example.org/phone",
		Deliver: func(_ context.Context, payload []byte) error {
			aliceInbox <- payload
			return nil
		},
	}), false))

	// node-2 routes to her transparently
	require.Eventually(t, func() bool {
		_, err := c.Sessions().Resolve(keyAlice)
		return err == nil
	}, 10*time.Second, 50*time.Millisecond)
	sess, err := c.Sessions().Resolve(keyAlice)
	require.NoError(t, err)
	require.NoError(t, sess.DeliverRaw(ctx, []byte("<message>hello</message>")))
	select {
	case payload := <-aliceInbox:
		require.Equal(t, []byte("<message>hello</message>"), payload)
	case <-time.After(10 * time.Second):
		t.Fatal("payload never reached alice")
	}

	// room owned by node-0, joined from node-1 and node-2
	require.NoError(t, a.Rooms().Create(ctx, "lobby", muc.Config{Name: "Lobby"}))
	require.NoError(t, a.Rooms().Join(ctx, "lobby", muc.Occupant{Nick: "alice", BareJID: "alice@example.org", Affiliation: muc.AffiliationOwner}))
	for i, m := range []*node.Node{b, c} {
		m := m
		require.Eventually(t, func() bool {
			owner, err := m.Rooms().Owner("lobby")
			return err == nil && owner == "node-0"
		}, 10*time.Second, 50*time.Millisecond)
		nick := fmt.Sprintf("guest-%d", i+1)
		require.NoError(t, m.Rooms().Join(ctx, "lobby", muc.Occupant{Nick: nick, BareJID: nick + "@example.org"}))
	}
	for _, m := range members {
		m := m
		require.Eventually(t, func() bool {
			occ, err := m.Rooms().Occupants("lobby")
			return err == nil && len(occ) == 3
		}, 10*time.Second, 50*time.Millisecond)
	}

	// a ban issued on a non-owning node converges everywhere
	require.NoError(t, c.Rooms().SetAffiliation(ctx, "lobby", "guest-1", muc.AffiliationOutcast))
	for _, m := range members {
		m := m
		require.Eventually(t, func() bool {
			occ, err := m.Rooms().Occupants("lobby")
			return err == nil && len(occ) == 2
		}, 10*time.Second, 50*time.Millisecond)
	}

	// node-0 disappears: survivors purge its sessions and re-home its room
	a.Stop()
	require.NoError(t, transports[0].Close())

	for _, m := range []*node.Node{b, c} {
		m := m
		require.Eventually(t, func() bool {
			_, err := m.Sessions().Resolve(keyAlice)
			return err != nil
		}, 10*time.Second, 50*time.Millisecond)
		require.Eventually(t, func() bool {
			owner, err := m.Rooms().Owner("lobby")
			return err == nil && owner != "node-0"
		}, 10*time.Second, 50*time.Millisecond)
	}

	ownerB, err := b.Rooms().Owner("lobby")
	require.NoError(t, err)
	ownerC, err := c.Rooms().Owner("lobby")
	require.NoError(t, err)
	require.Equal(t, ownerB, ownerC)
}
