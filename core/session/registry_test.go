package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crosstalk-im/crosstalk/core/address"
	"github.com/crosstalk-im/crosstalk/core/cluster"
)

func newTestRegistry(t *testing.T, hub *cluster.MemoryHub, id cluster.NodeID) *Registry {
	node, d := cluster.JoinTestNode(t, hub, id)
	reg := NewRegistry(RegistryOptions{Dispatcher: d, Node: node})
	t.Cleanup(reg.Close)
	return reg
}

type recordedSession struct {
	*Local
	mu        sync.Mutex
	delivered [][]byte
	closed    atomic.Bool
}

func newRecordedSession(key address.Key, display string, domains ...string) *recordedSession {
	rs := &recordedSession{}
	rs.Local = NewLocal(LocalOptions{
		Key:     key,
		Display: display,
		Domains: domains,
		Deliver: func(_ context.Context, payload []byte) error {
			rs.mu.Lock()
			rs.delivered = append(rs.delivered, payload)
			rs.mu.Unlock()
			return nil
		},
		OnClose: func(context.Context) error {
			rs.closed.Store(true)
			return nil
		},
	})
	return rs
}

func (rs *recordedSession) deliveredCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.delivered)
}

func (rs *recordedSession) lastDelivered() []byte {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.delivered[len(rs.delivered)-1]
}

func waitResolvable(t *testing.T, reg *Registry, key address.Key) Session {
	t.Helper()
	var s Session
	require.Eventually(t, func() bool {
		var err error
		s, err = reg.Resolve(key)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	return s
}

func TestRegistryRegisterResolveLocal(t *testing.T) {
	hub := cluster.CreateMemoryHub(t)
	reg := newTestRegistry(t, hub, "node-a")

	key := address.Client("alice@example.org/phone")
	sess := newRecordedSession(key, "alice@example.org/phone")
	require.NoError(t, reg.RegisterLocal(t.Context(), key, sess, false))

	got, err := reg.Resolve(key)
	require.NoError(t, err)
	// resolving locally hands back the real object, not a surrogate
	require.Same(t, Session(sess), got)
	require.Equal(t, 1, reg.LocalCount())

	_, err = reg.Resolve(address.Client("nobody@example.org"))
	require.ErrorIs(t, err, cluster.ErrNotFound)
}

func TestRegistryClaimPropagation(t *testing.T) {
	hub := cluster.CreateMemoryHub(t)
	regA := newTestRegistry(t, hub, "node-a")
	regB := newTestRegistry(t, hub, "node-b")

	key := address.Client("alice@example.org/phone")
	sess := newRecordedSession(key, "alice@example.org/phone")
	require.NoError(t, regA.RegisterLocal(t.Context(), key, sess, false))

	remote := waitResolvable(t, regB, key)
	require.Equal(t, key, remote.Key())

	// delivery through the surrogate lands on the real session
	require.NoError(t, remote.DeliverRaw(t.Context(), []byte("<message/>")))
	require.Eventually(t, func() bool {
		return sess.deliveredCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []byte("<message/>"), sess.lastDelivered())

	require.Zero(t, regB.LocalCount())
}

func TestRegistryDuplicateAndEvict(t *testing.T) {
	hub := cluster.CreateMemoryHub(t)
	regA := newTestRegistry(t, hub, "node-a")
	regB := newTestRegistry(t, hub, "node-b")

	key := address.Client("alice@example.org/phone")
	old := newRecordedSession(key, "alice@example.org/phone")
	require.NoError(t, regA.RegisterLocal(t.Context(), key, old, false))
	waitResolvable(t, regB, key)

	// a plain re-claim from another node is refused
	fresh := newRecordedSession(key, "alice@example.org/phone")
	err := regB.RegisterLocal(t.Context(), key, fresh, false)
	require.ErrorIs(t, err, cluster.ErrDuplicateAddress)

	// a reconnect claims with evict: the old session is closed on its node
	// and ownership moves
	require.NoError(t, regB.RegisterLocal(t.Context(), key, fresh, true))
	require.Eventually(t, func() bool {
		return old.closed.Load()
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		if regA.LocalCount() != 0 {
			return false
		}
		// node-a still resolves the key, now through a surrogate
		_, err := regA.Resolve(key)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRegistryUnregister(t *testing.T) {
	hub := cluster.CreateMemoryHub(t)
	regA := newTestRegistry(t, hub, "node-a")
	regB := newTestRegistry(t, hub, "node-b")

	key := address.Stream("s2s-1")
	sess := newRecordedSession(key, "example.org")
	require.NoError(t, regA.RegisterLocal(t.Context(), key, sess, false))
	waitResolvable(t, regB, key)

	require.NoError(t, regA.Unregister(t.Context(), key))
	_, err := regA.Resolve(key)
	require.ErrorIs(t, err, cluster.ErrNotFound)
	require.Eventually(t, func() bool {
		_, err := regB.Resolve(key)
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)

	// unregistering twice is harmless
	require.NoError(t, regA.Unregister(t.Context(), key))
}

func TestRegistryPurgeNode(t *testing.T) {
	hub := cluster.CreateMemoryHub(t)
	regA := newTestRegistry(t, hub, "node-a")
	regB := newTestRegistry(t, hub, "node-b")

	keyA := address.Client("alice@example.org/phone")
	keyB := address.Component("pubsub.example.org")
	require.NoError(t, regA.RegisterLocal(t.Context(), keyA, newRecordedSession(keyA, "a"), false))
	require.NoError(t, regB.RegisterLocal(t.Context(), keyB, newRecordedSession(keyB, "b"), false))
	waitResolvable(t, regB, keyA)

	require.Equal(t, 1, regB.PurgeNode("node-a"))
	_, err := regB.Resolve(keyA)
	require.ErrorIs(t, err, cluster.ErrNotFound)

	// the purge never touches entries owned elsewhere
	_, err = regB.Resolve(keyB)
	require.NoError(t, err)
}

func TestRegistryClaimsAndSeed(t *testing.T) {
	hub := cluster.CreateMemoryHub(t)
	regA := newTestRegistry(t, hub, "node-a")

	keyA := address.Client("alice@example.org/phone")
	require.NoError(t, regA.RegisterLocal(t.Context(), keyA, newRecordedSession(keyA, "a"), false))

	claims := regA.Claims("")
	require.Len(t, claims, 1)
	require.Equal(t, cluster.NodeID("node-a"), claims[0].Owner)
	require.Empty(t, regA.Claims("node-z"))

	regB := newTestRegistry(t, hub, "node-b")
	regB.SeedClaims(claims)
	_, err := regB.Resolve(keyA)
	require.NoError(t, err)

	// a live local session beats a stale seeded claim for the same key
	keyLive := address.Client("bob@example.org/web")
	live := newRecordedSession(keyLive, "bob")
	require.NoError(t, regB.RegisterLocal(t.Context(), keyLive, live, false))
	regB.SeedClaims([]Claim{{Key: keyLive, Owner: "node-a"}})
	got, err := regB.Resolve(keyLive)
	require.NoError(t, err)
	require.Same(t, Session(live), got)
}

func TestRegistryFetchClaims(t *testing.T) {
	hub := cluster.CreateMemoryHub(t)
	regA := newTestRegistry(t, hub, "node-a")
	regB := newTestRegistry(t, hub, "node-b")

	keyA := address.Client("alice@example.org/phone")
	require.NoError(t, regA.RegisterLocal(t.Context(), keyA, newRecordedSession(keyA, "a"), false))

	claims, err := regB.FetchClaims(t.Context(), "node-a", "")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.Equal(t, keyA, claims[0].Key)

	claims, err = regB.FetchClaims(t.Context(), "node-a", "node-z")
	require.NoError(t, err)
	require.Empty(t, claims)
}

func TestRegistryRemoteClose(t *testing.T) {
	hub := cluster.CreateMemoryHub(t)
	regA := newTestRegistry(t, hub, "node-a")
	regB := newTestRegistry(t, hub, "node-b")

	key := address.Client("alice@example.org/phone")
	sess := newRecordedSession(key, "alice@example.org/phone")
	require.NoError(t, regA.RegisterLocal(t.Context(), key, sess, false))

	remote := waitResolvable(t, regB, key)
	require.NoError(t, remote.Close(t.Context()))

	require.Eventually(t, func() bool {
		return sess.closed.Load()
	}, 2*time.Second, 5*time.Millisecond)
	// the close also retracts the registration cluster-wide
	require.Eventually(t, func() bool {
		_, err := regA.Resolve(key)
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRegistrySameNodeReRegistration(t *testing.T) {
	hub := cluster.CreateMemoryHub(t)
	reg := newTestRegistry(t, hub, "node-a")

	key := address.Client("alice@example.org/phone")
	old := newRecordedSession(key, "alice@example.org/phone")
	require.NoError(t, reg.RegisterLocal(t.Context(), key, old, false))

	// same node, same key: refused without evict
	fresh := newRecordedSession(key, "alice@example.org/phone")
	err := reg.RegisterLocal(t.Context(), key, fresh, false)
	require.ErrorIs(t, err, cluster.ErrDuplicateAddress)
	got, err := reg.Resolve(key)
	require.NoError(t, err)
	require.Same(t, Session(old), got)

	// with evict the superseded session is closed and replaced
	require.NoError(t, reg.RegisterLocal(t.Context(), key, fresh, true))
	require.True(t, old.closed.Load())
	got, err = reg.Resolve(key)
	require.NoError(t, err)
	require.Same(t, Session(fresh), got)
	require.Equal(t, 1, reg.LocalCount())
}
