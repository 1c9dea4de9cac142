package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crosstalk-im/crosstalk/core/address"
	"github.com/crosstalk-im/crosstalk/core/cluster"
)

// countingSession counts attribute reads so tests can observe how often a
// surrogate actually crosses the wire.
type countingSession struct {
	key          address.Key
	displayCalls atomic.Int32
}

var _ Session = (*countingSession)(nil)

func (s *countingSession) Key() address.Key                         { return s.key }
func (s *countingSession) DeliverRaw(context.Context, []byte) error { return nil }
func (s *countingSession) Close(context.Context) error              { return nil }
func (s *countingSession) ValidatedDomains(context.Context) ([]string, error) {
	return []string{"example.org", "chat.example.org"}, nil
}

func (s *countingSession) DisplayAddress(context.Context) (string, error) {
	s.displayCalls.Add(1)
	return "alice@example.org/phone", nil
}

func (s *countingSession) CheckDomainPair(_ context.Context, _, remote string) (bool, error) {
	return remote == "example.org", nil
}

func TestSurrogateAttributeCalls(t *testing.T) {
	hub := cluster.CreateMemoryHub(t)
	regA := newTestRegistry(t, hub, "node-a")
	regB := newTestRegistry(t, hub, "node-b")

	key := address.Client("alice@example.org/phone")
	sess := &countingSession{key: key}
	require.NoError(t, regA.RegisterLocal(t.Context(), key, sess, false))

	remote := waitResolvable(t, regB, key)

	domains, err := remote.ValidatedDomains(t.Context())
	require.NoError(t, err)
	require.Equal(t, []string{"example.org", "chat.example.org"}, domains)

	ok, err := remote.CheckDomainPair(t.Context(), "example.net", "example.org")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = remote.CheckDomainPair(t.Context(), "example.net", "evil.example")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSurrogateDisplayMemoized(t *testing.T) {
	hub := cluster.CreateMemoryHub(t)
	regA := newTestRegistry(t, hub, "node-a")
	regB := newTestRegistry(t, hub, "node-b")

	key := address.Client("alice@example.org/phone")
	sess := &countingSession{key: key}
	require.NoError(t, regA.RegisterLocal(t.Context(), key, sess, false))

	remote := waitResolvable(t, regB, key)

	// concurrent first reads collapse into one wire fetch
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr, err := remote.DisplayAddress(context.Background())
			require.NoError(t, err)
			require.Equal(t, "alice@example.org/phone", addr)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), sess.displayCalls.Load())

	// later reads answer from the memo, and the memo survives re-resolving
	again := waitResolvable(t, regB, key)
	addr, err := again.DisplayAddress(t.Context())
	require.NoError(t, err)
	require.Equal(t, "alice@example.org/phone", addr)
	require.Equal(t, int32(1), sess.displayCalls.Load())
}

func TestSurrogateTargetGone(t *testing.T) {
	hub := cluster.CreateMemoryHub(t)
	regA := newTestRegistry(t, hub, "node-a")
	regB := newTestRegistry(t, hub, "node-b")

	key := address.Client("alice@example.org/phone")
	sess := &countingSession{key: key}
	require.NoError(t, regA.RegisterLocal(t.Context(), key, sess, false))
	remote := waitResolvable(t, regB, key)

	// the session drops off node-a without node-b hearing about it yet
	_ = regA.PurgeNode("node-a")

	_, err := remote.DisplayAddress(t.Context())
	require.ErrorIs(t, err, cluster.ErrTargetGone)
	_, err = remote.ValidatedDomains(t.Context())
	require.ErrorIs(t, err, cluster.ErrTargetGone)
}
