package session

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/crosstalk-im/crosstalk/core/address"
	"github.com/crosstalk-im/crosstalk/core/cluster"
)

// surrogate stands in for a session owned by another node. It implements the
// same capability surface as a local session; every method is translated
// into a cluster task addressed to the owning node. Immutable after creation
// except for memoized read-only attributes.
type surrogate struct {
	key   address.Key
	owner cluster.NodeID
	d     *cluster.Dispatcher

	// display is fetched once via a synchronous task and never invalidated.
	// Safe only because the display address is write-once on the real
	// session; nothing in the type system enforces that.
	display atomic.Pointer[string]
	group   singleflight.Group
}

var _ Session = (*surrogate)(nil)

func newSurrogate(key address.Key, owner cluster.NodeID, d *cluster.Dispatcher) *surrogate {
	return &surrogate{key: key, owner: owner, d: d}
}

func (s *surrogate) Key() address.Key { return s.key }

func (s *surrogate) DeliverRaw(ctx context.Context, payload []byte) error {
	return s.d.Notify(ctx, s.owner, kindDeliver, encodeDeliver(s.key, payload))
}

func (s *surrogate) DisplayAddress(ctx context.Context) (string, error) {
	if cached := s.display.Load(); cached != nil {
		return *cached, nil
	}
	v, err, _ := s.group.Do("display", func() (any, error) {
		r, err := s.d.Call(ctx, s.owner, kindDisplay, encodeKey(s.key))
		if err != nil {
			return nil, err
		}
		addr := r.String()
		if err := r.Err(); err != nil {
			return nil, err
		}
		s.display.Store(&addr)
		return addr, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *surrogate) ValidatedDomains(ctx context.Context) ([]string, error) {
	r, err := s.d.Call(ctx, s.owner, kindDomains, encodeKey(s.key))
	if err != nil {
		return nil, err
	}
	domains := r.Strings()
	return domains, r.Err()
}

func (s *surrogate) CheckDomainPair(ctx context.Context, local, remote string) (bool, error) {
	r, err := s.d.Call(ctx, s.owner, kindCheckPair, encodeCheckPair(s.key, local, remote))
	if err != nil {
		return false, err
	}
	ok := r.Bool()
	return ok, r.Err()
}

func (s *surrogate) Close(ctx context.Context) error {
	return s.d.Notify(ctx, s.owner, kindClose, encodeKey(s.key))
}
