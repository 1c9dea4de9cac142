// Package session implements the clustered session addressing layer: a
// per-node registry mapping address keys to either a locally connected
// session or a surrogate that forwards capability calls to the owning node.
package session

import (
	"context"

	"github.com/crosstalk-im/crosstalk/core/address"
)

// Session is the capability surface of an addressable connection. Callers
// never special-case remoteness: [Registry.Resolve] returns either the real
// local object or a surrogate with identical behavior.
type Session interface {
	// Key returns the addressing identity of the session.
	Key() address.Key

	// DeliverRaw hands an already serialized payload to the session for
	// delivery. Fire-and-forget when remote: the call returns after handoff
	// to the transport.
	DeliverRaw(ctx context.Context, payload []byte) error

	// DisplayAddress returns the resolved display address. Write-once on the
	// real session; surrogates fetch it once and memoize.
	DisplayAddress(ctx context.Context) (string, error)

	// ValidatedDomains returns the domains validated for this session.
	ValidatedDomains(ctx context.Context) ([]string, error)

	// CheckDomainPair reports whether the given outgoing domain pair is
	// authenticated on this session.
	CheckDomainPair(ctx context.Context, local, remote string) (bool, error)

	// Close tears the session down.
	Close(ctx context.Context) error
}

// LocalOptions configures a locally connected session.
type LocalOptions struct {
	Key address.Key
	// Display is the resolved display address. Immutable once the session
	// exists.
	Display string
	// Domains are the validated domains for server streams.
	Domains []string
	// Deliver receives payloads addressed to the session. Required.
	Deliver func(ctx context.Context, payload []byte) error
	// CheckPair authenticates an outgoing domain pair. Optional; defaults to
	// matching against Domains.
	CheckPair func(local, remote string) (bool, error)
	// OnClose runs when the session is closed or evicted. Optional.
	OnClose func(ctx context.Context) error
}

// Local is a locally connected session. The protocol layer owns the actual
// connection; Local only exposes its capability surface to the cluster.
type Local struct {
	opts LocalOptions
}

var _ Session = (*Local)(nil)

// NewLocal wraps a locally accepted connection.
func NewLocal(opts LocalOptions) *Local {
	return &Local{opts: opts}
}

func (s *Local) Key() address.Key { return s.opts.Key }

func (s *Local) DeliverRaw(ctx context.Context, payload []byte) error {
	return s.opts.Deliver(ctx, payload)
}

func (s *Local) DisplayAddress(context.Context) (string, error) {
	return s.opts.Display, nil
}

func (s *Local) ValidatedDomains(context.Context) ([]string, error) {
	return s.opts.Domains, nil
}

func (s *Local) CheckDomainPair(_ context.Context, local, remote string) (bool, error) {
	if s.opts.CheckPair != nil {
		return s.opts.CheckPair(local, remote)
	}
	for _, d := range s.opts.Domains {
		if d == remote {
			return true, nil
		}
	}
	return false, nil
}

func (s *Local) Close(ctx context.Context) error {
	if s.opts.OnClose != nil {
		return s.opts.OnClose(ctx)
	}
	return nil
}
