// Package address defines the value types used to identify an addressable
// entity in the cluster: client sessions, server-to-server streams,
// components and connection multiplexers.
//
// A [Key] is an immutable value with two payload slots whose meaning depends
// on the variant. Keys are comparable and safe to use as map keys; equality
// is by variant plus payload.
package address

import (
	"fmt"

	"github.com/crosstalk-im/crosstalk/core/wire"
)

// Kind discriminates the address variants. The values double as wire tags.
type Kind string

const (
	KindClient      Kind = "client"
	KindDomainPair  Kind = "domain-pair"
	KindStream      Kind = "stream"
	KindComponent   Kind = "component"
	KindMultiplexer Kind = "multiplexer"
)

func (k Kind) valid() bool {
	switch k {
	case KindClient, KindDomainPair, KindStream, KindComponent, KindMultiplexer:
		return true
	}
	return false
}

// Key identifies one addressable entity. Never mutated after creation.
type Key struct {
	kind Kind
	// a holds the primary payload (JID, local domain, stream ID or component
	// domain); b is only used by the domain-pair variant.
	a, b string
}

// Client returns the key for a client session, addressed by bare or full JID.
func Client(jid string) Key { return Key{kind: KindClient, a: jid} }

// DomainPair returns the key for a server-to-server stream between a local
// and a remote domain.
func DomainPair(local, remote string) Key { return Key{kind: KindDomainPair, a: local, b: remote} }

// Stream returns the key for an incoming server stream, addressed by its
// opaque stream identifier.
func Stream(id string) Key { return Key{kind: KindStream, a: id} }

// Component returns the key for an external component, addressed by domain.
func Component(domain string) Key { return Key{kind: KindComponent, a: domain} }

// Multiplexer returns the key for a connection multiplexer session.
func Multiplexer(jid string) Key { return Key{kind: KindMultiplexer, a: jid} }

// Kind returns the address variant.
func (k Key) Kind() Kind { return k.kind }

// IsZero reports whether the key is the zero value.
func (k Key) IsZero() bool { return k.kind == "" }

// JID returns the JID payload of a client or multiplexer key.
func (k Key) JID() string { return k.a }

// Local returns the local domain of a domain-pair key.
func (k Key) Local() string { return k.a }

// Remote returns the remote domain of a domain-pair key.
func (k Key) Remote() string { return k.b }

// StreamID returns the identifier of a stream key.
func (k Key) StreamID() string { return k.a }

// Domain returns the domain of a component key.
func (k Key) Domain() string { return k.a }

func (k Key) String() string {
	if k.kind == KindDomainPair {
		return fmt.Sprintf("%s:%s->%s", k.kind, k.a, k.b)
	}
	return fmt.Sprintf("%s:%s", k.kind, k.a)
}

// Encode writes the key in wire form: kind tag, primary payload, and the
// secondary payload for domain pairs.
func (k Key) Encode(w *wire.Writer) {
	w.Tag(string(k.kind))
	w.String(k.a)
	if k.kind == KindDomainPair {
		w.String(k.b)
	}
}

// Decode reads a key written by [Key.Encode].
func Decode(r *wire.Reader) (Key, error) {
	kind := Kind(r.Tag())
	if r.Err() != nil {
		return Key{}, r.Err()
	}
	if !kind.valid() {
		return Key{}, fmt.Errorf("address: unknown kind tag %q", kind)
	}
	k := Key{kind: kind, a: r.String()}
	if kind == KindDomainPair {
		k.b = r.String()
	}
	if err := r.Err(); err != nil {
		return Key{}, err
	}
	return k, nil
}
