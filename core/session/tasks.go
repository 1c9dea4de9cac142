package session

import (
	"github.com/crosstalk-im/crosstalk/core/address"
	"github.com/crosstalk-im/crosstalk/core/cluster"
	"github.com/crosstalk-im/crosstalk/core/wire"
)

// Task kinds operated by the session layer. Directed kinds execute on the
// node owning the addressed session; claim/retract are broadcast to keep
// every node's ownership cache converging.
const (
	kindClaim     = "session.claim"
	kindRetract   = "session.retract"
	kindEvict     = "session.evict"
	kindDeliver   = "session.deliver"
	kindDisplay   = "session.display"
	kindDomains   = "session.domains"
	kindCheckPair = "session.checkpair"
	kindClose     = "session.close"
	kindSync      = "session.sync"
)

func encodeClaim(key address.Key, owner cluster.NodeID) cluster.EncodeFunc {
	return func(w *wire.Writer) {
		key.Encode(w)
		w.String(string(owner))
	}
}

func decodeClaim(r *wire.Reader) (address.Key, cluster.NodeID, error) {
	key, err := address.Decode(r)
	if err != nil {
		return address.Key{}, "", err
	}
	owner := cluster.NodeID(r.String())
	return key, owner, r.Err()
}

func encodeKey(key address.Key) cluster.EncodeFunc {
	return func(w *wire.Writer) { key.Encode(w) }
}

func encodeDeliver(key address.Key, payload []byte) cluster.EncodeFunc {
	return func(w *wire.Writer) {
		key.Encode(w)
		w.Blob(payload)
	}
}

func encodeCheckPair(key address.Key, local, remote string) cluster.EncodeFunc {
	return func(w *wire.Writer) {
		key.Encode(w)
		w.String(local)
		w.String(remote)
	}
}

// Claim is one entry of the cluster-wide ownership map, exchanged in bulk
// during reconciliation.
type Claim struct {
	Key   address.Key
	Owner cluster.NodeID
}

func encodeClaims(claims []Claim) cluster.EncodeFunc {
	return func(w *wire.Writer) {
		w.Uvarint(uint64(len(claims)))
		for _, c := range claims {
			c.Key.Encode(w)
			w.String(string(c.Owner))
		}
	}
}

func decodeClaims(r *wire.Reader) ([]Claim, error) {
	n := r.Uvarint()
	if err := r.Err(); err != nil {
		return nil, err
	}
	out := make([]Claim, 0, n)
	for i := uint64(0); i < n; i++ {
		key, owner, err := decodeClaim(r)
		if err != nil {
			return nil, err
		}
		out = append(out, Claim{Key: key, Owner: owner})
	}
	return out, nil
}
