package muc

import (
	"encoding/binary"
	"sort"

	"golang.org/x/crypto/blake2b"

	"github.com/crosstalk-im/crosstalk/core/cluster"
)

// rehomeOwner deterministically picks the new owner of an orphaned room from
// the surviving nodes using highest-random-weight hashing. Every node
// computes the same winner independently, so no negotiation round is needed
// when a room's owner crashes.
func rehomeOwner(roomID string, survivors []cluster.NodeID) cluster.NodeID {
	if len(survivors) == 0 {
		return ""
	}
	nodes := append([]cluster.NodeID(nil), survivors...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	var (
		best      cluster.NodeID
		bestScore uint64
	)
	for _, n := range nodes {
		score := hrwScore(roomID, n)
		if best == "" || score > bestScore {
			best = n
			bestScore = score
		}
	}
	return best
}

func hrwScore(roomID string, node cluster.NodeID) uint64 {
	h, _ := blake2b.New(8, nil)
	h.Write([]byte(roomID))
	h.Write([]byte{0})
	h.Write([]byte(node))
	return binary.BigEndian.Uint64(h.Sum(nil))
}
