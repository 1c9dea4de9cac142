package muc

import (
	"fmt"

	"github.com/crosstalk-im/crosstalk/core/cluster"
	"github.com/crosstalk-im/crosstalk/core/wire"
)

// Task kinds operated by the room layer. Delta kinds are broadcast by the
// owning node after it validated and applied a mutation; op kinds are
// synchronous requests a non-owning node sends to the owner; sync kinds
// serve the reconciliation exchanges.
const (
	kindCreated = "muc.created"
	kindUpsert  = "muc.occupant.upsert"
	kindRemove  = "muc.occupant.remove"
	kindConfig  = "muc.config"
	kindDestroy = "muc.destroy"

	kindOpJoin      = "muc.op.join"
	kindOpLeave     = "muc.op.leave"
	kindOpKick      = "muc.op.kick"
	kindOpSetRole   = "muc.op.role"
	kindOpSetAff    = "muc.op.affiliation"
	kindOpConfigure = "muc.op.configure"
	kindOpDestroy   = "muc.op.destroy"

	kindSyncAll   = "muc.sync.all"
	kindSyncLocal = "muc.sync.local"
)

// Removal reason tags carried by occupant-remove deltas.
const (
	removeLeft        = "left"
	removeKicked      = "kicked"
	removeBanned      = "banned"
	removeMembersOnly = "members-only"
)

func encodeConfig(w *wire.Writer, cfg Config) {
	w.String(cfg.Name)
	w.String(cfg.Subject)
	w.Bool(cfg.MembersOnly)
}

func decodeConfig(r *wire.Reader) Config {
	return Config{
		Name:        r.String(),
		Subject:     r.String(),
		MembersOnly: r.Bool(),
	}
}

func encodeOccupant(w *wire.Writer, o Occupant) {
	w.String(o.Nick)
	w.String(o.BareJID)
	w.Tag(string(o.Role))
	w.Tag(string(o.Affiliation))
	w.Blob(o.Presence)
	w.String(string(o.HomeNode))
}

func decodeOccupant(r *wire.Reader) (Occupant, error) {
	o := Occupant{
		Nick:    r.String(),
		BareJID: r.String(),
	}
	role, err := ParseRole(r.Tag())
	if err == nil {
		o.Role = role
		var aff Affiliation
		aff, err = ParseAffiliation(r.Tag())
		o.Affiliation = aff
	}
	o.Presence = r.Blob()
	o.HomeNode = cluster.NodeID(r.String())
	if rerr := r.Err(); rerr != nil {
		return Occupant{}, rerr
	}
	return o, err
}

func encodeSnapshot(w *wire.Writer, s Snapshot) {
	w.String(s.ID)
	w.String(string(s.Owner))
	encodeConfig(w, s.Config)
	w.Uvarint(uint64(len(s.Occupants)))
	for _, o := range s.Occupants {
		encodeOccupant(w, o)
	}
}

func decodeSnapshot(r *wire.Reader) (Snapshot, error) {
	s := Snapshot{
		ID:    r.String(),
		Owner: cluster.NodeID(r.String()),
	}
	s.Config = decodeConfig(r)
	n := r.Uvarint()
	if err := r.Err(); err != nil {
		return Snapshot{}, err
	}
	for i := uint64(0); i < n; i++ {
		o, err := decodeOccupant(r)
		if err != nil {
			return Snapshot{}, err
		}
		s.Occupants = append(s.Occupants, o)
	}
	return s, nil
}

func encodeSnapshots(snaps []Snapshot) cluster.EncodeFunc {
	return func(w *wire.Writer) {
		w.Uvarint(uint64(len(snaps)))
		for _, s := range snaps {
			encodeSnapshot(w, s)
		}
	}
}

func decodeSnapshots(r *wire.Reader) ([]Snapshot, error) {
	n := r.Uvarint()
	if err := r.Err(); err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := decodeSnapshot(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func encodeRoomID(roomID string) cluster.EncodeFunc {
	return func(w *wire.Writer) { w.String(roomID) }
}

func encodeRoomNick(roomID, nick string) cluster.EncodeFunc {
	return func(w *wire.Writer) {
		w.String(roomID)
		w.String(nick)
	}
}

func encodeRoomOccupant(roomID string, o Occupant) cluster.EncodeFunc {
	return func(w *wire.Writer) {
		w.String(roomID)
		encodeOccupant(w, o)
	}
}

func encodeRoomConfig(roomID string, cfg Config) cluster.EncodeFunc {
	return func(w *wire.Writer) {
		w.String(roomID)
		encodeConfig(w, cfg)
	}
}

func encodeRemove(roomID, nick, reason string, presence []byte) cluster.EncodeFunc {
	return func(w *wire.Writer) {
		w.String(roomID)
		w.String(nick)
		w.Tag(reason)
		w.Blob(presence)
	}
}

func encodeCreated(roomID string, owner cluster.NodeID, cfg Config) cluster.EncodeFunc {
	return func(w *wire.Writer) {
		w.String(roomID)
		w.String(string(owner))
		encodeConfig(w, cfg)
	}
}

func encodeSetRole(roomID, nick string, role Role) cluster.EncodeFunc {
	return func(w *wire.Writer) {
		w.String(roomID)
		w.String(nick)
		w.Tag(string(role))
	}
}

func encodeSetAff(roomID, nick string, aff Affiliation) cluster.EncodeFunc {
	return func(w *wire.Writer) {
		w.String(roomID)
		w.String(nick)
		w.Tag(string(aff))
	}
}

func decodeRoomNick(r *wire.Reader) (roomID, nick string, err error) {
	roomID, nick = r.String(), r.String()
	return roomID, nick, r.Err()
}

func parseRemoveReason(tag string) (string, error) {
	switch tag {
	case removeLeft, removeKicked, removeBanned, removeMembersOnly:
		return tag, nil
	default:
		return "", fmt.Errorf("muc: unknown removal reason tag %q", tag)
	}
}
