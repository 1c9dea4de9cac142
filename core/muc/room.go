// Package muc implements clustered multi-party chat rooms: the authoritative
// room state on its owning node, the rules engine for role and affiliation
// changes, and the broadcast-updated replicas every other node keeps for
// fast local delivery.
package muc

import (
	"fmt"

	"github.com/crosstalk-im/crosstalk/core/cluster"
)

// Role is an occupant's in-room privilege. The values are the wire tags;
// privilege is decided by explicit rules, never by comparing tags.
type Role string

const (
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
	RoleVisitor     Role = "visitor"
	RoleNone        Role = "none"
)

// ParseRole validates a role wire tag.
func ParseRole(tag string) (Role, error) {
	switch r := Role(tag); r {
	case RoleModerator, RoleParticipant, RoleVisitor, RoleNone:
		return r, nil
	default:
		return "", fmt.Errorf("muc: unknown role tag %q", tag)
	}
}

// Affiliation is an occupant's long-lived membership status. Like Role, the
// values are wire tags only: outcast and none are both "not a member" and
// are distinguished by explicit rule, not by ordering.
type Affiliation string

const (
	AffiliationOwner   Affiliation = "owner"
	AffiliationAdmin   Affiliation = "admin"
	AffiliationMember  Affiliation = "member"
	AffiliationOutcast Affiliation = "outcast"
	AffiliationNone    Affiliation = "none"
)

// ParseAffiliation validates an affiliation wire tag.
func ParseAffiliation(tag string) (Affiliation, error) {
	switch a := Affiliation(tag); a {
	case AffiliationOwner, AffiliationAdmin, AffiliationMember, AffiliationOutcast, AffiliationNone:
		return a, nil
	default:
		return "", fmt.Errorf("muc: unknown affiliation tag %q", tag)
	}
}

// Occupant is one participant in a room. HomeNode records where the
// occupant's real client session is connected, which every replica needs for
// local fast-path delivery and for failure cleanup.
type Occupant struct {
	Nick        string
	BareJID     string
	Role        Role
	Affiliation Affiliation
	// Presence is the occupant's last presence payload, opaque to this layer.
	Presence []byte
	HomeNode cluster.NodeID
}

// normalize fills the zero values a caller may leave unset: a missing
// affiliation is none, a missing or none role is derived from the
// affiliation. Zero values are not valid wire tags, so this must run
// before the occupant is encoded or stored.
func (o *Occupant) normalize() {
	if o.Affiliation == "" {
		o.Affiliation = AffiliationNone
	}
	if o.Role == "" || o.Role == RoleNone {
		o.Role = defaultRole(o.Affiliation)
	}
}

// Config is the replicated subset of a room's configuration.
type Config struct {
	Name        string
	Subject     string
	MembersOnly bool
}

// Room is the authoritative room state. It exists only on the owning node;
// all other nodes hold a replica. Mutations are serialized per room by the
// service.
type Room struct {
	ID        string
	Config    Config
	Occupants map[string]Occupant // by nickname
}

func newRoom(id string, cfg Config) *Room {
	return &Room{ID: id, Config: cfg, Occupants: make(map[string]Occupant)}
}

// Snapshot is the full-state form of a room exchanged during reconciliation.
type Snapshot struct {
	ID        string
	Owner     cluster.NodeID
	Config    Config
	Occupants []Occupant
}

func (r *Room) snapshot(owner cluster.NodeID) Snapshot {
	s := Snapshot{ID: r.ID, Owner: owner, Config: r.Config}
	for _, o := range r.Occupants {
		s.Occupants = append(s.Occupants, o)
	}
	return s
}

// replica is a non-owning node's shadow copy of a room: updated exclusively
// by deltas broadcast from the owner, never mutated by local business logic.
type replica struct {
	owner     cluster.NodeID
	config    Config
	occupants map[string]Occupant
}

func newReplica(owner cluster.NodeID, cfg Config) *replica {
	return &replica{owner: owner, config: cfg, occupants: make(map[string]Occupant)}
}

func (r *replica) snapshot(id string) Snapshot {
	s := Snapshot{ID: id, Owner: r.owner, Config: r.config}
	for _, o := range r.occupants {
		s.Occupants = append(s.Occupants, o)
	}
	return s
}
