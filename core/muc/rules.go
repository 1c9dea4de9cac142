package muc

import (
	"fmt"

	"github.com/crosstalk-im/crosstalk/core/cluster"
)

// The occupant state machine. Transitions are explicit rule checks over the
// Role x Affiliation cross product; wire tags carry no ordering and are
// never compared for privilege. All checks run on the owning node only;
// replicas apply the validated result without re-running them.

// checkJoin decides whether an occupant may enter the room.
func checkJoin(o Occupant, cfg Config) error {
	if o.Affiliation == AffiliationOutcast {
		return fmt.Errorf("%w: %s is banned from the room", cluster.ErrNotAllowed, o.Nick)
	}
	if cfg.MembersOnly {
		switch o.Affiliation {
		case AffiliationOwner, AffiliationAdmin, AffiliationMember:
		default:
			return fmt.Errorf("%w: room is members-only", cluster.ErrNotAllowed)
		}
	}
	return nil
}

// defaultRole picks the entry role for a joining occupant that did not
// request one.
func defaultRole(aff Affiliation) Role {
	switch aff {
	case AffiliationOwner, AffiliationAdmin:
		return RoleModerator
	default:
		return RoleParticipant
	}
}

// checkAffiliationChange validates a new affiliation for a present occupant
// and reports whether the change forces a room exit. An owner or admin can
// never be banned; demote first, then ban.
func checkAffiliationChange(cur Occupant, next Affiliation, cfg Config) (exit bool, err error) {
	if next == AffiliationOutcast {
		switch cur.Affiliation {
		case AffiliationOwner, AffiliationAdmin:
			return false, fmt.Errorf("%w: cannot ban %s affiliation %q",
				cluster.ErrNotAllowed, cur.Nick, cur.Affiliation)
		}
		return true, nil
	}
	if next == AffiliationNone && cfg.MembersOnly {
		// losing membership in a members-only room means leaving it
		return true, nil
	}
	return false, nil
}

// checkRoleChange validates a new role for a present occupant. Role changes
// never imply an affiliation change; role none is the terminal removed state.
func checkRoleChange(cur Occupant, next Role) (exit bool, err error) {
	if next == RoleNone {
		return true, nil
	}
	return false, nil
}
