package muc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crosstalk-im/crosstalk/core/cluster"
)

func TestCheckJoin(t *testing.T) {
	open := Config{Name: "open"}
	private := Config{Name: "private", MembersOnly: true}

	require.NoError(t, checkJoin(Occupant{Nick: "a"}, open))
	require.ErrorIs(t, checkJoin(Occupant{Nick: "a", Affiliation: AffiliationOutcast}, open), cluster.ErrNotAllowed)

	require.ErrorIs(t, checkJoin(Occupant{Nick: "a"}, private), cluster.ErrNotAllowed)
	require.NoError(t, checkJoin(Occupant{Nick: "a", Affiliation: AffiliationMember}, private))
	require.NoError(t, checkJoin(Occupant{Nick: "a", Affiliation: AffiliationAdmin}, private))
	require.NoError(t, checkJoin(Occupant{Nick: "a", Affiliation: AffiliationOwner}, private))
}

func TestDefaultRole(t *testing.T) {
	require.Equal(t, RoleModerator, defaultRole(AffiliationOwner))
	require.Equal(t, RoleModerator, defaultRole(AffiliationAdmin))
	require.Equal(t, RoleParticipant, defaultRole(AffiliationMember))
	require.Equal(t, RoleParticipant, defaultRole(AffiliationNone))
}

func TestCheckAffiliationChange(t *testing.T) {
	open := Config{}
	private := Config{MembersOnly: true}

	t.Run("owner and admin cannot be banned", func(t *testing.T) {
		for _, aff := range []Affiliation{AffiliationOwner, AffiliationAdmin} {
			_, err := checkAffiliationChange(Occupant{Nick: "a", Affiliation: aff}, AffiliationOutcast, open)
			require.ErrorIs(t, err, cluster.ErrNotAllowed)
		}
	})

	t.Run("banning a member forces exit", func(t *testing.T) {
		exit, err := checkAffiliationChange(Occupant{Nick: "a", Affiliation: AffiliationMember}, AffiliationOutcast, open)
		require.NoError(t, err)
		require.True(t, exit)
	})

	t.Run("dropping membership in members-only forces exit", func(t *testing.T) {
		exit, err := checkAffiliationChange(Occupant{Nick: "a", Affiliation: AffiliationMember}, AffiliationNone, private)
		require.NoError(t, err)
		require.True(t, exit)
	})

	t.Run("dropping membership in open room keeps occupant", func(t *testing.T) {
		exit, err := checkAffiliationChange(Occupant{Nick: "a", Affiliation: AffiliationMember}, AffiliationNone, open)
		require.NoError(t, err)
		require.False(t, exit)
	})

	t.Run("promotion never exits", func(t *testing.T) {
		exit, err := checkAffiliationChange(Occupant{Nick: "a", Affiliation: AffiliationNone}, AffiliationAdmin, private)
		require.NoError(t, err)
		require.False(t, exit)
	})
}

func TestCheckRoleChange(t *testing.T) {
	occ := Occupant{Nick: "a", Role: RoleParticipant}

	exit, err := checkRoleChange(occ, RoleModerator)
	require.NoError(t, err)
	require.False(t, exit)

	exit, err = checkRoleChange(occ, RoleNone)
	require.NoError(t, err)
	require.True(t, exit)
}

func TestParseTags(t *testing.T) {
	for _, role := range []Role{RoleNone, RoleVisitor, RoleParticipant, RoleModerator} {
		got, err := ParseRole(string(role))
		require.NoError(t, err)
		require.Equal(t, role, got)
	}
	_, err := ParseRole("sultan")
	require.Error(t, err)

	for _, aff := range []Affiliation{AffiliationNone, AffiliationOutcast, AffiliationMember, AffiliationAdmin, AffiliationOwner} {
		got, err := ParseAffiliation(string(aff))
		require.NoError(t, err)
		require.Equal(t, aff, got)
	}
	_, err = ParseAffiliation("pharaoh")
	require.Error(t, err)
}

func TestRehomeOwnerDeterministic(t *testing.T) {
	survivors := []cluster.NodeID{"node-0", "node-1", "node-2"}

	first := rehomeOwner("lobby", survivors)
	require.Contains(t, survivors, first)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, rehomeOwner("lobby", survivors))
	}

	// order of the survivor list must not matter
	require.Equal(t, first, rehomeOwner("lobby", []cluster.NodeID{"node-2", "node-0", "node-1"}))

	// distinct rooms spread across nodes rather than piling on one
	seen := map[cluster.NodeID]bool{}
	for i := 0; i < 64; i++ {
		seen[rehomeOwner(string(rune('a'+i%26))+"-room", survivors)] = true
	}
	require.Greater(t, len(seen), 1)
}

func TestOccupantNormalize(t *testing.T) {
	o := Occupant{Nick: "bob"}
	o.normalize()
	require.Equal(t, AffiliationNone, o.Affiliation)
	require.Equal(t, RoleParticipant, o.Role)

	o = Occupant{Nick: "alice", Affiliation: AffiliationOwner}
	o.normalize()
	require.Equal(t, RoleModerator, o.Role)

	// explicit tags pass through untouched
	o = Occupant{Nick: "eve", Role: RoleVisitor, Affiliation: AffiliationMember}
	o.normalize()
	require.Equal(t, RoleVisitor, o.Role)
	require.Equal(t, AffiliationMember, o.Affiliation)
}
