package muc

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/crosstalk-im/crosstalk/core/address"
	"github.com/crosstalk-im/crosstalk/core/cluster"
	"github.com/crosstalk-im/crosstalk/core/serial"
	"github.com/crosstalk-im/crosstalk/core/session"
	"github.com/crosstalk-im/crosstalk/core/wire"
)

type ServiceOptions struct {
	Log        *slog.Logger
	Dispatcher *cluster.Dispatcher
	// Node receives the room task handlers.
	Node *cluster.Node
	// Registry provides the local fast path for presence fan-out.
	Registry *session.Registry
	Metrics  cluster.Metrics
}

// Service hosts the rooms owned by this node and the replicas of everyone
// else's. All occupant-affecting business logic runs on the owning node;
// operations on a room owned elsewhere are forwarded there as synchronous
// tasks, and the owner's resulting deltas keep every replica converging.
type Service struct {
	log     *slog.Logger
	d       *cluster.Dispatcher
	reg     *session.Registry
	metrics cluster.Metrics

	// exec serializes mutations per room
	exec *serial.Executor[string]

	mu       sync.RWMutex
	rooms    map[string]*Room
	replicas map[string]*replica
}

func NewService(opts ServiceOptions) *Service {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = cluster.NopMetrics()
	}
	s := &Service{
		log:      log.With(slog.String("component", "muc")),
		d:        opts.Dispatcher,
		reg:      opts.Registry,
		metrics:  m,
		exec:     serial.New[string](),
		rooms:    make(map[string]*Room),
		replicas: make(map[string]*replica),
	}

	n := opts.Node
	n.Handle(kindCreated, s.handleCreated)
	n.Handle(kindUpsert, s.handleUpsert)
	n.Handle(kindRemove, s.handleRemove)
	n.Handle(kindConfig, s.handleConfig)
	n.Handle(kindDestroy, s.handleDestroy)
	n.Handle(kindOpJoin, s.handleOpJoin)
	n.Handle(kindOpLeave, s.handleOpLeave)
	n.Handle(kindOpKick, s.handleOpKick)
	n.Handle(kindOpSetRole, s.handleOpSetRole)
	n.Handle(kindOpSetAff, s.handleOpSetAff)
	n.Handle(kindOpConfigure, s.handleOpConfigure)
	n.Handle(kindOpDestroy, s.handleOpDestroy)
	n.Handle(kindSyncAll, s.handleSyncAll)
	n.Handle(kindSyncLocal, s.handleSyncLocal)
	return s
}

func (s *Service) self() cluster.NodeID { return s.d.NodeID() }

// Owner reports which node owns roomID.
func (s *Service) Owner(roomID string) (cluster.NodeID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.rooms[roomID]; ok {
		return s.self(), nil
	}
	if rep, ok := s.replicas[roomID]; ok {
		return rep.owner, nil
	}
	return "", fmt.Errorf("%w: room %s", cluster.ErrNotFound, roomID)
}

// Occupants returns the occupant list as seen by this node: authoritative
// for owned rooms, replica view otherwise.
func (s *Service) Occupants(roomID string) ([]Occupant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var src map[string]Occupant
	if room, ok := s.rooms[roomID]; ok {
		src = room.Occupants
	} else if rep, ok := s.replicas[roomID]; ok {
		src = rep.occupants
	} else {
		return nil, fmt.Errorf("%w: room %s", cluster.ErrNotFound, roomID)
	}
	out := make([]Occupant, 0, len(src))
	for _, o := range src {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nick < out[j].Nick })
	return out, nil
}

// RoomIDs lists every room this node knows about, owned or replicated.
func (s *Service) RoomIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms)+len(s.replicas))
	for id := range s.rooms {
		out = append(out, id)
	}
	for id := range s.replicas {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// === public operations ===

// Create creates roomID owned by this node and announces it.
func (s *Service) Create(ctx context.Context, roomID string, cfg Config) error {
	s.mu.Lock()
	if _, ok := s.rooms[roomID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: room %s", cluster.ErrDuplicateAddress, roomID)
	}
	if rep, ok := s.replicas[roomID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: room %s owned by %s", cluster.ErrDuplicateAddress, roomID, rep.owner)
	}
	s.rooms[roomID] = newRoom(roomID, cfg)
	s.mu.Unlock()

	s.publishGauges()
	s.log.Info("room created", slog.String("room", roomID))
	return s.d.Broadcast(ctx, kindCreated, encodeCreated(roomID, s.self(), cfg))
}

// Join adds occ to roomID, or refreshes it when already present (idempotent
// upsert, so a retry after a timeout is safe). An empty occ.HomeNode
// defaults to this node; an empty affiliation defaults to none and an empty
// role is derived from the affiliation.
func (s *Service) Join(ctx context.Context, roomID string, occ Occupant) error {
	if occ.HomeNode == "" {
		occ.HomeNode = s.self()
	}
	occ.normalize()
	owner, err := s.Owner(roomID)
	if err != nil {
		return err
	}
	if owner == s.self() {
		return s.localJoin(ctx, roomID, occ)
	}
	_, err = s.d.Call(ctx, owner, kindOpJoin, encodeRoomOccupant(roomID, occ))
	return err
}

// Leave removes nick from roomID.
func (s *Service) Leave(ctx context.Context, roomID, nick string) error {
	return s.routeNickOp(ctx, roomID, nick, kindOpLeave, func(ctx context.Context) error {
		return s.localRemove(ctx, roomID, nick, removeLeft, nil)
	})
}

// Kick forcibly removes nick from roomID. Role-only removal: the occupant's
// affiliation is untouched.
func (s *Service) Kick(ctx context.Context, roomID, nick string) error {
	return s.routeNickOp(ctx, roomID, nick, kindOpKick, func(ctx context.Context) error {
		return s.localRemove(ctx, roomID, nick, removeKicked, nil)
	})
}

// SetRole changes nick's in-room role. Independent of affiliation.
func (s *Service) SetRole(ctx context.Context, roomID, nick string, role Role) error {
	owner, err := s.Owner(roomID)
	if err != nil {
		return err
	}
	if owner == s.self() {
		return s.localSetRole(ctx, roomID, nick, role)
	}
	_, err = s.d.Call(ctx, owner, kindOpSetRole, encodeSetRole(roomID, nick, role))
	return err
}

// SetAffiliation changes nick's long-lived membership status. Banning an
// owner or admin fails with ErrNotAllowed; setting outcast (or none, in a
// members-only room) removes the occupant.
func (s *Service) SetAffiliation(ctx context.Context, roomID, nick string, aff Affiliation) error {
	owner, err := s.Owner(roomID)
	if err != nil {
		return err
	}
	if owner == s.self() {
		return s.localSetAffiliation(ctx, roomID, nick, aff)
	}
	_, err = s.d.Call(ctx, owner, kindOpSetAff, encodeSetAff(roomID, nick, aff))
	return err
}

// Configure replaces the room configuration. Enabling members-only removes
// occupants without membership.
func (s *Service) Configure(ctx context.Context, roomID string, cfg Config) error {
	owner, err := s.Owner(roomID)
	if err != nil {
		return err
	}
	if owner == s.self() {
		return s.localConfigure(ctx, roomID, cfg)
	}
	_, err = s.d.Call(ctx, owner, kindOpConfigure, encodeRoomConfig(roomID, cfg))
	return err
}

// Destroy removes the room cluster-wide.
func (s *Service) Destroy(ctx context.Context, roomID string) error {
	owner, err := s.Owner(roomID)
	if err != nil {
		return err
	}
	if owner == s.self() {
		return s.localDestroy(ctx, roomID)
	}
	_, err = s.d.Call(ctx, owner, kindOpDestroy, encodeRoomID(roomID))
	return err
}

func (s *Service) routeNickOp(ctx context.Context, roomID, nick, opKind string, local func(context.Context) error) error {
	owner, err := s.Owner(roomID)
	if err != nil {
		return err
	}
	if owner == s.self() {
		return local(ctx)
	}
	_, err = s.d.Call(ctx, owner, opKind, encodeRoomNick(roomID, nick))
	return err
}

// === owner-side business logic ===
//
// Each local* method runs in the room's serial lane: single writer per room,
// rooms mutate in parallel. Deltas are broadcast from inside the lane so
// replicas observe mutations in owner order.

func (s *Service) ownedRoom(roomID string) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: room %s", cluster.ErrTargetGone, roomID)
	}
	return room, nil
}

func (s *Service) localJoin(ctx context.Context, roomID string, occ Occupant) error {
	return s.exec.Do(ctx, roomID, func() error {
		room, err := s.ownedRoom(roomID)
		if err != nil {
			return err
		}
		occ.normalize()
		if err := checkJoin(occ, room.Config); err != nil {
			return err
		}
		s.mu.Lock()
		room.Occupants[occ.Nick] = occ
		s.mu.Unlock()

		s.fanOut(room.Occupants, occ.Presence, occ.Nick)
		return s.d.Broadcast(ctx, kindUpsert, encodeRoomOccupant(roomID, occ))
	})
}

func (s *Service) localRemove(ctx context.Context, roomID, nick, reason string, presence []byte) error {
	return s.exec.Do(ctx, roomID, func() error {
		room, err := s.ownedRoom(roomID)
		if err != nil {
			return err
		}
		s.mu.Lock()
		_, present := room.Occupants[nick]
		delete(room.Occupants, nick)
		s.mu.Unlock()
		if !present {
			// removing an absent occupant is a no-op, not an error: keeps
			// retries after timeouts safe
			return nil
		}
		s.fanOut(room.Occupants, presence, nick)
		return s.d.Broadcast(ctx, kindRemove, encodeRemove(roomID, nick, reason, presence))
	})
}

func (s *Service) localSetRole(ctx context.Context, roomID, nick string, role Role) error {
	return s.exec.Do(ctx, roomID, func() error {
		room, err := s.ownedRoom(roomID)
		if err != nil {
			return err
		}
		s.mu.Lock()
		occ, ok := room.Occupants[nick]
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: occupant %s", cluster.ErrNotFound, nick)
		}
		exit, err := checkRoleChange(occ, role)
		if err != nil {
			return err
		}
		if exit {
			s.mu.Lock()
			delete(room.Occupants, nick)
			s.mu.Unlock()
			s.fanOut(room.Occupants, nil, nick)
			return s.d.Broadcast(ctx, kindRemove, encodeRemove(roomID, nick, removeKicked, nil))
		}
		occ.Role = role
		s.mu.Lock()
		room.Occupants[nick] = occ
		s.mu.Unlock()
		s.fanOut(room.Occupants, occ.Presence, nick)
		return s.d.Broadcast(ctx, kindUpsert, encodeRoomOccupant(roomID, occ))
	})
}

func (s *Service) localSetAffiliation(ctx context.Context, roomID, nick string, aff Affiliation) error {
	return s.exec.Do(ctx, roomID, func() error {
		room, err := s.ownedRoom(roomID)
		if err != nil {
			return err
		}
		s.mu.Lock()
		occ, ok := room.Occupants[nick]
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: occupant %s", cluster.ErrNotFound, nick)
		}
		exit, err := checkAffiliationChange(occ, aff, room.Config)
		if err != nil {
			return err
		}
		if exit {
			s.mu.Lock()
			delete(room.Occupants, nick)
			s.mu.Unlock()
			reason := removeMembersOnly
			if aff == AffiliationOutcast {
				reason = removeBanned
			}
			s.fanOut(room.Occupants, nil, nick)
			return s.d.Broadcast(ctx, kindRemove, encodeRemove(roomID, nick, reason, nil))
		}
		occ.Affiliation = aff
		s.mu.Lock()
		room.Occupants[nick] = occ
		s.mu.Unlock()
		s.fanOut(room.Occupants, occ.Presence, nick)
		return s.d.Broadcast(ctx, kindUpsert, encodeRoomOccupant(roomID, occ))
	})
}

func (s *Service) localConfigure(ctx context.Context, roomID string, cfg Config) error {
	return s.exec.Do(ctx, roomID, func() error {
		room, err := s.ownedRoom(roomID)
		if err != nil {
			return err
		}
		s.mu.Lock()
		room.Config = cfg
		var dropped []string
		if cfg.MembersOnly {
			for nick, o := range room.Occupants {
				switch o.Affiliation {
				case AffiliationOwner, AffiliationAdmin, AffiliationMember:
				default:
					delete(room.Occupants, nick)
					dropped = append(dropped, nick)
				}
			}
		}
		s.mu.Unlock()

		if err := s.d.Broadcast(ctx, kindConfig, encodeRoomConfig(roomID, cfg)); err != nil {
			return err
		}
		for _, nick := range dropped {
			if err := s.d.Broadcast(ctx, kindRemove, encodeRemove(roomID, nick, removeMembersOnly, nil)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) localDestroy(ctx context.Context, roomID string) error {
	return s.exec.Do(ctx, roomID, func() error {
		s.mu.Lock()
		_, ok := s.rooms[roomID]
		delete(s.rooms, roomID)
		s.mu.Unlock()
		if !ok {
			return nil
		}
		s.publishGauges()
		s.log.Info("room destroyed", slog.String("room", roomID))
		return s.d.Broadcast(ctx, kindDestroy, encodeRoomID(roomID))
	})
}

// fanOut delivers a presence payload to the occupants whose real session is
// connected to this node, using the registry fast path. Best effort:
// routing failures during convergence are transient by design.
func (s *Service) fanOut(occupants map[string]Occupant, payload []byte, skipNick string) {
	if s.reg == nil || len(payload) == 0 {
		return
	}
	s.mu.RLock()
	targets := make([]Occupant, 0, len(occupants))
	for _, o := range occupants {
		if o.HomeNode == s.self() && o.Nick != skipNick {
			targets = append(targets, o)
		}
	}
	s.mu.RUnlock()

	for _, o := range targets {
		sess, err := s.reg.Resolve(address.Client(o.BareJID))
		if err != nil {
			continue
		}
		if err := sess.DeliverRaw(context.Background(), payload); err != nil {
			s.log.Debug("presence fan-out failed",
				slog.String("to", o.BareJID), slog.Any("error", err))
		}
	}
}

// === op handlers (owner side) ===

func (s *Service) requireOwned(roomID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.rooms[roomID]; !ok {
		return fmt.Errorf("%w: room %s not owned here", cluster.ErrTargetGone, roomID)
	}
	return nil
}

func (s *Service) handleOpJoin(ctx context.Context, env cluster.Envelope) ([]byte, error) {
	r := wire.NewReader(env.Data)
	roomID := r.String()
	occ, err := decodeOccupant(r)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwned(roomID); err != nil {
		return nil, err
	}
	return nil, s.localJoin(ctx, roomID, occ)
}

func (s *Service) handleOpLeave(ctx context.Context, env cluster.Envelope) ([]byte, error) {
	roomID, nick, err := decodeRoomNick(wire.NewReader(env.Data))
	if err != nil {
		return nil, err
	}
	if err := s.requireOwned(roomID); err != nil {
		return nil, err
	}
	return nil, s.localRemove(ctx, roomID, nick, removeLeft, nil)
}

func (s *Service) handleOpKick(ctx context.Context, env cluster.Envelope) ([]byte, error) {
	roomID, nick, err := decodeRoomNick(wire.NewReader(env.Data))
	if err != nil {
		return nil, err
	}
	if err := s.requireOwned(roomID); err != nil {
		return nil, err
	}
	return nil, s.localRemove(ctx, roomID, nick, removeKicked, nil)
}

func (s *Service) handleOpSetRole(ctx context.Context, env cluster.Envelope) ([]byte, error) {
	r := wire.NewReader(env.Data)
	roomID, nick := r.String(), r.String()
	role, err := ParseRole(r.Tag())
	if err != nil {
		return nil, err
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if err := s.requireOwned(roomID); err != nil {
		return nil, err
	}
	return nil, s.localSetRole(ctx, roomID, nick, role)
}

func (s *Service) handleOpSetAff(ctx context.Context, env cluster.Envelope) ([]byte, error) {
	r := wire.NewReader(env.Data)
	roomID, nick := r.String(), r.String()
	aff, err := ParseAffiliation(r.Tag())
	if err != nil {
		return nil, err
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if err := s.requireOwned(roomID); err != nil {
		return nil, err
	}
	return nil, s.localSetAffiliation(ctx, roomID, nick, aff)
}

func (s *Service) handleOpConfigure(ctx context.Context, env cluster.Envelope) ([]byte, error) {
	r := wire.NewReader(env.Data)
	roomID := r.String()
	cfg := decodeConfig(r)
	if err := r.Err(); err != nil {
		return nil, err
	}
	if err := s.requireOwned(roomID); err != nil {
		return nil, err
	}
	return nil, s.localConfigure(ctx, roomID, cfg)
}

func (s *Service) handleOpDestroy(ctx context.Context, env cluster.Envelope) ([]byte, error) {
	r := wire.NewReader(env.Data)
	roomID := r.String()
	if err := r.Err(); err != nil {
		return nil, err
	}
	if err := s.requireOwned(roomID); err != nil {
		return nil, err
	}
	return nil, s.localDestroy(ctx, roomID)
}

// === delta handlers (replica side) ===
//
// Replicas trust the owner's validation and apply deltas blindly. The
// per-sender FIFO transport guarantee means a room's created delta arrives
// before any of its occupant deltas from the same owner.

func (s *Service) handleCreated(_ context.Context, env cluster.Envelope) ([]byte, error) {
	r := wire.NewReader(env.Data)
	roomID := r.String()
	owner := cluster.NodeID(r.String())
	cfg := decodeConfig(r)
	if err := r.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var orphans []Occupant
	if room, ok := s.rooms[roomID]; ok {
		// concurrent creation on two nodes: the smaller node ID keeps the
		// room so every node converges on the same owner
		if s.self() < owner {
			s.mu.Unlock()
			return nil, nil
		}
		s.log.Warn("concurrent room creation, demoting to replica",
			slog.String("room", roomID), slog.String("owner", string(owner)))
		for _, o := range room.Occupants {
			orphans = append(orphans, o)
		}
		delete(s.rooms, roomID)
	} else if rep, ok := s.replicas[roomID]; ok && rep.owner != owner {
		// a bystander node applies the same tie-break between competing
		// created deltas, independent of their arrival order
		if rep.owner < owner {
			s.mu.Unlock()
			return nil, nil
		}
	}
	s.replicas[roomID] = newReplica(owner, cfg)
	s.mu.Unlock()
	s.publishGauges()

	// occupants the losing creator already admitted re-enter through the
	// winner so no join is lost to the race
	if len(orphans) > 0 {
		go s.rejoinThrough(owner, roomID, orphans)
	}
	return nil, nil
}

func (s *Service) rejoinThrough(owner cluster.NodeID, roomID string, occupants []Occupant) {
	for _, occ := range occupants {
		_, err := s.d.Call(context.Background(), owner, kindOpJoin, encodeRoomOccupant(roomID, occ))
		if err != nil {
			s.log.Warn("occupant re-join after demotion failed",
				slog.String("room", roomID), slog.String("nick", occ.Nick),
				slog.Any("error", err))
		}
	}
}

func (s *Service) replicaFor(roomID string, owner cluster.NodeID) *replica {
	rep, ok := s.replicas[roomID]
	if !ok {
		rep = newReplica(owner, Config{Name: roomID})
		s.replicas[roomID] = rep
	}
	return rep
}

func (s *Service) handleUpsert(_ context.Context, env cluster.Envelope) ([]byte, error) {
	r := wire.NewReader(env.Data)
	roomID := r.String()
	occ, err := decodeOccupant(r)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	rep := s.replicaFor(roomID, env.Sender)
	rep.occupants[occ.Nick] = occ
	occupants := rep.occupants
	s.mu.Unlock()

	s.fanOut(occupants, occ.Presence, occ.Nick)
	return nil, nil
}

func (s *Service) handleRemove(_ context.Context, env cluster.Envelope) ([]byte, error) {
	r := wire.NewReader(env.Data)
	roomID, nick := r.String(), r.String()
	reason, err := parseRemoveReason(r.Tag())
	if err != nil {
		return nil, err
	}
	presence := r.Blob()
	if err := r.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	rep, ok := s.replicas[roomID]
	if ok {
		delete(rep.occupants, nick)
	}
	var occupants map[string]Occupant
	if ok {
		occupants = rep.occupants
	}
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}

	s.log.Debug("occupant removed from replica",
		slog.String("room", roomID), slog.String("nick", nick), slog.String("reason", reason))
	s.fanOut(occupants, presence, nick)
	return nil, nil
}

func (s *Service) handleConfig(_ context.Context, env cluster.Envelope) ([]byte, error) {
	r := wire.NewReader(env.Data)
	roomID := r.String()
	cfg := decodeConfig(r)
	if err := r.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	rep := s.replicaFor(roomID, env.Sender)
	rep.config = cfg
	s.mu.Unlock()
	return nil, nil
}

func (s *Service) handleDestroy(_ context.Context, env cluster.Envelope) ([]byte, error) {
	r := wire.NewReader(env.Data)
	roomID := r.String()
	if err := r.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	delete(s.replicas, roomID)
	s.mu.Unlock()
	s.publishGauges()
	return nil, nil
}

// === reconciliation ===

// SnapshotsAll returns every occupied room this node knows about. The
// senior member serves this to a joining node to seed its replicas.
func (s *Service) SnapshotsAll() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Snapshot
	for _, room := range s.rooms {
		if len(room.Occupants) > 0 {
			out = append(out, room.snapshot(s.self()))
		}
	}
	for id, rep := range s.replicas {
		if len(rep.occupants) > 0 {
			out = append(out, rep.snapshot(id))
		}
	}
	return out
}

// SnapshotsLocalTo returns the occupied rooms that have at least one
// occupant whose real session lives on node. Pre-existing nodes pull this
// from a joining node to learn about rooms it brought along.
func (s *Service) SnapshotsLocalTo(node cluster.NodeID) []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Snapshot
	for _, room := range s.rooms {
		if occupantsInclude(room.Occupants, node) {
			out = append(out, room.snapshot(s.self()))
		}
	}
	for id, rep := range s.replicas {
		if occupantsInclude(rep.occupants, node) {
			out = append(out, rep.snapshot(id))
		}
	}
	return out
}

func occupantsInclude(occ map[string]Occupant, node cluster.NodeID) bool {
	for _, o := range occ {
		if o.HomeNode == node {
			return true
		}
	}
	return false
}

// Seed merges room snapshots learned during reconciliation. Rooms this node
// owns are kept authoritative; everything else lands in the replica set.
func (s *Service) Seed(snaps []Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range snaps {
		if snap.Owner == s.self() {
			room, ok := s.rooms[snap.ID]
			if !ok {
				room = newRoom(snap.ID, snap.Config)
				s.rooms[snap.ID] = room
			}
			for _, o := range snap.Occupants {
				if _, exists := room.Occupants[o.Nick]; !exists {
					room.Occupants[o.Nick] = o
				}
			}
			continue
		}
		if _, owned := s.rooms[snap.ID]; owned {
			continue
		}
		rep := newReplica(snap.Owner, snap.Config)
		for _, o := range snap.Occupants {
			rep.occupants[o.Nick] = o
		}
		s.replicas[snap.ID] = rep
	}
}

func (s *Service) handleSyncAll(_ context.Context, _ cluster.Envelope) ([]byte, error) {
	var w wire.Writer
	encodeSnapshots(s.SnapshotsAll())(&w)
	return w.Bytes(), nil
}

func (s *Service) handleSyncLocal(_ context.Context, env cluster.Envelope) ([]byte, error) {
	r := wire.NewReader(env.Data)
	node := cluster.NodeID(r.String())
	if err := r.Err(); err != nil {
		return nil, err
	}
	var w wire.Writer
	encodeSnapshots(s.SnapshotsLocalTo(node))(&w)
	return w.Bytes(), nil
}

// FetchAll pulls the full occupied-room state from target.
func (s *Service) FetchAll(ctx context.Context, target cluster.NodeID) ([]Snapshot, error) {
	r, err := s.d.Call(ctx, target, kindSyncAll, nil)
	if err != nil {
		return nil, err
	}
	return decodeSnapshots(r)
}

// FetchLocalTo pulls from target the rooms with occupants homed on node.
func (s *Service) FetchLocalTo(ctx context.Context, target, node cluster.NodeID) ([]Snapshot, error) {
	r, err := s.d.Call(ctx, target, kindSyncLocal, func(w *wire.Writer) {
		w.String(string(node))
	})
	if err != nil {
		return nil, err
	}
	return decodeSnapshots(r)
}

// === failure cleanup ===

// PurgeNode drops everything the departed node contributed: occupants whose
// session lived there, and its room ownerships. Orphaned rooms are re-homed
// deterministically; when this node wins, its replica is promoted to the
// authoritative room. Local bookkeeping only: every node runs the same
// computation on the same membership event.
func (s *Service) PurgeNode(departed cluster.NodeID, survivors []cluster.NodeID) {
	s.mu.Lock()
	for _, room := range s.rooms {
		dropOccupantsOf(room.Occupants, departed)
	}
	for id, rep := range s.replicas {
		dropOccupantsOf(rep.occupants, departed)
		if rep.owner != departed {
			continue
		}
		winner := rehomeOwner(id, survivors)
		if winner == s.self() {
			room := newRoom(id, rep.config)
			room.Occupants = rep.occupants
			s.rooms[id] = room
			delete(s.replicas, id)
			s.log.Info("adopted orphaned room", slog.String("room", id))
		} else {
			rep.owner = winner
		}
	}
	s.mu.Unlock()
	s.publishGauges()
}

func dropOccupantsOf(occ map[string]Occupant, node cluster.NodeID) {
	for nick, o := range occ {
		if o.HomeNode == node {
			delete(occ, nick)
		}
	}
}

func (s *Service) publishGauges() {
	s.mu.RLock()
	owned, reps := len(s.rooms), len(s.replicas)
	s.mu.RUnlock()
	s.metrics.RoomsOwned(string(s.self()), owned)
	s.metrics.RoomReplicas(string(s.self()), reps)
}

// Close stops the per-room executor.
func (s *Service) Close() {
	s.exec.Close()
}
