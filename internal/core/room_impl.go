package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Poker/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type memberState struct {
	id          domain.MemberID
	displayName string
	vote        domain.Vote
	conns       map[domain.ConnectionID]struct{}
}

// roomSession is a threadsafe in-memory room and the single writer for its state.
// Each mutation holds mu across apply, version bump and emit, so the sink observes
// events in version order.
type roomSession struct {
	id    domain.RoomID
	deck  domain.Deck
	clock clockwork.Clock
	sink  EventSink

	// hydrateMu serializes loads; hydrated is set only after a successful one.
	hydrateMu sync.Mutex
	hydrated  bool

	mu            sync.Mutex
	members       map[domain.MemberID]*memberState
	revealed      bool
	revealedVotes map[domain.MemberID]*domain.Vote
	version       uint64
	updatedAt     time.Time
}

type SessionOptions struct {
	Deck  domain.Deck
	Clock clockwork.Clock
	Sink  EventSink
}

type discardSink struct{}

func (discardSink) Emit(domain.Event) {}

func NewRoomSession(id domain.RoomID, opts SessionOptions) RoomService {
	if opts.Deck.Len() == 0 {
		opts.Deck = domain.DefaultDeck
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Sink == nil {
		opts.Sink = discardSink{}
	}
	return &roomSession{
		id:      id,
		deck:    opts.Deck,
		clock:   opts.Clock,
		sink:    opts.Sink,
		members: make(map[domain.MemberID]*memberState),
	}
}

func (r *roomSession) ID() domain.RoomID { return r.id }

func (r *roomSession) Snapshot() domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *roomSession) Info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := domain.RoomActive
	switch {
	case len(r.members) == 0:
		state = domain.RoomEmpty
	case r.revealed:
		state = domain.RoomRevealed
	}
	return RoomInfo{
		ID:          r.id,
		State:       state,
		MemberCount: len(r.members),
		Revealed:    r.revealed,
		Version:     r.version,
		UpdatedAt:   r.updatedAt,
	}
}

func (r *roomSession) Join(
	memberID domain.MemberID,
	displayName string,
	conn domain.ConnectionID,
) (domain.Snapshot, domain.WelcomePayload, error) {
	if err := memberID.Validate(); err != nil {
		return domain.Snapshot{}, domain.WelcomePayload{}, err
	}
	name := domain.NormalizeDisplayName(displayName, memberID)

	r.mu.Lock()
	defer r.mu.Unlock()

	m, existed := r.members[memberID]
	if !existed {
		m = &memberState{id: memberID, conns: make(map[domain.ConnectionID]struct{})}
		r.members[memberID] = m
	}
	m.displayName = name
	if conn != "" {
		m.conns[conn] = struct{}{}
	}
	v := r.bumpLocked()
	snap := r.snapshotLocked()

	writes := []domain.FieldWrite{{Path: domain.DisplayNamePath(memberID), Value: name}}
	if !existed {
		writes = append(writes, domain.FieldWrite{Path: domain.VotePath(memberID), Value: m.vote.Ptr()})
	}
	writes = append(writes, r.stampWritesLocked()...)

	welcome := domain.WelcomePayload{
		Message:  domain.WelcomeMessage(r.id, name),
		Snapshot: snap.Public(),
		Version:  v,
	}
	if conn != "" {
		r.emitLocked(domain.Event{Kind: domain.EventWelcome, Origin: conn, Version: v, Payload: welcome})
	}
	r.emitLocked(domain.Event{
		Kind:    domain.EventMemberJoined,
		Origin:  conn,
		Version: v,
		Payload: domain.MemberJoinedPayload{MemberID: memberID, DisplayName: name, Version: v},
		Writes:  writes,
	})

	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("member", string(memberID)).
		Str("conn", string(conn)).Bool("rejoin", existed).Uint64("version", v).Msg("member joined")
	return snap, welcome, nil
}

func (r *roomSession) Vote(memberID domain.MemberID, value domain.Vote) (domain.Snapshot, error) {
	if !r.deck.IsValidVote(value) {
		return domain.Snapshot{}, fmt.Errorf("%w: %q is not in the deck", domain.ErrInvalidVote, value)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[memberID]
	if !ok {
		return domain.Snapshot{}, fmt.Errorf("%w: member %q in room %q", domain.ErrNotFound, memberID, r.id)
	}
	m.vote = value
	v := r.bumpLocked()

	writes := append([]domain.FieldWrite{{Path: domain.VotePath(memberID), Value: value.Ptr()}}, r.stampWritesLocked()...)
	r.emitLocked(domain.Event{
		Kind:    domain.EventVoteCast,
		Version: v,
		Payload: domain.VoteCastPayload{MemberID: memberID, HasVoted: true, Version: v},
		Writes:  writes,
	})

	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("member", string(memberID)).
		Bool("revealed", r.revealed).Uint64("version", v).Msg("vote cast")
	return r.snapshotLocked(), nil
}

// Reveal re-snapshots the current votes every time it is called.
func (r *roomSession) Reveal() domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	votes := make(map[domain.MemberID]*domain.Vote, len(r.members))
	writes := make([]domain.FieldWrite, 0, len(r.members)+3)
	for id, m := range r.members {
		votes[id] = m.vote.Ptr()
		writes = append(writes, domain.FieldWrite{Path: domain.RevealedVotePath(id), Value: votes[id]})
	}
	r.revealed = true
	r.revealedVotes = votes
	v := r.bumpLocked()

	payloadVotes := make(map[domain.MemberID]*domain.Vote, len(votes))
	for id, vote := range votes {
		payloadVotes[id] = vote
	}
	writes = append(writes, domain.FieldWrite{Path: domain.RevealedPath(), Value: true})
	writes = append(writes, r.stampWritesLocked()...)
	r.emitLocked(domain.Event{
		Kind:    domain.EventRevealed,
		Version: v,
		Payload: domain.RevealedPayload{Votes: payloadVotes, Version: v},
		Writes:  writes,
	})

	log.Info().Str("module", "core.room").Str("room", string(r.id)).Int("votes", len(votes)).
		Uint64("version", v).Msg("votes revealed")
	return r.snapshotLocked()
}

func (r *roomSession) Reset() domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	writes := make([]domain.FieldWrite, 0, 2*len(r.members)+3)
	for id, m := range r.members {
		m.vote = ""
		writes = append(writes,
			domain.FieldWrite{Path: domain.VotePath(id), Value: m.vote.Ptr()},
			domain.FieldWrite{Path: domain.RevealedVotePath(id), Value: m.vote.Ptr()},
		)
	}
	r.revealed = false
	r.revealedVotes = nil
	v := r.bumpLocked()

	writes = append(writes, domain.FieldWrite{Path: domain.RevealedPath(), Value: false})
	writes = append(writes, r.stampWritesLocked()...)
	r.emitLocked(domain.Event{
		Kind:    domain.EventReset,
		Version: v,
		Payload: domain.ResetPayload{Version: v},
		Writes:  writes,
	})

	log.Info().Str("module", "core.room").Str("room", string(r.id)).Uint64("version", v).Msg("round reset")
	return r.snapshotLocked()
}

// LeaveConnection detaches one connection. The member and its vote stay; it only goes
// offline when its last connection is gone. Unknown pairs are a no-op.
func (r *roomSession) LeaveConnection(conn domain.ConnectionID, memberID domain.MemberID) (domain.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[memberID]
	if !ok {
		return r.snapshotLocked(), false
	}
	if _, bound := m.conns[conn]; !bound {
		return r.snapshotLocked(), false
	}
	delete(m.conns, conn)
	if len(m.conns) > 0 {
		log.Debug().Str("module", "core.room").Str("room", string(r.id)).Str("member", string(memberID)).
			Int("remaining", len(m.conns)).Msg("connection left")
		return r.snapshotLocked(), true
	}

	v := r.bumpLocked()
	r.emitLocked(domain.Event{
		Kind:    domain.EventMemberOffline,
		Origin:  conn,
		Version: v,
		Payload: domain.MemberOfflinePayload{MemberID: memberID, Version: v},
		Writes:  r.stampWritesLocked(),
	})

	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("member", string(memberID)).
		Uint64("version", v).Msg("member offline")
	return r.snapshotLocked(), true
}

// Hydrate loads durable state until one load succeeds. A failed load leaves the room
// unhydrated so the next caller retries; state the room accumulated meanwhile is
// merged with the stored snapshot when it is newer.
func (r *roomSession) Hydrate(load func() (*domain.Snapshot, error)) error {
	r.hydrateMu.Lock()
	defer r.hydrateMu.Unlock()
	if r.hydrated {
		return nil
	}
	snap, err := load()
	if err != nil {
		return err
	}
	r.hydrated = true
	if snap == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if snap.Version <= r.version {
		return nil
	}
	late := r.version > 0
	r.adoptLocked(*snap)
	if late {
		s := r.snapshotLocked()
		r.emitLocked(domain.Event{
			Kind:    domain.EventSync,
			Version: r.version,
			Payload: domain.SyncPayload{Snapshot: s.Public(), Version: r.version},
		})
	}
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Bool("late", late).
		Uint64("version", r.version).Int("members", len(r.members)).Msg("hydrated from durable state")
	return nil
}

func (r *roomSession) Adopt(remote domain.Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if remote.Version <= r.version {
		return false
	}
	r.adoptLocked(remote)
	snap := r.snapshotLocked()
	r.emitLocked(domain.Event{
		Kind:    domain.EventSync,
		Version: r.version,
		Payload: domain.SyncPayload{Snapshot: snap.Public(), Version: r.version},
	})

	log.Info().Str("module", "core.room").Str("room", string(r.id)).Uint64("version", r.version).Msg("adopted remote state")
	return true
}

// adoptLocked keeps local connections, never drops members, and discards any vote
// that is not in the deck. Revealed values come only from the remote reveal, never
// from current votes.
func (r *roomSession) adoptLocked(remote domain.Snapshot) {
	for id, rm := range remote.Members {
		m, ok := r.members[id]
		if !ok {
			m = &memberState{id: id, conns: make(map[domain.ConnectionID]struct{})}
			r.members[id] = m
		}
		m.displayName = domain.NormalizeDisplayName(rm.DisplayName, id)
		m.vote = ""
		if rm.Vote != nil && r.deck.IsValidVote(*rm.Vote) {
			m.vote = *rm.Vote
		}
	}

	r.revealed = remote.Revealed
	r.revealedVotes = nil
	if remote.Revealed {
		r.revealedVotes = make(map[domain.MemberID]*domain.Vote, len(remote.RevealedVotes))
		for id, vote := range remote.RevealedVotes {
			if _, ok := r.members[id]; !ok {
				continue
			}
			if vote != nil && !r.deck.IsValidVote(*vote) {
				vote = nil
			}
			r.revealedVotes[id] = vote
		}
	}
	r.version = remote.Version
	r.updatedAt = remote.UpdatedAt
}

func (r *roomSession) bumpLocked() uint64 {
	r.version++
	r.updatedAt = r.clock.Now().UTC()
	return r.version
}

// stampWritesLocked must come last in a batch: readers treat a version change as
// "the batch is complete".
func (r *roomSession) stampWritesLocked() []domain.FieldWrite {
	return []domain.FieldWrite{
		{Path: domain.UpdatedAtPath(), Value: r.updatedAt},
		{Path: domain.VersionPath(), Value: r.version},
	}
}

func (r *roomSession) emitLocked(ev domain.Event) {
	ev.RoomID = r.id
	r.sink.Emit(ev)
}

func (r *roomSession) snapshotLocked() domain.Snapshot {
	s := domain.Snapshot{
		RoomID:    r.id,
		Members:   make(map[domain.MemberID]domain.Member, len(r.members)),
		Revealed:  r.revealed,
		Version:   r.version,
		UpdatedAt: r.updatedAt,
	}
	for id, m := range r.members {
		s.Members[id] = domain.Member{
			ID:          id,
			DisplayName: m.displayName,
			Vote:        m.vote.Ptr(),
			Online:      len(m.conns) > 0,
		}
	}
	if r.revealedVotes != nil {
		s.RevealedVotes = make(map[domain.MemberID]*domain.Vote, len(r.revealedVotes))
		for id, v := range r.revealedVotes {
			s.RevealedVotes[id] = v
		}
	}
	return s
}
