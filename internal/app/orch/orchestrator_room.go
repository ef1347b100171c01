package orch

import (
	"context"

	"github.com/dkeye/Poker/internal/domain"
	"github.com/rs/zerolog/log"
)

// Join binds conn (which may be empty for connectionless callers) and joins the room.
func (o *Orchestrator) Join(
	ctx context.Context,
	conn domain.ConnectionID,
	roomID domain.RoomID,
	member domain.MemberID,
	displayName string,
) (domain.Snapshot, error) {
	if err := roomID.Validate(); err != nil {
		return domain.Snapshot{}, err
	}
	if err := member.Validate(); err != nil {
		return domain.Snapshot{}, err
	}
	if err := domain.ValidateDisplayName(displayName); err != nil {
		return domain.Snapshot{}, err
	}

	room, err := o.acquire(ctx, roomID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if conn != "" {
		// registered before Join so the welcome and later broadcasts can reach it
		if err := o.Registry.Register(conn, roomID, member); err != nil {
			return domain.Snapshot{}, err
		}
	}
	snap, _, err := room.Join(member, displayName, conn)
	if err != nil {
		if conn != "" {
			o.Registry.Unbind(conn)
		}
		return domain.Snapshot{}, err
	}
	return snap, nil
}

func (o *Orchestrator) Vote(ctx context.Context, roomID domain.RoomID, member domain.MemberID, value domain.Vote) (domain.Snapshot, error) {
	room, err := o.lookup(ctx, roomID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return room.Vote(member, value)
}

func (o *Orchestrator) Reveal(ctx context.Context, roomID domain.RoomID) (domain.Snapshot, error) {
	room, err := o.lookup(ctx, roomID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return room.Reveal(), nil
}

func (o *Orchestrator) Reset(ctx context.Context, roomID domain.RoomID) (domain.Snapshot, error) {
	room, err := o.lookup(ctx, roomID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return room.Reset(), nil
}

func (o *Orchestrator) Snapshot(ctx context.Context, roomID domain.RoomID) (domain.Snapshot, error) {
	room, err := o.lookup(ctx, roomID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return room.Snapshot(), nil
}

// Disconnect is safe to call any number of times for the same connection.
func (o *Orchestrator) Disconnect(conn domain.ConnectionID) {
	b, ok := o.Registry.Unregister(conn)
	if !ok {
		return
	}
	room, ok := o.Rooms.Get(b.Room)
	if !ok {
		return
	}
	room.LeaveConnection(conn, b.Member)
}

// KickConn closes a connection; its read pump then runs the normal disconnect path.
func (o *Orchestrator) KickConn(conn domain.ConnectionID) {
	if ep, ok := o.Registry.Endpoint(conn); ok {
		ep.Close()
	}
	o.Registry.Cancel(conn)
}

// EvictRoom drops the in-memory session. Durable state is kept, so a later lookup
// hydrates a fresh session from the store.
func (o *Orchestrator) EvictRoom(roomID domain.RoomID) bool {
	conns := o.Registry.ConnectionsOf(roomID)
	for _, c := range conns {
		o.KickConn(c.ID)
	}
	o.unwatch(roomID)
	removed := o.Rooms.Remove(roomID)
	log.Info().Str("module", "app.orch").Str("room", string(roomID)).Int("conns", len(conns)).
		Bool("removed", removed).Msg("room evicted")
	return removed
}
