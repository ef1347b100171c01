package core

import (
	"time"

	"github.com/dkeye/Poker/internal/domain"
)

// EventSink receives every event a room produces, in version order.
// Emit is called while the room's lock is held: it must not block and must not call
// back into the room.
type EventSink interface {
	Emit(ev domain.Event)
}

// RoomService is the core-facing API of one estimation room.
// It owns members, votes and the reveal flag but never touches transport resources.
type RoomService interface {
	ID() domain.RoomID
	Snapshot() domain.Snapshot
	Info() RoomInfo

	Join(member domain.MemberID, displayName string, conn domain.ConnectionID) (domain.Snapshot, domain.WelcomePayload, error)
	Vote(member domain.MemberID, value domain.Vote) (domain.Snapshot, error)
	Reveal() domain.Snapshot
	Reset() domain.Snapshot
	LeaveConnection(conn domain.ConnectionID, member domain.MemberID) (domain.Snapshot, bool)

	// Hydrate seeds the room from durable state; only a successful load counts, a
	// failed one is retried on the next call.
	Hydrate(load func() (*domain.Snapshot, error)) error
	// Adopt replaces room state with a newer remote snapshot; stale versions are ignored.
	Adopt(remote domain.Snapshot) bool
}

type RoomInfo struct {
	ID          domain.RoomID    `json:"id"`
	State       domain.RoomState `json:"state"`
	MemberCount int              `json:"memberCount"`
	Revealed    bool             `json:"revealed"`
	Version     uint64           `json:"version"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// RoomManager owns exactly one RoomService per room id.
type RoomManager interface {
	GetOrCreate(id domain.RoomID) (RoomService, bool)
	Get(id domain.RoomID) (RoomService, bool)
	List() []RoomInfo
	Remove(id domain.RoomID) bool
}
