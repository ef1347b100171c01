package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Poker/internal/core"
	"github.com/dkeye/Poker/internal/domain"
	"github.com/rs/zerolog/log"
)

// Binding is the (room, member) pair a connection joined as.
type Binding struct {
	Room   domain.RoomID
	Member domain.MemberID
}

type connEntry struct {
	Endpoint core.SignalConnection
	Binding  Binding
	Bound    bool
	Cancel   context.CancelFunc
}

// Registry maps live connections to their endpoints and room bindings.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.ConnectionID]*connEntry
	rooms map[domain.RoomID]map[domain.ConnectionID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[domain.ConnectionID]*connEntry),
		rooms: make(map[domain.RoomID]map[domain.ConnectionID]struct{}),
	}
}

// Attach records a freshly accepted endpoint before it has joined any room.
func (r *Registry) Attach(id domain.ConnectionID, endpoint core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		e.Endpoint = endpoint
		e.Cancel = cancel
		return
	}
	r.conns[id] = &connEntry{Endpoint: endpoint, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("attached connection")
}

// Register binds a connection to a room member. Repeating the same binding is a no-op;
// a connection already bound elsewhere is rejected.
func (r *Registry) Register(id domain.ConnectionID, room domain.RoomID, member domain.MemberID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		e = &connEntry{}
		r.conns[id] = e
	}
	want := Binding{Room: room, Member: member}
	if e.Bound {
		if e.Binding == want {
			return nil
		}
		return fmt.Errorf("%w: %s is bound to %s/%s", domain.ErrDuplicateRegistration, id, e.Binding.Room, e.Binding.Member)
	}
	e.Binding = want
	e.Bound = true
	set, ok := r.rooms[room]
	if !ok {
		set = make(map[domain.ConnectionID]struct{})
		r.rooms[room] = set
	}
	set[id] = struct{}{}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("room", string(room)).
		Str("member", string(member)).Msg("registered connection")
	return nil
}

// Unregister forgets the connection entirely and returns its binding, if it had one.
func (r *Registry) Unregister(id domain.ConnectionID) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return Binding{}, false
	}
	delete(r.conns, id)
	if !e.Bound {
		return Binding{}, false
	}
	r.dropFromRoomLocked(e.Binding.Room, id)
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("room", string(e.Binding.Room)).Msg("unregistered connection")
	return e.Binding, true
}

// Unbind removes only the room binding and keeps the endpoint attached.
func (r *Registry) Unbind(id domain.ConnectionID) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok || !e.Bound {
		return Binding{}, false
	}
	b := e.Binding
	e.Binding = Binding{}
	e.Bound = false
	r.dropFromRoomLocked(b.Room, id)
	return b, true
}

func (r *Registry) dropFromRoomLocked(room domain.RoomID, id domain.ConnectionID) {
	set := r.rooms[room]
	delete(set, id)
	if len(set) == 0 {
		delete(r.rooms, room)
	}
}

func (r *Registry) BindingOf(id domain.ConnectionID) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok || !e.Bound {
		return Binding{}, false
	}
	return e.Binding, true
}

func (r *Registry) Endpoint(id domain.ConnectionID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok || e.Endpoint == nil {
		return nil, false
	}
	return e.Endpoint, true
}

type ConnSnap struct {
	ID       domain.ConnectionID
	Member   domain.MemberID
	Endpoint core.SignalConnection
}

// ConnectionsOf lists the connections bound to a room at this instant.
func (r *Registry) ConnectionsOf(room domain.RoomID) []ConnSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.rooms[room]
	out := make([]ConnSnap, 0, len(set))
	for id := range set {
		e := r.conns[id]
		out = append(out, ConnSnap{ID: id, Member: e.Binding.Member, Endpoint: e.Endpoint})
	}
	return out
}

func (r *Registry) Cancel(id domain.ConnectionID) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("canceled connection")
	return true
}
