package app

import (
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/Poker/internal/core"
	"github.com/dkeye/Poker/internal/domain"
	"github.com/rs/zerolog/log"
)

// RoomFactory builds the session for a room id that has none yet.
type RoomFactory func(id domain.RoomID) core.RoomService

type RoomManagerImpl struct {
	mu      sync.RWMutex
	rooms   map[domain.RoomID]core.RoomService
	factory RoomFactory
}

func NewRoomManager(factory RoomFactory) core.RoomManager {
	if factory == nil {
		factory = func(id domain.RoomID) core.RoomService {
			return core.NewRoomSession(id, core.SessionOptions{})
		}
	}
	return &RoomManagerImpl{rooms: make(map[domain.RoomID]core.RoomService), factory: factory}
}

// GetOrCreate reports created=true only to the caller whose call inserted the room.
func (f *RoomManagerImpl) GetOrCreate(id domain.RoomID) (core.RoomService, bool) {
	f.mu.RLock()
	room, ok := f.rooms[id]
	f.mu.RUnlock()
	if ok {
		return room, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[id]; ok {
		return room, false
	}
	room = f.factory(id)
	f.rooms[id] = room
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room session created")
	return room, true
}

func (f *RoomManagerImpl) Get(id domain.RoomID) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[id]
	return room, ok
}

func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	rooms := make([]core.RoomService, 0, len(f.rooms))
	for _, r := range f.rooms {
		rooms = append(rooms, r)
	}
	f.mu.RUnlock()

	out := make([]core.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Info())
	}
	slices.SortFunc(out, func(a, b core.RoomInfo) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out
}

func (f *RoomManagerImpl) Remove(id domain.RoomID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rooms[id]; !ok {
		return false
	}
	delete(f.rooms, id)
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room session removed")
	return true
}
