package persistence

import (
	"context"
	"sync"

	"github.com/dkeye/Poker/internal/domain"
)

// Memory is an in-process store. Instances sharing one Memory behave like
// instances sharing a database.
type Memory struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]map[string][]byte
	hub   *hub
}

func NewMemory() *Memory {
	return &Memory{rooms: make(map[domain.RoomID]map[string][]byte), hub: newHub()}
}

func (m *Memory) Load(_ context.Context, room domain.RoomID) (*domain.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(room)
}

func (m *Memory) loadLocked(room domain.RoomID) (*domain.Snapshot, error) {
	stored := m.rooms[room]
	fields := make([]field, 0, len(stored))
	for key, raw := range stored {
		path, err := domain.ParseFieldKey(key)
		if err != nil {
			return nil, err
		}
		fields = append(fields, field{path: path, raw: raw})
	}
	return assemble(room, fields)
}

func (m *Memory) MergeField(ctx context.Context, room domain.RoomID, w domain.FieldWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := w.Encode()
	if err != nil {
		return err
	}

	m.mu.Lock()
	stored, ok := m.rooms[room]
	if !ok {
		stored = make(map[string][]byte)
		m.rooms[room] = stored
	}
	key := w.Path.Key()
	var snap *domain.Snapshot
	if w.Path.IsVersion() {
		raw, err = nextVersion(stored[key], raw)
		if err == nil {
			stored[key] = raw
			snap, err = m.loadLocked(room)
		}
	} else {
		stored[key] = raw
	}
	m.mu.Unlock()

	if err != nil || snap == nil {
		return err
	}
	for _, fn := range m.hub.listeners(room) {
		fn(*snap)
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, room domain.RoomID, onChange func(domain.Snapshot)) (func(), error) {
	return m.hub.add(room, onChange), nil
}

func (m *Memory) Close() error { return nil }
