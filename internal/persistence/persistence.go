// Package persistence holds the durable mirrors of room state. Every adapter stores
// rooms as one row or key per field so concurrent writers never overwrite each other.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Poker/internal/domain"
	"github.com/jonboulle/clockwork"
)

// Adapter is the contract the orchestrator needs from a store.
type Adapter interface {
	// Load returns nil, nil when the room has never been written.
	Load(ctx context.Context, room domain.RoomID) (*domain.Snapshot, error)
	// MergeField overwrites one field. The version field is the exception: the
	// stored value becomes max(stored+1, written), so every version write raises it.
	MergeField(ctx context.Context, room domain.RoomID, w domain.FieldWrite) error
	// Subscribe calls onChange with the full stored snapshot after each version write.
	Subscribe(ctx context.Context, room domain.RoomID, onChange func(domain.Snapshot)) (func(), error)
	Close() error
}

type Mode string

const (
	// ModeMirror writes behind; connections are served from memory only.
	ModeMirror Mode = "mirror"
	// ModeTransport also adopts changes other instances write to the store.
	ModeTransport Mode = "transport"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeMirror:
		return ModeMirror, nil
	case ModeTransport:
		return ModeTransport, nil
	}
	return "", fmt.Errorf("unknown persistence mode %q", s)
}

var ErrUnknownDriver = errors.New("unknown persistence driver")

type Config struct {
	Driver       string
	PollInterval time.Duration
	SQLitePath   string
	PostgresDSN  string
	NATSURL      string
	NATSBucket   string
}

// Open returns a nil Adapter for the "none" driver.
func Open(ctx context.Context, cfg Config, clock clockwork.Clock) (Adapter, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		s, err := OpenSQLite(ctx, cfg.SQLitePath, cfg.PollInterval, clock)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		p, err := OpenPostgres(ctx, cfg.PostgresDSN, clock)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "nats":
		n, err := OpenNATS(ctx, DefaultNATSConfig(cfg.NATSURL, cfg.NATSBucket))
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
}

type field struct {
	path domain.FieldPath
	raw  []byte
}

func assemble(room domain.RoomID, fields []field) (*domain.Snapshot, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	doc := domain.NewDocument()
	for _, f := range fields {
		if err := doc.Apply(f.path, f.raw); err != nil {
			return nil, fmt.Errorf("decode %s of room %s: %w", f.path, room, err)
		}
	}
	snap := doc.Snapshot(room)
	return &snap, nil
}

// nextVersion applies the version rule to an encoded write. Two instances that reach
// the same local version still leave distinct stored versions behind, so neither
// write can hide the other from subscribers.
func nextVersion(stored, written []byte) ([]byte, error) {
	var in uint64
	if err := json.Unmarshal(written, &in); err != nil {
		return nil, fmt.Errorf("decode version: %w", err)
	}
	if stored == nil {
		return written, nil
	}
	var cur uint64
	if err := json.Unmarshal(stored, &cur); err != nil {
		return nil, fmt.Errorf("decode stored version: %w", err)
	}
	return json.Marshal(max(cur+1, in))
}

// hub keeps per-room change callbacks for adapters with one shared change source.
type hub struct {
	mu   sync.Mutex
	next int
	subs map[domain.RoomID]map[int]func(domain.Snapshot)
}

func newHub() *hub {
	return &hub{subs: make(map[domain.RoomID]map[int]func(domain.Snapshot))}
}

func (h *hub) add(room domain.RoomID, fn func(domain.Snapshot)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	set, ok := h.subs[room]
	if !ok {
		set = make(map[int]func(domain.Snapshot))
		h.subs[room] = set
	}
	set[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[room], id)
			if len(h.subs[room]) == 0 {
				delete(h.subs, room)
			}
		})
	}
}

func (h *hub) listeners(room domain.RoomID) []func(domain.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[room]
	out := make([]func(domain.Snapshot), 0, len(set))
	for _, fn := range set {
		out = append(out, fn)
	}
	return out
}
