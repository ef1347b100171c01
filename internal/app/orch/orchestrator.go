package orch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Poker/internal/app"
	"github.com/dkeye/Poker/internal/core"
	"github.com/dkeye/Poker/internal/domain"
	"github.com/dkeye/Poker/internal/persistence"
	"github.com/rs/zerolog/log"
)

// Orchestrator is the service context transports talk to. It owns no room state;
// it resolves rooms, binds connections and keeps durable subscriptions.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Router   *app.Router
	Store    persistence.Adapter
	Mode     persistence.Mode

	LoadTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	subs   map[domain.RoomID]func()
}

func NewOrchestrator(
	reg *app.Registry,
	rooms core.RoomManager,
	router *app.Router,
	store persistence.Adapter,
	mode persistence.Mode,
) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		Registry:    reg,
		Rooms:       rooms,
		Router:      router,
		Store:       store,
		Mode:        mode,
		LoadTimeout: 5 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
		subs:        make(map[domain.RoomID]func()),
	}
}

// acquire returns the room, creating it if needed. Only join may create rooms.
func (o *Orchestrator) acquire(ctx context.Context, id domain.RoomID) (core.RoomService, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	room, created := o.Rooms.GetOrCreate(id)
	o.hydrate(ctx, room, nil)
	if created {
		o.watch(id, room)
	}
	return room, nil
}

// lookup resolves a room that must already exist, in memory or in the store.
func (o *Orchestrator) lookup(ctx context.Context, id domain.RoomID) (core.RoomService, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if room, ok := o.Rooms.Get(id); ok {
		o.hydrate(ctx, room, nil)
		return room, nil
	}
	if o.Store == nil {
		return nil, fmt.Errorf("%w: room %q", domain.ErrNotFound, id)
	}

	snap, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: room %q", domain.ErrNotFound, id)
	}
	room, created := o.Rooms.GetOrCreate(id)
	o.hydrate(ctx, room, snap)
	if created {
		o.watch(id, room)
	}
	return room, nil
}

// hydrate runs outside every registry and room lock. A failed load is logged and the
// room carries on from memory until a later operation loads successfully.
func (o *Orchestrator) hydrate(ctx context.Context, room core.RoomService, loaded *domain.Snapshot) {
	if o.Store == nil {
		return
	}
	err := room.Hydrate(func() (*domain.Snapshot, error) {
		if loaded != nil {
			return loaded, nil
		}
		return o.load(ctx, room.ID())
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("room", string(room.ID())).Msg("hydrate failed, serving from memory")
	}
}

func (o *Orchestrator) load(ctx context.Context, id domain.RoomID) (*domain.Snapshot, error) {
	lctx, cancel := context.WithTimeout(ctx, o.LoadTimeout)
	defer cancel()
	snap, err := o.Store.Load(lctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrPersistenceUnavailable, err)
	}
	return snap, nil
}

func (o *Orchestrator) List() []core.RoomInfo {
	return o.Rooms.List()
}

// Close stops every durable subscription.
func (o *Orchestrator) Close() {
	o.cancel()
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, stop := range o.subs {
		stop()
		delete(o.subs, id)
	}
}
