package orch

import (
	"github.com/dkeye/Poker/internal/core"
	"github.com/dkeye/Poker/internal/domain"
	"github.com/dkeye/Poker/internal/persistence"
	"github.com/rs/zerolog/log"
)

// watch subscribes a freshly created room to the store's change feed when the store
// doubles as transport between instances.
func (o *Orchestrator) watch(id domain.RoomID, room core.RoomService) {
	if o.Store == nil || o.Mode != persistence.ModeTransport {
		return
	}
	stop, err := o.Store.Subscribe(o.ctx, id, func(remote domain.Snapshot) {
		if room.Adopt(remote) {
			log.Debug().Str("module", "app.orch").Str("room", string(id)).Uint64("version", remote.Version).Msg("adopted remote change")
		}
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("room", string(id)).Msg("subscribe failed")
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.subs[id]; ok {
		prev()
	}
	o.subs[id] = stop
	log.Info().Str("module", "app.orch").Str("room", string(id)).Msg("subscribed to store changes")
}

func (o *Orchestrator) unwatch(id domain.RoomID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if stop, ok := o.subs[id]; ok {
		stop()
		delete(o.subs, id)
	}
}
