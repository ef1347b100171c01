package app

import "github.com/dkeye/Poker/internal/domain"

// Dispatcher is the sink every room session emits into. It runs under the room lock,
// so both of its steps are non-blocking.
type Dispatcher struct {
	Router    *Router
	Persister *Persister
}

func (d *Dispatcher) Emit(ev domain.Event) {
	if d.Router != nil {
		d.Router.Deliver(ev)
	}
	if d.Persister != nil && len(ev.Writes) > 0 {
		d.Persister.Enqueue(ev.RoomID, ev.Version, ev.Writes)
	}
}
