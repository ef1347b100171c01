package app

import (
	"encoding/json"

	"github.com/dkeye/Poker/internal/core"
	"github.com/dkeye/Poker/internal/domain"
	"github.com/rs/zerolog/log"
)

type PublishResult struct {
	Delivered []domain.ConnectionID
	Dropped   []domain.ConnectionID
	Kicked    []domain.ConnectionID
}

// Router fans room events out to connections according to the event's addressing.
type Router struct {
	Registry *Registry
	Policy   Policy
}

func NewRouter(reg *Registry, policy Policy) *Router {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Router{Registry: reg, Policy: policy}
}

// Deliver never blocks: every target gets one TrySend.
func (rt *Router) Deliver(ev domain.Event) PublishResult {
	var res PublishResult
	frame, err := json.Marshal(ev.Envelope())
	if err != nil {
		log.Error().Err(err).Str("module", "app.router").Str("type", string(ev.Kind)).Msg("encode event")
		return res
	}

	for _, target := range rt.targets(ev) {
		if target.Endpoint == nil {
			continue
		}
		if err := target.Endpoint.TrySend(core.Frame(frame)); err != nil {
			res.Dropped = append(res.Dropped, target.ID)
			if rt.Policy.OnBackPressure(ev.RoomID, target.ID, ev.Kind) == KickConnection {
				res.Kicked = append(res.Kicked, target.ID)
				target.Endpoint.Close()
			}
			continue
		}
		res.Delivered = append(res.Delivered, target.ID)
	}

	if len(res.Dropped) > 0 {
		log.Warn().Str("module", "app.router").Str("room", string(ev.RoomID)).Str("type", string(ev.Kind)).
			Int("dropped", len(res.Dropped)).Int("kicked", len(res.Kicked)).Msg("slow connections")
	}
	return res
}

func (rt *Router) targets(ev domain.Event) []ConnSnap {
	switch ev.Kind.Addressing() {
	case domain.AddressOrigin:
		if ev.Origin == "" {
			return nil
		}
		ep, ok := rt.Registry.Endpoint(ev.Origin)
		if !ok {
			return nil
		}
		return []ConnSnap{{ID: ev.Origin, Endpoint: ep}}
	case domain.AddressOthers:
		all := rt.Registry.ConnectionsOf(ev.RoomID)
		out := all[:0]
		for _, c := range all {
			if c.ID != ev.Origin {
				out = append(out, c)
			}
		}
		return out
	default:
		return rt.Registry.ConnectionsOf(ev.RoomID)
	}
}

// SendError unicasts an error envelope outside of any room event.
func (rt *Router) SendError(conn domain.ConnectionID, room domain.RoomID, code, msg string) {
	rt.Deliver(domain.Event{
		Kind:    domain.EventError,
		RoomID:  room,
		Origin:  conn,
		Payload: domain.ErrorPayload{Code: code, Message: msg},
	})
}
