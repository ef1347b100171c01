package app

import "github.com/dkeye/Poker/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickConnection
)

// Policy decides what happens to a connection whose send buffer is full.
type Policy interface {
	OnBackPressure(room domain.RoomID, conn domain.ConnectionID, kind domain.EventKind) BackpressureAction
}

// SimplePolicy kicks any connection that cannot keep up. A kicked client reconnects
// and receives a fresh welcome snapshot.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.RoomID, domain.ConnectionID, domain.EventKind) BackpressureAction {
	return KickConnection
}

// LenientPolicy drops frames and keeps the connection; clients recover on the next
// versioned event.
type LenientPolicy struct{}

func (LenientPolicy) OnBackPressure(domain.RoomID, domain.ConnectionID, domain.EventKind) BackpressureAction {
	return DropFrame
}

func PolicyByName(name string) Policy {
	if name == "drop" {
		return LenientPolicy{}
	}
	return SimplePolicy{}
}
