package domain

import "unicode/utf8"

const MaxRoomIDLen = 64

// RoomID is caller-supplied and case-sensitive.
type RoomID string

func (id RoomID) Validate() error {
	if len(id) == 0 {
		return ErrRoomIDEmpty
	}
	if len(id) > MaxRoomIDLen {
		return ErrRoomIDTooLong
	}
	if !utf8.ValidString(string(id)) {
		return ErrRoomIDInvalid
	}
	return nil
}

// ConnectionID identifies one live transport connection.
type ConnectionID string

type RoomState string

const (
	RoomEmpty    RoomState = "empty"
	RoomActive   RoomState = "active"
	RoomRevealed RoomState = "revealed"
)
