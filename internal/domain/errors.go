package domain

import "errors"

var (
	ErrInvalidVote            = errors.New("invalid vote")
	ErrNotFound               = errors.New("not found")
	ErrDuplicateRegistration  = errors.New("connection already registered")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	ErrRoomIDEmpty        = errors.New("room id empty")
	ErrRoomIDTooLong      = errors.New("room id too long")
	ErrRoomIDInvalid      = errors.New("room id is not valid utf-8")
	ErrMemberIDEmpty      = errors.New("member id empty")
	ErrDisplayNameTooLong = errors.New("display name too long")
)
