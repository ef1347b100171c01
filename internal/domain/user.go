// Package domain contains room entities and value types, no transport or locking.
package domain

import (
	"strings"
	"unicode/utf8"
)

const (
	MaxMemberIDLen    = 64
	MaxDisplayNameLen = 36
)

// MemberID comes from the external identity collaborator and is opaque here.
type MemberID string

func (id MemberID) Validate() error {
	if len(strings.TrimSpace(string(id))) == 0 {
		return ErrMemberIDEmpty
	}
	return nil
}

// ValidateDisplayName is used by transports before a join reaches the room.
func ValidateDisplayName(name string) error {
	if utf8.RuneCountInString(strings.TrimSpace(name)) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	return nil
}

// NormalizeDisplayName trims the name, falls back to the member id when empty and
// cuts it to MaxDisplayNameLen runes.
func NormalizeDisplayName(name string, id MemberID) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = string(id)
	}
	if utf8.RuneCountInString(name) <= MaxDisplayNameLen {
		return name
	}
	r := []rune(name)
	return string(r[:MaxDisplayNameLen])
}
