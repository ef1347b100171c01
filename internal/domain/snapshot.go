package domain

import (
	"slices"
	"strings"
	"time"
)

// Snapshot is an immutable, versioned copy of a room. Consumers must not mutate its maps.
type Snapshot struct {
	RoomID    RoomID              `json:"roomId"`
	Members   map[MemberID]Member `json:"members"`
	Revealed  bool                `json:"revealed"`
	Version   uint64              `json:"version"`
	UpdatedAt time.Time           `json:"updatedAt"`

	// RevealedVotes is the copy taken at the last reveal; nil while not revealed.
	RevealedVotes map[MemberID]*Vote `json:"revealedVotes,omitempty"`
}

func (s Snapshot) State() RoomState {
	switch {
	case len(s.Members) == 0:
		return RoomEmpty
	case s.Revealed:
		return RoomRevealed
	default:
		return RoomActive
	}
}

func (s Snapshot) Member(id MemberID) (Member, bool) {
	m, ok := s.Members[id]
	return m, ok
}

// VoteOf reports the member's current recorded vote.
func (s Snapshot) VoteOf(id MemberID) (Vote, bool) {
	m, ok := s.Members[id]
	if !ok || m.Vote == nil {
		return "", false
	}
	return *m.Vote, true
}

// PublicMember is what other participants may see about a member.
type PublicMember struct {
	ID          MemberID `json:"id"`
	DisplayName string   `json:"displayName"`
	Online      bool     `json:"online"`
	HasVoted    bool     `json:"hasVoted"`
	Vote        *Vote    `json:"vote,omitempty"`
}

// PublicSnapshot withholds vote values unless the room is revealed, and then shows the
// reveal-time values only.
type PublicSnapshot struct {
	RoomID    RoomID         `json:"roomId"`
	Members   []PublicMember `json:"members"`
	Revealed  bool           `json:"revealed"`
	Version   uint64         `json:"version"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (s Snapshot) Public() PublicSnapshot {
	out := PublicSnapshot{
		RoomID:    s.RoomID,
		Members:   make([]PublicMember, 0, len(s.Members)),
		Revealed:  s.Revealed,
		Version:   s.Version,
		UpdatedAt: s.UpdatedAt,
	}
	for _, m := range s.Members {
		pm := PublicMember{
			ID:          m.ID,
			DisplayName: m.DisplayName,
			Online:      m.Online,
			HasVoted:    m.HasVoted(),
		}
		// A member who joined after the reveal has no entry and shows no vote
		// until the next reveal, even if it has voted since.
		if s.Revealed {
			pm.Vote = s.RevealedVotes[m.ID]
		}
		out.Members = append(out.Members, pm)
	}
	slices.SortFunc(out.Members, func(a, b PublicMember) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out
}
