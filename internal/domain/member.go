package domain

// Vote is one card of a Deck. The zero value means "not voted".
type Vote string

func (v Vote) Present() bool { return v != "" }

// Ptr returns nil for an absent vote so JSON renders null.
func (v Vote) Ptr() *Vote {
	if !v.Present() {
		return nil
	}
	return &v
}

// Member is a read-only view of a participant.
type Member struct {
	ID          MemberID `json:"id"`
	DisplayName string   `json:"displayName"`
	Vote        *Vote    `json:"vote"`
	Online      bool     `json:"online"`
}

func (m Member) HasVoted() bool { return m.Vote != nil }
