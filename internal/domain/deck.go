package domain

// DefaultDeck is the planning poker deck used when none is configured.
var DefaultDeck = NewDeck("0", "1", "2", "3", "5", "8", "13", "21", "40", "100", "?", "☕")

// Deck is the fixed set of allowed vote values. It is immutable after construction.
type Deck struct {
	values []Vote
	index  map[Vote]struct{}
}

func NewDeck(values ...string) Deck {
	d := Deck{index: make(map[Vote]struct{}, len(values))}
	for _, v := range values {
		vote := Vote(v)
		if !vote.Present() {
			continue
		}
		if _, dup := d.index[vote]; dup {
			continue
		}
		d.index[vote] = struct{}{}
		d.values = append(d.values, vote)
	}
	return d
}

func (d Deck) IsValidVote(v Vote) bool {
	_, ok := d.index[v]
	return ok
}

func (d Deck) Values() []Vote {
	out := make([]Vote, len(d.values))
	copy(out, d.values)
	return out
}

func (d Deck) Len() int { return len(d.values) }
