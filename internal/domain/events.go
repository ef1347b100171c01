package domain

type EventKind string

const (
	EventWelcome       EventKind = "welcome"
	EventMemberJoined  EventKind = "member-joined"
	EventVoteCast      EventKind = "vote-cast"
	EventRevealed      EventKind = "revealed"
	EventReset         EventKind = "reset"
	EventMemberOffline EventKind = "member-offline"
	EventSync          EventKind = "sync"
	EventError         EventKind = "error"
)

type Addressing int

const (
	// AddressOrigin delivers to the originating connection only.
	AddressOrigin Addressing = iota
	// AddressOthers delivers to every room connection except the originator.
	AddressOthers
	// AddressAll delivers to every room connection including the originator.
	AddressAll
)

func (k EventKind) Addressing() Addressing {
	switch k {
	case EventWelcome, EventError:
		return AddressOrigin
	case EventMemberJoined:
		return AddressOthers
	default:
		return AddressAll
	}
}

// Event is produced by a room mutation. Writes are the field-scoped durable updates
// for the same mutation, version last.
type Event struct {
	Kind    EventKind
	RoomID  RoomID
	Origin  ConnectionID
	Version uint64
	Payload any
	Writes  []FieldWrite
}

// Envelope is the wire shape of every outbound message.
type Envelope struct {
	Type EventKind `json:"type"`
	Room RoomID    `json:"room,omitempty"`
	Data any       `json:"data,omitempty"`
}

func (e Event) Envelope() Envelope {
	return Envelope{Type: e.Kind, Room: e.RoomID, Data: e.Payload}
}

type WelcomePayload struct {
	Message  string         `json:"message"`
	Snapshot PublicSnapshot `json:"snapshot"`
	Version  uint64         `json:"version"`
}

type MemberJoinedPayload struct {
	MemberID    MemberID `json:"memberId"`
	DisplayName string   `json:"displayName"`
	Version     uint64   `json:"version"`
}

// VoteCastPayload never carries the value.
type VoteCastPayload struct {
	MemberID MemberID `json:"memberId"`
	HasVoted bool     `json:"hasVoted"`
	Version  uint64   `json:"version"`
}

type RevealedPayload struct {
	Votes   map[MemberID]*Vote `json:"votes"`
	Version uint64             `json:"version"`
}

type ResetPayload struct {
	Version uint64 `json:"version"`
}

type MemberOfflinePayload struct {
	MemberID MemberID `json:"memberId"`
	Version  uint64   `json:"version"`
}

type SyncPayload struct {
	Snapshot PublicSnapshot `json:"snapshot"`
	Version  uint64         `json:"version"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WelcomeMessage is the greeting unicast to a joining connection.
func WelcomeMessage(room RoomID, displayName string) string {
	return "Welcome to room " + string(room) + ", " + displayName
}
