package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Document is the persisted room layout:
// { members: { <id>: {displayName, vote|null, revealedVote|null} }, revealed, version, updatedAt }.
type Document struct {
	Members   map[MemberID]DocumentMember `json:"members"`
	Revealed  bool                        `json:"revealed"`
	Version   uint64                      `json:"version"`
	UpdatedAt time.Time                   `json:"updatedAt"`
}

type DocumentMember struct {
	DisplayName string `json:"displayName"`
	Vote        *Vote  `json:"vote"`

	// captured by the last reveal, cleared on reset
	RevealedVote *Vote `json:"revealedVote"`
}

func NewDocument() *Document {
	return &Document{Members: make(map[MemberID]DocumentMember)}
}

// FieldPath addresses one field of a Document, e.g. members/<id>/vote.
type FieldPath []string

const (
	fieldMembers      = "members"
	fieldDisplayName  = "displayName"
	fieldVote         = "vote"
	fieldRevealedVote = "revealedVote"
	fieldRevealed     = "revealed"
	fieldVersion      = "version"
	fieldUpdatedAt    = "updatedAt"
)

func DisplayNamePath(id MemberID) FieldPath  { return FieldPath{fieldMembers, string(id), fieldDisplayName} }
func VotePath(id MemberID) FieldPath         { return FieldPath{fieldMembers, string(id), fieldVote} }
func RevealedVotePath(id MemberID) FieldPath { return FieldPath{fieldMembers, string(id), fieldRevealedVote} }
func RevealedPath() FieldPath                { return FieldPath{fieldRevealed} }
func VersionPath() FieldPath                 { return FieldPath{fieldVersion} }
func UpdatedAtPath() FieldPath               { return FieldPath{fieldUpdatedAt} }

func (p FieldPath) String() string { return strings.Join(p, ".") }

func (p FieldPath) IsVersion() bool { return len(p) == 1 && p[0] == fieldVersion }

// Key is an unambiguous encoding of the path; member ids may contain dots.
func (p FieldPath) Key() string {
	b, _ := json.Marshal([]string(p))
	return string(b)
}

func ParseFieldKey(key string) (FieldPath, error) {
	var p []string
	if err := json.Unmarshal([]byte(key), &p); err != nil {
		return nil, fmt.Errorf("parse field key %q: %w", key, err)
	}
	return FieldPath(p), nil
}

// FieldWrite is one field-scoped merge write.
type FieldWrite struct {
	Path  FieldPath
	Value any
}

func (w FieldWrite) Encode() ([]byte, error) {
	return json.Marshal(w.Value)
}

// Apply merges one encoded field into the document. Unknown paths are ignored.
func (d *Document) Apply(path FieldPath, raw []byte) error {
	if d.Members == nil {
		d.Members = make(map[MemberID]DocumentMember)
	}
	switch {
	case len(path) == 1 && path[0] == fieldRevealed:
		return json.Unmarshal(raw, &d.Revealed)
	case len(path) == 1 && path[0] == fieldVersion:
		return json.Unmarshal(raw, &d.Version)
	case len(path) == 1 && path[0] == fieldUpdatedAt:
		return json.Unmarshal(raw, &d.UpdatedAt)
	case len(path) == 3 && path[0] == fieldMembers:
		id := MemberID(path[1])
		m := d.Members[id]
		switch path[2] {
		case fieldDisplayName:
			if err := json.Unmarshal(raw, &m.DisplayName); err != nil {
				return err
			}
		case fieldVote:
			v, err := decodeVote(raw)
			if err != nil {
				return err
			}
			m.Vote = v
		case fieldRevealedVote:
			v, err := decodeVote(raw)
			if err != nil {
				return err
			}
			m.RevealedVote = v
		default:
			return nil
		}
		d.Members[id] = m
	}
	return nil
}

func decodeVote(raw []byte) (*Vote, error) {
	var v *Vote
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	if v != nil && !v.Present() {
		v = nil
	}
	return v, nil
}

// Snapshot converts a loaded document. Connections are never persisted, so every
// member comes back offline; a revealed document reveals the votes captured at
// reveal time, not the current ones.
func (d Document) Snapshot(id RoomID) Snapshot {
	s := Snapshot{
		RoomID:    id,
		Members:   make(map[MemberID]Member, len(d.Members)),
		Revealed:  d.Revealed,
		Version:   d.Version,
		UpdatedAt: d.UpdatedAt,
	}
	if d.Revealed {
		s.RevealedVotes = make(map[MemberID]*Vote, len(d.Members))
	}
	for mid, m := range d.Members {
		s.Members[mid] = Member{ID: mid, DisplayName: m.DisplayName, Vote: m.Vote}
		if d.Revealed {
			s.RevealedVotes[mid] = m.RevealedVote
		}
	}
	return s
}

func (s Snapshot) Document() Document {
	d := Document{
		Members:   make(map[MemberID]DocumentMember, len(s.Members)),
		Revealed:  s.Revealed,
		Version:   s.Version,
		UpdatedAt: s.UpdatedAt,
	}
	for id, m := range s.Members {
		d.Members[id] = DocumentMember{DisplayName: m.DisplayName, Vote: m.Vote, RevealedVote: s.RevealedVotes[id]}
	}
	return d
}
