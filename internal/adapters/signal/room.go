package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Poker/internal/domain"
	"github.com/rs/zerolog/log"
)

type roomPayload struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId"`
	MemberID    string `json:"memberId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Value       string `json:"value,omitempty"`
}

func (ctl *SignalWSController) decode(conn *WsSignalConn, data []byte) (roomPayload, bool) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(conn.id)).Msg("bad payload")
		ctl.sendError(conn, "", codeBadPayload, "malformed payload")
		return p, false
	}
	return p, true
}

// bound resolves the room and member a joined connection acts as. A payload roomId,
// when given, must match the binding.
func (ctl *SignalWSController) bound(conn *WsSignalConn, p roomPayload) (domain.RoomID, domain.MemberID, bool) {
	b, ok := ctl.Orch.Registry.BindingOf(conn.id)
	if !ok {
		ctl.sendError(conn, domain.RoomID(p.RoomID), codeNotJoined, "join a room first")
		return "", "", false
	}
	if p.RoomID != "" && domain.RoomID(p.RoomID) != b.Room {
		ctl.sendError(conn, domain.RoomID(p.RoomID), codeBadPayload, "connection is joined to another room")
		return "", "", false
	}
	if p.MemberID != "" && domain.MemberID(p.MemberID) != b.Member {
		ctl.sendError(conn, b.Room, codeBadPayload, "connection is joined as another member")
		return "", "", false
	}
	return b.Room, b.Member, true
}

func (ctl *SignalWSController) handleJoin(ctx context.Context, conn *WsSignalConn, data []byte) {
	p, ok := ctl.decode(conn, data)
	if !ok {
		return
	}
	member := conn.member
	if p.MemberID != "" {
		member = domain.MemberID(p.MemberID)
	}
	room := domain.RoomID(p.RoomID)

	log.Info().Str("module", "signal").Str("conn", string(conn.id)).Str("room", p.RoomID).
		Str("member", string(member)).Msg("join")
	if _, err := ctl.Orch.Join(ctx, conn.id, room, member, p.DisplayName); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(conn.id)).Msg("join rejected")
		ctl.replyErr(conn, room, err)
	}
}

func (ctl *SignalWSController) handleVote(ctx context.Context, conn *WsSignalConn, data []byte) {
	p, ok := ctl.decode(conn, data)
	if !ok {
		return
	}
	room, member, ok := ctl.bound(conn, p)
	if !ok {
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(member) {
		ctl.sendError(conn, room, codeRateLimited, "too many votes")
		return
	}
	if _, err := ctl.Orch.Vote(ctx, room, member, domain.Vote(p.Value)); err != nil {
		ctl.replyErr(conn, room, err)
	}
}

func (ctl *SignalWSController) handleReveal(ctx context.Context, conn *WsSignalConn, data []byte) {
	p, ok := ctl.decode(conn, data)
	if !ok {
		return
	}
	room, _, ok := ctl.bound(conn, p)
	if !ok {
		return
	}
	if _, err := ctl.Orch.Reveal(ctx, room); err != nil {
		ctl.replyErr(conn, room, err)
	}
}

func (ctl *SignalWSController) handleReset(ctx context.Context, conn *WsSignalConn, data []byte) {
	p, ok := ctl.decode(conn, data)
	if !ok {
		return
	}
	room, _, ok := ctl.bound(conn, p)
	if !ok {
		return
	}
	if _, err := ctl.Orch.Reset(ctx, room); err != nil {
		ctl.replyErr(conn, room, err)
	}
}
