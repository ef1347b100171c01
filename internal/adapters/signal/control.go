package signal

import (
	"errors"

	"github.com/dkeye/Poker/internal/domain"
)

const (
	codeInvalidVote   = "invalid_vote"
	codeNotFound      = "not_found"
	codeBadPayload    = "bad_payload"
	codeAlreadyJoined = "already_joined"
	codeNotJoined     = "not_joined"
	codeRateLimited   = "rate_limited"
	codeInternal      = "internal"
)

// ErrorCode maps core errors to the wire codes shared by every transport.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidVote):
		return codeInvalidVote
	case errors.Is(err, domain.ErrNotFound):
		return codeNotFound
	case errors.Is(err, domain.ErrDuplicateRegistration):
		return codeAlreadyJoined
	case errors.Is(err, domain.ErrRoomIDEmpty),
		errors.Is(err, domain.ErrRoomIDTooLong),
		errors.Is(err, domain.ErrRoomIDInvalid),
		errors.Is(err, domain.ErrMemberIDEmpty),
		errors.Is(err, domain.ErrDisplayNameTooLong):
		return codeBadPayload
	default:
		return codeInternal
	}
}

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.sendJSON(conn, resp)
}

// sendError goes through the router so it shares the connection's backpressure policy.
func (ctl *SignalWSController) sendError(conn *WsSignalConn, room domain.RoomID, code, msg string) {
	if ctl.Orch.Router == nil {
		ctl.sendJSON(conn, domain.Envelope{Type: domain.EventError, Room: room, Data: domain.ErrorPayload{Code: code, Message: msg}})
		return
	}
	ctl.Orch.Router.SendError(conn.id, room, code, msg)
}

func (ctl *SignalWSController) replyErr(conn *WsSignalConn, room domain.RoomID, err error) {
	ctl.sendError(conn, room, ErrorCode(err), err.Error())
}
