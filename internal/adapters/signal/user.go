package signal

import "github.com/dkeye/Poker/internal/domain"

func (ctl *SignalWSController) handleWhoAmI(conn *WsSignalConn) {
	resp := struct {
		Type         string              `json:"type"`
		MemberID     domain.MemberID     `json:"memberId"`
		ConnectionID domain.ConnectionID `json:"connectionId"`
		Room         domain.RoomID       `json:"room,omitempty"`
	}{
		Type:         "whoami",
		MemberID:     conn.member,
		ConnectionID: conn.id,
	}
	if b, ok := ctl.Orch.Registry.BindingOf(conn.id); ok {
		resp.MemberID = b.Member
		resp.Room = b.Room
	}
	ctl.sendJSON(conn, resp)
}
