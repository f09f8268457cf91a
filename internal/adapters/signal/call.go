package signal

import (
	"encoding/json"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/app/orch"
	"github.com/dkeye/Pulse/internal/domain"
)

var callEvents = map[string]domain.SignalEvent{
	"callInvite": domain.SignalInvite,
	"callAccept": domain.SignalAccept,
	"callReject": domain.SignalReject,
	"callHangup": domain.SignalHangup,
}

var webrtcEvents = map[string]domain.SignalEvent{
	"webrtcOffer":        domain.SignalOffer,
	"webrtcAnswer":       domain.SignalAnswer,
	"webrtcIceCandidate": domain.SignalICECandidate,
}

func (ctl *SignalWSController) handleCall(cc *app.Connection, typ string, data json.RawMessage) error {
	var req orch.SignalRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return ctl.Orch.RelayCall(cc, callEvents[typ], req)
}

// handleWebRTC relays SDP and ICE blobs without looking inside them.
func (ctl *SignalWSController) handleWebRTC(cc *app.Connection, typ string, data json.RawMessage) error {
	var p struct {
		TargetUserID       domain.UserID         `json:"targetUserId"`
		TargetConnectionID domain.ConnectionID   `json:"targetConnectionId"`
		ConversationID     domain.ConversationID `json:"conversationId"`
		Offer              json.RawMessage       `json:"offer"`
		Answer             json.RawMessage       `json:"answer"`
		Candidate          json.RawMessage       `json:"candidate"`
	}
	if err := decode(data, &p); err != nil {
		return err
	}
	event := webrtcEvents[typ]
	req := orch.SignalRequest{TargetUserID: p.TargetUserID, TargetConnectionID: p.TargetConnectionID, ConversationID: p.ConversationID}
	switch event {
	case domain.SignalOffer:
		req.Payload = p.Offer
	case domain.SignalAnswer:
		req.Payload = p.Answer
	case domain.SignalICECandidate:
		req.Payload = p.Candidate
	}
	return ctl.Orch.RelaySignal(cc, event, req)
}
