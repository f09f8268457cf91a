package orch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

// SignalRequest addresses every device of TargetUserID, or only
// TargetConnectionID when the sender knows which device it talks to.
type SignalRequest struct {
	TargetUserID       domain.UserID         `json:"targetUserId"`
	TargetConnectionID domain.ConnectionID   `json:"targetConnectionId,omitempty"`
	ConversationID     domain.ConversationID `json:"conversationId,omitempty"`
	CallType           domain.CallType       `json:"callType,omitempty"`
	Reason             string                `json:"reason,omitempty"`
	Payload            json.RawMessage       `json:"-"`
}

// RelayCall forwards a call lifecycle event (invite, accept, reject, hangup).
func (o *Orchestrator) RelayCall(c *app.Connection, event domain.SignalEvent, req SignalRequest) error {
	switch event {
	case domain.SignalInvite, domain.SignalAccept, domain.SignalReject, domain.SignalHangup:
	default:
		return fmt.Errorf("%w: call event %q", domain.ErrBadPayload, event)
	}
	return o.relay(c, event, req)
}

// RelaySignal forwards a WebRTC negotiation event. The payload is opaque
// but must be present.
func (o *Orchestrator) RelaySignal(c *app.Connection, event domain.SignalEvent, req SignalRequest) error {
	switch event {
	case domain.SignalOffer, domain.SignalAnswer, domain.SignalICECandidate:
	default:
		return fmt.Errorf("%w: signal event %q", domain.ErrBadPayload, event)
	}
	if len(req.Payload) == 0 {
		return fmt.Errorf("%w: %s payload", domain.ErrBadPayload, event)
	}
	return o.relay(c, event, req)
}

// relay forwards to the target's connections. An offline target is
// reported back to the calling connection right away as targetOffline and
// nothing is queued. An invite first tells the caller how many devices are
// ringing, so it knows how many rejects end the call.
func (o *Orchestrator) relay(c *app.Connection, event domain.SignalEvent, req SignalRequest) error {
	if req.TargetUserID == "" {
		return fmt.Errorf("%w: targetUserId", domain.ErrBadPayload)
	}
	if req.TargetUserID == c.UserID {
		return fmt.Errorf("%w: cannot signal yourself", domain.ErrBadPayload)
	}
	if event == domain.SignalInvite {
		if req.CallType == "" {
			req.CallType = domain.CallAudio
		}
		if !req.CallType.Valid() {
			return fmt.Errorf("%w: callType %q", domain.ErrBadPayload, req.CallType)
		}
	}

	conns, err := o.Relay.Targets(req.TargetUserID, req.TargetConnectionID)
	if errors.Is(err, domain.ErrTargetOffline) {
		log.Info().Str("module", "orch").Str("conn", string(c.ID)).Str("event", string(event)).Str("target", string(req.TargetUserID)).Msg("target offline")
		o.Send(c, app.EvTargetOffline, app.TargetOfflineEvent{TargetUserID: req.TargetUserID, Event: event})
		return err
	}
	if err != nil {
		return err
	}
	if event == domain.SignalInvite {
		ids := make([]domain.ConnectionID, 0, len(conns))
		for _, t := range conns {
			ids = append(ids, t.ID)
		}
		o.Send(c, app.EvCallRinging, app.CallRingingEvent{TargetUserID: req.TargetUserID, Devices: len(conns), ConnectionIDs: ids})
	}

	_, err = o.Relay.RelayTo(event, conns, app.SignalEnvelope{
		FromUserID:       c.UserID,
		FromConnectionID: c.ID,
		ToConnectionID:   req.TargetConnectionID,
		ConversationID:   req.ConversationID,
		CallType:         req.CallType,
		Reason:           req.Reason,
		Payload:          req.Payload,
	})
	if err != nil {
		return err
	}
	log.Debug().Str("module", "orch").Str("conn", string(c.ID)).Str("event", string(event)).Str("target", string(req.TargetUserID)).Msg("signal relayed")
	return nil
}
