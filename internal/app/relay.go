package app

import (
	"fmt"

	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

// SignalRelay forwards call lifecycle and WebRTC negotiation events from one
// user to the live connections of another. Payloads are opaque. An event
// addressed to one connection reaches only that device, which is how the
// caller settles accept/reject races between the callee's devices.
type SignalRelay struct {
	Registry *Registry
	Fanout   *Fanout
}

func NewSignalRelay(reg *Registry, fan *Fanout) *SignalRelay {
	return &SignalRelay{Registry: reg, Fanout: fan}
}

// Targets resolves the recipients of a relayed event: every connection of
// target, or only conn when it is set and belongs to target. No recipient
// is domain.ErrTargetOffline.
func (r *SignalRelay) Targets(target domain.UserID, conn domain.ConnectionID) ([]*Connection, error) {
	if conn != "" {
		c, ok := r.Registry.Get(conn)
		if !ok || c.UserID != target {
			return nil, domain.ErrTargetOffline
		}
		return []*Connection{c}, nil
	}
	conns := r.Registry.ConnectionsOf(target)
	if len(conns) == 0 {
		return nil, domain.ErrTargetOffline
	}
	return conns, nil
}

// RelayTo delivers to already resolved connections and returns how many
// accepted the frame.
func (r *SignalRelay) RelayTo(event domain.SignalEvent, conns []*Connection, msg SignalEnvelope) (int, error) {
	if !event.Valid() {
		return 0, fmt.Errorf("%w: signal event %q", domain.ErrBadPayload, event)
	}
	frame, err := Encode(event.Outbound(), msg)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", event, err)
	}
	res := r.Fanout.Deliver(conns, frame, Durable)
	log.Debug().Str("module", "app.relay").Str("from", string(msg.FromUserID)).Str("event", string(event)).Int("sent_to", res.SentTo).Msg("relayed")
	return res.SentTo, nil
}

// Relay returns domain.ErrTargetOffline synchronously when the target has no
// live connection (or msg.ToConnectionID is gone); nothing is queued then.
func (r *SignalRelay) Relay(event domain.SignalEvent, target domain.UserID, msg SignalEnvelope) (int, error) {
	if !event.Valid() {
		return 0, fmt.Errorf("%w: signal event %q", domain.ErrBadPayload, event)
	}
	conns, err := r.Targets(target, msg.ToConnectionID)
	if err != nil {
		log.Info().Str("module", "app.relay").Str("from", string(msg.FromUserID)).Str("target", string(target)).Str("event", string(event)).Msg("target offline")
		return 0, err
	}
	return r.RelayTo(event, conns, msg)
}
