package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/domain"
)

type conversationPayload struct {
	ConversationID domain.ConversationID `json:"conversationId"`
}

func (p conversationPayload) validate() error {
	if p.ConversationID <= 0 {
		return domain.ErrBadPayload
	}
	return nil
}

func (ctl *SignalWSController) handleJoin(ctx context.Context, cc *app.Connection, data json.RawMessage) error {
	var p conversationPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	return ctl.Orch.Join(ctx, cc, p.ConversationID)
}

func (ctl *SignalWSController) handleLeave(cc *app.Connection, data json.RawMessage) error {
	var p conversationPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	ctl.Orch.Leave(cc, p.ConversationID)
	return nil
}
