package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/app/orch"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleSendMessage(ctx context.Context, cc *app.Connection, data json.RawMessage) error {
	var req orch.SendMessageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.ConversationID <= 0 {
		return domain.ErrBadPayload
	}
	_, err := ctl.Orch.SendMessage(ctx, cc, req)
	return err
}

func (ctl *SignalWSController) handleMarkRead(ctx context.Context, cc *app.Connection, data json.RawMessage) error {
	var p struct {
		ConversationID domain.ConversationID `json:"conversationId"`
		MessageID      domain.MessageID      `json:"messageId"`
	}
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.ConversationID <= 0 {
		return domain.ErrBadPayload
	}
	return ctl.Orch.MarkRead(ctx, cc, p.ConversationID, p.MessageID)
}

// handleTyping drops over-limit typing signals silently; they are
// ephemeral and the next one supersedes them anyway.
func (ctl *SignalWSController) handleTyping(ctx context.Context, cc *app.Connection, data json.RawMessage, typing bool) error {
	var p conversationPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	if !ctl.typing.Allow(cc.UserID) {
		log.Debug().Str("module", "signal").Str("user", string(cc.UserID)).Msg("typing rate limited")
		return nil
	}
	return ctl.Orch.Typing(ctx, cc, p.ConversationID, typing)
}
