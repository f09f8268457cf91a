package orch

import (
	"context"
	"fmt"
	"slices"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

type SendMessageRequest struct {
	ConversationID domain.ConversationID `json:"conversationId"`
	Type           domain.MessageType    `json:"type"`
	Content        string                `json:"content,omitempty"`
	MediaURL       string                `json:"mediaUrl,omitempty"`
	TempID         string                `json:"tempId,omitempty"`
}

// SendMessage persists the message, fans newMessage out to every live
// connection of the other members and acks the originating connection with
// messageSent. The sender's other devices get nothing here; they pick the
// message up from history.
func (o *Orchestrator) SendMessage(ctx context.Context, c *app.Connection, req SendMessageRequest) (domain.Message, error) {
	if req.Type == "" {
		req.Type = domain.MessageText
	}
	nm := domain.NewMessage{
		ConversationID: req.ConversationID,
		SenderID:       c.UserID,
		Type:           req.Type,
		Content:        req.Content,
		MediaURL:       req.MediaURL,
	}
	if err := nm.Validate(); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %w", domain.ErrBadPayload, err)
	}
	if err := o.ensureMember(ctx, req.ConversationID, c.UserID); err != nil {
		return domain.Message{}, err
	}

	msg, err := o.Store.AppendMessage(ctx, nm)
	if err != nil {
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}

	members, err := o.Store.Members(ctx, req.ConversationID)
	if err != nil {
		// The message is durable; recipients recover it from history.
		log.Error().Err(err).Str("module", "orch").Int64("conversation", int64(req.ConversationID)).Msg("members lookup after append")
	} else {
		o.broadcast(o.connectionsOf(members, c.UserID, ""), app.EvNewMessage, msg, app.Durable)
	}

	o.Send(c, app.EvMessageSent, app.MessageSentEvent{
		MessageID:      msg.ID,
		TempID:         req.TempID,
		ConversationID: msg.ConversationID,
	})
	log.Info().Str("module", "orch").Str("conn", string(c.ID)).Int64("conversation", int64(msg.ConversationID)).Int64("message", int64(msg.ID)).Msg("message sent")
	return msg, nil
}

// MarkRead moves the user's read cursor and notifies every member's
// connections, including the reader's other devices but not the
// connection that performed the read.
func (o *Orchestrator) MarkRead(ctx context.Context, c *app.Connection, conv domain.ConversationID, msgID domain.MessageID) error {
	if msgID <= 0 {
		return fmt.Errorf("%w: message id", domain.ErrBadPayload)
	}
	if err := o.ensureMember(ctx, conv, c.UserID); err != nil {
		return err
	}
	if err := o.Store.UpdateReadCursor(ctx, conv, c.UserID, msgID); err != nil {
		return fmt.Errorf("update read cursor: %w", err)
	}
	members, err := o.Store.Members(ctx, conv)
	if err != nil {
		return fmt.Errorf("members %d: %w", conv, err)
	}
	o.broadcast(o.connectionsOf(members, "", c.ID), app.EvMessageRead, app.MessageReadEvent{
		ConversationID: conv,
		MessageID:      msgID,
		UserID:         c.UserID,
	}, app.Durable)
	return nil
}

// Typing is fire-and-forget: offline recipients simply miss it.
func (o *Orchestrator) Typing(ctx context.Context, c *app.Connection, conv domain.ConversationID, typing bool) error {
	members, err := o.Store.Members(ctx, conv)
	if err != nil {
		return fmt.Errorf("members %d: %w", conv, err)
	}
	if !slices.Contains(members, c.UserID) {
		return domain.ErrNotAMember
	}
	event := app.EvUserTyping
	if !typing {
		event = app.EvUserStopTyping
	}
	o.broadcast(o.connectionsOf(members, c.UserID, ""), event, app.TypingEvent{
		ConversationID: conv,
		UserID:         c.UserID,
	}, app.Ephemeral)
	return nil
}

func (o *Orchestrator) broadcast(targets []*app.Connection, event string, data any, kind app.EventKind) {
	if len(targets) == 0 {
		return
	}
	frame, err := app.Encode(event, data)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", event).Msg("encode")
		return
	}
	o.Fanout.Dispatch(targets, frame, kind)
}

// History returns messages after the given id for a member of conv. It backs
// the polling endpoint that replaces offline push.
func (o *Orchestrator) History(ctx context.Context, user domain.UserID, conv domain.ConversationID, after domain.MessageID, limit int) ([]domain.Message, error) {
	if err := o.ensureMember(ctx, conv, user); err != nil {
		return nil, err
	}
	msgs, err := o.Store.ListMessages(ctx, conv, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages %d: %w", conv, err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}
