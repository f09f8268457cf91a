package orch

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) ensureMember(ctx context.Context, conv domain.ConversationID, user domain.UserID) error {
	ok, err := o.Store.IsMember(ctx, conv, user)
	if err != nil {
		return fmt.Errorf("membership %d: %w", conv, err)
	}
	if !ok {
		return domain.ErrNotAMember
	}
	return nil
}

// Join subscribes the connection to the conversation room after checking
// durable membership.
func (o *Orchestrator) Join(ctx context.Context, c *app.Connection, conv domain.ConversationID) error {
	if err := o.ensureMember(ctx, conv, c.UserID); err != nil {
		return err
	}
	o.Rooms.Join(conv, c.ID)
	log.Info().Str("module", "orch").Str("conn", string(c.ID)).Int64("conversation", int64(conv)).Msg("joined conversation")
	o.Send(c, app.EvJoinedConversation, app.JoinedEvent{
		ConversationID: conv,
		Subscribers:    len(o.Rooms.Members(conv)),
	})
	return nil
}

func (o *Orchestrator) Leave(c *app.Connection, conv domain.ConversationID) {
	o.Rooms.Leave(conv, c.ID)
	o.Send(c, app.EvLeftConversation, app.JoinedEvent{
		ConversationID: conv,
		Subscribers:    len(o.Rooms.Members(conv)),
	})
}

var ErrNoProvisioner = errors.New("conversation provisioning unavailable")

// CreateConversation creates a conversation whose members are the creator
// plus the given users.
func (o *Orchestrator) CreateConversation(ctx context.Context, creator domain.UserID, members []domain.UserID) (domain.ConversationID, error) {
	if o.provisioner == nil {
		return 0, ErrNoProvisioner
	}
	all := []domain.UserID{creator}
	for _, m := range members {
		u, err := domain.ParseUserID(string(m))
		if err != nil {
			return 0, fmt.Errorf("%w: member %q", domain.ErrBadPayload, m)
		}
		if !slices.Contains(all, u) {
			all = append(all, u)
		}
	}
	if len(all) < 2 {
		return 0, fmt.Errorf("%w: a conversation needs another member", domain.ErrBadPayload)
	}
	conv, err := o.provisioner.CreateConversation(ctx, all...)
	if err != nil {
		return 0, fmt.Errorf("create conversation: %w", err)
	}
	log.Info().Str("module", "orch").Str("user", string(creator)).Int64("conversation", int64(conv)).Int("members", len(all)).Msg("conversation created")
	return conv, nil
}
