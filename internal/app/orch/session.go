package orch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

// Authenticate validates the raw bearer token. Every failure is returned as
// domain.ErrAuthFailure; the specific reason is only logged.
func (o *Orchestrator) Authenticate(ctx context.Context, rawToken string) (domain.UserID, error) {
	token := strings.TrimSpace(rawToken)
	if token == "" {
		log.Warn().Str("module", "orch").Str("reason", "missing").Msg("handshake rejected")
		return "", domain.ErrAuthFailure
	}
	uid, err := o.Auth.Authenticate(ctx, token)
	if err != nil {
		reason := "rejected"
		if errors.Is(err, domain.ErrBadPayload) {
			reason = "malformed"
		}
		log.Warn().Err(err).Str("module", "orch").Str("reason", reason).Msg("handshake rejected")
		return "", domain.ErrAuthFailure
	}
	return uid, nil
}

// Connect registers an authenticated transport and acknowledges it with a
// connected event on that connection only. Connections evicted by the
// per-user cap are closed.
func (o *Orchestrator) Connect(user domain.UserID, sig core.SignalConnection) (*app.Connection, error) {
	c := &app.Connection{
		ID:        domain.NewConnectionID(),
		UserID:    user,
		CreatedAt: o.Now(),
		Signal:    sig,
	}
	evicted, err := o.Registry.Register(c)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", user, err)
	}
	for _, old := range evicted {
		o.Send(old, app.EvError, app.ErrorEvent{Message: domain.ErrSessionReplaced.Error()})
		closeWith(old, domain.CloseSessionReplaced, domain.ErrSessionReplaced.Error())
	}
	o.Send(c, app.EvConnected, app.ConnectedEvent{UserID: user, ConnectionID: c.ID})
	return c, nil
}

// Disconnect is the transport-close lifecycle step: the connection leaves
// the registry and, through the disconnect hook, every room. Safe to call
// more than once.
func (o *Orchestrator) Disconnect(id domain.ConnectionID) {
	if _, ok := o.Registry.Unregister(id); !ok {
		return
	}
	log.Info().Str("module", "orch").Str("conn", string(id)).Msg("disconnected")
}
