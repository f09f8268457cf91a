package orch

import (
	"errors"
	"time"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    *app.RoomManager
	Fanout   *app.Fanout
	Relay    *app.SignalRelay
	Store    core.Store
	Auth     core.Authenticator
	Now      func() time.Time

	provisioner core.Provisioner
}

type Deps struct {
	Registry *app.Registry
	Rooms    *app.RoomManager
	Store    core.Store
	Auth     core.Authenticator
	Policy   app.Policy
	Workers  int
	Queue    int

	// Provisioner is optional; without it CreateConversation fails.
	Provisioner core.Provisioner
}

// New wires the components. Room purge is registered as the registry's
// disconnect hook, so removing a connection always tears down its rooms.
func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		Registry: d.Registry,
		Rooms:    d.Rooms,
		Store:    d.Store,
		Auth:     d.Auth,
		Now:      time.Now,

		provisioner: d.Provisioner,
	}
	o.Fanout = app.NewFanout(d.Workers, d.Queue, d.Policy, o.Kick)
	o.Relay = app.NewSignalRelay(o.Registry, o.Fanout)
	o.Registry.OnDisconnect(func(c *app.Connection) {
		o.Rooms.Purge(c.ID)
	})
	return o
}

// Kick drops a connection from all shared state and closes its transport
// with a retryable code, so the client reconnects and catches up.
func (o *Orchestrator) Kick(c *app.Connection) {
	o.Disconnect(c.ID)
	closeWith(c, domain.CloseTryAgain, "slow consumer")
}

// CloseAll ends every live connection with code; used on shutdown.
func (o *Orchestrator) CloseAll(code int, reason string) {
	for _, u := range o.Registry.OnlineUsers() {
		for _, c := range o.Registry.ConnectionsOf(u) {
			o.Disconnect(c.ID)
			closeWith(c, code, reason)
		}
	}
}

func closeWith(c *app.Connection, code int, reason string) {
	if cc, ok := c.Signal.(core.CodedCloser); ok {
		cc.CloseWithCode(code, reason)
		return
	}
	c.Signal.Close()
}

// Send writes one event to a single connection.
func (o *Orchestrator) Send(c *app.Connection, event string, data any) {
	frame, err := app.Encode(event, data)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", event).Msg("encode")
		return
	}
	if err := c.Signal.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("conn", string(c.ID)).Str("event", event).Msg("send failed")
	}
}

// ReportError tells only the offending connection what went wrong, using a
// client-safe message.
func (o *Orchestrator) ReportError(c *app.Connection, event string, err error) {
	o.Send(c, app.EvError, app.ErrorEvent{Message: ClientMessage(err), Event: event})
}

func ClientMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrAuthFailure):
		return domain.ErrAuthFailure.Error()
	case errors.Is(err, domain.ErrNotAMember):
		return domain.ErrNotAMember.Error()
	case errors.Is(err, domain.ErrTargetOffline):
		return domain.ErrTargetOffline.Error()
	case errors.Is(err, domain.ErrTooManyConnections):
		return domain.ErrTooManyConnections.Error()
	case errors.Is(err, domain.ErrContentEmpty):
		return domain.ErrContentEmpty.Error()
	case errors.Is(err, domain.ErrContentTooLong):
		return domain.ErrContentTooLong.Error()
	case errors.Is(err, domain.ErrMediaURLEmpty):
		return domain.ErrMediaURLEmpty.Error()
	case errors.Is(err, domain.ErrMessageType):
		return domain.ErrMessageType.Error()
	case errors.Is(err, domain.ErrBadPayload):
		return domain.ErrBadPayload.Error()
	}
	return "internal error"
}

func (o *Orchestrator) connectionsOf(users []domain.UserID, skipUser domain.UserID, skipConn domain.ConnectionID) []*app.Connection {
	var out []*app.Connection
	for _, u := range users {
		if u == skipUser {
			continue
		}
		for _, c := range o.Registry.ConnectionsOf(u) {
			if c.ID == skipConn {
				continue
			}
			out = append(out, c)
		}
	}
	return out
}
