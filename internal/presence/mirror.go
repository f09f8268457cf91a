package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

// Reconciler is implemented by sinks that can drop stale online entries.
// The mirror calls it on every heartbeat with this gateway's online users.
type Reconciler interface {
	Reconcile(ctx context.Context, online []domain.UserID) error
}

type transition struct {
	user   domain.UserID
	online bool
}

// Mirror forwards registry presence edges to a sink from a single
// goroutine, so registry callers never wait on the network and a user's
// online/offline writes keep their order.
type Mirror struct {
	sink      core.PresenceSink
	reg       *app.Registry
	events    chan transition
	heartbeat time.Duration
	timeout   time.Duration
}

func NewMirror(reg *app.Registry, sink core.PresenceSink, heartbeat time.Duration) *Mirror {
	m := &Mirror{
		sink:      sink,
		reg:       reg,
		events:    make(chan transition, 1024),
		heartbeat: heartbeat,
		timeout:   2 * time.Second,
	}
	reg.OnPresence(func(u domain.UserID, online bool) {
		select {
		case m.events <- transition{user: u, online: online}:
		default:
			// the heartbeat re-asserts online users and reconciles away
			// a lost offline edge
			log.Warn().Str("module", "presence").Str("user", string(u)).Msg("presence queue full, dropping transition")
		}
	})
	return m
}

// Run blocks until ctx is done.
func (m *Mirror) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if m.heartbeat > 0 {
		t := time.NewTicker(m.heartbeat)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.events:
			m.apply(ctx, ev)
		case <-tick:
			online := m.reg.OnlineUsers()
			for _, u := range online {
				m.apply(ctx, transition{user: u, online: true})
			}
			m.reconcile(ctx, online)
		}
	}
}

func (m *Mirror) apply(ctx context.Context, ev transition) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	var err error
	if ev.online {
		err = m.sink.SetOnline(ctx, ev.user)
	} else {
		err = m.sink.SetOffline(ctx, ev.user)
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("user", string(ev.user)).Bool("online", ev.online).Msg("presence write failed")
	}
}

func (m *Mirror) reconcile(ctx context.Context, online []domain.UserID) {
	r, ok := m.sink.(Reconciler)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := r.Reconcile(ctx, online); err != nil {
		log.Warn().Err(err).Str("module", "presence").Msg("presence reconcile failed")
	}
}
