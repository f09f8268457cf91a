// Package client is the gateway client: a reconnecting connection manager
// with event handlers that outlive any single transport.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Pulse/internal/domain"
)

var ErrNotConnected = errors.New("not connected")

// errSuperseded means another dial already installed a transport.
var errSuperseded = errors.New("superseded by a newer connection")

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

type StatusKind int

const (
	StatusConnected StatusKind = iota
	StatusReconnecting
	StatusReconnectExhausted
	StatusAuthFailed
	StatusDisconnected
	// StatusSessionReplaced: a newer session of the same user took this
	// one's slot. Not retried, or the two devices would evict each other.
	StatusSessionReplaced
)

// Status is what the application shows the user: a transient reconnecting
// indicator, a terminal exhausted state, or a re-login prompt.
type Status struct {
	Kind    StatusKind
	Attempt int
	Delay   time.Duration
	Err     error
}

type Handler func(data json.RawMessage)

type Options struct {
	URL         string
	Token       string
	MaxAttempts int
	BaseDelay   time.Duration
	Dialer      Dialer
	// After schedules backoff waits; defaults to time.After.
	After func(time.Duration) <-chan time.Time
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Manager struct {
	opts Options

	mu        sync.Mutex
	state     State
	manual    bool
	transport Transport
	stop      chan struct{}
	ctx       context.Context
	userID    domain.UserID

	hmu      sync.RWMutex
	handlers map[string]map[int]Handler
	statusFn []func(Status)
	nextID   int
}

func NewManager(opts Options) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = WSDialer{}
	}
	if opts.After == nil {
		opts.After = time.After
	}
	return &Manager{opts: opts, handlers: make(map[string]map[int]Handler)}
}

// On registers a handler for an inbound event. Handlers belong to the
// manager, not the transport, so they keep working across reconnects.
// The returned func removes the handler.
func (m *Manager) On(event string, h Handler) func() {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	m.nextID++
	id := m.nextID
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[int]Handler)
	}
	m.handlers[event][id] = h
	return func() {
		m.hmu.Lock()
		delete(m.handlers[event], id)
		m.hmu.Unlock()
	}
}

func (m *Manager) OnStatus(fn func(Status)) {
	m.hmu.Lock()
	m.statusFn = append(m.statusFn, fn)
	m.hmu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID is the identity the gateway acknowledged on the last handshake.
func (m *Manager) UserID() domain.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Connect dials and waits for the gateway's connected ack. A rejected
// token returns domain.ErrAuthFailure and is never retried. Calling it
// while a reconnect is backing off cancels that reconnect.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	if m.stop != nil {
		close(m.stop)
	}
	m.manual = false
	m.ctx = ctx
	m.stop = make(chan struct{})
	m.state = StateConnecting
	m.mu.Unlock()

	if err := m.establish(ctx); err != nil {
		if errors.Is(err, errSuperseded) {
			return nil
		}
		m.settleFailed()
		return err
	}
	m.emitStatus(Status{Kind: StatusConnected})
	return nil
}

// Disconnect closes the connection and cancels any scheduled reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	t := m.transport
	m.transport = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	m.emitStatus(Status{Kind: StatusDisconnected})
}

// Emit writes one event to the current transport.
func (m *Manager) Emit(event string, data any) error {
	env := envelope{Type: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		env.Data = raw
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}

	m.mu.Lock()
	t := m.transport
	connected := m.state == StateConnected
	m.mu.Unlock()
	if t == nil || !connected {
		return ErrNotConnected
	}
	return t.WriteMessage(frame)
}

// establish dials, reads the handshake reply and starts the read loop.
func (m *Manager) establish(ctx context.Context) error {
	t, err := m.opts.Dialer.Dial(ctx, m.opts.URL, m.opts.Token)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransportDrop, err)
	}

	first, err := t.ReadMessage()
	if err != nil {
		_ = t.Close()
		if isAuthClose(err) {
			return domain.ErrAuthFailure
		}
		return fmt.Errorf("%w: %w", domain.ErrTransportDrop, err)
	}
	var env envelope
	if err := json.Unmarshal(first, &env); err != nil {
		_ = t.Close()
		return fmt.Errorf("%w: handshake: %w", domain.ErrTransportDrop, err)
	}
	if env.Type != "connected" {
		// an error event before the ack is the gateway refusing the token
		_ = t.Close()
		return domain.ErrAuthFailure
	}
	var ack struct {
		UserID domain.UserID `json:"userId"`
	}
	_ = json.Unmarshal(env.Data, &ack)

	m.mu.Lock()
	if m.manual {
		m.mu.Unlock()
		_ = t.Close()
		return ErrNotConnected
	}
	if m.transport != nil {
		m.mu.Unlock()
		_ = t.Close()
		return errSuperseded
	}
	m.transport = t
	m.state = StateConnected
	m.userID = ack.UserID
	m.mu.Unlock()

	log.Info().Str("module", "client").Str("user", string(ack.UserID)).Msg("connected")
	m.dispatch(env)
	go m.readLoop(t)
	return nil
}

func (m *Manager) readLoop(t Transport) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			m.onDrop(t, err)
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("bad frame")
			continue
		}
		m.dispatch(env)
	}
}

func (m *Manager) onDrop(t Transport, cause error) {
	m.mu.Lock()
	if m.transport != t {
		// replaced or closed by Disconnect
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.state = StateDisconnected
	manual := m.manual
	stop := m.stop
	ctx := m.ctx
	m.mu.Unlock()
	_ = t.Close()

	if manual {
		return
	}
	switch closeCode(cause) {
	case domain.CloseAuthFailed:
		log.Warn().Str("module", "client").Msg("session rejected by gateway")
		m.emitStatus(Status{Kind: StatusAuthFailed, Err: domain.ErrAuthFailure})
		return
	case domain.CloseSessionReplaced:
		log.Warn().Str("module", "client").Msg("session replaced by a newer login")
		m.emitStatus(Status{Kind: StatusSessionReplaced, Err: domain.ErrSessionReplaced})
		return
	case domain.CloseNormal:
		log.Info().Str("module", "client").Msg("gateway closed the session")
		m.emitStatus(Status{Kind: StatusDisconnected})
		return
	}
	log.Warn().Err(cause).Str("module", "client").Msg("transport dropped")
	go m.reconnect(ctx, stop)
}

// reconnect retries with base*2^(attempt-1) delays up to MaxAttempts.
func (m *Manager) reconnect(ctx context.Context, stop <-chan struct{}) {
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		delay := m.opts.BaseDelay << (attempt - 1)
		m.emitStatus(Status{Kind: StatusReconnecting, Attempt: attempt, Delay: delay})

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-m.opts.After(delay):
		}

		m.mu.Lock()
		if m.manual || m.stop != stop {
			m.mu.Unlock()
			return
		}
		m.state = StateConnecting
		m.mu.Unlock()

		err := m.establish(ctx)
		if err == nil {
			m.emitStatus(Status{Kind: StatusConnected, Attempt: attempt})
			return
		}
		if errors.Is(err, errSuperseded) {
			return
		}
		m.settleFailed()
		if errors.Is(err, domain.ErrAuthFailure) {
			m.emitStatus(Status{Kind: StatusAuthFailed, Err: err})
			return
		}
		if errors.Is(err, ErrNotConnected) {
			return
		}
		log.Warn().Err(err).Str("module", "client").Int("attempt", attempt).Msg("reconnect failed")
	}
	log.Error().Str("module", "client").Int("attempts", m.opts.MaxAttempts).Msg("unable to reconnect")
	m.emitStatus(Status{Kind: StatusReconnectExhausted, Attempt: m.opts.MaxAttempts, Err: domain.ErrReconnectExhausted})
}

// settleFailed marks a failed dial as disconnected unless a concurrent
// dial has connected in the meantime.
func (m *Manager) settleFailed() {
	m.mu.Lock()
	if m.transport == nil {
		m.state = StateDisconnected
	}
	m.mu.Unlock()
}

func (m *Manager) dispatch(env envelope) {
	m.hmu.RLock()
	hs := make([]Handler, 0, len(m.handlers[env.Type]))
	for _, h := range m.handlers[env.Type] {
		hs = append(hs, h)
	}
	m.hmu.RUnlock()
	for _, h := range hs {
		h(env.Data)
	}
}

func (m *Manager) emitStatus(s Status) {
	m.hmu.RLock()
	fns := slices.Clone(m.statusFn)
	m.hmu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}
