// Package call is the client-side call state machine.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Pulse/internal/client"
	"github.com/dkeye/Pulse/internal/domain"
)

var (
	ErrBusy         = errors.New("call already in progress")
	ErrInvalidState = errors.New("invalid call state")
)

const (
	ReasonBusy              = "busy"
	ReasonAnsweredElsewhere = "answered elsewhere"
)

type State int

const (
	Idle State = iota
	Calling
	Ringing
	Connected
)

func (s State) String() string {
	switch s {
	case Calling:
		return "calling"
	case Ringing:
		return "ringing"
	case Connected:
		return "connected"
	}
	return "idle"
}

// Signaler is the subset of client.Manager the machine needs.
type Signaler interface {
	Emit(event string, data any) error
	On(event string, h client.Handler) func()
}

// relayEvent is what the gateway delivers for every relayed call event.
type relayEvent struct {
	FromUserID       domain.UserID         `json:"fromUserId"`
	FromConnectionID domain.ConnectionID   `json:"fromConnectionId,omitempty"`
	ConversationID   domain.ConversationID `json:"conversationId,omitempty"`
	CallType         domain.CallType       `json:"callType,omitempty"`
	Reason           string                `json:"reason,omitempty"`
	Payload          json.RawMessage       `json:"payload,omitempty"`
}

// ringingEvent lists the callee devices an invite reached.
type ringingEvent struct {
	TargetUserID  domain.UserID         `json:"targetUserId"`
	Devices       int                   `json:"devices"`
	ConnectionIDs []domain.ConnectionID `json:"connectionIds,omitempty"`
}

// outbound addresses every device of TargetUserID, or only
// TargetConnectionID once the peer device is known.
type outbound struct {
	TargetUserID       domain.UserID         `json:"targetUserId"`
	TargetConnectionID domain.ConnectionID   `json:"targetConnectionId,omitempty"`
	ConversationID     domain.ConversationID `json:"conversationId,omitempty"`
	CallType           domain.CallType       `json:"callType,omitempty"`
	Reason             string                `json:"reason,omitempty"`
	Offer              json.RawMessage       `json:"offer,omitempty"`
	Answer             json.RawMessage       `json:"answer,omitempty"`
	Candidate          json.RawMessage       `json:"candidate,omitempty"`
}

type Transition struct {
	From, To State
	Peer     domain.UserID
	Reason   string
}

// Machine allows one non-idle call per process. Invites arriving while
// busy are rejected with reason "busy". Media is acquired on Start/Accept
// and released on every path back to Idle.
//
// A callee may ring on several devices. The caller keeps the set of
// ringing devices: the first accept wins and every other ringing device is
// sent a hangup addressed to it alone; a reject only ends the call once
// every ringing device has declined. From then on all signaling goes to
// the winning device.
type Machine struct {
	sig      Signaler
	provider MediaProvider

	mu       sync.Mutex
	state    State
	peer     domain.UserID
	peerConn domain.ConnectionID
	ringing  map[domain.ConnectionID]struct{}
	conv     domain.ConversationID
	callType domain.CallType
	media    MediaSession

	obsMu     sync.Mutex
	observers []func(Transition)
}

func NewMachine(sig Signaler, provider MediaProvider) *Machine {
	return &Machine{sig: sig, provider: provider}
}

// Bind subscribes to relay events on the signaler and returns the
// unsubscribe func.
func (m *Machine) Bind() func() {
	offs := []func(){
		m.sig.On("incomingCall", m.wrap(m.onIncoming)),
		m.sig.On("callRinging", m.onRinging),
		m.sig.On("callAccepted", m.wrap(m.onAccepted)),
		m.sig.On("callRejected", m.wrap(m.onRejected)),
		m.sig.On("callEnded", m.wrap(m.onEnded)),
		m.sig.On("webrtcOffer", m.wrap(m.onOffer)),
		m.sig.On("webrtcAnswer", m.wrap(m.onAnswer)),
		m.sig.On("webrtcIceCandidate", m.wrap(m.onCandidate)),
		m.sig.On("targetOffline", m.onTargetOffline),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// OnTransition observers run under the machine lock and must not call
// back into it.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Peer() domain.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer
}

// Start places a call. Local media is acquired before the invite goes out.
func (m *Machine) Start(ctx context.Context, target domain.UserID, conv domain.ConversationID, callType domain.CallType) error {
	if callType == "" {
		callType = domain.CallAudio
	}
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return ErrBusy
	}
	media, err := m.provider.Open(ctx, callType)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("acquire media: %w", err)
	}
	m.peer, m.conv, m.callType, m.media = target, conv, callType, media
	m.peerConn, m.ringing = "", nil
	m.bindMedia(media)
	m.setState(Calling, "")
	m.mu.Unlock()

	if err := m.sig.Emit("callInvite", outbound{TargetUserID: target, ConversationID: conv, CallType: callType}); err != nil {
		m.endIf(Calling, target, "send failed")
		return err
	}
	return nil
}

// Accept answers a ringing call. The caller sends the SDP offer next.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Ringing {
		m.mu.Unlock()
		return ErrInvalidState
	}
	media, err := m.provider.Open(ctx, m.callType)
	if err != nil {
		peer, peerConn := m.peer, m.peerConn
		m.mu.Unlock()
		_ = m.sig.Emit("callReject", outbound{TargetUserID: peer, TargetConnectionID: peerConn, Reason: "media unavailable"})
		m.endIf(Ringing, peer, "media unavailable")
		return fmt.Errorf("acquire media: %w", err)
	}
	m.media = media
	m.bindMedia(media)
	peer, peerConn, conv := m.peer, m.peerConn, m.conv
	m.setState(Connected, "")
	m.mu.Unlock()

	if err := m.sig.Emit("callAccept", outbound{TargetUserID: peer, TargetConnectionID: peerConn, ConversationID: conv}); err != nil {
		m.endIf(Connected, peer, "send failed")
		return err
	}
	return nil
}

func (m *Machine) Reject() error {
	m.mu.Lock()
	if m.state != Ringing {
		m.mu.Unlock()
		return ErrInvalidState
	}
	peer, peerConn, conv := m.peer, m.peerConn, m.conv
	m.toIdle("rejected")
	m.mu.Unlock()
	return m.sig.Emit("callReject", outbound{TargetUserID: peer, TargetConnectionID: peerConn, ConversationID: conv})
}

// Hangup ends the current call from any non-idle state. While still
// calling, every ringing device of the callee is told.
func (m *Machine) Hangup() error {
	m.mu.Lock()
	if m.state == Idle {
		m.mu.Unlock()
		return nil
	}
	peer, peerConn, conv := m.peer, m.peerConn, m.conv
	m.toIdle("hangup")
	m.mu.Unlock()
	return m.sig.Emit("callHangup", outbound{TargetUserID: peer, TargetConnectionID: peerConn, ConversationID: conv})
}

func (m *Machine) onIncoming(ev relayEvent) {
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		log.Info().Str("module", "call").Str("from", string(ev.FromUserID)).Msg("busy, rejecting invite")
		_ = m.sig.Emit("callReject", outbound{TargetUserID: ev.FromUserID, TargetConnectionID: ev.FromConnectionID,
			ConversationID: ev.ConversationID, Reason: ReasonBusy})
		return
	}
	m.peer, m.peerConn, m.conv, m.callType = ev.FromUserID, ev.FromConnectionID, ev.ConversationID, ev.CallType
	if m.callType == "" {
		m.callType = domain.CallAudio
	}
	m.setState(Ringing, "")
	m.mu.Unlock()
}

// onRinging records which devices of the callee the invite reached. It
// arrives before any of them can answer.
func (m *Machine) onRinging(data json.RawMessage) {
	var ev ringingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("bad ringing event")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Calling || ev.TargetUserID != m.peer {
		return
	}
	m.ringing = make(map[domain.ConnectionID]struct{}, len(ev.ConnectionIDs))
	for _, id := range ev.ConnectionIDs {
		m.ringing[id] = struct{}{}
	}
}

// onAccepted: the first accept wins. The other devices still ringing are
// told the call was answered elsewhere; a late accept, or one for a call
// we already left, gets the same hangup addressed to its device only.
func (m *Machine) onAccepted(ev relayEvent) {
	m.mu.Lock()
	if m.state != Calling || ev.FromUserID != m.peer {
		stale := ev.FromUserID != m.peer || m.state == Idle ||
			(ev.FromConnectionID != "" && ev.FromConnectionID != m.peerConn)
		m.mu.Unlock()
		if !stale {
			// a repeat from the device we talk to, or one without a device
			// id that a user-wide hangup would answer on every device
			return
		}
		log.Info().Str("module", "call").Str("from", string(ev.FromUserID)).Str("conn", string(ev.FromConnectionID)).Msg("stale accept, hanging up")
		_ = m.sig.Emit("callHangup", outbound{TargetUserID: ev.FromUserID, TargetConnectionID: ev.FromConnectionID,
			ConversationID: ev.ConversationID, Reason: ReasonAnsweredElsewhere})
		return
	}
	m.peerConn = ev.FromConnectionID
	var losers []domain.ConnectionID
	if m.peerConn != "" {
		for id := range m.ringing {
			if id != m.peerConn {
				losers = append(losers, id)
			}
		}
	}
	m.ringing = nil
	m.setState(Connected, "")
	media, peer, peerConn, conv := m.media, m.peer, m.peerConn, m.conv
	m.mu.Unlock()

	for _, id := range losers {
		_ = m.sig.Emit("callHangup", outbound{TargetUserID: peer, TargetConnectionID: id, ConversationID: conv, Reason: ReasonAnsweredElsewhere})
	}

	offer, err := media.CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("create offer")
		m.fail(peer)
		return
	}
	_ = m.sig.Emit("webrtcOffer", outbound{TargetUserID: peer, TargetConnectionID: peerConn, Offer: offer})
}

// onRejected ends a pending outgoing call once every ringing device has
// declined. Once connected, a reject from another device of the same
// callee is ignored.
func (m *Machine) onRejected(ev relayEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Calling || ev.FromUserID != m.peer || m.stillRinging(ev.FromConnectionID) {
		return
	}
	m.toIdle(nonEmpty(ev.Reason, "rejected"))
}

// stillRinging drops conn from the ringing set and reports whether other
// devices are still ringing. Caller holds mu.
func (m *Machine) stillRinging(conn domain.ConnectionID) bool {
	if len(m.ringing) == 0 || conn == "" {
		return false
	}
	delete(m.ringing, conn)
	if len(m.ringing) == 0 {
		return false
	}
	log.Info().Str("module", "call").Str("conn", string(conn)).Int("still_ringing", len(m.ringing)).Msg("device declined")
	return true
}

// onEnded: a ringing device hanging up counts as a decline, and once the
// peer device is known hangups from the user's other devices are ignored.
func (m *Machine) onEnded(ev relayEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Idle || ev.FromUserID != m.peer {
		return
	}
	if m.state == Calling && m.stillRinging(ev.FromConnectionID) {
		return
	}
	if m.state == Connected && !m.fromPeerDevice(ev.FromConnectionID) {
		return
	}
	m.toIdle(nonEmpty(ev.Reason, "ended"))
}

func (m *Machine) onOffer(ev relayEvent) {
	media, ok := m.connectedMedia(ev)
	if !ok {
		return
	}
	answer, err := media.Answer(ev.Payload)
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("answer offer")
		m.fail(ev.FromUserID)
		return
	}
	_ = m.sig.Emit("webrtcAnswer", outbound{TargetUserID: ev.FromUserID, TargetConnectionID: ev.FromConnectionID, Answer: answer})
}

func (m *Machine) onAnswer(ev relayEvent) {
	media, ok := m.connectedMedia(ev)
	if !ok {
		return
	}
	if err := media.ApplyAnswer(ev.Payload); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("apply answer")
		m.fail(ev.FromUserID)
	}
}

func (m *Machine) onCandidate(ev relayEvent) {
	media, ok := m.connectedMedia(ev)
	if !ok {
		return
	}
	if err := media.AddCandidate(ev.Payload); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("add ice candidate")
	}
}

func (m *Machine) onTargetOffline(data json.RawMessage) {
	var ev struct {
		TargetUserID domain.UserID `json:"targetUserId"`
		Event        string        `json:"event"`
	}
	if err := json.Unmarshal(data, &ev); err != nil || ev.Event != "invite" {
		return
	}
	m.endIf(Calling, ev.TargetUserID, "offline")
}

func (m *Machine) connectedMedia(ev relayEvent) (MediaSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected || ev.FromUserID != m.peer || m.media == nil || !m.fromPeerDevice(ev.FromConnectionID) {
		return nil, false
	}
	return m.media, true
}

// fromPeerDevice is false only when both the peer device and the sender
// device are known and differ. Caller holds mu.
func (m *Machine) fromPeerDevice(conn domain.ConnectionID) bool {
	return m.peerConn == "" || conn == "" || conn == m.peerConn
}

// fail tears the call down after a media error and tells the peer.
func (m *Machine) fail(peer domain.UserID) {
	m.mu.Lock()
	if m.state == Idle || m.peer != peer {
		m.mu.Unlock()
		return
	}
	peerConn, conv := m.peerConn, m.conv
	m.toIdle("failed")
	m.mu.Unlock()
	_ = m.sig.Emit("callHangup", outbound{TargetUserID: peer, TargetConnectionID: peerConn, ConversationID: conv, Reason: "failed"})
}

func (m *Machine) endIf(state State, peer domain.UserID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == state && m.peer == peer {
		m.toIdle(reason)
	}
}

func (m *Machine) bindMedia(media MediaSession) {
	media.OnCandidate(func(c json.RawMessage) {
		m.mu.Lock()
		peer, peerConn, live := m.peer, m.peerConn, m.media == media
		m.mu.Unlock()
		if live {
			_ = m.sig.Emit("webrtcIceCandidate", outbound{TargetUserID: peer, TargetConnectionID: peerConn, Candidate: c})
		}
	})
	media.OnFailed(func() {
		m.mu.Lock()
		peer, live := m.peer, m.media == media
		m.mu.Unlock()
		if live {
			m.fail(peer)
		}
	})
}

// toIdle releases media and resets the session. Caller holds mu.
func (m *Machine) toIdle(reason string) {
	if m.media != nil {
		if err := m.media.Close(); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("release media")
		}
		m.media = nil
	}
	m.setState(Idle, reason)
	m.peer, m.peerConn, m.ringing, m.conv, m.callType = "", "", nil, 0, ""
}

// setState records the transition and notifies observers. Caller holds mu.
func (m *Machine) setState(to State, reason string) {
	tr := Transition{From: m.state, To: to, Peer: m.peer, Reason: reason}
	m.state = to
	log.Info().Str("module", "call").Str("from", tr.From.String()).Str("to", to.String()).Str("peer", string(tr.Peer)).Str("reason", reason).Msg("call state")

	m.obsMu.Lock()
	obs := slices.Clone(m.observers)
	m.obsMu.Unlock()
	for _, fn := range obs {
		fn(tr)
	}
}

func (m *Machine) wrap(fn func(relayEvent)) client.Handler {
	return func(data json.RawMessage) {
		var ev relayEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("bad relay event")
			return
		}
		fn(ev)
	}
}

func nonEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
