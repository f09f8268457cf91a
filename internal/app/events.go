package app

import (
	"encoding/json"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

// Outbound event names.
const (
	EvConnected          = "connected"
	EvNewMessage         = "newMessage"
	EvMessageSent        = "messageSent"
	EvJoinedConversation = "joinedConversation"
	EvLeftConversation   = "leftConversation"
	EvMessageRead        = "messageRead"
	EvUserTyping         = "userTyping"
	EvUserStopTyping     = "userStopTyping"
	EvTargetOffline      = "targetOffline"
	EvCallRinging        = "callRinging"
	EvError              = "error"
	EvPong               = "pong"
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func Encode(event string, data any) (core.Frame, error) {
	env := Envelope{Type: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

type ConnectedEvent struct {
	UserID       domain.UserID       `json:"userId"`
	ConnectionID domain.ConnectionID `json:"connectionId"`
}

type MessageSentEvent struct {
	MessageID      domain.MessageID      `json:"messageId"`
	TempID         string                `json:"tempId,omitempty"`
	ConversationID domain.ConversationID `json:"conversationId"`
}

type MessageReadEvent struct {
	ConversationID domain.ConversationID `json:"conversationId"`
	MessageID      domain.MessageID      `json:"messageId"`
	UserID         domain.UserID         `json:"userId"`
}

type TypingEvent struct {
	ConversationID domain.ConversationID `json:"conversationId"`
	UserID         domain.UserID         `json:"userId"`
}

type JoinedEvent struct {
	ConversationID domain.ConversationID `json:"conversationId"`
	Subscribers    int                   `json:"subscribers"`
}

type ErrorEvent struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// SignalEnvelope is what a call target receives. Payload is never parsed.
// FromConnectionID names the sending device so replies can be addressed
// to it; ToConnectionID, when set, restricts delivery to that device.
type SignalEnvelope struct {
	FromUserID       domain.UserID         `json:"fromUserId"`
	FromConnectionID domain.ConnectionID   `json:"fromConnectionId,omitempty"`
	ToConnectionID   domain.ConnectionID   `json:"toConnectionId,omitempty"`
	ConversationID   domain.ConversationID `json:"conversationId,omitempty"`
	CallType         domain.CallType       `json:"callType,omitempty"`
	Reason           string                `json:"reason,omitempty"`
	Payload          json.RawMessage       `json:"payload,omitempty"`
}

// CallRingingEvent tells the caller how many devices the invite reached,
// before any of them can answer.
type CallRingingEvent struct {
	TargetUserID  domain.UserID         `json:"targetUserId"`
	Devices       int                   `json:"devices"`
	ConnectionIDs []domain.ConnectionID `json:"connectionIds"`
}

type TargetOfflineEvent struct {
	TargetUserID domain.UserID      `json:"targetUserId"`
	Event        domain.SignalEvent `json:"event"`
}
