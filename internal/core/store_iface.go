package core

import (
	"context"

	"github.com/dkeye/Pulse/internal/domain"
)

// Authenticator validates an opaque bearer token against the auth service.
type Authenticator interface {
	Authenticate(ctx context.Context, rawToken string) (domain.UserID, error)
}

// MessageStore is the durable message log. AppendMessage must return the
// server-assigned, per-conversation monotonic ID.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg domain.NewMessage) (domain.Message, error)
	ListMessages(ctx context.Context, conv domain.ConversationID, after domain.MessageID, limit int) ([]domain.Message, error)
	UpdateReadCursor(ctx context.Context, conv domain.ConversationID, user domain.UserID, msg domain.MessageID) error
}

// MembershipStore answers who may receive events of a conversation.
type MembershipStore interface {
	Members(ctx context.Context, conv domain.ConversationID) ([]domain.UserID, error)
	IsMember(ctx context.Context, conv domain.ConversationID, user domain.UserID) (bool, error)
}

type Store interface {
	MessageStore
	MembershipStore
	Close() error
}

// Provisioner creates conversations with their initial members.
type Provisioner interface {
	CreateConversation(ctx context.Context, members ...domain.UserID) (domain.ConversationID, error)
}

// PresenceSink mirrors online transitions outside the process.
type PresenceSink interface {
	SetOnline(ctx context.Context, user domain.UserID) error
	SetOffline(ctx context.Context, user domain.UserID) error
}
