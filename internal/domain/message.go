package domain

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

const MaxContentLen = 8192

type (
	ConversationID int64
	MessageID      int64
)

func ParseConversationID(raw string) (ConversationID, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: conversation id %q", ErrBadPayload, raw)
	}
	return ConversationID(id), nil
}

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageAudio  MessageType = "audio"
	MessageVideo  MessageType = "video"
	MessageSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageAudio, MessageVideo, MessageSystem:
		return true
	}
	return false
}

func (t MessageType) IsMedia() bool {
	switch t {
	case MessageImage, MessageFile, MessageAudio, MessageVideo:
		return true
	}
	return false
}

var (
	ErrContentEmpty   = errors.New("content empty")
	ErrContentTooLong = errors.New("content too long")
	ErrMediaURLEmpty  = errors.New("media url empty")
	ErrMessageType    = errors.New("unknown message type")
)

// NewMessage is what a sender asks the store to append.
type NewMessage struct {
	ConversationID ConversationID
	SenderID       UserID
	Type           MessageType
	Content        string
	MediaURL       string
}

func (m NewMessage) Validate() error {
	if m.Type == "" {
		m.Type = MessageText
	}
	if !m.Type.Valid() {
		return ErrMessageType
	}
	if len(m.Content) > MaxContentLen {
		return ErrContentTooLong
	}
	if m.Type.IsMedia() {
		if m.MediaURL == "" {
			return ErrMediaURLEmpty
		}
		return nil
	}
	if m.Content == "" {
		return ErrContentEmpty
	}
	return nil
}

// Message is a persisted message; ID is assigned by the store and is
// monotonic per conversation.
type Message struct {
	ID             MessageID      `json:"id"`
	ConversationID ConversationID `json:"conversationId"`
	SenderID       UserID         `json:"senderId"`
	Type           MessageType    `json:"type"`
	Content        string         `json:"content,omitempty"`
	MediaURL       string         `json:"mediaUrl,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}
