package orch

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

type fakeSignal struct {
	mu        sync.Mutex
	frames    []core.Frame
	closed    bool
	closeCode int
}

func (s *fakeSignal) TrySend(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrConnectionClosed
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSignal) Close() { s.CloseWithCode(domain.CloseNormal, "") }

func (s *fakeSignal) CloseWithCode(code int, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed, s.closeCode = true, code
	}
}

func (s *fakeSignal) events() []app.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]app.Envelope, 0, len(s.frames))
	for _, f := range s.frames {
		var env app.Envelope
		if err := json.Unmarshal(f, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

func (s *fakeSignal) types() []string {
	var out []string
	for _, e := range s.events() {
		out = append(out, e.Type)
	}
	return out
}

// last returns the data of the most recent event of the given type.
func (s *fakeSignal) last(event string, v any) bool {
	evs := s.events()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == event {
			return json.Unmarshal(evs[i].Data, v) == nil
		}
	}
	return false
}

type fakeStore struct {
	mu       sync.Mutex
	members  map[domain.ConversationID][]domain.UserID
	messages []domain.Message
	cursors  map[domain.UserID]domain.MessageID
	failList error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		members: make(map[domain.ConversationID][]domain.UserID),
		cursors: make(map[domain.UserID]domain.MessageID),
	}
}

func (s *fakeStore) AppendMessage(_ context.Context, nm domain.NewMessage) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := domain.Message{
		ID:             domain.MessageID(len(s.messages) + 1),
		ConversationID: nm.ConversationID,
		SenderID:       nm.SenderID,
		Type:           nm.Type,
		Content:        nm.Content,
		MediaURL:       nm.MediaURL,
		CreatedAt:      time.Now(),
	}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *fakeStore) ListMessages(_ context.Context, conv domain.ConversationID, after domain.MessageID, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.messages {
		if m.ConversationID == conv && m.ID > after && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateReadCursor(_ context.Context, _ domain.ConversationID, user domain.UserID, msg domain.MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[user] = msg
	return nil
}

func (s *fakeStore) Members(_ context.Context, conv domain.ConversationID) ([]domain.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failList != nil {
		return nil, s.failList
	}
	return slices.Clone(s.members[conv]), nil
}

func (s *fakeStore) IsMember(_ context.Context, conv domain.ConversationID, user domain.UserID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.members[conv], user), nil
}

func (s *fakeStore) CreateConversation(_ context.Context, members ...domain.UserID) (domain.ConversationID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := domain.ConversationID(1000 + len(s.members))
	s.members[id] = slices.Clone(members)
	return id, nil
}

func (s *fakeStore) Close() error { return nil }

type fakeAuth map[string]domain.UserID

func (a fakeAuth) Authenticate(_ context.Context, token string) (domain.UserID, error) {
	if u, ok := a[token]; ok {
		return u, nil
	}
	return "", errors.New("unknown token")
}
