package app

import (
	"sync"

	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

// RoomInfo is a read-only view of a live conversation room.
type RoomInfo struct {
	ConversationID domain.ConversationID `json:"conversationId"`
	MemberCount    int                   `json:"memberCount"`
}

type room struct {
	mu      sync.RWMutex
	members map[domain.ConnectionID]struct{}
	dead    bool // set once the room is unlinked from the manager
}

// RoomManager tracks which connections subscribe to which conversation.
// It is independent from durable conversation membership.
type RoomManager struct {
	mu    sync.RWMutex
	rooms map[domain.ConversationID]*room

	idxMu     sync.Mutex
	connRooms map[domain.ConnectionID]map[domain.ConversationID]struct{}
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms:     make(map[domain.ConversationID]*room),
		connRooms: make(map[domain.ConnectionID]map[domain.ConversationID]struct{}),
	}
}

func (m *RoomManager) getOrCreate(conv domain.ConversationID) *room {
	m.mu.RLock()
	r, ok := m.rooms[conv]
	m.mu.RUnlock()
	if ok {
		return r
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok = m.rooms[conv]; ok {
		return r
	}
	r = &room{members: make(map[domain.ConnectionID]struct{})}
	m.rooms[conv] = r
	return r
}

// Join is idempotent.
func (m *RoomManager) Join(conv domain.ConversationID, conn domain.ConnectionID) {
	for {
		r := m.getOrCreate(conv)
		r.mu.Lock()
		if r.dead {
			r.mu.Unlock()
			continue
		}
		r.members[conn] = struct{}{}
		r.mu.Unlock()
		break
	}

	m.idxMu.Lock()
	set := m.connRooms[conn]
	if set == nil {
		set = make(map[domain.ConversationID]struct{})
		m.connRooms[conn] = set
	}
	set[conv] = struct{}{}
	m.idxMu.Unlock()

	log.Debug().Str("module", "app.rooms").Int64("conversation", int64(conv)).Str("conn", string(conn)).Msg("joined")
}

func (m *RoomManager) Leave(conv domain.ConversationID, conn domain.ConnectionID) {
	m.removeFromRoom(conv, conn)

	m.idxMu.Lock()
	if set := m.connRooms[conn]; set != nil {
		delete(set, conv)
		if len(set) == 0 {
			delete(m.connRooms, conn)
		}
	}
	m.idxMu.Unlock()

	log.Debug().Str("module", "app.rooms").Int64("conversation", int64(conv)).Str("conn", string(conn)).Msg("left")
}

// Purge removes the connection from every room it joined and returns them.
func (m *RoomManager) Purge(conn domain.ConnectionID) []domain.ConversationID {
	m.idxMu.Lock()
	set := m.connRooms[conn]
	delete(m.connRooms, conn)
	m.idxMu.Unlock()

	out := make([]domain.ConversationID, 0, len(set))
	for conv := range set {
		m.removeFromRoom(conv, conn)
		out = append(out, conv)
	}
	if len(out) > 0 {
		log.Info().Str("module", "app.rooms").Str("conn", string(conn)).Int("rooms", len(out)).Msg("purged connection")
	}
	return out
}

func (m *RoomManager) removeFromRoom(conv domain.ConversationID, conn domain.ConnectionID) {
	m.mu.RLock()
	r, ok := m.rooms[conv]
	m.mu.RUnlock()
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.members, conn)
	empty := len(r.members) == 0
	r.mu.Unlock()
	if empty {
		m.reap(conv, r)
	}
}

// reap unlinks r if it is still empty. Lock order: manager, then room.
func (m *RoomManager) reap(conv domain.ConversationID, r *room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) == 0 && m.rooms[conv] == r {
		r.dead = true
		delete(m.rooms, conv)
	}
}

func (m *RoomManager) Members(conv domain.ConversationID) []domain.ConnectionID {
	m.mu.RLock()
	r, ok := m.rooms[conv]
	m.mu.RUnlock()
	if !ok {
		return []domain.ConnectionID{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ConnectionID, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}

func (m *RoomManager) IsMember(conv domain.ConversationID, conn domain.ConnectionID) bool {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	_, ok := m.connRooms[conn][conv]
	return ok
}

func (m *RoomManager) RoomsOf(conn domain.ConnectionID) []domain.ConversationID {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	out := make([]domain.ConversationID, 0, len(m.connRooms[conn]))
	for conv := range m.connRooms[conn] {
		out = append(out, conv)
	}
	return out
}

func (m *RoomManager) List() []RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RoomInfo, 0, len(m.rooms))
	for conv, r := range m.rooms {
		r.mu.RLock()
		out = append(out, RoomInfo{ConversationID: conv, MemberCount: len(r.members)})
		r.mu.RUnlock()
	}
	return out
}
