package app

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

const registryShards = 32

// Connection is a live, authenticated transport session.
type Connection struct {
	ID        domain.ConnectionID
	UserID    domain.UserID
	CreatedAt time.Time
	Signal    core.SignalConnection
}

type DisconnectHook func(c *Connection)

// PresenceHook fires on the offline->online and online->offline edges only.
// It runs under the user's shard lock so a user's edges are delivered in
// order; it must be quick and must not call back into the registry.
type PresenceHook func(user domain.UserID, online bool)

type RegistryConf struct {
	MaxPerUser  int  // <= 0: unlimited
	EvictOldest bool // otherwise Register fails with ErrTooManyConnections
}

type userShard struct {
	mu    sync.RWMutex
	users map[domain.UserID]map[domain.ConnectionID]*Connection
}

type connShard struct {
	mu    sync.RWMutex
	conns map[domain.ConnectionID]*Connection
}

// Registry maps users to their live connections. Both indexes are lock
// striped so churn on one user never blocks lookups for another. A user key
// is present iff its connection set is non-empty.
type Registry struct {
	conf   RegistryConf
	users  [registryShards]userShard
	byConn [registryShards]connShard

	hookMu          sync.RWMutex
	disconnectHooks []DisconnectHook
	presenceHooks   []PresenceHook
}

func NewRegistry(conf RegistryConf) *Registry {
	r := &Registry{conf: conf}
	for i := range r.users {
		r.users[i].users = make(map[domain.UserID]map[domain.ConnectionID]*Connection)
		r.byConn[i].conns = make(map[domain.ConnectionID]*Connection)
	}
	return r
}

func shardOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % registryShards)
}

func (r *Registry) userShard(u domain.UserID) *userShard { return &r.users[shardOf(string(u))] }

func (r *Registry) connShard(id domain.ConnectionID) *connShard {
	return &r.byConn[shardOf(string(id))]
}

// OnDisconnect adds a hook that runs synchronously after a connection has
// been removed from the registry.
func (r *Registry) OnDisconnect(h DisconnectHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.disconnectHooks = append(r.disconnectHooks, h)
}

func (r *Registry) OnPresence(h PresenceHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.presenceHooks = append(r.presenceHooks, h)
}

// Register adds c under its user. Registering the same connection ID twice
// is a no-op. When the per-user cap is reached the oldest connections are
// evicted from the index and returned; the caller closes them.
func (r *Registry) Register(c *Connection) ([]*Connection, error) {
	us := r.userShard(c.UserID)
	us.mu.Lock()
	set := us.users[c.UserID]
	if _, ok := set[c.ID]; ok {
		us.mu.Unlock()
		return nil, nil
	}

	var evicted []*Connection
	if r.conf.MaxPerUser > 0 && len(set) >= r.conf.MaxPerUser {
		if !r.conf.EvictOldest {
			us.mu.Unlock()
			return nil, domain.ErrTooManyConnections
		}
		evicted = oldestFirst(set)[:len(set)-r.conf.MaxPerUser+1]
		for _, old := range evicted {
			delete(set, old.ID)
		}
	}

	wentOnline := len(set) == 0 && len(evicted) == 0
	if set == nil {
		set = make(map[domain.ConnectionID]*Connection)
		us.users[c.UserID] = set
	}
	set[c.ID] = c
	if wentOnline {
		r.firePresence(c.UserID, true)
	}
	us.mu.Unlock()

	for _, old := range evicted {
		r.dropReverse(old.ID)
	}
	cs := r.connShard(c.ID)
	cs.mu.Lock()
	cs.conns[c.ID] = c
	cs.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("user", string(c.UserID)).Str("conn", string(c.ID)).Int("evicted", len(evicted)).Msg("registered connection")
	for _, old := range evicted {
		r.fireDisconnect(old)
	}
	return evicted, nil
}

// Unregister removes the connection and then runs the disconnect hooks.
// The offline edge, if any, fires before them.
// It reports false when the connection was not registered.
func (r *Registry) Unregister(id domain.ConnectionID) (*Connection, bool) {
	c, ok := r.dropReverse(id)
	if !ok {
		return nil, false
	}

	us := r.userShard(c.UserID)
	us.mu.Lock()
	if set := us.users[c.UserID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(us.users, c.UserID)
			r.firePresence(c.UserID, false)
		}
	}
	us.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("user", string(c.UserID)).Str("conn", string(id)).Msg("unregistered connection")
	r.fireDisconnect(c)
	return c, true
}

func (r *Registry) dropReverse(id domain.ConnectionID) (*Connection, bool) {
	cs := r.connShard(id)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.conns[id]
	if ok {
		delete(cs.conns, id)
	}
	return c, ok
}

// ConnectionsOf returns a snapshot of the user's live connections. Never nil.
func (r *Registry) ConnectionsOf(u domain.UserID) []*Connection {
	us := r.userShard(u)
	us.mu.RLock()
	defer us.mu.RUnlock()
	set := us.users[u]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (r *Registry) ConnectionIDs(u domain.UserID) []domain.ConnectionID {
	conns := r.ConnectionsOf(u)
	out := make([]domain.ConnectionID, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.ID)
	}
	return out
}

func (r *Registry) IsOnline(u domain.UserID) bool {
	us := r.userShard(u)
	us.mu.RLock()
	defer us.mu.RUnlock()
	_, ok := us.users[u]
	return ok
}

func (r *Registry) Get(id domain.ConnectionID) (*Connection, bool) {
	cs := r.connShard(id)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.conns[id]
	return c, ok
}

func (r *Registry) OnlineUsers() []domain.UserID {
	var out []domain.UserID
	for i := range r.users {
		us := &r.users[i]
		us.mu.RLock()
		for u := range us.users {
			out = append(out, u)
		}
		us.mu.RUnlock()
	}
	return out
}

func (r *Registry) Count() int {
	n := 0
	for i := range r.byConn {
		cs := &r.byConn[i]
		cs.mu.RLock()
		n += len(cs.conns)
		cs.mu.RUnlock()
	}
	return n
}

func (r *Registry) fireDisconnect(c *Connection) {
	r.hookMu.RLock()
	hooks := append([]DisconnectHook(nil), r.disconnectHooks...)
	r.hookMu.RUnlock()
	for _, h := range hooks {
		runHook(c.ID, func() { h(c) })
	}
}

func (r *Registry) firePresence(u domain.UserID, online bool) {
	r.hookMu.RLock()
	hooks := append([]PresenceHook(nil), r.presenceHooks...)
	r.hookMu.RUnlock()
	for _, h := range hooks {
		runHook("", func() { h(u, online) })
	}
}

// runHook isolates a hook so a panic never skips the remaining cleanup.
func runHook(id domain.ConnectionID, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("module", "app.registry").Str("conn", string(id)).Interface("panic", rec).Msg("hook panicked")
		}
	}()
	fn()
}

func oldestFirst(set map[domain.ConnectionID]*Connection) []*Connection {
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
