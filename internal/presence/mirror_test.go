package presence

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

type recordingSink struct {
	mu  sync.Mutex
	log []string
}

func (s *recordingSink) SetOnline(_ context.Context, u domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, "on:"+string(u))
	return nil
}

func (s *recordingSink) SetOffline(_ context.Context, u domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, "off:"+string(u))
	return nil
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

type nopSignal struct{}

func (nopSignal) TrySend(core.Frame) error { return nil }
func (nopSignal) Close()                   {}

func TestMirror_ForwardsEdgesInOrder(t *testing.T) {
	reg := app.NewRegistry(app.RegistryConf{})
	sink := &recordingSink{}
	m := NewMirror(reg, sink, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	for i, id := range []string{"laptop", "phone"} {
		_, err := reg.Register(&app.Connection{ID: domain.ConnectionID(id), UserID: "bob", CreatedAt: time.Now().Add(time.Duration(i)), Signal: nopSignal{}})
		require.NoError(t, err)
	}
	reg.Unregister("laptop")
	reg.Unregister("phone")

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"on:bob", "off:bob"}, sink.snapshot())
}

func TestMirror_HeartbeatRefreshesOnlineUsers(t *testing.T) {
	reg := app.NewRegistry(app.RegistryConf{})
	sink := &recordingSink{}
	m := NewMirror(reg, sink, 10*time.Millisecond)
	_, err := reg.Register(&app.Connection{ID: "a1", UserID: "alice", CreatedAt: time.Now(), Signal: nopSignal{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.snapshot()) >= 3 }, time.Second, 5*time.Millisecond)
	for _, e := range sink.snapshot() {
		assert.Equal(t, "on:alice", e)
	}
}

// setSink keeps an online set the way the Redis sink does.
type setSink struct {
	mu         sync.Mutex
	online     map[domain.UserID]bool
	reconciled int
}

func (s *setSink) SetOnline(_ context.Context, u domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[u] = true
	return nil
}

func (s *setSink) SetOffline(_ context.Context, u domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.online, u)
	return nil
}

func (s *setSink) Reconcile(_ context.Context, online []domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := make(map[domain.UserID]bool, len(online))
	for _, u := range online {
		live[u] = true
	}
	for u := range s.online {
		if !live[u] {
			delete(s.online, u)
		}
	}
	s.reconciled++
	return nil
}

func (s *setSink) users() []domain.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.UserID
	for u := range s.online {
		out = append(out, u)
	}
	return out
}

func TestMirror_HeartbeatReconcilesLostOfflineEdge(t *testing.T) {
	reg := app.NewRegistry(app.RegistryConf{})
	// bob's offline edge never reached the sink
	sink := &setSink{online: map[domain.UserID]bool{"bob": true}}
	m := NewMirror(reg, sink, 10*time.Millisecond)
	_, err := reg.Register(&app.Connection{ID: "a1", UserID: "alice", CreatedAt: time.Now(), Signal: nopSignal{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.reconciled > 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.UserID{"alice"}, sink.users())
}

// Runs only against a live Redis: PULSE_TEST_REDIS_URL=redis://localhost:6379/15
func TestRedisSink_Live(t *testing.T) {
	url := os.Getenv("PULSE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("PULSE_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	s, err := NewRedisSink(ctx, url, "gw-test", time.Minute)
	require.NoError(t, err)
	defer s.Close()

	user := domain.UserID(fmt.Sprintf("test-%d", time.Now().UnixNano()))
	require.NoError(t, s.SetOnline(ctx, user))
	gw, online, err := s.Lookup(ctx, user)
	require.NoError(t, err)
	assert.True(t, online)
	assert.Equal(t, "gw-test", gw)

	require.NoError(t, s.SetOffline(ctx, user))
	_, online, err = s.Lookup(ctx, user)
	require.NoError(t, err)
	assert.False(t, online)

	// an offline edge that never arrived is cleared by Reconcile
	require.NoError(t, s.SetOnline(ctx, user))
	require.NoError(t, s.Reconcile(ctx, nil))
	_, online, err = s.Lookup(ctx, user)
	require.NoError(t, err)
	assert.False(t, online)
	isMember, err := s.rdb.SIsMember(ctx, onlineSetKey, string(user)).Result()
	require.NoError(t, err)
	assert.False(t, isMember)
}
