package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/app/orch"
	"github.com/dkeye/Pulse/internal/domain"
)

type memStore struct {
	mu      sync.Mutex
	members map[domain.ConversationID][]domain.UserID
	nextID  domain.MessageID
}

func (s *memStore) AppendMessage(_ context.Context, nm domain.NewMessage) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return domain.Message{ID: s.nextID, ConversationID: nm.ConversationID, SenderID: nm.SenderID,
		Type: nm.Type, Content: nm.Content, MediaURL: nm.MediaURL, CreatedAt: time.Now()}, nil
}

func (s *memStore) ListMessages(context.Context, domain.ConversationID, domain.MessageID, int) ([]domain.Message, error) {
	return nil, nil
}

func (s *memStore) UpdateReadCursor(context.Context, domain.ConversationID, domain.UserID, domain.MessageID) error {
	return nil
}

func (s *memStore) Members(_ context.Context, conv domain.ConversationID) ([]domain.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.members[conv]), nil
}

func (s *memStore) IsMember(_ context.Context, conv domain.ConversationID, u domain.UserID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.members[conv], u), nil
}

func (s *memStore) Close() error { return nil }

type tokenAuth struct{}

func (tokenAuth) Authenticate(_ context.Context, raw string) (domain.UserID, error) {
	if u, ok := strings.CutPrefix(raw, "tok-"); ok {
		return domain.UserID(u), nil
	}
	return "", errors.New("unknown token")
}

type gateway struct {
	orch *orch.Orchestrator
	url  string
}

func newGateway(t *testing.T, confs ...app.RegistryConf) *gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)
	var conf app.RegistryConf
	if len(confs) > 0 {
		conf = confs[0]
	}
	o := orch.New(orch.Deps{
		Registry: app.NewRegistry(conf),
		Rooms:    app.NewRoomManager(),
		Store:    &memStore{members: map[domain.ConversationID][]domain.UserID{42: {"alice", "bob"}}},
		Auth:     tokenAuth{},
	})
	ctl := NewSignalWSController(o, Conf{PingPeriod: time.Second, WriteWait: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
		o.Fanout.Stop()
	})
	return &gateway{orch: o, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (g *gateway) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(g.url+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func (g *gateway) login(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	ws := g.dial(t, "tok-"+user)
	env := read(t, ws)
	require.Equal(t, app.EvConnected, env.Type)
	return ws
}

func read(t *testing.T, ws *websocket.Conn) app.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env app.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func send(t *testing.T, ws *websocket.Conn, typ string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(app.Envelope{Type: typ, Data: raw}))
}

func TestHandshake_RejectsBadToken(t *testing.T) {
	g := newGateway(t)
	ws := g.dial(t, "forged")

	env := read(t, ws)
	assert.Equal(t, app.EvError, env.Type)
	assert.JSONEq(t, `{"message":"invalid credentials"}`, string(env.Data))

	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, domain.CloseAuthFailed), "got %v", err)
	assert.Zero(t, g.orch.Registry.Count())
}

func TestEvictedSession_ClosedWithReplacedCode(t *testing.T) {
	g := newGateway(t, app.RegistryConf{MaxPerUser: 1, EvictOldest: true})
	old := g.login(t, "alice")
	_ = g.login(t, "alice")

	env := read(t, old)
	require.Equal(t, app.EvError, env.Type)
	var e app.ErrorEvent
	require.NoError(t, json.Unmarshal(env.Data, &e))
	assert.Equal(t, "session replaced", e.Message)

	_, _, err := old.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, domain.CloseSessionReplaced), "got %v", err)
	assert.Equal(t, 1, g.orch.Registry.Count())
}

func TestHandshake_BearerHeader(t *testing.T) {
	g := newGateway(t)
	header := map[string][]string{"Authorization": {"Bearer tok-alice"}}
	ws, _, err := websocket.DefaultDialer.Dial(g.url, header)
	require.NoError(t, err)
	defer ws.Close()

	env := read(t, ws)
	require.Equal(t, app.EvConnected, env.Type)
	var ack app.ConnectedEvent
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, domain.UserID("alice"), ack.UserID)
}

func TestSendMessage_OverWebsocket(t *testing.T) {
	g := newGateway(t)
	alice := g.login(t, "alice")
	laptop := g.login(t, "bob")
	phone := g.login(t, "bob")

	send(t, alice, "sendMessage", map[string]any{
		"conversationId": 42, "type": "text", "content": "hi", "tempId": "t1",
	})

	ack := read(t, alice)
	require.Equal(t, app.EvMessageSent, ack.Type)
	var sent app.MessageSentEvent
	require.NoError(t, json.Unmarshal(ack.Data, &sent))
	assert.Equal(t, "t1", sent.TempID)

	for _, ws := range []*websocket.Conn{laptop, phone} {
		env := read(t, ws)
		require.Equal(t, app.EvNewMessage, env.Type)
		var msg domain.Message
		require.NoError(t, json.Unmarshal(env.Data, &msg))
		assert.Equal(t, "hi", msg.Content)
		assert.Equal(t, domain.UserID("alice"), msg.SenderID)
		assert.Equal(t, sent.MessageID, msg.ID)
	}

	// nothing else reaches alice: the next frame is the pong
	send(t, alice, "ping", nil)
	assert.Equal(t, app.EvPong, read(t, alice).Type)
}

func TestErrorsGoOnlyToCaller(t *testing.T) {
	g := newGateway(t)
	carol := g.login(t, "carol")
	bob := g.login(t, "bob")

	send(t, carol, "joinConversation", map[string]any{"conversationId": 42})
	env := read(t, carol)
	require.Equal(t, app.EvError, env.Type)
	var e app.ErrorEvent
	require.NoError(t, json.Unmarshal(env.Data, &e))
	assert.Equal(t, "not a member", e.Message)
	assert.Equal(t, "joinConversation", e.Event)

	send(t, carol, "callInvite", map[string]any{"targetUserId": "dave"})
	env = read(t, carol)
	assert.Equal(t, app.EvTargetOffline, env.Type)

	send(t, bob, "ping", nil)
	assert.Equal(t, app.EvPong, read(t, bob).Type)
}

func TestCallRelay_OverWebsocket(t *testing.T) {
	g := newGateway(t)
	alice := g.login(t, "alice")
	bob := g.login(t, "bob")

	send(t, alice, "callInvite", map[string]any{"targetUserId": "bob", "conversationId": 42, "callType": "video"})
	env := read(t, alice)
	require.Equal(t, app.EvCallRinging, env.Type)
	var ringing app.CallRingingEvent
	require.NoError(t, json.Unmarshal(env.Data, &ringing))
	assert.Equal(t, 1, ringing.Devices)
	require.Len(t, ringing.ConnectionIDs, 1)

	env = read(t, bob)
	require.Equal(t, "incomingCall", env.Type)
	var inv app.SignalEnvelope
	require.NoError(t, json.Unmarshal(env.Data, &inv))
	assert.Equal(t, domain.UserID("alice"), inv.FromUserID)
	assert.Equal(t, domain.CallVideo, inv.CallType)
	require.NotEmpty(t, inv.FromConnectionID)

	send(t, bob, "webrtcAnswer", map[string]any{
		"targetUserId": "alice", "targetConnectionId": inv.FromConnectionID,
		"answer": map[string]string{"type": "answer", "sdp": "v=0"},
	})
	env = read(t, alice)
	require.Equal(t, "webrtcAnswer", env.Type)
	var ans app.SignalEnvelope
	require.NoError(t, json.Unmarshal(env.Data, &ans))
	assert.JSONEq(t, `{"type":"answer","sdp":"v=0"}`, string(ans.Payload))
	assert.Equal(t, inv.FromConnectionID, ans.ToConnectionID)
}

func TestDisconnectPurgesRooms(t *testing.T) {
	g := newGateway(t)
	bob := g.login(t, "bob")

	send(t, bob, "joinConversation", map[string]any{"conversationId": 42})
	require.Equal(t, app.EvJoinedConversation, read(t, bob).Type)
	require.Len(t, g.orch.Rooms.Members(42), 1)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool {
		return len(g.orch.Rooms.Members(42)) == 0 && !g.orch.Registry.IsOnline("bob")
	}, 2*time.Second, 10*time.Millisecond)
}
