package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Pulse/internal/domain"
)

type fakeTransport struct {
	in     chan []byte
	mu     sync.Mutex
	out    [][]byte
	err    error
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport(frames ...string) *fakeTransport {
	t := &fakeTransport{in: make(chan []byte, 16), closed: make(chan struct{})}
	for _, f := range frames {
		t.in <- []byte(f)
	}
	return t
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case b := <-t.in:
		return b, nil
	case <-t.closed:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.err != nil {
			return nil, t.err
		}
		return nil, errors.New("use of closed connection")
	}
}

func (t *fakeTransport) WriteMessage(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.out = append(t.out, b)
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// drop ends the connection from the server side with err.
func (t *fakeTransport) drop(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.Close()
}

const connectedFrame = `{"type":"connected","data":{"userId":"alice","connectionId":"c1"}}`

type dialResult struct {
	t   *fakeTransport
	err error
}

type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	dials   int
}

func (d *fakeDialer) push(r ...dialResult) {
	d.mu.Lock()
	d.results = append(d.results, r...)
	d.mu.Unlock()
}

func (d *fakeDialer) Dial(context.Context, string, string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.t, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type statusLog struct {
	mu sync.Mutex
	s  []Status
}

func (l *statusLog) add(s Status) {
	l.mu.Lock()
	l.s = append(l.s, s)
	l.mu.Unlock()
}

func (l *statusLog) kinds() []StatusKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]StatusKind, 0, len(l.s))
	for _, s := range l.s {
		out = append(out, s.Kind)
	}
	return out
}

func (l *statusLog) delays() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []time.Duration
	for _, s := range l.s {
		if s.Kind == StatusReconnecting {
			out = append(out, s.Delay)
		}
	}
	return out
}

func (l *statusLog) last() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.s) == 0 {
		return Status{Kind: -1}
	}
	return l.s[len(l.s)-1]
}

func immediate(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func newManager(d *fakeDialer, after func(time.Duration) <-chan time.Time) (*Manager, *statusLog) {
	m := NewManager(Options{URL: "ws://gw", Token: "tok", MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Dialer: d, After: after})
	log := &statusLog{}
	m.OnStatus(log.add)
	return m, log
}

func TestManager_ConnectDispatchEmit(t *testing.T) {
	tr := newFakeTransport(connectedFrame, `{"type":"newMessage","data":{"content":"hi"}}`)
	d := &fakeDialer{}
	d.push(dialResult{t: tr})
	m, _ := newManager(d, immediate)

	got := make(chan string, 1)
	m.On("newMessage", func(data json.RawMessage) {
		var msg struct{ Content string }
		_ = json.Unmarshal(data, &msg)
		got <- msg.Content
	})

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, domain.UserID("alice"), m.UserID())

	select {
	case c := <-got:
		assert.Equal(t, "hi", c)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}

	require.NoError(t, m.Emit("typing", map[string]int{"conversationId": 42}))
	tr.mu.Lock()
	require.Len(t, tr.out, 1)
	assert.JSONEq(t, `{"type":"typing","data":{"conversationId":42}}`, string(tr.out[0]))
	tr.mu.Unlock()

	m.Disconnect()
	assert.ErrorIs(t, m.Emit("typing", nil), ErrNotConnected)
}

func TestManager_AuthFailureOnConnect(t *testing.T) {
	d := &fakeDialer{}
	tr := newFakeTransport(`{"type":"error","data":{"message":"invalid credentials"}}`)
	d.push(dialResult{t: tr})
	m, log := newManager(d, immediate)

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuthFailure)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Empty(t, log.kinds())
	assert.Equal(t, 1, d.count())
}

func TestManager_ReconnectKeepsHandlers(t *testing.T) {
	first := newFakeTransport(connectedFrame)
	second := newFakeTransport(connectedFrame)
	d := &fakeDialer{}
	d.push(dialResult{t: first}, dialResult{err: errors.New("refused")}, dialResult{t: second})
	m, log := newManager(d, immediate)

	got := make(chan string, 4)
	m.On("newMessage", func(json.RawMessage) { got <- "msg" })
	require.NoError(t, m.Connect(context.Background()))

	first.drop(errors.New("connection reset"))
	require.Eventually(t, func() bool {
		return d.count() == 3 && log.last().Kind == StatusConnected
	}, time.Second, 5*time.Millisecond)

	second.in <- []byte(`{"type":"newMessage","data":{}}`)
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("handler lost across reconnect")
	}

	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, log.delays())
	assert.Equal(t, StatusConnected, log.last().Kind)
	m.Disconnect()
}

func TestManager_ReconnectExhausted(t *testing.T) {
	tr := newFakeTransport(connectedFrame)
	d := &fakeDialer{}
	d.push(dialResult{t: tr})
	m, log := newManager(d, immediate)
	require.NoError(t, m.Connect(context.Background()))

	tr.drop(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	require.Eventually(t, func() bool { return log.last().Kind == StatusReconnectExhausted }, time.Second, 5*time.Millisecond)

	delays := log.delays()
	require.Len(t, delays, 3)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
	}
	assert.Equal(t, 4, d.count())
	assert.ErrorIs(t, log.last().Err, domain.ErrReconnectExhausted)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_ManualDisconnectCancelsBackoff(t *testing.T) {
	tr := newFakeTransport(connectedFrame)
	d := &fakeDialer{}
	d.push(dialResult{t: tr})

	waiting := make(chan struct{}, 1)
	never := func(time.Duration) <-chan time.Time {
		waiting <- struct{}{}
		return make(chan time.Time)
	}
	m, log := newManager(d, never)
	require.NoError(t, m.Connect(context.Background()))

	tr.drop(errors.New("network unreachable"))
	<-waiting
	m.Disconnect()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.count())
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, StatusDisconnected, log.last().Kind)
}

func TestManager_ManualDisconnectIsNotADrop(t *testing.T) {
	tr := newFakeTransport(connectedFrame)
	d := &fakeDialer{}
	d.push(dialResult{t: tr})
	m, log := newManager(d, immediate)
	require.NoError(t, m.Connect(context.Background()))

	m.Disconnect()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.count())
	assert.NotContains(t, log.kinds(), StatusReconnecting)
}

func TestManager_AuthCloseStopsRetry(t *testing.T) {
	tr := newFakeTransport(connectedFrame)
	d := &fakeDialer{}
	d.push(dialResult{t: tr})
	m, log := newManager(d, immediate)
	require.NoError(t, m.Connect(context.Background()))

	tr.drop(&websocket.CloseError{Code: domain.CloseAuthFailed, Text: "invalid credentials"})
	require.Eventually(t, func() bool { return log.last().Kind == StatusAuthFailed }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.count())
	assert.NotContains(t, log.kinds(), StatusReconnecting)
}

func TestManager_Unsubscribe(t *testing.T) {
	tr := newFakeTransport(connectedFrame)
	d := &fakeDialer{}
	d.push(dialResult{t: tr})
	m, _ := newManager(d, immediate)

	calls := make(chan struct{}, 4)
	off := m.On("pong", func(json.RawMessage) { calls <- struct{}{} })
	require.NoError(t, m.Connect(context.Background()))

	tr.in <- []byte(`{"type":"pong"}`)
	<-calls
	off()
	tr.in <- []byte(`{"type":"pong"}`)
	tr.in <- []byte(`{"type":"sentinel"}`)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, calls)
	m.Disconnect()
}

func TestManager_SessionReplacedStopsRetry(t *testing.T) {
	tr := newFakeTransport(connectedFrame)
	d := &fakeDialer{}
	d.push(dialResult{t: tr})
	m, log := newManager(d, immediate)
	require.NoError(t, m.Connect(context.Background()))

	tr.drop(&websocket.CloseError{Code: domain.CloseSessionReplaced, Text: "session replaced"})
	require.Eventually(t, func() bool { return log.last().Kind == StatusSessionReplaced }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, log.last().Err, domain.ErrSessionReplaced)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.count())
	assert.NotContains(t, log.kinds(), StatusReconnecting)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_CloseCodes(t *testing.T) {
	tests := []struct {
		name  string
		code  int
		retry bool
	}{
		{"normal closure", websocket.CloseNormalClosure, false},
		{"going away", websocket.CloseGoingAway, true},
		{"try again later", websocket.CloseTryAgainLater, true},
		{"abnormal", websocket.CloseAbnormalClosure, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport(connectedFrame)
			d := &fakeDialer{}
			d.push(dialResult{t: tr}, dialResult{t: newFakeTransport(connectedFrame)})
			m, log := newManager(d, immediate)
			require.NoError(t, m.Connect(context.Background()))

			tr.drop(&websocket.CloseError{Code: tt.code})
			if tt.retry {
				require.Eventually(t, func() bool {
					return d.count() == 2 && m.State() == StateConnected
				}, time.Second, 5*time.Millisecond)
				assert.Contains(t, log.kinds(), StatusReconnecting)
				m.Disconnect()
				return
			}
			require.Eventually(t, func() bool { return log.last().Kind == StatusDisconnected }, time.Second, 5*time.Millisecond)
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, 1, d.count())
			assert.NotContains(t, log.kinds(), StatusReconnecting)
		})
	}
}

func TestManager_ConnectDuringBackoffCancelsReconnect(t *testing.T) {
	first := newFakeTransport(connectedFrame)
	second := newFakeTransport(connectedFrame)
	d := &fakeDialer{}
	d.push(dialResult{t: first}, dialResult{t: second}, dialResult{t: newFakeTransport(connectedFrame)})

	timers := make(chan chan time.Time, 4)
	after := func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		timers <- ch
		return ch
	}
	m, _ := newManager(d, after)
	require.NoError(t, m.Connect(context.Background()))

	first.drop(errors.New("connection reset"))
	timer := <-timers
	require.NoError(t, m.Connect(context.Background()))
	require.Equal(t, StateConnected, m.State())

	timer <- time.Now()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, d.count())
	assert.Equal(t, StateConnected, m.State())

	require.NoError(t, m.Emit("ping", nil))
	second.mu.Lock()
	assert.Len(t, second.out, 1)
	second.mu.Unlock()
	m.Disconnect()
}
