package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/Pulse/internal/domain"
)

// Transport is one physical connection. ReadMessage blocks until a frame
// arrives or the connection ends.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage([]byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url, token string) (Transport, error)
}

// WSDialer dials the gateway with gorilla/websocket and passes the token
// as a bearer header.
type WSDialer struct {
	Dialer    *websocket.Dialer
	WriteWait time.Duration
}

func (d WSDialer) Dial(ctx context.Context, url, token string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	wait := d.WriteWait
	if wait <= 0 {
		wait = 10 * time.Second
	}
	ws.SetPingHandler(func(appData string) error {
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wait))
	})
	return &wsTransport{ws: ws, writeWait: wait}, nil
}

type wsTransport struct {
	ws        *websocket.Conn
	writeWait time.Duration
	wmu       sync.Mutex // one writer at a time
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.ws.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if err := t.ws.SetWriteDeadline(time.Now().Add(t.writeWait)); err != nil {
		return err
	}
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	_ = t.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return t.ws.Close()
}

func isAuthClose(err error) bool { return closeCode(err) == domain.CloseAuthFailed }

// closeCode is the code of the gateway's close frame, 0 when err is not one.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
