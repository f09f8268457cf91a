package signal

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/app/orch"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// SessionTokenKey is the cookie-session key holding a bearer token.
const SessionTokenKey = "token"

type Conf struct {
	ReadLimit      int64
	PingPeriod     time.Duration
	WriteWait      time.Duration
	SendQueue      int
	TypingLimit    int
	TypingInterval time.Duration
}

func (c *Conf) setDefaults() {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 32768
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = 54 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.TypingLimit <= 0 {
		c.TypingLimit = 5
	}
	if c.TypingInterval <= 0 {
		c.TypingInterval = time.Second
	}
}

// pongWait must exceed PingPeriod so a healthy peer always answers in time.
func (c Conf) pongWait() time.Duration { return c.PingPeriod * 10 / 9 }

type SignalWSController struct {
	Orch   *orch.Orchestrator
	conf   Conf
	typing *TypingLimiter
}

func NewSignalWSController(o *orch.Orchestrator, conf Conf) *SignalWSController {
	conf.setDefaults()
	ctl := &SignalWSController{
		Orch:   o,
		conf:   conf,
		typing: NewTypingLimiter(conf.TypingLimit, conf.TypingInterval),
	}
	o.Registry.OnPresence(func(u domain.UserID, online bool) {
		if !online {
			ctl.typing.Forget(u)
		}
	})
	return ctl
}

// WsSignalConn is the core.SignalConnection over one websocket. Frames are
// queued and written by the write pump; Close lets the pump flush what is
// already queued and then send a close frame.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
	// written before send is closed, read by the write pump after
	closeCode   int
	closeReason string
}

func newWsSignalConn(ws *websocket.Conn, queue int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, queue)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnectionClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Close ends the connection cleanly (1000).
func (c *WsSignalConn) Close() {
	c.CloseWithCode(websocket.CloseNormalClosure, "")
}

func (c *WsSignalConn) CloseWithCode(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode, c.closeReason = code, reason
	close(c.send)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TokenFrom looks for the bearer token in the query string, then the
// Authorization header, then the cookie session.
func TokenFrom(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	if h := c.GetHeader("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return t
		}
	}
	if _, ok := c.Get(sessions.DefaultKey); ok {
		if t, ok := sessions.Default(c).Get(SessionTokenKey).(string); ok {
			return t
		}
	}
	return ""
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := TokenFrom(c)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	uid, err := ctl.Orch.Authenticate(ctx, token)
	if err != nil {
		ctl.reject(ws, domain.CloseAuthFailed, err)
		return
	}

	conn := newWsSignalConn(ws, ctl.conf.SendQueue)
	cc, err := ctl.Orch.Connect(uid, conn)
	if err != nil {
		ctl.reject(ws, websocket.ClosePolicyViolation, err)
		return
	}
	log.Info().Str("module", "signal").Str("user", string(uid)).Str("conn", string(cc.ID)).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, cc, conn)
}

// reject answers a failed handshake with an error event and a close frame.
// The connection was never registered.
func (ctl *SignalWSController) reject(ws *websocket.Conn, code int, cause error) {
	defer ws.Close()
	msg := orch.ClientMessage(cause)
	deadline := time.Now().Add(ctl.conf.WriteWait)

	frame, err := app.Encode(app.EvError, app.ErrorEvent{Message: msg})
	if err == nil {
		_ = ws.SetWriteDeadline(deadline)
		_ = ws.WriteMessage(websocket.TextMessage, frame)
	}
	err = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, msg), deadline)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Debug().Err(err).Str("module", "signal").Msg("close frame")
	}
	log.Info().Str("module", "signal").Int("code", code).Str("reason", msg).Msg("handshake refused")
}
