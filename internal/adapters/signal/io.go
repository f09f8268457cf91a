package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.conf.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(ctl.conf.WriteWait))
			return
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.conf.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.conf.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("ping failed")
				return
			}
		}
	}
}

// readPump owns the connection lifecycle: when it returns the connection is
// unregistered and purged from its rooms, whatever the cause.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, cc *app.Connection, c *WsSignalConn) {
	defer func() {
		ctl.Orch.Disconnect(cc.ID)
		c.Close()
		cancel()
		log.Info().Str("module", "signal").Str("conn", string(cc.ID)).Msg("readPump closing")
	}()

	c.conn.SetReadLimit(ctl.conf.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.conf.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.conf.pongWait()))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(cc.ID)).Msg("transport dropped")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.conf.pongWait()))
		ctl.handleSignal(ctx, cc, data)
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, cc *app.Connection, data []byte) {
	var env app.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(cc.ID)).Msg("bad json")
		ctl.Orch.ReportError(cc, "", domain.ErrBadPayload)
		return
	}

	var err error
	switch env.Type {
	case "ping":
		ctl.handlePing(cc)
	case "joinConversation":
		err = ctl.handleJoin(ctx, cc, env.Data)
	case "leaveConversation":
		err = ctl.handleLeave(cc, env.Data)
	case "sendMessage":
		err = ctl.handleSendMessage(ctx, cc, env.Data)
	case "markAsRead":
		err = ctl.handleMarkRead(ctx, cc, env.Data)
	case "typing":
		err = ctl.handleTyping(ctx, cc, env.Data, true)
	case "stopTyping":
		err = ctl.handleTyping(ctx, cc, env.Data, false)
	case "callInvite", "callAccept", "callReject", "callHangup":
		err = ctl.handleCall(cc, env.Type, env.Data)
	case "webrtcOffer", "webrtcAnswer", "webrtcIceCandidate":
		err = ctl.handleWebRTC(cc, env.Type, env.Data)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		err = domain.ErrBadPayload
	}

	if err == nil || errors.Is(err, domain.ErrTargetOffline) {
		return
	}
	log.Info().Err(err).Str("module", "signal").Str("conn", string(cc.ID)).Str("type", env.Type).Msg("event rejected")
	ctl.Orch.ReportError(cc, env.Type, err)
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return domain.ErrBadPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Join(domain.ErrBadPayload, err)
	}
	return nil
}
