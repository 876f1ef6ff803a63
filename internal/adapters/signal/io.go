package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/veltchat/voicegate/internal/core"
)

const writeWait = 5 * time.Second

func (ctl *Controller) writePump(ctx context.Context, cl *client) {
	ticker := time.NewTicker(ctl.PingPeriod)
	defer ticker.Stop()
	conn := cl.conn
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-conn.send:
			if !ok {
				return
			}
			if err := conn.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := conn.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cl *client) {
	sess := cl.session
	conn := cl.conn
	defer ctl.disconnect(ctx, cl, "transport closed")

	if ctl.ReadLimit > 0 {
		conn.conn.SetReadLimit(ctl.ReadLimit)
	}
	readWait := ctl.PingPeriod * 10 / 9 * 2
	_ = conn.conn.SetReadDeadline(time.Now().Add(readWait))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("module", "signal").Str("socket", string(sess.SocketID)).Msg("readPump read error")
			return
		}
		ctl.handleMessage(ctx, cl, data)
	}
}

// handleMessage dispatches one request from the connection. Requests of one
// connection are handled sequentially here, which is what makes session
// ownership checks race-free within a connection.
func (ctl *Controller) handleMessage(ctx context.Context, cl *client, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.respondErr(cl.conn, "request", 0, core.NewError(core.CodeInvalidRequest, "malformed request"))
		return
	}

	switch env.Type {
	case "join":
		ctl.handleJoin(ctx, cl, env, data)
	case "leave":
		ctl.handleLeave(ctx, cl, env)
	case "updateState":
		ctl.handleUpdateState(cl, env, data)
	case "getRouterCapabilities":
		ctl.handleRouterCapabilities(cl, env)
	case "createTransport":
		ctl.handleCreateTransport(ctx, cl, env)
	case "connectTransport":
		ctl.handleConnectTransport(ctx, cl, env, data)
	case "produce":
		ctl.handleProduce(ctx, cl, env, data)
	case "consume":
		ctl.handleConsume(ctx, cl, env, data)
	case "pauseProducer":
		ctl.handlePauseProducer(cl, env, data)
	case "resumeProducer":
		ctl.handleResumeProducer(cl, env, data)
	case "pauseConsumer":
		ctl.handlePauseConsumer(cl, env, data)
	case "resumeConsumer":
		ctl.handleResumeConsumer(cl, env, data)
	case "closeProducer":
		ctl.handleCloseProducer(cl, env, data)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown request")
		ctl.respondErr(cl.conn, env.Type, env.RID, core.NewError(core.CodeInvalidRequest, "unknown request type"))
	}
}

// requireInRoom is the state gate shared by every request past join.
func (ctl *Controller) requireInRoom(cl *client, env envelope) bool {
	if cl.session.State != core.StateInRoom {
		ctl.respondErr(cl.conn, env.Type, env.RID, core.NewError(core.CodeNotInChannel, "not in a voice channel"))
		return false
	}
	return true
}
