// Package signal is the connection-facing gateway: one session per
// websocket, a strict ownership state machine on every mutating request,
// and room event fan-out to connected participants.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/veltchat/voicegate/internal/app"
	"github.com/veltchat/voicegate/internal/app/orch"
	"github.com/veltchat/voicegate/internal/auth"
	"github.com/veltchat/voicegate/internal/core"
	"github.com/veltchat/voicegate/internal/domain"
	"github.com/veltchat/voicegate/internal/media"
)

var ErrBackpressure = errors.New("backpressure")

// speakingThrottle is the minimum interval between state updates that flip
// the speaking flag. Voice-activity detectors fire fast; without the gate a
// busy room becomes a broadcast storm.
const speakingThrottle = 50 * time.Millisecond

// defaultPingPeriod backs a missing or zero ping_period; writePump's ticker
// cannot run on a zero interval.
const defaultPingPeriod = 54 * time.Second

type Controller struct {
	Auth  *auth.Authenticator
	Orch  *orch.Orchestrator
	Rooms *app.RoomManager
	Media *media.Adapter

	ReadLimit  int64
	PingPeriod time.Duration

	mu      sync.RWMutex
	clients map[domain.SocketID]*client
}

func NewController(authn *auth.Authenticator, orchestrator *orch.Orchestrator, rooms *app.RoomManager, adapter *media.Adapter, readLimit int64, pingPeriod time.Duration) *Controller {
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}
	return &Controller{
		Auth:       authn,
		Orch:       orchestrator,
		Rooms:      rooms,
		Media:      adapter,
		ReadLimit:  readLimit,
		PingPeriod: pingPeriod,
		clients:    make(map[domain.SocketID]*client),
	}
}

// client pairs the live connection with its session. The session is only
// touched from the client's read pump; the conn is safe to share.
type client struct {
	conn    *wsConn
	session *core.Session

	cleanup sync.Once
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- frame:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleConnection upgrades the request, authenticates the handshake and
// starts the read/write pumps. An authentication failure emits one error
// frame and force-disconnects.
func (ctl *Controller) HandleConnection(ctx context.Context, c *gin.Context) {
	socketID := domain.SocketID(uuid.NewString())

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &wsConn{conn: ws, send: make(chan []byte, 64)}

	identity, err := ctl.Auth.Authenticate(ctx, auth.BearerToken(c.Request), socketID)
	if err != nil {
		log.Info().Err(err).Str("module", "signal").Str("socket", string(socketID)).Msg("authentication failed")
		ctl.writeDirect(conn, errorFrame(err))
		conn.Close()
		return
	}

	cl := &client{
		conn:    conn,
		session: core.NewSession(socketID, identity),
	}
	ctl.mu.Lock()
	ctl.clients[socketID] = cl
	ctl.mu.Unlock()

	log.Info().Str("module", "signal").Str("socket", string(socketID)).Str("user", string(identity.UserID)).Bool("pro", identity.IsPro).Msg("session authenticated")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, cl)
	go func() {
		defer cancel()
		ctl.readPump(ctx, cl)
	}()
}

func (ctl *Controller) clientBySocket(socketID domain.SocketID) (*client, bool) {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	cl, ok := ctl.clients[socketID]
	return cl, ok
}

// broadcastToRoom sends v to every participant of the channel except the
// excluded user. Best effort: a full send buffer drops the frame for that
// peer only.
func (ctl *Controller) broadcastToRoom(channelID domain.ChannelID, exclude domain.UserID, v any) {
	room, ok := ctl.Rooms.Room(channelID)
	if !ok {
		return
	}
	for _, socketID := range room.SocketIDs(exclude) {
		ctl.sendToSocket(socketID, v)
	}
}

func (ctl *Controller) sendToSocket(socketID domain.SocketID, v any) {
	cl, ok := ctl.clientBySocket(socketID)
	if !ok {
		return
	}
	ctl.sendJSON(cl.conn, v)
}

// disconnect runs the full cleanup sequence exactly once per client,
// regardless of which trigger path got there first.
func (ctl *Controller) disconnect(ctx context.Context, cl *client, reason string) {
	cl.cleanup.Do(func() {
		sess := cl.session
		ctl.leaveRoom(ctx, cl, reason)
		sess.State = core.StateDisconnected

		ctl.mu.Lock()
		delete(ctl.clients, sess.SocketID)
		ctl.mu.Unlock()

		cl.conn.Close()
		log.Info().Str("module", "signal").Str("socket", string(sess.SocketID)).Str("reason", reason).Msg("session disconnected")
	})
}

// leaveRoom is the shared leave sequence: engine objects first, then owned
// sets, then room membership, then peer notifications. Safe to call when
// not in a room and safe to call twice.
func (ctl *Controller) leaveRoom(ctx context.Context, cl *client, reason string) {
	sess := cl.session
	if sess.State != core.StateInRoom || sess.JoinedChannel == "" {
		return
	}
	channelID := sess.JoinedChannel

	ctl.Media.CloseAllForSession(sess.SocketID)
	sess.ClearOwned()

	res := ctl.Orch.LeaveChannel(ctx, sess.Identity.UserID, channelID, reason)
	sess.LeaveRoom()

	if res.Removed {
		ctl.broadcastToRoom(channelID, sess.Identity.UserID, participantLeftEvent{
			Type:      evParticipantLeft,
			ChannelID: channelID,
			UserID:    sess.Identity.UserID,
		})
	}
	ctl.notifyPromoted(channelID, res.Promoted)
}

// notifyPromoted tells users promoted off the waiting queue to retry
// publishing.
func (ctl *Controller) notifyPromoted(channelID domain.ChannelID, promoted []domain.UserID) {
	if len(promoted) == 0 {
		return
	}
	room, ok := ctl.Rooms.Room(channelID)
	if !ok {
		return
	}
	for _, userID := range promoted {
		socketID, ok := room.SocketOf(userID)
		if !ok {
			continue
		}
		ctl.sendToSocket(socketID, videoSlotFreedEvent{
			Type:      evVideoSlotFreed,
			ChannelID: channelID,
		})
	}
}
