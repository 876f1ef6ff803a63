package signal_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/veltchat/voicegate/internal/adapters/http"
	"github.com/veltchat/voicegate/internal/adapters/signal"
	"github.com/veltchat/voicegate/internal/app"
	"github.com/veltchat/voicegate/internal/app/orch"
	"github.com/veltchat/voicegate/internal/auth"
	"github.com/veltchat/voicegate/internal/config"
	"github.com/veltchat/voicegate/internal/core"
	"github.com/veltchat/voicegate/internal/media"
	"github.com/veltchat/voicegate/internal/media/pion"
	"github.com/veltchat/voicegate/internal/store"
)

const testSecret = "gateway-test-secret"

type gateway struct {
	srv *httptest.Server
}

func newGateway(t *testing.T, proUsers ...string) *gateway {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	adapter, err := media.NewAdapter(ctx, pion.NewEngine(nil), 1)
	require.NoError(t, err)
	t.Cleanup(adapter.Close)

	rooms := app.NewRoomManager("node-test", store.NewMemory(), time.Minute)
	orchestrator := &orch.Orchestrator{
		Rooms:       rooms,
		Media:       adapter,
		Permissions: app.OpenAccessValidator{},
		Turn:        orch.TurnConfig{Secret: "turn-secret", URLs: []string{"turn:localhost:3478"}},
	}
	authn := auth.NewAuthenticator(testSecret, app.NewStaticEntitlements(proUsers))
	ctl := signal.NewController(authn, orchestrator, rooms, adapter, 32768, 54*time.Second)

	router := httpadapter.SetupRouter(ctx, &config.Config{Mode: "release"}, ctl, rooms)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &gateway{srv: srv}
}

func (g *gateway) wsURL(token string) string {
	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/api/ws/voice"
	if token != "" {
		url += "?token=" + token
	}
	return url
}

func mintToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// frame is the generic decode of anything the server pushes or answers.
type frame struct {
	Type  string          `json:"type"`
	RID   int64           `json:"rid"`
	Data  json.RawMessage `json:"data"`
	Error *core.Error     `json:"error"`

	// Event fields, populated when Type is a push event.
	ChannelID  string          `json:"channelId"`
	UserID     string          `json:"userId"`
	ProducerID string          `json:"producerId"`
	Producer   json.RawMessage `json:"producer"`
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn

	rid     int64
	pending []frame
}

func dial(t *testing.T, g *gateway, userID string) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(g.wsURL(mintToken(t, userID)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) readFrame(deadline time.Duration) (frame, error) {
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(deadline)))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return frame{}, err
	}
	var f frame
	require.NoError(c.t, json.Unmarshal(data, &f))
	return f, nil
}

// request sends one request and reads until its response arrives, buffering
// any events that interleave.
func (c *wsClient) request(body map[string]any) frame {
	c.t.Helper()
	c.rid++
	body["rid"] = c.rid
	require.NoError(c.t, c.conn.WriteJSON(body))

	for {
		f, err := c.readFrame(2 * time.Second)
		require.NoError(c.t, err, "waiting for response to %v", body["type"])
		if f.RID == c.rid {
			return f
		}
		c.pending = append(c.pending, f)
	}
}

// awaitEvent returns the next push event of the given type, checking frames
// buffered during request/response exchanges first.
func (c *wsClient) awaitEvent(eventType string) frame {
	c.t.Helper()
	for i, f := range c.pending {
		if f.Type == eventType {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return f
		}
	}
	for {
		f, err := c.readFrame(2 * time.Second)
		require.NoError(c.t, err, "waiting for %s event", eventType)
		if f.Type == eventType {
			return f
		}
		c.pending = append(c.pending, f)
	}
}

func (c *wsClient) join(channel string) frame {
	c.t.Helper()
	f := c.request(map[string]any{"type": "join", "channelId": channel})
	require.Equal(c.t, "join:ok", f.Type)
	return f
}

func requireErrCode(t *testing.T, f frame, code core.Code) {
	t.Helper()
	require.NotNil(t, f.Error, "expected an error frame, got %s", f.Type)
	assert.Equal(t, code, f.Error.Code)
}

func TestConnectWithoutTokenIsRejected(t *testing.T) {
	g := newGateway(t)

	conn, _, err := websocket.DefaultDialer.Dial(g.wsURL(""), nil)
	require.NoError(t, err, "upgrade succeeds; rejection arrives as a frame")
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	requireErrCode(t, f, core.CodeUnauthenticated)

	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "server closes the connection after the error frame")
}

func TestRequestsBeforeJoinAreGated(t *testing.T) {
	g := newGateway(t)
	c := dial(t, g, "u1")

	f := c.request(map[string]any{"type": "createTransport"})
	requireErrCode(t, f, core.CodeNotInChannel)

	f = c.request(map[string]any{"type": "updateState", "state": map[string]any{"muted": true}})
	requireErrCode(t, f, core.CodeNotInChannel)
}

func TestUnknownRequestType(t *testing.T) {
	g := newGateway(t)
	c := dial(t, g, "u1")

	f := c.request(map[string]any{"type": "teleport"})
	requireErrCode(t, f, core.CodeInvalidRequest)
}

func TestJoinNotifiesPeers(t *testing.T) {
	g := newGateway(t)
	a := dial(t, g, "alice")
	b := dial(t, g, "bob")

	joinA := a.join("ch1")
	var payloadA struct {
		Participants []json.RawMessage `json:"participants"`
	}
	require.NoError(t, json.Unmarshal(joinA.Data, &payloadA))
	assert.Empty(t, payloadA.Participants, "first joiner sees an empty room")

	joinB := b.join("ch1")
	var payloadB struct {
		Participants []struct {
			UserID string `json:"userId"`
		} `json:"participants"`
	}
	require.NoError(t, json.Unmarshal(joinB.Data, &payloadB))
	require.Len(t, payloadB.Participants, 1)
	assert.Equal(t, "alice", payloadB.Participants[0].UserID)

	ev := a.awaitEvent("participantJoined")
	assert.Equal(t, "ch1", ev.ChannelID)
}

func TestLeaveIsIdempotentAndNotifies(t *testing.T) {
	g := newGateway(t)
	a := dial(t, g, "alice")
	b := dial(t, g, "bob")

	a.join("ch1")
	b.join("ch1")
	a.awaitEvent("participantJoined")

	f := b.request(map[string]any{"type": "leave"})
	assert.Equal(t, "leave:ok", f.Type)

	ev := a.awaitEvent("participantLeft")
	assert.Equal(t, "bob", ev.UserID)

	f = b.request(map[string]any{"type": "leave"})
	assert.Equal(t, "leave:ok", f.Type, "leaving twice still answers ok")
}

func TestDisconnectNotifiesPeers(t *testing.T) {
	g := newGateway(t)
	a := dial(t, g, "alice")
	b := dial(t, g, "bob")

	a.join("ch1")
	b.join("ch1")
	a.awaitEvent("participantJoined")

	require.NoError(t, b.conn.Close())

	ev := a.awaitEvent("participantLeft")
	assert.Equal(t, "bob", ev.UserID)
}

func TestTransportOwnershipIsEnforced(t *testing.T) {
	g := newGateway(t)
	a := dial(t, g, "alice")
	b := dial(t, g, "bob")

	a.join("ch1")
	b.join("ch1")

	created := a.request(map[string]any{"type": "createTransport"})
	require.Equal(t, "createTransport:ok", created.Type)
	var params struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(created.Data, &params))
	require.NotEmpty(t, params.ID)

	f := b.request(map[string]any{"type": "connectTransport", "transportId": params.ID, "params": map[string]any{}})
	requireErrCode(t, f, core.CodeTransportNotOwned)

	f = b.request(map[string]any{"type": "produce", "transportId": params.ID, "kind": "audio"})
	requireErrCode(t, f, core.CodeTransportNotOwned)
}

func TestProducerAndConsumerOwnership(t *testing.T) {
	g := newGateway(t)
	c := dial(t, g, "alice")
	c.join("ch1")

	f := c.request(map[string]any{"type": "pauseProducer", "producerId": "someone-elses"})
	requireErrCode(t, f, core.CodeProducerNotOwned)

	f = c.request(map[string]any{"type": "resumeConsumer", "consumerId": "someone-elses"})
	requireErrCode(t, f, core.CodeConsumerNotOwned)
}

func TestAudioProduceLifecycle(t *testing.T) {
	g := newGateway(t)
	a := dial(t, g, "alice")
	b := dial(t, g, "bob")

	a.join("ch1")
	b.join("ch1")
	a.awaitEvent("participantJoined")

	created := a.request(map[string]any{"type": "createTransport"})
	require.Equal(t, "createTransport:ok", created.Type)
	var params struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(created.Data, &params))

	produced := a.request(map[string]any{"type": "produce", "transportId": params.ID, "kind": "audio"})
	require.Equal(t, "produce:ok", produced.Type)
	var info struct {
		ProducerID string `json:"producerId"`
		Kind       string `json:"kind"`
		Source     string `json:"source"`
	}
	require.NoError(t, json.Unmarshal(produced.Data, &info))
	require.NotEmpty(t, info.ProducerID)
	assert.Equal(t, "audio", info.Kind)
	assert.Equal(t, "microphone", info.Source, "audio defaults to the microphone source")

	ev := b.awaitEvent("newProducer")
	assert.Equal(t, "alice", ev.UserID)

	paused := a.request(map[string]any{"type": "pauseProducer", "producerId": info.ProducerID})
	assert.Equal(t, "pauseProducer:ok", paused.Type)
	resumed := a.request(map[string]any{"type": "resumeProducer", "producerId": info.ProducerID})
	assert.Equal(t, "resumeProducer:ok", resumed.Type)

	closed := a.request(map[string]any{"type": "closeProducer", "producerId": info.ProducerID})
	assert.Equal(t, "closeProducer:ok", closed.Type)

	closedEv := b.awaitEvent("producerClosed")
	assert.Equal(t, info.ProducerID, closedEv.ProducerID)
}

func TestVideoProduceRequiresPro(t *testing.T) {
	g := newGateway(t, "prouser")
	free := dial(t, g, "freeuser")
	free.join("ch1")

	created := free.request(map[string]any{"type": "createTransport"})
	require.Equal(t, "createTransport:ok", created.Type)
	var params struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(created.Data, &params))

	f := free.request(map[string]any{"type": "produce", "transportId": params.ID, "kind": "video"})
	requireErrCode(t, f, core.CodeCapabilityRequired)
}

func TestVideoProduceGrantsSlotForPro(t *testing.T) {
	g := newGateway(t, "prouser")
	pro := dial(t, g, "prouser")
	pro.join("ch1")

	created := pro.request(map[string]any{"type": "createTransport"})
	require.Equal(t, "createTransport:ok", created.Type)
	var params struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(created.Data, &params))

	produced := pro.request(map[string]any{"type": "produce", "transportId": params.ID, "kind": "video"})
	require.Equal(t, "produce:ok", produced.Type)
	var info struct {
		Source string `json:"source"`
	}
	require.NoError(t, json.Unmarshal(produced.Data, &info))
	assert.Equal(t, "camera", info.Source, "video defaults to the camera source")
}

func TestConsumeMissingProducerIsNotFound(t *testing.T) {
	g := newGateway(t)
	c := dial(t, g, "alice")
	c.join("ch1")

	created := c.request(map[string]any{"type": "createTransport"})
	require.Equal(t, "createTransport:ok", created.Type)
	var params struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(created.Data, &params))

	f := c.request(map[string]any{"type": "consume", "transportId": params.ID, "producerId": "no-such-producer"})
	requireErrCode(t, f, core.CodeNotFound)
}

func TestControllerDefaultsPingPeriod(t *testing.T) {
	ctl := signal.NewController(nil, nil, nil, nil, 0, 0)
	assert.Positive(t, ctl.PingPeriod)
}

func TestMuteUpdateDoesNotArmSpeakingThrottle(t *testing.T) {
	g := newGateway(t)
	a := dial(t, g, "alice")
	a.join("ch1")

	f := a.request(map[string]any{"type": "updateState", "state": map[string]any{"muted": true}})
	require.Equal(t, "updateState:ok", f.Type)

	// A speaking flip right after a mute-only update must not be dropped;
	// only prior speaking flips arm the window.
	f = a.request(map[string]any{"type": "updateState", "state": map[string]any{"muted": true, "speaking": true}})
	require.Equal(t, "updateState:ok", f.Type)
}

func TestUpdateStateBroadcastsAndThrottlesSpeaking(t *testing.T) {
	g := newGateway(t)
	a := dial(t, g, "alice")
	b := dial(t, g, "bob")

	a.join("ch1")
	b.join("ch1")
	a.awaitEvent("participantJoined")

	f := a.request(map[string]any{"type": "updateState", "state": map[string]any{"speaking": true}})
	require.Equal(t, "updateState:ok", f.Type)

	ev := b.awaitEvent("participantStateChanged")
	assert.Equal(t, "alice", ev.UserID)

	// An immediate second speaking flip falls inside the throttle window and
	// is dropped without a response.
	a.rid++
	require.NoError(t, a.conn.WriteJSON(map[string]any{
		"type":  "updateState",
		"rid":   a.rid,
		"state": map[string]any{"speaking": false},
	}))
	_, err := a.readFrame(200 * time.Millisecond)
	assert.Error(t, err, "throttled update produces no frame")
}

func TestSwitchingChannelsLeavesTheOldRoom(t *testing.T) {
	g := newGateway(t)
	a := dial(t, g, "alice")
	b := dial(t, g, "bob")

	a.join("ch1")
	b.join("ch1")
	a.awaitEvent("participantJoined")

	b.join("ch2")

	ev := a.awaitEvent("participantLeft")
	assert.Equal(t, "bob", ev.UserID)
	assert.Equal(t, "ch1", ev.ChannelID)
}
