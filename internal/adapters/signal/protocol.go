package signal

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/veltchat/voicegate/internal/core"
	"github.com/veltchat/voicegate/internal/domain"
)

// Server-pushed event types.
const (
	evParticipantJoined       = "participantJoined"
	evParticipantLeft         = "participantLeft"
	evParticipantStateChanged = "participantStateChanged"
	evNewProducer             = "newProducer"
	evProducerClosed          = "producerClosed"
	evVideoSlotFreed          = "videoSlotFreed"
)

// envelope is the part of every request the dispatcher needs. rid echoes
// back on the response so clients can match request/response pairs.
type envelope struct {
	Type string `json:"type"`
	RID  int64  `json:"rid,omitempty"`
}

type okFrame struct {
	Type string `json:"type"`
	RID  int64  `json:"rid,omitempty"`
	Data any    `json:"data,omitempty"`
}

type errFrame struct {
	Type  string      `json:"type"`
	RID   int64       `json:"rid,omitempty"`
	Error *core.Error `json:"error"`
}

type participantJoinedEvent struct {
	Type        string             `json:"type"`
	ChannelID   domain.ChannelID   `json:"channelId"`
	Participant domain.Participant `json:"participant"`
}

type participantLeftEvent struct {
	Type      string           `json:"type"`
	ChannelID domain.ChannelID `json:"channelId"`
	UserID    domain.UserID    `json:"userId"`
}

type participantStateChangedEvent struct {
	Type      string                  `json:"type"`
	ChannelID domain.ChannelID        `json:"channelId"`
	UserID    domain.UserID           `json:"userId"`
	State     domain.ParticipantState `json:"state"`
}

type newProducerEvent struct {
	Type      string              `json:"type"`
	ChannelID domain.ChannelID    `json:"channelId"`
	UserID    domain.UserID       `json:"userId"`
	Producer  domain.ProducerInfo `json:"producer"`
}

type producerClosedEvent struct {
	Type       string           `json:"type"`
	ChannelID  domain.ChannelID `json:"channelId"`
	UserID     domain.UserID    `json:"userId"`
	ProducerID string           `json:"producerId"`
}

type videoSlotFreedEvent struct {
	Type      string           `json:"type"`
	ChannelID domain.ChannelID `json:"channelId"`
}

// asError coerces any failure into the typed wire error clients expect.
func asError(err error) *core.Error {
	if typed, ok := err.(*core.Error); ok {
		return typed
	}
	return core.NewError(core.CodeInvalidRequest, err.Error())
}

func errorFrame(err error) []byte {
	b, _ := json.Marshal(errFrame{Type: "error", Error: asError(err)})
	return b
}

func (ctl *Controller) sendJSON(conn *wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("marshal frame")
		return
	}
	if err := conn.TrySend(b); err != nil {
		log.Debug().Err(err).Str("module", "signal").Msg("frame dropped")
	}
}

// writeDirect bypasses the send channel; used before the pumps start.
func (ctl *Controller) writeDirect(conn *wsConn, frame []byte) {
	_ = conn.conn.WriteMessage(websocket.TextMessage, frame)
}

func (ctl *Controller) respondOK(conn *wsConn, reqType string, rid int64, data any) {
	ctl.sendJSON(conn, okFrame{Type: reqType + ":ok", RID: rid, Data: data})
}

func (ctl *Controller) respondErr(conn *wsConn, reqType string, rid int64, err error) {
	ctl.sendJSON(conn, errFrame{Type: reqType + ":error", RID: rid, Error: asError(err)})
}
