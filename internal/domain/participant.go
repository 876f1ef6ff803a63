package domain

import "time"

// MediaKind mirrors the two stream kinds the engine forwards.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// MediaSource distinguishes camera video from screenshare on the slot queue.
type MediaSource string

const (
	SourceMicrophone  MediaSource = "microphone"
	SourceCamera      MediaSource = "camera"
	SourceScreenshare MediaSource = "screenshare"
)

// ParticipantState is the client-reported AV state, fanned out to the room
// on every accepted state:update.
type ParticipantState struct {
	Muted              bool `json:"muted"`
	Deafened           bool `json:"deafened"`
	Speaking           bool `json:"speaking"`
	VideoEnabled       bool `json:"videoEnabled"`
	ScreenshareEnabled bool `json:"screenshareEnabled"`
}

// ProducerInfo is the room-visible view of one published stream.
type ProducerInfo struct {
	ProducerID string      `json:"producerId"`
	Kind       MediaKind   `json:"kind"`
	Source     MediaSource `json:"source"`
}

// Participant is a user's membership meta inside one room.
// No transport or lifecycle logic here.
type Participant struct {
	UserID    UserID                  `json:"userId"`
	DeviceID  DeviceID                `json:"deviceId"`
	SocketID  SocketID                `json:"-"`
	IsPro     bool                    `json:"isPro"`
	State     ParticipantState        `json:"state"`
	Producers map[string]ProducerInfo `json:"producers"`
	JoinedAt  time.Time               `json:"joinedAt"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(id Identity, socket SocketID, state ParticipantState) *Participant {
	return &Participant{
		UserID:    id.UserID,
		DeviceID:  id.DeviceID,
		SocketID:  socket,
		IsPro:     id.IsPro,
		State:     state,
		Producers: make(map[string]ProducerInfo),
		JoinedAt:  time.Now(),
	}
}
