package core

import (
	"time"

	"github.com/veltchat/voicegate/internal/domain"
)

// SessionState is the per-connection lifecycle.
type SessionState int

const (
	StateConnected SessionState = iota
	StateAuthenticated
	StateInRoom
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateInRoom:
		return "in_room"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Session is the gateway's per-connection record: who the connection is and
// which engine objects it created. A mutating request referencing a
// transport/producer/consumer id is valid only if that id is in this
// session's owned sets. Only the connection's own read pump touches a
// Session, so no lock is carried.
type Session struct {
	SocketID domain.SocketID
	Identity domain.Identity
	State    SessionState

	JoinedChannel domain.ChannelID
	JoinedAt      time.Time

	OwnedTransports map[string]struct{}
	OwnedProducers  map[string]struct{}
	OwnedConsumers  map[string]struct{}

	LastStateUpdateAt time.Time
}

func NewSession(socketID domain.SocketID, identity domain.Identity) *Session {
	return &Session{
		SocketID:        socketID,
		Identity:        identity,
		State:           StateAuthenticated,
		OwnedTransports: make(map[string]struct{}),
		OwnedProducers:  make(map[string]struct{}),
		OwnedConsumers:  make(map[string]struct{}),
	}
}

func (s *Session) OwnsTransport(id string) bool {
	_, ok := s.OwnedTransports[id]
	return ok
}

func (s *Session) OwnsProducer(id string) bool {
	_, ok := s.OwnedProducers[id]
	return ok
}

func (s *Session) OwnsConsumer(id string) bool {
	_, ok := s.OwnedConsumers[id]
	return ok
}

// ClearOwned empties every owned set; called once engine cleanup finished.
func (s *Session) ClearOwned() {
	clear(s.OwnedTransports)
	clear(s.OwnedProducers)
	clear(s.OwnedConsumers)
}

// EnterRoom records the joined channel and flips the state machine.
func (s *Session) EnterRoom(channelID domain.ChannelID) {
	s.JoinedChannel = channelID
	s.JoinedAt = time.Now()
	s.State = StateInRoom
}

// LeaveRoom returns the session to the authenticated-no-room state.
func (s *Session) LeaveRoom() {
	s.JoinedChannel = ""
	s.JoinedAt = time.Time{}
	if s.State == StateInRoom {
		s.State = StateAuthenticated
	}
}
