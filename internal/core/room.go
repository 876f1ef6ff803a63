package core

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veltchat/voicegate/internal/domain"
)

// Room is a threadsafe in-memory room: the participant set plus the video
// slot queue. It never touches transport or engine resources.
type Room struct {
	channelID    domain.ChannelID
	assignedNode string
	createdAt    time.Time

	mu           sync.RWMutex
	closed       bool
	participants map[domain.UserID]*domain.Participant
	slots        *VideoSlotQueue
}

func NewRoom(channelID domain.ChannelID, assignedNode string, maxSlots int) *Room {
	return &Room{
		channelID:    channelID,
		assignedNode: assignedNode,
		createdAt:    time.Now(),
		participants: make(map[domain.UserID]*domain.Participant),
		slots:        NewVideoSlotQueue(maxSlots),
	}
}

func (r *Room) ChannelID() domain.ChannelID { return r.channelID }
func (r *Room) AssignedNode() string        { return r.assignedNode }
func (r *Room) CreatedAt() time.Time        { return r.createdAt }

func (r *Room) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

func (r *Room) ActivePublisherCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slots.ActiveCount()
}

func (r *Room) MaxVideoSlots() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slots.MaxSlots()
}

// AddParticipant inserts the participant. No two participants may share a
// user id within a room; the gateway enforces single-room-per-connection
// above this layer.
func (r *Room) AddParticipant(p *domain.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return NewError(CodeRoomNotFound, "room is closed")
	}
	if _, ok := r.participants[p.UserID]; ok {
		return NewError(CodeInvalidRequest, "user already in room")
	}
	r.participants[p.UserID] = p
	log.Info().Str("module", "core.room").Str("channel", string(r.channelID)).Str("user", string(p.UserID)).Msg("participant added")
	return nil
}

// RemoveParticipant drops the participant, releases their slots and queue
// entries and reports the users promoted into the freed capacity. Removing
// an absent user is a no-op, not an error.
func (r *Room) RemoveParticipant(userID domain.UserID) (removed bool, promoted []domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[userID]; !ok {
		return false, nil
	}
	delete(r.participants, userID)
	promoted = r.slots.ReleaseUser(userID)
	log.Info().Str("module", "core.room").Str("channel", string(r.channelID)).Str("user", string(userID)).Int("promoted", len(promoted)).Msg("participant removed")
	return true, promoted
}

// CloseIfEmpty marks the room closed when no participants remain. A closed
// room rejects AddParticipant, so a joiner still holding the room pointer
// from before the teardown cannot slip into a room the manager no longer
// tracks. The check and the flag flip share the room lock.
func (r *Room) CloseIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.participants) > 0 {
		return false
	}
	r.closed = true
	return true
}

func (r *Room) Participant(userID domain.UserID) (*domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[userID]
	return p, ok
}

// Snapshot returns copies of every participant except the excluded user.
func (r *Room) Snapshot(exclude domain.UserID) []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		if p.UserID == exclude {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// SocketIDs lists the socket of every participant except the excluded user.
// The gateway uses it for room broadcast.
func (r *Room) SocketIDs(exclude domain.UserID) []domain.SocketID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.SocketID, 0, len(r.participants))
	for _, p := range r.participants {
		if p.UserID == exclude {
			continue
		}
		out = append(out, p.SocketID)
	}
	return out
}

func (r *Room) SocketOf(userID domain.UserID) (domain.SocketID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.participants[userID]; ok {
		return p.SocketID, true
	}
	return "", false
}

func (r *Room) UpdateState(userID domain.UserID, state domain.ParticipantState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[userID]
	if !ok {
		return false
	}
	p.State = state
	return true
}

func (r *Room) AddProducer(userID domain.UserID, info domain.ProducerInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[userID]
	if !ok {
		return false
	}
	p.Producers[info.ProducerID] = info
	return true
}

func (r *Room) RemoveProducer(userID domain.UserID, producerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[userID]
	if !ok {
		return false
	}
	if _, ok := p.Producers[producerID]; !ok {
		return false
	}
	delete(p.Producers, producerID)
	return true
}

// Slot operations delegate to the queue under the room lock.

func (r *Room) TryAcquireVideoSlot(userID domain.UserID, source domain.MediaSource) SlotGrant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots.TryAcquire(userID, source)
}

func (r *Room) FinalizeVideoSlot(userID domain.UserID, producerID string, source domain.MediaSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots.Finalize(userID, producerID, source)
}

func (r *Room) ReleaseVideoSlotByProducer(userID domain.UserID, producerID string) (domain.UserID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots.ReleaseByProducer(userID, producerID)
}

func (r *Room) ReleasePendingVideoSlot(userID domain.UserID, source domain.MediaSource) (domain.UserID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots.ReleasePending(userID, source)
}
