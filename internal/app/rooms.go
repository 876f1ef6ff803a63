// Package app holds the process-level services: the room manager and the
// join/leave policy values derived from entitlements.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veltchat/voicegate/internal/core"
	"github.com/veltchat/voicegate/internal/domain"
)

// RoomManager is the authoritative per-process map of active rooms. Room
// stickiness across processes is coordinated through the KV store: the
// first node to create a room writes channel->node with a TTL, refreshes it
// while the room lives and clears it when the room empties.
type RoomManager struct {
	nodeID        string
	kv            core.KV
	assignmentTTL time.Duration

	mu    sync.RWMutex
	rooms map[domain.ChannelID]*core.Room
}

func NewRoomManager(nodeID string, kv core.KV, assignmentTTL time.Duration) *RoomManager {
	return &RoomManager{
		nodeID:        nodeID,
		kv:            kv,
		assignmentTTL: assignmentTTL,
		rooms:         make(map[domain.ChannelID]*core.Room),
	}
}

func (m *RoomManager) NodeID() string { return m.nodeID }

func assignmentKey(channelID domain.ChannelID) string {
	return fmt.Sprintf("voice:room:%s:node", channelID)
}

// GetOrCreateRoom returns the local room, creating it on first join. When no
// room exists locally, an existing assignment in the store is adopted;
// otherwise this node claims the channel. maxSlots derives from the Pro
// status of the creating participant.
func (m *RoomManager) GetOrCreateRoom(ctx context.Context, channelID domain.ChannelID, isPro bool) (*core.Room, error) {
	m.mu.RLock()
	room, ok := m.rooms[channelID]
	m.mu.RUnlock()
	if ok {
		return room, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok = m.rooms[channelID]; ok {
		return room, nil
	}

	assignedNode := m.nodeID
	existing, err := m.kv.Get(ctx, assignmentKey(channelID))
	switch {
	case err == nil:
		// An assignment already exists. In a single-node deployment it is
		// always ours; a multi-node router would redirect before this point.
		assignedNode = existing
		if existing != m.nodeID {
			log.Warn().Str("module", "app.rooms").Str("channel", string(channelID)).Str("assigned", existing).Str("node", m.nodeID).Msg("adopting room assigned to another node")
		}
	case errors.Is(err, core.ErrNotFound):
		if err := m.kv.Set(ctx, assignmentKey(channelID), m.nodeID, m.assignmentTTL); err != nil {
			return nil, fmt.Errorf("persist room assignment: %w", err)
		}
	default:
		return nil, fmt.Errorf("look up room assignment: %w", err)
	}

	room = core.NewRoom(channelID, assignedNode, domain.MaxVideoSlots(isPro))
	m.rooms[channelID] = room
	log.Info().Str("module", "app.rooms").Str("channel", string(channelID)).Str("node", assignedNode).Int("max_slots", room.MaxVideoSlots()).Msg("room created")
	return room, nil
}

func (m *RoomManager) Room(channelID domain.ChannelID) (*core.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[channelID]
	return room, ok
}

func (m *RoomManager) AddParticipant(channelID domain.ChannelID, p *domain.Participant) error {
	room, ok := m.Room(channelID)
	if !ok {
		return core.NewError(core.CodeRoomNotFound, "room was not created")
	}
	return room.AddParticipant(p)
}

// RemoveParticipant removes the user, releasing their slots and queue
// entries, and deletes the room plus its store assignment when the last
// participant left. Idempotent: removing an absent user is a no-op.
func (m *RoomManager) RemoveParticipant(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) (removed bool, promoted []domain.UserID, roomDeleted bool) {
	room, ok := m.Room(channelID)
	if !ok {
		return false, nil, false
	}
	removed, promoted = room.RemoveParticipant(userID)
	if room.ParticipantCount() > 0 {
		return removed, promoted, false
	}

	m.mu.Lock()
	// Re-check under the write lock; a join may have raced the emptying.
	// CloseIfEmpty flips the room's closed flag atomically with the
	// emptiness check, so a joiner either lands before it (room survives)
	// or gets rejected by the closed room afterwards.
	if current, ok := m.rooms[channelID]; ok && current == room && room.CloseIfEmpty() {
		delete(m.rooms, channelID)
		roomDeleted = true
	}
	m.mu.Unlock()

	if roomDeleted {
		if err := m.kv.Del(ctx, assignmentKey(channelID)); err != nil {
			log.Error().Err(err).Str("module", "app.rooms").Str("channel", string(channelID)).Msg("clear room assignment")
		}
		log.Info().Str("module", "app.rooms").Str("channel", string(channelID)).Msg("room deleted")
	}
	return removed, promoted, roomDeleted
}

func (m *RoomManager) TryAcquireVideoSlot(channelID domain.ChannelID, userID domain.UserID, source domain.MediaSource) (core.SlotGrant, error) {
	room, ok := m.Room(channelID)
	if !ok {
		return core.SlotGrant{}, core.NewError(core.CodeRoomNotFound, "room was not created")
	}
	return room.TryAcquireVideoSlot(userID, source), nil
}

func (m *RoomManager) FinalizeVideoSlot(channelID domain.ChannelID, userID domain.UserID, producerID string, source domain.MediaSource) {
	if room, ok := m.Room(channelID); ok {
		room.FinalizeVideoSlot(userID, producerID, source)
	}
}

func (m *RoomManager) ReleaseVideoSlotByProducer(channelID domain.ChannelID, userID domain.UserID, producerID string) (domain.UserID, bool) {
	room, ok := m.Room(channelID)
	if !ok {
		return "", false
	}
	return room.ReleaseVideoSlotByProducer(userID, producerID)
}

func (m *RoomManager) ReleasePendingVideoSlot(channelID domain.ChannelID, userID domain.UserID, source domain.MediaSource) (domain.UserID, bool) {
	room, ok := m.Room(channelID)
	if !ok {
		return "", false
	}
	return room.ReleasePendingVideoSlot(userID, source)
}

// RoomInfo is the read-only listing view served over HTTP.
type RoomInfo struct {
	ChannelID        domain.ChannelID `json:"channelId"`
	ParticipantCount int              `json:"participantCount"`
	ActivePublishers int              `json:"activePublishers"`
	MaxVideoSlots    int              `json:"maxVideoSlots"`
}

func (m *RoomManager) List() []RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RoomInfo, 0, len(m.rooms))
	for channelID, room := range m.rooms {
		out = append(out, RoomInfo{
			ChannelID:        channelID,
			ParticipantCount: room.ParticipantCount(),
			ActivePublishers: room.ActivePublisherCount(),
			MaxVideoSlots:    room.MaxVideoSlots(),
		})
	}
	return out
}

// StartAssignmentRefresher periodically re-writes the assignment key of
// every active room so the TTL never lapses while the room lives. A node
// dying without cleanup simply lets its keys expire.
func (m *RoomManager) StartAssignmentRefresher(ctx context.Context) {
	interval := m.assignmentTTL / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refreshAssignments(ctx)
			}
		}
	}()
}

func (m *RoomManager) refreshAssignments(ctx context.Context) {
	m.mu.RLock()
	channels := make([]domain.ChannelID, 0, len(m.rooms))
	for channelID, room := range m.rooms {
		if room.AssignedNode() == m.nodeID {
			channels = append(channels, channelID)
		}
	}
	m.mu.RUnlock()

	for _, channelID := range channels {
		if err := m.kv.Set(ctx, assignmentKey(channelID), m.nodeID, m.assignmentTTL); err != nil {
			log.Error().Err(err).Str("module", "app.rooms").Str("channel", string(channelID)).Msg("refresh room assignment")
		}
	}
}
