// Package orch drives the join/leave side effects: permission and capacity
// checks, router allocation, participant bookkeeping and the client-facing
// join payload.
package orch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veltchat/voicegate/internal/app"
	"github.com/veltchat/voicegate/internal/core"
	"github.com/veltchat/voicegate/internal/domain"
	"github.com/veltchat/voicegate/internal/media"
)

// ChannelPermissions is what the joining client may do in the room.
type ChannelPermissions struct {
	Audio       bool `json:"audio"`
	Video       bool `json:"video"`
	Screenshare bool `json:"screenshare"`
	MaxBitrate  int  `json:"maxBitrate"`
}

const (
	maxBitrateFree = 32000
	maxBitratePro  = 64000
)

func permissionsFor(isPro bool) ChannelPermissions {
	bitrate := maxBitrateFree
	if isPro {
		bitrate = maxBitratePro
	}
	return ChannelPermissions{
		Audio:       true,
		Video:       isPro,
		Screenshare: isPro,
		MaxBitrate:  bitrate,
	}
}

// JoinedPayload is the join response: everything the client needs to start
// negotiating transports.
type JoinedPayload struct {
	ChannelID          domain.ChannelID     `json:"channelId"`
	RouterCapabilities json.RawMessage      `json:"routerCapabilities"`
	Permissions        ChannelPermissions   `json:"permissions"`
	Turn               TurnCredentials      `json:"turn"`
	Participants       []domain.Participant `json:"participants"`
}

type Orchestrator struct {
	Rooms       *app.RoomManager
	Media       *media.Adapter
	Permissions core.PermissionValidator
	Turn        TurnConfig
}

// JoinChannel validates access and capacity, allocates the room's router,
// registers the participant and assembles the join payload.
func (o *Orchestrator) JoinChannel(ctx context.Context, identity domain.Identity, channelID domain.ChannelID, socketID domain.SocketID) (*JoinedPayload, error) {
	decision, err := o.Permissions.ValidateVoiceAccess(ctx, identity.UserID, channelID)
	if err != nil {
		return nil, core.NewError(core.CodeForbidden, "permission check failed")
	}
	if !decision.Allowed {
		return nil, core.NewError(core.CodeForbidden, decision.Reason)
	}

	room, err := o.Rooms.GetOrCreateRoom(ctx, channelID, identity.IsPro)
	if err != nil {
		return nil, err
	}
	if room.ParticipantCount() >= domain.MaxParticipants(identity.IsPro) {
		return nil, core.NewError(core.CodeChannelFull, "channel is at capacity").
			WithDetail("maxParticipants", domain.MaxParticipants(identity.IsPro))
	}

	router, err := o.Media.EnsureRouter(ctx, channelID)
	if err != nil {
		return nil, err
	}

	participant := domain.NewParticipant(identity, socketID, domain.ParticipantState{})
	if err := o.Rooms.AddParticipant(channelID, participant); err != nil {
		return nil, err
	}

	log.Info().Str("module", "orch").Str("channel", string(channelID)).Str("user", string(identity.UserID)).Bool("pro", identity.IsPro).Msg("joined channel")

	return &JoinedPayload{
		ChannelID:          channelID,
		RouterCapabilities: router.Capabilities(),
		Permissions:        permissionsFor(identity.IsPro),
		Turn:               o.Turn.MintTurnCredentials(string(identity.UserID), time.Now()),
		Participants:       room.Snapshot(identity.UserID),
	}, nil
}

// LeaveResult reports what the leave changed so the gateway can notify.
type LeaveResult struct {
	Removed     bool
	Promoted    []domain.UserID
	RoomDeleted bool
}

// LeaveChannel removes the participant and tears down the router when the
// room emptied. Always succeeds; leaving twice is a no-op.
func (o *Orchestrator) LeaveChannel(ctx context.Context, userID domain.UserID, channelID domain.ChannelID, reason string) LeaveResult {
	removed, promoted, roomDeleted := o.Rooms.RemoveParticipant(ctx, channelID, userID)
	if roomDeleted {
		o.Media.CloseRouter(channelID)
	}
	log.Info().
		Str("module", "orch").
		Str("channel", string(channelID)).
		Str("user", string(userID)).
		Str("reason", reason).
		Bool("removed", removed).
		Bool("room_deleted", roomDeleted).
		Msg("left channel")
	return LeaveResult{Removed: removed, Promoted: promoted, RoomDeleted: roomDeleted}
}
