package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veltchat/voicegate/internal/core"
	"github.com/veltchat/voicegate/internal/domain"
)

func (ctl *Controller) handleJoin(ctx context.Context, cl *client, env envelope, data []byte) {
	sess := cl.session
	if sess.State != core.StateAuthenticated && sess.State != core.StateInRoom {
		ctl.respondErr(cl.conn, env.Type, env.RID, core.NewError(core.CodeInvalidRequest, "connection not ready"))
		return
	}

	var p struct {
		ChannelID string `json:"channelId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.ChannelID == "" {
		ctl.respondErr(cl.conn, env.Type, env.RID, core.NewError(core.CodeInvalidRequest, "channelId is required"))
		return
	}
	channelID := domain.ChannelID(p.ChannelID)

	// Single-room rule: joining while in another channel first runs the
	// full leave sequence for the old one.
	if sess.State == core.StateInRoom && sess.JoinedChannel != channelID {
		ctl.leaveRoom(ctx, cl, "switched channel")
	}

	payload, err := ctl.Orch.JoinChannel(ctx, sess.Identity, channelID, sess.SocketID)
	if err != nil {
		ctl.respondErr(cl.conn, env.Type, env.RID, err)
		return
	}
	sess.EnterRoom(channelID)

	// Peers hear about the join before the joiner's own response goes out.
	if room, ok := ctl.Rooms.Room(channelID); ok {
		if joined, ok := room.Participant(sess.Identity.UserID); ok {
			ctl.broadcastToRoom(channelID, sess.Identity.UserID, participantJoinedEvent{
				Type:        evParticipantJoined,
				ChannelID:   channelID,
				Participant: *joined,
			})
		}
	}
	ctl.respondOK(cl.conn, env.Type, env.RID, payload)
}

func (ctl *Controller) handleLeave(ctx context.Context, cl *client, env envelope) {
	// Leaving while not in a room still answers ok; leave is idempotent.
	ctl.leaveRoom(ctx, cl, "client left")
	ctl.respondOK(cl.conn, env.Type, env.RID, nil)
}

func (ctl *Controller) handleUpdateState(cl *client, env envelope, data []byte) {
	if !ctl.requireInRoom(cl, env) {
		return
	}
	sess := cl.session

	var p struct {
		State domain.ParticipantState `json:"state"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.respondErr(cl.conn, env.Type, env.RID, core.NewError(core.CodeInvalidRequest, "bad state payload"))
		return
	}

	room, ok := ctl.Rooms.Room(sess.JoinedChannel)
	if !ok {
		ctl.respondErr(cl.conn, env.Type, env.RID, core.NewError(core.CodeRoomNotFound, "room is gone"))
		return
	}

	// Speaking flips faster than the throttle window are dropped whole,
	// including any other fields bundled in the same payload. The window
	// arms only on accepted speaking flips; mute or video toggles pass
	// through without advancing it.
	now := time.Now()
	if current, ok := room.Participant(sess.Identity.UserID); ok {
		if current.State.Speaking != p.State.Speaking {
			if now.Sub(sess.LastStateUpdateAt) < speakingThrottle {
				log.Debug().Str("module", "signal").Str("user", string(sess.Identity.UserID)).Msg("state update throttled")
				return
			}
			sess.LastStateUpdateAt = now
		}
	}

	if !room.UpdateState(sess.Identity.UserID, p.State) {
		ctl.respondErr(cl.conn, env.Type, env.RID, core.NewError(core.CodeNotInChannel, "participant is gone"))
		return
	}
	ctl.respondOK(cl.conn, env.Type, env.RID, nil)
	ctl.broadcastToRoom(sess.JoinedChannel, sess.Identity.UserID, participantStateChangedEvent{
		Type:      evParticipantStateChanged,
		ChannelID: sess.JoinedChannel,
		UserID:    sess.Identity.UserID,
		State:     p.State,
	})
}
