package signal

import (
	"context"
	"encoding/json"

	"github.com/veltchat/voicegate/internal/core"
	"github.com/veltchat/voicegate/internal/domain"
	"github.com/veltchat/voicegate/internal/media"
)

func (ctl *Controller) handleRouterCapabilities(cl *client, env envelope) {
	if !ctl.requireInRoom(cl, env) {
		return
	}
	caps, err := ctl.Media.RouterCapabilities(cl.session.JoinedChannel)
	if err != nil {
		ctl.respondErr(cl.conn, env.Type, env.RID, err)
		return
	}
	ctl.respondOK(cl.conn, env.Type, env.RID, json.RawMessage(caps))
}

// handleCreateTransport is the only media request that mints a new owned id
// instead of checking one.
func (ctl *Controller) handleCreateTransport(ctx context.Context, cl *client, env envelope) {
	if !ctl.requireInRoom(cl, env) {
		return
	}
	sess := cl.session
	transport, err := ctl.Media.CreateTransport(ctx, sess.SocketID, sess.JoinedChannel)
	if err != nil {
		ctl.respondErr(cl.conn, env.Type, env.RID, err)
		return
	}
	sess.OwnedTransports[transport.ID()] = struct{}{}
	ctl.respondOK(cl.conn, env.Type, env.RID, json.RawMessage(transport.Parameters()))
}

func (ctl *Controller) handleConnectTransport(ctx context.Context, cl *client, env envelope, data []byte) {
	if !ctl.requireInRoom(cl, env) {
		return
	}
	sess := cl.session
	var p struct {
		TransportID string          `json:"transportId"`
		Params      json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.TransportID == "" {
		ctl.respondErr(cl.conn, env.Type, env.RID, core.NewError(core.CodeInvalidRequest, "transportId is required"))
		return
	}
	if !sess.OwnsTransport(p.TransportID) {
		ctl.respondErr(cl.conn, env.Type, env.RID, core.NewError(core.CodeTransportNotOwned, "transport does not belong to this session"))
		return
	}
	if err := ctl.Media.ConnectTransport(ctx, sess.SocketID, p.TransportID, p.Params); err != nil {
		ctl.respondErr(cl.conn, env.Type, env.RID, err)
		return
	}
	params, err := ctl.Media.TransportParameters(sess.SocketID, p.TransportID)
	if err != nil {
		ctl.respondErr(cl.conn, env.Type, env.RID, err)
		return
	}
	ctl.respondOK(cl.conn, env.Type, env.RID, params)
}

func (ctl *Controller) handleProduce(ctx context.Context, cl *client, env envelope, data []byte) {
	if !ctl.requireInRoom(cl, env) {
		return
	}
	sess := cl.session
	var p struct {
		TransportID   string          `json:"transportId"`
		Kind          string          `json:"kind"`
		Source        string          `json:"source"`
		RTPParameters json.RawMessage `json:"rtpParameters"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.TransportID == "" || p.Kind == "" {
		ctl.respondErr(cl.conn, env.Type, env.RID, core.NewError(core.CodeInvalidRequest, "transportId and kind are required"))
		return
	}
	if !sess.OwnsTransport(p.TransportID) {
		ctl.respondErr(cl.conn, env.Type, env.RID, core.NewError(core.CodeTransportNotOwned, "transport does not belong to this session"))
		return
	}

	kind := domain.MediaKind(p.Kind)
	source := domain.MediaSource(p.Source)
	if source == "" {
		source = domain.SourceMicrophone
		if kind == domain.MediaVideo {
			source = domain.SourceCamera
		}
	}

	// Video publishing is Pro-gated and slot-bounded. The slot is reserved
	// before the engine call and finalized after it, so slot accounting
	// never exceeds the real producer count even under concurrent requests.
	isVideo := kind == domain.MediaVideo
	if isVideo {
		if !sess.Identity.IsPro {
			ctl.respondErr(cl.conn, env.Type, env.RID, core.NewError(core.CodeCapabilityRequired, "video publishing requires a Pro subscription"))
			return
		}
		grant, err := ctl.Rooms.TryAcquireVideoSlot(sess.JoinedChannel, sess.Identity.UserID, source)
		if err != nil {
			ctl.respondErr(cl.conn, env.Type, env.RID, err)
			return
		}
		if !grant.Granted {
			ctl.respondErr(cl.conn, env.Type, env.RID, core.NewError(core.CodeVideoSlotsFull, "all video slots are taken").
				WithDetail("queuePosition", grant.QueuePosition))
			return
		}
	}

	producer, err := ctl.Media.Produce(ctx, sess.SocketID, p.TransportID, media.ProduceOptions{
		Kind:          kind,
		RTPParameters: p.RTPParameters,
	})
	if err != nil {
		if isVideo {
			promoted, ok := ctl.Rooms.ReleasePendingVideoSlot(sess.JoinedChannel, sess.Identity.UserID, source)
			if ok {
				ctl.notifyPromoted(sess.JoinedChannel, []domain.UserID{promoted})
			}
		}
		ctl.respondErr(cl.conn, env.Type, env.RID, err)
		return
	}
	if isVideo {
		ctl.Rooms.FinalizeVideoSlot(sess.JoinedChannel, sess.Identity.UserID, producer.ID(), source)
	}

	sess.OwnedProducers[producer.ID()] = struct{}{}
	info := domain.ProducerInfo{ProducerID: producer.ID(), Kind: kind, Source: source}
	if room, ok := ctl.Rooms.Room(sess.JoinedChannel); ok {
		room.AddProducer(sess.Identity.UserID, info)
	}

	ctl.respondOK(cl.conn, env.Type, env.RID, info)
	ctl.broadcastToRoom(sess.JoinedChannel, sess.Identity.UserID, newProducerEvent{
		Type:      evNewProducer,
		ChannelID: sess.JoinedChannel,
		UserID:    sess.Identity.UserID,
		Producer:  info,
	})
}

func (ctl *Controller) handleConsume(ctx context.Context, cl *client, env envelope, data []byte) {
	if !ctl.requireInRoom(cl, env) {
		return
	}
	sess := cl.session
	var p struct {
		TransportID     string          `json:"transportId"`
		ProducerID      string          `json:"producerId"`
		RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.TransportID == "" || p.ProducerID == "" {
		ctl.respondErr(cl.conn, env.Type, env.RID, core.NewError(core.CodeInvalidRequest, "transportId and producerId are required"))
		return
	}
	if !sess.OwnsTransport(p.TransportID) {
		ctl.respondErr(cl.conn, env.Type, env.RID, core.NewError(core.CodeTransportNotOwned, "transport does not belong to this session"))
		return
	}

	consumer, err := ctl.Media.Consume(ctx, sess.SocketID, p.TransportID, media.ConsumeOptions{
		ProducerID:      p.ProducerID,
		RTPCapabilities: p.RTPCapabilities,
	})
	if err != nil {
		ctl.respondErr(cl.conn, env.Type, env.RID, err)
		return
	}
	sess.OwnedConsumers[consumer.ID()] = struct{}{}
	ctl.respondOK(cl.conn, env.Type, env.RID, map[string]string{
		"consumerId": consumer.ID(),
		"producerId": consumer.ProducerID(),
	})
}

type objectRef struct {
	ProducerID string `json:"producerId,omitempty"`
	ConsumerID string `json:"consumerId,omitempty"`
}

func (ctl *Controller) producerRef(cl *client, env envelope, data []byte) (string, bool) {
	if !ctl.requireInRoom(cl, env) {
		return "", false
	}
	var ref objectRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.ProducerID == "" {
		ctl.respondErr(cl.conn, env.Type, env.RID, core.NewError(core.CodeInvalidRequest, "producerId is required"))
		return "", false
	}
	if !cl.session.OwnsProducer(ref.ProducerID) {
		ctl.respondErr(cl.conn, env.Type, env.RID, core.NewError(core.CodeProducerNotOwned, "producer does not belong to this session"))
		return "", false
	}
	return ref.ProducerID, true
}

func (ctl *Controller) consumerRef(cl *client, env envelope, data []byte) (string, bool) {
	if !ctl.requireInRoom(cl, env) {
		return "", false
	}
	var ref objectRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.ConsumerID == "" {
		ctl.respondErr(cl.conn, env.Type, env.RID, core.NewError(core.CodeInvalidRequest, "consumerId is required"))
		return "", false
	}
	if !cl.session.OwnsConsumer(ref.ConsumerID) {
		ctl.respondErr(cl.conn, env.Type, env.RID, core.NewError(core.CodeConsumerNotOwned, "consumer does not belong to this session"))
		return "", false
	}
	return ref.ConsumerID, true
}

func (ctl *Controller) handlePauseProducer(cl *client, env envelope, data []byte) {
	id, ok := ctl.producerRef(cl, env, data)
	if !ok {
		return
	}
	if err := ctl.Media.PauseProducer(cl.session.SocketID, id); err != nil {
		ctl.respondErr(cl.conn, env.Type, env.RID, err)
		return
	}
	ctl.respondOK(cl.conn, env.Type, env.RID, nil)
}

func (ctl *Controller) handleResumeProducer(cl *client, env envelope, data []byte) {
	id, ok := ctl.producerRef(cl, env, data)
	if !ok {
		return
	}
	if err := ctl.Media.ResumeProducer(cl.session.SocketID, id); err != nil {
		ctl.respondErr(cl.conn, env.Type, env.RID, err)
		return
	}
	ctl.respondOK(cl.conn, env.Type, env.RID, nil)
}

func (ctl *Controller) handlePauseConsumer(cl *client, env envelope, data []byte) {
	id, ok := ctl.consumerRef(cl, env, data)
	if !ok {
		return
	}
	if err := ctl.Media.PauseConsumer(cl.session.SocketID, id); err != nil {
		ctl.respondErr(cl.conn, env.Type, env.RID, err)
		return
	}
	ctl.respondOK(cl.conn, env.Type, env.RID, nil)
}

func (ctl *Controller) handleResumeConsumer(cl *client, env envelope, data []byte) {
	id, ok := ctl.consumerRef(cl, env, data)
	if !ok {
		return
	}
	if err := ctl.Media.ResumeConsumer(cl.session.SocketID, id); err != nil {
		ctl.respondErr(cl.conn, env.Type, env.RID, err)
		return
	}
	ctl.respondOK(cl.conn, env.Type, env.RID, nil)
}

func (ctl *Controller) handleCloseProducer(cl *client, env envelope, data []byte) {
	id, ok := ctl.producerRef(cl, env, data)
	if !ok {
		return
	}
	sess := cl.session

	// Capture the producer's kind before room bookkeeping forgets it.
	wasVideo := false
	if room, roomOK := ctl.Rooms.Room(sess.JoinedChannel); roomOK {
		if participant, pOK := room.Participant(sess.Identity.UserID); pOK {
			if info, iOK := participant.Producers[id]; iOK {
				wasVideo = info.Kind == domain.MediaVideo
			}
		}
		room.RemoveProducer(sess.Identity.UserID, id)
	}

	err := ctl.Media.CloseProducer(sess.SocketID, id)
	delete(sess.OwnedProducers, id)
	if err != nil {
		ctl.respondErr(cl.conn, env.Type, env.RID, err)
		return
	}

	if wasVideo {
		if promoted, promotedOK := ctl.Rooms.ReleaseVideoSlotByProducer(sess.JoinedChannel, sess.Identity.UserID, id); promotedOK {
			ctl.notifyPromoted(sess.JoinedChannel, []domain.UserID{promoted})
		}
	}

	ctl.respondOK(cl.conn, env.Type, env.RID, nil)
	ctl.broadcastToRoom(sess.JoinedChannel, sess.Identity.UserID, producerClosedEvent{
		Type:       evProducerClosed,
		ChannelID:  sess.JoinedChannel,
		UserID:     sess.Identity.UserID,
		ProducerID: id,
	})
}
