package pion

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/veltchat/voicegate/internal/core"
	"github.com/veltchat/voicegate/internal/media"
)

// transportParams is the blob handed to clients. Before Connect it carries
// the ICE servers to dial; after Connect it also carries the answer SDP.
type transportParams struct {
	ID         string             `json:"id"`
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	SDP        string             `json:"sdp,omitempty"`
}

// connectParams is the client's half of the handshake: its SDP offer.
type connectParams struct {
	SDP string `json:"sdp"`
}

type transport struct {
	id     string
	router *router
	pc     *webrtc.PeerConnection

	mu      sync.Mutex
	answer  string
	pending []*producer // producers awaiting their remote track, in produce order
	closed  bool
}

func (t *transport) ID() string { return t.id }

// bindStateHandlers wires peer connection state logging and failure
// propagation to the owning worker.
func (t *transport) bindStateHandlers() {
	t.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "media.pion").Str("transport", t.id).Str("ice_state", s.String()).Msg("ICE state")
	})
	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "media.pion").Str("transport", t.id).Str("peer_state", s.String()).Msg("peer state")
	})
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "media.pion").
			Str("transport", t.id).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track arrived")
		t.attachTrack(track)
	})
}

// attachTrack hands the remote track to the oldest producer of the same
// kind still waiting for its source.
func (t *transport) attachTrack(track *webrtc.TrackRemote) {
	t.mu.Lock()
	var match *producer
	for i, p := range t.pending {
		if kindOf(p.kind) == track.Kind() {
			match = p
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	if match == nil {
		log.Warn().Str("module", "media.pion").Str("transport", t.id).Str("kind", track.Kind().String()).Msg("remote track without pending producer")
		return
	}
	match.attach(track)
}

func (t *transport) Parameters() json.RawMessage {
	t.mu.Lock()
	answer := t.answer
	t.mu.Unlock()
	b, _ := json.Marshal(transportParams{
		ID:         t.id,
		ICEServers: t.router.worker.iceServers,
		SDP:        answer,
	})
	return b
}

// Connect applies the client's offer and produces the local answer,
// retrievable via Parameters afterwards.
func (t *transport) Connect(_ context.Context, params json.RawMessage) error {
	var p connectParams
	if err := json.Unmarshal(params, &p); err != nil {
		return err
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	<-gatherComplete

	t.mu.Lock()
	if local := t.pc.LocalDescription(); local != nil {
		t.answer = local.SDP
	}
	t.mu.Unlock()
	return nil
}

func (t *transport) Produce(_ context.Context, opts media.ProduceOptions) (media.Producer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, core.NewError(core.CodeNotFound, "transport is closed")
	}
	p := newProducer(uuid.NewString(), opts.Kind, t)
	t.pending = append(t.pending, p)
	t.mu.Unlock()

	t.router.registerProducer(p)
	return p, nil
}

func (t *transport) Consume(_ context.Context, opts media.ConsumeOptions) (media.Consumer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, core.NewError(core.CodeNotFound, "transport is closed")
	}
	t.mu.Unlock()

	src, ok := t.router.producerByID(opts.ProducerID)
	if !ok {
		return nil, core.NewError(core.CodeNotFound, "producer not found on router")
	}

	local, err := webrtc.NewTrackLocalStaticRTP(src.codecCapability(), uuid.NewString(), string(src.kind))
	if err != nil {
		return nil, err
	}
	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, err
	}

	c := &consumer{
		id:         uuid.NewString(),
		producerID: src.id,
		out:        newOutTrack(local),
		transport:  t,
		sender:     sender,
	}
	src.fan.add(c.id, c.out)
	c.detach = func() { src.fan.remove(c.id) }
	return c, nil
}

func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.pending = nil
	t.mu.Unlock()
	return t.pc.Close()
}
