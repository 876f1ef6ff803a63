package pion

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/veltchat/voicegate/internal/domain"
)

const (
	outStateActive int32 = iota
	outStatePaused
	outStateDelete
)

// outTrack is one outgoing leg of a producer's fan-out.
type outTrack struct {
	track *webrtc.TrackLocalStaticRTP
	state int32 // accessed atomically
}

func newOutTrack(track *webrtc.TrackLocalStaticRTP) *outTrack {
	return &outTrack{track: track}
}

func (ot *outTrack) markDelete() { atomic.StoreInt32(&ot.state, outStateDelete) }
func (ot *outTrack) setPaused(paused bool) {
	if paused {
		atomic.CompareAndSwapInt32(&ot.state, outStateActive, outStatePaused)
	} else {
		atomic.CompareAndSwapInt32(&ot.state, outStatePaused, outStateActive)
	}
}

// fanout forwards RTP from one source track to every subscribed out track.
type fanout struct {
	mu   sync.RWMutex
	outs map[string]*outTrack
}

func newFanout() *fanout {
	return &fanout{outs: make(map[string]*outTrack)}
}

func (f *fanout) add(consumerID string, ot *outTrack) {
	f.mu.Lock()
	f.outs[consumerID] = ot
	f.mu.Unlock()
}

func (f *fanout) remove(consumerID string) {
	f.mu.Lock()
	if ot, ok := f.outs[consumerID]; ok {
		ot.markDelete()
		delete(f.outs, consumerID)
	}
	f.mu.Unlock()
}

func (f *fanout) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	f.mu.RLock()
	dirty := false
	for consumerID, ot := range f.outs {
		switch atomic.LoadInt32(&ot.state) {
		case outStateDelete:
			dirty = true
			continue
		case outStatePaused:
			continue
		}
		if err := ot.track.WriteRTP(pkt); err != nil {
			logger.Error().Err(err).Str("consumer", consumerID).Msg("write RTP, marking out track for delete")
			ot.markDelete()
			dirty = true
		}
	}
	f.mu.RUnlock()

	// Cleanup is done outside the read lock.
	if dirty {
		f.cleanupDeleted()
	}
}

func (f *fanout) cleanupDeleted() {
	f.mu.Lock()
	for consumerID, ot := range f.outs {
		if atomic.LoadInt32(&ot.state) == outStateDelete {
			delete(f.outs, consumerID)
		}
	}
	f.mu.Unlock()
}

func (f *fanout) markAllDelete() {
	f.mu.Lock()
	for _, ot := range f.outs {
		ot.markDelete()
	}
	f.mu.Unlock()
}

// producer is an inbound stream. It is registered on the router at produce
// time and starts forwarding once the matching remote track arrives.
type producer struct {
	id        string
	kind      domain.MediaKind
	transport *transport
	fan       *fanout

	paused int32 // accessed atomically

	mu     sync.Mutex
	src    *webrtc.TrackRemote
	cancel context.CancelFunc
	closed bool
}

func newProducer(id string, kind domain.MediaKind, t *transport) *producer {
	return &producer{id: id, kind: kind, transport: t, fan: newFanout()}
}

func (p *producer) ID() string             { return p.id }
func (p *producer) Kind() domain.MediaKind { return p.kind }

func (p *producer) codecCapability() webrtc.RTPCodecCapability {
	p.mu.Lock()
	src := p.src
	p.mu.Unlock()
	if src != nil {
		return src.Codec().RTPCodecCapability
	}
	if p.kind == domain.MediaVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

// attach binds the remote source track and starts the forward loop.
func (p *producer) attach(track *webrtc.TrackRemote) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.src = track
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	logger := log.With().
		Str("module", "media.pion").
		Str("producer", p.id).
		Str("kind", string(p.kind)).
		Logger()
	go p.loop(ctx, track, &logger)
}

func (p *producer) loop(ctx context.Context, track *webrtc.TrackRemote, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("forward loop done")
			p.fan.markAllDelete()
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			logger.Error().Err(err).Msg("read RTP, stopping forward loop")
			p.fan.markAllDelete()
			return
		}
		if atomic.LoadInt32(&p.paused) == 1 {
			continue
		}
		p.fan.forward(pkt, logger)
	}
}

func (p *producer) Pause() error {
	atomic.StoreInt32(&p.paused, 1)
	return nil
}

func (p *producer) Resume() error {
	atomic.StoreInt32(&p.paused, 0)
	return nil
}

func (p *producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.fan.markAllDelete()
	p.transport.router.unregisterProducer(p.id)
	return nil
}

// consumer is one outbound leg towards a subscriber's transport.
type consumer struct {
	id         string
	producerID string
	out        *outTrack
	transport  *transport
	sender     *webrtc.RTPSender
	detach     func()

	mu     sync.Mutex
	closed bool
}

func (c *consumer) ID() string         { return c.id }
func (c *consumer) ProducerID() string { return c.producerID }

func (c *consumer) Pause() error {
	c.out.setPaused(true)
	return nil
}

func (c *consumer) Resume() error {
	c.out.setPaused(false)
	return nil
}

func (c *consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.detach != nil {
		c.detach()
	}
	return c.transport.pc.RemoveTrack(c.sender)
}
