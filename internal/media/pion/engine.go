// Package pion implements the media engine on pion/webrtc: a worker is an
// independent webrtc API instance, a router hosts the peer connections of
// one channel and indexes its producers for cross-connection consumption.
package pion

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/veltchat/voicegate/internal/core"
	"github.com/veltchat/voicegate/internal/domain"
	"github.com/veltchat/voicegate/internal/media"
)

type Engine struct {
	iceServers []webrtc.ICEServer
}

func NewEngine(stunURLs []string) *Engine {
	servers := []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	if len(stunURLs) > 0 {
		servers = []webrtc.ICEServer{{URLs: stunURLs}}
	}
	return &Engine{iceServers: servers}
}

func (e *Engine) CreateWorker(_ context.Context) (media.Worker, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return &worker{
		id:         uuid.NewString(),
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		iceServers: e.iceServers,
	}, nil
}

type worker struct {
	id         string
	api        *webrtc.API
	iceServers []webrtc.ICEServer

	mu     sync.Mutex
	onDied func(error)
	dead   bool
}

func (w *worker) ID() string { return w.id }

func (w *worker) OnDied(fn func(error)) {
	w.mu.Lock()
	w.onDied = fn
	w.mu.Unlock()
}

func (w *worker) fail(err error) {
	w.mu.Lock()
	fn := w.onDied
	already := w.dead
	w.dead = true
	w.mu.Unlock()
	if already || fn == nil {
		return
	}
	fn(err)
}

func (w *worker) CreateRouter(_ context.Context) (media.Router, error) {
	return &router{
		id:        uuid.NewString(),
		worker:    w,
		producers: make(map[string]*producer),
	}, nil
}

func (w *worker) Close() error { return nil }

// capability is the subset of codec parameters clients need to negotiate.
type capability struct {
	MimeType  string `json:"mimeType"`
	ClockRate uint32 `json:"clockRate"`
	Channels  uint16 `json:"channels,omitempty"`
}

type router struct {
	id     string
	worker *worker

	mu        sync.RWMutex
	producers map[string]*producer
	closed    bool
}

func (r *router) ID() string { return r.id }

func (r *router) Capabilities() json.RawMessage {
	caps := []capability{
		{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
	}
	b, _ := json.Marshal(caps)
	return b
}

func (r *router) CreateTransport(_ context.Context) (media.Transport, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, core.NewError(core.CodeNotFound, "router is closed")
	}
	pc, err := r.worker.api.NewPeerConnection(webrtc.Configuration{ICEServers: r.worker.iceServers})
	if err != nil {
		// A webrtc API instance that cannot construct peer connections is
		// unusable; report the worker dead so the pool evicts it.
		r.worker.fail(err)
		return nil, err
	}
	t := &transport{
		id:     uuid.NewString(),
		router: r,
		pc:     pc,
	}
	t.bindStateHandlers()
	return t, nil
}

func (r *router) registerProducer(p *producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *router) unregisterProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *router) producerByID(id string) (*producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	producers := make([]*producer, 0, len(r.producers))
	for _, p := range r.producers {
		producers = append(producers, p)
	}
	r.producers = make(map[string]*producer)
	r.mu.Unlock()

	for _, p := range producers {
		if err := p.Close(); err != nil {
			log.Error().Err(err).Str("module", "media.pion").Str("router", r.id).Str("producer", p.id).Msg("producer close on router teardown")
		}
	}
	return nil
}

func kindOf(k domain.MediaKind) webrtc.RTPCodecType {
	if k == domain.MediaVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}
