package media

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/veltchat/voicegate/internal/core"
	"github.com/veltchat/voicegate/internal/domain"
)

// Adapter owns the worker pool, the router-per-channel map and the
// per-connection object registries. The registries are the source of truth
// for "does this object exist and which connection created it"; the
// gateway's session ownership sets are the authorization view of the same
// facts and both are updated on every create/close.
type Adapter struct {
	engine Engine

	mu         sync.RWMutex
	workers    []Worker
	nextWorker int
	routers    map[domain.ChannelID]Router

	transports map[domain.SocketID]map[string]Transport
	producers  map[domain.SocketID]map[string]Producer
	consumers  map[domain.SocketID]map[string]Consumer
}

// NewAdapter spins up the worker pool: one worker per CPU core, capped.
// Returns an error only if not a single worker could start; a partially
// filled pool is usable.
func NewAdapter(ctx context.Context, engine Engine, workerCap int) (*Adapter, error) {
	a := &Adapter{
		engine:     engine,
		routers:    make(map[domain.ChannelID]Router),
		transports: make(map[domain.SocketID]map[string]Transport),
		producers:  make(map[domain.SocketID]map[string]Producer),
		consumers:  make(map[domain.SocketID]map[string]Consumer),
	}

	count := runtime.NumCPU()
	if workerCap > 0 && count > workerCap {
		count = workerCap
	}
	for i := 0; i < count; i++ {
		worker, err := engine.CreateWorker(ctx)
		if err != nil {
			log.Error().Err(err).Str("module", "media").Int("index", i).Msg("worker start failed")
			continue
		}
		worker.OnDied(func(err error) { a.evictWorker(worker, err) })
		a.workers = append(a.workers, worker)
	}
	if len(a.workers) == 0 {
		return nil, core.NewError(core.CodeEngineUnavailable, "no media workers could be started")
	}
	log.Info().Str("module", "media").Int("workers", len(a.workers)).Msg("worker pool ready")
	return a, nil
}

// evictWorker drops a dead worker from the pool. Routers it owned are left
// orphaned; their rooms keep signaling but media stops. Known operational
// limitation, surfaced in logs.
func (a *Adapter) evictWorker(dead Worker, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, w := range a.workers {
		if w == dead {
			a.workers = append(a.workers[:i], a.workers[i+1:]...)
			break
		}
	}
	log.Error().Err(err).Str("module", "media").Str("worker", dead.ID()).Int("remaining", len(a.workers)).Msg("worker died, routers it hosted are orphaned")
}

func (a *Adapter) WorkerCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.workers)
}

// EnsureRouter lazily creates one router per channel, assigning workers
// round robin.
func (a *Adapter) EnsureRouter(ctx context.Context, channelID domain.ChannelID) (Router, error) {
	a.mu.RLock()
	router, ok := a.routers[channelID]
	a.mu.RUnlock()
	if ok {
		return router, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if router, ok = a.routers[channelID]; ok {
		return router, nil
	}
	if len(a.workers) == 0 {
		return nil, core.NewError(core.CodeEngineUnavailable, "no media workers available")
	}
	worker := a.workers[a.nextWorker%len(a.workers)]
	a.nextWorker++
	router, err := worker.CreateRouter(ctx)
	if err != nil {
		return nil, err
	}
	a.routers[channelID] = router
	log.Info().Str("module", "media").Str("channel", string(channelID)).Str("worker", worker.ID()).Str("router", router.ID()).Msg("router created")
	return router, nil
}

func (a *Adapter) RouterCapabilities(channelID domain.ChannelID) (json.RawMessage, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	router, ok := a.routers[channelID]
	if !ok {
		return nil, core.NewError(core.CodeNotFound, "no router for channel")
	}
	return router.Capabilities(), nil
}

// CloseRouter tears down the channel's router once its room is empty.
func (a *Adapter) CloseRouter(channelID domain.ChannelID) {
	a.mu.Lock()
	router, ok := a.routers[channelID]
	if ok {
		delete(a.routers, channelID)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	if err := router.Close(); err != nil {
		log.Error().Err(err).Str("module", "media").Str("channel", string(channelID)).Msg("router close")
	}
}

func (a *Adapter) CreateTransport(ctx context.Context, socketID domain.SocketID, channelID domain.ChannelID) (Transport, error) {
	router, err := a.EnsureRouter(ctx, channelID)
	if err != nil {
		return nil, err
	}
	transport, err := router.CreateTransport(ctx)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	if a.transports[socketID] == nil {
		a.transports[socketID] = make(map[string]Transport)
	}
	a.transports[socketID][transport.ID()] = transport
	a.mu.Unlock()
	return transport, nil
}

func (a *Adapter) transport(socketID domain.SocketID, transportID string) (Transport, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	transport, ok := a.transports[socketID][transportID]
	if !ok {
		return nil, core.NewError(core.CodeNotFound, "transport not found for connection")
	}
	return transport, nil
}

// TransportParameters re-reads the connection blob of an existing
// transport, e.g. after Connect updated it with the local answer.
func (a *Adapter) TransportParameters(socketID domain.SocketID, transportID string) (json.RawMessage, error) {
	transport, err := a.transport(socketID, transportID)
	if err != nil {
		return nil, err
	}
	return transport.Parameters(), nil
}

func (a *Adapter) ConnectTransport(ctx context.Context, socketID domain.SocketID, transportID string, params json.RawMessage) error {
	transport, err := a.transport(socketID, transportID)
	if err != nil {
		return err
	}
	return transport.Connect(ctx, params)
}

func (a *Adapter) Produce(ctx context.Context, socketID domain.SocketID, transportID string, opts ProduceOptions) (Producer, error) {
	transport, err := a.transport(socketID, transportID)
	if err != nil {
		return nil, err
	}
	producer, err := transport.Produce(ctx, opts)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	if a.producers[socketID] == nil {
		a.producers[socketID] = make(map[string]Producer)
	}
	a.producers[socketID][producer.ID()] = producer
	a.mu.Unlock()
	return producer, nil
}

func (a *Adapter) Consume(ctx context.Context, socketID domain.SocketID, transportID string, opts ConsumeOptions) (Consumer, error) {
	transport, err := a.transport(socketID, transportID)
	if err != nil {
		return nil, err
	}
	consumer, err := transport.Consume(ctx, opts)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	if a.consumers[socketID] == nil {
		a.consumers[socketID] = make(map[string]Consumer)
	}
	a.consumers[socketID][consumer.ID()] = consumer
	a.mu.Unlock()
	return consumer, nil
}

func (a *Adapter) producer(socketID domain.SocketID, producerID string) (Producer, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	producer, ok := a.producers[socketID][producerID]
	if !ok {
		return nil, core.NewError(core.CodeNotFound, "producer not found for connection")
	}
	return producer, nil
}

func (a *Adapter) consumer(socketID domain.SocketID, consumerID string) (Consumer, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	consumer, ok := a.consumers[socketID][consumerID]
	if !ok {
		return nil, core.NewError(core.CodeNotFound, "consumer not found for connection")
	}
	return consumer, nil
}

func (a *Adapter) PauseProducer(socketID domain.SocketID, producerID string) error {
	producer, err := a.producer(socketID, producerID)
	if err != nil {
		return err
	}
	return producer.Pause()
}

func (a *Adapter) ResumeProducer(socketID domain.SocketID, producerID string) error {
	producer, err := a.producer(socketID, producerID)
	if err != nil {
		return err
	}
	return producer.Resume()
}

func (a *Adapter) PauseConsumer(socketID domain.SocketID, consumerID string) error {
	consumer, err := a.consumer(socketID, consumerID)
	if err != nil {
		return err
	}
	return consumer.Pause()
}

func (a *Adapter) ResumeConsumer(socketID domain.SocketID, consumerID string) error {
	consumer, err := a.consumer(socketID, consumerID)
	if err != nil {
		return err
	}
	return consumer.Resume()
}

func (a *Adapter) CloseProducer(socketID domain.SocketID, producerID string) error {
	a.mu.Lock()
	producer, ok := a.producers[socketID][producerID]
	if ok {
		delete(a.producers[socketID], producerID)
	}
	a.mu.Unlock()
	if !ok {
		return core.NewError(core.CodeNotFound, "producer not found for connection")
	}
	return producer.Close()
}

// CloseAllForSession closes everything the connection created: consumers,
// then producers, then transports. Consumers reference producers and
// producers reference transports, so the order matters. Individual close
// failures are logged and cleanup continues.
func (a *Adapter) CloseAllForSession(socketID domain.SocketID) {
	a.mu.Lock()
	consumers := a.consumers[socketID]
	producers := a.producers[socketID]
	transports := a.transports[socketID]
	delete(a.consumers, socketID)
	delete(a.producers, socketID)
	delete(a.transports, socketID)
	a.mu.Unlock()

	for id, consumer := range consumers {
		if err := consumer.Close(); err != nil {
			log.Error().Err(err).Str("module", "media").Str("socket", string(socketID)).Str("consumer", id).Msg("consumer close")
		}
	}
	for id, producer := range producers {
		if err := producer.Close(); err != nil {
			log.Error().Err(err).Str("module", "media").Str("socket", string(socketID)).Str("producer", id).Msg("producer close")
		}
	}
	for id, transport := range transports {
		if err := transport.Close(); err != nil {
			log.Error().Err(err).Str("module", "media").Str("socket", string(socketID)).Str("transport", id).Msg("transport close")
		}
	}
}

// Close tears down every router and worker. Called on process shutdown.
func (a *Adapter) Close() {
	a.mu.Lock()
	routers := a.routers
	workers := a.workers
	a.routers = make(map[domain.ChannelID]Router)
	a.workers = nil
	a.mu.Unlock()

	for channelID, router := range routers {
		if err := router.Close(); err != nil {
			log.Error().Err(err).Str("module", "media").Str("channel", string(channelID)).Msg("router close")
		}
	}
	for _, worker := range workers {
		if err := worker.Close(); err != nil {
			log.Error().Err(err).Str("module", "media").Str("worker", worker.ID()).Msg("worker close")
		}
	}
}
