// Package media wraps the media-forwarding engine behind a narrow
// interface: worker pool, one router per channel, and per-connection
// registries of the transports, producers and consumers each connection
// created.
package media

import (
	"context"
	"encoding/json"

	"github.com/veltchat/voicegate/internal/domain"
)

// Engine is the boundary to the forwarding engine. Negotiation payloads
// cross it as opaque blobs; only lifecycle operations are modeled.
type Engine interface {
	CreateWorker(ctx context.Context) (Worker, error)
}

type Worker interface {
	ID() string
	CreateRouter(ctx context.Context) (Router, error)
	// OnDied registers a callback fired once if the worker fails. The worker
	// is unusable afterwards.
	OnDied(func(err error))
	Close() error
}

type Router interface {
	ID() string
	// Capabilities is the codec capability blob clients need before
	// creating transports.
	Capabilities() json.RawMessage
	CreateTransport(ctx context.Context) (Transport, error)
	Close() error
}

type Transport interface {
	ID() string
	// Parameters is the engine-specific connection blob handed to the
	// client (ICE/DTLS material).
	Parameters() json.RawMessage
	// Connect applies the client's half of the handshake.
	Connect(ctx context.Context, params json.RawMessage) error
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	Close() error
}

type ProduceOptions struct {
	Kind          domain.MediaKind
	RTPParameters json.RawMessage
}

type ConsumeOptions struct {
	ProducerID      string
	RTPCapabilities json.RawMessage
}

type Producer interface {
	ID() string
	Kind() domain.MediaKind
	Pause() error
	Resume() error
	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Pause() error
	Resume() error
	Close() error
}
