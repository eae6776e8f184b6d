// Package engine is the boundary to the external media engine. The control
// plane only holds the opaque handles declared here; packet processing,
// ICE/DTLS and codec negotiation happen on the other side.
package engine

import (
	"context"
	"time"
)

// Unsubscribe removes a previously registered callback. Calling it more
// than once is a no-op.
type Unsubscribe func()

type Engine interface {
	CreateWorker(ctx context.Context, settings WorkerSettings) (Worker, error)
}

type Worker interface {
	PID() int
	Closed() bool
	CreateRouter(ctx context.Context, codecs []RtpCodecCapability) (Router, error)
	GetResourceUsage(ctx context.Context) (ResourceUsage, error)
	// OnRouterEvent is invoked asynchronously after routers are created or closed.
	OnRouterEvent(fn func(RouterEvent)) Unsubscribe
	OnDied(fn func(error)) Unsubscribe
	Close()
}

type Router interface {
	ID() string
	RtpCapabilities() RtpCapabilities
	CanConsume(ctx context.Context, producerID string, caps RtpCapabilities) (bool, error)
	CreateWebRtcTransport(ctx context.Context, opts WebRtcTransportOptions) (WebRtcTransport, error)
	CreatePlainTransport(ctx context.Context, opts PlainTransportOptions) (PlainTransport, error)
	CreateActiveSpeakerObserver(ctx context.Context, interval time.Duration) (ActiveSpeakerObserver, error)
	Closed() bool
	Close()
}

type Transport interface {
	ID() string
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	Closed() bool
	Close()
}

type WebRtcTransport interface {
	Transport
	Params() TransportParams
	Connect(ctx context.Context, dtls DtlsParameters) error
	Produce(ctx context.Context, kind MediaKind, rtp RtpParameters) (Producer, error)
}

type PlainTransport interface {
	Transport
	Connect(ctx context.Context, params PlainConnectParams) error
}

type Producer interface {
	ID() string
	Kind() MediaKind
	Closed() bool
	Close()
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	RtpParameters() RtpParameters
	Paused() bool
	// Resume on a consumer that is not paused is a no-op.
	Resume(ctx context.Context) error
	RequestKeyFrame(ctx context.Context) error
	Closed() bool
	Close()
}

type ActiveSpeakerObserver interface {
	ID() string
	AddProducer(ctx context.Context, producerID string) error
	RemoveProducer(ctx context.Context, producerID string) error
	OnDominantSpeaker(fn func(producerID string)) Unsubscribe
	Close()
}
