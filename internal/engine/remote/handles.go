package remote

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/imtaco/conf-sfu/internal/engine"
	"github.com/imtaco/conf-sfu/internal/log"
)

// closeTimeout bounds the fire-and-forget DELETE issued by Close.
const closeTimeout = 5 * time.Second

type handle struct {
	w      *worker
	id     string
	kind   string
	closed atomic.Bool
}

func (h *handle) ID() string   { return h.id }
func (h *handle) Closed() bool { return h.closed.Load() || h.w.Closed() }

// Close releases the engine-side object. Engines cascade closes to children,
// so the control plane only needs to issue one request per handle.
func (h *handle) Close() {
	if !h.closed.CompareAndSwap(false, true) || h.w.Closed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := h.w.api.delete(ctx, path(h.kind, h.id)); err != nil {
		h.w.logger.Warn("engine close failed",
			log.String("kind", h.kind),
			log.String("id", h.id),
			log.Error(err))
	}
}

type router struct {
	w      *worker
	id     string
	caps   engine.RtpCapabilities
	closed atomic.Bool
}

func (r *router) ID() string                              { return r.id }
func (r *router) RtpCapabilities() engine.RtpCapabilities { return r.caps }
func (r *router) Closed() bool                            { return r.closed.Load() || r.w.Closed() }

func (r *router) Close() {
	h := handle{w: r.w, id: r.id, kind: "routers"}
	if r.closed.CompareAndSwap(false, true) {
		h.Close()
	}
}

func (r *router) CanConsume(ctx context.Context, producerID string, caps engine.RtpCapabilities) (bool, error) {
	var out struct {
		CanConsume bool `json:"canConsume"`
	}
	body := map[string]any{"producerId": producerID, "rtpCapabilities": caps}
	if err := r.w.api.post(ctx, path("routers", r.id, "can-consume"), body, &out); err != nil {
		return false, err
	}
	return out.CanConsume, nil
}

func (r *router) CreateWebRtcTransport(ctx context.Context, opts engine.WebRtcTransportOptions) (engine.WebRtcTransport, error) {
	var out engine.TransportParams
	if err := r.w.api.post(ctx, path("routers", r.id, "webrtc-transports"), opts, &out); err != nil {
		return nil, err
	}
	return &webRtcTransport{
		transport: transport{handle: handle{w: r.w, id: out.ID, kind: "transports"}},
		params:    out,
	}, nil
}

func (r *router) CreatePlainTransport(ctx context.Context, opts engine.PlainTransportOptions) (engine.PlainTransport, error) {
	var out idResp
	if err := r.w.api.post(ctx, path("routers", r.id, "plain-transports"), opts, &out); err != nil {
		return nil, err
	}
	return &plainTransport{transport: transport{handle: handle{w: r.w, id: out.ID, kind: "transports"}}}, nil
}

func (r *router) CreateActiveSpeakerObserver(ctx context.Context, interval time.Duration) (engine.ActiveSpeakerObserver, error) {
	var out idResp
	body := map[string]any{"interval": interval.Milliseconds()}
	if err := r.w.api.post(ctx, path("routers", r.id, "active-speaker-observers"), body, &out); err != nil {
		return nil, err
	}
	o := &observer{
		handle:   handle{w: r.w, id: out.ID, kind: "observers"},
		speakers: engine.NewEmitter[string](),
	}
	r.w.observers.Store(o.id, o)
	return o, nil
}

type transport struct {
	handle
}

func (t *transport) Consume(ctx context.Context, opts engine.ConsumeOptions) (engine.Consumer, error) {
	var out struct {
		ID            string               `json:"id"`
		ProducerID    string               `json:"producerId"`
		Kind          engine.MediaKind     `json:"kind"`
		RtpParameters engine.RtpParameters `json:"rtpParameters"`
		Paused        bool                 `json:"paused"`
	}
	if err := t.w.api.post(ctx, path("transports", t.id, "consume"), opts, &out); err != nil {
		return nil, err
	}
	c := &consumer{
		handle:     handle{w: t.w, id: out.ID, kind: "consumers"},
		producerID: out.ProducerID,
		mediaKind:  out.Kind,
		rtp:        out.RtpParameters,
	}
	c.paused.Store(out.Paused)
	return c, nil
}

type webRtcTransport struct {
	transport
	params engine.TransportParams
}

func (t *webRtcTransport) Params() engine.TransportParams { return t.params }

func (t *webRtcTransport) Connect(ctx context.Context, dtls engine.DtlsParameters) error {
	body := map[string]any{"dtlsParameters": dtls}
	return t.w.api.post(ctx, path("transports", t.id, "connect"), body, nil)
}

func (t *webRtcTransport) Produce(ctx context.Context, kind engine.MediaKind, rtp engine.RtpParameters) (engine.Producer, error) {
	var out idResp
	body := map[string]any{"kind": kind, "rtpParameters": rtp}
	if err := t.w.api.post(ctx, path("transports", t.id, "produce"), body, &out); err != nil {
		return nil, err
	}
	return &producer{handle: handle{w: t.w, id: out.ID, kind: "producers"}, mediaKind: kind}, nil
}

type plainTransport struct {
	transport
}

func (t *plainTransport) Connect(ctx context.Context, params engine.PlainConnectParams) error {
	return t.w.api.post(ctx, path("transports", t.id, "connect"), params, nil)
}

type producer struct {
	handle
	mediaKind engine.MediaKind
}

func (p *producer) Kind() engine.MediaKind { return p.mediaKind }

type consumer struct {
	handle
	producerID string
	mediaKind  engine.MediaKind
	rtp        engine.RtpParameters
	paused     atomic.Bool
}

func (c *consumer) ProducerID() string                  { return c.producerID }
func (c *consumer) Kind() engine.MediaKind              { return c.mediaKind }
func (c *consumer) RtpParameters() engine.RtpParameters { return c.rtp }
func (c *consumer) Paused() bool                        { return c.paused.Load() }

func (c *consumer) Resume(ctx context.Context) error {
	if !c.paused.Load() {
		return nil
	}
	if err := c.w.api.post(ctx, path("consumers", c.id, "resume"), nil, nil); err != nil {
		return err
	}
	c.paused.Store(false)
	return nil
}

func (c *consumer) RequestKeyFrame(ctx context.Context) error {
	return c.w.api.post(ctx, path("consumers", c.id, "request-key-frame"), nil, nil)
}

type observer struct {
	handle
	speakers *engine.Emitter[string]
}

func (o *observer) AddProducer(ctx context.Context, producerID string) error {
	body := map[string]any{"producerId": producerID}
	return o.w.api.post(ctx, path("observers", o.id, "producers"), body, nil)
}

func (o *observer) RemoveProducer(ctx context.Context, producerID string) error {
	return o.w.api.delete(ctx, path("observers", o.id, "producers", producerID))
}

func (o *observer) OnDominantSpeaker(fn func(string)) engine.Unsubscribe {
	return o.speakers.Subscribe(fn)
}

func (o *observer) Close() {
	if _, ok := o.w.observers.LoadAndDelete(o.id); ok {
		o.speakers.Clear()
	}
	o.handle.Close()
}

var (
	_ engine.Router                = (*router)(nil)
	_ engine.WebRtcTransport       = (*webRtcTransport)(nil)
	_ engine.PlainTransport        = (*plainTransport)(nil)
	_ engine.Producer              = (*producer)(nil)
	_ engine.Consumer              = (*consumer)(nil)
	_ engine.ActiveSpeakerObserver = (*observer)(nil)
)
