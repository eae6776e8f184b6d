// Package enginetest is an in-memory media engine for tests. It keeps just
// enough state to answer the control plane (ids, paused flags, codec
// matching) and records calls so tests can assert on them.
package enginetest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/imtaco/conf-sfu/internal/engine"
	"github.com/imtaco/conf-sfu/internal/errors"
)

type Engine struct {
	mu      sync.Mutex
	workers []*Worker
	nextPID atomic.Int32

	// FailCreateWorker makes the next CreateWorker calls fail.
	FailCreateWorker error
}

func New() *Engine {
	e := &Engine{}
	e.nextPID.Store(1000)
	return e
}

func (e *Engine) CreateWorker(_ context.Context, settings engine.WorkerSettings) (engine.Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailCreateWorker != nil {
		return nil, e.FailCreateWorker
	}
	w := &Worker{
		settings:     settings,
		pid:          int(e.nextPID.Add(1)),
		routerEvents: engine.NewEmitter[engine.RouterEvent](),
		died:         engine.NewEmitter[error](),
	}
	e.workers = append(e.workers, w)
	return w, nil
}

func (e *Engine) Workers() []*Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Worker, len(e.workers))
	copy(out, e.workers)
	return out
}

// Routers returns every router created on any worker, closed or not.
func (e *Engine) Routers() []*Router {
	var out []*Router
	for _, w := range e.Workers() {
		out = append(out, w.Routers()...)
	}
	return out
}

type Worker struct {
	settings engine.WorkerSettings
	pid      int
	closed   atomic.Bool

	mu       sync.Mutex
	routers  []*Router
	usage    engine.ResourceUsage
	usageErr error

	routerEvents *engine.Emitter[engine.RouterEvent]
	died         *engine.Emitter[error]

	// FailCreateRouter makes CreateRouter fail.
	FailCreateRouter error
}

func (w *Worker) Settings() engine.WorkerSettings { return w.settings }
func (w *Worker) PID() int                        { return w.pid }
func (w *Worker) Closed() bool                    { return w.closed.Load() }

func (w *Worker) CreateRouter(_ context.Context, codecs []engine.RtpCodecCapability) (engine.Router, error) {
	w.mu.Lock()
	if w.FailCreateRouter != nil {
		err := w.FailCreateRouter
		w.mu.Unlock()
		return nil, err
	}
	if w.closed.Load() {
		w.mu.Unlock()
		return nil, errors.New(errors.ErrEngineFailure, "worker closed")
	}
	r := newRouter(w, codecs)
	w.routers = append(w.routers, r)
	w.mu.Unlock()

	// engine events are delivered asynchronously
	go w.routerEvents.Emit(engine.RouterEvent{RouterID: r.id})
	return r, nil
}

func (w *Worker) GetResourceUsage(context.Context) (engine.ResourceUsage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.usage, w.usageErr
}

// SetUsage changes what GetResourceUsage reports.
func (w *Worker) SetUsage(u engine.ResourceUsage, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.usage = u
	w.usageErr = err
}

func (w *Worker) OnRouterEvent(fn func(engine.RouterEvent)) engine.Unsubscribe {
	return w.routerEvents.Subscribe(fn)
}

func (w *Worker) OnDied(fn func(error)) engine.Unsubscribe {
	return w.died.Subscribe(fn)
}

// Kill simulates the worker process dying.
func (w *Worker) Kill(err error) {
	if w.closed.CompareAndSwap(false, true) {
		w.died.Emit(err)
	}
}

func (w *Worker) Close() {
	w.closed.Store(true)
	for _, r := range w.Routers() {
		r.Close()
	}
}

func (w *Worker) Routers() []*Router {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Router, len(w.routers))
	copy(out, w.routers)
	return out
}

type Router struct {
	id     string
	worker *Worker
	caps   engine.RtpCapabilities
	closed atomic.Bool

	mu         sync.Mutex
	producers  map[string]*Producer
	transports []transportCloser
	observers  []*Observer
	failWebRtc error
}

// FailWebRtcTransports makes later CreateWebRtcTransport calls return err.
// A nil err restores normal behavior.
func (r *Router) FailWebRtcTransports(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWebRtc = err
}

type transportCloser interface {
	ID() string
	Close()
	Closed() bool
}

func newRouter(w *Worker, codecs []engine.RtpCodecCapability) *Router {
	caps := engine.RtpCapabilities{Codecs: make([]engine.RtpCodecCapability, len(codecs))}
	copy(caps.Codecs, codecs)
	return &Router{
		id:        uuid.NewString(),
		worker:    w,
		caps:      caps,
		producers: make(map[string]*Producer),
	}
}

func (r *Router) ID() string                              { return r.id }
func (r *Router) RtpCapabilities() engine.RtpCapabilities { return r.caps }
func (r *Router) Closed() bool                            { return r.closed.Load() }

func (r *Router) CanConsume(_ context.Context, producerID string, caps engine.RtpCapabilities) (bool, error) {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok || p.Closed() {
		return false, nil
	}
	for _, c := range p.rtp.Codecs {
		if engine.SupportsCodec(caps, c) {
			return true, nil
		}
	}
	return false, nil
}

func (r *Router) CreateWebRtcTransport(_ context.Context, opts engine.WebRtcTransportOptions) (engine.WebRtcTransport, error) {
	if r.Closed() {
		return nil, errors.New(errors.ErrEngineFailure, "router closed")
	}
	r.mu.Lock()
	failErr := r.failWebRtc
	r.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}
	t := &WebRtcTransport{
		transportBase: newTransportBase(r),
		Options:       opts,
	}
	r.track(t)
	return t, nil
}

func (r *Router) CreatePlainTransport(_ context.Context, opts engine.PlainTransportOptions) (engine.PlainTransport, error) {
	if r.Closed() {
		return nil, errors.New(errors.ErrEngineFailure, "router closed")
	}
	t := &PlainTransport{
		transportBase: newTransportBase(r),
		Options:       opts,
	}
	r.track(t)
	return t, nil
}

func (r *Router) CreateActiveSpeakerObserver(_ context.Context, interval time.Duration) (engine.ActiveSpeakerObserver, error) {
	if r.Closed() {
		return nil, errors.New(errors.ErrEngineFailure, "router closed")
	}
	o := &Observer{
		id:        uuid.NewString(),
		Interval:  interval,
		producers: make(map[string]struct{}),
		speakers:  engine.NewEmitter[string](),
	}
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
	return o, nil
}

func (r *Router) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.mu.Lock()
	transports := r.transports
	observers := r.observers
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	for _, o := range observers {
		o.Close()
	}
	go r.worker.routerEvents.Emit(engine.RouterEvent{RouterID: r.id, Closed: true})
}

func (r *Router) track(t transportCloser) {
	r.mu.Lock()
	r.transports = append(r.transports, t)
	r.mu.Unlock()
}

// Transports returns every transport created on the router.
func (r *Router) Transports() []transportCloser {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transportCloser, len(r.transports))
	copy(out, r.transports)
	return out
}

// OpenTransports counts transports not closed yet.
func (r *Router) OpenTransports() int {
	n := 0
	for _, t := range r.Transports() {
		if !t.Closed() {
			n++
		}
	}
	return n
}

func (r *Router) Observers() []*Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Observer, len(r.observers))
	copy(out, r.observers)
	return out
}

func (r *Router) Producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

type transportBase struct {
	id     string
	router *Router
	closed atomic.Bool

	mu        sync.Mutex
	producers []*Producer
	consumers []*Consumer
}

func newTransportBase(r *Router) *transportBase {
	return &transportBase{id: uuid.NewString(), router: r}
}

func (t *transportBase) ID() string   { return t.id }
func (t *transportBase) Closed() bool { return t.closed.Load() }

func (t *transportBase) Consume(_ context.Context, opts engine.ConsumeOptions) (engine.Consumer, error) {
	if t.Closed() {
		return nil, errors.New(errors.ErrEngineFailure, "transport closed")
	}
	p, ok := t.router.Producer(opts.ProducerID)
	if !ok || p.Closed() {
		return nil, errors.Newf(errors.ErrEngineFailure, "producer %s not found", opts.ProducerID)
	}

	rtp := engine.RtpParameters{}
	for _, c := range p.rtp.Codecs {
		if !engine.SupportsCodec(opts.RtpCapabilities, c) {
			continue
		}
		// payload type follows the consumer's capabilities
		if cc, ok := engine.CapabilityFor(opts.RtpCapabilities, c.MimeType); ok && cc.PreferredPayloadType != 0 {
			c.PayloadType = cc.PreferredPayloadType
		}
		rtp.Codecs = append(rtp.Codecs, c)
		break
	}
	if len(rtp.Codecs) == 0 {
		return nil, errors.New(errors.ErrEngineFailure, "cannot consume")
	}

	c := &Consumer{
		id:         uuid.NewString(),
		producerID: p.id,
		kind:       p.kind,
		rtp:        rtp,
	}
	c.paused.Store(opts.Paused)

	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	p.attach(c)
	return c, nil
}

func (t *transportBase) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.mu.Lock()
	producers := t.producers
	consumers := t.consumers
	t.mu.Unlock()
	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
}

func (t *transportBase) Consumers() []*Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Consumer, len(t.consumers))
	copy(out, t.consumers)
	return out
}

type WebRtcTransport struct {
	*transportBase
	Options engine.WebRtcTransportOptions

	connectMu sync.Mutex
	dtls      *engine.DtlsParameters
}

func (t *WebRtcTransport) Params() engine.TransportParams {
	ip := "127.0.0.1"
	if len(t.Options.ListenIPs) > 0 {
		ip = t.Options.ListenIPs[0].IP
		if t.Options.ListenIPs[0].AnnouncedIP != "" {
			ip = t.Options.ListenIPs[0].AnnouncedIP
		}
	}
	return engine.TransportParams{
		ID: t.id,
		IceParameters: engine.IceParameters{
			UsernameFragment: t.id[:8],
			Password:         t.id,
			IceLite:          true,
		},
		IceCandidates: []engine.IceCandidate{{
			Foundation: "udpcandidate",
			Priority:   1076302079,
			IP:         ip,
			Address:    ip,
			Protocol:   "udp",
			Port:       40000,
			Type:       "host",
		}},
		DtlsParameters: engine.DtlsParameters{
			Role: "auto",
			Fingerprints: []engine.DtlsFingerprint{{
				Algorithm: "sha-256",
				Value:     "00:11:22:33",
			}},
		},
	}
}

func (t *WebRtcTransport) Connect(_ context.Context, dtls engine.DtlsParameters) error {
	if t.Closed() {
		return errors.New(errors.ErrEngineFailure, "transport closed")
	}
	t.connectMu.Lock()
	defer t.connectMu.Unlock()
	if t.dtls != nil {
		return errors.New(errors.ErrEngineFailure, "connect() already called")
	}
	t.dtls = &dtls
	return nil
}

func (t *WebRtcTransport) Connected() bool {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()
	return t.dtls != nil
}

func (t *WebRtcTransport) Produce(_ context.Context, kind engine.MediaKind, rtp engine.RtpParameters) (engine.Producer, error) {
	if t.Closed() {
		return nil, errors.New(errors.ErrEngineFailure, "transport closed")
	}
	if len(rtp.Codecs) == 0 {
		return nil, errors.New(errors.ErrEngineFailure, "rtpParameters without codecs")
	}
	p := &Producer{
		id:     uuid.NewString(),
		kind:   kind,
		rtp:    rtp,
		router: t.router,
	}
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()

	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

type PlainTransport struct {
	*transportBase
	Options engine.PlainTransportOptions

	connectMu sync.Mutex
	remote    *engine.PlainConnectParams
}

func (t *PlainTransport) Connect(_ context.Context, params engine.PlainConnectParams) error {
	if t.Closed() {
		return errors.New(errors.ErrEngineFailure, "transport closed")
	}
	t.connectMu.Lock()
	defer t.connectMu.Unlock()
	t.remote = &params
	return nil
}

func (t *PlainTransport) Remote() (engine.PlainConnectParams, bool) {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()
	if t.remote == nil {
		return engine.PlainConnectParams{}, false
	}
	return *t.remote, true
}

type Producer struct {
	id     string
	kind   engine.MediaKind
	rtp    engine.RtpParameters
	router *Router
	closed atomic.Bool

	mu        sync.Mutex
	consumers []*Consumer
}

func (p *Producer) ID() string             { return p.id }
func (p *Producer) Kind() engine.MediaKind { return p.kind }
func (p *Producer) Closed() bool           { return p.closed.Load() }

func (p *Producer) attach(c *Consumer) {
	p.mu.Lock()
	p.consumers = append(p.consumers, c)
	p.mu.Unlock()
}

// Close also closes every consumer of the producer, as a real engine does.
func (p *Producer) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	consumers := p.consumers
	p.mu.Unlock()
	for _, c := range consumers {
		c.Close()
	}
}

type Consumer struct {
	id         string
	producerID string
	kind       engine.MediaKind
	rtp        engine.RtpParameters
	paused     atomic.Bool
	closed     atomic.Bool

	resumes   atomic.Int32
	keyFrames atomic.Int32
}

func (c *Consumer) ID() string                          { return c.id }
func (c *Consumer) ProducerID() string                  { return c.producerID }
func (c *Consumer) Kind() engine.MediaKind              { return c.kind }
func (c *Consumer) RtpParameters() engine.RtpParameters { return c.rtp }
func (c *Consumer) Paused() bool                        { return c.paused.Load() }
func (c *Consumer) Closed() bool                        { return c.closed.Load() }
func (c *Consumer) Close()                              { c.closed.Store(true) }

func (c *Consumer) Resume(context.Context) error {
	if c.Closed() {
		return errors.New(errors.ErrEngineFailure, "consumer closed")
	}
	if c.paused.CompareAndSwap(true, false) {
		c.resumes.Add(1)
	}
	return nil
}

func (c *Consumer) RequestKeyFrame(context.Context) error {
	if c.Closed() {
		return errors.New(errors.ErrEngineFailure, "consumer closed")
	}
	c.keyFrames.Add(1)
	return nil
}

// Resumes counts effective paused->resumed transitions.
func (c *Consumer) Resumes() int   { return int(c.resumes.Load()) }
func (c *Consumer) KeyFrames() int { return int(c.keyFrames.Load()) }

type Observer struct {
	id       string
	Interval time.Duration
	closed   atomic.Bool

	mu        sync.Mutex
	producers map[string]struct{}
	removed   []string
	speakers  *engine.Emitter[string]

	// FailRemove makes RemoveProducer fail.
	FailRemove error
}

func (o *Observer) ID() string { return o.id }

func (o *Observer) AddProducer(_ context.Context, producerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.producers[producerID] = struct{}{}
	return nil
}

func (o *Observer) RemoveProducer(_ context.Context, producerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.FailRemove != nil {
		return o.FailRemove
	}
	delete(o.producers, producerID)
	o.removed = append(o.removed, producerID)
	return nil
}

func (o *Observer) OnDominantSpeaker(fn func(string)) engine.Unsubscribe {
	return o.speakers.Subscribe(fn)
}

// Speak emits a dominant speaker event for producerID.
func (o *Observer) Speak(producerID string) {
	if o.closed.Load() {
		return
	}
	o.speakers.Emit(producerID)
}

func (o *Observer) Close() {
	if o.closed.CompareAndSwap(false, true) {
		o.speakers.Clear()
	}
}

func (o *Observer) Closed() bool { return o.closed.Load() }

func (o *Observer) Producers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.producers))
	for id := range o.producers {
		out = append(out, id)
	}
	return out
}

func (o *Observer) Removed() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.removed))
	copy(out, o.removed)
	return out
}

var (
	_ engine.Engine                = (*Engine)(nil)
	_ engine.Worker                = (*Worker)(nil)
	_ engine.Router                = (*Router)(nil)
	_ engine.WebRtcTransport       = (*WebRtcTransport)(nil)
	_ engine.PlainTransport        = (*PlainTransport)(nil)
	_ engine.Producer              = (*Producer)(nil)
	_ engine.Consumer              = (*Consumer)(nil)
	_ engine.ActiveSpeakerObserver = (*Observer)(nil)
)
