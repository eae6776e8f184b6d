// Package compositor turns a snapshot of a room's producers into a composite
// HLS stream: plain transports and paused consumers per producer, an SDP
// describing them, and a supervised transcoder process.
package compositor

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/imtaco/conf-sfu/internal/engine"
	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/log"
	intotel "github.com/imtaco/conf-sfu/internal/otel"
	"github.com/imtaco/conf-sfu/internal/scheduler"
	isync "github.com/imtaco/conf-sfu/internal/sync"
	"github.com/imtaco/conf-sfu/mixers"
	"github.com/imtaco/conf-sfu/mixers/ffmpeg"
)

const engineCallTimeout = 5 * time.Second

var tracer = otel.Tracer("hls.compositor")

type stream struct {
	mu         sync.Mutex
	id         string
	roomID     string
	dir        string
	state      mixers.StreamState
	transports []engine.PlainTransport
	consumers  []engine.Consumer
	proc       *ffmpeg.Process
	resumed    bool
	resolved   bool
	onResolved func(string, error)
	createdAt  time.Time
}

func (s *stream) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.state.Terminal() && s.state != mixers.StateStopping
}

type Option func(*compositorImpl)

// WithClock drives the delayed consumer resume from clock.
func WithClock(clock clockwork.Clock) Option {
	return func(c *compositorImpl) { c.clock = clock }
}

// WithSpawn replaces how the transcoder command is built.
func WithSpawn(spawn ffmpeg.SpawnFunc) Option {
	return func(c *compositorImpl) { c.spawn = spawn }
}

type compositorImpl struct {
	cfg     mixers.Config
	ports   mixers.PortAllocator
	monitor mixers.ReadinessMonitor
	resumer *scheduler.KeyedScheduler
	clock   clockwork.Clock
	spawn   ffmpeg.SpawnFunc

	streams *isync.Map[string, *stream]

	retainMu sync.Mutex
	latest   string

	closeOnce sync.Once
	done      chan struct{}
	logger    *log.Logger
}

func NewCompositor(
	cfg mixers.Config,
	ports mixers.PortAllocator,
	monitor mixers.ReadinessMonitor,
	logger *log.Logger,
	opts ...Option,
) mixers.Compositor {
	c := &compositorImpl{
		cfg:     cfg,
		ports:   ports,
		monitor: monitor,
		clock:   clockwork.NewRealClock(),
		spawn:   ffmpeg.DefaultSpawn,
		streams: isync.NewMap[string, *stream](),
		done:    make(chan struct{}),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.resumer = scheduler.NewKeyedScheduler(logger.Module("Resume"), scheduler.WithClock(c.clock))
	go c.resumeLoop()
	return c
}

func (c *compositorImpl) playlistURL(streamID string) string {
	return path.Join(c.cfg.PublicPath, streamID, ffmpeg.PlaylistName)
}

func (c *compositorImpl) Start(ctx context.Context, req mixers.StartRequest) (*mixers.StartResult, error) {
	ctx, span := intotel.StartSpan(ctx, tracer, "compositor.start",
		attribute.String("room.id", req.RoomID),
		attribute.Int("inputs.audio", len(req.Audio)),
		attribute.Int("inputs.video", len(req.Video)))
	defer span.End()

	if len(req.Audio) == 0 && len(req.Video) == 0 {
		return nil, errors.New(errors.ErrInvalidState, "no producers to composite")
	}
	if req.Router == nil {
		return nil, errors.New(errors.ErrInvalidArgument, "router is required")
	}

	s := &stream{
		id:         req.RoomID + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0],
		roomID:     req.RoomID,
		state:      mixers.StateAllocating,
		onResolved: req.OnResolved,
		createdAt:  c.clock.Now(),
	}
	s.dir = filepath.Join(c.cfg.Root, s.id)
	span.SetAttributes(attribute.String("stream.id", s.id))
	logger := c.logger.With(log.String("streamId", s.id), log.String("roomId", s.roomID))

	media, err := c.allocate(ctx, s, req)
	if err != nil {
		c.release(s)
		intotel.RecordError(span, err)
		streamsFailed.Add(ctx, 1)
		return nil, err
	}
	if len(media) == 0 {
		c.release(s)
		streamsFailed.Add(ctx, 1)
		return nil, errors.New(errors.ErrInvalidState, "all producers are closed")
	}

	sdpPath, err := ffmpeg.WriteSDP(s.dir, s.id, media)
	if err != nil {
		c.release(s)
		_ = os.RemoveAll(s.dir)
		intotel.RecordError(span, err)
		streamsFailed.Add(ctx, 1)
		return nil, err
	}

	audio, video := 0, 0
	for _, m := range media {
		if m.Kind == engine.KindAudio {
			audio++
		} else {
			video++
		}
	}
	args := ffmpeg.BuildArgs(ffmpeg.Options{
		SDPPath:        sdpPath,
		OutDir:         s.dir,
		AudioInputs:    audio,
		VideoInputs:    video,
		Width:          c.cfg.CanvasWidth,
		Height:         c.cfg.CanvasHeight,
		FPS:            c.cfg.FPS,
		SegmentSeconds: c.cfg.SegmentSeconds,
		ListSize:       c.cfg.ListSize,
	})

	s.proc = ffmpeg.NewProcess(s.id, c.cfg.FFmpeg, args, c.cfg.ForceKillTimeout, logger.Module("FFmpeg"))
	s.proc.Spawn = c.spawn

	// Registered before spawning so an immediate exit finds the stream.
	s.state = mixers.StateEncoding
	c.streams.Store(s.id, s)

	if err := s.proc.Start(ctx, func(code int, graceful bool) { c.onExit(s, code, graceful) }); err != nil {
		c.streams.Delete(s.id)
		s.mu.Lock()
		s.state = mixers.StateFailed
		s.mu.Unlock()
		c.release(s)
		_ = os.RemoveAll(s.dir)
		intotel.RecordError(span, err)
		streamsFailed.Add(ctx, 1)
		return nil, err
	}

	logger.Info("Composite stream started",
		log.Int("audioInputs", audio),
		log.Int("videoInputs", video),
		log.Int("pid", s.proc.PID()))
	streamsStarted.Add(ctx, 1)
	streamsActive.Add(ctx, 1)

	c.resumer.Enqueue(s.id, c.cfg.ResumeDelay)

	s.mu.Lock()
	if s.state == mixers.StateEncoding {
		s.state = mixers.StateVerifying
	}
	s.mu.Unlock()
	if c.monitor != nil {
		c.monitor.Watch(s.id, s.dir, s.alive, func(err error) { c.onVerified(s, err) })
	}

	c.retainMu.Lock()
	c.latest = s.id
	c.retainMu.Unlock()
	go c.purge()

	return &mixers.StartResult{StreamID: s.id, PlaylistURL: c.playlistURL(s.id)}, nil
}

// allocate creates a plain transport and a paused consumer per live
// producer, audio first. Created handles are recorded on s as they are made.
func (c *compositorImpl) allocate(ctx context.Context, s *stream, req mixers.StartRequest) ([]ffmpeg.Media, error) {
	caps := req.Router.RtpCapabilities()
	producers := make([]engine.Producer, 0, len(req.Audio)+len(req.Video))
	producers = append(producers, req.Audio...)
	producers = append(producers, req.Video...)

	var media []ffmpeg.Media
	for _, p := range producers {
		if p.Closed() {
			continue
		}
		rtp, rtcp, err := c.ports.Next()
		if err != nil {
			return nil, err
		}

		t, err := req.Router.CreatePlainTransport(ctx, engine.PlainTransportOptions{
			ListenIP: engine.ListenIP{IP: "127.0.0.1"},
			RtcpMux:  false,
			Comedia:  false,
		})
		if err != nil {
			return nil, errors.Wrap(errors.ErrEngineFailure, err, "create plain transport")
		}
		s.transports = append(s.transports, t)

		if err := t.Connect(ctx, engine.PlainConnectParams{IP: "127.0.0.1", Port: rtp, RtcpPort: rtcp}); err != nil {
			return nil, errors.Wrap(errors.ErrEngineFailure, err, "connect plain transport")
		}

		consumer, err := t.Consume(ctx, engine.ConsumeOptions{
			ProducerID:      p.ID(),
			RtpCapabilities: caps,
			Paused:          true,
		})
		if err != nil {
			return nil, errors.Wrapf(errors.ErrEngineFailure, err, "consume producer %s", p.ID())
		}
		s.consumers = append(s.consumers, consumer)

		codecs := consumer.RtpParameters().Codecs
		if len(codecs) == 0 {
			return nil, errors.Newf(errors.ErrEngineFailure, "consumer %s has no codec", consumer.ID())
		}
		media = append(media, ffmpeg.Media{
			Kind:     p.Kind(),
			RtpPort:  rtp,
			RtcpPort: rtcp,
			Codec:    codecs[0],
		})
	}
	return media, nil
}

// release closes every plain transport of s, which also closes their
// consumers.
func (c *compositorImpl) release(s *stream) {
	s.mu.Lock()
	transports, consumers := s.transports, s.consumers
	s.transports, s.consumers = nil, nil
	s.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	for _, consumer := range consumers {
		consumer.Close()
	}
}

func (c *compositorImpl) resumeLoop() {
	for {
		select {
		case <-c.done:
			return
		case id, ok := <-c.resumer.Chan():
			if !ok {
				return
			}
			if s, ok := c.streams.Load(id); ok {
				c.resume(s)
			}
		}
	}
}

// resume unpauses every consumer of s once and asks for a keyframe on each
// video consumer. A stream that is no longer running is left alone.
func (c *compositorImpl) resume(s *stream) {
	s.mu.Lock()
	if s.resumed || s.state.Terminal() || s.state == mixers.StateStopping {
		s.mu.Unlock()
		return
	}
	s.resumed = true
	consumers := append([]engine.Consumer(nil), s.consumers...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), engineCallTimeout)
	defer cancel()

	for _, consumer := range consumers {
		if err := consumer.Resume(ctx); err != nil {
			c.logger.Warn("Failed to resume composite consumer",
				log.String("streamId", s.id),
				log.String("consumerId", consumer.ID()),
				log.Error(err))
			continue
		}
		if consumer.Kind() != engine.KindVideo {
			continue
		}
		if err := consumer.RequestKeyFrame(ctx); err != nil {
			c.logger.Warn("Failed to request keyframe",
				log.String("streamId", s.id),
				log.String("consumerId", consumer.ID()),
				log.Error(err))
		}
	}
}

func (c *compositorImpl) onVerified(s *stream, err error) {
	if err != nil {
		c.fail(s, err)
		return
	}

	s.mu.Lock()
	if s.state != mixers.StateVerifying && s.state != mixers.StateEncoding {
		s.mu.Unlock()
		return
	}
	s.state = mixers.StateLive
	s.mu.Unlock()

	c.logger.Info("Composite stream is live", log.String("streamId", s.id))
	c.resolve(s, nil)
}

func (c *compositorImpl) onExit(s *stream, code int, graceful bool) {
	if graceful {
		return
	}
	c.fail(s, errors.Newf(errors.ErrProcessFailure, "transcoder exited with code %d", code))
}

// fail moves s to Failed, releases what it owns and reports err to the
// requester unless the stream was already resolved.
func (c *compositorImpl) fail(s *stream, err error) {
	s.mu.Lock()
	if s.state.Terminal() || s.state == mixers.StateStopping {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = mixers.StateFailed
	s.mu.Unlock()

	c.logger.Warn("Composite stream failed",
		log.String("streamId", s.id),
		log.String("state", prev.String()),
		log.Error(err))

	c.streams.Delete(s.id)
	c.resumer.Cancel(s.id)
	if s.proc != nil {
		s.proc.Stop()
	}
	c.release(s)
	streamsFailed.Add(context.Background(), 1)
	streamsActive.Add(context.Background(), -1)

	if prev != mixers.StateLive {
		c.resolve(s, err)
	}
}

func (c *compositorImpl) resolve(s *stream, err error) {
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		return
	}
	s.resolved = true
	fn := s.onResolved
	s.mu.Unlock()

	if fn != nil {
		fn(s.id, err)
	}
}

func (c *compositorImpl) Stop(ctx context.Context, streamID string) error {
	s, ok := c.streams.Load(streamID)
	if !ok {
		return nil
	}

	_, span := intotel.StartSpan(ctx, tracer, "compositor.stop",
		attribute.String("stream.id", streamID))
	defer span.End()

	s.mu.Lock()
	if s.state.Terminal() || s.state == mixers.StateStopping {
		s.mu.Unlock()
		return nil
	}
	s.state = mixers.StateStopping
	s.mu.Unlock()

	c.resumer.Cancel(s.id)
	s.proc.Stop()
	c.release(s)
	c.streams.Delete(s.id)

	s.mu.Lock()
	s.state = mixers.StateStopped
	s.mu.Unlock()

	c.logger.Info("Composite stream stopped",
		log.String("streamId", s.id),
		log.String("roomId", s.roomID))
	streamsStopped.Add(ctx, 1)
	streamsActive.Add(ctx, -1)

	go c.purge()
	return nil
}

func (c *compositorImpl) StopRoom(ctx context.Context, roomID string) {
	for _, id := range c.streams.Keys(func(s *stream) bool { return s.roomID == roomID }) {
		_ = c.Stop(ctx, id)
	}
}

func (c *compositorImpl) Streams() []mixers.StreamInfo {
	var out []mixers.StreamInfo
	c.streams.Range(func(id string, s *stream) bool {
		s.mu.Lock()
		info := mixers.StreamInfo{
			StreamID:    id,
			RoomID:      s.roomID,
			State:       s.state,
			PlaylistURL: c.playlistURL(id),
			Inputs:      len(s.consumers),
			LastSegment: -1,
			CreatedAt:   s.createdAt,
		}
		s.mu.Unlock()
		if s.proc != nil {
			info.PID = s.proc.PID()
			info.LastSegment = s.proc.LastSegment()
		}
		out = append(out, info)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close stops every stream and waits, bounded by ctx, for the transcoders
// to exit.
func (c *compositorImpl) Close(ctx context.Context) {
	c.closeOnce.Do(func() {
		var procs []*ffmpeg.Process
		for _, id := range c.streams.Keys(nil) {
			if s, ok := c.streams.Load(id); ok && s.proc != nil {
				procs = append(procs, s.proc)
			}
			_ = c.Stop(ctx, id)
		}
		close(c.done)
		c.resumer.Shutdown()

		for _, p := range procs {
			select {
			case <-p.Exited():
			case <-ctx.Done():
				c.logger.Warn("Transcoders still running at close", log.Error(ctx.Err()))
				return
			}
		}
	})
}

// purge removes stream directories under the root other than the most
// recently started one and those still owned by a running stream.
func (c *compositorImpl) purge() {
	c.retainMu.Lock()
	defer c.retainMu.Unlock()

	entries, err := os.ReadDir(c.cfg.Root)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("Failed to list stream directories", log.Error(err))
		}
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == c.latest {
			continue
		}
		if _, active := c.streams.Load(e.Name()); active {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.cfg.Root, e.Name())); err != nil {
			c.logger.Warn("Failed to purge stream directory",
				log.String("dir", e.Name()),
				log.Error(err))
			continue
		}
		c.logger.Debug("Purged stream directory", log.String("dir", e.Name()))
	}
}
