package compositor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/suite"

	"github.com/imtaco/conf-sfu/internal/engine"
	"github.com/imtaco/conf-sfu/internal/engine/enginetest"
	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/log"
	"github.com/imtaco/conf-sfu/mixers"
	"github.com/imtaco/conf-sfu/mixers/ports"
)

type watch struct {
	dir   string
	alive func() bool
	done  func(error)
}

type fakeMonitor struct {
	mu      sync.Mutex
	watches map[string]*watch
}

func (m *fakeMonitor) Watch(streamID, dir string, alive func() bool, done func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watches[streamID] = &watch{dir: dir, alive: alive, done: done}
}

func (m *fakeMonitor) get(streamID string) *watch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watches[streamID]
}

type resolution struct {
	streamID string
	err      error
}

type CompositorTestSuite struct {
	suite.Suite
	ctx      context.Context
	root     string
	router   *enginetest.Router
	producer engine.WebRtcTransport
	monitor  *fakeMonitor
	comp     mixers.Compositor
	cfg      mixers.Config

	spawnMu  sync.Mutex
	spawned  [][]string
	spawnCmd []string

	resolved chan resolution
}

func TestCompositorTestSuite(t *testing.T) {
	suite.Run(t, new(CompositorTestSuite))
}

func (s *CompositorTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.root = s.T().TempDir()

	w, err := enginetest.New().CreateWorker(s.ctx, engine.WorkerSettings{})
	s.Require().NoError(err)
	r, err := w.CreateRouter(s.ctx, engine.DefaultMediaCodecs())
	s.Require().NoError(err)
	s.router = r.(*enginetest.Router)
	s.producer, err = r.CreateWebRtcTransport(s.ctx, engine.WebRtcTransportOptions{})
	s.Require().NoError(err)

	s.monitor = &fakeMonitor{watches: map[string]*watch{}}
	s.spawned = nil
	s.spawnCmd = []string{"sleep", "30"}
	s.resolved = make(chan resolution, 10)
	s.cfg = mixers.Config{
		Root:             s.root,
		PublicPath:       "/hls",
		FFmpeg:           "ffmpeg",
		ResumeDelay:      10 * time.Millisecond,
		ForceKillTimeout: time.Second,
	}
	s.comp = s.newCompositor()
}

func (s *CompositorTestSuite) newCompositor(opts ...Option) mixers.Compositor {
	opts = append(opts, WithSpawn(func(_ string, args []string) *exec.Cmd {
		s.spawnMu.Lock()
		defer s.spawnMu.Unlock()
		s.spawned = append(s.spawned, args)
		return exec.Command(s.spawnCmd[0], s.spawnCmd[1:]...)
	}))
	return NewCompositor(s.cfg, ports.NewAllocator(20000, false, log.NewNop()), s.monitor, log.NewNop(), opts...)
}

func (s *CompositorTestSuite) TearDownTest() {
	s.comp.Close(s.ctx)
}

func (s *CompositorTestSuite) spawnCount() int {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()
	return len(s.spawned)
}

func (s *CompositorTestSuite) produce(kind engine.MediaKind) engine.Producer {
	codec := engine.RtpCodecParameters{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}
	if kind == engine.KindVideo {
		codec = engine.RtpCodecParameters{
			MimeType: "video/H264", PayloadType: 102, ClockRate: 90000,
			Parameters: map[string]any{"packetization-mode": 1},
		}
	}
	p, err := s.producer.Produce(s.ctx, kind, engine.RtpParameters{Codecs: []engine.RtpCodecParameters{codec}})
	s.Require().NoError(err)
	return p
}

func (s *CompositorTestSuite) request(roomID string, audio, video []engine.Producer) mixers.StartRequest {
	return mixers.StartRequest{
		RoomID: roomID,
		Router: s.router,
		Audio:  audio,
		Video:  video,
		OnResolved: func(streamID string, err error) {
			s.resolved <- resolution{streamID: streamID, err: err}
		},
	}
}

func (s *CompositorTestSuite) plainTransports() []*enginetest.PlainTransport {
	var out []*enginetest.PlainTransport
	for _, t := range s.router.Transports() {
		if pt, ok := t.(*enginetest.PlainTransport); ok {
			out = append(out, pt)
		}
	}
	return out
}

func (s *CompositorTestSuite) openPlainTransports() int {
	n := 0
	for _, t := range s.plainTransports() {
		if !t.Closed() {
			n++
		}
	}
	return n
}

func (s *CompositorTestSuite) rootEntries() []string {
	entries, err := os.ReadDir(s.root)
	s.Require().NoError(err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (s *CompositorTestSuite) TestStartWithoutProducersFails() {
	_, err := s.comp.Start(s.ctx, s.request("R1", nil, nil))

	s.Require().Error(err)
	s.True(errors.Is(err, errors.ErrInvalidState))
	s.Empty(s.plainTransports())
	s.Empty(s.rootEntries())
	s.Zero(s.spawnCount())
}

func (s *CompositorTestSuite) TestStartWithOnlyClosedProducersReleases() {
	a := s.produce(engine.KindAudio)
	v := s.produce(engine.KindVideo)
	a.Close()
	v.Close()

	_, err := s.comp.Start(s.ctx, s.request("R1", []engine.Producer{a}, []engine.Producer{v}))

	s.Require().Error(err)
	s.True(errors.Is(err, errors.ErrInvalidState))
	s.Zero(s.openPlainTransports())
	s.Empty(s.rootEntries())
	s.Zero(s.spawnCount())
}

func (s *CompositorTestSuite) TestStartThreeVideoOneAudio() {
	audio := []engine.Producer{s.produce(engine.KindAudio)}
	video := []engine.Producer{s.produce(engine.KindVideo), s.produce(engine.KindVideo), s.produce(engine.KindVideo)}

	res, err := s.comp.Start(s.ctx, s.request("R1", audio, video))
	s.Require().NoError(err)
	s.True(strings.HasPrefix(res.StreamID, "R1-"))
	s.Equal("/hls/"+res.StreamID+"/stream.m3u8", res.PlaylistURL)

	// audio first, ports step by two
	pts := s.plainTransports()
	s.Require().Len(pts, 4)
	for i, pt := range pts {
		remote, ok := pt.Remote()
		s.Require().True(ok)
		s.Equal(20000+2*i, remote.Port)
		s.Equal(20001+2*i, remote.RtcpPort)
		s.Equal("127.0.0.1", remote.IP)
		s.False(pt.Options.RtcpMux)
		s.False(pt.Options.Comedia)
	}
	s.Equal(engine.KindAudio, pts[0].Consumers()[0].Kind())

	body, err := os.ReadFile(filepath.Join(s.root, res.StreamID, "stream.sdp"))
	s.Require().NoError(err)
	sdpText := string(body)
	s.Less(strings.Index(sdpText, "m=audio 20000"), strings.Index(sdpText, "m=video 20002"))
	s.Contains(sdpText, "a=fmtp:102 packetization-mode=1")

	s.Require().Equal(1, s.spawnCount())
	s.spawnMu.Lock()
	args := strings.Join(s.spawned[0], " ")
	s.spawnMu.Unlock()
	s.Contains(args, "xstack=inputs=3")
	s.NotContains(args, "amix")

	// consumers start paused, then resume once after the delay
	s.Eventually(func() bool {
		for _, pt := range pts {
			if pt.Consumers()[0].Paused() {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	for _, pt := range pts {
		c := pt.Consumers()[0]
		s.Equal(1, c.Resumes())
		if c.Kind() == engine.KindVideo {
			s.Equal(1, c.KeyFrames())
		} else {
			s.Zero(c.KeyFrames())
		}
	}

	w := s.monitor.get(res.StreamID)
	s.Require().NotNil(w)
	s.Equal(filepath.Join(s.root, res.StreamID), w.dir)
	s.True(w.alive())

	w.done(nil)
	w.done(nil)

	got := <-s.resolved
	s.Equal(res.StreamID, got.streamID)
	s.NoError(got.err)
	s.Never(func() bool { return len(s.resolved) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	streams := s.comp.Streams()
	s.Require().Len(streams, 1)
	s.Equal(mixers.StateLive, streams[0].State)
	s.Equal(4, streams[0].Inputs)
	s.Equal(-1, streams[0].LastSegment)
}

func (s *CompositorTestSuite) TestSkipsClosedProducers() {
	a := s.produce(engine.KindAudio)
	v := s.produce(engine.KindVideo)
	a.Close()

	_, err := s.comp.Start(s.ctx, s.request("R1", []engine.Producer{a}, []engine.Producer{v}))
	s.Require().NoError(err)
	s.Len(s.plainTransports(), 1)

	s.spawnMu.Lock()
	args := strings.Join(s.spawned[0], " ")
	s.spawnMu.Unlock()
	s.Contains(args, "-map 0:v:0")
	s.NotContains(args, "-c:a")
}

func (s *CompositorTestSuite) TestStopUnknownIsNoop() {
	s.NoError(s.comp.Stop(s.ctx, "nope"))
}

func (s *CompositorTestSuite) TestStopReleasesAndCancelsPendingWork() {
	clock := clockwork.NewFakeClock()
	s.cfg.ResumeDelay = time.Minute
	s.comp.Close(s.ctx)
	s.comp = s.newCompositor(WithClock(clock))

	v := s.produce(engine.KindVideo)
	res, err := s.comp.Start(s.ctx, s.request("R1", nil, []engine.Producer{v}))
	s.Require().NoError(err)
	w := s.monitor.get(res.StreamID)
	s.Require().NotNil(w)

	s.NoError(s.comp.Stop(s.ctx, res.StreamID))
	s.NoError(s.comp.Stop(s.ctx, res.StreamID))

	s.Zero(s.openPlainTransports())
	s.Empty(s.comp.Streams())
	s.False(w.alive())

	// a late verification result is ignored
	w.done(nil)
	s.Never(func() bool { return len(s.resolved) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(2 * time.Minute)
	consumer := s.plainTransports()[0].Consumers()[0]
	s.Never(func() bool { return consumer.Resumes() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func (s *CompositorTestSuite) TestTranscoderExitFailsStream() {
	s.spawnCmd = []string{"true"}
	v := s.produce(engine.KindVideo)

	res, err := s.comp.Start(s.ctx, s.request("R1", nil, []engine.Producer{v}))
	s.Require().NoError(err)

	select {
	case got := <-s.resolved:
		s.Equal(res.StreamID, got.streamID)
		s.True(errors.Is(got.err, errors.ErrProcessFailure))
	case <-time.After(2 * time.Second):
		s.Fail("failure not reported")
	}
	s.Eventually(func() bool { return s.openPlainTransports() == 0 }, time.Second, 5*time.Millisecond)
	s.Empty(s.comp.Streams())
}

func (s *CompositorTestSuite) TestVerificationTimeoutFailsStream() {
	v := s.produce(engine.KindVideo)
	res, err := s.comp.Start(s.ctx, s.request("R1", nil, []engine.Producer{v}))
	s.Require().NoError(err)

	w := s.monitor.get(res.StreamID)
	s.Require().NotNil(w)
	w.done(errors.New(errors.ErrTimeout, "Stream timed out"))

	got := <-s.resolved
	s.Equal("Stream timed out", errors.Message(got.err))
	s.Zero(s.openPlainTransports())
	s.Empty(s.comp.Streams())
	s.False(w.alive())
}

func (s *CompositorTestSuite) TestRetentionKeepsLatestStream() {
	stale := filepath.Join(s.root, "old-stream")
	s.Require().NoError(os.MkdirAll(stale, 0o755))

	first, err := s.comp.Start(s.ctx, s.request("R1", []engine.Producer{s.produce(engine.KindAudio)}, nil))
	s.Require().NoError(err)
	s.Eventually(func() bool {
		_, err := os.Stat(stale)
		return os.IsNotExist(err)
	}, time.Second, 5*time.Millisecond)
	s.DirExists(filepath.Join(s.root, first.StreamID))

	s.Require().NoError(s.comp.Stop(s.ctx, first.StreamID))
	second, err := s.comp.Start(s.ctx, s.request("R1", []engine.Producer{s.produce(engine.KindAudio)}, nil))
	s.Require().NoError(err)

	s.Eventually(func() bool {
		entries := s.rootEntries()
		return len(entries) == 1 && entries[0] == second.StreamID
	}, time.Second, 5*time.Millisecond)
}

func (s *CompositorTestSuite) TestStopRoomStopsOnlyThatRoom() {
	_, err := s.comp.Start(s.ctx, s.request("R1", []engine.Producer{s.produce(engine.KindAudio)}, nil))
	s.Require().NoError(err)
	_, err = s.comp.Start(s.ctx, s.request("R1", nil, []engine.Producer{s.produce(engine.KindVideo)}))
	s.Require().NoError(err)
	other, err := s.comp.Start(s.ctx, s.request("R2", []engine.Producer{s.produce(engine.KindAudio)}, nil))
	s.Require().NoError(err)

	s.comp.StopRoom(s.ctx, "R1")

	streams := s.comp.Streams()
	s.Require().Len(streams, 1)
	s.Equal(other.StreamID, streams[0].StreamID)
	s.Equal(1, s.openPlainTransports())
}

func (s *CompositorTestSuite) TestCloseWaitsForTranscoders() {
	_, err := s.comp.Start(s.ctx, s.request("R1", []engine.Producer{s.produce(engine.KindAudio)}, nil))
	s.Require().NoError(err)
	streams := s.comp.Streams()
	s.Require().Len(streams, 1)
	pid := streams[0].PID
	s.Require().Positive(pid)

	ctx, cancel := context.WithTimeout(s.ctx, 3*time.Second)
	defer cancel()
	s.comp.Close(ctx)

	// reaped by the time Close returns
	s.Error(syscall.Kill(pid, 0))
	s.Empty(s.comp.Streams())
}
