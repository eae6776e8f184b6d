package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/imtaco/conf-sfu/internal/engine"
	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/log"
)

type fakeControl struct {
	mu       sync.Mutex
	requests []string
	deleted  []string
	events   chan event
	failing  atomic.Bool
}

func (f *fakeControl) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	if r.Method == http.MethodDelete {
		f.deleted = append(f.deleted, r.URL.Path)
	}
}

func (f *fakeControl) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeControl) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]bool{"ok": true})
	})
	mux.HandleFunc("GET /usage", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, engine.ResourceUsage{UserTime: 1.5, SystemTime: 0.25})
	})
	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		var out []event
		select {
		case ev := <-f.events:
			out = append(out, ev)
		case <-time.After(50 * time.Millisecond):
		case <-r.Context().Done():
		}
		writeJSON(w, out)
	})
	mux.HandleFunc("POST /routers", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var body struct {
			MediaCodecs []engine.RtpCodecCapability `json:"mediaCodecs"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, map[string]any{
			"id":              "router-1",
			"rtpCapabilities": engine.RtpCapabilities{Codecs: body.MediaCodecs},
		})
	})
	mux.HandleFunc("POST /routers/{id}/can-consume", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, map[string]bool{"canConsume": true})
	})
	mux.HandleFunc("POST /routers/{id}/webrtc-transports", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if f.failing.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		writeJSON(w, engine.TransportParams{
			ID:            "t-1",
			IceParameters: engine.IceParameters{UsernameFragment: "u", Password: "p"},
		})
	})
	mux.HandleFunc("POST /routers/{id}/active-speaker-observers", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, idResp{ID: "obs-1"})
	})
	mux.HandleFunc("POST /transports/{id}/consume", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var opts engine.ConsumeOptions
		_ = json.NewDecoder(r.Body).Decode(&opts)
		writeJSON(w, map[string]any{
			"id":         "c-1",
			"producerId": opts.ProducerID,
			"kind":       "video",
			"paused":     opts.Paused,
		})
	})
	mux.HandleFunc("POST /consumers/{id}/resume", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, map[string]bool{"ok": true})
	})
	mux.HandleFunc("DELETE /{kind}/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if r.PathValue("id") == "gone" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

type RemoteEngineTestSuite struct {
	suite.Suite
	control *fakeControl
	server  *httptest.Server
	engine  *Engine
	worker  engine.Worker
}

func (s *RemoteEngineTestSuite) SetupTest() {
	s.control = &fakeControl{events: make(chan event, 8)}
	s.server = httptest.NewServer(s.control.handler())

	cfg := &Config{RequestTimeout: 2 * time.Second, StartTimeout: 2 * time.Second}
	s.engine = New(cfg, log.NewNop())
	s.engine.ControlURL = func(engine.WorkerSettings) string { return s.server.URL }

	w, err := s.engine.CreateWorker(context.Background(), engine.WorkerSettings{ID: 0, RtcMinPort: 10000, RtcMaxPort: 10999})
	s.Require().NoError(err)
	s.worker = w
}

func (s *RemoteEngineTestSuite) TearDownTest() {
	s.worker.Close()
	s.server.Close()
}

func (s *RemoteEngineTestSuite) TestResourceUsage() {
	u, err := s.worker.GetResourceUsage(context.Background())
	s.Require().NoError(err)
	s.InDelta(1.75, u.CPU(), 1e-9)
}

func (s *RemoteEngineTestSuite) TestRouterLifecycle() {
	ctx := context.Background()
	r, err := s.worker.CreateRouter(ctx, engine.DefaultMediaCodecs())
	s.Require().NoError(err)
	s.Equal("router-1", r.ID())
	s.Len(r.RtpCapabilities().Codecs, 3)

	ok, err := r.CanConsume(ctx, "p-1", r.RtpCapabilities())
	s.Require().NoError(err)
	s.True(ok)

	r.Close()
	r.Close()
	s.True(r.Closed())
	s.Equal([]string{"/routers/router-1"}, s.control.Deleted())
}

func (s *RemoteEngineTestSuite) TestConsumeAndResume() {
	ctx := context.Background()
	r, err := s.worker.CreateRouter(ctx, engine.DefaultMediaCodecs())
	s.Require().NoError(err)
	t, err := r.CreateWebRtcTransport(ctx, engine.WebRtcTransportOptions{EnableUDP: true})
	s.Require().NoError(err)
	s.Equal("t-1", t.Params().ID)

	c, err := t.Consume(ctx, engine.ConsumeOptions{ProducerID: "p-9", Paused: true})
	s.Require().NoError(err)
	s.Equal("p-9", c.ProducerID())
	s.True(c.Paused())

	s.Require().NoError(c.Resume(ctx))
	s.False(c.Paused())
	// second resume does not reach the engine
	s.Require().NoError(c.Resume(ctx))

	s.control.mu.Lock()
	resumes := 0
	for _, req := range s.control.requests {
		if req == "POST /consumers/c-1/resume" {
			resumes++
		}
	}
	s.control.mu.Unlock()
	s.Equal(1, resumes)
}

func (s *RemoteEngineTestSuite) TestHTTPErrorIsEngineFailure() {
	ctx := context.Background()
	r, err := s.worker.CreateRouter(ctx, engine.DefaultMediaCodecs())
	s.Require().NoError(err)

	s.control.failing.Store(true)
	_, err = r.CreateWebRtcTransport(ctx, engine.WebRtcTransportOptions{})
	s.Require().Error(err)
	s.Equal(errors.ErrEngineFailure, errors.CodeOf(err))
}

func (s *RemoteEngineTestSuite) TestRouterEvents() {
	got := make(chan engine.RouterEvent, 2)
	unsub := s.worker.OnRouterEvent(func(ev engine.RouterEvent) { got <- ev })
	defer unsub()

	s.control.events <- event{Type: eventNewRouter, RouterID: "r-7"}
	s.control.events <- event{Type: eventRouterClose, RouterID: "r-7"}

	s.Equal(engine.RouterEvent{RouterID: "r-7"}, <-got)
	s.Equal(engine.RouterEvent{RouterID: "r-7", Closed: true}, <-got)
}

func (s *RemoteEngineTestSuite) TestDominantSpeakerEvent() {
	ctx := context.Background()
	r, err := s.worker.CreateRouter(ctx, engine.DefaultMediaCodecs())
	s.Require().NoError(err)
	o, err := r.CreateActiveSpeakerObserver(ctx, 300*time.Millisecond)
	s.Require().NoError(err)

	got := make(chan string, 1)
	o.OnDominantSpeaker(func(id string) { got <- id })
	s.control.events <- event{Type: eventDominantSpeaker, ObserverID: "obs-1", ProducerID: "p-3"}

	select {
	case id := <-got:
		s.Equal("p-3", id)
	case <-time.After(2 * time.Second):
		s.Fail("no dominant speaker event")
	}
}

func (s *RemoteEngineTestSuite) TestDiedEvent() {
	died := make(chan error, 1)
	s.worker.OnDied(func(err error) { died <- err })
	s.control.events <- event{Type: eventDied, Error: "segfault"}

	select {
	case err := <-died:
		s.Contains(err.Error(), "segfault")
	case <-time.After(2 * time.Second):
		s.Fail("no died event")
	}
	s.True(s.worker.Closed())
}

func (s *RemoteEngineTestSuite) TestDeleteNotFoundIsIgnored() {
	a := newAPI(s.server.URL, time.Second, log.NewNop())
	s.NoError(a.delete(context.Background(), "/producers/gone"))
}

func TestRemoteEngineTestSuite(t *testing.T) {
	suite.Run(t, new(RemoteEngineTestSuite))
}

func TestCreateWorkerFailsWhenUnreachable(t *testing.T) {
	cfg := &Config{RequestTimeout: 100 * time.Millisecond, StartTimeout: 300 * time.Millisecond}
	e := New(cfg, log.NewNop())
	e.ControlURL = func(engine.WorkerSettings) string { return "http://127.0.0.1:1" }

	_, err := e.CreateWorker(context.Background(), engine.WorkerSettings{ID: 3})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.CodeOf(err) != errors.ErrEngineFailure {
		t.Fatalf("unexpected code %q", errors.CodeOf(err))
	}
}

func TestWorkerProcessExitReportedAfterOverlongOutput(t *testing.T) {
	w := newWorker(engine.WorkerSettings{ID: 1}, nil, log.NewNop())
	died := make(chan error, 1)
	w.OnDied(func(err error) { died <- err })

	cmd := exec.Command("sh", "-c", "head -c 2097152 /dev/zero | tr '\\0' x >&2; exit 2")
	if err := w.startProcess(cmd); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-died:
		if errors.CodeOf(err) != errors.ErrEngineFailure {
			t.Fatalf("unexpected code %q", errors.CodeOf(err))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine exit not reported")
	}
	if !w.Closed() {
		t.Fatal("worker should be closed")
	}
}

func TestEventsPollOutlivesRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		writeJSON(w, []event{{Type: eventNewRouter, RouterID: "router-1"}})
	}))
	defer srv.Close()

	a := newAPI(srv.URL, 50*time.Millisecond, log.NewNop())

	// a short request against the same slow endpoint times out
	var out []event
	if err := a.get(context.Background(), "/events", nil, &out); err == nil {
		t.Fatal("expected the short request to time out")
	}

	evs, err := a.getEvents(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].RouterID != "router-1" {
		t.Fatalf("unexpected events %+v", evs)
	}
}
