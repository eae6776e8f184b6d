package remote

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/imtaco/conf-sfu/internal/engine"
	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/log"
	isync "github.com/imtaco/conf-sfu/internal/sync"
	"github.com/imtaco/conf-sfu/internal/utils"
)

const (
	forceKillTimeout = 5 * time.Second
	eventRetryDelay  = time.Second
)

type worker struct {
	settings engine.WorkerSettings
	api      *api
	logger   *log.Logger

	pid    atomic.Int32
	cmd    *exec.Cmd
	exited chan struct{}
	closed atomic.Bool

	cancelEvents context.CancelFunc
	eventsDone   chan struct{}
	closeOnce    sync.Once

	routerEvents *engine.Emitter[engine.RouterEvent]
	died         *engine.Emitter[error]
	observers    *isync.Map[string, *observer]
}

func newWorker(settings engine.WorkerSettings, a *api, logger *log.Logger) *worker {
	return &worker{
		settings:     settings,
		api:          a,
		logger:       logger,
		routerEvents: engine.NewEmitter[engine.RouterEvent](),
		died:         engine.NewEmitter[error](),
		observers:    isync.NewMap[string, *observer](),
	}
}

func (w *worker) startProcess(cmd *exec.Cmd) error {
	stdout, _ := cmd.StdoutPipe()
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return errors.Wrap(errors.ErrEngineFailure, err, "start engine process")
	}
	w.cmd = cmd
	w.exited = make(chan struct{})
	// #nosec G115 -- Process.Pid fits in int32 on all supported platforms
	w.pid.Store(int32(cmd.Process.Pid))

	var pipes sync.WaitGroup
	pipes.Add(2)
	go w.pipeLog(&pipes, stdout, "engine stdout")
	go w.pipeLog(&pipes, stderr, "engine stderr")
	go func() {
		pipes.Wait()
		w.waitExit()
	}()
	return nil
}

func (w *worker) pipeLog(wg *sync.WaitGroup, r io.Reader, msg string) {
	defer wg.Done()
	err := utils.ReadLines(r, func(line string) {
		w.logger.Debug(msg, log.String("output", line))
	})
	if err != nil {
		w.logger.Warn(msg+" unreadable, discarding", log.Error(err))
	}
}

func (w *worker) waitExit() {
	err := w.cmd.Wait()
	close(w.exited)
	if w.closed.Load() {
		w.logger.Info("engine process stopped", log.Int("pid", w.PID()))
		return
	}
	if err == nil {
		err = errors.New(errors.ErrEngineFailure, "engine process exited")
	} else {
		err = errors.Wrap(errors.ErrEngineFailure, err, "engine process exited")
	}
	w.markDied(err)
}

func (w *worker) markDied(err error) {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	w.logger.Error("engine worker died", log.Int("pid", w.PID()), log.Error(err))
	if w.cancelEvents != nil {
		w.cancelEvents()
	}
	w.died.Emit(err)
	w.dropObservers()
}

// dropObservers detaches speaker subscribers of a worker that can no longer
// deliver events.
func (w *worker) dropObservers() {
	for _, id := range w.observers.Keys(nil) {
		if o, ok := w.observers.LoadAndDelete(id); ok {
			o.speakers.Clear()
		}
	}
}

func (w *worker) startEventLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancelEvents = cancel
	w.eventsDone = make(chan struct{})
	go w.runEvents(ctx)
}

func (w *worker) runEvents(ctx context.Context) {
	defer close(w.eventsDone)
	for {
		evs, err := w.api.getEvents(ctx, defaultMaxEvents)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Warn("engine events poll failed", log.Error(err))
			select {
			case <-time.After(eventRetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, ev := range evs {
			w.dispatch(ev)
		}
	}
}

func (w *worker) dispatch(ev event) {
	switch ev.Type {
	case eventNewRouter:
		w.routerEvents.Emit(engine.RouterEvent{RouterID: ev.RouterID})
	case eventRouterClose:
		w.routerEvents.Emit(engine.RouterEvent{RouterID: ev.RouterID, Closed: true})
	case eventDominantSpeaker:
		if o, ok := w.observers.Load(ev.ObserverID); ok {
			o.speakers.Emit(ev.ProducerID)
		}
	case eventDied:
		w.markDied(errors.New(errors.ErrEngineFailure, ev.Error))
	default:
		w.logger.Debug("unknown engine event", log.String("type", ev.Type))
	}
}

func (w *worker) PID() int     { return int(w.pid.Load()) }
func (w *worker) Closed() bool { return w.closed.Load() }

func (w *worker) CreateRouter(ctx context.Context, codecs []engine.RtpCodecCapability) (engine.Router, error) {
	if w.Closed() {
		return nil, errors.New(errors.ErrEngineFailure, "worker closed")
	}
	var out struct {
		ID              string                 `json:"id"`
		RtpCapabilities engine.RtpCapabilities `json:"rtpCapabilities"`
	}
	body := map[string]any{"mediaCodecs": codecs}
	if err := w.api.post(ctx, "/routers", body, &out); err != nil {
		return nil, err
	}
	return &router{w: w, id: out.ID, caps: out.RtpCapabilities}, nil
}

func (w *worker) GetResourceUsage(ctx context.Context) (engine.ResourceUsage, error) {
	var u engine.ResourceUsage
	if err := w.api.get(ctx, "/usage", nil, &u); err != nil {
		return engine.ResourceUsage{}, err
	}
	return u, nil
}

func (w *worker) OnRouterEvent(fn func(engine.RouterEvent)) engine.Unsubscribe {
	return w.routerEvents.Subscribe(fn)
}

func (w *worker) OnDied(fn func(error)) engine.Unsubscribe {
	return w.died.Subscribe(fn)
}

func (w *worker) Close() {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		if w.cancelEvents != nil {
			w.cancelEvents()
		}
		w.dropObservers()
		if w.cmd == nil || w.cmd.Process == nil {
			return
		}
		if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			w.logger.Error("Failed to send SIGTERM to engine process", log.Int("pid", w.PID()), log.Error(err))
		}
		go func(cmd *exec.Cmd, exited <-chan struct{}) {
			select {
			case <-exited:
			case <-time.After(forceKillTimeout):
				w.logger.Info("Force killing engine", log.Int("pid", w.PID()))
				_ = cmd.Process.Kill()
			}
		}(w.cmd, w.exited)
	})
}

var _ engine.Worker = (*worker)(nil)
