// Package workers places rooms on media engine workers.
package workers

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/imtaco/conf-sfu/internal/engine"
	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/log"
)

const usageTimeout = 3 * time.Second

type handle struct {
	id     int
	worker engine.Worker

	// guarded by poolImpl.mu
	roomCount  int
	cpuUsage   float64
	lastUsedAt time.Time
	closed     bool

	unsubs []engine.Unsubscribe
}

type poolImpl struct {
	cfg    *Config
	engine engine.Engine
	clock  clockwork.Clock
	logger *log.Logger

	mu      sync.Mutex
	workers []*handle

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewPool(cfg *Config, eng engine.Engine, logger *log.Logger) Pool {
	return newPoolWithClock(cfg, eng, clockwork.NewRealClock(), logger)
}

func newPoolWithClock(cfg *Config, eng engine.Engine, clock clockwork.Clock, logger *log.Logger) *poolImpl {
	if logger == nil {
		panic("logger is required")
	}
	return &poolImpl{
		cfg:    cfg,
		engine: eng,
		clock:  clock,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Initialize starts cfg.Count workers in parallel, worker i owning ports
// [PortBase+i*1000, PortBase+i*1000+999].
func (p *poolImpl) Initialize(ctx context.Context) error {
	handles := make([]*handle, p.cfg.Count)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Count; i++ {
		settings := engine.WorkerSettings{
			ID:         i,
			RtcMinPort: p.cfg.PortBase + i*PortsPerWorker,
			RtcMaxPort: p.cfg.PortBase + i*PortsPerWorker + PortsPerWorker - 1,
			LogLevel:   p.cfg.LogLevel,
		}
		g.Go(func() error {
			w, err := p.engine.CreateWorker(gctx, settings)
			if err != nil {
				return errors.Wrapf(errors.ErrEngineFailure, err, "create worker %d", settings.ID)
			}
			handles[settings.ID] = &handle{id: settings.ID, worker: w, lastUsedAt: p.clock.Now()}
			workersStarted.Add(gctx, 1)
			p.logger.Info("worker created",
				log.Int("workerId", settings.ID),
				log.Int("pid", w.PID()),
				log.Int("minPort", settings.RtcMinPort),
				log.Int("maxPort", settings.RtcMaxPort))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, h := range handles {
			if h != nil {
				h.worker.Close()
			}
		}
		return err
	}

	for _, h := range handles {
		p.subscribe(h)
	}
	p.mu.Lock()
	p.workers = handles
	p.mu.Unlock()

	for _, h := range handles {
		p.wg.Add(1)
		go p.sampleLoop(h)
	}
	return nil
}

func (p *poolImpl) subscribe(h *handle) {
	h.unsubs = append(h.unsubs,
		h.worker.OnRouterEvent(func(ev engine.RouterEvent) {
			p.onRouterEvent(h, ev)
		}),
		h.worker.OnDied(func(err error) {
			p.mu.Lock()
			h.closed = true
			p.mu.Unlock()
			workersDied.Add(context.Background(), 1)
			p.logger.Error("worker died", log.Int("workerId", h.id), log.Error(err))
		}),
	)
}

func (p *poolImpl) onRouterEvent(h *handle, ev engine.RouterEvent) {
	p.mu.Lock()
	if ev.Closed {
		if h.roomCount > 0 {
			h.roomCount--
		}
	} else {
		h.roomCount++
	}
	count := h.roomCount
	p.mu.Unlock()

	delta := int64(1)
	if ev.Closed {
		delta = -1
	}
	routersActive.Add(context.Background(), delta)
	p.logger.Debug("router event",
		log.Int("workerId", h.id),
		log.String("routerId", ev.RouterID),
		log.Bool("closed", ev.Closed),
		log.Int("roomCount", count))
}

func (p *poolImpl) sampleLoop(h *handle) {
	defer p.wg.Done()
	interval := p.cfg.UsageInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.Chan():
			p.sampleOnce(h)
		}
	}
}

// sampleOnce refreshes a worker's cpu usage; on failure the previous value
// stays in place.
func (p *poolImpl) sampleOnce(h *handle) {
	p.mu.Lock()
	closed := h.closed
	p.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), usageTimeout)
	defer cancel()
	usage, err := h.worker.GetResourceUsage(ctx)
	if err != nil {
		usageSampleErrs.Add(ctx, 1)
		p.logger.Warn("failed to sample worker usage", log.Int("workerId", h.id), log.Error(err))
		return
	}

	p.mu.Lock()
	h.cpuUsage = usage.CPU()
	p.mu.Unlock()
}

// SelectWorker picks the open worker with the fewest rooms, then the lowest
// cpu usage (differences within CPUEpsilon tie), then the least recently used.
func (p *poolImpl) SelectWorker() (Selected, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*handle, 0, len(p.workers))
	for _, h := range p.workers {
		if !h.closed && !h.worker.Closed() {
			candidates = append(candidates, h)
		}
	}
	if len(candidates) == 0 {
		return Selected{}, errors.New(errors.ErrInvalidState, "no workers available")
	}

	eps := p.cfg.CPUEpsilon
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.roomCount != b.roomCount {
			return a.roomCount < b.roomCount
		}
		if math.Abs(a.cpuUsage-b.cpuUsage) > eps {
			return a.cpuUsage < b.cpuUsage
		}
		return a.lastUsedAt.Before(b.lastUsedAt)
	})

	chosen := candidates[0]
	chosen.lastUsedAt = p.clock.Now()
	selections.Add(context.Background(), 1)
	return Selected{ID: chosen.id, Worker: chosen.worker}, nil
}

func (p *poolImpl) Stats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Stats, 0, len(p.workers))
	for _, h := range p.workers {
		out = append(out, Stats{
			WorkerID:  h.id,
			RoomCount: h.roomCount,
			CPUUsage:  h.cpuUsage,
			PID:       h.worker.PID(),
			Closed:    h.closed || h.worker.Closed(),
		})
	}
	return out
}

func (p *poolImpl) Close() {
	p.closeOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()

		p.mu.Lock()
		workers := p.workers
		p.mu.Unlock()
		for _, h := range workers {
			for _, unsub := range h.unsubs {
				unsub()
			}
			h.worker.Close()
		}
		p.logger.Info("worker pool closed", log.Int("workers", len(workers)))
	})
}
