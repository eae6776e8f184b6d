package workers

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/suite"

	"github.com/imtaco/conf-sfu/internal/engine"
	"github.com/imtaco/conf-sfu/internal/engine/enginetest"
	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/log"
)

type PoolTestSuite struct {
	suite.Suite
	eng   *enginetest.Engine
	clock *clockwork.FakeClock
	pool  *poolImpl
}

func TestPoolTestSuite(t *testing.T) {
	suite.Run(t, new(PoolTestSuite))
}

func (s *PoolTestSuite) SetupTest() {
	s.eng = enginetest.New()
	s.clock = clockwork.NewFakeClock()
	cfg := &Config{Count: 3, PortBase: 10000, UsageInterval: 5 * time.Second, CPUEpsilon: 0.1}
	s.pool = newPoolWithClock(cfg, s.eng, s.clock, log.NewNop())
	s.Require().NoError(s.pool.Initialize(context.Background()))
}

func (s *PoolTestSuite) TearDownTest() {
	s.pool.Close()
}

func (s *PoolTestSuite) handle(id int) *handle {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.pool.workers[id]
}

func (s *PoolTestSuite) setRooms(counts ...int) {
	for i, n := range counts {
		h := s.handle(i)
		for j := 0; j < n; j++ {
			s.pool.onRouterEvent(h, engine.RouterEvent{RouterID: "r"})
		}
	}
}

func (s *PoolTestSuite) setCPU(values ...float64) {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	for i, v := range values {
		s.pool.workers[i].cpuUsage = v
	}
}

func (s *PoolTestSuite) TestPortRanges() {
	workers := s.eng.Workers()
	s.Require().Len(workers, 3)
	seen := map[int]engine.WorkerSettings{}
	for _, w := range workers {
		seen[w.Settings().ID] = w.Settings()
	}
	for i := 0; i < 3; i++ {
		s.Equal(10000+i*1000, seen[i].RtcMinPort)
		s.Equal(10000+i*1000+999, seen[i].RtcMaxPort)
	}
}

func (s *PoolTestSuite) TestSelectFewestRooms() {
	s.setRooms(2, 0, 1)
	sel, err := s.pool.SelectWorker()
	s.Require().NoError(err)
	s.Equal(1, sel.ID)
}

func (s *PoolTestSuite) TestSelectCPUWithinEpsilonIsTie() {
	s.setRooms(1, 1, 1)
	s.setCPU(0.55, 0.50, 0.90)

	// 0 and 1 tie on cpu, so the least recently used of them wins
	s.clock.Advance(time.Second)
	s.pool.mu.Lock()
	s.pool.workers[1].lastUsedAt = s.clock.Now()
	s.pool.mu.Unlock()

	sel, err := s.pool.SelectWorker()
	s.Require().NoError(err)
	s.Equal(0, sel.ID)
}

func (s *PoolTestSuite) TestSelectLowerCPUBeyondEpsilon() {
	s.setRooms(1, 1, 1)
	s.setCPU(0.9, 0.3, 0.6)
	sel, err := s.pool.SelectWorker()
	s.Require().NoError(err)
	s.Equal(1, sel.ID)
}

func (s *PoolTestSuite) TestSelectLeastRecentlyUsed() {
	ids := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		s.clock.Advance(time.Millisecond)
		sel, err := s.pool.SelectWorker()
		s.Require().NoError(err)
		ids = append(ids, sel.ID)
	}
	s.Equal([]int{0, 1, 2, 0}, ids)
}

func (s *PoolTestSuite) TestRouterCloseDecrements() {
	h := s.handle(0)
	s.pool.onRouterEvent(h, engine.RouterEvent{RouterID: "a"})
	s.pool.onRouterEvent(h, engine.RouterEvent{RouterID: "a", Closed: true})
	s.pool.onRouterEvent(h, engine.RouterEvent{RouterID: "a", Closed: true})
	s.Equal(0, s.pool.Stats()[0].RoomCount)
}

func (s *PoolTestSuite) TestRouterCreationEventuallyCounted() {
	sel, err := s.pool.SelectWorker()
	s.Require().NoError(err)
	_, err = sel.Worker.CreateRouter(context.Background(), engine.DefaultMediaCodecs())
	s.Require().NoError(err)

	s.Eventually(func() bool {
		return s.pool.Stats()[sel.ID].RoomCount == 1
	}, time.Second, 5*time.Millisecond)
}

func (s *PoolTestSuite) TestUsageSampling() {
	workers := s.eng.Workers()
	for _, w := range workers {
		w.SetUsage(engine.ResourceUsage{UserTime: 1, SystemTime: 0.5}, nil)
	}
	s.Require().NoError(s.clock.BlockUntilContext(context.Background(), 3))
	s.clock.Advance(5 * time.Second)

	s.Eventually(func() bool {
		for _, st := range s.pool.Stats() {
			if st.CPUUsage != 1.5 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func (s *PoolTestSuite) TestUsageSamplingFailureKeepsStaleValue() {
	s.setCPU(0.7, 0.7, 0.7)
	for _, w := range s.eng.Workers() {
		w.SetUsage(engine.ResourceUsage{}, errors.New(errors.ErrEngineFailure, "boom"))
	}
	h := s.handle(0)
	s.pool.sampleOnce(h)
	s.Equal(0.7, s.pool.Stats()[0].CPUUsage)
}

func (s *PoolTestSuite) TestDeadWorkerSkipped() {
	s.setRooms(0, 1, 1)
	var dead *enginetest.Worker
	for _, w := range s.eng.Workers() {
		if w.Settings().ID == 0 {
			dead = w
		}
	}
	dead.Kill(errors.New(errors.ErrEngineFailure, "crashed"))

	sel, err := s.pool.SelectWorker()
	s.Require().NoError(err)
	s.NotEqual(0, sel.ID)
	s.True(s.pool.Stats()[0].Closed)
}

func (s *PoolTestSuite) TestNoWorkersLeft() {
	for _, w := range s.eng.Workers() {
		w.Kill(errors.New(errors.ErrEngineFailure, "crashed"))
	}
	_, err := s.pool.SelectWorker()
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ErrInvalidState))
}

func TestSelectBeforeInitialize(t *testing.T) {
	p := NewPool(&Config{Count: 2}, enginetest.New(), log.NewNop())
	_, err := p.SelectWorker()
	if !errors.Is(err, errors.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestInitializeFailureClosesStartedWorkers(t *testing.T) {
	eng := enginetest.New()
	eng.FailCreateWorker = errors.New(errors.ErrEngineFailure, "no binary")
	p := NewPool(&Config{Count: 2}, eng, log.NewNop())
	err := p.Initialize(context.Background())
	if errors.CodeOf(err) != errors.ErrEngineFailure {
		t.Fatalf("expected engine failure, got %v", err)
	}
	if len(p.Stats()) != 0 {
		t.Fatalf("expected no workers")
	}
}
