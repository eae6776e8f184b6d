//nolint:forcetypeassert
package scheduler

import (
	"container/heap"
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/imtaco/conf-sfu/internal/log"
)

// KeyedScheduler fires string keys after a delay on Chan. A key is pending at
// most once: enqueueing it again keeps whichever deadline is earlier, and
// Cancel drops it. All bookkeeping happens on one loop goroutine, so callers
// never contend on a lock.
type KeyedScheduler struct {
	items       map[string]*item
	heap        priorityQueue
	chSig       chan string
	chanEnqueue chan func()
	timer       clockwork.Timer
	timerTS     time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	clock       clockwork.Clock
	logger      *log.Logger
}

type Option func(*KeyedScheduler)

// WithClock drives deadlines from clock instead of the wall clock.
func WithClock(clock clockwork.Clock) Option {
	return func(ks *KeyedScheduler) { ks.clock = clock }
}

func NewKeyedScheduler(logger *log.Logger, opts ...Option) *KeyedScheduler {
	if logger == nil {
		panic("logger is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	ks := &KeyedScheduler{
		chSig:       make(chan string),
		items:       make(map[string]*item),
		heap:        make(priorityQueue, 0),
		chanEnqueue: make(chan func(), 100),
		ctx:         ctx,
		cancel:      cancel,
		clock:       clockwork.NewRealClock(),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(ks)
	}
	ks.timer = ks.clock.NewTimer(time.Second)
	ks.timer.Stop()
	heap.Init(&ks.heap)

	go ks.loop()
	return ks
}

// Chan delivers due keys. It is closed after Shutdown.
func (ks *KeyedScheduler) Chan() <-chan string {
	return ks.chSig
}

func (ks *KeyedScheduler) Enqueue(key string, delay time.Duration) {
	ts := ks.clock.Now().Add(delay)
	ks.submit(func() {
		ks.doEnqueue(&item{key: key, ts: ts})
	})
}

func (ks *KeyedScheduler) Cancel(key string) {
	ks.submit(func() {
		ks.doCancel(key)
	})
}

// submit hands an action to the loop. After Shutdown actions are dropped.
func (ks *KeyedScheduler) submit(action func()) {
	select {
	case ks.chanEnqueue <- action:
	case <-ks.ctx.Done():
	}
}

func (ks *KeyedScheduler) doEnqueue(item *item) {
	curItem, ok := ks.items[item.key]
	if ok {
		if !item.ts.Before(curItem.ts) {
			return
		}
		heap.Remove(&ks.heap, curItem.index)
	}

	ks.items[item.key] = item
	heap.Push(&ks.heap, item)
	ks.scheduleNextTimer()
}

func (ks *KeyedScheduler) doCancel(key string) {
	if item, exists := ks.items[key]; exists {
		delete(ks.items, key)
		heap.Remove(&ks.heap, item.index)
		ks.scheduleNextTimer()
	}
}

func (ks *KeyedScheduler) Shutdown() {
	ks.cancel()
}

func (ks *KeyedScheduler) clearTimer() {
	ks.timer.Stop()
	ks.timerTS = time.Time{}
}

func (ks *KeyedScheduler) scheduleNextTimer() {
	if len(ks.items) == 0 {
		ks.clearTimer()
		return
	}

	top := ks.heap[0]
	if ks.timerTS.Equal(top.ts) {
		return
	}

	delay := top.ts.Sub(ks.clock.Now())
	if delay < 0 {
		delay = 0
	}

	ks.timerTS = top.ts
	ks.timer.Stop()
	ks.timer.Reset(delay)
}

func (ks *KeyedScheduler) loop() {
	defer close(ks.chSig)
	for {
		select {
		case <-ks.ctx.Done():
			ks.clearTimer()
			return
		case action := <-ks.chanEnqueue:
			action()
		case <-ks.timer.Chan():
			ks.clearTimer()
			ks.fireDue()
		}
	}
}

func (ks *KeyedScheduler) popTop() *item {
	top := heap.Pop(&ks.heap).(*item)
	delete(ks.items, top.key)
	return top
}

func (ks *KeyedScheduler) fireDue() {
	now := ks.clock.Now()

	for len(ks.items) > 0 && !ks.heap[0].ts.After(now) {
		key := ks.popTop().key
		select {
		case ks.chSig <- key:
		case <-ks.ctx.Done():
			return
		}
	}

	ks.scheduleNextTimer()
}
