// Package watcher verifies that a started composite stream turns into a
// playable playlist. Polling is authoritative; filesystem notifications only
// trigger an early check.
package watcher

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/imtaco/conf-sfu/hlsserver"
	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/log"
	"github.com/imtaco/conf-sfu/mixers/ffmpeg"
)

const MessageTimedOut = "Stream timed out"

type Option func(*Monitor)

func WithClock(clock clockwork.Clock) Option {
	return func(m *Monitor) { m.clock = clock }
}

type Monitor struct {
	cfg      hlsserver.Config
	clock    clockwork.Clock
	resolved *lru.Cache[string, struct{}]
	fs       *fsnotify.Watcher

	hintsMu sync.Mutex
	hints   map[string]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *log.Logger
}

func NewMonitor(cfg hlsserver.Config, logger *log.Logger, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 30
	}
	if cfg.ResolvedSize <= 0 {
		cfg.ResolvedSize = 1024
	}
	resolved, err := lru.New[string, struct{}](cfg.ResolvedSize)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		resolved: resolved,
		hints:    make(map[string]chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}

	if cfg.WatchFS {
		fs, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Warn("Filesystem notifications unavailable, polling only", log.Error(err))
		} else {
			m.fs = fs
			m.wg.Add(1)
			go m.fsLoop()
		}
	}
	return m
}

// Watch starts polling dir for streamID. A stream that was already resolved
// is never polled again.
func (m *Monitor) Watch(streamID, dir string, alive func() bool, done func(err error)) {
	if m.resolved.Contains(streamID) {
		m.logger.Debug("Stream already resolved", log.String("streamId", streamID))
		return
	}
	watchesStarted.Add(m.ctx, 1)

	hint := m.subscribe(dir)
	ticker := m.clock.NewTicker(m.cfg.Interval)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		defer m.unsubscribe(dir)

		attempts := 0
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-hint:
				if !alive() {
					return
				}
				if playable(dir) {
					m.finish(streamID, done, nil, attempts)
					return
				}
				continue
			case <-ticker.Chan():
			}

			if !alive() {
				m.logger.Debug("Stream gone, verification dropped", log.String("streamId", streamID))
				return
			}
			attempts++
			if playable(dir) {
				m.finish(streamID, done, nil, attempts)
				return
			}
			if attempts >= m.cfg.MaxAttempts {
				m.finish(streamID, done, errors.New(errors.ErrTimeout, MessageTimedOut), attempts)
				return
			}
		}
	}()
}

func (m *Monitor) finish(streamID string, done func(error), err error, attempts int) {
	if seen, _ := m.resolved.ContainsOrAdd(streamID, struct{}{}); seen {
		return
	}
	if err != nil {
		m.logger.Warn("Stream verification failed",
			log.String("streamId", streamID),
			log.Int("attempts", attempts),
			log.Error(err))
		watchesFailed.Add(m.ctx, 1)
	} else {
		m.logger.Info("Stream verified",
			log.String("streamId", streamID),
			log.Int("attempts", attempts))
		watchesReady.Add(m.ctx, 1)
	}
	done(err)
}

func (m *Monitor) subscribe(dir string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	if m.fs == nil {
		return ch
	}

	m.hintsMu.Lock()
	m.hints[dir] = ch
	m.hintsMu.Unlock()

	if err := m.fs.Add(dir); err != nil {
		m.logger.Debug("Cannot watch stream directory", log.String("dir", dir), log.Error(err))
	}
	return ch
}

func (m *Monitor) unsubscribe(dir string) {
	if m.fs == nil {
		return
	}
	m.hintsMu.Lock()
	delete(m.hints, dir)
	m.hintsMu.Unlock()
	_ = m.fs.Remove(dir)
}

func (m *Monitor) fsLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-m.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != ffmpeg.PlaylistName || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			m.hintsMu.Lock()
			ch, ok := m.hints[filepath.Dir(ev.Name)]
			m.hintsMu.Unlock()
			if !ok {
				continue
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		case err, ok := <-m.fs.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Filesystem watcher error", log.Error(err))
		}
	}
}

func (m *Monitor) Close() {
	m.cancel()
	if m.fs != nil {
		_ = m.fs.Close()
	}
	m.wg.Wait()
}

// playable reports whether the playlist in dir lists at least one segment.
func playable(dir string) bool {
	f, err := os.Open(filepath.Join(dir, ffmpeg.PlaylistName))
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			return true
		}
	}
	return false
}
