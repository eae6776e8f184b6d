// Package remote drives media engine workers running as separate processes
// through their HTTP control endpoint.
package remote

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"time"

	"github.com/imtaco/conf-sfu/internal/engine"
	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/log"
	"github.com/imtaco/conf-sfu/internal/retry"
)

type Engine struct {
	cfg    *Config
	logger *log.Logger

	// SpawnEngine builds the worker command (can be replaced for testing).
	SpawnEngine func(binary string, settings engine.WorkerSettings, controlAddr string) *exec.Cmd
	// ControlURL resolves a worker's control endpoint (can be replaced for testing).
	ControlURL func(settings engine.WorkerSettings) string
}

func New(cfg *Config, logger *log.Logger) *Engine {
	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		SpawnEngine: spawnEngine,
	}
	e.ControlURL = func(settings engine.WorkerSettings) string {
		return "http://" + e.controlAddr(settings)
	}
	return e
}

func (e *Engine) controlAddr(settings engine.WorkerSettings) string {
	return net.JoinHostPort(e.cfg.ControlHost, strconv.Itoa(e.cfg.ControlPortBase+settings.ID))
}

// CreateWorker launches the engine process (when a binary is configured) and
// waits until its control endpoint answers.
func (e *Engine) CreateWorker(ctx context.Context, settings engine.WorkerSettings) (engine.Worker, error) {
	logger := e.logger.Module("worker" + strconv.Itoa(settings.ID))
	w := newWorker(settings, newAPI(e.ControlURL(settings), e.cfg.RequestTimeout, logger), logger)

	if e.cfg.Binary != "" {
		cmd := e.SpawnEngine(e.cfg.Binary, settings, e.controlAddr(settings))
		if err := w.startProcess(cmd); err != nil {
			return nil, err
		}
	}

	startTimeout := e.cfg.StartTimeout
	if startTimeout <= 0 {
		startTimeout = 15 * time.Second
	}
	r := retry.New(logger, 100*time.Millisecond, time.Second, startTimeout)
	if err := r.Do(ctx, func() error { return w.api.health(ctx) }); err != nil {
		w.Close()
		return nil, errors.Wrapf(errors.ErrEngineFailure, err, "worker %d not ready", settings.ID)
	}

	w.startEventLoop()
	logger.Info("engine worker ready",
		log.Int("pid", w.PID()),
		log.Int("rtcMinPort", settings.RtcMinPort),
		log.Int("rtcMaxPort", settings.RtcMaxPort))
	return w, nil
}

func spawnEngine(binary string, settings engine.WorkerSettings, controlAddr string) *exec.Cmd {
	args := []string{
		"--rtc-min-port", strconv.Itoa(settings.RtcMinPort),
		"--rtc-max-port", strconv.Itoa(settings.RtcMaxPort),
		"--control-addr", controlAddr,
	}
	if settings.LogLevel != "" {
		args = append(args, "--log-level", settings.LogLevel)
	}
	return exec.Command(binary, args...)
}

func path(parts ...any) string {
	s := ""
	for _, p := range parts {
		s += "/" + fmt.Sprint(p)
	}
	return s
}

var _ engine.Engine = (*Engine)(nil)
