package ffmpeg

import (
	"context"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/log"
	"github.com/imtaco/conf-sfu/internal/utils"
)

const (
	defaultForceKillTimeout = 5 * time.Second
	exitCodeTerminated      = 143
)

var segmentRegex = regexp.MustCompile(`Opening '.*/segment_(\d+)\.ts' for writing`)

// SpawnFunc builds the command for a transcoder run. Tests replace it with
// harmless binaries such as sleep or true.
type SpawnFunc func(binary string, args []string) *exec.Cmd

func DefaultSpawn(binary string, args []string) *exec.Cmd {
	return exec.Command(binary, args...) // #nosec G204 -- binary comes from config, args are built internally
}

// ExitFunc is called once when the process exits. graceful is true when
// the exit followed Stop.
type ExitFunc func(exitCode int, graceful bool)

func NewProcess(
	streamID, binary string,
	args []string,
	forceKillTimeout time.Duration,
	logger *log.Logger,
) *Process {
	if forceKillTimeout == 0 {
		forceKillTimeout = defaultForceKillTimeout
	}
	return &Process{
		streamID:         streamID,
		binary:           binary,
		args:             args,
		forceKillTimeout: forceKillTimeout,
		exited:           make(chan struct{}),
		Spawn:            DefaultSpawn,
		logger:           logger,
	}
}

// Process supervises one transcoder run. There are no restarts: an
// unexpected exit is reported through the exit callback.
type Process struct {
	streamID         string
	binary           string
	args             []string
	forceKillTimeout time.Duration

	cmd      *exec.Cmd
	pid      atomic.Int32
	stopping atomic.Bool
	exited   chan struct{}
	stopOnce sync.Once
	lastSeg  atomic.Int64

	Spawn SpawnFunc

	logger *log.Logger
}

// Start spawns the process and returns once it is running.
func (p *Process) Start(ctx context.Context, onExit ExitFunc) error {
	cmd := p.Spawn(p.binary, p.args)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(errors.ErrProcessFailure, err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(errors.ErrProcessFailure, err, "stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		processesFailed.Add(ctx, 1)
		return errors.Wrap(errors.ErrProcessFailure, err, "failed to start transcoder")
	}

	p.cmd = cmd
	// #nosec G115 -- Process.Pid fits in int32 on all supported platforms
	p.pid.Store(int32(cmd.Process.Pid))
	p.lastSeg.Store(-1)

	p.logger.Info("Transcoder started",
		log.String("streamId", p.streamID),
		log.Int32("pid", p.pid.Load()))
	processesStarted.Add(ctx, 1)
	activeProcesses.Add(ctx, 1)

	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		p.handleStdout(stdout)
	}()
	go func() {
		defer pipes.Done()
		p.handleStderr(stderr)
	}()

	go func() {
		// Wait closes the pipes, so drain them first.
		pipes.Wait()
		p.waitExit(onExit)
	}()
	return nil
}

func (p *Process) PID() int {
	return int(p.pid.Load())
}

// LastSegment is the newest segment number the transcoder finished, or -1.
func (p *Process) LastSegment() int {
	return int(p.lastSeg.Load())
}

func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Stop sends SIGTERM and force kills after the timeout. Safe to call more
// than once and after the process exited.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)
		if p.cmd == nil || p.cmd.Process == nil {
			return
		}
		select {
		case <-p.exited:
			return
		default:
		}

		p.logger.Info("Stopping transcoder",
			log.String("streamId", p.streamID),
			log.Int32("pid", p.pid.Load()))
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			p.logger.Warn("Failed to send SIGTERM to transcoder",
				log.String("streamId", p.streamID),
				log.Error(err))
		}

		go func() {
			select {
			case <-p.exited:
			case <-time.After(p.forceKillTimeout):
				p.logger.Info("Force killing transcoder",
					log.String("streamId", p.streamID),
					log.Int32("pid", p.pid.Load()))
				if err := p.cmd.Process.Kill(); err != nil {
					p.logger.Error("Failed to force kill transcoder",
						log.String("streamId", p.streamID),
						log.Error(err))
				}
			}
		}()
	})
}

func (p *Process) waitExit(onExit ExitFunc) {
	err := p.cmd.Wait()
	close(p.exited)
	activeProcesses.Add(context.Background(), -1)

	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := errors.As[*exec.ExitError](err); ok {
			exitCode = (*exitErr).ExitCode()
			if status, ok := (*exitErr).Sys().(syscall.WaitStatus); ok && status.Signaled() && status.Signal() == syscall.SIGTERM {
				exitCode = exitCodeTerminated
			}
		}
	}

	graceful := p.stopping.Load()
	if graceful || exitCode == exitCodeTerminated {
		p.logger.Info("Transcoder stopped",
			log.String("streamId", p.streamID),
			log.Int("exitCode", exitCode))
		processesStopped.Add(context.Background(), 1)
	} else {
		p.logger.Warn("Transcoder exited unexpectedly",
			log.String("streamId", p.streamID),
			log.Int("exitCode", exitCode))
		processesFailed.Add(context.Background(), 1)
	}

	if onExit != nil {
		onExit(exitCode, graceful)
	}
}

func (p *Process) handleStdout(stdout io.Reader) {
	err := utils.ReadLines(stdout, func(line string) {
		p.logger.Debug("Transcoder stdout", log.String("streamId", p.streamID), log.String("output", line))
	})
	if err != nil {
		p.logger.Warn("Transcoder stdout unreadable, discarding", log.String("streamId", p.streamID), log.Error(err))
	}
}

// handleStderr logs transcoder output and tracks finished segments.
func (p *Process) handleStderr(stderr io.Reader) {
	err := utils.ReadLines(stderr, func(line string) {
		matches := segmentRegex.FindStringSubmatch(line)
		if matches == nil {
			p.logger.Debug("Transcoder stderr", log.String("streamId", p.streamID), log.String("output", line))
			return
		}
		seq, _ := strconv.Atoi(matches[1])
		if seq <= 0 {
			return
		}
		p.lastSeg.Store(int64(seq - 1))
		segmentsWritten.Add(context.Background(), 1)
	})
	if err != nil {
		p.logger.Warn("Transcoder stderr unreadable, discarding", log.String("streamId", p.streamID), log.Error(err))
	}
}
