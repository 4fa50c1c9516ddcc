package worker

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/buntime/buntime/errors"
	"github.com/buntime/buntime/logger"
	"github.com/buntime/buntime/registry"
)

// State is a worker instance's lifecycle state
type State int32

const (
	StateCreating State = iota
	StateReady
	StateActive
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	// livenessDeadline is how long a ready worker may go without a
	// heartbeat before it is presumed wedged.
	livenessDeadline = 30 * time.Second
	livenessInterval = 5 * time.Second

	// terminateGrace is how long Terminate waits for a clean exit
	// before killing the child.
	terminateGrace = 5 * time.Second
)

// Instance supervises one child process serving one app version. At
// most one request is in flight at a time, enforced by the
// Ready→Active transition.
type Instance struct {
	ID   string
	App  registry.App
	Opts *Options

	cmd   *exec.Cmd
	codec *Codec
	log   *zap.SugaredLogger

	state atomic.Int32

	requestsServed  atomic.Int64
	errorsServed    atomic.Int64
	totalResponseMs atomic.Int64

	createdAt    time.Time
	lastActivity atomic.Int64
	lastBeat     atomic.Int64

	readyCh chan struct{}
	done    chan struct{}
	exitErr error

	pendingMu sync.Mutex
	pending   *pendingRequest

	killOnce sync.Once
	termOnce sync.Once
}

// Spawn starts a child process for the app and waits for its ready
// handshake. The creation deadline is the smaller of the worker timeout
// and the context deadline; on expiry the child is killed and
// ErrAppUnavailable is returned.
func Spawn(ctx context.Context, runner string, app registry.App, opts *Options) (*Instance, error) {
	id := uuid.New().String()
	log := logger.Named("worker").With(
		"worker", shortID(id),
		"app", app.Name,
		"version", app.Version,
	)

	if opts.AutoInstall {
		if err := runInstall(ctx, runner, app, log); err != nil {
			return nil, err
		}
	}

	cmd := exec.Command(runner, opts.Entrypoint)
	cmd.Dir = app.Dir
	cmd.Env = append(os.Environ(),
		"BUNTIME_WORKER_ID="+id,
		"BUNTIME_APP="+app.Name,
		"BUNTIME_APP_VERSION="+app.Version,
	)
	if opts.LowMemory {
		cmd.Env = append(cmd.Env, "BUNTIME_LOW_MEMORY=1")
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(errors.ErrAppUnavailable, err.Error())
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(errors.ErrAppUnavailable, err.Error())
	}
	cmd.Stderr = &childLogger{log: log, stderr: true}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(errors.ErrAppUnavailable,
			"failed to start %s %s: %v", runner, opts.Entrypoint, err)
	}

	i := &Instance{
		ID:        id,
		App:       app,
		Opts:      opts,
		cmd:       cmd,
		codec:     NewCodec(stdout, stdin),
		log:       log,
		createdAt: time.Now(),
		readyCh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	i.state.Store(int32(StateCreating))
	i.touch()
	i.lastBeat.Store(time.Now().UnixNano())

	go i.waitLoop()
	go i.readLoop()

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()

	select {
	case <-i.readyCh:
		if !i.transition(StateCreating, StateReady) {
			i.Kill()
			return nil, errors.Wrap(errors.ErrAppUnavailable, "worker terminated during handshake")
		}
		log.Debugw("Worker ready", "pid", cmd.Process.Pid)
		go i.livenessLoop()
		return i, nil

	case <-i.done:
		i.Kill()
		return nil, errors.Wrapf(errors.ErrAppUnavailable,
			"worker exited before ready: %v", i.exitErr)

	case <-deadline.C:
		i.Kill()
		return nil, errors.Wrapf(errors.ErrAppUnavailable,
			"worker not ready within %s", opts.Timeout)

	case <-ctx.Done():
		i.Kill()
		return nil, errors.Wrapf(errors.ErrAppUnavailable, "spawn cancelled: %v", ctx.Err())
	}
}

// runInstall runs the runner's dependency install step in the app dir
func runInstall(ctx context.Context, runner string, app registry.App, log *zap.SugaredLogger) error {
	log.Infow("Running dependency install")
	cmd := exec.CommandContext(ctx, runner, "install")
	cmd.Dir = app.Dir
	cmd.Stdout = &childLogger{log: log}
	cmd.Stderr = &childLogger{log: log, stderr: true}
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(errors.ErrAppUnavailable,
			"dependency install failed for %s@%s: %v", app.Name, app.Version, err)
	}
	return nil
}

// State returns the instance's current lifecycle state
func (i *Instance) State() State {
	return State(i.state.Load())
}

// transition performs a compare-and-swap state change
func (i *Instance) transition(from, to State) bool {
	return i.state.CompareAndSwap(int32(from), int32(to))
}

func (i *Instance) touch() {
	i.lastActivity.Store(time.Now().UnixNano())
}

// Age is the time since the worker was created
func (i *Instance) Age() time.Duration {
	return time.Since(i.createdAt)
}

// IdleFor is the time since the worker last did useful work
func (i *Instance) IdleFor() time.Duration {
	return time.Since(time.Unix(0, i.lastActivity.Load()))
}

// RequestsServed returns the completed-request count
func (i *Instance) RequestsServed() int64 {
	return i.requestsServed.Load()
}

// Done is closed when the child process has exited
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Stats is a point-in-time counter snapshot for metrics
type Stats struct {
	ID              string    `json:"id"`
	App             string    `json:"app"`
	Version         string    `json:"version"`
	State           string    `json:"state"`
	RequestsServed  int64     `json:"requestsServed"`
	ErrorsServed    int64     `json:"errorsServed"`
	TotalResponseMs int64     `json:"totalResponseMs"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
}

// Stats snapshots the instance's counters
func (i *Instance) Stats() Stats {
	return Stats{
		ID:              i.ID,
		App:             i.App.Name,
		Version:         i.App.Version,
		State:           i.State().String(),
		RequestsServed:  i.requestsServed.Load(),
		ErrorsServed:    i.errorsServed.Load(),
		TotalResponseMs: i.totalResponseMs.Load(),
		CreatedAt:       i.createdAt,
		LastActivityAt:  time.Unix(0, i.lastActivity.Load()),
	}
}

// waitLoop reaps the child process and closes done
func (i *Instance) waitLoop() {
	err := i.cmd.Wait()
	prior := i.State()
	i.exitErr = err
	i.state.Store(int32(StateTerminated))
	close(i.done)

	if err != nil && prior != StateTerminating {
		i.log.Warnw("Worker exited", "error", err)
	} else {
		i.log.Debugw("Worker exited")
	}

	i.failPending(errors.Wrapf(errors.ErrWorkerCrash, "worker %s exited: %v", shortID(i.ID), err))
}

// readLoop is the single reader of the child's control channel
func (i *Instance) readLoop() {
	for {
		frame, err := i.codec.Read()
		if err != nil {
			if err != io.EOF {
				i.log.Debugw("Control channel closed", "error", err)
			}
			i.failPending(errors.Wrap(errors.ErrWorkerCrash, "control channel closed"))
			return
		}

		i.lastBeat.Store(time.Now().UnixNano())

		switch frame.Type {
		case FrameReady:
			select {
			case i.readyCh <- struct{}{}:
			default:
			}

		case FrameIdle:
			// heartbeat only; lastBeat already updated

		case FrameResponse, FrameBody, FrameBodyEnd, FrameSocket, FrameSocketClose:
			i.deliver(frame)

		case FrameError:
			if frame.ID != "" {
				i.deliver(frame)
			} else {
				i.log.Warnw("Worker error", "kind", frame.Kind, "message", frame.Message)
			}

		default:
			i.log.Warnw("Unexpected frame from worker", "type", frame.Type)
		}
	}
}

// livenessLoop retires a ready worker whose heartbeats stop. Active
// workers are covered by the per-request timer instead.
func (i *Instance) livenessLoop() {
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.done:
			return
		case <-ticker.C:
			if i.State() != StateReady {
				continue
			}
			beat := time.Unix(0, i.lastBeat.Load())
			if time.Since(beat) > livenessDeadline {
				i.log.Warnw("Worker missed liveness deadline, terminating",
					"lastHeartbeat", beat)
				i.Kill()
				return
			}
		}
	}
}

// Terminate asks the child to exit gracefully, then kills it after a
// short grace period.
func (i *Instance) Terminate() {
	i.termOnce.Do(func() {
		for {
			s := i.State()
			if s >= StateTerminating {
				return
			}
			if i.transition(s, StateTerminating) {
				break
			}
		}

		if err := i.codec.Write(&Frame{Type: FrameTerminate}); err != nil {
			i.Kill()
			return
		}

		select {
		case <-i.done:
		case <-time.After(terminateGrace):
			i.log.Warnw("Worker ignored terminate, killing")
			i.Kill()
		}
	})
}

// Kill force-terminates the child process
func (i *Instance) Kill() {
	i.killOnce.Do(func() {
		for {
			s := i.State()
			if s >= StateTerminating {
				break
			}
			if i.transition(s, StateTerminating) {
				break
			}
		}
		if i.cmd.Process != nil {
			_ = i.cmd.Process.Kill()
		}
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// childLogger re-logs the child's output lines through zap
type childLogger struct {
	log    *zap.SugaredLogger
	stderr bool
	buf    strings.Builder
}

func (l *childLogger) Write(p []byte) (n int, err error) {
	l.buf.Write(p)
	for {
		line, rest, found := strings.Cut(l.buf.String(), "\n")
		if !found {
			break
		}
		l.buf.Reset()
		l.buf.WriteString(rest)

		if line = strings.TrimSpace(line); line != "" {
			if l.stderr {
				l.log.Warnw("Worker output", "message", line)
			} else {
				l.log.Infow("Worker output", "message", line)
			}
		}
	}
	return len(p), nil
}
