// Package supervisor owns the lifecycle of the backend server process.
//
// A Supervisor launches exactly one child process, reports when it starts
// accepting connections, and terminates it on Stop. It never restarts a
// crashed backend; an unexpected exit is logged and reflected in State.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"devproxy/internal/config"
	"devproxy/internal/metrics"
)

// State is the lifecycle state of the backend process.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateExited   State = "exited"
)

var (
	// ErrAlreadyStarted is returned when Start is called more than once.
	ErrAlreadyStarted = errors.New("backend already started")
	// ErrNoCommand is returned when no backend command is configured.
	ErrNoCommand = errors.New("backend command is empty")
)

// InstallError reports a failed dependency installation. It is fatal at startup.
type InstallError struct {
	Command []string
	Err     error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install dependencies (%s): %v", strings.Join(e.Command, " "), e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// Options configures a Supervisor.
type Options struct {
	Dir            string
	Command        []string
	Env            []string // appended to the proxy's own environment
	InstallCommand []string
	InstallMarker  string
	Addr           string // dialed to detect readiness
	PollInterval   time.Duration
	StopGrace      time.Duration
	Stdout         io.Writer
	Stderr         io.Writer
}

// OptionsFromConfig derives supervisor options from the backend config.
func OptionsFromConfig(bc *config.BackendConfig) Options {
	return Options{
		Dir:            bc.Dir,
		Command:        bc.ExpandedCommand(),
		Env:            bc.Env(),
		InstallCommand: bc.InstallCommand,
		InstallMarker:  bc.InstallMarker,
		Addr:           bc.Addr(),
		PollInterval:   time.Duration(bc.ReadyPollMillis) * time.Millisecond,
		StopGrace:      time.Duration(bc.StopGraceSeconds) * time.Second,
	}
}

// Supervisor launches and tears down the backend process.
type Supervisor struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	state    State
	cmd      *exec.Cmd
	exitErr  error
	stopping bool
	cancel   context.CancelFunc

	ready chan struct{}
	done  chan struct{}
}

// New creates a Supervisor from config. The metrics parameter is optional.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	return NewWithOptions(OptionsFromConfig(&cfg.Backend), logger, m)
}

// NewWithOptions creates a Supervisor from explicit options.
func NewWithOptions(opts Options, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 10 * time.Second
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &Supervisor{
		opts:    opts,
		logger:  logger.With("component", "supervisor"),
		metrics: m,
		state:   StateIdle,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// EnsureDependencies runs the install command when the install marker is
// missing from the backend directory. It blocks until installation finishes.
func (s *Supervisor) EnsureDependencies(ctx context.Context) error {
	if s.opts.InstallMarker == "" || len(s.opts.InstallCommand) == 0 {
		return nil
	}
	marker := filepath.Join(s.opts.Dir, s.opts.InstallMarker)
	if _, err := os.Stat(marker); err == nil {
		s.logger.Debug("dependencies present", "marker", marker)
		return nil
	}

	s.logger.Info("installing dependencies",
		"command", strings.Join(s.opts.InstallCommand, " "),
		"dir", s.opts.Dir,
	)
	start := time.Now()

	cmd := exec.CommandContext(ctx, s.opts.InstallCommand[0], s.opts.InstallCommand[1:]...)
	cmd.Dir = s.opts.Dir
	cmd.Stdout = s.opts.Stdout
	cmd.Stderr = s.opts.Stderr
	if err := cmd.Run(); err != nil {
		return &InstallError{Command: s.opts.InstallCommand, Err: err}
	}

	s.logger.Info("dependencies installed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Start launches the backend process and returns without waiting for it to
// accept connections. Readiness is reported through Ready and State.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return ErrAlreadyStarted
	}
	if len(s.opts.Command) == 0 {
		return ErrNoCommand
	}

	cmd := exec.Command(s.opts.Command[0], s.opts.Command[1:]...)
	cmd.Dir = s.opts.Dir
	cmd.Env = append(os.Environ(), s.opts.Env...)
	cmd.Stdout = s.opts.Stdout
	cmd.Stderr = s.opts.Stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		s.state = StateExited
		s.exitErr = err
		close(s.done)
		return fmt.Errorf("start backend %q: %w", s.opts.Command[0], err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cmd = cmd
	s.cancel = cancel
	s.state = StateStarting

	s.logger.Info("backend launched",
		"pid", cmd.Process.Pid,
		"command", strings.Join(s.opts.Command, " "),
		"addr", s.opts.Addr,
	)

	go s.wait(cmd)
	go s.pollReady(ctx)
	return nil
}

// wait reaps the child and records how it ended.
func (s *Supervisor) wait(cmd *exec.Cmd) {
	err := cmd.Wait()

	s.mu.Lock()
	s.exitErr = err
	expected := s.stopping
	s.state = StateExited
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.BackendUp.Set(0)
	}
	if expected {
		s.logger.Info("backend exited", "pid", cmd.Process.Pid, "err", err)
	} else {
		s.logger.Error("backend exited unexpectedly; it will not be restarted",
			"pid", cmd.Process.Pid,
			"err", err,
		)
	}
	close(s.done)
}

// pollReady dials the backend address until it accepts a connection.
func (s *Supervisor) pollReady(ctx context.Context) {
	if s.opts.Addr == "" {
		return
	}
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	var d net.Dialer
	for {
		dialCtx, cancel := context.WithTimeout(ctx, s.opts.PollInterval)
		conn, err := d.DialContext(dialCtx, "tcp", s.opts.Addr)
		cancel()
		if err == nil {
			_ = conn.Close()
			s.markReady()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) markReady() {
	s.mu.Lock()
	if s.state != StateStarting {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.BackendUp.Set(1)
	}
	s.logger.Info("backend ready", "addr", s.opts.Addr)
	close(s.ready)
}

// Stop terminates the backend and waits for its process group to exit. The
// group is sent SIGTERM first and SIGKILL once the grace period or ctx runs
// out, so descendants that outlive the leader are not left behind.
// Stop is safe to call more than once and before Start.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	if cmd == nil {
		s.mu.Unlock()
		return nil
	}
	alreadyStopping := s.stopping
	s.stopping = true
	if s.state != StateExited {
		s.state = StateStopping
	}
	s.cancel()
	s.mu.Unlock()

	if alreadyStopping {
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	pid := cmd.Process.Pid
	select {
	case <-s.done:
		if !groupAlive(pid) {
			return nil
		}
	default:
	}

	s.logger.Info("terminating backend", "pid", pid)
	if err := terminate(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("terminate backend", "pid", pid, "err", err)
	}

	timer := time.NewTimer(s.opts.StopGrace)
	defer timer.Stop()

	if s.awaitGroupExit(ctx, pid, timer.C) {
		return nil
	}
	if ctx.Err() != nil {
		s.logger.Warn("shutdown deadline reached; killing backend process group", "pgid", pid)
	} else {
		s.logger.Warn("backend did not exit within grace period; killing process group",
			"pgid", pid,
			"grace", s.opts.StopGrace.String(),
		)
	}

	if err := kill(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill backend: %w", err)
	}
	<-s.done

	// SIGKILL is not deferrable, but members only leave the group once reaped.
	deadline := time.Now().Add(groupReapTimeout)
	for groupAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(groupPollInterval)
	}
	if groupAlive(pid) {
		s.logger.Warn("backend process group still present after kill", "pgid", pid)
	}
	return nil
}

const (
	groupPollInterval = 25 * time.Millisecond
	groupReapTimeout  = time.Second
)

// awaitGroupExit waits for the leader to be reaped and then for the rest of
// its process group to go away. It reports false if deadline or ctx fires first.
func (s *Supervisor) awaitGroupExit(ctx context.Context, pgid int, deadline <-chan time.Time) bool {
	select {
	case <-s.done:
	case <-deadline:
		return false
	case <-ctx.Done():
		return false
	}

	ticker := time.NewTicker(groupPollInterval)
	defer ticker.Stop()
	for groupAlive(pgid) {
		select {
		case <-ticker.C:
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the backend process id, or 0 when not launched.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// ExitErr returns the error the backend exited with, if it has exited.
func (s *Supervisor) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// Ready is closed once the backend accepts connections.
func (s *Supervisor) Ready() <-chan struct{} { return s.ready }

// Done is closed once the backend process has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.done }
