// Package processes spawns and supervises the child application behind a
// session: it captures the child's output, detects the configured
// readiness marker, and tears the child down with a graceful-then-forced
// stop. Port bookkeeping stays with the caller; the supervisor only deals
// in operating-system processes.
package processes

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrSpawn means the child process could not be started at all.
	ErrSpawn = errors.New("failed to spawn process")
	// ErrTimedOut means the readiness marker did not appear in time.
	ErrTimedOut = errors.New("timed out waiting for readiness")
	// ErrExited means the process exited before reporting readiness.
	ErrExited = errors.New("process exited before becoming ready")
)

const (
	defaultGracePeriod = 10 * time.Second
	logBufferCapacity  = 1000
)

// Spec describes one child process to spawn. Argv must already be fully
// realized; no placeholder substitution happens here.
type Spec struct {
	Name      string   // app name, used for logging only
	Argv      []string // executable and arguments
	Env       []string // extra KEY=VALUE entries appended to the launcher's env
	Dir       string   // working directory, defaults to the supervisor's
	ReadyLine string   // output substring marking readiness
	LogPath   string   // optional file receiving a copy of all output lines
}

// Handle is a live spawned process.
type Handle struct {
	name   string
	cmd    *exec.Cmd
	pid    int
	buf    *LogBuffer
	marker string

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	exitErr error
}

// PID returns the operating-system process ID.
func (h *Handle) PID() int { return h.pid }

// Logs returns the most recent captured output lines, oldest first.
func (h *Handle) Logs(count int) []LogEntry { return h.buf.Latest(count) }

// Done is closed once the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Running reports whether the process has not yet exited.
func (h *Handle) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitErr returns the error from Wait, if any. Only meaningful after Done
// is closed.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *Handle) markReady() {
	h.readyOnce.Do(func() { close(h.ready) })
}

// AwaitReady blocks until the readiness marker has been seen on the
// process output, the process exits, the timeout elapses, or ctx is
// cancelled. The caller owns cleanup: on any non-nil return the process
// may still be running and should be terminated.
func (h *Handle) AwaitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.ready:
		return nil
	case <-h.done:
		// The marker may have arrived on the final output lines right
		// before exit; prefer reporting ready in that case.
		select {
		case <-h.ready:
			return nil
		default:
		}
		if err := h.ExitErr(); err != nil {
			return fmt.Errorf("%w: %v", ErrExited, err)
		}
		return ErrExited
	case <-timer.C:
		return ErrTimedOut
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Supervisor spawns child processes and stops them again.
type Supervisor struct {
	logger      *slog.Logger
	gracePeriod time.Duration
	workDir     string
}

// Options configures a Supervisor. Zero values pick sensible defaults.
type Options struct {
	Logger      *slog.Logger
	GracePeriod time.Duration // wait after SIGTERM before SIGKILL, defaults to 10s
	WorkDir     string        // default working directory for children
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := opts.GracePeriod
	if grace == 0 {
		grace = defaultGracePeriod
	}
	return &Supervisor{
		logger:      logger.With("component", "Supervisor"),
		gracePeriod: grace,
		workDir:     opts.WorkDir,
	}
}

// Spawn starts the child described by spec. Output lines are captured into
// the handle's log buffer (and LogPath, when set), and both stdout and
// stderr are scanned for the readiness marker. Returns ErrSpawn if the
// process cannot be started.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrSpawn)
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Dir = spec.Dir
	if cmd.Dir == "" {
		cmd.Dir = s.workDir
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdoutPipe.Close()
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}

	var logFile *os.File
	if spec.LogPath != "" {
		logFile, err = os.Create(spec.LogPath)
		if err != nil {
			stdoutPipe.Close()
			stderrPipe.Close()
			return nil, fmt.Errorf("%w: creating log file: %v", ErrSpawn, err)
		}
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("%w: starting %q: %v", ErrSpawn, spec.Argv[0], err)
	}

	h := &Handle{
		name:   spec.Name,
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		buf:    NewLogBuffer(logBufferCapacity),
		marker: spec.ReadyLine,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	s.logger.Info("Spawned process", "app", spec.Name, "pid", h.pid, "command", cmd.String())

	var logMu sync.Mutex
	var scanWg sync.WaitGroup
	scan := func(pipe io.ReadCloser, source string) {
		defer scanWg.Done()
		scanner := bufio.NewScanner(pipe)
		for scanner.Scan() {
			line := scanner.Text()
			h.buf.Add(source, line)
			if logFile != nil {
				logMu.Lock()
				fmt.Fprintln(logFile, line)
				logMu.Unlock()
			}
			if h.marker != "" && strings.Contains(line, h.marker) {
				h.markReady()
			}
		}
	}

	scanWg.Add(2)
	go scan(stdoutPipe, "stdout")
	go scan(stderrPipe, "stderr")

	go func() {
		scanWg.Wait()
		err := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		h.mu.Lock()
		h.exitErr = err
		h.mu.Unlock()
		close(h.done)
		s.logger.Info("Process exited", "app", spec.Name, "pid", h.pid, "error", err)
	}()

	return h, nil
}

// Terminate stops the process behind the handle: SIGTERM first, then
// SIGKILL once the grace period elapses. Terminating an already exited
// process is a no-op.
func (s *Supervisor) Terminate(h *Handle) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	s.logger.Info("Terminating process", "app", h.name, "pid", h.pid)
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("Failed to send SIGTERM", "app", h.name, "pid", h.pid, "error", err)
	}

	timer := time.NewTimer(s.gracePeriod)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil
	case <-timer.C:
	}

	s.logger.Warn("Process did not exit gracefully, sending SIGKILL", "app", h.name, "pid", h.pid)
	if err := h.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("killing process %d: %w", h.pid, err)
	}
	<-h.done
	return nil
}
