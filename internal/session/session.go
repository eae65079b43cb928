// Package session launches the child programs procmux talks to and watches
// their lifecycle. A Process exposes the child's stdout and stdin as one
// connection.Duplex and keeps the tail of its stderr for error reports.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/codewiresh/procmux/internal/connection"
)

const (
	// stderrTailSize bounds the stderr kept for ExitError.
	stderrTailSize = 4096
	// exitGrace is how long a reader that hit end of output waits for the
	// process to be reaped so it can report the exit status instead.
	exitGrace = 250 * time.Millisecond
	// waitDelay bounds how long Wait waits on stderr copying once the
	// process has exited.
	waitDelay = 2 * time.Second
)

// ---------------------------------------------------------------------------
// StatusWatcher
// ---------------------------------------------------------------------------

// StatusWatcher holds a Status and notifies waiters on change.
type StatusWatcher struct {
	mu     sync.Mutex
	status Status
	waitCh chan struct{} // closed on change, then replaced
}

// NewStatusWatcher creates a watcher with the given initial status.
func NewStatusWatcher(initial Status) *StatusWatcher {
	return &StatusWatcher{
		status: initial,
		waitCh: make(chan struct{}),
	}
}

// Set updates the status and wakes all current waiters.
func (w *StatusWatcher) Set(s Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = s
	close(w.waitCh)
	w.waitCh = make(chan struct{})
}

// Get returns the current status.
func (w *StatusWatcher) Get() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Changed returns a channel that is closed when the status next changes.
// After the channel fires, call Changed again for subsequent notifications.
func (w *StatusWatcher) Changed() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.waitCh
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

// Status is the lifecycle state of a child process.
type Status struct {
	State    string // "running", "completed", "killed"
	ExitCode int    // only meaningful when State == "completed"
}

func (s Status) String() string {
	switch s.State {
	case "completed":
		return fmt.Sprintf("completed (%d)", s.ExitCode)
	case "killed":
		return "killed"
	default:
		return "running"
	}
}

// StatusRunning returns the running status.
func StatusRunning() Status { return Status{State: "running"} }

// StatusCompleted returns a completed status with the given exit code.
func StatusCompleted(code int) Status {
	return Status{State: "completed", ExitCode: code}
}

// StatusKilled returns the killed status.
func StatusKilled() Status { return Status{State: "killed"} }

// ---------------------------------------------------------------------------
// ExitError
// ---------------------------------------------------------------------------

// ExitError reports that the child process has exited. It is the teardown
// cause of a connection to a process, whatever the exit status.
type ExitError struct {
	Code   int    // -1 when killed by a signal
	Signal string // empty unless killed by a signal
	Stderr string // last bytes the process wrote to stderr
}

func (e *ExitError) Error() string {
	var msg string
	if e.Signal != "" {
		msg = "process killed by signal " + e.Signal
	} else {
		msg = fmt.Sprintf("process exited with status %d", e.Code)
	}
	if tail := strings.TrimSpace(e.Stderr); tail != "" {
		msg += ": " + lastLine(tail)
	}
	return msg
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// ---------------------------------------------------------------------------
// Spec / Launch
// ---------------------------------------------------------------------------

// Spec describes a child process.
type Spec struct {
	Command []string
	Dir     string   // working directory; empty means the current one
	Env     []string // KEY=VALUE entries applied over the inherited environment
	// PTY runs the child on a pseudo-terminal in raw mode. Stdout and stderr
	// are merged.
	PTY bool
	// Stderr, when set, also receives everything the child writes to stderr.
	Stderr io.Writer
}

// Process is a running child. Its stdout is the inbound and its stdin the
// outbound direction of Transport.
type Process struct {
	Spec Spec
	PID  int

	cmd       *exec.Cmd
	transport *connection.Duplex
	status    *StatusWatcher
	stderr    *tailBuffer

	done    chan struct{}
	exitErr *ExitError
	killed  atomic.Bool
}

// Launch validates spec and starts the child. Cancelling ctx kills it.
func Launch(ctx context.Context, spec Spec) (*Process, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("command must not be empty")
	}

	cmdName := spec.Command[0]
	if filepath.IsAbs(cmdName) {
		if _, err := os.Stat(cmdName); err != nil {
			return nil, fmt.Errorf("command %q does not exist", cmdName)
		}
	} else if _, err := exec.LookPath(cmdName); err != nil {
		return nil, fmt.Errorf("command %q not found in PATH", cmdName)
	}

	if spec.Dir != "" {
		info, err := os.Stat(spec.Dir)
		if err != nil {
			return nil, fmt.Errorf("working directory %q does not exist", spec.Dir)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("working directory %q is not a directory", spec.Dir)
		}
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = buildEnv(spec.Env)
	cmd.WaitDelay = waitDelay

	p := &Process{
		Spec:   spec,
		cmd:    cmd,
		status: NewStatusWatcher(StatusRunning()),
		stderr: newTailBuffer(stderrTailSize),
		done:   make(chan struct{}),
	}

	var err error
	if spec.PTY {
		err = p.startPTY()
	} else {
		err = p.startPipes()
	}
	if err != nil {
		return nil, err
	}
	p.PID = cmd.Process.Pid

	go p.wait()

	slog.Debug("process launched", "pid", p.PID, "command", strings.Join(spec.Command, " "), "pty", spec.PTY)
	return p, nil
}

// startPipes wires stdin and stdout through os pipes the parent owns, so
// reaping the child never closes a handle the transport is still reading.
func (p *Process) startPipes() error {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return fmt.Errorf("creating stdin pipe: %w", err)
	}

	p.cmd.Stdin = stdinR
	p.cmd.Stdout = stdoutW
	if p.Spec.Stderr != nil {
		p.cmd.Stderr = io.MultiWriter(p.stderr, p.Spec.Stderr)
	} else {
		p.cmd.Stderr = p.stderr
	}

	startErr := p.cmd.Start()
	// The child holds its own copies now.
	stdinR.Close()
	stdoutW.Close()
	if startErr != nil {
		stdoutR.Close()
		stdinW.Close()
		return fmt.Errorf("starting %s: %w", p.Spec.Command[0], startErr)
	}

	p.transport = connection.NewDuplex(&exitReader{r: stdoutR, p: p}, &exitWriter{w: stdinW, p: p})
	return nil
}

// startPTY runs the child on a raw-mode pseudo-terminal so frames pass the
// line discipline unmodified.
func (p *Process) startPTY() error {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return fmt.Errorf("opening PTY: %w", err)
	}
	if _, err := term.MakeRaw(int(tty.Fd())); err != nil {
		ptmx.Close()
		tty.Close()
		return fmt.Errorf("setting raw mode: %w", err)
	}

	p.cmd.Stdin = tty
	p.cmd.Stdout = tty
	p.cmd.Stderr = tty
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	startErr := p.cmd.Start()
	tty.Close()
	if startErr != nil {
		ptmx.Close()
		return fmt.Errorf("starting %s: %w", p.Spec.Command[0], startErr)
	}

	// The master serves both directions; only the inbound side closes it.
	p.transport = connection.NewDuplex(&exitReader{r: ptmx, p: p}, ptyWriter{ptmx})
	return nil
}

func (p *Process) wait() {
	waitErr := p.cmd.Wait()

	e := &ExitError{Stderr: p.stderr.String()}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			e.Code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				e.Signal = ws.Signal().String()
			}
		} else {
			e.Code = -1
		}
	}
	p.exitErr = e

	if p.killed.Load() {
		p.status.Set(StatusKilled())
	} else {
		p.status.Set(StatusCompleted(e.Code))
	}
	close(p.done)
	slog.Debug("process exited", "pid", p.PID, "code", e.Code, "signal", e.Signal)
}

// Transport returns the stdout/stdin duplex.
func (p *Process) Transport() *connection.Duplex { return p.transport }

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Status returns the lifecycle watcher.
func (p *Process) Status() *StatusWatcher { return p.status }

// Err returns the *ExitError once the process has been reaped, else nil.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// ExitCode returns the exit status, or -1 while running or when killed by a
// signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		return p.exitErr.Code
	default:
		return -1
	}
}

// StderrTail returns the last bytes written to stderr.
func (p *Process) StderrTail() string { return p.stderr.String() }

// Kill sends SIGKILL. It is a no-op once the process has been reaped.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.killed.Store(true)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing pid %d: %w", p.PID, err)
	}
	return nil
}

// Wait blocks until the process has been reaped and returns its *ExitError.
func (p *Process) Wait() *ExitError {
	<-p.done
	return p.exitErr
}

// Shutdown closes the child's stdin and gives it until ctx is done to exit
// on its own before killing it. It always reaps the process.
func (p *Process) Shutdown(ctx context.Context) *ExitError {
	if err := p.transport.DropOutbound(); err != nil {
		slog.Debug("closing child stdin", "pid", p.PID, "err", err)
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		if err := p.Kill(); err != nil {
			slog.Warn("kill failed", "pid", p.PID, "err", err)
		}
		<-p.done
	}
	p.transport.Close()
	return p.exitErr
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// exitReader reports the child's exit instead of a bare end of output when
// the process is reaped shortly after its output closes.
type exitReader struct {
	r io.ReadCloser
	p *Process
}

func (r *exitReader) Read(b []byte) (int, error) {
	n, err := r.r.Read(b)
	if err == nil {
		return n, nil
	}
	if err != io.EOF && !isEIO(err) {
		return n, err
	}
	if exit := r.p.awaitExit(); exit != nil {
		return n, exit
	}
	return n, io.EOF
}

func (r *exitReader) Close() error { return r.r.Close() }

// exitWriter reports the child's exit instead of a broken pipe when writing
// to a child that has gone away.
type exitWriter struct {
	w io.WriteCloser
	p *Process
}

func (w *exitWriter) Write(b []byte) (int, error) {
	n, err := w.w.Write(b)
	if err == nil || !errors.Is(err, syscall.EPIPE) {
		return n, err
	}
	if exit := w.p.awaitExit(); exit != nil {
		return n, exit
	}
	return n, err
}

func (w *exitWriter) Close() error { return w.w.Close() }

// awaitExit waits up to exitGrace for the process to be reaped.
func (p *Process) awaitExit() error {
	t := time.NewTimer(exitGrace)
	defer t.Stop()
	select {
	case <-p.done:
		return p.exitErr
	case <-t.C:
		return nil
	}
}

// ptyWriter writes to the pty master without owning it.
type ptyWriter struct{ f *os.File }

func (w ptyWriter) Write(b []byte) (int, error) { return w.f.Write(b) }
func (w ptyWriter) Close() error                { return nil }

// buildEnv returns the inherited environment with overrides applied. An
// override replaces any inherited entry with the same key.
func buildEnv(overrides []string) []string {
	base := os.Environ()
	if len(overrides) == 0 {
		return base
	}
	keys := make(map[string]bool, len(overrides))
	for _, kv := range overrides {
		k, _, _ := strings.Cut(kv, "=")
		keys[k] = true
	}
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if !keys[k] {
			env = append(env, kv)
		}
	}
	return append(env, overrides...)
}

// isEIO returns true if err is an EIO (errno 5) wrapped in an *os.PathError.
// A pty master reads EIO once the child side has closed.
func isEIO(err error) bool {
	var pe *os.PathError
	if errors.As(err, &pe) {
		if errno, ok := pe.Err.(syscall.Errno); ok {
			return errno == syscall.EIO
		}
	}
	return false
}

// tailBuffer keeps the last size bytes written to it.
type tailBuffer struct {
	mu   sync.Mutex
	size int
	buf  []byte
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{size: size}
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.size; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
