// Package client is the caller-facing API of procmux: connect to a target,
// issue calls concurrently, and close.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codewiresh/procmux/internal/connection"
	"github.com/codewiresh/procmux/internal/mux"
	"github.com/codewiresh/procmux/internal/session"
)

const (
	// exitDrain is how long responses already written by an exited process
	// get to reach their callers before the connection is torn down.
	exitDrain = 200 * time.Millisecond
	// closeGrace is how long a child gets to exit after its stdin closes.
	closeGrace = 2 * time.Second
)

// Target describes what to connect to: a child process, a local Unix
// socket, or a remote WebSocket endpoint. Exactly one must be set.
type Target struct {
	Command []string  // argv of a child process
	PTY     bool      // run Command on a pseudo-terminal
	Dir     string    // working directory for Command
	Env     []string  // extra environment for Command
	Stderr  io.Writer // also receives the child's stderr

	Socket string // Unix socket path
	URL    string // ws://, wss://, http:// or https:// URL
	Token  string // bearer token for URL
}

// Kind returns "process", "unix" or "websocket", or "" when no target is set.
func (t *Target) Kind() string {
	switch {
	case len(t.Command) > 0:
		return "process"
	case t.Socket != "":
		return "unix"
	case t.URL != "":
		return "websocket"
	}
	return ""
}

// String returns a short description of the target for logs and history.
func (t *Target) String() string {
	switch t.Kind() {
	case "process":
		return strings.Join(t.Command, " ")
	case "unix":
		return "unix:" + t.Socket
	case "websocket":
		return t.URL
	}
	return "<none>"
}

func (t *Target) validate() error {
	set := 0
	if len(t.Command) > 0 {
		set++
	}
	if t.Socket != "" {
		set++
	}
	if t.URL != "" {
		set++
	}
	switch set {
	case 0:
		return errors.New("no target: need a command, a socket or a URL")
	case 1:
		return nil
	}
	return errors.New("ambiguous target: set only one of command, socket and URL")
}

// Client issues calls over one connection. It is safe for concurrent use.
type Client struct {
	conn *mux.Conn
	proc *session.Process

	closeOnce sync.Once
	closeErr  error
}

// New wraps an already-open transport. The client takes ownership of it.
func New(t connection.Transport, opts ...mux.Option) *Client {
	return &Client{conn: mux.New(t, opts...)}
}

// Dial connects to target. ctx bounds connecting only; a child process
// lives until Close.
func Dial(ctx context.Context, target Target, opts ...mux.Option) (*Client, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}

	switch target.Kind() {
	case "process":
		proc, err := session.Launch(context.WithoutCancel(ctx), session.Spec{
			Command: target.Command,
			Dir:     target.Dir,
			Env:     target.Env,
			PTY:     target.PTY,
			Stderr:  target.Stderr,
		})
		if err != nil {
			return nil, err
		}
		c := &Client{conn: mux.New(proc.Transport(), opts...), proc: proc}
		go c.watchProcess()
		return c, nil

	case "unix":
		t, err := connection.DialUnix(ctx, target.Socket)
		if err != nil {
			return nil, err
		}
		return New(t, opts...), nil

	default:
		t, err := connection.DialWebSocket(ctx, target.URL, target.Token)
		if err != nil {
			return nil, err
		}
		return New(t, opts...), nil
	}
}

// watchProcess tears the connection down with the child's exit status once
// it exits, after giving already-written responses a moment to arrive.
func (c *Client) watchProcess() {
	select {
	case <-c.proc.Done():
	case <-c.conn.Done():
		return
	}
	t := time.NewTimer(exitDrain)
	defer t.Stop()
	select {
	case <-c.conn.Done():
	case <-t.C:
		c.conn.Terminate(c.proc.Err())
	}
}

// Call sends payload and waits for its response or ctx. Errors carry the
// same "call <id>:" prefix as Future.Wait.
func (c *Client) Call(ctx context.Context, payload string) (string, error) {
	return c.Go(payload).Wait(ctx)
}

// Go sends payload without waiting. A call that could not be issued yields
// a Future already resolved with the error.
func (c *Client) Go(payload string) *Future {
	p, err := c.conn.Go(payload)
	return &Future{p: p, err: err}
}

// Close tears the connection down. For a process target the child's stdin is
// closed and the child is reaped, killed if it does not exit in time.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		if c.proc == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		defer cancel()
		exit := c.proc.Shutdown(ctx)
		slog.Debug("child reaped", "pid", c.proc.PID, "exit", exit)
	})
	return c.closeErr
}

// Done is closed once the connection has been torn down.
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }

// Err returns the teardown error once the connection is down, else nil.
func (c *Client) Err() error { return c.conn.Err() }

// Stats returns the connection counters.
func (c *Client) Stats() mux.Stats { return c.conn.Stats() }

// Process returns the child for a process target, else nil.
func (c *Client) Process() *session.Process { return c.proc }

// Future is the result of Go.
type Future struct {
	p   *mux.Pending
	err error
}

// ID returns the request id, or 0 if the call was never issued.
func (f *Future) ID() uint32 {
	if f.p == nil {
		return 0
	}
	return f.p.ID
}

// Wait blocks for the response. On ctx expiry the call is released.
func (f *Future) Wait(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	s, err := f.p.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("call %d: %w", f.p.ID, err)
	}
	return s, nil
}

// Release abandons the call. Any late response is discarded.
func (f *Future) Release() {
	if f.p != nil {
		f.p.Release()
	}
}
