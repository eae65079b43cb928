// Package mux multiplexes concurrent request/response calls over a single
// byte-stream transport. Calls are correlated by request id only; responses
// may arrive in any order.
//
// A Conn owns its transport. Exactly one goroutine reads and decodes, exactly
// one goroutine writes, and any number of goroutines may issue calls.
package mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/codewiresh/procmux/internal/connection"
	"github.com/codewiresh/procmux/internal/protocol"
)

const readChunk = 4096

// MaxReleased bounds how many released ids a Conn keeps reserved.
const MaxReleased = 4096

// ErrReleased resolves a pending call whose caller gave up on it.
var ErrReleased = errors.New("call released before response")

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Option configures a Conn or a Serve loop.
type Option func(*options)

type options struct {
	codec  protocol.Codec
	strict bool
	logger *slog.Logger
}

func newOptions(opts []Option) options {
	o := options{codec: protocol.LineCodec{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// WithCodec selects the wire codec. Both peers must use the same one.
func WithCodec(c protocol.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithStrictProtocol makes a response with an unknown id fatal to the
// connection. By default such responses are logged and dropped.
func WithStrictProtocol() Option {
	return func(o *options) { o.strict = true }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ---------------------------------------------------------------------------
// Pending
// ---------------------------------------------------------------------------

// Pending is the handle for one in-flight call. It resolves exactly once.
type Pending struct {
	ID uint32

	conn    *Conn
	done    chan struct{}
	payload string
	err     error
}

func (p *Pending) resolve(payload string, err error) {
	p.payload = payload
	p.err = err
	close(p.done)
}

// Done is closed once the call has resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the resolved payload and error. Only valid after Done.
func (p *Pending) Result() (string, error) { return p.payload, p.err }

// Wait blocks until the response arrives, the connection is torn down, or
// ctx is done. On ctx expiry the call is released, unless it has already
// resolved, in which case its result is returned.
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case <-p.done:
		return p.payload, p.err
	case <-ctx.Done():
		// Release resolves the call unless a response or teardown got there
		// first, in which case that result stands.
		p.Release()
		<-p.done
		if errors.Is(p.err, ErrReleased) {
			return "", ctx.Err()
		}
		return p.payload, p.err
	}
}

// Release gives up on the call. Its pending entry is removed and any later
// response for it is discarded. A frame already queued is still written in
// full. Release after resolution is a no-op.
//
// The id stays reserved until its response arrives or the connection is torn
// down, so a peer that never answers keeps it out of allocation. At most
// MaxReleased ids are reserved per Conn; beyond that a released id is not
// reserved and a late response for it counts as unmatched.
func (p *Pending) Release() {
	c := p.conn
	c.mu.Lock()
	cur, ok := c.pending[p.ID]
	if !ok || cur != p {
		c.mu.Unlock()
		return
	}
	delete(c.pending, p.ID)
	// The id stays reserved until its response shows up, up to a bound.
	if len(c.released) < c.maxReleased {
		c.released[p.ID] = struct{}{}
	} else {
		c.log.Debug("released id not reserved", "id", p.ID, "reserved", len(c.released))
	}
	c.mu.Unlock()
	p.resolve("", ErrReleased)
}

// ---------------------------------------------------------------------------
// Conn
// ---------------------------------------------------------------------------

// Stats is a snapshot of connection counters.
type Stats struct {
	Sent      uint64 `json:"sent" yaml:"sent"`
	Received  uint64 `json:"received" yaml:"received"`
	Unmatched uint64 `json:"unmatched" yaml:"unmatched"`
	Pending   int    `json:"pending" yaml:"pending"`
}

// Conn is the client side of a multiplexed connection.
type Conn struct {
	t      connection.Transport
	codec  protocol.Codec
	strict bool
	log    *slog.Logger

	mu       sync.Mutex
	pending  map[uint32]*Pending
	released map[uint32]struct{}
	nextID   uint32
	queue    [][]byte
	closeErr error

	// maxReleased caps len(released).
	maxReleased int

	wake  chan struct{}
	done  chan struct{}
	group errgroup.Group

	sent      atomic.Uint64
	received  atomic.Uint64
	unmatched atomic.Uint64
}

// New takes ownership of t and starts the read and write loops.
func New(t connection.Transport, opts ...Option) *Conn {
	o := newOptions(opts)
	c := &Conn{
		t:        t,
		codec:    o.codec,
		strict:   o.strict,
		log:      o.logger,
		pending:  make(map[uint32]*Pending),
		released: make(map[uint32]struct{}),
		nextID:   1,

		maxReleased: MaxReleased,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.group.Go(c.readLoop)
	c.group.Go(c.writeLoop)
	return c
}

// Go issues a call without waiting for its response. It never blocks on I/O.
// After teardown it fails with the connection's *protocol.TransportClosedError;
// with no write direction it fails with protocol.ErrBrokenPipe and nothing is
// queued.
func (c *Conn) Go(payload string) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closeErr != nil {
		return nil, c.closeErr
	}
	if !c.t.Writable() {
		return nil, fmt.Errorf("call: %w", protocol.ErrBrokenPipe)
	}

	id := c.allocID()
	var buf bytes.Buffer
	if err := c.codec.Encode(protocol.Frame{ID: id, Payload: payload}, &buf); err != nil {
		return nil, err
	}

	p := &Pending{ID: id, conn: c, done: make(chan struct{})}
	c.pending[id] = p
	c.queue = append(c.queue, buf.Bytes())
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return p, nil
}

// Call issues a call and waits for its response.
func (c *Conn) Call(ctx context.Context, payload string) (string, error) {
	p, err := c.Go(payload)
	if err != nil {
		return "", err
	}
	return p.Wait(ctx)
}

// allocID returns the next id not held by a pending or released call.
// Callers hold c.mu.
func (c *Conn) allocID() uint32 {
	for {
		id := c.nextID
		c.nextID++
		if _, busy := c.pending[id]; busy {
			continue
		}
		if _, busy := c.released[id]; busy {
			continue
		}
		return id
	}
}

// Terminate tears the connection down with cause, for example when the
// process on the other end has exited. Every pending call resolves with a
// *protocol.TransportClosedError wrapping cause.
func (c *Conn) Terminate(cause error) {
	c.fail(cause)
}

// Close tears the connection down and releases the transport.
func (c *Conn) Close() error {
	c.fail(protocol.ErrClosed)
	return nil
}

// Done is closed when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the *protocol.TransportClosedError once torn down, else nil.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Wait blocks until both I/O loops have exited. It returns the error that
// brought the connection down from inside, or nil if it was closed or
// terminated from outside.
func (c *Conn) Wait() error {
	return c.group.Wait()
}

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	return Stats{
		Sent:      c.sent.Load(),
		Received:  c.received.Load(),
		Unmatched: c.unmatched.Load(),
		Pending:   n,
	}
}

// fail records cause, resolves every pending call and closes the transport.
// It reports whether this call performed the teardown.
func (c *Conn) fail(cause error) bool {
	c.mu.Lock()
	if c.closeErr != nil {
		c.mu.Unlock()
		return false
	}
	closeErr := &protocol.TransportClosedError{Cause: cause}
	c.closeErr = closeErr
	pending := c.pending
	c.pending = nil
	c.released = nil
	c.queue = nil
	c.mu.Unlock()

	close(c.done)
	for _, p := range pending {
		p.resolve("", closeErr)
	}
	if err := c.t.Close(); err != nil {
		c.log.Debug("closing transport", "err", err)
	}
	c.log.Debug("connection torn down", "cause", cause, "pending", len(pending))
	return true
}

// ---------------------------------------------------------------------------
// I/O loops
// ---------------------------------------------------------------------------

func (c *Conn) writeLoop() error {
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return nil
		}

		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			frame := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()

			// One Write per frame keeps frames from interleaving on the wire.
			err := writeFrame(c.t, frame)
			if err != nil {
				if c.fail(err) {
					return err
				}
				return nil
			}
			c.sent.Add(1)
		}
	}
}

func (c *Conn) readLoop() error {
	err := readFrames(c.t, c.codec, c.deliver)
	if c.fail(err) {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// deliver hands a decoded response to the caller waiting on its id.
func (c *Conn) deliver(f *protocol.Frame) error {
	c.received.Add(1)

	c.mu.Lock()
	p, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	_, wasReleased := c.released[f.ID]
	if wasReleased {
		delete(c.released, f.ID)
	}
	c.mu.Unlock()

	switch {
	case ok:
		p.resolve(f.Payload, nil)
		return nil
	case wasReleased:
		c.log.Debug("discarding response for released call", "id", f.ID)
		return nil
	}

	c.unmatched.Add(1)
	perr := &protocol.ProtocolError{ID: f.ID}
	if c.strict {
		return perr
	}
	c.log.Warn("dropping response", "id", f.ID, "err", perr)
	return nil
}

func writeFrame(t connection.Transport, frame []byte) error {
	if _, err := t.Write(frame); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := t.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// readFrames reads from r and hands each decoded frame to fn until a read,
// decode or fn error. A clean end of stream is reported as an error wrapping
// io.EOF.
func readFrames(r io.Reader, codec protocol.Codec, fn func(*protocol.Frame) error) error {
	var buf bytes.Buffer
	chunk := make([]byte, readChunk)
	for {
		n, readErr := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			for {
				f, err := codec.Decode(&buf)
				if err != nil {
					return err
				}
				if f == nil {
					break
				}
				if err := fn(f); err != nil {
					return err
				}
			}
		}
		if readErr != nil {
			return fmt.Errorf("read: %w", readErr)
		}
	}
}
