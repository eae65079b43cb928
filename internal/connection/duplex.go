package connection

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/codewiresh/procmux/internal/protocol"
)

// Duplex joins an input-only handle and an output-only handle, such as a
// child process's stdout and stdin pipes, into one Transport. Either handle
// may be absent from the start or disappear later without affecting the
// other. The Duplex owns both handles and is the only party that closes them.
type Duplex struct {
	mu  sync.Mutex
	in  io.ReadCloser
	out io.WriteCloser
}

// NewDuplex takes ownership of in and out. Either may be nil.
func NewDuplex(in io.ReadCloser, out io.WriteCloser) *Duplex {
	return &Duplex{in: in, out: out}
}

func (d *Duplex) inbound() io.ReadCloser {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.in
}

func (d *Duplex) outbound() io.WriteCloser {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.out
}

// Read reads from the inbound handle. It fails immediately with
// protocol.ErrBrokenPipe when there is none.
func (d *Duplex) Read(p []byte) (int, error) {
	in := d.inbound()
	if in == nil {
		return 0, fmt.Errorf("read: inbound is not open: %w", protocol.ErrBrokenPipe)
	}
	return in.Read(p)
}

// Write writes to the outbound handle. It fails with protocol.ErrBrokenPipe
// when there is none.
func (d *Duplex) Write(p []byte) (int, error) {
	out := d.outbound()
	if out == nil {
		return 0, fmt.Errorf("write: outbound is not open: %w", protocol.ErrBrokenPipe)
	}
	return out.Write(p)
}

// Flush flushes the outbound handle if it buffers.
func (d *Duplex) Flush() error {
	out := d.outbound()
	if out == nil {
		return fmt.Errorf("flush: outbound is not open: %w", protocol.ErrBrokenPipe)
	}
	if f, ok := out.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// CloseWrite closes the outbound handle so the peer sees end of input. The
// inbound handle stays readable. Calling it with no outbound handle is an
// error, not a no-op.
func (d *Duplex) CloseWrite() error {
	d.mu.Lock()
	out := d.out
	d.out = nil
	d.mu.Unlock()

	if out == nil {
		return fmt.Errorf("shutdown: outbound is not open: %w", protocol.ErrBrokenPipe)
	}
	if f, ok := out.(flusher); ok {
		if err := f.Flush(); err != nil {
			out.Close()
			return err
		}
	}
	return out.Close()
}

// Writable reports whether an outbound handle is present.
func (d *Duplex) Writable() bool {
	return d.outbound() != nil
}

// Readable reports whether an inbound handle is present.
func (d *Duplex) Readable() bool {
	return d.inbound() != nil
}

// DropInbound closes and forgets the inbound handle. Used by the owner of the
// underlying resource when it learns the handle has gone away.
func (d *Duplex) DropInbound() error {
	d.mu.Lock()
	in := d.in
	d.in = nil
	d.mu.Unlock()
	if in == nil {
		return nil
	}
	return in.Close()
}

// DropOutbound closes and forgets the outbound handle.
func (d *Duplex) DropOutbound() error {
	d.mu.Lock()
	out := d.out
	d.out = nil
	d.mu.Unlock()
	if out == nil {
		return nil
	}
	return out.Close()
}

// Close releases both handles. Errors from both are joined.
func (d *Duplex) Close() error {
	return errors.Join(d.DropOutbound(), d.DropInbound())
}
