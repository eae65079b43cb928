// Package connection provides the byte-stream transports the dispatch engine
// runs over: a duplex adapter for split one-directional handles (process
// pipes), plain socket connections, and WebSocket connections.
package connection

import "io"

// Transport is the capability set the dispatch engine needs from a
// connection. Implementations must allow one concurrent reader and one
// concurrent writer.
type Transport interface {
	io.Reader
	io.Writer
	// Flush pushes any buffered output to the peer.
	Flush() error
	// CloseWrite half-closes the transport: the peer sees end of input while
	// the read side stays usable.
	CloseWrite() error
	// Writable reports whether the write direction is still present.
	Writable() bool
	// Close releases every underlying handle.
	Close() error
}

type flusher interface {
	Flush() error
}

type closeWriter interface {
	CloseWrite() error
}
