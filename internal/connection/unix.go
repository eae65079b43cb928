package connection

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/codewiresh/procmux/internal/protocol"
)

// SocketTransport adapts a net.Conn (Unix or TCP) to Transport.
type SocketTransport struct {
	conn       net.Conn
	halfClosed atomic.Bool
}

// FromConn wraps conn. The transport owns conn from then on.
func FromConn(conn net.Conn) *SocketTransport {
	return &SocketTransport{conn: conn}
}

// DialUnix connects to the Unix socket at path.
func DialUnix(ctx context.Context, path string) (*SocketTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connecting to unix socket: %w", err)
	}
	return FromConn(conn), nil
}

// Read reads from the underlying connection.
func (s *SocketTransport) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

// Write writes to the underlying connection unless the write side is shut.
func (s *SocketTransport) Write(p []byte) (int, error) {
	if s.halfClosed.Load() {
		return 0, fmt.Errorf("write: socket is half-closed: %w", protocol.ErrBrokenPipe)
	}
	return s.conn.Write(p)
}

// Flush is a no-op; socket writes are unbuffered.
func (s *SocketTransport) Flush() error {
	if s.halfClosed.Load() {
		return fmt.Errorf("flush: socket is half-closed: %w", protocol.ErrBrokenPipe)
	}
	return nil
}

// CloseWrite shuts down the write side of the socket. Connections without
// half-close support (net.Pipe, for one) are closed entirely.
func (s *SocketTransport) CloseWrite() error {
	if s.halfClosed.Swap(true) {
		return fmt.Errorf("shutdown: socket is half-closed: %w", protocol.ErrBrokenPipe)
	}
	if cw, ok := s.conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return s.conn.Close()
}

// Writable reports whether the write side is still open.
func (s *SocketTransport) Writable() bool {
	return !s.halfClosed.Load()
}

// Close closes the underlying connection.
func (s *SocketTransport) Close() error {
	return s.conn.Close()
}

// RemoteAddr returns the peer address.
func (s *SocketTransport) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
