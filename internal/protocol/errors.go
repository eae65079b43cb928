package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrBrokenPipe means the I/O direction an operation needs is absent.
	ErrBrokenPipe = errors.New("broken pipe")
	// ErrFormat means decoded payload bytes are not valid UTF-8 text.
	ErrFormat = errors.New("invalid frame payload")
	// ErrProtocol means a response carried an id with no pending call.
	ErrProtocol = errors.New("unexpected response id")
	// ErrTransportClosed means the connection was torn down.
	ErrTransportClosed = errors.New("transport closed")

	ErrFrameTooLarge     = errors.New("frame payload too large")
	ErrPayloadTerminator = errors.New("payload contains frame terminator")
	// ErrClosed is the teardown cause recorded when the local side closes.
	ErrClosed = errors.New("closed by client")
)

// FormatError reports a frame whose payload was not valid text. The frame
// has already been consumed from the buffer when this is returned.
type FormatError struct {
	ID uint32
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("frame %d: %v", e.ID, ErrFormat)
}

func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// ProtocolError reports a response frame that matched no pending call.
type ProtocolError struct {
	ID uint32
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%v: %d", ErrProtocol, e.ID)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// TransportClosedError is delivered to every call outstanding when a
// connection is torn down, and to every call issued afterwards. Cause is the
// error that brought the connection down.
type TransportClosedError struct {
	Cause error
}

func (e *TransportClosedError) Error() string {
	if e.Cause == nil {
		return ErrTransportClosed.Error()
	}
	return fmt.Sprintf("%v: %v", ErrTransportClosed, e.Cause)
}

func (e *TransportClosedError) Is(target error) bool { return target == ErrTransportClosed }

func (e *TransportClosedError) Unwrap() error { return e.Cause }
