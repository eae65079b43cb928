package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Wire constants for the line-delimited frame format.
// Wire format: [id:u32 BE][utf-8 payload][0x0A]
const (
	Terminator  byte   = '\n'
	IDLen              = 4
	MinFrameLen        = IDLen + 1
	MaxPayload  uint32 = 16 * 1024 * 1024 // 16 MB
)

// Frame is one protocol unit. Requests and responses share the same shape.
type Frame struct {
	ID      uint32
	Payload string
}

// Codec extracts frames from a growing read buffer and appends encoded
// frames to a write buffer.
//
// Decode returns (nil, nil) when the buffer does not yet hold a complete
// frame, in which case nothing is consumed. Otherwise it consumes exactly one
// frame, even when it also returns an error for it.
type Codec interface {
	Name() string
	Decode(buf *bytes.Buffer) (*Frame, error)
	Encode(f Frame, buf *bytes.Buffer) error
}

// CodecByName returns the codec registered under name ("line" or "length").
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "line":
		return LineCodec{}, nil
	case "length":
		return LengthCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec: %q", name)
	}
}

// ---------------------------------------------------------------------------
// LineCodec
// ---------------------------------------------------------------------------

// LineCodec is the default codec: a 4 byte id followed by the payload and a
// single newline. Payloads cannot contain a newline.
type LineCodec struct{}

// Name returns "line".
func (LineCodec) Name() string { return "line" }

// Decode removes one complete frame from the front of buf. It returns
// (nil, nil) and leaves buf untouched when no complete frame is buffered.
func (LineCodec) Decode(buf *bytes.Buffer) (*Frame, error) {
	b := buf.Bytes()
	if len(b) < MinFrameLen {
		return nil, nil
	}

	// The id bytes may legitimately contain 0x0A, so the scan starts after them.
	n := bytes.IndexByte(b[IDLen:], Terminator)
	if n < 0 {
		if len(b)-IDLen > int(MaxPayload) {
			return nil, fmt.Errorf("%w: no terminator within %d bytes", ErrFrameTooLarge, MaxPayload)
		}
		return nil, nil
	}

	id := binary.BigEndian.Uint32(b[:IDLen])
	payload := b[IDLen : IDLen+n]
	valid := utf8.Valid(payload)
	text := string(payload)
	buf.Next(IDLen + n + 1)

	if !valid {
		return nil, &FormatError{ID: id}
	}
	return &Frame{ID: id, Payload: text}, nil
}

// Encode appends f to buf. Nothing is appended on error.
func (LineCodec) Encode(f Frame, buf *bytes.Buffer) error {
	if err := checkPayload(f); err != nil {
		return err
	}
	if strings.IndexByte(f.Payload, Terminator) >= 0 {
		return fmt.Errorf("frame %d: %w", f.ID, ErrPayloadTerminator)
	}

	var id [IDLen]byte
	binary.BigEndian.PutUint32(id[:], f.ID)
	buf.Grow(IDLen + len(f.Payload) + 1)
	buf.Write(id[:])
	buf.WriteString(f.Payload)
	buf.WriteByte(Terminator)
	return nil
}

// ---------------------------------------------------------------------------
// LengthCodec
// ---------------------------------------------------------------------------

// LengthCodec frames payloads with an explicit length instead of a
// terminator, so payloads may contain newlines.
// Wire format: [id:u32 BE][length:u32 BE][utf-8 payload]
type LengthCodec struct{}

const lengthHeaderLen = IDLen + 4

// Name returns "length".
func (LengthCodec) Name() string { return "length" }

// Decode removes one complete frame from the front of buf, like
// LineCodec.Decode.
func (LengthCodec) Decode(buf *bytes.Buffer) (*Frame, error) {
	b := buf.Bytes()
	if len(b) < lengthHeaderLen {
		return nil, nil
	}

	id := binary.BigEndian.Uint32(b[0:4])
	length := binary.BigEndian.Uint32(b[4:8])
	if length > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	total := lengthHeaderLen + int(length)
	if len(b) < total {
		return nil, nil
	}

	payload := b[lengthHeaderLen:total]
	valid := utf8.Valid(payload)
	text := string(payload)
	buf.Next(total)

	if !valid {
		return nil, &FormatError{ID: id}
	}
	return &Frame{ID: id, Payload: text}, nil
}

// Encode appends f to buf. Nothing is appended on error.
func (LengthCodec) Encode(f Frame, buf *bytes.Buffer) error {
	if err := checkPayload(f); err != nil {
		return err
	}

	var header [lengthHeaderLen]byte
	binary.BigEndian.PutUint32(header[0:4], f.ID)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(f.Payload)))
	buf.Grow(lengthHeaderLen + len(f.Payload))
	buf.Write(header[:])
	buf.WriteString(f.Payload)
	return nil
}

func checkPayload(f Frame) error {
	if len(f.Payload) > int(MaxPayload) {
		return fmt.Errorf("frame %d: %w: %d bytes", f.ID, ErrFrameTooLarge, len(f.Payload))
	}
	if !utf8.ValidString(f.Payload) {
		return &FormatError{ID: f.ID}
	}
	return nil
}
