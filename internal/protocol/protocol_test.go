package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func encodeLine(t *testing.T, f Frame) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := (LineCodec{}).Encode(f, &buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return buf.Bytes()
}

// ---------------------------------------------------------------------------
// Line codec round-trip tests
// ---------------------------------------------------------------------------

func TestLineRoundTrip(t *testing.T) {
	cases := []Frame{
		{ID: 1, Payload: "please alter this string for me"},
		{ID: 0, Payload: ""},
		{ID: 0xFFFFFFFF, Payload: "max id"},
		{ID: 0x0A0A0A0A, Payload: "id bytes are all terminators"},
		{ID: 42, Payload: "héllo wörld ✓"},
	}
	for _, want := range cases {
		buf := bytes.NewBuffer(encodeLine(t, want))
		got, err := (LineCodec{}).Decode(buf)
		if err != nil {
			t.Fatalf("Decode(%+v): %v", want, err)
		}
		if got == nil {
			t.Fatalf("Decode(%+v) returned incomplete", want)
		}
		if *got != want {
			t.Errorf("Decode = %+v, want %+v", *got, want)
		}
		if buf.Len() != 0 {
			t.Errorf("%d bytes left in buffer after decode", buf.Len())
		}
	}
}

func TestLineWireFormat(t *testing.T) {
	wire := encodeLine(t, Frame{ID: 0x01020304, Payload: "test"})

	if len(wire) != 4+len("test")+1 {
		t.Fatalf("wire length = %d, want %d", len(wire), 9)
	}
	if id := binary.BigEndian.Uint32(wire[0:4]); id != 0x01020304 {
		t.Errorf("wire id = %#x, want 0x01020304", id)
	}
	if string(wire[4:8]) != "test" {
		t.Errorf("wire payload = %q, want %q", wire[4:8], "test")
	}
	if wire[8] != Terminator {
		t.Errorf("wire[8] = 0x%02x, want 0x0a", wire[8])
	}
}

func TestLineEncodeRejectsTerminator(t *testing.T) {
	var buf bytes.Buffer
	err := (LineCodec{}).Encode(Frame{ID: 1, Payload: "two\nlines"}, &buf)
	if !errors.Is(err, ErrPayloadTerminator) {
		t.Fatalf("err = %v, want ErrPayloadTerminator", err)
	}
	if buf.Len() != 0 {
		t.Errorf("buffer has %d bytes after rejected encode", buf.Len())
	}
}

func TestLineEncodeRejectsInvalidUTF8(t *testing.T) {
	var buf bytes.Buffer
	err := (LineCodec{}).Encode(Frame{ID: 7, Payload: "bad \xff byte"}, &buf)
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
	if buf.Len() != 0 {
		t.Errorf("buffer has %d bytes after rejected encode", buf.Len())
	}
}

// ---------------------------------------------------------------------------
// Incomplete buffers
// ---------------------------------------------------------------------------

func TestLineShortBufferIsIncomplete(t *testing.T) {
	for n := 0; n < MinFrameLen; n++ {
		raw := []byte{0x00, 0x00, 0x00, '\n', '\n'}[:n]
		buf := bytes.NewBuffer(append([]byte(nil), raw...))
		f, err := (LineCodec{}).Decode(buf)
		if f != nil || err != nil {
			t.Fatalf("len %d: Decode = (%v, %v), want (nil, nil)", n, f, err)
		}
		if !bytes.Equal(buf.Bytes(), raw) {
			t.Errorf("len %d: buffer modified: %q", n, buf.Bytes())
		}
	}
}

func TestLineNoTerminatorIsIncomplete(t *testing.T) {
	// The id field holds 0x0A bytes, which must not be taken as the terminator.
	raw := []byte{'\n', '\n', '\n', '\n', 'a', 'b', 'c'}
	buf := bytes.NewBuffer(append([]byte(nil), raw...))
	f, err := (LineCodec{}).Decode(buf)
	if f != nil || err != nil {
		t.Fatalf("Decode = (%v, %v), want (nil, nil)", f, err)
	}
	if !bytes.Equal(buf.Bytes(), raw) {
		t.Errorf("buffer modified: %q", buf.Bytes())
	}
}

func TestLinePartialFeed(t *testing.T) {
	want := Frame{ID: 9, Payload: "arrives one byte at a time"}
	wire := encodeLine(t, want)

	var buf bytes.Buffer
	for i, b := range wire {
		buf.WriteByte(b)
		f, err := (LineCodec{}).Decode(&buf)
		if err != nil {
			t.Fatalf("byte %d: Decode: %v", i, err)
		}
		if i < len(wire)-1 {
			if f != nil {
				t.Fatalf("byte %d: decoded early: %+v", i, f)
			}
			continue
		}
		if f == nil || *f != want {
			t.Fatalf("final Decode = %+v, want %+v", f, want)
		}
	}
}

func TestLineMultipleFrames(t *testing.T) {
	frames := []Frame{
		{ID: 1, Payload: "first"},
		{ID: 2, Payload: ""},
		{ID: 3, Payload: "third"},
	}

	var buf bytes.Buffer
	for _, f := range frames {
		if err := (LineCodec{}).Encode(f, &buf); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	for i, want := range frames {
		got, err := (LineCodec{}).Decode(&buf)
		if err != nil {
			t.Fatalf("Decode[%d]: %v", i, err)
		}
		if got == nil || *got != want {
			t.Errorf("frame[%d] = %+v, want %+v", i, got, want)
		}
	}

	got, err := (LineCodec{}).Decode(&buf)
	if got != nil || err != nil {
		t.Errorf("expected (nil, nil) after all frames, got (%v, %v)", got, err)
	}
}

// ---------------------------------------------------------------------------
// Format errors
// ---------------------------------------------------------------------------

func TestLineInvalidUTF8ConsumesFrameOnce(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 5, 0xff, 0xfe, '\n'})
	next := encodeLine(t, Frame{ID: 6, Payload: "next"})
	buf.Write(next)

	_, err := (LineCodec{}).Decode(&buf)
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FormatError", err)
	}
	if fe.ID != 5 {
		t.Errorf("FormatError.ID = %d, want 5", fe.ID)
	}
	if !errors.Is(err, ErrFormat) {
		t.Error("FormatError does not match ErrFormat")
	}
	if !bytes.Equal(buf.Bytes(), next) {
		t.Fatalf("malformed frame not fully consumed, left %q", buf.Bytes())
	}

	f, err := (LineCodec{}).Decode(&buf)
	if err != nil {
		t.Fatalf("second Decode: %v", err)
	}
	if f == nil || f.ID != 6 {
		t.Errorf("second Decode = %+v, want id 6", f)
	}
}

func TestLineUnterminatedOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 1})
	buf.WriteString(strings.Repeat("x", int(MaxPayload)+1))

	_, err := (LineCodec{}).Decode(&buf)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

// ---------------------------------------------------------------------------
// Length codec
// ---------------------------------------------------------------------------

func TestLengthRoundTripWithNewlines(t *testing.T) {
	want := Frame{ID: 77, Payload: "line one\nline two\n"}

	var buf bytes.Buffer
	if err := (LengthCodec{}).Encode(want, &buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if buf.Len() != 8+len(want.Payload) {
		t.Fatalf("wire length = %d, want %d", buf.Len(), 8+len(want.Payload))
	}

	got, err := (LengthCodec{}).Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got == nil || *got != want {
		t.Fatalf("Decode = %+v, want %+v", got, want)
	}
}

func TestLengthIncompleteLeavesBuffer(t *testing.T) {
	var full bytes.Buffer
	if err := (LengthCodec{}).Encode(Frame{ID: 1, Payload: "abcdef"}, &full); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw := full.Bytes()[:full.Len()-1]

	buf := bytes.NewBuffer(append([]byte(nil), raw...))
	f, err := (LengthCodec{}).Decode(buf)
	if f != nil || err != nil {
		t.Fatalf("Decode = (%v, %v), want (nil, nil)", f, err)
	}
	if !bytes.Equal(buf.Bytes(), raw) {
		t.Error("buffer modified by incomplete decode")
	}
}

func TestLengthRejectsOversizeHeader(t *testing.T) {
	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], 1)
	binary.BigEndian.PutUint32(header[4:8], MaxPayload+1)

	_, err := (LengthCodec{}).Decode(bytes.NewBuffer(header[:]))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestLengthInvalidUTF8(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 3, 0, 0, 0, 2, 0xc3, 0x28})

	_, err := (LengthCodec{}).Decode(&buf)
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
	if buf.Len() != 0 {
		t.Errorf("malformed frame not consumed, %d bytes left", buf.Len())
	}
}

// ---------------------------------------------------------------------------
// Codec lookup and error kinds
// ---------------------------------------------------------------------------

func TestCodecByName(t *testing.T) {
	for name, want := range map[string]string{"": "line", "line": "line", "length": "length"} {
		c, err := CodecByName(name)
		if err != nil {
			t.Fatalf("CodecByName(%q): %v", name, err)
		}
		if c.Name() != want {
			t.Errorf("CodecByName(%q).Name() = %q, want %q", name, c.Name(), want)
		}
	}
	if _, err := CodecByName("protobuf"); err == nil {
		t.Error("expected error for unknown codec")
	}
}

func TestTransportClosedErrorMatchesCause(t *testing.T) {
	err := error(&TransportClosedError{Cause: ErrBrokenPipe})
	if !errors.Is(err, ErrTransportClosed) {
		t.Error("does not match ErrTransportClosed")
	}
	if !errors.Is(err, ErrBrokenPipe) {
		t.Error("does not match its cause")
	}
	if !strings.Contains(err.Error(), "broken pipe") {
		t.Errorf("Error() = %q, want cause in message", err.Error())
	}
}

func TestProtocolErrorMatchesSentinel(t *testing.T) {
	err := error(&ProtocolError{ID: 12})
	if !errors.Is(err, ErrProtocol) {
		t.Error("does not match ErrProtocol")
	}
	if errors.Is(err, ErrFormat) {
		t.Error("unexpectedly matches ErrFormat")
	}
}
