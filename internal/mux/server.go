package mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/codewiresh/procmux/internal/connection"
	"github.com/codewiresh/procmux/internal/protocol"
)

// Handler answers one request payload.
type Handler interface {
	Respond(ctx context.Context, payload string) string
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload string) string

func (f HandlerFunc) Respond(ctx context.Context, payload string) string { return f(ctx, payload) }

// Serve is the responder side of a connection. Each request is handled on its
// own goroutine and answered with the request's id as soon as it is ready, so
// responses may leave out of order. Serve returns nil once the peer closes its
// write side and every in-flight request has been answered. t is closed when
// Serve returns.
func Serve(ctx context.Context, t connection.Transport, h Handler, opts ...Option) error {
	o := newOptions(opts)
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { t.Close() })
	defer func() {
		stop()
		t.Close()
	}()

	var wmu sync.Mutex
	respond := func(id uint32, payload string) error {
		var buf bytes.Buffer
		if err := o.codec.Encode(protocol.Frame{ID: id, Payload: payload}, &buf); err != nil {
			o.logger.Warn("dropping unencodable response", "id", id, "err", err)
			return nil
		}
		wmu.Lock()
		defer wmu.Unlock()
		return writeFrame(t, buf.Bytes())
	}

	readErr := readFrames(t, o.codec, func(f *protocol.Frame) error {
		id, payload := f.ID, f.Payload
		g.Go(func() error {
			return respond(id, h.Respond(gctx, payload))
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if errors.Is(readErr, io.EOF) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("serve: %w", readErr)
}
