package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/codewiresh/procmux/internal/connection"
	"github.com/codewiresh/procmux/internal/mux"
	"github.com/codewiresh/procmux/internal/protocol"
	"github.com/codewiresh/procmux/internal/session"
)

const helperEnv = "PROCMUX_TEST_HELPER"

// TestMain lets the test binary act as the child program. With the helper
// variable set it serves stdin/stdout instead of running tests.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "suffix":
		err := mux.Serve(context.Background(), connection.NewDuplex(os.Stdin, os.Stdout), suffixHandler)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	case "answer-one":
		answerOneThenExit()
	}
	os.Exit(2)
}

var suffixHandler = mux.HandlerFunc(func(_ context.Context, s string) string {
	return s + " [ok]"
})

// answerOneThenExit answers the first request and exits with status 7
// without reading further.
func answerOneThenExit() {
	var buf bytes.Buffer
	chunk := make([]byte, 256)
	codec := protocol.LineCodec{}
	for {
		f, err := codec.Decode(&buf)
		if err != nil {
			os.Exit(1)
		}
		if f != nil {
			var out bytes.Buffer
			codec.Encode(protocol.Frame{ID: f.ID, Payload: f.Payload + " [ok]"}, &out)
			os.Stdout.Write(out.Bytes())
			fmt.Fprintln(os.Stderr, "giving up after one")
			os.Exit(7)
		}
		n, err := os.Stdin.Read(chunk)
		if err != nil {
			os.Exit(1)
		}
		buf.Write(chunk[:n])
	}
}

func helperTarget(t *testing.T, mode string) Target {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return Target{Command: []string{exe}, Env: []string{helperEnv + "=" + mode}}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func dial(t *testing.T, target Target, opts ...mux.Option) *Client {
	t.Helper()
	c, err := Dial(testCtx(t), target, opts...)
	if err != nil {
		t.Fatalf("Dial(%s): %v", target.String(), err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// ---------------------------------------------------------------------------
// Target
// ---------------------------------------------------------------------------

func TestTargetValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := Dial(ctx, Target{}); err == nil {
		t.Error("empty target accepted")
	}
	if _, err := Dial(ctx, Target{Command: []string{"cat"}, Socket: "/tmp/x.sock"}); err == nil {
		t.Error("ambiguous target accepted")
	}

	kinds := map[string]Target{
		"process":   {Command: []string{"cat"}},
		"unix":      {Socket: "/tmp/pmx.sock"},
		"websocket": {URL: "ws://localhost:1"},
	}
	for want, target := range kinds {
		if got := target.Kind(); got != want {
			t.Errorf("Kind() = %q, want %q", got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Process targets
// ---------------------------------------------------------------------------

func TestProcessEchoWithCat(t *testing.T) {
	c := dial(t, Target{Command: []string{"cat"}})
	ctx := testCtx(t)

	a := c.Go("hello")
	b := c.Go("world")
	if a.ID() == b.ID() {
		t.Fatalf("both calls got id %d", a.ID())
	}
	if got, err := a.Wait(ctx); err != nil || got != "hello" {
		t.Errorf("a = (%q, %v)", got, err)
	}
	if got, err := b.Wait(ctx); err != nil || got != "world" {
		t.Errorf("b = (%q, %v)", got, err)
	}
}

func TestProcessResponderSuffix(t *testing.T) {
	c := dial(t, helperTarget(t, "suffix"))
	ctx := testCtx(t)

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := fmt.Sprintf("please %d", i)
			got, err := c.Call(ctx, in)
			if err != nil {
				t.Errorf("Call(%q): %v", in, err)
				return
			}
			if got != in+" [ok]" {
				t.Errorf("Call(%q) = %q", in, got)
			}
		}(i)
	}
	wg.Wait()

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if code := c.Process().ExitCode(); code != 0 {
		t.Errorf("responder exit code = %d, want 0", code)
	}
}

func TestProcessExitFailsOutstandingCalls(t *testing.T) {
	c := dial(t, helperTarget(t, "answer-one"))
	ctx := testCtx(t)

	first := c.Go("one")
	second := c.Go("two")

	if got, err := first.Wait(ctx); err != nil || got != "one [ok]" {
		t.Fatalf("first = (%q, %v)", got, err)
	}
	_, err := second.Wait(ctx)
	if !errors.Is(err, protocol.ErrTransportClosed) {
		t.Fatalf("second err = %v, want ErrTransportClosed", err)
	}
	var exit *session.ExitError
	if !errors.As(err, &exit) {
		t.Fatalf("second err = %v, want *session.ExitError cause", err)
	}
	if exit.Code != 7 {
		t.Errorf("exit code = %d, want 7", exit.Code)
	}

	<-c.Done()
	if _, err := c.Call(ctx, "three"); !errors.Is(err, protocol.ErrTransportClosed) {
		t.Errorf("Call after exit = %v, want ErrTransportClosed", err)
	}
	if f := c.Go("four"); f.ID() != 0 {
		t.Errorf("failed Go has id %d", f.ID())
	}
}

func TestCloseKillsUnresponsiveChild(t *testing.T) {
	c := dial(t, Target{Command: []string{"sh", "-c", "trap '' TERM; exec sleep 30 </dev/null"}})

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeGrace + 5*time.Second):
		t.Fatal("Close did not reap the child")
	}
	if st := c.Process().Status().Get(); st != session.StatusKilled() {
		t.Errorf("status = %v, want killed", st)
	}
}

func TestCallTimeoutReleases(t *testing.T) {
	// sleep never answers.
	c := dial(t, Target{Command: []string{"sleep", "30"}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Call(ctx, "anyone?"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Call = %v, want deadline exceeded", err)
	}
	if st := c.Stats(); st.Pending != 0 {
		t.Errorf("Pending = %d after timeout, want 0", st.Pending)
	}
}

func TestCallAndFutureWrapErrorsAlike(t *testing.T) {
	c := dial(t, Target{Command: []string{"sleep", "30"}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f := c.Go("via future")
	_, futErr := f.Wait(ctx)
	_, callErr := c.Call(ctx, "via call")

	for name, err := range map[string]error{"Future.Wait": futErr, "Call": callErr} {
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("%s = %v, want deadline exceeded", name, err)
		}
	}
	if want := fmt.Sprintf("call %d: %v", f.ID(), context.DeadlineExceeded); futErr.Error() != want {
		t.Errorf("Future.Wait error = %q, want %q", futErr, want)
	}
	if want := fmt.Sprintf("call %d: %v", f.ID()+1, context.DeadlineExceeded); callErr.Error() != want {
		t.Errorf("Call error = %q, want %q", callErr, want)
	}
}

// ---------------------------------------------------------------------------
// Socket targets
// ---------------------------------------------------------------------------

func TestUnixTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmx.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		mux.Serve(context.Background(), connection.FromConn(conn), suffixHandler)
	}()

	c := dial(t, Target{Socket: path})
	got, err := c.Call(testCtx(t), "over unix")
	if err != nil || got != "over unix [ok]" {
		t.Fatalf("Call = (%q, %v)", got, err)
	}
}

func TestWebSocketTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr, err := connection.AcceptWebSocket(w, r)
		if err != nil {
			return
		}
		mux.Serve(r.Context(), tr, suffixHandler)
	}))
	defer srv.Close()

	c := dial(t, Target{URL: srv.URL, Token: "t0ken"})
	got, err := c.Call(testCtx(t), "over ws")
	if err != nil || got != "over ws [ok]" {
		t.Fatalf("Call = (%q, %v)", got, err)
	}
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNewWithoutOutbound(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	c := New(connection.NewDuplex(pr, nil))
	defer c.Close()

	f := c.Go("x")
	if _, err := f.Wait(context.Background()); !errors.Is(err, protocol.ErrBrokenPipe) {
		t.Fatalf("Wait = %v, want ErrBrokenPipe", err)
	}
	if c.Err() != nil {
		t.Errorf("connection torn down: %v", c.Err())
	}
}
