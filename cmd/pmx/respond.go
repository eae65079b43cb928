package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/codewiresh/procmux/internal/auth"
	"github.com/codewiresh/procmux/internal/connection"
	"github.com/codewiresh/procmux/internal/mux"
	"github.com/codewiresh/procmux/internal/protocol"
)

// rewriteHandler answers each payload with the prefix from replaced by to
// and suffix appended.
func rewriteHandler(from, to, suffix string) mux.Handler {
	return mux.HandlerFunc(func(_ context.Context, payload string) string {
		if from != "" {
			if rest, ok := strings.CutPrefix(payload, from); ok {
				payload = to + rest
			}
		}
		return payload + suffix
	})
}

type respondFlags struct {
	suffix     string
	prefixFrom string
	prefixTo   string
	codec      string
}

func (f *respondFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.suffix, "suffix", "", "Text appended to every response (default from config)")
	cmd.Flags().StringVar(&f.prefixFrom, "prefix-from", "", "Leading text to replace in each payload")
	cmd.Flags().StringVar(&f.prefixTo, "prefix-to", "", "Replacement for --prefix-from")
	cmd.Flags().StringVar(&f.codec, "codec", "", "Wire codec: line or length (default from config)")
}

func (f *respondFlags) options(cmd *cobra.Command) (mux.Handler, []mux.Option, error) {
	if !cmd.Flags().Changed("suffix") {
		f.suffix = cfg.Serve.Suffix
	}
	if f.codec == "" {
		f.codec = cfg.Call.Codec
	}
	codec, err := protocol.CodecByName(f.codec)
	if err != nil {
		return nil, nil, err
	}
	h := rewriteHandler(f.prefixFrom, f.prefixTo, f.suffix)
	return h, []mux.Option{mux.WithCodec(codec), mux.WithLogger(slog.Default())}, nil
}

// ---------------------------------------------------------------------------
// respondCmd
// ---------------------------------------------------------------------------

func respondCmd() *cobra.Command {
	var flags respondFlags

	cmd := &cobra.Command{
		Use:   "respond",
		Short: "Answer framed requests on stdin/stdout (usable as the child of pmx call)",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, opts, err := flags.options(cmd)
			if err != nil {
				return err
			}
			t := connection.NewDuplex(os.Stdin, os.Stdout)
			return mux.Serve(cmd.Context(), t, h, opts...)
		},
	}
	flags.register(cmd)
	return cmd
}

// ---------------------------------------------------------------------------
// serveCmd
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	var (
		flags  respondFlags
		socket string
		listen string
		token  string
	)

	cmd := &cobra.Command{
		Use:   "serve (--unix path | --ws addr)",
		Short: "Answer framed requests on every accepted connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if socket == "" {
				socket = cfg.Serve.Socket
			}
			if listen == "" {
				listen = cfg.Serve.Listen
			}
			if token == "" {
				token = cfg.Serve.Token
			}
			if token == "auto" {
				generated, err := auth.GenerateToken()
				if err != nil {
					return err
				}
				token = generated
				fmt.Fprintf(cmd.ErrOrStderr(), "[pmx] websocket token: %s\n", token)
			}
			if socket == "" && listen == "" {
				return fmt.Errorf("nothing to serve: pass --unix or --ws")
			}
			h, opts, err := flags.options(cmd)
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			if socket != "" {
				g.Go(func() error { return serveUnix(ctx, socket, h, opts) })
			}
			if listen != "" {
				g.Go(func() error { return serveWS(ctx, listen, token, h, opts) })
			}
			return g.Wait()
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&socket, "unix", "", "Unix socket path to listen on")
	cmd.Flags().StringVar(&listen, "ws", "", "WebSocket listen address (e.g. 127.0.0.1:9100)")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token WebSocket clients must present (\"auto\" generates one)")
	return cmd
}

// serveUnix accepts connections on a Unix socket until ctx is done.
func serveUnix(ctx context.Context, path string, h mux.Handler, opts []mux.Option) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", path, err)
	}
	defer os.Remove(path)
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	slog.Info("serving", "unix", path)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			if err := mux.Serve(ctx, connection.FromConn(conn), h, opts...); err != nil {
				slog.Warn("connection ended", "remote", conn.RemoteAddr(), "err", err)
			}
		}()
	}
}

// serveWS serves the /ws endpoint until ctx is done.
func serveWS(ctx context.Context, addr, token string, h mux.Handler, opts []mux.Option) error {
	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if !auth.ValidBearer(r, token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		t, err := connection.AcceptWebSocket(w, r)
		if err != nil {
			slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		if err := mux.Serve(ctx, t, h, opts...); err != nil {
			slog.Warn("connection ended", "remote", r.RemoteAddr, "err", err)
		}
	})

	srv := &http.Server{Addr: addr, Handler: httpMux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("serving", "ws", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("websocket listener: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	}
}
