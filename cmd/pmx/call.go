package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/codewiresh/procmux/internal/client"
	"github.com/codewiresh/procmux/internal/logging"
	"github.com/codewiresh/procmux/internal/mux"
	"github.com/codewiresh/procmux/internal/protocol"
	"github.com/codewiresh/procmux/internal/store"
)

// callFlags are shared by call and dial.
type callFlags struct {
	payloads  []string
	codec     string
	strict    bool
	timeout   time.Duration
	format    string
	noHistory bool
}

func (f *callFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&f.payloads, "payload", "p", nil, "Payload to send (repeatable; default: one per stdin line)")
	cmd.Flags().StringVar(&f.codec, "codec", "", "Wire codec: line or length (default from config)")
	cmd.Flags().BoolVar(&f.strict, "strict", false, "Treat responses with unknown ids as fatal")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Per-call timeout (default from config; 0 disables)")
	cmd.Flags().StringVar(&f.format, "format", "text", "Output format: text, json, yaml")
	cmd.Flags().BoolVar(&f.noHistory, "no-history", false, "Do not record this run in the history database")
}

// apply fills unset flags from the loaded config.
func (f *callFlags) apply(cmd *cobra.Command) {
	if f.codec == "" {
		f.codec = cfg.Call.Codec
	}
	if !cmd.Flags().Changed("strict") {
		f.strict = cfg.Call.Strict
	}
	if !cmd.Flags().Changed("timeout") {
		f.timeout = cfg.Call.Timeout
	}
	if !cfg.History.Enabled {
		f.noHistory = true
	}
}

// ---------------------------------------------------------------------------
// callCmd
// ---------------------------------------------------------------------------

func callCmd() *cobra.Command {
	var (
		flags   callFlags
		usePTY  bool
		workDir string
		envVars []string
	)

	cmd := &cobra.Command{
		Use:   "call [flags] -- command...",
		Short: "Spawn a responder process and send it every payload concurrently",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.ArgsLenAtDash() == -1 || len(args) == 0 {
				return fmt.Errorf("command required after --")
			}
			flags.apply(cmd)
			if !cmd.Flags().Changed("pty") {
				usePTY = cfg.Call.PTY
			}
			target := client.Target{Command: args, PTY: usePTY, Dir: workDir, Env: envVars, Stderr: cmd.ErrOrStderr()}
			return runCalls(cmd.Context(), target, &flags, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&usePTY, "pty", false, "Run the command on a raw-mode pseudo-terminal")
	cmd.Flags().StringVarP(&workDir, "workdir", "w", "", "Working directory for the command")
	cmd.Flags().StringArrayVar(&envVars, "env", nil, "Environment variable overrides (KEY=VALUE, can be repeated)")
	return cmd
}

// ---------------------------------------------------------------------------
// dialCmd
// ---------------------------------------------------------------------------

func dialCmd() *cobra.Command {
	var (
		flags  callFlags
		socket string
		wsURL  string
		token  string
	)

	cmd := &cobra.Command{
		Use:   "dial (--unix path | --ws url)",
		Short: "Send every payload concurrently to a responder listening on a socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.apply(cmd)
			if token == "" {
				token = cfg.Serve.Token
			}
			target := client.Target{Socket: socket, URL: wsURL, Token: token}
			return runCalls(cmd.Context(), target, &flags, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&socket, "unix", "", "Unix socket path")
	cmd.Flags().StringVar(&wsURL, "ws", "", "WebSocket URL (ws://, wss://, http://, https://)")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token for --ws")
	return cmd
}

// ---------------------------------------------------------------------------
// runCalls
// ---------------------------------------------------------------------------

type callResult struct {
	ID       uint32        `json:"id" yaml:"id"`
	Request  string        `json:"request" yaml:"request"`
	Response string        `json:"response,omitempty" yaml:"response,omitempty"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`

	started time.Time
}

type callReport struct {
	Run      string       `json:"run,omitempty" yaml:"run,omitempty"`
	Target   string       `json:"target" yaml:"target"`
	Results  []callResult `json:"results" yaml:"results"`
	Stats    mux.Stats    `json:"stats" yaml:"stats"`
	ExitCode *int         `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
}

func runCalls(ctx context.Context, target client.Target, flags *callFlags, stdin io.Reader, stdout io.Writer) error {
	codec, err := protocol.CodecByName(flags.codec)
	if err != nil {
		return err
	}
	if err := checkFormat(flags.format); err != nil {
		return err
	}

	payloads := flags.payloads
	if len(payloads) == 0 {
		if logging.IsTerminal(stdin) {
			return fmt.Errorf("no payloads: pass -p or pipe one payload per line on stdin")
		}
		if payloads, err = readPayloads(stdin); err != nil {
			return err
		}
	}

	opts := []mux.Option{mux.WithCodec(codec), mux.WithLogger(slog.Default())}
	if flags.strict {
		opts = append(opts, mux.WithStrictProtocol())
	}

	c, err := client.Dial(ctx, target, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	report := &callReport{Target: target.String(), Results: make([]callResult, len(payloads))}

	var hist store.Store
	if !flags.noHistory {
		hist, report.Run = openHistory(ctx, target, codec.Name())
		if hist != nil {
			defer hist.Close()
		}
	}

	// Issue in input order so ids follow it, then wait concurrently.
	futures := make([]*client.Future, len(payloads))
	started := make([]time.Time, len(payloads))
	for i, p := range payloads {
		started[i] = time.Now()
		futures[i] = c.Go(p)
	}

	var g errgroup.Group
	for i := range futures {
		g.Go(func() error {
			wctx, cancel := callContext(ctx, flags.timeout)
			defer cancel()
			resp, err := futures[i].Wait(wctx)
			r := callResult{
				ID:       futures[i].ID(),
				Request:  payloads[i],
				Response: resp,
				Duration: time.Since(started[i]),
				started:  started[i],
			}
			if err != nil {
				r.Error = err.Error()
			}
			report.Results[i] = r
			return nil
		})
	}
	g.Wait()

	c.Close()
	report.Stats = c.Stats()
	if p := c.Process(); p != nil {
		code := p.ExitCode()
		report.ExitCode = &code
	}

	failed := 0
	for _, r := range report.Results {
		if r.Error != "" {
			failed++
		}
	}

	if hist != nil {
		recordHistory(hist, report)
	}

	if err := renderCalls(stdout, flags.format, report); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d calls failed", failed, len(payloads))
	}
	return nil
}

func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// readPayloads returns one payload per input line.
func readPayloads(r io.Reader) ([]string, error) {
	var payloads []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), int(protocol.MaxPayload)+1)
	for sc.Scan() {
		payloads = append(payloads, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading payloads: %w", err)
	}
	if len(payloads) == 0 {
		return nil, errors.New("no payloads on stdin")
	}
	return payloads, nil
}

// openHistory opens the history store and starts a run. Failures are logged
// and disable history for this run.
func openHistory(ctx context.Context, target client.Target, codec string) (store.Store, string) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Warn("history disabled", "err", err)
		return nil, ""
	}
	s, err := store.NewSQLiteStore(cfg.DataDir, cfg.History.Retention)
	if err != nil {
		slog.Warn("history disabled", "err", err)
		return nil, ""
	}
	run, err := s.RunStart(ctx, target.String(), target.Kind(), codec)
	if err != nil {
		slog.Warn("history disabled", "err", err)
		s.Close()
		return nil, ""
	}
	return s, run.ID
}

func recordHistory(s store.Store, report *callReport) {
	ctx := context.Background()
	for _, r := range report.Results {
		call := store.Call{
			RunID:     report.Run,
			RequestID: r.ID,
			Request:   r.Request,
			Response:  r.Response,
			Error:     r.Error,
			StartedAt: r.started,
			Duration:  r.Duration,
		}
		if err := s.CallRecord(ctx, call); err != nil {
			slog.Warn("recording call", "run", report.Run, "err", err)
		}
	}
	if err := s.RunFinish(ctx, report.Run, report.ExitCode, ""); err != nil {
		slog.Warn("finishing run", "run", report.Run, "err", err)
	}
}
