package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codewiresh/procmux/internal/config"
	"github.com/codewiresh/procmux/internal/logging"
)

var (
	dirFlag       string
	logLevelFlag  string
	logFormatFlag string

	cfg *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "pmx",
		Short:         "Multiplex concurrent request/response calls over one process or socket",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			dir := dirFlag
			if dir == "" {
				dir = config.DataDir()
			}
			loaded, err := config.LoadConfig(dir)
			if err != nil {
				return err
			}
			cfg = loaded

			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevelFlag
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = logFormatFlag
			}
			return logging.Setup(cfg.Log.Level, cfg.Log.Format)
		},
	}
	rootCmd.PersistentFlags().StringVar(&dirFlag, "dir", "", "Data directory (default $PROCMUX_DIR or ~/.procmux)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "auto", "Log format: auto, text, json")

	rootCmd.AddCommand(
		callCmd(),
		dialCmd(),
		respondCmd(),
		serveCmd(),
		historyCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "[pmx] error:", err)
		os.Exit(1)
	}
}
