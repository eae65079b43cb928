package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/codewiresh/procmux/internal/store"
)

func historyCmd() *cobra.Command {
	var (
		runID  string
		limit  int
		format string
		prune  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs, or the calls of one run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}
			s, err := store.NewSQLiteStore(cfg.DataDir, cfg.History.Retention)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if prune > 0 {
				n, err := s.Prune(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "[pmx] pruned %d runs\n", n)
				return nil
			}

			if runID != "" {
				run, err := s.RunGet(ctx, runID)
				if err != nil {
					return err
				}
				if run == nil {
					return fmt.Errorf("run %s not found", runID)
				}
				calls, err := s.CallList(ctx, runID)
				if err != nil {
					return err
				}
				return renderRun(out, format, runDetail{Run: run, Calls: calls})
			}

			runs, err := s.RunList(ctx, limit)
			if err != nil {
				return err
			}
			return renderRuns(out, format, runs)
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Show the calls of this run")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to list (0 for all)")
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text, json, yaml")
	cmd.Flags().DurationVar(&prune, "prune", 0, "Delete runs older than this instead of listing")
	return cmd
}
