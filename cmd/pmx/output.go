package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codewiresh/procmux/internal/store"
)

func checkFormat(format string) error {
	switch format {
	case "text", "json", "yaml":
		return nil
	}
	return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
}

// renderStructured writes v as JSON or YAML. It reports false for text.
func renderStructured(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return true, err
		}
		_, err = fmt.Fprintln(w, string(data))
		return true, err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	}
	return false, nil
}

// renderCalls prints one line per call in input order: the response, or the
// error prefixed with "error:".
func renderCalls(w io.Writer, format string, report *callReport) error {
	if done, err := renderStructured(w, format, report); done {
		return err
	}
	for _, r := range report.Results {
		if r.Error != "" {
			fmt.Fprintf(w, "error: %s\n", r.Error)
			continue
		}
		fmt.Fprintln(w, r.Response)
	}
	return nil
}

func renderRuns(w io.Writer, format string, runs []store.Run) error {
	if done, err := renderStructured(w, format, runs); done {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No recorded runs")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tKIND\tCODEC\tCALLS\tEXIT\tTARGET")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.Kind, r.Codec, r.Calls, exitLabel(r), truncate(r.Target, 48))
	}
	return tw.Flush()
}

type runDetail struct {
	Run   *store.Run   `json:"run" yaml:"run"`
	Calls []store.Call `json:"calls" yaml:"calls"`
}

func renderRun(w io.Writer, format string, d runDetail) error {
	if done, err := renderStructured(w, format, d); done {
		return err
	}
	r := d.Run
	fmt.Fprintf(w, "Run:     %s\nTarget:  %s\nKind:    %s\nCodec:   %s\nStarted: %s\nExit:    %s\n",
		r.ID, r.Target, r.Kind, r.Codec, r.StartedAt.Local().Format(time.DateTime), exitLabel(*r))
	if r.Error != "" {
		fmt.Fprintf(w, "Error:   %s\n", r.Error)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDURATION\tREQUEST\tRESULT")
	for _, c := range d.Calls {
		result := c.Response
		if c.Error != "" {
			result = "error: " + c.Error
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", c.RequestID, c.Duration.Round(time.Microsecond), truncate(c.Request, 40), truncate(result, 60))
	}
	return tw.Flush()
}

func exitLabel(r store.Run) string {
	switch {
	case r.FinishedAt == nil:
		return "-"
	case r.ExitCode == nil:
		return "done"
	default:
		return fmt.Sprintf("%d", *r.ExitCode)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", `\n`)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
