package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dmadigital/autoflow/internal/agent"
	"github.com/dmadigital/autoflow/internal/dispatch"
)

// HandleOptions holds flags for the handle command.
type HandleOptions struct {
	*RootOptions
	DBPath  string
	NoStore bool
	Publish bool
}

// NewHandleCommand creates the handle command.
func NewHandleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HandleOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "handle <event.json|->",
		Short: "Handle one inbound event",
		Long: `Handle one inbound event envelope exactly as the service would and
print the agent result.

The decision is recorded in the configured store (override with --db,
disable with --no-store). Outbound events are only printed unless
--publish is given.

Exit codes:
  0 - Event handled or skipped
  1 - Event failed (invalid payload, design error, delivery failure)
  2 - Command error (unreadable input, bad config)

Examples:
  autoflow handle event.json
  cat event.json | autoflow handle - --no-store --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHandle(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.DBPath, "db", "", "database path (default: store.path from config)")
	cmd.Flags().BoolVar(&opts.NoStore, "no-store", false, "do not record the decision")
	cmd.Flags().BoolVar(&opts.Publish, "publish", false, "deliver outbound events through the configured publishers")

	return cmd
}

func runHandle(cmd *cobra.Command, opts *HandleOptions, path string) error {
	out := opts.formatter(cmd)

	data, err := readInput(cmd, path)
	if err != nil {
		return out.Fail(ErrCodeReadFailed, err)
	}
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return out.Fail(ErrCodeConfig, err)
	}
	switch {
	case opts.NoStore:
		cfg.Store.Path = ""
	case opts.DBPath != "":
		cfg.Store.Path = opts.DBPath
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Log, opts.Verbose)

	svc, err := buildService(cfg, logger, opts.Publish)
	if err != nil {
		return out.Fail(ErrCodeGeneric, err)
	}
	defer svc.Close()

	res, err := svc.agent.HandleJSON(cmd.Context(), data)
	if err != nil && res.Handler == "" {
		return out.Fail(ErrCodeInvalid, WrapExitError(ExitFailure, "event rejected", err))
	}

	if opts.Format == "json" {
		if err := out.JSON(CLIResponse{Status: responseStatus(res), Data: res, TraceID: res.TraceID}); err != nil {
			return err
		}
	} else {
		writeHandleText(cmd, res)
	}
	if res.Status == agent.StatusFailed {
		return WrapExitError(ExitFailure, "event failed", err)
	}
	return nil
}

func responseStatus(res agent.Result) string {
	if res.Status == agent.StatusFailed {
		return "error"
	}
	return "ok"
}

func writeHandleText(cmd *cobra.Command, res agent.Result) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s %s (trace %s, %dms)\n", statusMark(res.Status), res.Status, res.TraceID, res.DurationMS)

	if states, ok := res.Evidence["states"].([]dispatch.State); ok && len(states) > 0 {
		names := make([]string, len(states))
		for i, s := range states {
			names[i] = string(s)
		}
		fmt.Fprintf(w, "States: %s\n", strings.Join(names, " -> "))
	}
	if reason, ok := res.Evidence["reason"].(string); ok {
		fmt.Fprintf(w, "Reason: %s\n", reason)
	}
	for _, ev := range res.NextEvents {
		fmt.Fprintf(w, "→ %s %s\n", ev.Name, ev.ID)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}

func statusMark(s agent.Status) string {
	switch s {
	case agent.StatusSuccess:
		return "✓"
	case agent.StatusSkipped:
		return "-"
	default:
		return "✗"
	}
}
