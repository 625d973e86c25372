package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmadigital/autoflow/internal/store"
)

// AuditOptions holds flags for the audit command.
type AuditOptions struct {
	*RootOptions
	Database string
	TraceID  string
	Action   string // optional - filter to one audit action
}

// AuditResult is the JSON data of the audit command.
type AuditResult struct {
	TraceID   string              `json:"trace_id,omitempty"`
	Records   []store.AuditRecord `json:"records"`
	Report    *store.Report       `json:"report,omitempty"`
	Processed int                 `json:"processed"`
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query recorded decisions",
		Long: `Query the audit log written by the agent.

Without --trace every audit row is listed. With --trace the rows of that
trace are listed together with its persisted report.

Examples:
  autoflow audit --db ./autoflow.db
  autoflow audit --db ./autoflow.db --trace 6f1c2e
  autoflow audit --db ./autoflow.db --action automation_fix_suggested --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.TraceID, "trace", "", "trace id to show")
	cmd.Flags().StringVar(&opts.Action, "action", "", "filter to one audit action")

	return cmd
}

func runAudit(opts *AuditOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	st, err := openStore(opts.Database, true)
	if err != nil {
		return out.Fail(ErrCodeNotFound, err)
	}
	defer st.Close()

	records, err := st.ReadAudit(ctx, opts.TraceID)
	if err != nil {
		return out.Fail(ErrCodeStore, WrapExitError(ExitCommandError, "failed to read audit log", err))
	}
	if opts.Action != "" {
		filtered := []store.AuditRecord{}
		for _, r := range records {
			if r.Action == opts.Action {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	result := AuditResult{TraceID: opts.TraceID, Records: records}
	if opts.TraceID != "" {
		report, err := st.ReadReport(ctx, store.ReportID(opts.TraceID))
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return out.Fail(ErrCodeStore, WrapExitError(ExitCommandError, "failed to read report", err))
		default:
			result.Report = &report
		}
	}
	if result.Processed, err = st.CountProcessed(ctx); err != nil {
		return out.Fail(ErrCodeStore, WrapExitError(ExitCommandError, "failed to count processed events", err))
	}

	if opts.Format == "json" {
		return out.JSON(CLIResponse{Status: "ok", Data: result, TraceID: opts.TraceID})
	}
	return outputAuditText(cmd, result)
}

func outputAuditText(cmd *cobra.Command, result AuditResult) error {
	w := cmd.OutOrStdout()

	if len(result.Records) == 0 {
		if result.TraceID != "" {
			fmt.Fprintf(w, "No audit records found for trace: %s\n", result.TraceID)
		} else {
			fmt.Fprintln(w, "No audit records found.")
		}
		return nil
	}

	fmt.Fprintln(w, "=== Audit Log ===")
	for _, r := range result.Records {
		fmt.Fprintf(w, "[%d] %s %-26s trace=%s\n", r.Seq, r.TS, r.Action, r.TraceID)
		if r.ReportID != "" {
			fmt.Fprintf(w, "      report: %s\n", r.ReportID)
		}
	}

	if result.Report != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Report ===")
		fmt.Fprintf(w, "%s (%s) %s\n", result.Report.ID, result.Report.Event, result.Report.CreatedAt)
		fmt.Fprintf(w, "%s\n", result.Report.Decision)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d record(s), %d processed event(s) in store\n", len(result.Records), result.Processed)
	return nil
}
