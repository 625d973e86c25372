package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dmadigital/autoflow/internal/config"
	"github.com/dmadigital/autoflow/internal/diagnose"
	"github.com/dmadigital/autoflow/internal/flow"
	"github.com/dmadigital/autoflow/internal/simplify"
)

// DiagnoseOptions holds flags for the diagnose command.
type DiagnoseOptions struct {
	*RootOptions
	RulesDir      string
	Source        string
	Description   string
	Impact        string
	Context       string
	MinConfidence float64
	Explain       bool
}

// CandidateOutput is one scored rule in explain mode.
type CandidateOutput struct {
	RuleID     string        `json:"rule_id"`
	Category   flow.Category `json:"category"`
	Confidence float64       `json:"confidence"`
	Hits       []string      `json:"hits"`
}

// DiagnoseOutput is the JSON data of the diagnose command.
type DiagnoseOutput struct {
	Classification flow.Classification          `json:"classification"`
	Candidates     []CandidateOutput            `json:"candidates,omitempty"`
	Simplification *flow.SimplificationProposal `json:"simplification,omitempty"`
}

// NewDiagnoseCommand creates the diagnose command.
func NewDiagnoseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiagnoseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "diagnose [report.json|-]",
		Short: "Classify an automation error report",
		Long: `Classify an ErrorReport, read from a JSON file, stdin ("-") or the
--source/--description/--impact flags, and print the suggested patch.

When the report carries the failing flow and the failure is structural,
a simplification of that flow is proposed as well.

Examples:
  autoflow diagnose report.json
  autoflow diagnose --source MAKE --description "Webhook nao respondeu" --impact ALTO
  autoflow diagnose report.json --explain --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiagnose(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.RulesDir, "rules", "", "catalogue directory (default: embedded catalogue)")
	cmd.Flags().StringVar(&opts.Source, "source", "", "system that reported the error (GHL, MAKE, ZAPIER)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "error description")
	cmd.Flags().StringVar(&opts.Impact, "impact", string(flow.ImpactMedio), "impact (ALTO, MEDIO, BAIXO)")
	cmd.Flags().StringVar(&opts.Context, "context", "", "business context")
	cmd.Flags().Float64Var(&opts.MinConfidence, "min-confidence", diagnose.DefaultMinConfidence, "confidence below which the report is UNKNOWN")
	cmd.Flags().BoolVar(&opts.Explain, "explain", false, "list every scored classification rule")

	return cmd
}

func runDiagnose(cmd *cobra.Command, opts *DiagnoseOptions, args []string) error {
	out := opts.formatter(cmd)

	report, err := errorReport(cmd, opts, args)
	if err != nil {
		return out.Fail(ErrCodeInvalid, err)
	}
	if opts.MinConfidence < 0 || opts.MinConfidence > 1 {
		return out.Fail(ErrCodeInvalid, NewExitError(ExitCommandError, "--min-confidence must be in [0,1]"))
	}
	base, err := loadRules(opts.RulesDir)
	if err != nil {
		return out.Fail(ErrCodeRules, err)
	}

	d := diagnose.New(base,
		diagnose.WithMinConfidence(opts.MinConfidence),
		diagnose.WithLogger(newLogger(cmd.ErrOrStderr(), config.Default().Log, opts.Verbose)),
	)
	result := DiagnoseOutput{Classification: d.Diagnose(report)}

	if opts.Explain {
		cands, err := d.Candidates(report)
		if err != nil {
			return out.Fail(ErrCodeGeneric, WrapExitError(ExitFailure, "scoring failed", err))
		}
		for _, c := range cands {
			result.Candidates = append(result.Candidates, CandidateOutput{
				RuleID:     c.Rule.ID,
				Category:   c.Rule.Classification.Category,
				Confidence: c.Confidence,
				Hits:       c.Hits,
			})
		}
	}

	if report.Flow != nil && result.Classification.Structural {
		proposal, err := simplify.New(base).Simplify(report.Flow)
		switch {
		case errors.Is(err, simplify.ErrNoChange):
			out.VerboseLog("No simplification applies to %s", report.Flow.ID)
		case err != nil:
			return out.Fail(ErrCodeGeneric, WrapExitError(ExitFailure, "simplification failed", err))
		default:
			result.Simplification = proposal
		}
	}

	if opts.Format == "json" {
		return out.Success(result)
	}
	writeDiagnoseText(cmd, result)
	return nil
}

func errorReport(cmd *cobra.Command, opts *DiagnoseOptions, args []string) (flow.ErrorReport, error) {
	var report flow.ErrorReport
	if len(args) == 1 {
		if err := decodeInput(cmd, args[0], &report); err != nil {
			return report, err
		}
	} else {
		if opts.Source == "" || opts.Description == "" {
			return report, NewExitError(ExitCommandError, "either a report file or --source and --description are required")
		}
		report = flow.ErrorReport{
			Source:      flow.System(strings.ToUpper(opts.Source)),
			Description: opts.Description,
			Impact:      flow.Impact(strings.ToUpper(opts.Impact)),
			Context:     flow.Context(strings.ToUpper(opts.Context)),
		}
	}

	if !flow.SupportedSystems[report.Source] {
		return report, NewExitError(ExitCommandError, fmt.Sprintf("invalid source %q", report.Source))
	}
	if !flow.ValidImpacts[report.Impact] {
		return report, NewExitError(ExitCommandError, fmt.Sprintf("invalid impact %q", report.Impact))
	}
	if strings.TrimSpace(report.Description) == "" {
		return report, NewExitError(ExitCommandError, "description is required")
	}
	return report, nil
}

func writeDiagnoseText(cmd *cobra.Command, result DiagnoseOutput) {
	w := cmd.OutOrStdout()
	c := result.Classification

	fmt.Fprintf(w, "%s (confidence %.3f, priority %s)\n", c.Category, c.Confidence, c.Priority)
	if c.RuleID != "" {
		fmt.Fprintf(w, "Rule: %s", c.RuleID)
		if len(c.MatchedKeywords) > 0 {
			fmt.Fprintf(w, " [%s]", strings.Join(c.MatchedKeywords, ", "))
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Root cause: %s\n", c.RootCause)
	fmt.Fprintf(w, "Fix: %s\n", c.SuggestedFix)
	if c.Structural {
		fmt.Fprintf(w, "Structural: %s\n", c.Issue)
	}

	fmt.Fprintln(w, "Patch:")
	for _, m := range c.Patch {
		line := fmt.Sprintf("  %s %s %s", m.Op, m.Anchor, m.System)
		if m.Kind != "" {
			line += " " + string(m.Kind)
		}
		if len(m.Config) > 0 {
			line += " {" + flow.FormatConfig(m.Config) + "}"
		}
		fmt.Fprintln(w, line)
	}

	if len(result.Candidates) > 0 {
		fmt.Fprintln(w, "Candidates:")
		for _, cand := range result.Candidates {
			fmt.Fprintf(w, "  %-28s %-16s %.3f %v\n", cand.RuleID, cand.Category, cand.Confidence, cand.Hits)
		}
	}

	if p := result.Simplification; p != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Simplified (complexity -%d):\n", p.ComplexityDelta)
		fmt.Fprint(w, flow.Render(&p.Reduced))
	}
}
