package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dmadigital/autoflow/internal/designer"
	"github.com/dmadigital/autoflow/internal/flow"
	"github.com/dmadigital/autoflow/internal/simplify"
)

// DesignOptions holds flags for the design command.
type DesignOptions struct {
	*RootOptions
	RulesDir    string
	Goal        string
	Context     string
	Systems     []string
	Priority    string
	PreOptimize bool
}

// DesignOutput is the JSON data of the design command.
type DesignOutput struct {
	Flow           *flow.FlowDefinition         `json:"flow"`
	Summary        flow.Summary                 `json:"summary"`
	Simplification *flow.SimplificationProposal `json:"simplification,omitempty"`
}

// NewDesignCommand creates the design command.
func NewDesignCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DesignOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "design [request.json|-]",
		Short: "Design a flow for an automation request",
		Long: `Design a flow from a FlowRequest, read from a JSON file, stdin ("-")
or the --goal/--context/--systems/--priority flags.

Examples:
  autoflow design request.json
  autoflow design --goal "follow-up on hot lead" --context COMERCIAL --systems GHL,MAKE --priority ALTA
  autoflow design request.json --pre-optimize --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDesign(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.RulesDir, "rules", "", "catalogue directory (default: embedded catalogue)")
	cmd.Flags().StringVar(&opts.Goal, "goal", "", "automation goal")
	cmd.Flags().StringVar(&opts.Context, "context", "", "business context (PROSPECT, COMERCIAL, ...)")
	cmd.Flags().StringSliceVar(&opts.Systems, "systems", nil, "systems involved (GHL, MAKE, ZAPIER)")
	cmd.Flags().StringVar(&opts.Priority, "priority", string(flow.PriorityMedia), "priority (ALTA, MEDIA, BAIXA)")
	cmd.Flags().BoolVar(&opts.PreOptimize, "pre-optimize", false, "simplify the designed flow")

	return cmd
}

func runDesign(cmd *cobra.Command, opts *DesignOptions, args []string) error {
	out := opts.formatter(cmd)

	req, err := designRequest(cmd, opts, args)
	if err != nil {
		return out.Fail(ErrCodeInvalid, err)
	}
	base, err := loadRules(opts.RulesDir)
	if err != nil {
		return out.Fail(ErrCodeRules, err)
	}
	out.VerboseLog("Loaded %d rules from %s", base.Len(), base.Source())

	def, err := designer.New(base).Design(req)
	if err != nil {
		return out.Fail(ErrCodeInvalid, WrapExitError(ExitFailure, "design failed", err))
	}

	result := DesignOutput{
		Flow:    def,
		Summary: flow.Summarize(def, req.Goal, req.Context),
	}
	if req.PreOptimize {
		proposal, err := simplify.New(base).Simplify(def)
		switch {
		case errors.Is(err, simplify.ErrNoChange):
			out.VerboseLog("No simplification applies to %s", def.ID)
		case err != nil:
			return out.Fail(ErrCodeGeneric, WrapExitError(ExitFailure, "simplification failed", err))
		default:
			result.Simplification = proposal
		}
	}

	if opts.Format == "json" {
		return out.Success(result)
	}
	return writeDesignText(cmd, result)
}

// designRequest builds the request from a file argument or from flags.
func designRequest(cmd *cobra.Command, opts *DesignOptions, args []string) (flow.FlowRequest, error) {
	var req flow.FlowRequest
	if len(args) == 1 {
		if err := decodeInput(cmd, args[0], &req); err != nil {
			return req, err
		}
	} else {
		if opts.Goal == "" || opts.Context == "" || len(opts.Systems) == 0 {
			return req, NewExitError(ExitCommandError, "either a request file or --goal, --context and --systems are required")
		}
		req = flow.FlowRequest{
			Goal:     opts.Goal,
			Context:  flow.Context(strings.ToUpper(opts.Context)),
			Priority: flow.Priority(strings.ToUpper(opts.Priority)),
		}
		for _, s := range opts.Systems {
			req.Systems = append(req.Systems, flow.System(strings.ToUpper(strings.TrimSpace(s))))
		}
	}
	if opts.PreOptimize {
		req.PreOptimize = true
	}

	if !flow.ValidContexts[req.Context] {
		return req, NewExitError(ExitCommandError, fmt.Sprintf("invalid context %q", req.Context))
	}
	if !flow.ValidPriorities[req.Priority] {
		return req, NewExitError(ExitCommandError, fmt.Sprintf("invalid priority %q", req.Priority))
	}
	return req, nil
}

func writeDesignText(cmd *cobra.Command, result DesignOutput) error {
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, result.Summary.WorkflowSummary)
	fmt.Fprintln(w)
	fmt.Fprint(w, flow.Render(result.Flow))

	if p := result.Simplification; p != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Simplified (complexity -%d):\n", p.ComplexityDelta)
		for _, j := range p.Justifications {
			fmt.Fprintf(w, "  - %s\n", j)
		}
		fmt.Fprint(w, flow.Render(&p.Reduced))
	}
	return nil
}
