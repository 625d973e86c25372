package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmadigital/autoflow/internal/flow"
	"github.com/dmadigital/autoflow/internal/simplify"
)

// SimplifyOptions holds flags for the simplify command.
type SimplifyOptions struct {
	*RootOptions
	RulesDir string
}

// SimplifyOutput is the JSON data of the simplify command. Proposal is nil
// when no heuristic applies.
type SimplifyOutput struct {
	FlowID   string                       `json:"flow_id"`
	Changed  bool                         `json:"changed"`
	Proposal *flow.SimplificationProposal `json:"proposal,omitempty"`
}

// NewSimplifyCommand creates the simplify command.
func NewSimplifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimplifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simplify <flow.json|->",
		Short: "Propose a behavior-preserving reduction of a flow",
		Long: `Apply the catalogue's simplification heuristics to a FlowDefinition
until none applies, and print the reduced flow with its justifications.

A flow no heuristic applies to is reported unchanged (exit code 0).
An invalid input flow exits with code 2.

Examples:
  autoflow simplify flow.json
  autoflow design request.json --format json | jq .data.flow | autoflow simplify -`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimplify(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.RulesDir, "rules", "", "catalogue directory (default: embedded catalogue)")

	return cmd
}

func runSimplify(cmd *cobra.Command, opts *SimplifyOptions, path string) error {
	out := opts.formatter(cmd)

	var def flow.FlowDefinition
	if err := decodeInput(cmd, path, &def); err != nil {
		return out.Fail(ErrCodeInvalid, err)
	}
	flow.Recompute(&def)

	base, err := loadRules(opts.RulesDir)
	if err != nil {
		return out.Fail(ErrCodeRules, err)
	}

	result := SimplifyOutput{FlowID: def.ID}
	proposal, err := simplify.New(base).Simplify(&def)
	var invariant *flow.InvariantError
	switch {
	case errors.Is(err, simplify.ErrNoChange):
	case errors.As(err, &invariant):
		return out.Fail(ErrCodeInvalid, WrapExitError(ExitCommandError, "invalid flow", err))
	case err != nil:
		return out.Fail(ErrCodeGeneric, WrapExitError(ExitFailure, "simplification failed", err))
	default:
		result.Changed = true
		result.Proposal = proposal
	}

	if opts.Format == "json" {
		return out.Success(result)
	}

	w := cmd.OutOrStdout()
	if !result.Changed {
		fmt.Fprintf(w, "%s: no simplification applies\n", def.ID)
		return nil
	}
	fmt.Fprintf(w, "%s -> %s (complexity -%d)\n", proposal.OriginalID, proposal.Reduced.ID, proposal.ComplexityDelta)
	for _, j := range proposal.Justifications {
		fmt.Fprintf(w, "  - %s\n", j)
	}
	fmt.Fprintln(w)
	fmt.Fprint(w, flow.Render(&proposal.Reduced))
	return nil
}
