package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dmadigital/autoflow/internal/rules"
)

// ValidationResult holds catalogue validation results.
type ValidationResult struct {
	Source string                  `json:"source"`
	Valid  bool                    `json:"valid"`
	Errors []rules.ValidationError `json:"errors,omitempty"`
}

// RuleSummary is one catalogue entry in list output.
type RuleSummary struct {
	ID          string     `json:"id"`
	Kind        rules.Kind `json:"kind"`
	Weight      int        `json:"weight"`
	Description string     `json:"description"`
}

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and validate rule catalogues",
	}
	cmd.AddCommand(newRulesValidateCommand(rootOpts))
	cmd.AddCommand(newRulesListCommand(rootOpts))
	cmd.AddCommand(newRulesShowCommand(rootOpts))
	return cmd
}

func newRulesValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [rules-dir]",
		Short: "Validate a catalogue without loading it",
		Long: `Validate a CUE rule catalogue and report every problem found: CUE syntax
and type errors, CEL guards that do not compile, bad enumerations,
duplicate rule ids and empty sections.

Without an argument the embedded catalogue is validated.

Exit codes:
  0 - Catalogue valid
  1 - Validation errors found
  2 - Command error (directory not found, etc.)`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return runRulesValidate(rootOpts, dir, cmd)
		},
	}
}

func runRulesValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	var errs []rules.ValidationError
	source := rules.DefaultSource
	if dir == "" {
		errs = rules.ValidateSource(rules.DefaultSource, rules.DefaultText())
	} else {
		info, err := os.Stat(dir)
		if err != nil {
			return out.Fail(ErrCodeNotFound, NewExitError(ExitCommandError, fmt.Sprintf("rules directory not found: %s", dir)))
		}
		if !info.IsDir() {
			return out.Fail(ErrCodeNotFound, NewExitError(ExitCommandError, fmt.Sprintf("not a directory: %s", dir)))
		}
		source = dir
		errs = rules.ValidateDir(dir)
	}
	out.VerboseLog("Validated %s: %d problem(s)", source, len(errs))

	if len(errs) == 0 {
		if opts.Format == "json" {
			return out.Success(ValidationResult{Source: source, Valid: true})
		}
		fmt.Fprintf(out.Writer, "✓ %s is valid\n", source)
		return nil
	}
	return outputValidationErrors(out, source, errs)
}

func outputValidationErrors(out *OutputFormatter, source string, errs []rules.ValidationError) error {
	failure := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))

	if out.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Source: source, Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}
		enc := json.NewEncoder(out.Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(response); err != nil {
			return err
		}
		return failure
	}

	fmt.Fprintf(out.Writer, "✗ %s: validation failed\n", source)
	fmt.Fprintln(out.Writer)
	for _, e := range errs {
		fmt.Fprintf(out.Writer, "  %s\n", e.Error())
	}
	return failure
}

func newRulesListCommand(rootOpts *RootOptions) *cobra.Command {
	var dir, kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalogue rules in evaluation order",
		Example: `  autoflow rules list
  autoflow rules list --kind classification --format json
  autoflow rules list --rules ./catalogue`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)

			kinds := rules.Kinds
			if kind != "" {
				k := rules.Kind(strings.ToLower(kind))
				if !slices.Contains(rules.Kinds, k) {
					return out.Fail(ErrCodeInvalid, NewExitError(ExitCommandError, fmt.Sprintf("unknown rule kind %q: must be one of %v", kind, rules.Kinds)))
				}
				kinds = []rules.Kind{k}
			}

			base, err := loadRules(dir)
			if err != nil {
				return out.Fail(ErrCodeRules, err)
			}

			list := []RuleSummary{}
			for _, k := range kinds {
				for _, r := range base.Rules(k) {
					list = append(list, RuleSummary{ID: r.ID, Kind: r.Kind, Weight: r.Weight, Description: r.Description})
				}
			}

			if rootOpts.Format == "json" {
				return out.Success(list)
			}
			for _, r := range list {
				fmt.Fprintf(out.Writer, "%-15s %-32s %3d  %s\n", r.Kind, r.ID, r.Weight, r.Description)
			}
			fmt.Fprintf(out.Writer, "\n%d rule(s) from %s\n", len(list), base.Source())
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "rules", "", "catalogue directory (default: embedded catalogue)")
	cmd.Flags().StringVar(&kind, "kind", "", "only list one section (trigger, action, classification, simplification)")
	return cmd
}

func newRulesShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the embedded catalogue source",
		Long: `Print the embedded CUE catalogue. Redirect it into a directory to start
a custom catalogue:

  mkdir catalogue && autoflow rules show > catalogue/catalogue.cue`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), rules.DefaultText())
			return err
		},
	}
}
