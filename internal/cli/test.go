package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dmadigital/autoflow/internal/harness"
)

const errCodeTestFailed = "E_TEST_FAILED"

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update   bool
	Filter   string
	RulesDir string
}

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`

	note string
}

// TestResult aggregates a test run.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

func (r *TestResult) add(s ScenarioResult) {
	r.Scenarios = append(r.Scenarios, s)
	r.Total++
	if s.Pass {
		r.Passed++
	} else {
		r.Failed++
	}
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run the YAML scenario suite",
		Long: `Deliver each scenario's event to a fresh agent and check the outcome.

Every run uses an in-memory store and a fixed clock, so results are
reproducible. A scenario passes when its status, outputs and assertions
hold and, if <scenarios-dir>/golden/<name>.golden exists, its canonical
snapshot matches that file byte for byte.

Exit codes:
  0 - every scenario passed
  1 - at least one scenario failed
  2 - the directory or catalogue could not be used

Examples:
  autoflow test ./testdata/scenarios
  autoflow test ./testdata/scenarios --filter "webhook_*"
  autoflow test ./testdata/scenarios --update
  autoflow test ./testdata/scenarios --rules ./catalogue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "rewrite golden files from the current run")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "only run scenarios whose file name matches this glob")
	cmd.Flags().StringVar(&opts.RulesDir, "rules", "", "catalogue directory (default: embedded catalogue)")

	return cmd
}

func runTests(opts *TestOptions, dir string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return out.Fail(ErrCodeNotFound, NewExitError(ExitCommandError, "scenarios directory not found: "+dir))
	}
	files, err := harness.FindScenarios(dir, opts.Filter)
	if err != nil {
		return out.Fail(ErrCodeGeneric, WrapExitError(ExitCommandError, "failed to find scenarios", err))
	}
	base, err := loadRules(opts.RulesDir)
	if err != nil {
		return out.Fail(ErrCodeRules, err)
	}

	runner := scenarioRunner{
		update: opts.Update,
		run:    []harness.Option{harness.WithRules(base)},
		out:    out,
	}
	if !out.isJSON() {
		runner.progress = cmd.OutOrStdout()
	}

	result := TestResult{Scenarios: []ScenarioResult{}}
	for _, f := range files {
		result.add(runner.runFile(f))
	}

	if out.isJSON() {
		return writeTestJSON(out, result)
	}
	return writeTestSummary(cmd.OutOrStdout(), result)
}

// scenarioRunner runs single scenario files and, in text mode, prints a
// line per scenario as it finishes.
type scenarioRunner struct {
	update   bool
	run      []harness.Option
	out      *OutputFormatter
	progress io.Writer
}

func (r scenarioRunner) runFile(path string) ScenarioResult {
	res := r.check(path)
	if r.progress != nil {
		mark := "✓"
		if !res.Pass {
			mark = "✗"
		}
		fmt.Fprintf(r.progress, "%s %s%s\n", mark, res.Name, res.note)
		for _, e := range res.Errors {
			fmt.Fprintf(r.progress, "  %s\n", e)
		}
	}
	return res
}

func (r scenarioRunner) check(path string) ScenarioResult {
	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return failed(filepath.Base(path), "failed to load scenario: "+err.Error())
	}
	r.out.VerboseLog("Running %s: %s", scenario.Name, scenario.Description)

	result, err := harness.Run(scenario, r.run...)
	if err != nil {
		return failed(scenario.Name, "execution failed: "+err.Error())
	}
	snapshot, err := harness.MarshalSnapshot(scenario.Name, result)
	if err != nil {
		return failed(scenario.Name, "snapshot failed: "+err.Error())
	}

	var errs []string
	note := ""
	golden := goldenFilePath(path)
	if r.update {
		if err := writeGoldenFile(golden, snapshot); err != nil {
			return failed(scenario.Name, "failed to update golden file: "+err.Error())
		}
		note = " (golden updated)"
	} else if want, err := os.ReadFile(golden); err == nil {
		if !bytes.Equal(want, snapshot) {
			errs = append(errs, "snapshot does not match golden file (run with --update to regenerate)")
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return failed(scenario.Name, "golden comparison failed: "+err.Error())
	}

	errs = append(errs, result.Errors...)
	if len(errs) > 0 || !result.Pass {
		return failed(scenario.Name, errs...)
	}
	return ScenarioResult{Name: scenario.Name, Pass: true, note: note}
}

func failed(name string, errs ...string) ScenarioResult {
	return ScenarioResult{Name: name, Errors: errs}
}

// goldenFilePath maps dir/name.yaml to dir/golden/name.golden.
func goldenFilePath(scenarioFile string) string {
	name := strings.TrimSuffix(filepath.Base(scenarioFile), filepath.Ext(scenarioFile))
	return filepath.Join(filepath.Dir(scenarioFile), "golden", name+".golden")
}

func writeGoldenFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create golden directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func failedCount(result TestResult) error {
	if result.Failed == 0 {
		return nil
	}
	return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
}

func writeTestJSON(out *OutputFormatter, result TestResult) error {
	resp := CLIResponse{Status: "ok", Data: result}
	failure := failedCount(result)
	if failure != nil {
		resp.Status = "error"
		resp.Error = &CLIError{Code: errCodeTestFailed, Message: failure.Error()}
	}
	if err := out.JSON(resp); err != nil {
		return err
	}
	return failure
}

func writeTestSummary(w io.Writer, result TestResult) error {
	if result.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return nil
	}
	fmt.Fprintf(w, "\nTest Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if err := failedCount(result); err != nil {
		return err
	}
	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
