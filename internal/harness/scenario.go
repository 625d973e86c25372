package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// PreOptimize runs the simplification analyzer on designed flows.
	PreOptimize bool `yaml:"pre_optimize,omitempty"`

	// MinConfidence overrides the diagnostician threshold when set.
	MinConfidence *float64 `yaml:"min_confidence,omitempty"`

	// Deliveries is how many times the event is handed to the agent.
	// The result of the last delivery is evaluated. Defaults to 1.
	Deliveries int `yaml:"deliveries,omitempty"`

	// Event is the inbound envelope, payload included.
	Event map[string]any `yaml:"event"`

	Expect Expect `yaml:"expect"`
}

// Expect is the outcome a scenario must produce.
type Expect struct {
	// Status is success, skipped or failed.
	Status string `yaml:"status"`

	// Outputs lists the outbound event names in emission order.
	Outputs []string `yaml:"outputs"`

	// Error is a substring of the expected handling error. Empty means the
	// event must be handled without error.
	Error string `yaml:"error,omitempty"`

	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Assertion checks one property of the outbound events.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Count is the expected value of step_count, trigger_count and
	// branch_count.
	Count *int `yaml:"count,omitempty"`

	// Reduced makes the count assertions read the simplified flow instead
	// of the designed one.
	Reduced bool `yaml:"reduced,omitempty"`

	// Value is the expected category.
	Value string `yaml:"value,omitempty"`

	// Min is the lower bound of min_confidence.
	Min float64 `yaml:"min,omitempty"`

	// Op, System, Kind and Config select a patch mutation for
	// patch_contains. Config is a subset match.
	Op     string            `yaml:"op,omitempty"`
	System string            `yaml:"system,omitempty"`
	Kind   string            `yaml:"kind,omitempty"`
	Config map[string]string `yaml:"config,omitempty"`
}

// Assertion types.
const (
	AssertStepCount       = "step_count"
	AssertTriggerCount    = "trigger_count"
	AssertBranchCount     = "branch_count"
	AssertCategory        = "category"
	AssertMinConfidence   = "min_confidence"
	AssertPatchContains   = "patch_contains"
	AssertTracePropagated = "trace_propagated"
)

var validStatuses = map[string]bool{"success": true, "skipped": true, "failed": true}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos surface as load errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios returns the .yaml and .yml files under dir, sorted. A
// non-empty filter is a glob matched against the file name without its
// extension.
func FindScenarios(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != dir && info.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	sort.Strings(files)
	return files, err
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Deliveries < 0 {
		return fmt.Errorf("deliveries must be non-negative")
	}
	if s.MinConfidence != nil && (*s.MinConfidence < 0 || *s.MinConfidence > 1) {
		return fmt.Errorf("min_confidence must be in [0,1]")
	}
	if len(s.Event) == 0 {
		return fmt.Errorf("event is required")
	}
	if name, _ := s.Event["name"].(string); name == "" {
		return fmt.Errorf("event.name is required")
	}
	if !validStatuses[s.Expect.Status] {
		return fmt.Errorf("expect.status must be success, skipped or failed, got %q", s.Expect.Status)
	}
	for i := range s.Expect.Assertions {
		if err := validateAssertion(i, &s.Expect.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertStepCount, AssertTriggerCount, AssertBranchCount:
		if a.Count == nil {
			return fmt.Errorf("assertions[%d]: count is required for %s", index, a.Type)
		}
		if *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertCategory:
		if a.Value == "" {
			return fmt.Errorf("assertions[%d]: value is required for category", index)
		}
	case AssertMinConfidence:
		if a.Min <= 0 || a.Min > 1 {
			return fmt.Errorf("assertions[%d]: min must be in (0,1] for min_confidence", index)
		}
	case AssertPatchContains:
		if a.Op == "" && a.System == "" && a.Kind == "" && len(a.Config) == 0 {
			return fmt.Errorf("assertions[%d]: patch_contains needs op, system, kind or config", index)
		}
	case AssertTracePropagated:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
