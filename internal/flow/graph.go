package flow

import (
	"fmt"
	"slices"
	"strings"
)

// Flow validation error codes (E100-E119)
const (
	ErrEmptyFlow          = "E101" // a flow needs at least one step
	ErrEmptyStepID        = "E102" // step id is required
	ErrDuplicateStepID    = "E103" // step ids must be unique
	ErrInvalidStepKind    = "E104" // unknown step kind
	ErrTriggerCount       = "E105" // exactly one TRIGGER required
	ErrTriggerPredecessor = "E106" // the TRIGGER must not have a predecessor
	ErrMissingPredecessor = "E107" // non-trigger step without predecessor
	ErrUnresolvedRef      = "E108" // predecessor id does not resolve
	ErrCycle              = "E109" // predecessor graph contains a cycle
	ErrUndeclaredSystem   = "E110" // step system outside the declared set
)

// ValidationError represents a violated flow invariant.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// InvariantError aggregates every violation found in one flow.
type InvariantError struct {
	FlowID string
	Errors []ValidationError
}

func (e *InvariantError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, v := range e.Errors {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("flow %s violates %d invariant(s): %s", e.FlowID, len(e.Errors), strings.Join(msgs, "; "))
}

// Check runs Validate and folds the result into a single error.
// Returns nil when the flow satisfies every invariant.
func Check(def *FlowDefinition, declared []System) error {
	errs := Validate(def, declared)
	if len(errs) == 0 {
		return nil
	}
	return &InvariantError{FlowID: def.ID, Errors: errs}
}

// Validate checks the structural invariants of a flow definition.
// Returns all errors found (does not fail-fast).
//
// declared is the system set of the originating request; when empty the
// supported platform set is used instead.
func Validate(def *FlowDefinition, declared []System) []ValidationError {
	var errs []ValidationError

	// E101: at least one step
	if def == nil || len(def.Steps) == 0 {
		return []ValidationError{{
			Field:   "steps",
			Message: "flow must contain at least one step",
			Code:    ErrEmptyFlow,
		}}
	}

	allowed := make(map[System]bool)
	for _, s := range declared {
		allowed[s] = true
	}
	if len(allowed) == 0 {
		allowed = SupportedSystems
	}

	ids := make(map[string]bool, len(def.Steps))
	triggers := 0
	for i, step := range def.Steps {
		field := fmt.Sprintf("steps[%d]", i)

		// E102, E103: ids present and unique
		if step.ID == "" {
			errs = append(errs, ValidationError{Field: field + ".id", Message: "step id is required", Code: ErrEmptyStepID})
		} else if ids[step.ID] {
			errs = append(errs, ValidationError{
				Field:   field + ".id",
				Message: fmt.Sprintf("duplicate step id %q", step.ID),
				Code:    ErrDuplicateStepID,
			})
		}
		ids[step.ID] = true

		// E104: known kind
		if !ValidStepKinds[step.Kind] {
			errs = append(errs, ValidationError{
				Field:   field + ".kind",
				Message: fmt.Sprintf("unknown step kind %q", step.Kind),
				Code:    ErrInvalidStepKind,
			})
		}

		// E106, E107: only the trigger is a root
		if step.Kind == KindTrigger {
			triggers++
			if step.After != "" {
				errs = append(errs, ValidationError{
					Field:   field + ".after",
					Message: fmt.Sprintf("trigger %q must not have a predecessor", step.ID),
					Code:    ErrTriggerPredecessor,
				})
			}
		} else if step.After == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".after",
				Message: fmt.Sprintf("step %q has no predecessor", step.ID),
				Code:    ErrMissingPredecessor,
			})
		}

		// E110: system declared
		if !allowed[step.System] {
			errs = append(errs, ValidationError{
				Field:   field + ".system",
				Message: fmt.Sprintf("system %q is not declared for this flow", step.System),
				Code:    ErrUndeclaredSystem,
			})
		}
	}

	// E105: exactly one trigger
	if triggers != 1 {
		errs = append(errs, ValidationError{
			Field:   "steps",
			Message: fmt.Sprintf("flow must have exactly one TRIGGER, found %d", triggers),
			Code:    ErrTriggerCount,
		})
	}

	// E108: predecessor references resolve
	for i, step := range def.Steps {
		if step.After != "" && !ids[step.After] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("steps[%d].after", i),
				Message: fmt.Sprintf("predecessor %q of step %q does not exist", step.After, step.ID),
				Code:    ErrUnresolvedRef,
			})
		}
	}

	// E109: acyclic
	for _, cycle := range FindCycles(def) {
		errs = append(errs, ValidationError{
			Field:   "steps",
			Message: "predecessor cycle: " + strings.Join(cycle, " -> "),
			Code:    ErrCycle,
		})
	}

	return errs
}

// Children returns the successor IDs of every step, each list in step order.
func Children(def *FlowDefinition) map[string][]string {
	children := make(map[string][]string, len(def.Steps))
	for _, step := range def.Steps {
		if step.After != "" {
			children[step.After] = append(children[step.After], step.ID)
		}
	}
	return children
}

// Trigger returns the first TRIGGER step, or nil.
func Trigger(def *FlowDefinition) *Step {
	for i := range def.Steps {
		if def.Steps[i].Kind == KindTrigger {
			return &def.Steps[i]
		}
	}
	return nil
}

// StepByID returns the step with the given ID, or nil.
func StepByID(def *FlowDefinition, id string) *Step {
	for i := range def.Steps {
		if def.Steps[i].ID == id {
			return &def.Steps[i]
		}
	}
	return nil
}

// FindCycles reports every predecessor cycle in def as a path that starts
// and ends on the same step ID. An acyclic flow returns nil.
//
// Strongly connected components are found with Tarjan's algorithm over the
// predecessor -> successor edges. Nodes are visited in step order so the
// reported paths are deterministic.
func FindCycles(def *FlowDefinition) [][]string {
	graph := make(stepGraph, len(def.Steps))
	order := make([]string, 0, len(def.Steps))
	for _, step := range def.Steps {
		if _, seen := graph[step.ID]; !seen {
			order = append(order, step.ID)
			graph[step.ID] = nil
		}
	}
	for _, step := range def.Steps {
		if _, ok := graph[step.After]; ok && step.After != "" {
			graph[step.After] = append(graph[step.After], step.ID)
		}
	}

	var cycles [][]string
	for _, scc := range tarjanSCC(graph, order) {
		if len(scc) == 1 {
			if slices.Contains(graph[scc[0]], scc[0]) {
				cycles = append(cycles, []string{scc[0], scc[0]})
			}
			continue
		}
		cycles = append(cycles, cyclePath(scc, graph))
	}
	return cycles
}

// stepGraph maps step ID -> successor step IDs.
type stepGraph map[string][]string

// tarjanSCC finds strongly connected components, visiting roots in order.
func tarjanSCC(graph stepGraph, order []string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range order {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// cyclePath walks successor edges inside an SCC from its smallest member
// until it returns to the start.
func cyclePath(scc []string, graph stepGraph) []string {
	members := make(map[string]bool, len(scc))
	for _, id := range scc {
		members[id] = true
	}
	start := slices.Min(scc)
	path := []string{start}
	visited := map[string]bool{start: true}
	current := start
	for {
		next := ""
		for _, w := range graph[current] {
			if members[w] && (w == start || !visited[w]) {
				next = w
				break
			}
		}
		if next == "" {
			return path
		}
		path = append(path, next)
		if next == start {
			return path
		}
		visited[next] = true
		current = next
	}
}
