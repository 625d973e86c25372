package flow

import (
	"fmt"
	"strings"
)

// Summary is the human-oriented digest of a flow carried on outbound events.
type Summary struct {
	WorkflowSummary string   `json:"workflow_summary"`
	Triggers        []string `json:"triggers"`
	Conditions      []string `json:"conditions"`
	Actions         []string `json:"actions"`
	SystemsUsed     []System `json:"systems_used"`
}

// Summarize lists step labels by role. DELAY steps are reported with the
// conditions since both gate the actions that follow them.
func Summarize(def *FlowDefinition, goal string, ctx Context) Summary {
	s := Summary{
		WorkflowSummary: fmt.Sprintf("Fluxo para %s no contexto %s.", goal, ctx),
		Triggers:        []string{},
		Conditions:      []string{},
		Actions:         []string{},
		SystemsUsed:     append([]System{}, def.Systems...),
	}
	for _, step := range def.Steps {
		label := step.Label
		if label == "" {
			label = fmt.Sprintf("%s %s", step.Kind, step.System)
		}
		switch step.Kind {
		case KindTrigger:
			s.Triggers = append(s.Triggers, label)
		case KindCondition, KindDelay:
			s.Conditions = append(s.Conditions, label)
		case KindAction:
			s.Actions = append(s.Actions, label)
		}
	}
	return s
}

// Render formats a flow as an indented tree, one step per line, children
// in step order. Used by the CLI text output and golden tests.
//
//	flow-0123456789abcdef complexity=7 systems=GHL,MAKE
//	s01 TRIGGER GHL "Lead recebido" {event=lead.created}
//	  s02 ACTION GHL "Atualizar campo" {field=stage}
func Render(def *FlowDefinition) string {
	var b strings.Builder
	systems := make([]string, len(def.Systems))
	for i, s := range def.Systems {
		systems[i] = string(s)
	}
	fmt.Fprintf(&b, "%s complexity=%d systems=%s\n", def.ID, def.Complexity, strings.Join(systems, ","))

	children := Children(def)
	printed := make(map[string]bool, len(def.Steps))
	var walk func(id string, depth int)
	walk = func(id string, depth int) {
		if printed[id] {
			return
		}
		printed[id] = true
		step := StepByID(def, id)
		if step == nil {
			return
		}
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(renderStep(step))
		b.WriteByte('\n')
		for _, kid := range children[id] {
			walk(kid, depth+1)
		}
	}
	for _, step := range def.Steps {
		if step.After == "" {
			walk(step.ID, 0)
		}
	}
	// Anything left is unreachable from a root (only possible in invalid flows).
	for _, step := range def.Steps {
		if !printed[step.ID] {
			fmt.Fprintf(&b, "? %s\n", renderStep(&step))
			printed[step.ID] = true
		}
	}
	return b.String()
}

func renderStep(step *Step) string {
	line := fmt.Sprintf("%s %s %s %q", step.ID, step.Kind, step.System, step.Label)
	if len(step.Config) > 0 {
		line += " {" + FormatConfig(step.Config) + "}"
	}
	return line
}
