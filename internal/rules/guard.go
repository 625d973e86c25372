package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// guardEnv declares the variables a when.expr guard may reference.
var guardEnv = mustGuardEnv()

func mustGuardEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("context", cel.StringType),
		cel.Variable("systems", cel.ListType(cel.StringType)),
		cel.Variable("priority", cel.StringType),
		cel.Variable("keywords", cel.ListType(cel.StringType)),
		cel.Variable("source", cel.StringType),
		cel.Variable("impact", cel.StringType),
	)
	if err != nil {
		panic(fmt.Sprintf("rules: CEL environment: %v", err))
	}
	return env
}

// compileGuard type-checks expr and returns a program safe for concurrent use.
func compileGuard(expr string) (cel.Program, error) {
	ast, issues := guardEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must be bool, got %s", ast.OutputType())
	}
	prg, err := guardEnv.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return prg, nil
}

// evalGuard runs a compiled guard against the criteria activation.
func evalGuard(prg cel.Program, input map[string]any) (bool, error) {
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, err
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard returned %T, want bool", out.Value())
	}
	return allowed, nil
}
