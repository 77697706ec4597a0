package cme

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/credentialmate/rules/pkg/contracts"
)

// Conditional requirements carry CEL predicates over the provider's
// attribute map (special-population rules: prescribing activity, patient
// demographics, practice setting). Programs are compiled once per matrix and
// evaluated locally; an expression has no access to I/O, time, or anything
// outside the snapshot, so evaluation stays deterministic.

var celEnv = mustEnv()

func mustEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("specialty", cel.StringType),
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("cme: cel environment: %v", err))
	}
	return env
}

type compiledCondition struct {
	name    string
	rule    contracts.ConditionalRequirement
	program cel.Program
}

func compileConditions(rules []contracts.ConditionalRequirement) ([]compiledCondition, error) {
	conditions := make([]compiledCondition, 0, len(rules))
	for _, rule := range rules {
		ast, issues := celEnv.Compile(rule.Condition)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("conditional requirement %q: compile %q: %w", rule.Name, rule.Condition, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("conditional requirement %q: condition must be boolean, got %s", rule.Name, ast.OutputType())
		}
		program, err := celEnv.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("conditional requirement %q: program: %w", rule.Name, err)
		}
		conditions = append(conditions, compiledCondition{name: rule.Name, rule: rule, program: program})
	}
	return conditions, nil
}

func (c compiledCondition) eval(specialty string, attributes map[string]any) (bool, error) {
	if attributes == nil {
		attributes = map[string]any{}
	}
	out, _, err := c.program.Eval(map[string]any{
		"specialty":  specialty,
		"attributes": attributes,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", c.rule.Condition, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("evaluate %q: non-boolean result %T", c.rule.Condition, out.Value())
	}
	return matched, nil
}
