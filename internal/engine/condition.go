package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Conditions are small boolean expressions evaluated against the execution
// context:
//
//	true
//	!context.dry_run
//	context.dataset == "imagenet"
//	context.fold != 3
//
// An empty condition always evaluates true. Anything beyond a single
// optionally-negated comparison is rejected.

// EvalCondition evaluates expr against the execution context. A step whose
// condition evaluates false is skipped without invocation.
func EvalCondition(expr string, execCtx map[string]any) (bool, error) {
	c, err := parseCondition(expr)
	if err != nil {
		return false, err
	}
	return c.eval(execCtx), nil
}

// CheckCondition reports whether expr parses.
func CheckCondition(expr string) error {
	_, err := parseCondition(expr)
	return err
}

type condition struct {
	negated bool
	key     string // context key; empty when literal-only
	literal any    // bool literal, or comparison operand
	op      string // "", "==", "!="
}

func (c condition) eval(execCtx map[string]any) bool {
	var result bool
	switch {
	case c.key == "":
		result = c.literal.(bool)
	case c.op == "":
		result = truthy(execCtx[c.key])
	default:
		eq := looseEqual(execCtx[c.key], c.literal)
		result = eq == (c.op == "==")
	}
	if c.negated {
		return !result
	}
	return result
}

func parseCondition(expr string) (condition, error) {
	var c condition

	s := strings.TrimSpace(expr)
	if s == "" {
		c.literal = true
		return c, nil
	}
	for strings.HasPrefix(s, "!") && !strings.HasPrefix(s, "!=") {
		c.negated = !c.negated
		s = strings.TrimSpace(s[1:])
	}

	switch s {
	case "true":
		c.literal = true
		return c, nil
	case "false":
		c.literal = false
		return c, nil
	}

	if !strings.HasPrefix(s, "context.") {
		return c, fmt.Errorf("expected true, false, or context.<key>, got %q", s)
	}
	s = strings.TrimPrefix(s, "context.")

	idx := strings.IndexAny(s, " \t=!")
	if idx == -1 {
		if s == "" {
			return c, fmt.Errorf("missing context key")
		}
		c.key = s
		return c, nil
	}

	c.key = s[:idx]
	if c.key == "" {
		return c, fmt.Errorf("missing context key")
	}
	rest := strings.TrimSpace(s[idx:])

	switch {
	case strings.HasPrefix(rest, "=="):
		c.op = "=="
		rest = strings.TrimSpace(rest[2:])
	case strings.HasPrefix(rest, "!="):
		c.op = "!="
		rest = strings.TrimSpace(rest[2:])
	default:
		return c, fmt.Errorf("expected == or != after context.%s", c.key)
	}

	lit, err := parseLiteral(rest)
	if err != nil {
		return c, err
	}
	c.literal = lit
	return c, nil
}

func parseLiteral(s string) (any, error) {
	if s == "" {
		return nil, fmt.Errorf("missing comparison operand")
	}
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') {
		if s[len(s)-1] != s[0] {
			return nil, fmt.Errorf("unterminated string %q", s)
		}
		return s[1 : len(s)-1], nil
	}
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n, nil
	}
	return nil, fmt.Errorf("invalid literal %q", s)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}

// looseEqual compares a context value with a parsed literal. JSON decoding
// yields float64 for every number, so numeric comparisons go through
// float64; everything else is compared via its string form.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
