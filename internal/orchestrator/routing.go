// Package orchestrator — routing.go
//
// Routing rules are deliberately inexpressive: a dotted field path into
// the envelope or its outputs, one comparator from a fixed set, and a
// literal string. No embedded expression language, matching the
// boundary spec.md §9 draws around this subsystem.

package orchestrator

import (
	"strconv"
	"strings"

	"github.com/flowkernel/flowkernel/internal/envelope"
)

// Comparator is the fixed set of routing-rule operators.
type Comparator uint8

const (
	CompEquals Comparator = iota
	CompNotEquals
	CompGreater
	CompLess
	CompContains
)

// RoutingRule is one declaration-ordered edge out of an agent: if
// ConditionPath compared to Value via Op holds, route to Target.
type RoutingRule struct {
	ConditionPath string
	Op            Comparator
	Value         string
	Target        string
}

// resolveNext evaluates agent's routing rules in declaration order
// against env, returning the first match's target or, failing that,
// agent.DefaultNext.
func resolveNext(agent AgentConfig, env *envelope.Envelope) string {
	for _, rule := range agent.Routes {
		actual, ok := resolveFieldPath(rule.ConditionPath, env)
		if !ok {
			continue
		}
		if compare(actual, rule.Value, rule.Op) {
			return rule.Target
		}
	}
	return agent.DefaultNext
}

// resolveFieldPath navigates a dotted path. Paths beginning with
// "outputs." descend into env.Outputs (itself a tree of
// map[string]any, as produced by report_agent_result); every other
// path names one of the small set of envelope fields routing rules are
// allowed to read.
func resolveFieldPath(path string, env *envelope.Envelope) (string, bool) {
	segments := strings.Split(path, ".")
	if len(segments) == 0 {
		return "", false
	}

	if segments[0] == "outputs" {
		return resolveOutputPath(segments[1:], env.Outputs)
	}

	switch path {
	case "current_stage":
		return env.CurrentStage, true
	case "iteration":
		return strconv.Itoa(env.Iteration), true
	case "terminal_reason":
		return env.TerminalReason.String(), true
	case "raw_input":
		return env.RawInput, true
	case "bounds.llm_call_count":
		return strconv.FormatInt(env.Bounds.LLMCallCount, 10), true
	case "bounds.tool_call_count":
		return strconv.FormatInt(env.Bounds.ToolCallCount, 10), true
	case "bounds.agent_hop_count":
		return strconv.FormatInt(env.Bounds.AgentHopCount, 10), true
	case "bounds.tokens_in":
		return strconv.FormatInt(env.Bounds.TokensIn, 10), true
	case "bounds.tokens_out":
		return strconv.FormatInt(env.Bounds.TokensOut, 10), true
	default:
		if v, ok := env.Metadata[path]; ok {
			return v, true
		}
		return "", false
	}
}

func resolveOutputPath(segments []string, node map[string]any) (string, bool) {
	if len(segments) == 0 {
		return "", false
	}
	var cur any = node
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[seg]
		if !ok {
			return "", false
		}
	}
	return stringify(cur), true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func compare(actual, expected string, op Comparator) bool {
	switch op {
	case CompEquals:
		return actual == expected
	case CompNotEquals:
		return actual != expected
	case CompContains:
		return strings.Contains(actual, expected)
	case CompGreater, CompLess:
		a, errA := strconv.ParseFloat(actual, 64)
		b, errB := strconv.ParseFloat(expected, 64)
		if errA != nil || errB != nil {
			return false
		}
		if op == CompGreater {
			return a > b
		}
		return a < b
	default:
		return false
	}
}
