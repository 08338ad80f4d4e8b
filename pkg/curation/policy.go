package curation

import (
	"fmt"
	"os"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// Rule is one inclusion rule. When is a CEL boolean expression over `event`:
//
//	event.source, event.event_type, event.actor_ref, event.raw_payload_ref,
//	event.node_id, event.scope_id (strings) and event.event_time_ms (int).
type Rule struct {
	Name    string `yaml:"name" json:"name"`
	When    string `yaml:"when" json:"when"`
	Include bool   `yaml:"include" json:"include"`
	Reason  string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Decision is the outcome of the first matching rule.
type Decision struct {
	Rule     string
	Included bool
	Reason   string
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// Policy evaluates inclusion rules in order; the first match decides.
// Programs are compiled once at construction and are safe for concurrent use.
type Policy struct {
	rules []compiledRule
}

// NewPolicy compiles rules. Any rule that fails to compile or is not boolean
// rejects the whole policy.
func NewPolicy(rules []Rule) (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	p := &Policy{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i)
		}
		ast, issues := env.Compile(r.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile %s: %w", r.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %s must be boolean, got %s", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("program %s: %w", r.Name, err)
		}
		p.rules = append(p.rules, compiledRule{Rule: r, prg: prg})
	}
	return p, nil
}

type policyFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadPolicy reads a YAML file with a top-level `rules` list.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return NewPolicy(f.Rules)
}

// Len returns the number of rules.
func (p *Policy) Len() int {
	if p == nil {
		return 0
	}
	return len(p.rules)
}

// Evaluate returns the decision of the first matching rule, or ok=false when
// no rule matches and the current inclusion should stand.
func (p *Policy) Evaluate(ev contracts.ActivityEvent) (d Decision, ok bool, err error) {
	if p == nil {
		return Decision{}, false, nil
	}
	input := map[string]any{
		"event": map[string]any{
			"source":          ev.Source,
			"event_type":      ev.EventType,
			"actor_ref":       ev.ActorRef,
			"raw_payload_ref": ev.RawPayloadRef,
			"node_id":         ev.NodeID,
			"scope_id":        ev.ScopeID,
			"event_time_ms":   ev.EventTime.UnixMilli(),
		},
	}
	for _, r := range p.rules {
		out, _, err := r.prg.Eval(input)
		if err != nil {
			return Decision{}, false, fmt.Errorf("eval %s: %w", r.Name, err)
		}
		matched, isBool := out.Value().(bool)
		if !isBool {
			return Decision{}, false, fmt.Errorf("rule %s: result not bool", r.Name)
		}
		if matched {
			reason := r.Reason
			if reason == "" {
				reason = "policy:" + r.Name
			}
			return Decision{Rule: r.Name, Included: r.Include, Reason: reason}, true, nil
		}
	}
	return Decision{}, false, nil
}
