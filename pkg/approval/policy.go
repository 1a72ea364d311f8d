// Package approval decides whether tool calls and plans need a human in the
// loop, and queues the requests that do.
package approval

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"conductor/pkg/proto"
	"conductor/pkg/utils"
)

// Rule is one policy entry. Rules are matched in order; the first rule whose
// type, subject pattern and conditions all hold decides the request.
type Rule struct {
	RequestType      proto.ApprovalRequestType `yaml:"request_type" json:"request_type"`
	SubjectPattern   string                    `yaml:"subject_pattern" json:"subject_pattern"`
	Conditions       map[string]any            `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	RequiresApproval bool                      `yaml:"requires_approval" json:"requires_approval"`
	Reason           string                    `yaml:"reason,omitempty" json:"reason,omitempty"`
}

type compiledRule struct {
	Rule
	pattern *regexp.Regexp
}

// Policy is an ordered rule list with a default verdict. Instances are
// immutable after construction; swap the whole policy to change it.
type Policy struct {
	rules                   []compiledRule
	defaultRequiresApproval bool
	enabled                 bool
}

// NewPolicy compiles the rules. An invalid subject pattern fails construction.
func NewPolicy(rules []Rule, defaultRequiresApproval, enabled bool) (*Policy, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.SubjectPattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: invalid subject pattern %q: %w", i, r.SubjectPattern, err)
		}
		compiled = append(compiled, compiledRule{Rule: r, pattern: re})
	}
	return &Policy{
		rules:                   compiled,
		defaultRequiresApproval: defaultRequiresApproval,
		enabled:                 enabled,
	}, nil
}

// DefaultPolicy returns the built-in safe-by-default rules: writes, command
// execution and file mutations need approval, reads do not, and every plan
// does.
func DefaultPolicy() *Policy {
	p, err := NewPolicy([]Rule{
		{
			RequestType:      proto.ApprovalTypeTool,
			SubjectPattern:   `^write_file$`,
			RequiresApproval: true,
			Reason:           "File writes require approval",
		},
		{
			RequestType:      proto.ApprovalTypeTool,
			SubjectPattern:   `^execute_command$`,
			RequiresApproval: true,
			Reason:           "Command execution requires approval",
		},
		{
			RequestType:      proto.ApprovalTypeTool,
			SubjectPattern:   `^(delete_file|move_file|create_directory)$`,
			RequiresApproval: true,
			Reason:           "File system mutations require approval",
		},
		{
			RequestType:      proto.ApprovalTypeTool,
			SubjectPattern:   `^(read_file|list_files|search_files)$`,
			RequiresApproval: false,
		},
		{
			RequestType:      proto.ApprovalTypePlan,
			SubjectPattern:   `.*`,
			RequiresApproval: true,
			Reason:           "All plans require approval",
		},
	}, false, true)
	if err != nil {
		// The built-in patterns are constants; a compile failure is a bug.
		panic(err)
	}
	return p
}

// policyFile is the on-disk YAML shape.
type policyFile struct {
	Enabled                 *bool  `yaml:"enabled"`
	DefaultRequiresApproval bool   `yaml:"default_requires_approval"`
	Rules                   []Rule `yaml:"rules"`
}

// LoadPolicyFile reads a YAML policy. Omitting `enabled` means enabled.
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	enabled := true
	if pf.Enabled != nil {
		enabled = *pf.Enabled
	}
	return NewPolicy(pf.Rules, pf.DefaultRequiresApproval, enabled)
}

// Verdict is the policy's answer for one request.
type Verdict struct {
	RequiresApproval bool
	Reason           string
}

// Evaluate returns the decision for a request. A disabled policy never
// requires approval. Rules are consulted in order; when none matches, the
// default applies.
func (p *Policy) Evaluate(requestType proto.ApprovalRequestType, subject string, details map[string]any) Verdict {
	if !p.enabled {
		return Verdict{RequiresApproval: false, Reason: "approval policy disabled"}
	}
	for i := range p.rules {
		r := &p.rules[i]
		if r.RequestType != requestType {
			continue
		}
		if !r.pattern.MatchString(subject) {
			continue
		}
		if !conditionsHold(r.Conditions, details) {
			continue
		}
		return Verdict{RequiresApproval: r.RequiresApproval, Reason: r.Reason}
	}
	return Verdict{RequiresApproval: p.defaultRequiresApproval}
}

// Enabled reports whether the policy is active.
func (p *Policy) Enabled() bool { return p.enabled }

// RuleCount returns how many rules the policy holds.
func (p *Policy) RuleCount() int { return len(p.rules) }

// conditionsHold checks every condition against the request details. Keys
// ending in _gt, _lt or _eq strip the suffix to name the details field and
// compare numerically (_eq falls back to plain equality for non-numbers);
// bare keys mean equality.
func conditionsHold(conditions map[string]any, details map[string]any) bool {
	for key, want := range conditions {
		field, op := splitConditionKey(key)
		got, ok := details[field]
		if !ok {
			return false
		}
		if !compare(op, got, want) {
			return false
		}
	}
	return true
}

func splitConditionKey(key string) (field, op string) {
	switch {
	case strings.HasSuffix(key, "_gt"):
		return strings.TrimSuffix(key, "_gt"), "gt"
	case strings.HasSuffix(key, "_lt"):
		return strings.TrimSuffix(key, "_lt"), "lt"
	case strings.HasSuffix(key, "_eq"):
		return strings.TrimSuffix(key, "_eq"), "eq"
	default:
		return key, "eq"
	}
}

func compare(op string, got, want any) bool {
	gotN, gotOK := utils.AsFloat64(got)
	wantN, wantOK := utils.AsFloat64(want)

	switch op {
	case "gt":
		return gotOK && wantOK && gotN > wantN
	case "lt":
		return gotOK && wantOK && gotN < wantN
	default:
		if gotOK && wantOK {
			return gotN == wantN
		}
		return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", want)
	}
}
