package sequence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/conduit-labs/conduit/internal/domain"
)

const PolicySchemaV1 = "conduit.promotion.v1"

const (
	EffectAllow           = "allow"
	EffectDeny            = "deny"
	EffectRequireApproval = "require_approval"
)

// PolicySpec is a declarative promotion policy. Rules are evaluated in
// order; the first match wins, otherwise the default effect applies.
type PolicySpec struct {
	Schema        string       `yaml:"schema"`
	DefaultEffect string       `yaml:"default_effect,omitempty"`
	Rules         []PolicyRule `yaml:"rules"`
}

type PolicyRule struct {
	ID          string      `yaml:"id"`
	Description string      `yaml:"description,omitempty"`
	Effect      string      `yaml:"effect"`
	When        []Condition `yaml:"when"`
}

type Condition struct {
	Field  string   `yaml:"field"`
	Op     string   `yaml:"op"`
	Value  string   `yaml:"value,omitempty"`
	Values []string `yaml:"values,omitempty"`
}

func ParsePolicy(input []byte) (PolicySpec, error) {
	var spec PolicySpec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return PolicySpec{}, fmt.Errorf("decode policy: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return PolicySpec{}, err
	}
	return spec, nil
}

func (s PolicySpec) Validate() error {
	if strings.TrimSpace(s.Schema) != PolicySchemaV1 {
		return fmt.Errorf("policy.schema must be %q", PolicySchemaV1)
	}
	defaultEffect := strings.ToLower(strings.TrimSpace(s.DefaultEffect))
	if defaultEffect != "" && !isEffectAllowed(defaultEffect) {
		return fmt.Errorf("policy.default_effect unsupported: %q", s.DefaultEffect)
	}
	seen := make(map[string]struct{}, len(s.Rules))
	for i, rule := range s.Rules {
		ruleID := strings.TrimSpace(rule.ID)
		if ruleID == "" {
			return fmt.Errorf("policy.rules[%d].id is required", i)
		}
		if _, ok := seen[ruleID]; ok {
			return fmt.Errorf("policy.rules[%d].id must be unique (duplicate %q)", i, ruleID)
		}
		seen[ruleID] = struct{}{}
		if !isEffectAllowed(rule.Effect) {
			return fmt.Errorf("policy.rules[%d].effect unsupported: %q", i, rule.Effect)
		}
		if len(rule.When) == 0 {
			return fmt.Errorf("policy.rules[%d].when must be non-empty", i)
		}
		for j, cond := range rule.When {
			if strings.TrimSpace(cond.Field) == "" {
				return fmt.Errorf("policy.rules[%d].when[%d].field is required", i, j)
			}
			op := strings.ToLower(strings.TrimSpace(cond.Op))
			switch op {
			case "eq", "neq", "matches":
				if strings.TrimSpace(cond.Value) == "" {
					return fmt.Errorf("policy.rules[%d].when[%d].value is required for %s", i, j, op)
				}
			case "in", "not_in":
				if len(cond.Values) == 0 {
					return fmt.Errorf("policy.rules[%d].when[%d].values must be non-empty for %s", i, j, op)
				}
			default:
				return fmt.Errorf("policy.rules[%d].when[%d].op unsupported: %q", i, j, cond.Op)
			}
		}
	}
	return nil
}

func isEffectAllowed(effect string) bool {
	switch strings.ToLower(strings.TrimSpace(effect)) {
	case EffectAllow, EffectDeny, EffectRequireApproval:
		return true
	default:
		return false
	}
}

// Decision is the evaluated effect for one promotion.
type Decision struct {
	Effect string
	RuleID string
	Reason string
}

// Evaluate matches the promotion against the policy rules in order.
func Evaluate(spec PolicySpec, req domain.PipelineRequest, from, to domain.Environment) (Decision, error) {
	if err := spec.Validate(); err != nil {
		return Decision{}, err
	}
	for _, rule := range spec.Rules {
		if ruleMatches(rule, req, from, to) {
			return Decision{
				Effect: strings.ToLower(strings.TrimSpace(rule.Effect)),
				RuleID: strings.TrimSpace(rule.ID),
				Reason: "rule_match",
			}, nil
		}
	}
	defaultEffect := strings.ToLower(strings.TrimSpace(spec.DefaultEffect))
	if defaultEffect == "" {
		defaultEffect = EffectRequireApproval
	}
	return Decision{Effect: defaultEffect, Reason: "default"}, nil
}

func ruleMatches(rule PolicyRule, req domain.PipelineRequest, from, to domain.Environment) bool {
	for _, cond := range rule.When {
		if !conditionMatches(cond, req, from, to) {
			return false
		}
	}
	return true
}

func conditionMatches(cond Condition, req domain.PipelineRequest, from, to domain.Environment) bool {
	value, ok := fieldValue(cond.Field, req, from, to)
	if !ok {
		return false
	}
	op := strings.ToLower(strings.TrimSpace(cond.Op))
	switch op {
	case "eq":
		return normalize(value) == normalize(cond.Value)
	case "neq":
		return normalize(value) != normalize(cond.Value)
	case "in":
		return valueIn(value, cond.Values)
	case "not_in":
		return !valueIn(value, cond.Values)
	case "matches":
		re, err := regexp.Compile(cond.Value)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	default:
		return false
	}
}

func fieldValue(name string, req domain.PipelineRequest, from, to domain.Environment) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "revision":
		return req.Revision, req.Revision != ""
	case "branch":
		return req.Branch, req.Branch != ""
	case "repository":
		return req.Config.RepositoryName, req.Config.RepositoryName != ""
	case "connection":
		return req.Config.HostConnectionName, req.Config.HostConnectionName != ""
	case "region":
		return req.Config.Region, req.Config.Region != ""
	case "environment.from":
		return string(from), from != ""
	case "environment.to":
		return string(to), to != ""
	default:
		return "", false
	}
}

func valueIn(value string, targets []string) bool {
	for _, target := range targets {
		if normalize(value) == normalize(target) {
			return true
		}
	}
	return false
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// PolicyGate evaluates a declarative policy per promotion. An allow
// passes immediately, a deny fails the promotion, and require_approval
// delegates to the approval gate.
type PolicyGate struct {
	Spec     PolicySpec
	Approval Gate
}

func NewPolicyGate(spec PolicySpec, approval Gate) (*PolicyGate, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if approval == nil {
		return nil, errors.New("approval gate is required")
	}
	return &PolicyGate{Spec: spec, Approval: approval}, nil
}

func (g *PolicyGate) Wait(ctx context.Context, req domain.PipelineRequest, from, to domain.Environment) error {
	decision, err := Evaluate(g.Spec, req, from, to)
	if err != nil {
		return err
	}
	switch decision.Effect {
	case EffectAllow:
		return ctx.Err()
	case EffectDeny:
		if decision.RuleID != "" {
			return fmt.Errorf("%w by rule %s", ErrPromotionDenied, decision.RuleID)
		}
		return ErrPromotionDenied
	case EffectRequireApproval:
		return g.Approval.Wait(ctx, req, from, to)
	default:
		return fmt.Errorf("unknown policy effect %q", decision.Effect)
	}
}
