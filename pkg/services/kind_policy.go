package services

import (
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ekaya-inc/ekaya-insights/pkg/config"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

// PolicyVerdict is what an automatic annotation policy decides for one insight.
type PolicyVerdict string

const (
	PolicyValidate PolicyVerdict = "validate"
	PolicyReject   PolicyVerdict = "reject"
	// PolicyDefer leaves the insight for manual review.
	PolicyDefer PolicyVerdict = "defer"
)

// policyEnv is the variable set visible to condition expressions.
type policyEnv struct {
	Target     string         `expr:"target"`
	Kind       string         `expr:"kind"`
	Value      string         `expr:"value"`
	ValueTag   string         `expr:"value_tag"`
	Confidence float64        `expr:"confidence"`
	Source     string         `expr:"source"`
	Data       map[string]any `expr:"data"`
}

func newPolicyEnv(i *models.Insight) policyEnv {
	data := i.Data
	if data == nil {
		data = map[string]any{}
	}
	return policyEnv{
		Target:     i.TargetID,
		Kind:       string(i.Kind),
		Value:      i.Value,
		ValueTag:   i.ValueTag,
		Confidence: i.Confidence,
		Source:     i.SourceIdentity,
		Data:       data,
	}
}

// KindPolicy is the automatic annotation policy of one kind.
type KindPolicy struct {
	Kind      models.InsightKind
	Auto      bool
	Threshold float64

	condition       *vm.Program
	rejectCondition *vm.Program
}

// Evaluate decides an insight of the policy's kind. The reject condition is
// checked first; validation needs Auto, confidence at or above Threshold and
// the optional condition to hold.
func (p *KindPolicy) Evaluate(i *models.Insight) (PolicyVerdict, error) {
	env := newPolicyEnv(i)

	if p.rejectCondition != nil {
		reject, err := runCondition(p.rejectCondition, env)
		if err != nil {
			return PolicyDefer, fmt.Errorf("kind %s reject_condition: %w", p.Kind, err)
		}
		if reject {
			return PolicyReject, nil
		}
	}

	if !p.Auto || i.Confidence < p.Threshold {
		return PolicyDefer, nil
	}

	if p.condition != nil {
		ok, err := runCondition(p.condition, env)
		if err != nil {
			return PolicyDefer, fmt.Errorf("kind %s condition: %w", p.Kind, err)
		}
		if !ok {
			return PolicyDefer, nil
		}
	}

	return PolicyValidate, nil
}

func runCondition(program *vm.Program, env policyEnv) (bool, error) {
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out)
	}
	return result, nil
}

// KindPolicies maps kinds to their automatic annotation policy. Kinds
// without an entry are never decided automatically.
type KindPolicies map[models.InsightKind]*KindPolicy

// Lookup returns the policy for kind, if any.
func (p KindPolicies) Lookup(kind models.InsightKind) (*KindPolicy, bool) {
	policy, ok := p[kind]
	return policy, ok
}

// Kinds returns the kinds with a policy, sorted.
func (p KindPolicies) Kinds() []models.InsightKind {
	kinds := make([]models.InsightKind, 0, len(p))
	for kind := range p {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(a, b int) bool { return kinds[a] < kinds[b] })
	return kinds
}

// NewKindPolicies compiles the configured policies. Unknown kinds and
// expressions that do not compile to a boolean are configuration errors.
func NewKindPolicies(cfg map[string]config.KindPolicyConfig) (KindPolicies, error) {
	policies := make(KindPolicies, len(cfg))
	for name, pc := range cfg {
		kind := models.InsightKind(name)
		if _, ok := models.LookupKind(kind); !ok {
			return nil, fmt.Errorf("kinds.%s: unknown insight kind", name)
		}
		if !pc.Auto && pc.RejectCondition == "" {
			continue
		}

		policy := &KindPolicy{Kind: kind, Auto: pc.Auto, Threshold: pc.Threshold}

		var err error
		if pc.Condition != "" {
			if policy.condition, err = compileCondition(pc.Condition); err != nil {
				return nil, fmt.Errorf("kinds.%s.condition: %w", name, err)
			}
		}
		if pc.RejectCondition != "" {
			if policy.rejectCondition, err = compileCondition(pc.RejectCondition); err != nil {
				return nil, fmt.Errorf("kinds.%s.reject_condition: %w", name, err)
			}
		}

		policies[kind] = policy
	}
	return policies, nil
}

func compileCondition(source string) (*vm.Program, error) {
	return expr.Compile(source, expr.Env(policyEnv{}), expr.AsBool())
}
