package router

import (
	"fmt"

	"boardsync/pkg/types"
)

// RuleAction is what a matching rule does to a message.
type RuleAction string

const (
	// RuleEscalate raises the message priority.
	RuleEscalate RuleAction = "escalate"
	// RuleMirror additionally delivers the message to another feature handler.
	RuleMirror RuleAction = "mirror"
	// RuleDrop discards the message before it is queued.
	RuleDrop RuleAction = "drop"
	// RuleAlert writes an alert to the security log and counts it.
	RuleAlert RuleAction = "alert"
)

// RuleConfig is the configuration form of a routing or alert rule. Empty
// condition fields match everything.
type RuleConfig struct {
	Name        string   `mapstructure:"name" json:"name"`
	Features    []string `mapstructure:"features" json:"features,omitempty"`
	MinPriority string   `mapstructure:"min_priority" json:"min_priority,omitempty"`
	Actions     []string `mapstructure:"actions" json:"actions,omitempty"`
	Public      *bool    `mapstructure:"public" json:"public,omitempty"`

	Action   string `mapstructure:"action" json:"action"`
	Priority string `mapstructure:"priority" json:"priority,omitempty"`
	MirrorTo string `mapstructure:"mirror_to" json:"mirror_to,omitempty"`
}

// Rule is a compiled RuleConfig.
type Rule struct {
	Name        string
	features    map[types.FeatureType]bool
	minPriority types.Priority
	actions     map[string]bool
	public      *bool

	Action   RuleAction
	priority types.Priority
	mirrorTo types.FeatureType
}

// CompileRules validates configs and returns rules in evaluation order.
func CompileRules(configs []RuleConfig) ([]*Rule, error) {
	rules := make([]*Rule, 0, len(configs))
	for i, c := range configs {
		r, err := compileRule(c)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, c.Name, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func compileRule(c RuleConfig) (*Rule, error) {
	r := &Rule{Name: c.Name, Action: RuleAction(c.Action), public: c.Public, minPriority: types.PriorityLow}
	if r.Name == "" {
		r.Name = c.Action
	}
	if len(c.Features) > 0 {
		r.features = make(map[types.FeatureType]bool, len(c.Features))
		for _, f := range c.Features {
			ft := types.FeatureType(f)
			if !ft.Valid() {
				return nil, fmt.Errorf("%w: %q", types.ErrInvalidFeature, f)
			}
			r.features[ft] = true
		}
	}
	if c.MinPriority != "" {
		p, err := types.ParsePriority(c.MinPriority)
		if err != nil {
			return nil, err
		}
		r.minPriority = p
	}
	if len(c.Actions) > 0 {
		r.actions = make(map[string]bool, len(c.Actions))
		for _, a := range c.Actions {
			r.actions[a] = true
		}
	}

	switch r.Action {
	case RuleEscalate:
		p, err := types.ParsePriority(c.Priority)
		if err != nil {
			return nil, err
		}
		if c.Priority == "" {
			p = types.PriorityHigh
		}
		r.priority = p
	case RuleMirror:
		r.mirrorTo = types.FeatureType(c.MirrorTo)
		if !r.mirrorTo.Valid() || r.mirrorTo == types.FeatureSystem {
			return nil, fmt.Errorf("%w: mirror_to %q", types.ErrInvalidFeature, c.MirrorTo)
		}
	case RuleDrop, RuleAlert:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRuleKind, c.Action)
	}
	return r, nil
}

// Matches reports whether msg satisfies every condition of the rule.
func (r *Rule) Matches(msg *types.Message) bool {
	if r.features != nil && !r.features[msg.Feature] {
		return false
	}
	if msg.Priority < r.minPriority {
		return false
	}
	if r.actions != nil && !r.actions[msg.Action()] {
		return false
	}
	if r.public != nil && *r.public != msg.Public {
		return false
	}
	return true
}

// ruleOutcome is the combined effect of all matching rules.
type ruleOutcome struct {
	msg     *types.Message
	drop    bool
	dropBy  string
	mirrors []types.FeatureType
	alerts  []string
}

// applyRules evaluates rules in order. Escalation produces a copy; the
// original message is never modified. A drop stops evaluation.
func applyRules(rules []*Rule, msg *types.Message) ruleOutcome {
	out := ruleOutcome{msg: msg}
	for _, r := range rules {
		if !r.Matches(out.msg) {
			continue
		}
		switch r.Action {
		case RuleEscalate:
			if out.msg.Priority < r.priority {
				if out.msg == msg {
					out.msg = msg.Clone()
				}
				out.msg.Priority = r.priority
			}
		case RuleMirror:
			if r.mirrorTo != msg.Feature {
				out.mirrors = append(out.mirrors, r.mirrorTo)
			}
		case RuleAlert:
			out.alerts = append(out.alerts, r.Name)
		case RuleDrop:
			out.drop = true
			out.dropBy = r.Name
			return out
		}
	}
	return out
}
