package features

import (
	"context"
	"strings"

	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

// Compliance actions.
const (
	ComplianceFlag     = "flag"
	ComplianceResolve  = "resolve"
	ComplianceAlert    = "alert"
	ComplianceRecorded = "recorded"
	ComplianceResolved = "resolved"
)

type complianceCase struct {
	ruleID   string
	severity string
	flags    int
	resolved bool
}

// Compliance records flagged cases. Flags at an escalating severity are
// raised as critical alerts to the whole organization.
type Compliance struct {
	cases    map[string]*complianceCase
	escalate map[string]bool
}

func NewCompliance(escalate []string) *Compliance {
	c := &Compliance{cases: make(map[string]*complianceCase), escalate: make(map[string]bool)}
	for _, s := range escalate {
		c.escalate[strings.ToLower(s)] = true
	}
	return c
}

func (*Compliance) Feature() types.FeatureType { return types.FeatureCompliance }

func (c *Compliance) Process(_ context.Context, msg *types.Message, hctx interfaces.HandlerContext) (*interfaces.HandlerResult, error) {
	p, ok := msg.Payload.(*types.CompliancePayload)
	if !ok {
		return nil, ErrUnexpectedPayload
	}

	key := scoped(msg, p.CaseID)
	switch p.Op {
	case ComplianceFlag:
		cs, ok := c.cases[key]
		if !ok {
			cs = &complianceCase{}
			c.cases[key] = cs
		}
		cs.flags++
		cs.resolved = false
		if p.RuleID != "" {
			cs.ruleID = p.RuleID
		}
		if p.Severity != "" {
			cs.severity = strings.ToLower(p.Severity)
		}
		data := map[string]any{"flags": cs.flags, "flaggedBy": sender(hctx, msg)}

		if c.escalate[cs.severity] {
			org := types.Target{Kind: types.TargetOrganization, OrganizationID: msg.OrganizationID}
			return result(reply(msg, org, types.PriorityCritical, &types.CompliancePayload{
				Op: ComplianceAlert, CaseID: p.CaseID, RuleID: cs.ruleID, Severity: cs.severity, Data: data,
			})), nil
		}
		return result(reply(msg, audience(msg, hctx), types.PriorityHigh, &types.CompliancePayload{
			Op: ComplianceRecorded, CaseID: p.CaseID, RuleID: cs.ruleID, Severity: cs.severity, Data: data,
		})), nil

	case ComplianceResolve:
		cs, ok := c.cases[key]
		if !ok || cs.resolved {
			return nil, nil
		}
		cs.resolved = true
		return result(reply(msg, audience(msg, hctx), types.PriorityHigh, &types.CompliancePayload{
			Op: ComplianceResolved, CaseID: p.CaseID, RuleID: cs.ruleID, Severity: cs.severity,
			Data: map[string]any{"resolvedBy": sender(hctx, msg)},
		})), nil
	}
	return nil, nil
}

// Open returns the number of unresolved cases.
func (c *Compliance) Open() int {
	n := 0
	for _, cs := range c.cases {
		if !cs.resolved {
			n++
		}
	}
	return n
}
