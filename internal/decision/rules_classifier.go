package decision

import (
	"context"
	"fmt"

	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/rules"
)

// RulesClassifier derives a verdict from the error-code table alone. It is
// the default adapter: deterministic, local, and fast.
type RulesClassifier struct {
	table *rules.Table
}

func NewRulesClassifier(table *rules.Table) *RulesClassifier {
	return &RulesClassifier{table: table}
}

func (c *RulesClassifier) Classify(_ context.Context, incident *core.Incident, recent []*core.Event) (*Result, error) {
	code := latestErrorCode(recent)
	rule := c.table.Lookup(code)

	res := &Result{
		Confidence: 0.8,
		ModelTag:   "rules-v1",
	}
	if code == "" {
		code = "unknown"
		res.Confidence = 0.5
	}

	switch {
	case incident.Severity == core.SeverityCritical:
		res.Category = "critical_failure"
		res.Recommended = RecommendEscalate
		res.Reasoning = fmt.Sprintf("severity is CRITICAL; code %s routed to escalation", code)
	case rule.Retryable:
		res.Category = "transient"
		res.Recommended = RecommendRetry
		res.Reasoning = fmt.Sprintf("code %s is retryable under policy %s", code, rule.RetryPolicy)
	default:
		res.Category = "permanent"
		res.Recommended = RecommendManual
		res.Reasoning = fmt.Sprintf("code %s is not retryable; needs human review", code)
	}
	return res, nil
}

// latestErrorCode walks recent events newest-first for a usable error code.
func latestErrorCode(recent []*core.Event) string {
	for _, ev := range recent {
		if code := ev.ErrorCode(); code != "" {
			return code
		}
	}
	return ""
}
