// Package fingerprint derives the canonical signature that groups
// morally-equivalent failures into one incident. Derivation is pure: same
// event in, same signature out, no side effects.
package fingerprint

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/flowsentry/backend/internal/core"
)

// UnknownCode is substituted when the payload carries no error code.
const UnknownCode = "unknown"

// rule rewrites one volatile token class. Rules apply in order; numeric runs
// collapse before hex runs so a digit-only id never reads as hex.
type rule struct {
	name        string
	pattern     *regexp.Regexp
	replacement string
}

var defaultRules = []rule{
	{name: "numeric_id", pattern: regexp.MustCompile(`\b[0-9]{3,}\b`), replacement: "N"},
	{name: "hex_id", pattern: regexp.MustCompile(`\b[0-9a-f]{8,}\b`), replacement: "H"},
}

// Fingerprinter derives signatures with a substitution set fixed at
// construction. The set's descriptor is recorded on every incident it names.
type Fingerprinter struct {
	rules []rule
}

func New() *Fingerprinter {
	return &Fingerprinter{rules: defaultRules}
}

// Derive computes lower(event_type) ":" normalize(error_code) ":" workflow_id.
func (f *Fingerprinter) Derive(eventType, errorCode, workflowID string) string {
	return fmt.Sprintf("%s:%s:%s",
		strings.ToLower(strings.TrimSpace(eventType)),
		f.Normalize(errorCode),
		workflowID,
	)
}

// FromEvent derives the signature for a stored event.
func (f *Fingerprinter) FromEvent(ev *core.Event) string {
	return f.Derive(ev.EventType, ev.ErrorCode(), ev.WorkflowID)
}

// Normalize lowercases, trims, and collapses volatile id tokens so that
// "timeout connecting to host 10453" and "timeout connecting to host 99021"
// normalize identically. An absent or empty code maps to "unknown".
func (f *Fingerprinter) Normalize(errorCode string) string {
	code := strings.ToLower(strings.TrimSpace(errorCode))
	if code == "" {
		return UnknownCode
	}
	for _, r := range f.rules {
		code = r.pattern.ReplaceAllString(code, r.replacement)
	}
	return code
}

// RuleSet describes the active substitution rules for audit records.
func (f *Fingerprinter) RuleSet() []string {
	out := make([]string, 0, len(f.rules))
	for _, r := range f.rules {
		out = append(out, fmt.Sprintf("%s:%s->%s", r.name, r.pattern.String(), r.replacement))
	}
	return out
}
