package incident

import (
	"strings"

	"github.com/flowsentry/backend/internal/core"
)

// IsFailure reports whether an event represents a workflow failure worth
// grouping into an incident. The pattern set is fixed: a ".failed" type
// suffix, a type containing ".error", or a payload carrying a non-empty
// error_code. Everything else passes through unprocessed.
func IsFailure(ev *core.Event) bool {
	t := strings.ToLower(strings.TrimSpace(ev.EventType))
	if strings.HasSuffix(t, ".failed") {
		return true
	}
	if strings.Contains(t, ".error") {
		return true
	}
	return ev.ErrorCode() != ""
}
