// Package audit emits structured records of privileged mutations.
package audit

import (
	"context"
	"time"

	"bestai.org/internal/obs"
	"bestai.org/internal/token"
)

// Event describes one privileged action.
type Event struct {
	Action    string
	TargetID  string
	RequestID string
	Details   map[string]any
}

// Record writes the event as a structured log line, attributing it to the
// identity on the context when one is present.
func Record(ctx context.Context, e Event) {
	entry := map[string]any{
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		"level":  "audit",
		"action": e.Action,
	}
	if e.TargetID != "" {
		entry["target_id"] = e.TargetID
	}
	if e.RequestID != "" {
		entry["request_id"] = e.RequestID
	}
	if ident, ok := token.IdentityFromContext(ctx); ok {
		entry["actor_id"] = ident.UserID
		entry["actor_role"] = ident.Role.String()
	}
	for k, v := range e.Details {
		entry[k] = v
	}
	obs.LogRequest(entry)
}
