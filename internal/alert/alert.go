package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Event types the core emits. Everything else stays in logs.
const (
	EventStartBudgetExhausted   = "gateway_start_budget_exhausted"
	EventRestartBudgetExhausted = "gateway_restart_budget_exhausted"
	EventIdentityPoolExhausted  = "identity_pool_exhausted"
	EventOrderRejected          = "order_rejected"
	EventAssignmentDetected     = "assignment_detected"
	EventAssignmentFailed       = "assignment_compensation_failed"
)

// Event is one structured alert. Fields hold the diagnostic context
// (outcome, required/available margin, error codes).
type Event struct {
	Type       string
	FollowerID uint
	Summary    string
	Fields     map[string]any
	At         time.Time
}

// Sink accepts structured events at the outer boundary. Implementations
// must not block past the context deadline; delivery failures are the
// sink's problem, not the emitting component's.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Render produces a single-line human-readable form of the event, used
// by text-based sinks.
func (ev Event) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] follower=%d %s", ev.Type, ev.FollowerID, ev.Summary)
	if len(ev.Fields) > 0 {
		keys := make([]string, 0, len(ev.Fields))
		for k := range ev.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, ev.Fields[k])
		}
	}
	return b.String()
}

// Multi fans an event out to every sink, returning the first error.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var firstErr error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
