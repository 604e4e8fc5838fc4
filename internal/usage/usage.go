// Package usage defines the usage-tracking collaborator contract.
//
// The answer path records one event per LLM call, fire-and-forget: sink
// failures are logged by the caller and never affect the answer.
package usage

import "context"

// Event describes one LLM call for billing/analytics.
type Event struct {
	Model          string
	TokensUsed     int
	LatencySeconds float64
	TenantID       string
	UserID         string
	// Estimated marks TokensUsed as an approximation (streamed responses
	// without backend-reported usage).
	Estimated bool
}

// Tracker receives usage events.
type Tracker interface {
	Record(ctx context.Context, event Event) error
}

// Noop discards all events.
type Noop struct{}

// Record implements Tracker.
func (Noop) Record(context.Context, Event) error { return nil }

// Ensure Noop implements Tracker interface.
var _ Tracker = Noop{}
