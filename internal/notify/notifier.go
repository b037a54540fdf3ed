// Package notify fans job progress events out to interested listeners: an
// in-process hub with global and per-job subscriber groups, and an optional
// Redis pub/sub bridge for listeners in other processes.
package notify

import (
	"context"
	"time"

	"github.com/stemforge/orchestrator/internal/jobs/domain"
)

// Event is the progress message emitted on job status transitions.
type Event struct {
	JobID              string           `json:"job_id"`
	Status             domain.JobStatus `json:"status"`
	CurrentStep        string           `json:"current_step,omitempty"`
	ProgressPercentage float64          `json:"progress_percentage"`
	ProgressMessage    string           `json:"progress_message,omitempty"`
	Metadata           map[string]any   `json:"metadata,omitempty"`
	Timestamp          time.Time        `json:"timestamp"`
}

// Notifier receives progress events. Publish must not block the caller; a
// notifier that cannot keep up drops events rather than stalling the
// orchestration loops.
type Notifier interface {
	Publish(ctx context.Context, ev Event)
}

// Multi fans a single Publish out to several notifiers.
type Multi []Notifier

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, n := range m {
		n.Publish(ctx, ev)
	}
}

// Discard is a Notifier that drops every event. Useful in tests and when no
// push channel is configured.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
