package adapter

import (
	"context"

	"document-refinery/internal/domain/model"
)

// TransitionNotifier receives every committed job transition. Implementations
// must never fail the originating job: errors stay on the notifier's side.
type TransitionNotifier interface {
	JobUpdated(ctx context.Context, job *model.Job, prevStatus model.JobStatus, prevStage model.JobStage)
}

// NoopNotifier is used where transition fan-out is not wired (tests, tools).
type NoopNotifier struct{}

func (NoopNotifier) JobUpdated(context.Context, *model.Job, model.JobStatus, model.JobStage) {}
