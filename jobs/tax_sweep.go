package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/expensedesk/expensedesk/internal/jobs"
)

// TaskTaxSweep is the task type for the monthly tax-collection sweep.
const TaskTaxSweep = "tax:collection-sweep"

// TaxSweeper runs one collection pass over the previous calendar month.
type TaxSweeper interface {
	SweepPreviousMonth(ctx context.Context, now time.Time) (int, error)
}

type taxSweepPayload struct {
	RequestedAt time.Time `json:"requestedAt"`
}

// NewTaxSweepTask constructs the sweep task.
func NewTaxSweepTask() (*asynq.Task, error) {
	data, err := json.Marshal(taxSweepPayload{RequestedAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTaxSweep, data), nil
}

// TaxSweepJob adapts the tax service to an Asynq handler.
type TaxSweepJob struct {
	sweeper TaxSweeper
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewTaxSweepJob constructs the job. metrics may be nil.
func NewTaxSweepJob(sweeper TaxSweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *TaxSweepJob {
	return &TaxSweepJob{sweeper: sweeper, logger: logger, metrics: metrics}
}

// Handle processes TaskTaxSweep tasks. The sweep itself is idempotent, so a
// retried task collects nothing twice.
func (j *TaxSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload taxSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.metrics.Track(TaskTaxSweep)

	collected, err := j.sweeper.SweepPreviousMonth(ctx, time.Now().UTC())
	if err != nil {
		j.logger.Error("tax sweep", slog.Any("error", err))
		return tracker.End(err)
	}
	j.metrics.AddCollected(collected)
	j.logger.Info("tax sweep complete",
		slog.Int("collected", collected),
		slog.Time("requestedAt", payload.RequestedAt))
	return tracker.End(nil)
}
