package scheduler

import (
	"context"
	"time"

	obsmetrics "github.com/smallbiznis/billable/internal/observability/metrics"
	"github.com/smallbiznis/billable/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

type jobRun struct {
	job            string
	runID          string
	batchSize      int
	startedAt      time.Time
	processedCount int
}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (s *Scheduler) startRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun) {
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	ctx = correlation.ContextWithCorrelationID(ctx, run.runID)
	return ctx, run
}

func (s *Scheduler) logJobFinish(run *jobRun, resource string, err error) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
		zap.Int("processed", run.processedCount),
		zap.Duration("elapsed", s.clock.Now().Sub(run.startedAt)),
	}
	obsmetrics.Scheduler().AddBatchProcessed(run.job, resource, run.processedCount)
	if err != nil {
		s.log.Warn("scheduler job failed", append(fields,
			zap.String("reason", obsmetrics.ClassifySchedulerJobReason(err)),
			zap.Error(err),
		)...)
		return
	}
	if run.processedCount > 0 {
		s.log.Info("scheduler job finished", fields...)
		return
	}
	s.log.Debug("scheduler job idle", fields...)
}
