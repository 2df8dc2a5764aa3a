package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billable/internal/clock"
	"github.com/smallbiznis/billable/internal/config"
	consumptiondomain "github.com/smallbiznis/billable/internal/consumption/domain"
	"github.com/smallbiznis/billable/internal/events"
	obsmetrics "github.com/smallbiznis/billable/internal/observability/metrics"
	"github.com/smallbiznis/billable/pkg/errs"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Consumption consumptiondomain.Service
	Dispatcher  *events.Dispatcher
	Engine      *config.EngineConfigHolder `optional:"true"`
	Config      Config                     `optional:"true"`
}

// Scheduler runs the background ledger jobs: the expiry sweep and the outbox
// dispatch. Both are safe to run on several instances at once.
type Scheduler struct {
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	consumption consumptiondomain.Service
	dispatcher  *events.Dispatcher
	engine      *config.EngineConfigHolder
	static      Config

	mu      sync.Mutex
	nextRun map[string]time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Consumption == nil || p.Dispatcher == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		genID:       p.GenID,
		clock:       p.Clock,
		consumption: p.Consumption,
		dispatcher:  p.Dispatcher,
		engine:      p.Engine,
		static:      p.Config,
		nextRun:     map[string]time.Time{},
	}, nil
}

// config prefers the live engine config so interval edits apply on the next tick.
func (s *Scheduler) config() Config {
	if s.engine != nil {
		cfg := FromEngine(s.engine.Get())
		cfg.JobTimeout = s.static.JobTimeout
		cfg.EnabledJobs = s.static.EnabledJobs
		return cfg.withDefaults()
	}
	return s.static.withDefaults()
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err == nil {
		return nil
	}

	schedMetrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	if errs.Retryable(err) {
		s.log.Info("job hit contention, retrying next tick",
			zap.String("job", name),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job whose interval has elapsed.
func (s *Scheduler) RunOnce(parent context.Context) error {
	cfg := s.config()
	now := s.clock.Now()

	jobs := []struct {
		Name     string
		Interval time.Duration
		Run      func(context.Context) error
	}{
		{obsmetrics.JobExpireBatches, cfg.ExpiryInterval, s.ExpireBatchesJob},
		{obsmetrics.JobDispatchEvents, cfg.DispatchInterval, s.DispatchEventsJob},
	}

	var err error
	for _, job := range jobs {
		if !cfg.isJobEnabled(job.Name) || !s.due(job.Name, now, job.Interval) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) due(job string, now time.Time, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next, ok := s.nextRun[job]; ok && now.Before(next) {
		return false
	}
	s.nextRun[job] = now.Add(interval)
	return true
}

func (s *Scheduler) RunForever(ctx context.Context) {
	tick := s.config().tick()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	nextRun := time.Now().Add(tick)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		if next := s.config().tick(); next != tick {
			tick = next
			ticker.Reset(tick)
		}
		nextRun = time.Now().Add(tick)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c Config) isJobEnabled(jobName string) bool {
	if len(c.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range c.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ExpireBatchesJob marks overdue ACTIVE batches EXPIRED, one bounded batch at
// a time, until none remain.
func (s *Scheduler) ExpireBatchesJob(ctx context.Context) error {
	cfg := s.config()
	ctx, run := s.startRun(ctx, obsmetrics.JobExpireBatches, cfg.ExpiryBatchSize)

	var jobErr error
	for {
		if err := ctx.Err(); err != nil {
			jobErr = err
			break
		}
		expired, err := s.consumption.ExpireBatches(ctx, cfg.ExpiryBatchSize)
		if err != nil {
			jobErr = err
			break
		}
		run.AddProcessed(int(expired))
		if expired < int64(cfg.ExpiryBatchSize) {
			break
		}
	}

	s.logJobFinish(run, "quota_batches", jobErr)
	return jobErr
}

// DispatchEventsJob hands committed outbox events to the configured sink.
func (s *Scheduler) DispatchEventsJob(ctx context.Context) error {
	ctx, run := s.startRun(ctx, obsmetrics.JobDispatchEvents, 0)
	delivered, err := s.dispatcher.Drain(ctx)
	run.AddProcessed(delivered)
	s.logJobFinish(run, "outbox_events", err)
	return err
}
