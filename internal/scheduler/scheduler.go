// Package scheduler drives the periodic maintenance work: equity snapshots,
// candle-cache retention, probability-model upkeep, and regime updates. The
// coordinator holds the logic; the scheduler holds the cadence.
package scheduler

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

// Job names as they appear in logs and metric labels.
const (
	JobEquitySnapshot  = "equity_snapshot"
	JobCandleRetention = "candle_retention"
	JobProbValidation  = "prob_validation"
	JobProbRetrain     = "prob_retrain"
	JobRegimeUpdate    = "regime_update"
)

// JobFunc is one schedulable unit of work. It must honor the context
// deadline and return a report for the run log.
type JobFunc func(ctx context.Context) (Report, error)

type job struct {
	name     string
	interval time.Duration
	fn       JobFunc
}

// Scheduler runs each registered job on its own jittered interval. Every
// run gets a fresh timeout context, so one stuck job can neither delay its
// siblings nor wedge shutdown.
type Scheduler struct {
	jobs    []job
	jitter  float64
	timeout time.Duration
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
}

// New builds an empty scheduler from config. Jitter is clamped to [0, 0.5]
// of the interval; the per-run timeout defaults to 60 seconds.
func New(cfg config.SchedulerConfig, logger core.ILogger, metrics *telemetry.MetricsHolder) *Scheduler {
	jitter := cfg.JitterFraction
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 0.5 {
		jitter = 0.5
	}
	timeout := time.Duration(cfg.JobTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Scheduler{
		jitter:  jitter,
		timeout: timeout,
		logger:  logger.WithField("component", "scheduler"),
		metrics: metrics,
	}
}

// Register adds one job. Jobs with a non-positive interval are dropped,
// which is how config disables a job.
func (s *Scheduler) Register(name string, interval time.Duration, fn JobFunc) {
	if interval <= 0 {
		s.logger.Info("Job disabled", "job", name)
		return
	}
	s.jobs = append(s.jobs, job{name: name, interval: interval, fn: fn})
}

// RegisterCoordinator adds the five standard maintenance jobs with the
// intervals from config.
func (s *Scheduler) RegisterCoordinator(cfg config.SchedulerConfig, c *Coordinator) {
	s.Register(JobEquitySnapshot, time.Duration(cfg.EquitySnapshotSecs)*time.Second, c.EquitySnapshot)
	s.Register(JobCandleRetention, time.Duration(cfg.CandleRetentionSecs)*time.Second, c.EnforceCandleRetention)
	s.Register(JobProbValidation, time.Duration(cfg.ProbValidationSecs)*time.Second, c.ProbValidation)
	s.Register(JobProbRetrain, time.Duration(cfg.ProbRetrainSecs)*time.Second, c.ProbRetrain)
	s.Register(JobRegimeUpdate, time.Duration(cfg.RegimeUpdateSecs)*time.Second, c.UpdateRegime)
}

// Run drives every job loop until the context is canceled. Job errors are
// logged and counted, never fatal.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.jobs) == 0 {
		s.logger.Info("No jobs registered, scheduler idle")
		<-ctx.Done()
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		j := j
		g.Go(func() error {
			s.loop(ctx, j)
			return nil
		})
	}
	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	_ = g.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	timer := time.NewTimer(s.next(j.interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.runOnce(ctx, j)
			timer.Reset(s.next(j.interval))
		}
	}
}

func (s *Scheduler) runOnce(parent context.Context, j job) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	start := time.Now()
	report, err := j.fn(ctx)
	elapsed := time.Since(start)

	s.metrics.IncSchedulerRuns(parent, j.name)
	if err != nil {
		s.metrics.IncSchedulerFailures(parent, j.name)
		s.logger.Warn("Scheduled job failed",
			"job", j.name, "elapsed", elapsed.String(), "error", err.Error())
		return
	}
	s.logger.Debug("Scheduled job finished",
		"job", j.name, "elapsed", elapsed.String(), "report", report)
}

// next jitters the interval so jobs sharing a period drift apart instead of
// firing in lockstep.
func (s *Scheduler) next(interval time.Duration) time.Duration {
	if s.jitter == 0 {
		return interval
	}
	spread := s.jitter * float64(interval)
	return interval + time.Duration((2*rand.Float64()-1)*spread)
}
