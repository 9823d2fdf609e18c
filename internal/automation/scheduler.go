package automation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// RunResult carries the metrics of one successful pipeline run.
type RunResult struct {
	CardsCreated int
	TokensUsed   int
	CostIncurred float64
}

// Runner drives the generation pipeline headlessly for one rule.
type Runner interface {
	Run(ctx context.Context, rule *Rule) (*RunResult, error)
}

// RunnerFunc adapts a function to a Runner.
type RunnerFunc func(ctx context.Context, rule *Rule) (*RunResult, error)

// Run executes the runner function.
func (f RunnerFunc) Run(ctx context.Context, rule *Rule) (*RunResult, error) {
	return f(ctx, rule)
}

// SweepResult aggregates one sweep's outcome.
type SweepResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
}

// Scheduler sweeps due rules and runs them sequentially. It is invoked by an
// external time-based trigger; it does not tick on its own.
type Scheduler struct {
	store  Store
	runner Runner
	logger *slog.Logger
	now    func() time.Time
}

// SchedulerOption configures the scheduler.
type SchedulerOption func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler creates a sweep scheduler.
func NewScheduler(store Store, runner Runner, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:  store,
		runner: runner,
		logger: slog.Default().With("component", "automation"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep processes every due rule once. Rules run sequentially to bound load
// on the shared upstreams; a failure in one rule never aborts the rest.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.now()
	due, err := s.store.DueRules(ctx, now)
	if err != nil {
		return SweepResult{}, fmt.Errorf("query due rules: %w", err)
	}

	var result SweepResult
	for _, rule := range due {
		result.Processed++
		if err := s.runRule(ctx, rule, TriggerScheduled); err != nil {
			s.logger.Warn("automation rule failed",
				"rule", rule.ID,
				"name", rule.Name,
				"error", err)
			continue
		}
		result.Succeeded++
	}

	s.logger.Info("automation sweep finished",
		"processed", result.Processed,
		"succeeded", result.Succeeded)
	return result, nil
}

// RunNow executes a single rule immediately with a manual trigger, outside
// its schedule. The rule's next_run_at still advances.
func (s *Scheduler) RunNow(ctx context.Context, ruleID string) error {
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}
	return s.runRule(ctx, rule, TriggerManual)
}

// runRule records one execution attempt: the audit row is created in the
// running state before the pipeline is invoked and receives exactly one
// terminal update afterward. next_run_at advances after every attempt,
// successful or not, so a persistently failing rule retries on its normal
// cadence instead of stalling the sweep.
func (s *Scheduler) runRule(ctx context.Context, rule *Rule, trigger Trigger) error {
	started := s.now()
	exec := &Execution{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		Trigger:   trigger,
		Status:    ExecutionRunning,
		StartedAt: started,
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("create execution: %w", err)
	}

	runResult, runErr := s.invoke(ctx, rule)

	next := NextRunTime(rule, started)
	if err := s.store.UpdateNextRun(ctx, rule.ID, next); err != nil {
		s.logger.Error("advance next_run_at failed", "rule", rule.ID, "error", err)
	}

	completed := s.now()
	exec.CompletedAt = &completed
	exec.ProcessingTimeMS = completed.Sub(started).Milliseconds()

	if runErr != nil {
		exec.Status = ExecutionFailed
		exec.ErrorMessage = runErr.Error()
	} else {
		exec.Status = ExecutionCompleted
		if runResult != nil {
			exec.CardsCreated = runResult.CardsCreated
			exec.TokensUsed = runResult.TokensUsed
			exec.CostIncurred = runResult.CostIncurred
		}
	}
	if err := s.store.FinishExecution(ctx, exec); err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	return runErr
}

// invoke runs the pipeline with panic isolation so a misbehaving rule cannot
// abort the sweep.
func (s *Scheduler) invoke(ctx context.Context, rule *Rule) (result *RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	return s.runner.Run(ctx, rule)
}

// NextRunTime computes a rule's next eligible run time from the given moment.
// Unknown frequencies and unparsable custom expressions fall back to daily.
func NextRunTime(rule *Rule, from time.Time) time.Time {
	switch rule.Frequency {
	case FrequencyHourly:
		return from.Add(time.Hour)
	case FrequencyDaily:
		return from.Add(24 * time.Hour)
	case FrequencyWeekly:
		return from.Add(7 * 24 * time.Hour)
	case FrequencyCustom:
		if schedule, err := cron.ParseStandard(rule.CronExpr); err == nil {
			return schedule.Next(from)
		}
		return from.Add(24 * time.Hour)
	default:
		return from.Add(24 * time.Hour)
	}
}
