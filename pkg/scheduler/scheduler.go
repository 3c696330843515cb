// Package scheduler drives flow executions forward on a fixed tick: it sweeps
// stale rows, finds due executions and hands at most one per automation to the
// step dispatcher.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowmill/flowmill/pkg/models"
	"github.com/flowmill/flowmill/pkg/otelhelper"
	"github.com/flowmill/flowmill/pkg/persistence"
)

const (
	defaultTickInterval        = time.Minute
	defaultStaleRunningAfter   = 15 * time.Minute
	defaultStaleScheduledAfter = time.Hour
)

// Processor advances one execution by one step. Satisfied by dispatcher.Dispatcher.
type Processor interface {
	Process(ctx context.Context, execution *models.FlowExecution) error
}

// Config holds the scheduler tunables.
type Config struct {
	// TickInterval is the pause between scheduler passes.
	TickInterval time.Duration

	// StaleRunningAfter is how long an execution may sit in running before
	// the sweep fails it as abandoned.
	StaleRunningAfter time.Duration

	// StaleScheduledAfter is how long past its fire time a scheduled
	// execution may linger before the sweep expires it.
	StaleScheduledAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}

	if c.StaleRunningAfter <= 0 {
		c.StaleRunningAfter = defaultStaleRunningAfter
	}

	if c.StaleScheduledAfter <= 0 {
		c.StaleScheduledAfter = defaultStaleScheduledAfter
	}

	return c
}

// TickSummary reports what one scheduler pass did.
type TickSummary struct {
	Due            int
	Automations    int
	Processed      int
	Errors         int
	SweptRunning   int64
	SweptScheduled int64
}

// Scheduler is the tick loop. Multiple instances may run against the same
// store; the dispatcher's conditional writes arbitrate between them.
type Scheduler struct {
	executions persistence.ExecutionRepository
	processor  Processor
	config     Config
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewScheduler creates a scheduler on top of the given store and processor.
func NewScheduler(persist persistence.Persistence, processor Processor, config Config, logger *slog.Logger, tracer trace.Tracer) *Scheduler {
	return &Scheduler{
		executions: persist.Executions(),
		processor:  processor,
		config:     config.withDefaults(),
		logger:     logger.With("module", "scheduler"),
		tracer:     tracer,
	}
}

// Run ticks until the context is done. The first tick fires immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Scheduler started", "tick_interval", s.config.TickInterval)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		summary, err := s.RunTick(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "Scheduler tick failed", "error", err)
		} else if summary.Processed > 0 || summary.SweptRunning > 0 || summary.SweptScheduled > 0 {
			s.logger.InfoContext(ctx, "Scheduler tick finished",
				"due", summary.Due,
				"automations", summary.Automations,
				"processed", summary.Processed,
				"errors", summary.Errors,
				"swept_running", summary.SweptRunning,
				"swept_scheduled", summary.SweptScheduled,
			)
		}

		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Scheduler stopped")

			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunTick performs a single scheduler pass: sweep stale rows, collect due
// executions, process the oldest ready execution of each automation in
// parallel.
func (s *Scheduler) RunTick(ctx context.Context) (TickSummary, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "scheduler.tick")
	defer span.End()

	summary := TickSummary{}
	now := time.Now().UTC()

	// Sweep failures are logged but never block dispatch; a broken sweep query
	// must not stall every due execution until it recovers.
	swept, err := s.executions.FailStaleRunning(ctx, now.Add(-s.config.StaleRunningAfter))
	if err != nil {
		span.RecordError(err)
		s.logger.ErrorContext(ctx, "Failed to sweep stale running executions", "error", err)
	}

	summary.SweptRunning = swept

	expired, err := s.executions.FailStaleScheduled(ctx, now.Add(-s.config.StaleScheduledAfter))
	if err != nil {
		span.RecordError(err)
		s.logger.ErrorContext(ctx, "Failed to sweep stale scheduled executions", "error", err)
	}

	summary.SweptScheduled = expired

	ready, err := s.collectReady(ctx, now)
	if err != nil {
		otelhelper.SetError(span, err)

		return summary, err
	}

	summary.Due = len(ready)

	heads := oldestPerAutomation(ready)
	summary.Automations = len(heads)

	span.SetAttributes(
		attribute.Int("flowmill.tick.due", summary.Due),
		attribute.Int("flowmill.tick.automations", summary.Automations),
	)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)

	for _, execution := range heads {
		wg.Add(1)

		go func(execution *models.FlowExecution) {
			defer wg.Done()

			if err := s.processExecution(ctx, execution); err != nil {
				s.logger.ErrorContext(ctx, "Failed to process execution",
					"execution_id", execution.ID,
					"automation_id", execution.AutomationID,
					"error", err)

				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(execution)
	}

	wg.Wait()

	summary.Errors = failed
	summary.Processed = len(heads) - failed

	return summary, nil
}

// collectReady lists non-terminal executions and keeps the ones due now.
func (s *Scheduler) collectReady(ctx context.Context, now time.Time) ([]*models.FlowExecution, error) {
	candidates, err := s.executions.ListByStatuses(ctx,
		models.ExecutionStatusPending,
		models.ExecutionStatusRunning,
		models.ExecutionStatusScheduled,
	)
	if err != nil {
		return nil, err
	}

	ready := make([]*models.FlowExecution, 0, len(candidates))

	for _, execution := range candidates {
		if execution.IsDue(now) {
			ready = append(ready, execution)
		}
	}

	return ready, nil
}

// oldestPerAutomation keeps one execution per automation so steps of the same
// automation never run in parallel. The input is ordered by creation time, so
// the first hit per automation wins.
func oldestPerAutomation(ready []*models.FlowExecution) []*models.FlowExecution {
	heads := make([]*models.FlowExecution, 0, len(ready))
	seen := make(map[string]struct{}, len(ready))

	for _, execution := range ready {
		if _, ok := seen[execution.AutomationID]; ok {
			continue
		}

		seen[execution.AutomationID] = struct{}{}
		heads = append(heads, execution)
	}

	return heads
}

func (s *Scheduler) processExecution(ctx context.Context, execution *models.FlowExecution) error {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "scheduler.process_execution",
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.AutomationIDKey, execution.AutomationID),
		attribute.Int(otelhelper.StepNumberKey, execution.CurrentStep+1),
	)
	defer span.End()

	if err := s.processor.Process(ctx, execution); err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	return nil
}
