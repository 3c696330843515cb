// Package dispatcher owns the per-step lifecycle of a flow execution: the
// pending placeholder, the agent call, result persistence and the status
// transitions that follow.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowmill/flowmill/pkg/agent"
	"github.com/flowmill/flowmill/pkg/models"
	"github.com/flowmill/flowmill/pkg/persistence"
)

const (
	defaultExecutionTimeout   = 20 * time.Minute
	defaultRecurrenceFallback = time.Hour
)

// AgentClient dispatches one step payload to the execution agent.
type AgentClient interface {
	Dispatch(ctx context.Context, payload agent.StepPayload) (*agent.Result, error)
}

// Config holds the dispatcher tunables.
type Config struct {
	// ExecutionTimeout is the hard ceiling on the total run time of one
	// execution, re-checked before every step dispatch.
	ExecutionTimeout time.Duration

	// RecurrenceFallback is the fixed offset used for the next occurrence
	// when a cron expression stops parsing. Degraded mode, always logged.
	RecurrenceFallback time.Duration
}

func (c Config) withDefaults() Config {
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = defaultExecutionTimeout
	}

	if c.RecurrenceFallback <= 0 {
		c.RecurrenceFallback = defaultRecurrenceFallback
	}

	return c
}

// Dispatcher advances one flow execution by at most one step per call. It is
// shared by the tick-driven scheduler and the queue-driven worker; every
// mutation is a conditional write, so concurrent actors on the same row are
// safe and the loser of a race simply exits.
type Dispatcher struct {
	executions  persistence.ExecutionRepository
	automations persistence.AutomationRepository
	client      AgentClient
	config      Config
	logger      *slog.Logger
}

// NewDispatcher creates a step dispatcher on top of the given store and agent client.
func NewDispatcher(persist persistence.Persistence, client AgentClient, config Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		executions:  persist.Executions(),
		automations: persist.Automations(),
		client:      client,
		config:      config.withDefaults(),
		logger:      logger.With("module", "step_dispatcher"),
	}
}

// Process runs the next step of an execution believed ready. A nil return
// means either the step settled or this attempt lost a race and another actor
// owns the execution now.
func (d *Dispatcher) Process(ctx context.Context, execution *models.FlowExecution) error {
	logger := d.logger.With(
		"execution_id", execution.ID,
		"automation_id", execution.AutomationID,
		"current_step", execution.CurrentStep,
	)

	if execution.IsTerminal() {
		logger.DebugContext(ctx, "Execution already terminal, nothing to do", "status", execution.Status)

		return nil
	}

	if timedOut, err := d.failIfOverTimeout(ctx, execution, logger); timedOut || err != nil {
		return err
	}

	if cancelled, err := d.cancelIfDisabled(ctx, execution, logger); cancelled || err != nil {
		return err
	}

	if execution.Status == models.ExecutionStatusScheduled {
		promoted, err := d.promoteScheduled(ctx, execution, logger)
		if err != nil {
			return err
		}

		if !promoted {
			return nil
		}
	}

	// The previous tick may have run the final step without observing it was
	// the last one.
	if execution.CurrentStep >= len(execution.Steps) {
		return d.finish(ctx, execution, models.ExecutionStatusCompleted, "", logger)
	}

	stepNumber := execution.CurrentStep + 1

	if execution.HasPendingResult(stepNumber) {
		logger.InfoContext(ctx, "Step already has a pending dispatch, skipping", "step_number", stepNumber)

		return nil
	}

	marker, ok, err := d.appendPendingMarker(ctx, execution, stepNumber)
	if err != nil {
		return err
	}

	if !ok {
		logger.InfoContext(ctx, "Lost dispatch race to a concurrent actor", "step_number", stepNumber)

		return nil
	}

	logger.InfoContext(ctx, "Dispatching step to execution agent",
		"step_number", stepNumber, "total_steps", len(execution.Steps))

	result, err := d.client.Dispatch(ctx, agent.NewStepPayload(execution))
	if err != nil {
		return d.settleStep(ctx, execution, marker, &agent.Result{Failed: true, Output: err.Error()}, logger)
	}

	return d.settleStep(ctx, execution, marker, result, logger)
}

// failIfOverTimeout enforces the hard execution timeout.
func (d *Dispatcher) failIfOverTimeout(ctx context.Context, execution *models.FlowExecution, logger *slog.Logger) (bool, error) {
	start := execution.CreatedAt
	if execution.StartedAt != nil {
		start = *execution.StartedAt
	}

	elapsed := time.Since(start)
	if elapsed <= d.config.ExecutionTimeout {
		return false, nil
	}

	message := fmt.Sprintf("Execution exceeded the %s limit after %d minutes",
		d.config.ExecutionTimeout, int(elapsed.Minutes()))

	logger.WarnContext(ctx, "Failing execution over the hard timeout", "elapsed", elapsed)

	return true, d.finish(ctx, execution, models.ExecutionStatusFailed, message, logger)
}

// cancelIfDisabled aborts executions whose automation is gone or disabled.
func (d *Dispatcher) cancelIfDisabled(ctx context.Context, execution *models.FlowExecution, logger *slog.Logger) (bool, error) {
	automation, err := d.automations.ByID(ctx, execution.AutomationID)
	if err != nil {
		if persistence.IsAutomationNotFound(err) {
			logger.WarnContext(ctx, "Automation no longer exists, cancelling execution")

			return true, d.finish(ctx, execution, models.ExecutionStatusCancelled, "Automation was deleted", logger)
		}

		return false, fmt.Errorf("failed to load automation %s: %w", execution.AutomationID, err)
	}

	if automation.Enabled {
		return false, nil
	}

	logger.InfoContext(ctx, "Automation is disabled, cancelling execution")

	return true, d.finish(ctx, execution, models.ExecutionStatusCancelled, "Automation is disabled", logger)
}

// promoteScheduled atomically moves a fired schedule to pending, claiming it
// against concurrent scheduler instances.
func (d *Dispatcher) promoteScheduled(ctx context.Context, execution *models.FlowExecution, logger *slog.Logger) (bool, error) {
	now := time.Now().UTC()
	execution.Status = models.ExecutionStatusPending
	execution.StartedAt = &now

	claimed, err := d.executions.UpdateIfStatus(ctx, execution, models.ExecutionStatusScheduled)
	if err != nil {
		return false, fmt.Errorf("failed to promote scheduled execution: %w", err)
	}

	if !claimed {
		logger.InfoContext(ctx, "Scheduled execution was claimed by a concurrent actor")
	}

	return claimed, nil
}

// appendPendingMarker persists the dispatch-once placeholder for the step and
// promotes the execution to running. The conditional write plus a post-write
// read detect a concurrent dispatcher working the same row.
func (d *Dispatcher) appendPendingMarker(ctx context.Context, execution *models.FlowExecution, stepNumber int) (*models.StepResult, bool, error) {
	expected := execution.Status

	now := time.Now().UTC()
	if execution.StartedAt == nil {
		execution.StartedAt = &now
	}

	execution.Status = models.ExecutionStatusRunning
	execution.Results = append(execution.Results, models.StepResult{
		StepNumber: stepNumber,
		Content:    execution.Steps[stepNumber-1],
		Status:     models.StepResultStatusPending,
		Timestamp:  now,
	})

	written, err := d.executions.UpdateIfStatus(ctx, execution, expected)
	if err != nil {
		return nil, false, fmt.Errorf("failed to persist pending step marker: %w", err)
	}

	if !written {
		return nil, false, nil
	}

	// Two actors can both pass the status precondition when the execution was
	// already running; the marker timestamp disambiguates who owns the step.
	stored, err := d.executions.ByID(ctx, execution.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to re-read execution after marker write: %w", err)
	}

	marker := stored.ResultForStep(stepNumber)
	if marker == nil || !marker.Timestamp.Equal(now) {
		return nil, false, nil
	}

	*execution = *stored

	return marker, true, nil
}

// settleStep records the outcome of a dispatched step and advances or
// terminates the execution.
func (d *Dispatcher) settleStep(ctx context.Context, execution *models.FlowExecution, marker *models.StepResult, result *agent.Result, logger *slog.Logger) error {
	record := execution.ResultForStep(marker.StepNumber)
	if record == nil {
		return fmt.Errorf("pending marker for step %d disappeared", marker.StepNumber)
	}

	record.Timestamp = time.Now().UTC()
	record.Response = result.Raw

	if result.Failed {
		record.Status = models.StepResultStatusFailed
		record.Error = result.Output

		logger.WarnContext(ctx, "Step failed", "step_number", marker.StepNumber, "error", result.Output)

		return d.finishLoaded(ctx, execution, models.ExecutionStatusFailed, result.Output, logger)
	}

	record.Status = models.StepResultStatusCompleted
	execution.CurrentStep++

	logger.InfoContext(ctx, "Step completed", "step_number", marker.StepNumber)

	if execution.CurrentStep >= len(execution.Steps) {
		return d.finishLoaded(ctx, execution, models.ExecutionStatusCompleted, "", logger)
	}

	written, err := d.executions.UpdateIfStatus(ctx, execution, models.ExecutionStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to persist step result: %w", err)
	}

	if !written {
		// The execution was cancelled or reclaimed while the agent worked.
		logger.InfoContext(ctx, "Discarding step result, execution moved on", "step_number", marker.StepNumber)
	}

	return nil
}

// finish reloads the freshest row state before terminating, so results
// persisted by other actors are not lost.
func (d *Dispatcher) finish(ctx context.Context, execution *models.FlowExecution, status models.ExecutionStatus, message string, logger *slog.Logger) error {
	stored, err := d.executions.ByID(ctx, execution.ID)
	if err != nil {
		return fmt.Errorf("failed to load execution for transition: %w", err)
	}

	*execution = *stored

	return d.finishLoaded(ctx, execution, status, message, logger)
}

// finishLoaded moves an execution to a terminal status and, for recurring
// schedules, plants the next occurrence.
func (d *Dispatcher) finishLoaded(ctx context.Context, execution *models.FlowExecution, status models.ExecutionStatus, message string, logger *slog.Logger) error {
	if execution.IsTerminal() {
		return nil
	}

	expected := execution.Status
	now := time.Now().UTC()

	execution.Status = status
	execution.CompletedAt = &now

	if message != "" {
		execution.ErrorMessage = message
	}

	written, err := d.executions.UpdateIfStatus(ctx, execution, expected)
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}

	if !written {
		logger.InfoContext(ctx, "Terminal transition lost to a concurrent actor", "target_status", status)

		return nil
	}

	logger.InfoContext(ctx, "Execution finished", "status", status, "steps_completed", execution.CompletedSteps())

	// A cancelled occurrence ends the chain; respawning it would undo the
	// stop or the disable that caused the cancellation.
	if execution.IsRecurring() && status != models.ExecutionStatusCancelled {
		return d.scheduleNextOccurrence(ctx, execution, logger)
	}

	return nil
}
