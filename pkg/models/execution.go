// Package models defines the core domain models for automation flow execution.
package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the lifecycle state of a flow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"   // Created, waiting for the next tick or worker pickup
	ExecutionStatusScheduled ExecutionStatus = "scheduled" // Waiting for its fire time
	ExecutionStatusRunning   ExecutionStatus = "running"   // At least one step dispatched
	ExecutionStatusCompleted ExecutionStatus = "completed" // All steps finished successfully
	ExecutionStatusFailed    ExecutionStatus = "failed"    // A step failed or a timeout was exceeded
	ExecutionStatusCancelled ExecutionStatus = "cancelled" // Stopped by the user or a disabled automation
	ExecutionStatusPaused    ExecutionStatus = "paused"    // Suspended by the user, resumable
	ExecutionStatusStopped   ExecutionStatus = "stopped"   // Halted by the user, not resumable
)

// Terminal reports whether no further transitions are allowed from this status.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// StepResultStatus represents the state of a single step result record.
type StepResultStatus string

const (
	StepResultStatusPending   StepResultStatus = "pending"
	StepResultStatusCompleted StepResultStatus = "completed"
	StepResultStatusFailed    StepResultStatus = "failed"
)

// StepResult is one entry of the append-only result log of an execution.
// A pending record doubles as the dispatch-once marker for its step.
type StepResult struct {
	StepNumber int              `json:"step_number"` // 1-based
	Content    string           `json:"content"`
	Response   json.RawMessage  `json:"response,omitempty"`
	Status     StepResultStatus `json:"status"`
	Timestamp  time.Time        `json:"timestamp"`
	Error      string           `json:"error,omitempty"`
}

// FlowExecution is one run (or scheduled future run) of an automation's step
// sequence. Steps are captured at creation time and never change afterwards;
// results are append-only while the execution is live.
type FlowExecution struct {
	ID           string `json:"id"`
	AutomationID string `json:"automation_id" validate:"required"`
	ThreadID     string `json:"thread_id"     validate:"required"`
	UserID       string `json:"user_id"       validate:"required"`

	Status      ExecutionStatus `json:"status"`
	Steps       []string        `json:"steps" validate:"required,min=1"`
	Results     []StepResult    `json:"results"`
	CurrentStep int             `json:"current_step"`

	ProjectContext string `json:"project_context,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`

	IsScheduled      bool       `json:"is_scheduled"`
	CronExpression   *string    `json:"cron_expression,omitempty"`
	ScheduledFor     *time.Time `json:"scheduled_for,omitempty"`
	NextScheduledRun *time.Time `json:"next_scheduled_run,omitempty"`
	HasEndTime       bool       `json:"has_end_time"`
	EndTime          *time.Time `json:"end_time,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

var (
	// ErrInvalidSchedule is returned when a scheduled execution carries neither
	// a cron expression nor a one-time fire timestamp, or carries both.
	ErrInvalidSchedule = errors.New("invalid schedule configuration")

	// ErrNoSteps is returned when an execution is created without steps.
	ErrNoSteps = errors.New("execution requires at least one step")
)

// NewFlowExecution creates an immediate (pending) execution for an automation.
func NewFlowExecution(automationID, threadID, userID string, steps []string, projectContext string) (*FlowExecution, error) {
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}

	return &FlowExecution{
		ID:             uuid.New().String(),
		AutomationID:   automationID,
		ThreadID:       threadID,
		UserID:         userID,
		Status:         ExecutionStatusPending,
		Steps:          steps,
		Results:        []StepResult{},
		CurrentStep:    0,
		ProjectContext: projectContext,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// NewScheduledExecution creates a scheduled execution. Exactly one of
// cronExpression or scheduledFor must be provided; for a cron schedule the
// first fire time is computed from now.
func NewScheduledExecution(
	automationID, threadID, userID string,
	steps []string,
	projectContext string,
	cronExpression *string,
	scheduledFor *time.Time,
) (*FlowExecution, error) {
	execution, err := NewFlowExecution(automationID, threadID, userID, steps, projectContext)
	if err != nil {
		return nil, err
	}

	execution.Status = ExecutionStatusScheduled
	execution.IsScheduled = true

	switch {
	case cronExpression != nil && scheduledFor == nil:
		next, err := NextCronTime(*cronExpression, time.Now().UTC())
		if err != nil {
			return nil, err
		}

		execution.CronExpression = cronExpression
		execution.NextScheduledRun = &next
	case scheduledFor != nil && cronExpression == nil:
		execution.ScheduledFor = scheduledFor
	default:
		return nil, ErrInvalidSchedule
	}

	return execution, nil
}

// IsTerminal reports whether the execution reached a final status.
func (e *FlowExecution) IsTerminal() bool {
	return e.Status.Terminal()
}

// IsRecurring reports whether a new occurrence must be created once this
// execution terminates.
func (e *FlowExecution) IsRecurring() bool {
	return e.IsScheduled && e.CronExpression != nil && *e.CronExpression != ""
}

// FireTime returns the time a scheduled execution is due to start, either the
// one-time timestamp or the precomputed next cron occurrence.
func (e *FlowExecution) FireTime() *time.Time {
	if e.ScheduledFor != nil {
		return e.ScheduledFor
	}

	return e.NextScheduledRun
}

// IsDue reports whether the execution may be processed at the given instant.
// Pending and running executions are always due; scheduled executions are due
// once their fire time has passed.
func (e *FlowExecution) IsDue(now time.Time) bool {
	switch e.Status {
	case ExecutionStatusPending, ExecutionStatusRunning:
		return true
	case ExecutionStatusScheduled:
		fireTime := e.FireTime()

		return fireTime != nil && !fireTime.After(now)
	default:
		return false
	}
}

// ResultForStep returns the latest result record for the given 1-based step
// number, or nil when the step has never been dispatched.
func (e *FlowExecution) ResultForStep(stepNumber int) *StepResult {
	for i := len(e.Results) - 1; i >= 0; i-- {
		if e.Results[i].StepNumber == stepNumber {
			return &e.Results[i]
		}
	}

	return nil
}

// HasPendingResult reports whether a dispatch is already in flight for the
// given step number.
func (e *FlowExecution) HasPendingResult(stepNumber int) bool {
	result := e.ResultForStep(stepNumber)

	return result != nil && result.Status == StepResultStatusPending
}

// CompletedSteps counts results that settled as completed.
func (e *FlowExecution) CompletedSteps() int {
	count := 0

	for _, result := range e.Results {
		if result.Status == StepResultStatusCompleted {
			count++
		}
	}

	return count
}
