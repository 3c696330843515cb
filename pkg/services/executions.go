package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowmill/flowmill/pkg/eventbus"
	"github.com/flowmill/flowmill/pkg/events"
	"github.com/flowmill/flowmill/pkg/models"
	"github.com/flowmill/flowmill/pkg/persistence"
)

const stopAttempts = 3

// Executions owns the request-side lifecycle: creating immediate and
// scheduled executions, stopping them, and the reads the API exposes.
// Processing itself belongs to the scheduler and worker.
type Executions struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
}

// NewExecutions creates the execution service. The publisher is optional;
// when present, newly created pending executions are announced on the bus so
// a worker can pick them up before the next tick.
func NewExecutions(persist persistence.Persistence, publisher eventbus.EventPublisher, logger *slog.Logger) *Executions {
	return &Executions{
		persistence: persist,
		publisher:   publisher,
		logger:      logger.With("module", "execution_service"),
	}
}

// HealthCheck checks the health of the persistence layer.
func (s *Executions) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	if err := s.persistence.HealthCheck(ctx); err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// ExecuteRequest asks for an immediate execution of an automation's steps.
type ExecuteRequest struct {
	AutomationID   string
	ThreadID       string
	UserID         string
	Steps          []string
	ProjectContext string
}

// Execute creates a pending execution after checking the automation exists,
// is enabled and has no execution in flight. The row is picked up
// asynchronously; nothing runs before this returns.
func (s *Executions) Execute(ctx context.Context, req ExecuteRequest) (*models.FlowExecution, error) {
	if err := s.checkAutomation(ctx, req.AutomationID); err != nil {
		return nil, err
	}

	execution, err := models.NewFlowExecution(req.AutomationID, req.ThreadID, req.UserID, req.Steps, req.ProjectContext)
	if err != nil {
		return nil, err
	}

	if err := s.persistence.Executions().Create(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	s.announce(ctx, execution)

	s.logger.InfoContext(ctx, "Created execution",
		"execution_id", execution.ID, "automation_id", execution.AutomationID, "steps", len(execution.Steps))

	return execution, nil
}

// ScheduleRequest asks for a future or recurring execution. Exactly one of
// CronExpression and ScheduledFor must be set.
type ScheduleRequest struct {
	AutomationID   string
	ThreadID       string
	UserID         string
	Steps          []string
	ProjectContext string
	CronExpression *string
	ScheduledFor   *time.Time
	EndTime        *time.Time
}

// Schedule creates a scheduled execution. Cron expressions are validated here
// so a bad schedule fails the request, not a later tick.
func (s *Executions) Schedule(ctx context.Context, req ScheduleRequest) (*models.FlowExecution, error) {
	if err := s.checkAutomation(ctx, req.AutomationID); err != nil {
		return nil, err
	}

	execution, err := models.NewScheduledExecution(
		req.AutomationID, req.ThreadID, req.UserID,
		req.Steps, req.ProjectContext,
		req.CronExpression, req.ScheduledFor,
	)
	if err != nil {
		if IsValidationError(err) {
			return nil, err
		}

		// A cron expression that does not parse is a bad request, same as an
		// ambiguous schedule.
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	if req.EndTime != nil {
		execution.HasEndTime = true
		execution.EndTime = req.EndTime
	}

	if err := s.persistence.Executions().Create(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to create scheduled execution: %w", err)
	}

	s.logger.InfoContext(ctx, "Created scheduled execution",
		"execution_id", execution.ID, "automation_id", execution.AutomationID, "fire_time", execution.FireTime())

	return execution, nil
}

// Stop cancels a non-terminal execution. Retries the conditional write a few
// times because the scheduler may be moving the row at the same moment.
func (s *Executions) Stop(ctx context.Context, id string) (*models.FlowExecution, error) {
	repo := s.persistence.Executions()

	for range stopAttempts {
		execution, err := repo.ByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if execution.IsTerminal() {
			return nil, fmt.Errorf("%w: status %s", ErrExecutionFinished, execution.Status)
		}

		expected := execution.Status
		now := time.Now().UTC()

		execution.Status = models.ExecutionStatusCancelled
		execution.CompletedAt = &now
		execution.ErrorMessage = "Stopped by user"

		written, err := repo.UpdateIfStatus(ctx, execution, expected)
		if err != nil {
			return nil, fmt.Errorf("failed to stop execution: %w", err)
		}

		if written {
			s.logger.InfoContext(ctx, "Execution stopped", "execution_id", id)

			return execution, nil
		}
	}

	return nil, fmt.Errorf("failed to stop execution %s: row kept moving", id)
}

// Get returns one execution.
func (s *Executions) Get(ctx context.Context, id string) (*models.FlowExecution, error) {
	return s.persistence.Executions().ByID(ctx, id)
}

// ListByAutomation returns an automation's executions, newest first.
func (s *Executions) ListByAutomation(ctx context.Context, automationID string) ([]*models.FlowExecution, error) {
	if _, err := s.persistence.Automations().ByID(ctx, automationID); err != nil {
		return nil, err
	}

	return s.persistence.Executions().ListByAutomation(ctx, automationID)
}

// CreateAutomationRequest registers an automation with the engine.
type CreateAutomationRequest struct {
	UserID   string
	ThreadID string
	Name     string
	Enabled  bool
}

// CreateAutomation registers a new automation.
func (s *Executions) CreateAutomation(ctx context.Context, req CreateAutomationRequest) (*models.Automation, error) {
	now := time.Now().UTC()
	automation := &models.Automation{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		ThreadID:  req.ThreadID,
		Name:      req.Name,
		Enabled:   req.Enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.persistence.Automations().Create(ctx, automation); err != nil {
		return nil, fmt.Errorf("failed to create automation: %w", err)
	}

	return automation, nil
}

// SetAutomationEnabled flips the enablement flag. Disabling does not touch
// in-flight executions; the dispatcher cancels them on its next visit.
func (s *Executions) SetAutomationEnabled(ctx context.Context, id string, enabled bool) error {
	return s.persistence.Automations().SetEnabled(ctx, id, enabled)
}

func (s *Executions) checkAutomation(ctx context.Context, automationID string) error {
	automation, err := s.persistence.Automations().ByID(ctx, automationID)
	if err != nil {
		return err
	}

	if !automation.Enabled {
		return fmt.Errorf("%w: %s", ErrAutomationDisabled, automationID)
	}

	active, err := s.persistence.Executions().ActiveByAutomation(ctx, automationID)
	if err != nil {
		return fmt.Errorf("failed to check active executions: %w", err)
	}

	if len(active) > 0 {
		return fmt.Errorf("%w: execution %s is %s", ErrExecutionInFlight, active[0].ID, active[0].Status)
	}

	return nil
}

func (s *Executions) announce(ctx context.Context, execution *models.FlowExecution) {
	if s.publisher == nil {
		return
	}

	event := events.NewStepJobQueued(execution)
	if err := s.publisher.Publish(ctx, execution.AutomationID, event); err != nil {
		// The scheduler tick will find the row anyway.
		s.logger.WarnContext(ctx, "Failed to announce execution on the bus",
			"execution_id", execution.ID, "error", err)
	}
}
