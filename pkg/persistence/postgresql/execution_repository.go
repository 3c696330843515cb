package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/flowmill/flowmill/pkg/models"
	"github.com/flowmill/flowmill/pkg/persistence"
)

const executionColumns = `
	id, automation_id, thread_id, user_id, status, steps, results, current_step,
	project_context, error_message, is_scheduled, cron_expression, scheduled_for,
	next_scheduled_run, has_end_time, end_time, created_at, started_at, completed_at
`

// ExecutionRepository handles flow execution database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// Create inserts a new flow execution row.
func (r *ExecutionRepository) Create(ctx context.Context, execution *models.FlowExecution) error {
	stepsJSON, resultsJSON, err := marshalPlan(execution)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO flow_executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.AutomationID,
		execution.ThreadID,
		execution.UserID,
		execution.Status,
		stepsJSON,
		resultsJSON,
		execution.CurrentStep,
		execution.ProjectContext,
		execution.ErrorMessage,
		execution.IsScheduled,
		execution.CronExpression,
		execution.ScheduledFor,
		execution.NextScheduledRun,
		execution.HasEndTime,
		execution.EndTime,
		execution.CreatedAt,
		execution.StartedAt,
		execution.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	return nil
}

// ByID retrieves a flow execution by its ID.
func (r *ExecutionRepository) ByID(ctx context.Context, id string) (*models.FlowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM flow_executions WHERE id = $1`

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

// ListByStatuses returns executions in any of the given statuses, oldest first.
func (r *ExecutionRepository) ListByStatuses(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.FlowExecution, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}

	query := `
		SELECT ` + executionColumns + `
		FROM flow_executions
		WHERE status = ANY($1)
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(values))
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	return r.collect(ctx, rows)
}

// ActiveByAutomation returns the non-terminal executions of an automation.
func (r *ExecutionRepository) ActiveByAutomation(ctx context.Context, automationID string) ([]*models.FlowExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM flow_executions
		WHERE automation_id = $1
		  AND status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, automationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active executions: %w", err)
	}

	return r.collect(ctx, rows)
}

// ListByAutomation returns every execution of an automation, newest first.
func (r *ExecutionRepository) ListByAutomation(ctx context.Context, automationID string) ([]*models.FlowExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM flow_executions
		WHERE automation_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, automationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	return r.collect(ctx, rows)
}

// UpdateIfStatus persists the mutable fields of an execution, guarded by an
// equality precondition on the stored status. A zero-row update means a
// concurrent actor already moved the row and is reported as (false, nil).
func (r *ExecutionRepository) UpdateIfStatus(ctx context.Context, execution *models.FlowExecution, expected models.ExecutionStatus) (bool, error) {
	_, resultsJSON, err := marshalPlan(execution)
	if err != nil {
		return false, err
	}

	query := `
		UPDATE flow_executions
		SET status = $1,
			results = $2,
			current_step = $3,
			error_message = $4,
			next_scheduled_run = $5,
			started_at = $6,
			completed_at = $7
		WHERE id = $8 AND status = $9
	`

	result, err := r.db.ExecContext(ctx, query,
		execution.Status,
		resultsJSON,
		execution.CurrentStep,
		execution.ErrorMessage,
		execution.NextScheduledRun,
		execution.StartedAt,
		execution.CompletedAt,
		execution.ID,
		expected,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected == 1, nil
}

// FailStaleRunning force-fails running executions created before the cutoff.
// The synthetic error message names the elapsed minutes so a reclaimed
// execution is distinguishable from an agent failure.
func (r *ExecutionRepository) FailStaleRunning(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE flow_executions
		SET status = 'failed',
			error_message = 'Execution timed out after '
				|| FLOOR(EXTRACT(EPOCH FROM (NOW() - created_at)) / 60)::INT
				|| ' minutes in running state',
			completed_at = NOW()
		WHERE status = 'running' AND created_at < $1
	`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale running executions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected, nil
}

// FailStaleScheduled force-fails scheduled executions whose fire time passed
// the cutoff without the row ever being picked up. Staleness is measured from
// the fire time, not the row's age: a schedule set far in advance stays
// waiting until it is overdue. Rows with no fire time at all fall back to
// created_at.
func (r *ExecutionRepository) FailStaleScheduled(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE flow_executions
		SET status = 'failed',
			error_message = 'Scheduled execution expired before firing',
			completed_at = NOW()
		WHERE status = 'scheduled'
			AND COALESCE(scheduled_for, next_scheduled_run, created_at) < $1
	`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale scheduled executions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected, nil
}

func (r *ExecutionRepository) collect(ctx context.Context, rows *sql.Rows) ([]*models.FlowExecution, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var executions []*models.FlowExecution

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func marshalPlan(execution *models.FlowExecution) (stepsJSON, resultsJSON []byte, err error) {
	stepsJSON, err = json.Marshal(execution.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal steps: %w", err)
	}

	results := execution.Results
	if results == nil {
		results = []models.StepResult{}
	}

	resultsJSON, err = json.Marshal(results)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal results: %w", err)
	}

	return stepsJSON, resultsJSON, nil
}

// scanExecution scans a flow execution from a database row.
func scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*models.FlowExecution, error) {
	var (
		execution              models.FlowExecution
		stepsJSON, resultsJSON []byte
	)

	err := scanner.Scan(
		&execution.ID,
		&execution.AutomationID,
		&execution.ThreadID,
		&execution.UserID,
		&execution.Status,
		&stepsJSON,
		&resultsJSON,
		&execution.CurrentStep,
		&execution.ProjectContext,
		&execution.ErrorMessage,
		&execution.IsScheduled,
		&execution.CronExpression,
		&execution.ScheduledFor,
		&execution.NextScheduledRun,
		&execution.HasEndTime,
		&execution.EndTime,
		&execution.CreatedAt,
		&execution.StartedAt,
		&execution.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(stepsJSON, &execution.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	err = json.Unmarshal(resultsJSON, &execution.Results)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal results: %w", err)
	}

	return &execution, nil
}
