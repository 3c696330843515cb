// Package persistence provides the data storage abstraction for automations
// and flow executions.
package persistence

import (
	"context"
	"time"

	"github.com/flowmill/flowmill/pkg/models"
)

// ExecutionRepository is the execution store. The flow_executions rows act
// simultaneously as queue, state store and audit log; there is no broker,
// visibility is achieved by status filtering and conditional updates.
type ExecutionRepository interface {
	Create(ctx context.Context, execution *models.FlowExecution) error
	ByID(ctx context.Context, id string) (*models.FlowExecution, error)

	// ListByStatuses returns executions in any of the given statuses, ordered
	// by creation time ascending.
	ListByStatuses(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.FlowExecution, error)

	// ActiveByAutomation returns the non-terminal executions of an automation.
	ActiveByAutomation(ctx context.Context, automationID string) ([]*models.FlowExecution, error)

	// ListByAutomation returns all executions of an automation, newest first.
	ListByAutomation(ctx context.Context, automationID string) ([]*models.FlowExecution, error)

	// UpdateIfStatus persists the execution with an equality precondition on
	// its stored status. It returns false — without error — when the row was
	// already moved past expected by a concurrent actor.
	UpdateIfStatus(ctx context.Context, execution *models.FlowExecution, expected models.ExecutionStatus) (bool, error)

	// FailStaleRunning force-fails running executions created before the
	// cutoff, recording a synthetic error message naming the elapsed minutes.
	// Returns the number of executions reclaimed.
	FailStaleRunning(ctx context.Context, cutoff time.Time) (int64, error)

	// FailStaleScheduled force-fails scheduled executions whose fire time
	// passed the cutoff without the row ever being picked up. Staleness runs
	// from the fire time, so schedules set far in advance are untouched.
	FailStaleScheduled(ctx context.Context, cutoff time.Time) (int64, error)
}

// AutomationRepository stores the owning automations; the engine only reads
// identity and the enabled flag.
type AutomationRepository interface {
	Create(ctx context.Context, automation *models.Automation) error
	ByID(ctx context.Context, id string) (*models.Automation, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

type Persistence interface {
	Executions() ExecutionRepository
	Automations() AutomationRepository
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
