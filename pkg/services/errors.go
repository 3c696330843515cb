// Package services provides the business rules behind the API endpoints.
package services

import (
	"errors"

	"github.com/flowmill/flowmill/pkg/models"
	"github.com/flowmill/flowmill/pkg/persistence"
)

var (
	// ErrAutomationNotFound is returned when the target automation does not exist.
	ErrAutomationNotFound = persistence.ErrAutomationNotFound

	// ErrExecutionNotFound is returned when the target execution does not exist.
	ErrExecutionNotFound = persistence.ErrExecutionNotFound

	// ErrAutomationDisabled rejects execution requests for disabled automations.
	ErrAutomationDisabled = errors.New("automation is disabled")

	// ErrExecutionInFlight rejects a new execution while the automation still
	// has a non-terminal one.
	ErrExecutionInFlight = errors.New("automation already has an active execution")

	// ErrExecutionFinished rejects a stop on an already terminal execution.
	ErrExecutionFinished = errors.New("execution already finished")

	// ErrInvalidSchedule is returned for a schedule carrying neither or both
	// of cron expression and fire timestamp.
	ErrInvalidSchedule = models.ErrInvalidSchedule
)

// IsValidationError checks if an error should map to HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidSchedule) || errors.Is(err, models.ErrNoSteps)
}

// IsConflictError checks if an error should map to HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrExecutionInFlight) || errors.Is(err, ErrExecutionFinished)
}

// IsDisabledError checks if an error should map to HTTP 422.
func IsDisabledError(err error) bool {
	return errors.Is(err, ErrAutomationDisabled)
}
