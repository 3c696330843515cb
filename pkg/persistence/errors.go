package persistence

import "errors"

// Standard persistence error types that all implementations should use.
var (
	// ErrExecutionNotFound indicates a flow execution was not found by the given identifier.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrAutomationNotFound indicates an automation was not found by the given identifier.
	ErrAutomationNotFound = errors.New("automation not found")
)

// IsExecutionNotFound checks if an error indicates a missing execution.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsAutomationNotFound checks if an error indicates a missing automation.
func IsAutomationNotFound(err error) bool {
	return errors.Is(err, ErrAutomationNotFound)
}
