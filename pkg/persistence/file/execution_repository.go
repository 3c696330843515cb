package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/flowmill/flowmill/pkg/models"
	"github.com/flowmill/flowmill/pkg/persistence"
)

// ExecutionRepository stores one JSON file per flow execution. The shared
// mutex makes read-modify-write cycles atomic within the process, which is
// what UpdateIfStatus relies on.
type ExecutionRepository struct {
	root string
	mu   *sync.Mutex
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(root string, mu *sync.Mutex) *ExecutionRepository {
	return &ExecutionRepository{root: root, mu: mu}
}

func (r *ExecutionRepository) dir() string {
	return filepath.Join(r.root, "executions")
}

func (r *ExecutionRepository) path(id string) string {
	return filepath.Join(r.dir(), id+".json")
}

// Create persists a new flow execution.
func (r *ExecutionRepository) Create(_ context.Context, execution *models.FlowExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.write(execution)
}

// ByID retrieves a flow execution by its ID.
func (r *ExecutionRepository) ByID(_ context.Context, id string) (*models.FlowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.read(id)
}

// ListByStatuses returns executions in any of the given statuses, oldest first.
func (r *ExecutionRepository) ListByStatuses(_ context.Context, statuses ...models.ExecutionStatus) ([]*models.FlowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[models.ExecutionStatus]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}

	return r.list(func(execution *models.FlowExecution) bool {
		return wanted[execution.Status]
	})
}

// ActiveByAutomation returns the non-terminal executions of an automation.
func (r *ExecutionRepository) ActiveByAutomation(_ context.Context, automationID string) ([]*models.FlowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.list(func(execution *models.FlowExecution) bool {
		return execution.AutomationID == automationID && !execution.IsTerminal()
	})
}

// ListByAutomation returns every execution of an automation, newest first.
func (r *ExecutionRepository) ListByAutomation(_ context.Context, automationID string) ([]*models.FlowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	executions, err := r.list(func(execution *models.FlowExecution) bool {
		return execution.AutomationID == automationID
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].CreatedAt.After(executions[j].CreatedAt)
	})

	return executions, nil
}

// UpdateIfStatus persists the execution only if the stored status still
// matches expected. Returns false when another actor already moved the row.
func (r *ExecutionRepository) UpdateIfStatus(_ context.Context, execution *models.FlowExecution, expected models.ExecutionStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.read(execution.ID)
	if err != nil {
		return false, err
	}

	if stored.Status != expected {
		return false, nil
	}

	return true, r.write(execution)
}

// FailStaleRunning force-fails running executions created before the cutoff.
func (r *ExecutionRepository) FailStaleRunning(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()

	return r.failWhere(func(execution *models.FlowExecution) (bool, string) {
		if execution.Status != models.ExecutionStatusRunning || !execution.CreatedAt.Before(cutoff) {
			return false, ""
		}

		elapsed := int(now.Sub(execution.CreatedAt).Minutes())

		return true, fmt.Sprintf("Execution timed out after %d minutes in running state", elapsed)
	}, now)
}

// FailStaleScheduled force-fails scheduled executions whose fire time passed
// the cutoff without the row ever being picked up. Staleness is measured from
// the fire time, not the row's age; rows with no fire time fall back to
// created_at.
func (r *ExecutionRepository) FailStaleScheduled(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()

	return r.failWhere(func(execution *models.FlowExecution) (bool, string) {
		if execution.Status != models.ExecutionStatusScheduled {
			return false, ""
		}

		dueSince := execution.CreatedAt
		if fireTime := execution.FireTime(); fireTime != nil {
			dueSince = *fireTime
		}

		if !dueSince.Before(cutoff) {
			return false, ""
		}

		return true, "Scheduled execution expired before firing"
	}, now)
}

func (r *ExecutionRepository) failWhere(match func(*models.FlowExecution) (bool, string), now time.Time) (int64, error) {
	executions, err := r.list(func(*models.FlowExecution) bool { return true })
	if err != nil {
		return 0, err
	}

	var failed int64

	for _, execution := range executions {
		ok, message := match(execution)
		if !ok {
			continue
		}

		execution.Status = models.ExecutionStatusFailed
		execution.ErrorMessage = message
		execution.CompletedAt = &now

		if err := r.write(execution); err != nil {
			return failed, err
		}

		failed++
	}

	return failed, nil
}

func (r *ExecutionRepository) list(match func(*models.FlowExecution) bool) ([]*models.FlowExecution, error) {
	entries, err := fs.Glob(os.DirFS(r.dir()), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list execution files: %w", err)
	}

	executions := make([]*models.FlowExecution, 0, len(entries))

	for _, entry := range entries {
		execution, err := r.read(entry[:len(entry)-len(".json")])
		if err != nil {
			return nil, err
		}

		if match(execution) {
			executions = append(executions, execution)
		}
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].CreatedAt.Before(executions[j].CreatedAt)
	})

	return executions, nil
}

func (r *ExecutionRepository) read(id string) (*models.FlowExecution, error) {
	data, err := os.ReadFile(r.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to read execution %s: %w", id, err)
	}

	var execution models.FlowExecution

	err = json.Unmarshal(data, &execution)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution %s: %w", id, err)
	}

	return &execution, nil
}

func (r *ExecutionRepository) write(execution *models.FlowExecution) error {
	err := os.MkdirAll(r.dir(), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create executions directory: %w", err)
	}

	data, err := json.MarshalIndent(execution, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal execution %s: %w", execution.ID, err)
	}

	err = os.WriteFile(r.path(execution.ID), data, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write execution %s: %w", execution.ID, err)
	}

	return nil
}
