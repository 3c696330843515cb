package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flowmill/flowmill/pkg/models"
	"github.com/flowmill/flowmill/pkg/persistence"
)

// AutomationRepository stores one JSON file per automation.
type AutomationRepository struct {
	root string
	mu   *sync.Mutex
}

// NewAutomationRepository creates a new automation repository.
func NewAutomationRepository(root string, mu *sync.Mutex) *AutomationRepository {
	return &AutomationRepository{root: root, mu: mu}
}

func (r *AutomationRepository) dir() string {
	return filepath.Join(r.root, "automations")
}

func (r *AutomationRepository) path(id string) string {
	return filepath.Join(r.dir(), id+".json")
}

// Create persists a new automation.
func (r *AutomationRepository) Create(_ context.Context, automation *models.Automation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.write(automation)
}

// ByID retrieves an automation by its ID.
func (r *AutomationRepository) ByID(_ context.Context, id string) (*models.Automation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.read(id)
}

// SetEnabled toggles the enabled flag of an automation.
func (r *AutomationRepository) SetEnabled(_ context.Context, id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	automation, err := r.read(id)
	if err != nil {
		return err
	}

	automation.Enabled = enabled
	automation.UpdatedAt = time.Now().UTC()

	return r.write(automation)
}

func (r *AutomationRepository) read(id string) (*models.Automation, error) {
	data, err := os.ReadFile(r.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrAutomationNotFound
		}

		return nil, fmt.Errorf("failed to read automation %s: %w", id, err)
	}

	var automation models.Automation

	err = json.Unmarshal(data, &automation)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal automation %s: %w", id, err)
	}

	return &automation, nil
}

func (r *AutomationRepository) write(automation *models.Automation) error {
	err := os.MkdirAll(r.dir(), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create automations directory: %w", err)
	}

	data, err := json.MarshalIndent(automation, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal automation %s: %w", automation.ID, err)
	}

	err = os.WriteFile(r.path(automation.ID), data, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write automation %s: %w", automation.ID, err)
	}

	return nil
}
