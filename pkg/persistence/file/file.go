// Package file provides file-based persistence for automations and flow
// executions. It is meant for development and tests; conditional updates are
// serialized with an in-process lock, so it must not be shared between
// processes.
package file

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/flowmill/flowmill/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root           string
	executionRepo  *ExecutionRepository
	automationRepo *AutomationRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)
	mu := &sync.Mutex{}

	return &Persistence{
		root:           cleanRoot,
		executionRepo:  NewExecutionRepository(cleanRoot, mu),
		automationRepo: NewAutomationRepository(cleanRoot, mu),
	}
}

// Executions returns the flow execution repository.
func (p *Persistence) Executions() persistence.ExecutionRepository {
	return p.executionRepo
}

// Automations returns the automation repository.
func (p *Persistence) Automations() persistence.AutomationRepository {
	return p.automationRepo
}

// HealthCheck verifies the root directory exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}
