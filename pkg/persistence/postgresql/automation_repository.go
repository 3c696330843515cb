package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowmill/flowmill/pkg/models"
	"github.com/flowmill/flowmill/pkg/persistence"
)

// AutomationRepository handles automation database operations.
type AutomationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewAutomationRepository creates a new automation repository.
func NewAutomationRepository(db *sql.DB, logger *slog.Logger) *AutomationRepository {
	return &AutomationRepository{db: db, logger: logger}
}

// Create inserts a new automation row.
func (r *AutomationRepository) Create(ctx context.Context, automation *models.Automation) error {
	query := `
		INSERT INTO automations (id, user_id, thread_id, name, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		automation.ID,
		automation.UserID,
		automation.ThreadID,
		automation.Name,
		automation.Enabled,
		automation.CreatedAt,
		automation.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert automation: %w", err)
	}

	return nil
}

// ByID retrieves an automation by its ID.
func (r *AutomationRepository) ByID(ctx context.Context, id string) (*models.Automation, error) {
	query := `
		SELECT id, user_id, thread_id, name, enabled, created_at, updated_at
		FROM automations
		WHERE id = $1
	`

	var automation models.Automation

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&automation.ID,
		&automation.UserID,
		&automation.ThreadID,
		&automation.Name,
		&automation.Enabled,
		&automation.CreatedAt,
		&automation.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrAutomationNotFound
		}

		return nil, fmt.Errorf("failed to scan automation: %w", err)
	}

	return &automation, nil
}

// SetEnabled toggles the enabled flag of an automation.
func (r *AutomationRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	query := `UPDATE automations SET enabled = $1, updated_at = $2 WHERE id = $3`

	result, err := r.db.ExecContext(ctx, query, enabled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update automation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrAutomationNotFound
	}

	return nil
}
