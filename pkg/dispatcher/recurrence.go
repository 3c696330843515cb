package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowmill/flowmill/pkg/models"
)

// scheduleNextOccurrence plants a fresh scheduled execution after a recurring
// one terminates. Recurrence is row-based: each occurrence is its own
// execution and the chain lives in the cron expression they share.
func (d *Dispatcher) scheduleNextOccurrence(ctx context.Context, finished *models.FlowExecution, logger *slog.Logger) error {
	now := time.Now().UTC()

	next, err := models.NextCronTime(*finished.CronExpression, now)
	if err != nil {
		// Degraded mode: an expression that validated at creation stopped
		// parsing. Keep the chain alive on a fixed offset instead of
		// silently ending it.
		next = now.Add(d.config.RecurrenceFallback)

		logger.ErrorContext(ctx, "Cron expression no longer parses, using fallback offset",
			"cron_expression", *finished.CronExpression,
			"fallback", d.config.RecurrenceFallback,
			"error", err)
	}

	if finished.HasEndTime && finished.EndTime != nil && next.After(*finished.EndTime) {
		logger.InfoContext(ctx, "Recurrence reached its end time, chain finished",
			"next_fire", next, "end_time", *finished.EndTime)

		return nil
	}

	occurrence := &models.FlowExecution{
		ID:               uuid.New().String(),
		AutomationID:     finished.AutomationID,
		ThreadID:         finished.ThreadID,
		UserID:           finished.UserID,
		Status:           models.ExecutionStatusScheduled,
		Steps:            finished.Steps,
		Results:          []models.StepResult{},
		ProjectContext:   finished.ProjectContext,
		IsScheduled:      true,
		CronExpression:   finished.CronExpression,
		NextScheduledRun: &next,
		HasEndTime:       finished.HasEndTime,
		EndTime:          finished.EndTime,
		CreatedAt:        now,
	}

	if err := d.executions.Create(ctx, occurrence); err != nil {
		return fmt.Errorf("failed to create next occurrence: %w", err)
	}

	logger.InfoContext(ctx, "Scheduled next occurrence",
		"next_execution_id", occurrence.ID, "next_fire", next)

	return nil
}
