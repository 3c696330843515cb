package models_test

import (
	"testing"
	"time"

	"github.com/flowmill/flowmill/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFlowExecution(t *testing.T) {
	t.Parallel()

	execution, err := models.NewFlowExecution("auto-1", "thread-1", "user-1", []string{"step one", "step two"}, "ctx")
	require.NoError(t, err)

	assert.NotEmpty(t, execution.ID)
	assert.Equal(t, models.ExecutionStatusPending, execution.Status)
	assert.Equal(t, 0, execution.CurrentStep)
	assert.Empty(t, execution.Results)
	assert.False(t, execution.IsScheduled)
	assert.False(t, execution.IsTerminal())
	assert.False(t, execution.CreatedAt.IsZero())
}

func TestNewFlowExecutionRequiresSteps(t *testing.T) {
	t.Parallel()

	_, err := models.NewFlowExecution("auto-1", "thread-1", "user-1", nil, "")
	require.ErrorIs(t, err, models.ErrNoSteps)
}

func TestNewScheduledExecution(t *testing.T) {
	t.Parallel()

	cronExpr := "*/5 * * * *"
	oneTime := time.Now().UTC().Add(time.Hour)

	tests := []struct {
		name         string
		cron         *string
		scheduledFor *time.Time
		wantErr      bool
	}{
		{name: "cron schedule", cron: &cronExpr},
		{name: "one-time schedule", scheduledFor: &oneTime},
		{name: "neither", wantErr: true},
		{name: "both", cron: &cronExpr, scheduledFor: &oneTime, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			execution, err := models.NewScheduledExecution(
				"auto-1", "thread-1", "user-1", []string{"do the thing"}, "", tt.cron, tt.scheduledFor)
			if tt.wantErr {
				require.ErrorIs(t, err, models.ErrInvalidSchedule)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, models.ExecutionStatusScheduled, execution.Status)
			assert.True(t, execution.IsScheduled)
			require.NotNil(t, execution.FireTime())

			if tt.cron != nil {
				assert.True(t, execution.IsRecurring())
				assert.True(t, execution.NextScheduledRun.After(time.Now().UTC().Add(-time.Second)))
			} else {
				assert.False(t, execution.IsRecurring())
				assert.Equal(t, oneTime, *execution.ScheduledFor)
			}
		})
	}
}

func TestNewScheduledExecutionRejectsBadCron(t *testing.T) {
	t.Parallel()

	bad := "not a cron"

	_, err := models.NewScheduledExecution("auto-1", "thread-1", "user-1", []string{"s"}, "", &bad, nil)
	require.Error(t, err)
}

func TestIsDue(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name      string
		execution models.FlowExecution
		due       bool
	}{
		{
			name:      "pending is always due",
			execution: models.FlowExecution{Status: models.ExecutionStatusPending},
			due:       true,
		},
		{
			name:      "running is always due",
			execution: models.FlowExecution{Status: models.ExecutionStatusRunning},
			due:       true,
		},
		{
			name:      "scheduled past fire time",
			execution: models.FlowExecution{Status: models.ExecutionStatusScheduled, ScheduledFor: &past},
			due:       true,
		},
		{
			name:      "scheduled future fire time",
			execution: models.FlowExecution{Status: models.ExecutionStatusScheduled, ScheduledFor: &future},
			due:       false,
		},
		{
			name:      "recurring past next run",
			execution: models.FlowExecution{Status: models.ExecutionStatusScheduled, NextScheduledRun: &past},
			due:       true,
		},
		{
			name:      "scheduled without fire time",
			execution: models.FlowExecution{Status: models.ExecutionStatusScheduled},
			due:       false,
		},
		{
			name:      "completed is never due",
			execution: models.FlowExecution{Status: models.ExecutionStatusCompleted},
			due:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.due, tt.execution.IsDue(now))
		})
	}
}

func TestResultLookups(t *testing.T) {
	t.Parallel()

	execution := models.FlowExecution{
		Results: []models.StepResult{
			{StepNumber: 1, Status: models.StepResultStatusCompleted},
			{StepNumber: 2, Status: models.StepResultStatusPending},
		},
	}

	assert.True(t, execution.HasPendingResult(2))
	assert.False(t, execution.HasPendingResult(1))
	assert.Nil(t, execution.ResultForStep(3))
	assert.Equal(t, 1, execution.CompletedSteps())
}

func TestTerminalStatuses(t *testing.T) {
	t.Parallel()

	assert.True(t, models.ExecutionStatusCompleted.Terminal())
	assert.True(t, models.ExecutionStatusFailed.Terminal())
	assert.True(t, models.ExecutionStatusCancelled.Terminal())
	assert.False(t, models.ExecutionStatusRunning.Terminal())
	assert.False(t, models.ExecutionStatusPaused.Terminal())
	assert.False(t, models.ExecutionStatusStopped.Terminal())
}

func TestNextCronTime(t *testing.T) {
	t.Parallel()

	after := time.Date(2025, 1, 1, 10, 2, 0, 0, time.UTC)

	next, err := models.NextCronTime("*/5 * * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC), next)

	_, err = models.NextCronTime("bogus", after)
	require.Error(t, err)
}
