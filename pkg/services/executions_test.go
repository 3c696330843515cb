package services

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/pkg/eventbus"
	"github.com/flowmill/flowmill/pkg/models"
	"github.com/flowmill/flowmill/pkg/persistence"
	"github.com/flowmill/flowmill/pkg/persistence/file"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *capturingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

func newTestService(t *testing.T, publisher eventbus.EventPublisher) (*Executions, persistence.Persistence) {
	t.Helper()

	persist := file.NewPersistence(t.TempDir())

	return NewExecutions(persist, publisher, slog.New(slog.DiscardHandler)), persist
}

func createAutomation(t *testing.T, persist persistence.Persistence, enabled bool) *models.Automation {
	t.Helper()

	automation := &models.Automation{
		ID:        "auto-1",
		UserID:    "user-1",
		ThreadID:  "thread-1",
		Name:      "test automation",
		Enabled:   enabled,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, persist.Automations().Create(context.Background(), automation))

	return automation
}

func executeRequest() ExecuteRequest {
	return ExecuteRequest{
		AutomationID:   "auto-1",
		ThreadID:       "thread-1",
		UserID:         "user-1",
		Steps:          []string{"first", "second"},
		ProjectContext: "repo: example",
	}
}

func TestExecuteCreatesPendingExecution(t *testing.T) {
	t.Parallel()

	publisher := &capturingPublisher{}
	service, persist := newTestService(t, publisher)
	createAutomation(t, persist, true)

	execution, err := service.Execute(context.Background(), executeRequest())
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusPending, execution.Status)
	assert.Equal(t, 0, execution.CurrentStep)
	assert.Empty(t, execution.Results)

	stored, err := persist.Executions().ByID(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.Steps, stored.Steps)

	require.Len(t, publisher.events, 1)
}

func TestExecuteUnknownAutomation(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t, nil)

	_, err := service.Execute(context.Background(), executeRequest())
	require.ErrorIs(t, err, ErrAutomationNotFound)
}

func TestExecuteDisabledAutomation(t *testing.T) {
	t.Parallel()

	service, persist := newTestService(t, nil)
	createAutomation(t, persist, false)

	_, err := service.Execute(context.Background(), executeRequest())
	require.ErrorIs(t, err, ErrAutomationDisabled)
	assert.True(t, IsDisabledError(err))
}

func TestExecuteConflictsWithActiveExecution(t *testing.T) {
	t.Parallel()

	service, persist := newTestService(t, nil)
	createAutomation(t, persist, true)

	_, err := service.Execute(context.Background(), executeRequest())
	require.NoError(t, err)

	_, err = service.Execute(context.Background(), executeRequest())
	require.ErrorIs(t, err, ErrExecutionInFlight)
	assert.True(t, IsConflictError(err))
}

func TestScheduleWithCron(t *testing.T) {
	t.Parallel()

	service, persist := newTestService(t, nil)
	createAutomation(t, persist, true)

	cron := "*/5 * * * *"
	execution, err := service.Schedule(context.Background(), ScheduleRequest{
		AutomationID:   "auto-1",
		ThreadID:       "thread-1",
		UserID:         "user-1",
		Steps:          []string{"step"},
		CronExpression: &cron,
	})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusScheduled, execution.Status)
	assert.True(t, execution.IsRecurring())
	require.NotNil(t, execution.NextScheduledRun)
	assert.True(t, execution.NextScheduledRun.After(time.Now().UTC()))
}

func TestScheduleRejectsAmbiguousRequest(t *testing.T) {
	t.Parallel()

	service, persist := newTestService(t, nil)
	createAutomation(t, persist, true)

	cron := "*/5 * * * *"
	fireAt := time.Now().UTC().Add(time.Hour)

	_, err := service.Schedule(context.Background(), ScheduleRequest{
		AutomationID:   "auto-1",
		ThreadID:       "thread-1",
		UserID:         "user-1",
		Steps:          []string{"step"},
		CronExpression: &cron,
		ScheduledFor:   &fireAt,
	})
	require.ErrorIs(t, err, ErrInvalidSchedule)
	assert.True(t, IsValidationError(err))
}

func TestScheduleRejectsBadCron(t *testing.T) {
	t.Parallel()

	service, persist := newTestService(t, nil)
	createAutomation(t, persist, true)

	cron := "every 5 minutes"

	_, err := service.Schedule(context.Background(), ScheduleRequest{
		AutomationID:   "auto-1",
		ThreadID:       "thread-1",
		UserID:         "user-1",
		Steps:          []string{"step"},
		CronExpression: &cron,
	})
	require.Error(t, err)
}

func TestScheduleHonorsEndTime(t *testing.T) {
	t.Parallel()

	service, persist := newTestService(t, nil)
	createAutomation(t, persist, true)

	cron := "0 9 * * *"
	endTime := time.Now().UTC().Add(72 * time.Hour)

	execution, err := service.Schedule(context.Background(), ScheduleRequest{
		AutomationID:   "auto-1",
		ThreadID:       "thread-1",
		UserID:         "user-1",
		Steps:          []string{"step"},
		CronExpression: &cron,
		EndTime:        &endTime,
	})
	require.NoError(t, err)

	assert.True(t, execution.HasEndTime)
	require.NotNil(t, execution.EndTime)
	assert.True(t, execution.EndTime.Equal(endTime))
}

func TestStopCancelsExecution(t *testing.T) {
	t.Parallel()

	service, persist := newTestService(t, nil)
	createAutomation(t, persist, true)

	execution, err := service.Execute(context.Background(), executeRequest())
	require.NoError(t, err)

	stopped, err := service.Stop(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stopped.Status)
	assert.Equal(t, "Stopped by user", stopped.ErrorMessage)

	_, err = service.Stop(context.Background(), execution.ID)
	require.ErrorIs(t, err, ErrExecutionFinished)
}

func TestListByAutomation(t *testing.T) {
	t.Parallel()

	service, persist := newTestService(t, nil)
	createAutomation(t, persist, true)

	execution, err := service.Execute(context.Background(), executeRequest())
	require.NoError(t, err)

	executions, err := service.ListByAutomation(context.Background(), "auto-1")
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, execution.ID, executions[0].ID)

	_, err = service.ListByAutomation(context.Background(), "missing")
	require.ErrorIs(t, err, ErrAutomationNotFound)
}

func TestCreateAutomationAndToggle(t *testing.T) {
	t.Parallel()

	service, persist := newTestService(t, nil)

	automation, err := service.CreateAutomation(context.Background(), CreateAutomationRequest{
		UserID:   "user-1",
		ThreadID: "thread-1",
		Name:     "nightly report",
		Enabled:  true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, automation.ID)

	require.NoError(t, service.SetAutomationEnabled(context.Background(), automation.ID, false))

	stored, err := persist.Automations().ByID(context.Background(), automation.ID)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
}
