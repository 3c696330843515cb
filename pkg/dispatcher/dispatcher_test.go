package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/pkg/agent"
	"github.com/flowmill/flowmill/pkg/models"
	"github.com/flowmill/flowmill/pkg/persistence"
	"github.com/flowmill/flowmill/pkg/persistence/file"
)

type agentFunc func(ctx context.Context, payload agent.StepPayload) (*agent.Result, error)

func (f agentFunc) Dispatch(ctx context.Context, payload agent.StepPayload) (*agent.Result, error) {
	return f(ctx, payload)
}

func successAgent(output string) agentFunc {
	return func(_ context.Context, _ agent.StepPayload) (*agent.Result, error) {
		return &agent.Result{Output: output, Raw: json.RawMessage(`{"output":"` + output + `"}`)}, nil
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestDispatcher(t *testing.T, client AgentClient) (*Dispatcher, persistence.Persistence) {
	t.Helper()

	persist := file.NewPersistence(t.TempDir())
	disp := NewDispatcher(persist, client, Config{}, testLogger())

	return disp, persist
}

func createAutomation(t *testing.T, persist persistence.Persistence, enabled bool) *models.Automation {
	t.Helper()

	automation := &models.Automation{
		ID:        "auto-" + t.Name(),
		UserID:    "user-1",
		ThreadID:  "thread-1",
		Name:      "test automation",
		Enabled:   enabled,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, persist.Automations().Create(context.Background(), automation))

	return automation
}

func createExecution(t *testing.T, persist persistence.Persistence, automation *models.Automation, steps []string) *models.FlowExecution {
	t.Helper()

	execution, err := models.NewFlowExecution(automation.ID, automation.ThreadID, automation.UserID, steps, "")
	require.NoError(t, err)
	require.NoError(t, persist.Executions().Create(context.Background(), execution))

	return execution
}

func reload(t *testing.T, persist persistence.Persistence, id string) *models.FlowExecution {
	t.Helper()

	execution, err := persist.Executions().ByID(context.Background(), id)
	require.NoError(t, err)

	return execution
}

func TestProcessRunsStepsToCompletion(t *testing.T) {
	t.Parallel()

	dispatched := 0
	client := agentFunc(func(_ context.Context, payload agent.StepPayload) (*agent.Result, error) {
		dispatched++
		assert.Equal(t, dispatched, payload.StepNumber)

		return &agent.Result{Output: "done", Raw: json.RawMessage(`{"output":"done"}`)}, nil
	})

	disp, persist := newTestDispatcher(t, client)
	automation := createAutomation(t, persist, true)
	execution := createExecution(t, persist, automation, []string{"first step", "second step"})

	require.NoError(t, disp.Process(context.Background(), execution))

	stored := reload(t, persist, execution.ID)
	assert.Equal(t, models.ExecutionStatusRunning, stored.Status)
	assert.Equal(t, 1, stored.CurrentStep)
	assert.Equal(t, 1, stored.CompletedSteps())
	require.NotNil(t, stored.StartedAt)

	require.NoError(t, disp.Process(context.Background(), stored))

	stored = reload(t, persist, execution.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.CurrentStep)
	assert.Equal(t, 2, stored.CompletedSteps())
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, 2, dispatched)
}

func TestProcessRecordsStepFailure(t *testing.T) {
	t.Parallel()

	client := agentFunc(func(_ context.Context, _ agent.StepPayload) (*agent.Result, error) {
		return &agent.Result{Failed: true, Output: "bad config", Raw: json.RawMessage(`{"output":{"Error":true,"Output":"bad config"}}`)}, nil
	})

	disp, persist := newTestDispatcher(t, client)
	automation := createAutomation(t, persist, true)
	execution := createExecution(t, persist, automation, []string{"only step"})

	require.NoError(t, disp.Process(context.Background(), execution))

	stored := reload(t, persist, execution.ID)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	assert.Equal(t, "bad config", stored.ErrorMessage)
	require.NotNil(t, stored.CompletedAt)

	result := stored.ResultForStep(1)
	require.NotNil(t, result)
	assert.Equal(t, models.StepResultStatusFailed, result.Status)
	assert.Equal(t, "bad config", result.Error)
}

func TestProcessFailsExecutionWhenAgentUnreachable(t *testing.T) {
	t.Parallel()

	client := agentFunc(func(_ context.Context, _ agent.StepPayload) (*agent.Result, error) {
		return nil, agent.ErrAttemptsExhausted
	})

	disp, persist := newTestDispatcher(t, client)
	automation := createAutomation(t, persist, true)
	execution := createExecution(t, persist, automation, []string{"only step"})

	require.NoError(t, disp.Process(context.Background(), execution))

	stored := reload(t, persist, execution.ID)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "attempts")
}

func TestProcessCancelsWhenAutomationDisabled(t *testing.T) {
	t.Parallel()

	disp, persist := newTestDispatcher(t, successAgent("unused"))
	automation := createAutomation(t, persist, false)
	execution := createExecution(t, persist, automation, []string{"step"})

	require.NoError(t, disp.Process(context.Background(), execution))

	stored := reload(t, persist, execution.ID)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)
	assert.Empty(t, stored.Results)
}

func TestProcessCancelsWhenAutomationMissing(t *testing.T) {
	t.Parallel()

	disp, persist := newTestDispatcher(t, successAgent("unused"))

	execution, err := models.NewFlowExecution("gone", "thread-1", "user-1", []string{"step"}, "")
	require.NoError(t, err)
	require.NoError(t, persist.Executions().Create(context.Background(), execution))

	require.NoError(t, disp.Process(context.Background(), execution))

	stored := reload(t, persist, execution.ID)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)
}

func TestProcessSkipsTerminalExecution(t *testing.T) {
	t.Parallel()

	calls := 0
	client := agentFunc(func(_ context.Context, _ agent.StepPayload) (*agent.Result, error) {
		calls++

		return &agent.Result{}, nil
	})

	disp, persist := newTestDispatcher(t, client)
	automation := createAutomation(t, persist, true)
	execution := createExecution(t, persist, automation, []string{"step"})

	execution.Status = models.ExecutionStatusCancelled
	_, err := persist.Executions().UpdateIfStatus(context.Background(), execution, models.ExecutionStatusPending)
	require.NoError(t, err)

	require.NoError(t, disp.Process(context.Background(), execution))
	assert.Zero(t, calls)
}

func TestProcessSkipsStepWithPendingMarker(t *testing.T) {
	t.Parallel()

	calls := 0
	client := agentFunc(func(_ context.Context, _ agent.StepPayload) (*agent.Result, error) {
		calls++

		return &agent.Result{}, nil
	})

	disp, persist := newTestDispatcher(t, client)
	automation := createAutomation(t, persist, true)
	execution := createExecution(t, persist, automation, []string{"step"})

	execution.Status = models.ExecutionStatusRunning
	execution.Results = append(execution.Results, models.StepResult{
		StepNumber: 1,
		Content:    "step",
		Status:     models.StepResultStatusPending,
		Timestamp:  time.Now().UTC(),
	})
	written, err := persist.Executions().UpdateIfStatus(context.Background(), execution, models.ExecutionStatusPending)
	require.NoError(t, err)
	require.True(t, written)

	require.NoError(t, disp.Process(context.Background(), execution))
	assert.Zero(t, calls, "a pending marker means another actor owns the step")
}

// hookedExecutions runs a callback once before the next ByID, which lands
// exactly between a marker write and its verifying re-read.
type hookedExecutions struct {
	persistence.ExecutionRepository

	beforeByID func()
}

func (h *hookedExecutions) ByID(ctx context.Context, id string) (*models.FlowExecution, error) {
	if h.beforeByID != nil {
		hook := h.beforeByID
		h.beforeByID = nil
		hook()
	}

	return h.ExecutionRepository.ByID(ctx, id)
}

type hookedPersistence struct {
	persistence.Persistence

	executions *hookedExecutions
}

func (p *hookedPersistence) Executions() persistence.ExecutionRepository {
	return p.executions
}

func TestConcurrentDispatchRunsStepExactlyOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	client := agentFunc(func(_ context.Context, _ agent.StepPayload) (*agent.Result, error) {
		calls++

		return &agent.Result{Output: "done", Raw: json.RawMessage(`{"output":"done"}`)}, nil
	})

	persist := file.NewPersistence(t.TempDir())
	automation := createAutomation(t, persist, true)

	// A running row with no marker yet: both actors pass the status
	// precondition and only the marker timestamp decides ownership.
	started := time.Now().UTC().Add(-time.Minute)
	execution := createExecution(t, persist, automation, []string{"step"})
	execution.Status = models.ExecutionStatusRunning
	execution.StartedAt = &started
	written, err := persist.Executions().UpdateIfStatus(context.Background(), execution, models.ExecutionStatusPending)
	require.NoError(t, err)
	require.True(t, written)

	rival := NewDispatcher(persist, client, Config{}, testLogger())
	rivalCopy := reload(t, persist, execution.ID)

	hooked := &hookedExecutions{ExecutionRepository: persist.Executions()}
	hooked.beforeByID = func() {
		// The rival's whole attempt lands between this actor's marker write
		// and its verifying re-read.
		require.NoError(t, rival.Process(context.Background(), rivalCopy))
	}

	disp := NewDispatcher(&hookedPersistence{Persistence: persist, executions: hooked}, client, Config{}, testLogger())
	require.NoError(t, disp.Process(context.Background(), reload(t, persist, execution.ID)))

	assert.Equal(t, 1, calls, "only the marker owner may dispatch")

	stored := reload(t, persist, execution.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	require.Len(t, stored.Results, 1)
	assert.Equal(t, models.StepResultStatusCompleted, stored.Results[0].Status)
}

func TestProcessPersistsPlainTextResponse(t *testing.T) {
	t.Parallel()

	client := agentFunc(func(_ context.Context, _ agent.StepPayload) (*agent.Result, error) {
		result := agent.ParseResult([]byte("OK, done"))

		return &result, nil
	})

	disp, persist := newTestDispatcher(t, client)
	automation := createAutomation(t, persist, true)
	execution := createExecution(t, persist, automation, []string{"only step"})

	require.NoError(t, disp.Process(context.Background(), execution))

	stored := reload(t, persist, execution.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)

	result := stored.ResultForStep(1)
	require.NotNil(t, result)
	assert.Equal(t, models.StepResultStatusCompleted, result.Status)
	assert.Equal(t, `"OK, done"`, string(result.Response))
}

func TestProcessEnforcesExecutionTimeout(t *testing.T) {
	t.Parallel()

	disp, persist := newTestDispatcher(t, successAgent("unused"))
	automation := createAutomation(t, persist, true)
	execution := createExecution(t, persist, automation, []string{"step"})

	started := time.Now().UTC().Add(-25 * time.Minute)
	execution.StartedAt = &started
	execution.Status = models.ExecutionStatusRunning
	written, err := persist.Executions().UpdateIfStatus(context.Background(), execution, models.ExecutionStatusPending)
	require.NoError(t, err)
	require.True(t, written)

	require.NoError(t, disp.Process(context.Background(), execution))

	stored := reload(t, persist, execution.ID)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "25 minutes")
}

func TestProcessPromotesDueScheduledExecution(t *testing.T) {
	t.Parallel()

	disp, persist := newTestDispatcher(t, successAgent("done"))
	automation := createAutomation(t, persist, true)

	fireAt := time.Now().UTC().Add(-time.Minute)
	execution, err := models.NewScheduledExecution(
		automation.ID, automation.ThreadID, automation.UserID,
		[]string{"step"}, "", nil, &fireAt,
	)
	require.NoError(t, err)
	require.NoError(t, persist.Executions().Create(context.Background(), execution))

	require.NoError(t, disp.Process(context.Background(), execution))

	stored := reload(t, persist, execution.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	require.NotNil(t, stored.StartedAt)
}

func TestRecurringExecutionSchedulesNextOccurrence(t *testing.T) {
	t.Parallel()

	disp, persist := newTestDispatcher(t, successAgent("done"))
	automation := createAutomation(t, persist, true)

	cron := "*/5 * * * *"
	execution, err := models.NewScheduledExecution(
		automation.ID, automation.ThreadID, automation.UserID,
		[]string{"step"}, "context", &cron, nil,
	)
	require.NoError(t, err)

	// Make it due now.
	due := time.Now().UTC().Add(-time.Second)
	execution.NextScheduledRun = &due
	require.NoError(t, persist.Executions().Create(context.Background(), execution))

	require.NoError(t, disp.Process(context.Background(), execution))

	stored := reload(t, persist, execution.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)

	scheduled, err := persist.Executions().ListByStatuses(context.Background(), models.ExecutionStatusScheduled)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)

	occurrence := scheduled[0]
	assert.NotEqual(t, execution.ID, occurrence.ID)
	assert.Equal(t, execution.Steps, occurrence.Steps)
	assert.Equal(t, "context", occurrence.ProjectContext)
	require.NotNil(t, occurrence.CronExpression)
	assert.Equal(t, cron, *occurrence.CronExpression)
	require.NotNil(t, occurrence.NextScheduledRun)
	assert.True(t, occurrence.NextScheduledRun.After(time.Now().UTC()))
}

func TestRecurringExecutionStopsAtEndTime(t *testing.T) {
	t.Parallel()

	disp, persist := newTestDispatcher(t, successAgent("done"))
	automation := createAutomation(t, persist, true)

	cron := "0 0 * * *"
	execution, err := models.NewScheduledExecution(
		automation.ID, automation.ThreadID, automation.UserID,
		[]string{"step"}, "", &cron, nil,
	)
	require.NoError(t, err)

	due := time.Now().UTC().Add(-time.Second)
	endTime := time.Now().UTC().Add(time.Minute)
	execution.NextScheduledRun = &due
	execution.HasEndTime = true
	execution.EndTime = &endTime
	require.NoError(t, persist.Executions().Create(context.Background(), execution))

	require.NoError(t, disp.Process(context.Background(), execution))

	scheduled, err := persist.Executions().ListByStatuses(context.Background(), models.ExecutionStatusScheduled)
	require.NoError(t, err)
	assert.Empty(t, scheduled, "next occurrence falls past end_time")
}

func TestCancelledRecurringExecutionEndsTheChain(t *testing.T) {
	t.Parallel()

	disp, persist := newTestDispatcher(t, successAgent("unused"))
	automation := createAutomation(t, persist, false)

	cron := "*/5 * * * *"
	execution, err := models.NewScheduledExecution(
		automation.ID, automation.ThreadID, automation.UserID,
		[]string{"step"}, "", &cron, nil,
	)
	require.NoError(t, err)

	due := time.Now().UTC().Add(-time.Second)
	execution.NextScheduledRun = &due
	require.NoError(t, persist.Executions().Create(context.Background(), execution))

	require.NoError(t, disp.Process(context.Background(), execution))

	stored := reload(t, persist, execution.ID)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)

	scheduled, err := persist.Executions().ListByStatuses(context.Background(), models.ExecutionStatusScheduled)
	require.NoError(t, err)
	assert.Empty(t, scheduled, "a disabled automation must not respawn occurrences")
}

func TestRecurrenceFallsBackWhenCronStopsParsing(t *testing.T) {
	t.Parallel()

	disp, persist := newTestDispatcher(t, successAgent("done"))
	automation := createAutomation(t, persist, true)

	// A row whose expression was corrupted after creation.
	broken := "not a cron"
	now := time.Now().UTC()
	due := now.Add(-time.Second)
	execution := &models.FlowExecution{
		ID:               "exec-broken-cron",
		AutomationID:     automation.ID,
		ThreadID:         automation.ThreadID,
		UserID:           automation.UserID,
		Status:           models.ExecutionStatusScheduled,
		Steps:            []string{"step"},
		Results:          []models.StepResult{},
		IsScheduled:      true,
		CronExpression:   &broken,
		NextScheduledRun: &due,
		CreatedAt:        now,
	}
	require.NoError(t, persist.Executions().Create(context.Background(), execution))

	require.NoError(t, disp.Process(context.Background(), execution))

	scheduled, err := persist.Executions().ListByStatuses(context.Background(), models.ExecutionStatusScheduled)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)

	next := scheduled[0].NextScheduledRun
	require.NotNil(t, next)
	assert.WithinDuration(t, now.Add(time.Hour), *next, 30*time.Second)
}
