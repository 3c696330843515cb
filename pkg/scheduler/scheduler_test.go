package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/flowmill/flowmill/pkg/models"
	"github.com/flowmill/flowmill/pkg/persistence"
	"github.com/flowmill/flowmill/pkg/persistence/file"
)

type recordingProcessor struct {
	mu        sync.Mutex
	processed []string
	err       error
}

func (p *recordingProcessor) Process(_ context.Context, execution *models.FlowExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.processed = append(p.processed, execution.ID)

	return p.err
}

func (p *recordingProcessor) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.processed...)
}

func newTestScheduler(t *testing.T, processor Processor) (*Scheduler, persistence.Persistence) {
	t.Helper()

	persist := file.NewPersistence(t.TempDir())
	sched := NewScheduler(persist, processor, Config{}, slog.New(slog.DiscardHandler), noop.NewTracerProvider().Tracer("test"))

	return sched, persist
}

func storeExecution(t *testing.T, persist persistence.Persistence, id, automationID string, status models.ExecutionStatus, createdAt time.Time) *models.FlowExecution {
	t.Helper()

	execution := &models.FlowExecution{
		ID:           id,
		AutomationID: automationID,
		ThreadID:     "thread-1",
		UserID:       "user-1",
		Status:       status,
		Steps:        []string{"step"},
		Results:      []models.StepResult{},
		CreatedAt:    createdAt,
	}
	require.NoError(t, persist.Executions().Create(context.Background(), execution))

	return execution
}

func TestRunTickProcessesDueExecutions(t *testing.T) {
	t.Parallel()

	processor := &recordingProcessor{}
	sched, persist := newTestScheduler(t, processor)

	now := time.Now().UTC()
	storeExecution(t, persist, "exec-1", "auto-1", models.ExecutionStatusPending, now.Add(-time.Minute))
	storeExecution(t, persist, "exec-2", "auto-2", models.ExecutionStatusRunning, now.Add(-time.Minute))

	summary, err := sched.RunTick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Due)
	assert.Equal(t, 2, summary.Automations)
	assert.Equal(t, 2, summary.Processed)
	assert.Zero(t, summary.Errors)
	assert.ElementsMatch(t, []string{"exec-1", "exec-2"}, processor.ids())
}

func TestRunTickProcessesOldestPerAutomation(t *testing.T) {
	t.Parallel()

	processor := &recordingProcessor{}
	sched, persist := newTestScheduler(t, processor)

	now := time.Now().UTC()
	storeExecution(t, persist, "exec-old", "auto-1", models.ExecutionStatusPending, now.Add(-time.Hour))
	storeExecution(t, persist, "exec-new", "auto-1", models.ExecutionStatusPending, now.Add(-time.Minute))

	summary, err := sched.RunTick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Due)
	assert.Equal(t, 1, summary.Automations)
	assert.Equal(t, []string{"exec-old"}, processor.ids())
}

func TestRunTickSkipsFutureScheduledExecutions(t *testing.T) {
	t.Parallel()

	processor := &recordingProcessor{}
	sched, persist := newTestScheduler(t, processor)

	now := time.Now().UTC()

	due := storeExecution(t, persist, "exec-due", "auto-1", models.ExecutionStatusScheduled, now.Add(-time.Minute))
	fireAt := now.Add(-time.Second)
	due.ScheduledFor = &fireAt
	written, err := persist.Executions().UpdateIfStatus(context.Background(), due, models.ExecutionStatusScheduled)
	require.NoError(t, err)
	require.True(t, written)

	future := storeExecution(t, persist, "exec-future", "auto-2", models.ExecutionStatusScheduled, now)
	fireLater := now.Add(time.Hour)
	future.ScheduledFor = &fireLater
	written, err = persist.Executions().UpdateIfStatus(context.Background(), future, models.ExecutionStatusScheduled)
	require.NoError(t, err)
	require.True(t, written)

	summary, err := sched.RunTick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Due)
	assert.Equal(t, []string{"exec-due"}, processor.ids())
}

func TestRunTickSweepsStaleRows(t *testing.T) {
	t.Parallel()

	processor := &recordingProcessor{}
	sched, persist := newTestScheduler(t, processor)

	now := time.Now().UTC()

	// Abandoned by a crashed worker 20 minutes ago.
	storeExecution(t, persist, "exec-stale", "auto-1", models.ExecutionStatusRunning, now.Add(-20*time.Minute))

	// Scheduled row whose fire time passed 2 hours ago.
	expired := storeExecution(t, persist, "exec-expired", "auto-2", models.ExecutionStatusScheduled, now.Add(-3*time.Hour))
	fireAt := now.Add(-2 * time.Hour)
	expired.ScheduledFor = &fireAt
	written, err := persist.Executions().UpdateIfStatus(context.Background(), expired, models.ExecutionStatusScheduled)
	require.NoError(t, err)
	require.True(t, written)

	summary, err := sched.RunTick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.SweptRunning)
	assert.Equal(t, int64(1), summary.SweptScheduled)
	assert.Empty(t, processor.ids(), "swept rows must not be dispatched")

	stale, err := persist.Executions().ByID(context.Background(), "exec-stale")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, stale.Status)

	gone, err := persist.Executions().ByID(context.Background(), "exec-expired")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, gone.Status)
}

type sweepFailingExecutions struct {
	persistence.ExecutionRepository
}

func (sweepFailingExecutions) FailStaleRunning(context.Context, time.Time) (int64, error) {
	return 0, assert.AnError
}

func (sweepFailingExecutions) FailStaleScheduled(context.Context, time.Time) (int64, error) {
	return 0, assert.AnError
}

type sweepFailingPersistence struct {
	persistence.Persistence
}

func (p sweepFailingPersistence) Executions() persistence.ExecutionRepository {
	return sweepFailingExecutions{p.Persistence.Executions()}
}

func TestRunTickSurvivesSweepFailure(t *testing.T) {
	t.Parallel()

	processor := &recordingProcessor{}
	base := file.NewPersistence(t.TempDir())
	sched := NewScheduler(sweepFailingPersistence{base}, processor, Config{},
		slog.New(slog.DiscardHandler), noop.NewTracerProvider().Tracer("test"))

	now := time.Now().UTC()
	storeExecution(t, base, "exec-1", "auto-1", models.ExecutionStatusPending, now.Add(-time.Minute))

	summary, err := sched.RunTick(context.Background())
	require.NoError(t, err, "a broken sweep must not block dispatch")

	assert.Zero(t, summary.SweptRunning)
	assert.Zero(t, summary.SweptScheduled)
	assert.Equal(t, []string{"exec-1"}, processor.ids())
}

func TestRunTickIsolatesProcessorErrors(t *testing.T) {
	t.Parallel()

	processor := &recordingProcessor{err: assert.AnError}
	sched, persist := newTestScheduler(t, processor)

	now := time.Now().UTC()
	storeExecution(t, persist, "exec-1", "auto-1", models.ExecutionStatusPending, now.Add(-time.Minute))
	storeExecution(t, persist, "exec-2", "auto-2", models.ExecutionStatusPending, now.Add(-time.Minute))

	summary, err := sched.RunTick(context.Background())
	require.NoError(t, err, "a failing execution must not fail the tick")

	assert.Equal(t, 2, summary.Errors)
	assert.Zero(t, summary.Processed)
	assert.Len(t, processor.ids(), 2)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	processor := &recordingProcessor{}
	sched, _ := newTestScheduler(t, processor)
	sched.config.TickInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := sched.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
