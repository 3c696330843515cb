package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/flowmill/flowmill/pkg/eventbus"
	"github.com/flowmill/flowmill/pkg/events"
	"github.com/flowmill/flowmill/pkg/models"
	"github.com/flowmill/flowmill/pkg/persistence"
)

const defaultConcurrency = 5

// jobSchema guards the worker against malformed queue payloads; the event bus
// path delivers typed events and skips this.
const jobSchema = `{
	"type": "object",
	"required": ["execution_id", "automation_id"],
	"properties": {
		"execution_id": {"type": "string", "minLength": 1},
		"automation_id": {"type": "string", "minLength": 1},
		"type": {"type": "string"}
	}
}`

// Processor advances one execution by one step. Satisfied by dispatcher.Dispatcher.
type Processor interface {
	Process(ctx context.Context, execution *models.FlowExecution) error
}

// Worker consumes step jobs and runs them through the dispatcher with bounded
// concurrency. Readiness is the enqueuer's job; correctness under duplicate
// or stale jobs rests on the dispatcher's conditional writes.
type Worker struct {
	workerID   string
	executions persistence.ExecutionRepository
	processor  Processor
	eventBus   eventbus.EventBus
	logger     *slog.Logger
	schema     *gojsonschema.Schema
	sem        chan struct{}
	wg         sync.WaitGroup
}

func NewWorker(workerID string, persist persistence.Persistence, processor Processor, eventBus eventbus.EventBus, concurrency int, logger *slog.Logger) (*Worker, error) {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(jobSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile job schema: %w", err)
	}

	return &Worker{
		workerID:   workerID,
		executions: persist.Executions(),
		processor:  processor,
		eventBus:   eventBus,
		logger:     logger.With("module", "worker", "worker_id", workerID),
		schema:     schema,
		sem:        make(chan struct{}, concurrency),
	}, nil
}

// Start subscribes to step job events on the bus. No-op when the worker runs
// on a redis queue only.
func (w *Worker) Start(ctx context.Context) error {
	if w.eventBus == nil {
		return nil
	}

	if err := w.eventBus.Handle(events.StepJobQueuedEvent, w.handleBusEvent); err != nil {
		return fmt.Errorf("failed to register job handler: %w", err)
	}

	if err := w.eventBus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to job events: %w", err)
	}

	w.logger.InfoContext(ctx, "Worker subscribed to job events", "topic", events.Topic)

	return nil
}

// Drain waits for in-flight jobs to settle.
func (w *Worker) Drain() {
	w.wg.Wait()
}

func (w *Worker) handleBusEvent(ctx context.Context, event any) error {
	job, ok := event.(*events.StepJobQueued)
	if !ok {
		return fmt.Errorf("unexpected event payload %T", event)
	}

	return w.runJob(ctx, *job)
}

// HandleRaw validates and decodes a raw queue payload, then runs the job. It
// is the queue.JobHandler for the redis path.
func (w *Worker) HandleRaw(ctx context.Context, payload []byte) error {
	result, err := w.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("failed to validate job payload: %w", err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}

		return fmt.Errorf("invalid job payload: %s", strings.Join(details, "; "))
	}

	var job events.StepJobQueued
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("failed to decode job payload: %w", err)
	}

	return w.runJob(ctx, job)
}

// runJob claims a concurrency slot and processes the job in the background.
func (w *Worker) runJob(ctx context.Context, job events.StepJobQueued) error {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()

		if err := w.process(ctx, job); err != nil {
			w.logger.ErrorContext(ctx, "Failed to process job",
				"execution_id", job.ExecutionID,
				"automation_id", job.AutomationID,
				"error", err)
		}
	}()

	return nil
}

func (w *Worker) process(ctx context.Context, job events.StepJobQueued) error {
	execution, err := w.executions.ByID(ctx, job.ExecutionID)
	if err != nil {
		if persistence.IsExecutionNotFound(err) {
			w.logger.WarnContext(ctx, "Job references unknown execution, dropping", "execution_id", job.ExecutionID)

			return nil
		}

		return fmt.Errorf("failed to load execution: %w", err)
	}

	start := time.Now()

	if err := w.processor.Process(ctx, execution); err != nil {
		return err
	}

	w.announceOutcome(ctx, job, time.Since(start))

	return nil
}

// announceOutcome publishes terminal transitions for observers. Best effort.
func (w *Worker) announceOutcome(ctx context.Context, job events.StepJobQueued, duration time.Duration) {
	if w.eventBus == nil {
		return
	}

	stored, err := w.executions.ByID(ctx, job.ExecutionID)
	if err != nil {
		return
	}

	base := events.BaseEvent{
		ID:        w.eventBus.GenerateID(),
		Timestamp: time.Now().UTC(),
		WorkerID:  w.workerID,
	}

	var event eventbus.Event

	switch stored.Status {
	case models.ExecutionStatusCompleted:
		base.Type = events.ExecutionFinishedEvent
		event = events.ExecutionFinished{
			BaseEvent:    base,
			ExecutionID:  stored.ID,
			AutomationID: stored.AutomationID,
			Duration:     duration,
		}
	case models.ExecutionStatusFailed:
		base.Type = events.ExecutionFailedEvent
		event = events.ExecutionFailed{
			BaseEvent:    base,
			ExecutionID:  stored.ID,
			AutomationID: stored.AutomationID,
			Error:        stored.ErrorMessage,
		}
	default:
		return
	}

	if err := w.eventBus.Publish(ctx, stored.AutomationID, event); err != nil {
		w.logger.WarnContext(ctx, "Failed to publish execution outcome", "error", err)
	}
}
