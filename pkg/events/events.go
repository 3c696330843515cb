// Package events defines the job events exchanged between the API, the
// scheduler and the queue-driven worker.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/flowmill/flowmill/pkg/models"
)

type EventType string

// Topic is the single event stream for step jobs.
const Topic = "flowmill.jobs"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	StepJobQueuedEvent     EventType = "execution.step.queued"
	ExecutionFinishedEvent EventType = "execution.finished"
	ExecutionFailedEvent   EventType = "execution.failed"
)

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	WorkerID  string    `json:"worker_id,omitempty"`
}

// StepJobQueued announces that an execution has work ready for pickup. The
// payload is a pointer, not state: the consumer re-reads the row and the
// conditional writes there make duplicate deliveries harmless.
type StepJobQueued struct {
	BaseEvent

	ExecutionID  string `json:"execution_id"`
	AutomationID string `json:"automation_id"`
}

func NewStepJobQueued(execution *models.FlowExecution) StepJobQueued {
	return StepJobQueued{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      StepJobQueuedEvent,
			Timestamp: time.Now().UTC(),
		},
		ExecutionID:  execution.ID,
		AutomationID: execution.AutomationID,
	}
}

func (e StepJobQueued) GetType() EventType {
	return StepJobQueuedEvent
}

// ExecutionFinished is emitted by the worker when an execution it processed
// reached completed.
type ExecutionFinished struct {
	BaseEvent

	ExecutionID  string        `json:"execution_id"`
	AutomationID string        `json:"automation_id"`
	Duration     time.Duration `json:"duration"`
}

func (e ExecutionFinished) GetType() EventType {
	return ExecutionFinishedEvent
}

// ExecutionFailed is emitted by the worker when an execution it processed
// reached failed.
type ExecutionFailed struct {
	BaseEvent

	ExecutionID  string `json:"execution_id"`
	AutomationID string `json:"automation_id"`
	Error        string `json:"error"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}
