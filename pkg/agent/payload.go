// Package agent implements the HTTP client for the external execution agent,
// including the asynchronous task-id polling protocol.
package agent

import (
	"encoding/json"
	"time"

	"github.com/flowmill/flowmill/pkg/models"
)

// PreviousStep carries one settled step result as context for the next step.
type PreviousStep struct {
	StepNumber int                     `json:"step_number"`
	Content    string                  `json:"content"`
	Response   json.RawMessage         `json:"response,omitempty"`
	Status     models.StepResultStatus `json:"status"`
}

// StepPayload is the request body dispatched to the execution agent for one step.
type StepPayload struct {
	ThreadID       string         `json:"thread_id"`
	AutomationID   string         `json:"automation_id"`
	UserID         string         `json:"user_id"`
	StepContent    string         `json:"step_content"`
	StepNumber     int            `json:"step_number"`
	TotalSteps     int            `json:"total_steps"`
	ProjectContext string         `json:"project_context,omitempty"`
	ExecutionID    string         `json:"execution_id"`
	Timestamp      time.Time      `json:"timestamp"`
	PreviousSteps  []PreviousStep `json:"previous_steps"`
	Async          bool           `json:"async,omitempty"`
	ReturnTaskID   bool           `json:"return_task_id,omitempty"`
}

// NewStepPayload builds the payload for the execution's current step,
// attaching every already-settled result for context.
func NewStepPayload(execution *models.FlowExecution) StepPayload {
	previous := make([]PreviousStep, 0, len(execution.Results))

	for _, result := range execution.Results {
		if result.Status == models.StepResultStatusPending {
			continue
		}

		previous = append(previous, PreviousStep{
			StepNumber: result.StepNumber,
			Content:    result.Content,
			Response:   result.Response,
			Status:     result.Status,
		})
	}

	return StepPayload{
		ThreadID:       execution.ThreadID,
		AutomationID:   execution.AutomationID,
		UserID:         execution.UserID,
		StepContent:    execution.Steps[execution.CurrentStep],
		StepNumber:     execution.CurrentStep + 1,
		TotalSteps:     len(execution.Steps),
		ProjectContext: execution.ProjectContext,
		ExecutionID:    execution.ID,
		Timestamp:      time.Now().UTC(),
		PreviousSteps:  previous,
	}
}
