// Package web provides the HTTP handlers and request types of the engine API.
package web

import "time"

// ExecuteRequest is the body of POST /executions.
type ExecuteRequest struct {
	AutomationID   string   `json:"automation_id"   validate:"required"`
	ThreadID       string   `json:"thread_id"       validate:"required"`
	UserID         string   `json:"user_id"         validate:"required"`
	Steps          []string `json:"steps"           validate:"required,min=1,dive,required"`
	ProjectContext string   `json:"project_context"`
}

// ScheduleRequest is the body of POST /schedules. Exactly one of
// cron_expression and scheduled_for must be set; the handler checks this
// before the cron parse does.
type ScheduleRequest struct {
	AutomationID   string     `json:"automation_id"             validate:"required"`
	ThreadID       string     `json:"thread_id"                 validate:"required"`
	UserID         string     `json:"user_id"                   validate:"required"`
	Steps          []string   `json:"steps"                     validate:"required,min=1,dive,required"`
	ProjectContext string     `json:"project_context"`
	CronExpression *string    `json:"cron_expression,omitempty"`
	ScheduledFor   *time.Time `json:"scheduled_for,omitempty"`
	EndTime        *time.Time `json:"end_time,omitempty"`
}

// CreateAutomationRequest is the body of POST /automations.
type CreateAutomationRequest struct {
	UserID   string `json:"user_id"   validate:"required"`
	ThreadID string `json:"thread_id" validate:"required"`
	Name     string `json:"name"      validate:"required,min=3"`
	Enabled  bool   `json:"enabled"`
}

// SetEnabledRequest is the body of PATCH /automations/:id/enabled.
type SetEnabledRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// CreatedResponse carries the id of a newly created resource.
type CreatedResponse struct {
	ID string `json:"id"`
}

// TriggerResponse reports what a manually triggered tick did.
type TriggerResponse struct {
	Processed   int `json:"processed"`
	Automations int `json:"automations"`
}
