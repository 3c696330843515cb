package web

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/flowmill/flowmill/pkg/scheduler"
	"github.com/flowmill/flowmill/pkg/services"
)

// Ticker runs one scheduler pass on demand. Satisfied by scheduler.Scheduler.
type Ticker interface {
	RunTick(ctx context.Context) (scheduler.TickSummary, error)
}

type APIHandlers struct {
	executions *services.Executions
	ticker     Ticker
	validator  *validator.Validate
}

func NewAPIHandlers(executions *services.Executions, ticker Ticker, validator *validator.Validate) *APIHandlers {
	return &APIHandlers{
		executions: executions,
		ticker:     ticker,
		validator:  validator,
	}
}

// CreateExecution handles POST /executions. The row is created pending and
// picked up asynchronously; the response never waits for a step to run.
func (h *APIHandlers) CreateExecution(c fiber.Ctx) error {
	var req ExecuteRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.executions.Execute(c.Context(), services.ExecuteRequest{
		AutomationID:   req.AutomationID,
		ThreadID:       req.ThreadID,
		UserID:         req.UserID,
		Steps:          req.Steps,
		ProjectContext: req.ProjectContext,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(CreatedResponse{ID: execution.ID})
}

// CreateSchedule handles POST /schedules.
func (h *APIHandlers) CreateSchedule(c fiber.Ctx) error {
	var req ScheduleRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if (req.CronExpression == nil) == (req.ScheduledFor == nil) {
		return badRequest(c, "exactly one of cron_expression and scheduled_for is required")
	}

	execution, err := h.executions.Schedule(c.Context(), services.ScheduleRequest{
		AutomationID:   req.AutomationID,
		ThreadID:       req.ThreadID,
		UserID:         req.UserID,
		Steps:          req.Steps,
		ProjectContext: req.ProjectContext,
		CronExpression: req.CronExpression,
		ScheduledFor:   req.ScheduledFor,
		EndTime:        req.EndTime,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(CreatedResponse{ID: execution.ID})
}

// Trigger handles POST /trigger: one scheduler pass, on demand.
func (h *APIHandlers) Trigger(c fiber.Ctx) error {
	summary, err := h.ticker.RunTick(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(TriggerResponse{
		Processed:   summary.Processed,
		Automations: summary.Automations,
	})
}

// StopExecution handles POST /executions/:id/stop.
func (h *APIHandlers) StopExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.executions.Stop(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

// GetExecution handles GET /executions/:id.
func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.executions.Get(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

// GetAutomationExecutions handles GET /automations/:id/executions.
func (h *APIHandlers) GetAutomationExecutions(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Automation ID is required")
	}

	executions, err := h.executions.ListByAutomation(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"executions": executions,
		"count":      len(executions),
	})
}

// CreateAutomation handles POST /automations.
func (h *APIHandlers) CreateAutomation(c fiber.Ctx) error {
	var req CreateAutomationRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	automation, err := h.executions.CreateAutomation(c.Context(), services.CreateAutomationRequest{
		UserID:   req.UserID,
		ThreadID: req.ThreadID,
		Name:     req.Name,
		Enabled:  req.Enabled,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(automation)
}

// SetAutomationEnabled handles PATCH /automations/:id/enabled.
func (h *APIHandlers) SetAutomationEnabled(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Automation ID is required")
	}

	var req SetEnabledRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.executions.SetAutomationEnabled(c.Context(), id, *req.Enabled); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// HealthCheck handles GET /health.
func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	message, healthy := h.executions.HealthCheck(c.Context())
	if !healthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":  "unhealthy",
			"message": message,
		})
	}

	return c.JSON(fiber.Map{
		"status":  "healthy",
		"message": message,
	})
}
