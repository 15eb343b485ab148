// Package web provides HTTP handlers and REST API endpoints for the control plane.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/registry"
	"github.com/dukex/flowkeeper/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	workflowService *services.Workflow
	sessionService  *services.Session
	validator       *validator.Validate
	registry        *registry.Registry
}

func NewAPIHandlers(
	workflowService *services.Workflow,
	sessionService *services.Session,
	validator *validator.Validate,
	registry *registry.Registry,
) *APIHandlers {
	return &APIHandlers{
		workflowService: workflowService,
		sessionService:  sessionService,
		validator:       validator,
		registry:        registry,
	}
}

// RegisterRoutes mounts every control plane endpoint on router.
func (h *APIHandlers) RegisterRoutes(router fiber.Router) {
	w := router.Group("/workflows")
	w.Get("/", h.GetWorkflows)
	w.Post("/", h.PublishWorkflow)
	w.Get("/:projectId/:name", h.GetWorkflow)
	w.Get("/:projectId/:name/schedule", h.GetSchedule)
	w.Post("/:projectId/:name/sessions", h.StartSession)

	s := router.Group("/sessions")
	s.Get("/:id", h.GetSession)
	s.Get("/:id/attempts", h.GetAttempts)

	a := router.Group("/attempts")
	a.Get("/:id", h.GetAttempt)
	a.Get("/:id/tasks", h.GetTasks)
	a.Get("/:id/sla", h.GetSLAStatus)
	a.Post("/:id/retry", h.RetryAttempt)
	a.Post("/:id/cancel", h.CancelAttempt)

	router.Post("/tasks/:id/cancel", h.CancelTask)
	router.Get("/operators", h.GetOperators)
	router.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	registryCheck, regOk := h.registry.HealthCheck()
	repositoryCheck, repOk := h.workflowService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Flowkeeper API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if regOk && repOk {
		status = "healthy"
		message = "Flowkeeper API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"registry":   registryCheck,
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetOperators(c fiber.Ctx) error {
	factories := h.registry.Factories()

	operators := make([]OperatorResponse, 0, len(factories))
	for _, factory := range factories {
		operators = append(operators, TransformOperatorResponse(factory))
	}

	return c.JSON(fiber.Map{"operators": operators})
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	workflows, err := h.workflowService.ListWorkflows(c.Context(), c.Query("project_id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows":   workflows,
		"total_count": len(workflows),
	})
}

func (h *APIHandlers) PublishWorkflow(c fiber.Ctx) error {
	var definition models.WorkflowDefinition
	if err := c.Bind().JSON(&definition); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	published, err := h.workflowService.PublishWorkflow(c.Context(), &definition)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(published)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflowService.GetWorkflow(c.Context(), c.Params("projectId"), c.Params("name"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) GetSchedule(c fiber.Ctx) error {
	schedule, err := h.workflowService.GetSchedule(c.Context(), c.Params("projectId"), c.Params("name"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(schedule)
}

func (h *APIHandlers) StartSession(c fiber.Ctx) error {
	var req StartSessionRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	serviceReq := services.StartSessionRequest{
		ProjectID:    c.Params("projectId"),
		WorkflowName: c.Params("name"),
		Params:       req.Params,
	}

	if req.SessionTime != nil {
		serviceReq.SessionTime = *req.SessionTime
	}

	session, attempt, err := h.sessionService.StartSession(c.Context(), serviceReq)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(SessionResponse{Session: session, Attempt: attempt})
}

func (h *APIHandlers) GetSession(c fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return badRequest(c, "Session ID must be a number")
	}

	session, err := h.sessionService.GetSession(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(session)
}

func (h *APIHandlers) GetAttempts(c fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return badRequest(c, "Session ID must be a number")
	}

	attempts, err := h.sessionService.ListAttempts(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"attempts": attempts})
}

func (h *APIHandlers) GetAttempt(c fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return badRequest(c, "Attempt ID must be a number")
	}

	attempt, err := h.sessionService.GetAttempt(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	tasks, err := h.sessionService.ListTasks(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(AttemptResponse{Attempt: attempt, Tasks: tasks})
}

func (h *APIHandlers) GetTasks(c fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return badRequest(c, "Attempt ID must be a number")
	}

	tasks, err := h.sessionService.ListTasks(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"tasks": tasks})
}

func (h *APIHandlers) GetSLAStatus(c fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return badRequest(c, "Attempt ID must be a number")
	}

	statuses, err := h.sessionService.SLAStatus(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"rules": statuses})
}

func (h *APIHandlers) RetryAttempt(c fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return badRequest(c, "Attempt ID must be a number")
	}

	var req RetryAttemptRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	attempt, err := h.sessionService.RetryAttempt(c.Context(), id, services.RetryAttemptRequest{
		Name:         req.Name,
		ResumeFailed: req.ResumeFailed,
		Params:       req.Params,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(attempt)
}

func (h *APIHandlers) CancelAttempt(c fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return badRequest(c, "Attempt ID must be a number")
	}

	attempt, err := h.sessionService.CancelAttempt(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(attempt)
}

func (h *APIHandlers) CancelTask(c fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return badRequest(c, "Task ID must be a number")
	}

	task, err := h.sessionService.CancelTask(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(task)
}

func idParam(c fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("id"), 10, 64)
}
