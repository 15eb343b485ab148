package web

import (
	"errors"

	"github.com/dukex/flowkeeper/pkg/persistence"
	"github.com/dukex/flowkeeper/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// notFoundErrors maps store lookups to problem types, most specific first.
var notFoundErrors = []struct {
	err  error
	kind string
}{
	{persistence.ErrWorkflowNotFound, "workflow_not_found"},
	{persistence.ErrScheduleNotFound, "schedule_not_found"},
	{persistence.ErrSessionNotFound, "session_not_found"},
	{persistence.ErrAttemptNotFound, "attempt_not_found"},
	{persistence.ErrTaskNotFound, "task_not_found"},
}

func problem(c fiber.Ctx, status int, kind, detail string) error {
	body := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(status).JSON(body)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

// handleServiceError renders err as an RFC 7807 problem: validation errors are 400,
// conflicts 409, missing entities 404 and everything else 500.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsValidationError(err):
		return badRequest(c, err.Error())
	case services.IsConflictError(err):
		return problem(c, fiber.StatusConflict, "conflict", err.Error())
	case services.IsNotFoundError(err):
		for _, candidate := range notFoundErrors {
			if errors.Is(err, candidate.err) {
				return problem(c, fiber.StatusNotFound, candidate.kind, candidate.err.Error())
			}
		}

		return problem(c, fiber.StatusNotFound, "not_found", err.Error())
	default:
		body := problems.NewStatusProblem(fiber.StatusInternalServerError).
			WithInstance(c.Path()).
			WithType("internal_error").
			WithError(err)

		return c.Status(fiber.StatusInternalServerError).JSON(body)
	}
}
