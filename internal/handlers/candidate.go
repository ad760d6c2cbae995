package handlers

import (
	"github.com/assesshub/backend/internal/services"
	"github.com/assesshub/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

// CandidateHandler is the unauthenticated, token-keyed surface. The invite
// token in the path is the candidate's only credential; every route resolves
// it fresh and applies deadline expiry before acting.
type CandidateHandler struct {
	Lifecycle *services.LifecycleService
}

func NewCandidateHandler(lifecycle *services.LifecycleService) *CandidateHandler {
	return &CandidateHandler{Lifecycle: lifecycle}
}

// GetAssignment returns the read-only view of an assignment: challenge
// details, status, and deadlines. Never provisions anything.
func (h *CandidateHandler) GetAssignment(c *fiber.Ctx) error {
	view, err := h.Lifecycle.View(c.UserContext(), c.Params("token"))
	if err != nil {
		return lifecycleError(c, err)
	}
	return utils.Success(c, fiber.StatusOK, view)
}

// Start provisions the candidate's working copy and returns clone access.
// One-shot: repeating it yields a conflict, not a second repository.
func (h *CandidateHandler) Start(c *fiber.Ctx) error {
	result, err := h.Lifecycle.Start(c.UserContext(), c.Params("token"))
	if err != nil {
		return lifecycleError(c, err)
	}
	return utils.Success(c, fiber.StatusOK, result)
}

// Refresh reissues the clone credential for an in-progress assignment.
func (h *CandidateHandler) Refresh(c *fiber.Ctx) error {
	result, err := h.Lifecycle.Refresh(c.UserContext(), c.Params("token"))
	if err != nil {
		return lifecycleError(c, err)
	}
	return utils.Success(c, fiber.StatusOK, result)
}

// Submit finalizes the assignment inside the completion window.
func (h *CandidateHandler) Submit(c *fiber.Ctx) error {
	result, err := h.Lifecycle.Submit(c.UserContext(), c.Params("token"))
	if err != nil {
		return lifecycleError(c, err)
	}
	return utils.Success(c, fiber.StatusOK, result)
}
