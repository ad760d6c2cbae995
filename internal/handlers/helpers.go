package handlers

import (
	"errors"
	"strings"

	"github.com/assesshub/backend/internal/services"
	"github.com/assesshub/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(value))
}

func getRequestID(c *fiber.Ctx) string {
	if value, ok := c.Locals("requestID").(string); ok {
		return value
	}
	return ""
}

// lifecycleError maps service-layer failures onto the HTTP surface. Unknown
// errors collapse to a bare 500 so internals never leak to candidates.
func lifecycleError(c *fiber.Ctx, err error) error {
	var expired *services.ExpiredError
	var providerErr *services.ProviderError

	switch {
	case errors.Is(err, services.ErrNotFound):
		return utils.Error(c, fiber.StatusNotFound, "invite not found")
	case errors.As(err, &expired):
		return utils.Error(c, fiber.StatusGone, expired.Error())
	case errors.Is(err, services.ErrInvalidState):
		return utils.Error(c, fiber.StatusConflict, "operation not valid for current state")
	case errors.Is(err, services.ErrChallengeArchived):
		return utils.Error(c, fiber.StatusConflict, "challenge is archived")
	case errors.As(err, &providerErr):
		return utils.Error(c, fiber.StatusBadGateway, "repository provider unavailable")
	default:
		return utils.Error(c, fiber.StatusInternalServerError, "internal error")
	}
}
