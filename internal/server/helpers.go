package server

import (
	"errors"
	"strings"

	"forum/internal/middleware"
	"forum/internal/models"

	"github.com/gofiber/fiber/v2"
)

// errResponseWritten signals that a helper already committed the response.
// Handlers return nil when they see it so the ErrorHandler does not overwrite it.
var errResponseWritten = errors.New("response already written")

const maxListLimit = 100

// currentUser resolves the forum profile of the authenticated uid. Tokens
// whose uid has no profile yet are rejected with 403.
func (s *Server) currentUser(c *fiber.Ctx) (*models.User, error) {
	uid := middleware.UID(c)
	if uid == "" {
		_ = models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Authorization required"))
		return nil, errResponseWritten
	}
	user, err := s.svc.User.GetByUID(c.UserContext(), uid)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			_ = models.Respond(c, models.NewUnauthorizedError("No forum profile for this account; register first"))
		} else {
			_ = models.Respond(c, err)
		}
		return nil, errResponseWritten
	}
	return user, nil
}

// optionalHandle returns the handle of the caller, or "" for anonymous
// requests and accounts without a profile.
func (s *Server) optionalHandle(c *fiber.Ctx) string {
	uid := middleware.UID(c)
	if uid == "" {
		return ""
	}
	user, err := s.svc.User.GetByUID(c.UserContext(), uid)
	if err != nil {
		return ""
	}
	return user.Handle
}

// parseBody decodes the JSON body into dest, writing a 400 on failure.
func parseBody(c *fiber.Ctx, dest any) error {
	if err := c.BodyParser(dest); err != nil {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
		return errResponseWritten
	}
	return nil
}

// parseLimit reads the limit query parameter; 0 means no limit.
func parseLimit(c *fiber.Ctx) int {
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return 0
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func param(c *fiber.Ctx, name string) string {
	return strings.TrimSpace(c.Params(name))
}

// AdminRequired rejects callers without the admin role with 403. It must be
// placed after AuthRequired. Services check the role again before writing.
func (s *Server) AdminRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		uid := middleware.UID(c)
		if _, err := s.svc.Moderation.RequireAdmin(c.UserContext(), uid); err != nil {
			if errors.Is(err, models.ErrUnauthorized) || errors.Is(err, models.ErrNotFound) {
				return models.RespondWithError(c, fiber.StatusForbidden,
					models.NewUnauthorizedError("Admin access required"))
			}
			return models.Respond(c, err)
		}
		return c.Next()
	}
}
