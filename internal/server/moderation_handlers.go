package server

import (
	"forum/internal/middleware"
	"forum/internal/models"
	"forum/internal/notifications"
	"forum/internal/service"

	"github.com/gofiber/fiber/v2"
)

// ListUsers handles GET /api/admin/users?q= and GET /api/admin/users?email=
func (s *Server) ListUsers(c *fiber.Ctx) error {
	if email := c.Query("email"); email != "" {
		user, err := s.svc.User.GetByEmail(c.UserContext(), email)
		if err != nil {
			return models.Respond(c, err)
		}
		return c.JSON([]*models.User{user})
	}
	users, err := s.svc.Moderation.SearchUsers(c.UserContext(), middleware.UID(c), c.Query("q"))
	if err != nil {
		return models.Respond(c, err)
	}
	return c.JSON(users)
}

// AssignAdmin handles POST /api/admin/users/:handle/admin
func (s *Server) AssignAdmin(c *fiber.Ctx) error {
	in := service.AdminUserInput{AdminUID: middleware.UID(c), Handle: param(c, "handle")}
	if err := s.svc.Moderation.AssignAdmin(c.UserContext(), in); err != nil {
		return models.Respond(c, err)
	}
	return s.respondUser(c, in.Handle)
}

// RemoveAdmin handles DELETE /api/admin/users/:handle/admin
func (s *Server) RemoveAdmin(c *fiber.Ctx) error {
	in := service.AdminUserInput{AdminUID: middleware.UID(c), Handle: param(c, "handle")}
	if err := s.svc.Moderation.RemoveAdmin(c.UserContext(), in); err != nil {
		return models.Respond(c, err)
	}
	return s.respondUser(c, in.Handle)
}

// BlockUser handles POST /api/admin/users/:handle/block with {"reason": "..."}.
func (s *Server) BlockUser(c *fiber.Ctx) error {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	handle := param(c, "handle")
	if err := s.svc.Moderation.BlockUser(c.UserContext(), service.BlockUserInput{
		AdminUID: middleware.UID(c),
		Handle:   handle,
		Reason:   req.Reason,
	}); err != nil {
		return models.Respond(c, err)
	}
	return s.respondUser(c, handle)
}

// UnblockUser handles DELETE /api/admin/users/:handle/block
func (s *Server) UnblockUser(c *fiber.Ctx) error {
	in := service.AdminUserInput{AdminUID: middleware.UID(c), Handle: param(c, "handle")}
	if err := s.svc.Moderation.UnblockUser(c.UserContext(), in); err != nil {
		return models.Respond(c, err)
	}
	return s.respondUser(c, in.Handle)
}

// AdminDeletePost handles DELETE /api/admin/posts/:id and returns the audit snapshot.
func (s *Server) AdminDeletePost(c *fiber.Ctx) error {
	snapshot, err := s.svc.Post.DeletePostAsAdmin(c.UserContext(), service.AdminDeletePostInput{
		AdminUID: middleware.UID(c),
		PostID:   param(c, "id"),
	})
	if err != nil {
		return models.Respond(c, err)
	}
	s.notifier.Publish(c.UserContext(), notifications.Event{
		Type:    notifications.EventPostDeleted,
		PostID:  snapshot.ID,
		Payload: map[string]any{"deletedBy": snapshot.DeletedBy},
	})
	return c.JSON(snapshot)
}

// ListDeletedPosts handles GET /api/admin/posts/deleted
func (s *Server) ListDeletedPosts(c *fiber.Ctx) error {
	deleted, err := s.svc.Post.ListDeleted(c.UserContext(), middleware.UID(c))
	if err != nil {
		return models.Respond(c, err)
	}
	return c.JSON(deleted)
}

// GetFeatureFlags handles GET /api/admin/feature-flags
func (s *Server) GetFeatureFlags(c *fiber.Ctx) error {
	flags := s.svc.Flags
	return c.JSON(fiber.Map{
		"raw":     flags.Raw(),
		"enabled": flags.Snapshot(middleware.UID(c)),
	})
}

func (s *Server) respondUser(c *fiber.Ctx, handle string) error {
	user, err := s.svc.User.GetByHandle(c.UserContext(), handle)
	if err != nil {
		return models.Respond(c, err)
	}
	return c.JSON(user)
}
