package server

import (
	"forum/internal/middleware"
	"forum/internal/models"
	"forum/internal/service"

	"github.com/gofiber/fiber/v2"
)

// Register handles POST /api/users. The uid comes from the token.
func (s *Server) Register(c *fiber.Ctx) error {
	var req struct {
		Handle       string `json:"handle"`
		Email        string `json:"email"`
		FirstName    string `json:"firstName"`
		LastName     string `json:"lastName"`
		ProfilePhoto string `json:"profilePhoto"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	user, err := s.svc.User.Register(c.UserContext(), service.RegisterInput{
		Handle:       req.Handle,
		UID:          middleware.UID(c),
		Email:        req.Email,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		ProfilePhoto: req.ProfilePhoto,
	})
	if err != nil {
		return models.Respond(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(user)
}

// GetMyProfile handles GET /api/users/me
func (s *Server) GetMyProfile(c *fiber.Ctx) error {
	user, err := s.currentUser(c)
	if err != nil {
		return nil
	}
	return c.JSON(user)
}

// UpdateMyProfile handles PUT /api/users/me
func (s *Server) UpdateMyProfile(c *fiber.Ctx) error {
	user, err := s.currentUser(c)
	if err != nil {
		return nil
	}

	var req struct {
		FirstName    *string `json:"firstName"`
		LastName     *string `json:"lastName"`
		ProfilePhoto *string `json:"profilePhoto"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	updated, err := s.svc.User.UpdateProfile(c.UserContext(), service.UpdateProfileInput{
		Handle:       user.Handle,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		ProfilePhoto: req.ProfilePhoto,
	})
	if err != nil {
		return models.Respond(c, err)
	}
	return c.JSON(updated)
}

// GetUserProfile handles GET /api/users/:handle
func (s *Server) GetUserProfile(c *fiber.Ctx) error {
	user, err := s.svc.User.GetByHandle(c.UserContext(), param(c, "handle"))
	if err != nil {
		return models.Respond(c, err)
	}
	return c.JSON(user.Public())
}

// GetUserPosts handles GET /api/users/:handle/posts
func (s *Server) GetUserPosts(c *fiber.Ctx) error {
	ids, err := s.svc.User.GetUserPosts(c.UserContext(), param(c, "handle"))
	if err != nil {
		return models.Respond(c, err)
	}
	return c.JSON(ids)
}

// GetUserComments handles GET /api/users/:handle/comments
func (s *Server) GetUserComments(c *fiber.Ctx) error {
	comments, err := s.svc.User.GetUserComments(c.UserContext(), param(c, "handle"))
	if err != nil {
		return models.Respond(c, err)
	}
	return c.JSON(comments)
}

// GetUserUpvotes handles GET /api/users/:handle/upvotes
func (s *Server) GetUserUpvotes(c *fiber.Ctx) error {
	ids, err := s.svc.User.GetUpvoted(c.UserContext(), param(c, "handle"))
	if err != nil {
		return models.Respond(c, err)
	}
	return c.JSON(ids)
}

// GetUserDownvotes handles GET /api/users/:handle/downvotes
func (s *Server) GetUserDownvotes(c *fiber.Ctx) error {
	ids, err := s.svc.User.GetDownvoted(c.UserContext(), param(c, "handle"))
	if err != nil {
		return models.Respond(c, err)
	}
	return c.JSON(ids)
}

// GetUserBookmarks handles GET /api/users/:handle/bookmarks. Bookmarks are
// private to their owner.
func (s *Server) GetUserBookmarks(c *fiber.Ctx) error {
	user, err := s.currentUser(c)
	if err != nil {
		return nil
	}
	if handle := param(c, "handle"); handle != user.Handle {
		return models.Respond(c, models.NewUnauthorizedError("You can only view your own bookmarks"))
	}

	ids, err := s.svc.User.GetBookmarks(c.UserContext(), user.Handle)
	if err != nil {
		return models.Respond(c, err)
	}
	return c.JSON(ids)
}
