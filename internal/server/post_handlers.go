package server

import (
	"forum/internal/models"
	"forum/internal/notifications"
	"forum/internal/service"

	"github.com/gofiber/fiber/v2"
)

// GetPosts handles GET /api/posts?sort=&limit=&q=
func (s *Server) GetPosts(c *fiber.Ctx) error {
	posts, err := s.svc.Feed.List(c.UserContext(), service.ListPostsInput{
		Sort:   c.Query("sort"),
		Limit:  parseLimit(c),
		Search: c.Query("q"),
	})
	if err != nil {
		return models.Respond(c, err)
	}
	return c.JSON(posts)
}

// GetPost handles GET /api/posts/:id
func (s *Server) GetPost(c *fiber.Ctx) error {
	post, err := s.svc.Post.GetPost(c.UserContext(), param(c, "id"))
	if err != nil {
		return models.Respond(c, err)
	}
	return c.JSON(post)
}

// GetComments handles GET /api/posts/:id/comments
func (s *Server) GetComments(c *fiber.Ctx) error {
	comments, err := s.svc.Post.ListComments(c.UserContext(), param(c, "id"))
	if err != nil {
		return models.Respond(c, err)
	}
	return c.JSON(comments)
}

// CreatePost handles POST /api/posts
func (s *Server) CreatePost(c *fiber.Ctx) error {
	user, err := s.currentUser(c)
	if err != nil {
		return nil
	}

	var req struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	post, err := s.svc.Post.CreatePost(c.UserContext(), service.CreatePostInput{
		Author:  user.Handle,
		Title:   req.Title,
		Content: req.Content,
	})
	if err != nil {
		return models.Respond(c, err)
	}
	s.notifier.Publish(c.UserContext(), notifications.Event{
		Type:   notifications.EventPostCreated,
		PostID: post.ID,
		Handle: post.Author,
	})
	return c.Status(fiber.StatusCreated).JSON(post)
}

// UpdatePost handles PUT /api/posts/:id. Omitted fields keep their value.
func (s *Server) UpdatePost(c *fiber.Ctx) error {
	user, err := s.currentUser(c)
	if err != nil {
		return nil
	}

	var req struct {
		Title   *string `json:"title"`
		Content *string `json:"content"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	if req.Title == nil && req.Content == nil {
		return models.Respond(c, models.NewValidationError("Title or content is required"))
	}

	postID := param(c, "id")
	existing, err := s.svc.Post.GetPost(c.UserContext(), postID)
	if err != nil {
		return models.Respond(c, err)
	}
	in := service.UpdatePostInput{
		Handle:  user.Handle,
		PostID:  postID,
		Title:   existing.Title,
		Content: existing.Content,
	}
	if req.Title != nil {
		in.Title = *req.Title
	}
	if req.Content != nil {
		in.Content = *req.Content
	}

	post, err := s.svc.Post.UpdatePost(c.UserContext(), in)
	if err != nil {
		return models.Respond(c, err)
	}
	s.notifier.Publish(c.UserContext(), notifications.Event{
		Type:   notifications.EventPostUpdated,
		PostID: post.ID,
		Handle: user.Handle,
	})
	return c.JSON(post)
}

// DeletePost handles DELETE /api/posts/:id for the author.
func (s *Server) DeletePost(c *fiber.Ctx) error {
	user, err := s.currentUser(c)
	if err != nil {
		return nil
	}
	postID := param(c, "id")
	if err := s.svc.Post.DeletePostAsAuthor(c.UserContext(), service.DeletePostInput{
		Handle: user.Handle,
		PostID: postID,
	}); err != nil {
		return models.Respond(c, err)
	}
	s.notifier.Publish(c.UserContext(), notifications.Event{
		Type:   notifications.EventPostDeleted,
		PostID: postID,
		Handle: user.Handle,
	})
	return c.SendStatus(fiber.StatusNoContent)
}

// CreateComment handles POST /api/posts/:id/comments
func (s *Server) CreateComment(c *fiber.Ctx) error {
	user, err := s.currentUser(c)
	if err != nil {
		return nil
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	comment, err := s.svc.Comment.CreateComment(c.UserContext(), service.CreateCommentInput{
		Author:  user.Handle,
		UserID:  user.UID,
		PostID:  param(c, "id"),
		Content: req.Content,
	})
	if err != nil {
		return models.Respond(c, err)
	}
	s.notifier.Publish(c.UserContext(), notifications.Event{
		Type:    notifications.EventCommentCreated,
		PostID:  comment.PostID,
		Handle:  user.Handle,
		Payload: map[string]any{"commentId": comment.ID},
	})
	return c.Status(fiber.StatusCreated).JSON(comment)
}

// ToggleVote handles POST /api/posts/:id/vote with {"direction": "up"|"down"}.
func (s *Server) ToggleVote(c *fiber.Ctx) error {
	user, err := s.currentUser(c)
	if err != nil {
		return nil
	}

	var req struct {
		Direction string `json:"direction"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	dir, err := models.ParseDirection(req.Direction)
	if err != nil {
		return models.Respond(c, err)
	}

	postID := param(c, "id")
	result, err := s.svc.Vote.ToggleVote(c.UserContext(), service.ToggleVoteInput{
		PostID:    postID,
		Handle:    user.Handle,
		Direction: dir,
	})
	if err != nil {
		return models.Respond(c, err)
	}
	s.notifier.Publish(c.UserContext(), notifications.Event{
		Type:   notifications.EventVoteChanged,
		PostID: postID,
		Payload: map[string]any{
			"upVotes":   result.Ledger.UpVotesCounter,
			"downVotes": result.Ledger.DownVotesCounter,
		},
	})
	return c.JSON(result)
}

// GetVotes handles GET /api/posts/:id/votes. UserVote is the caller's state
// when a token is present.
func (s *Server) GetVotes(c *fiber.Ctx) error {
	summary, err := s.svc.Vote.GetVotes(c.UserContext(), param(c, "id"), s.optionalHandle(c))
	if err != nil {
		return models.Respond(c, err)
	}
	return c.JSON(summary)
}

// ToggleBookmark handles POST /api/posts/:id/bookmark
func (s *Server) ToggleBookmark(c *fiber.Ctx) error {
	user, err := s.currentUser(c)
	if err != nil {
		return nil
	}
	set, err := s.svc.Bookmark.ToggleBookmark(c.UserContext(), service.BookmarkInput{
		Handle: user.Handle,
		PostID: param(c, "id"),
	})
	if err != nil {
		return models.Respond(c, err)
	}
	return c.JSON(fiber.Map{"bookmarks": set})
}
