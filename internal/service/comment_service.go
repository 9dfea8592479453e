package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"forum/internal/cache"
	"forum/internal/models"
	"forum/internal/observability"
	"forum/internal/repository"
	"forum/internal/saga"
)

const sagaCreateComment = "create_comment"

type CommentService struct {
	postRepo   repository.PostRepository
	userRepo   repository.UserRepository
	moderation *ModerationService
	runner     *saga.Runner
	cache      *cache.Cache
}

// CreateCommentInput names the author by handle and by identity-provider uid.
// An empty UserID is taken from the author's profile.
type CreateCommentInput struct {
	Author  string
	UserID  string
	PostID  string
	Content string
}

type commentPayload struct {
	Comment models.Comment `json:"comment"`
}

func NewCommentService(
	postRepo repository.PostRepository,
	userRepo repository.UserRepository,
	moderation *ModerationService,
	runner *saga.Runner,
	c *cache.Cache,
) *CommentService {
	return &CommentService{
		postRepo:   postRepo,
		userRepo:   userRepo,
		moderation: moderation,
		runner:     runner,
		cache:      c,
	}
}

// CreateComment writes the user-side mirror first to obtain the id, then the
// post-side mirror, then the id on the user-side mirror.
func (s *CommentService) CreateComment(ctx context.Context, in CreateCommentInput) (comment *models.Comment, err error) {
	span, ctx := observability.StartOperation(ctx, "comment.create", observability.AttrPostID.String(in.PostID))
	defer span.Finish(&err)

	author, err := s.moderation.RequireActive(ctx, in.Author)
	if err != nil {
		return nil, err
	}
	userID := author.UID
	if in.UserID != "" && in.UserID != author.UID {
		return nil, models.NewUnauthorizedError("Comment uid does not belong to " + in.Author)
	}
	if err := models.ValidateDocID(in.PostID); err != nil {
		return nil, err
	}
	exists, err := s.postRepo.Exists(ctx, in.PostID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, models.NewNotFoundError("Post", in.PostID)
	}

	p := &commentPayload{Comment: models.Comment{
		Author:    in.Author,
		Content:   strings.TrimSpace(in.Content),
		CreatedOn: time.Now().UTC(),
		PostID:    in.PostID,
		UserID:    userID,
	}}
	if err := p.Comment.Validate(); err != nil {
		return nil, err
	}

	err = s.runner.Run(ctx, s.createCommentSaga(p))
	if p.Comment.ID != "" {
		s.cache.InvalidateFeeds(ctx)
	}
	if err != nil {
		return nil, err
	}
	span.Annotate(observability.AttrCommentID.String(p.Comment.ID))
	return &p.Comment, nil
}

func (s *CommentService) createCommentSaga(p *commentPayload) saga.Definition {
	c := &p.Comment
	return saga.Definition{
		Kind:    sagaCreateComment,
		Subject: c.Author,
		Payload: p,
		Steps: []saga.Step{
			{
				Name: "user_mirror",
				Do: func(ctx context.Context) error {
					id, err := s.userRepo.PushComment(ctx, c.Author, *c)
					if err != nil {
						return err
					}
					c.ID = id
					return nil
				},
				Compensate: func(ctx context.Context) error { return s.userRepo.DeleteComment(ctx, c.Author, c.ID) },
			},
			{
				Name:       "post_mirror",
				Do:         func(ctx context.Context) error { return s.postRepo.SetComment(ctx, c.PostID, *c) },
				Compensate: func(ctx context.Context) error { return s.postRepo.DeleteComment(ctx, c.PostID, c.ID) },
			},
			{
				Name:       "user_mirror_id",
				Do:         func(ctx context.Context) error { return s.userRepo.SetCommentID(ctx, c.Author, c.ID) },
				Compensate: nothingToUndo,
			},
		},
	}
}

func (s *CommentService) rebuildCreateComment(raw json.RawMessage) (saga.Definition, error) {
	var p commentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return saga.Definition{}, err
	}
	if p.Comment.ID == "" || p.Comment.PostID == "" {
		return saga.Definition{}, models.NewValidationError("create_comment payload is incomplete")
	}
	return s.createCommentSaga(&p), nil
}
