package service

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"forum/internal/cache"
	"forum/internal/models"
	"forum/internal/observability"
	"forum/internal/repository"
	"forum/internal/saga"
)

const (
	sagaCreatePost      = "create_post"
	sagaDeletePost      = "delete_post"
	sagaAdminDeletePost = "admin_delete_post"
)

type PostService struct {
	postRepo   repository.PostRepository
	userRepo   repository.UserRepository
	auditRepo  repository.AuditRepository
	moderation *ModerationService
	runner     *saga.Runner
	cache      *cache.Cache
}

type CreatePostInput struct {
	Author  string
	Title   string
	Content string
}

type UpdatePostInput struct {
	Handle  string
	PostID  string
	Title   string
	Content string
}

type DeletePostInput struct {
	Handle string
	PostID string
}

type AdminDeletePostInput struct {
	AdminUID string
	PostID   string
}

type createPostPayload struct {
	ID   string      `json:"id"`
	Post models.Post `json:"post"`
}

type deletePostPayload struct {
	Post models.Post `json:"post"`
}

type adminDeletePayload struct {
	Snapshot models.DeletedPost `json:"snapshot"`
	Created  bool               `json:"created"`
}

func NewPostService(
	postRepo repository.PostRepository,
	userRepo repository.UserRepository,
	auditRepo repository.AuditRepository,
	moderation *ModerationService,
	runner *saga.Runner,
	c *cache.Cache,
) *PostService {
	return &PostService{
		postRepo:   postRepo,
		userRepo:   userRepo,
		auditRepo:  auditRepo,
		moderation: moderation,
		runner:     runner,
		cache:      c,
	}
}

// CreatePost pushes the post, records its id on the post and adds the ref
// under the author.
func (s *PostService) CreatePost(ctx context.Context, in CreatePostInput) (post *models.Post, err error) {
	span, ctx := observability.StartOperation(ctx, "post.create", observability.AttrHandle.String(in.Author))
	defer span.Finish(&err)

	if _, err := s.moderation.RequireActive(ctx, in.Author); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(in.Title)
	content := strings.TrimSpace(in.Content)
	if err := models.ValidateTitle(title); err != nil {
		return nil, err
	}
	if err := models.ValidateContent(content); err != nil {
		return nil, err
	}

	p := &createPostPayload{Post: models.Post{
		Author:    in.Author,
		Title:     title,
		Content:   content,
		CreatedOn: time.Now().UTC(),
	}}
	err = s.runner.Run(ctx, s.createPostSaga(p))
	if p.ID != "" {
		s.cache.InvalidateFeeds(ctx)
	}
	if err != nil {
		return nil, err
	}

	post = &p.Post
	post.ID = p.ID
	span.Annotate(observability.AttrPostID.String(post.ID))
	observability.LogServiceCall(ctx, "PostService", "CreatePost", map[string]interface{}{
		"post_id": post.ID,
		"author":  post.Author,
	})
	return post, nil
}

func (s *PostService) createPostSaga(p *createPostPayload) saga.Definition {
	return saga.Definition{
		Kind:    sagaCreatePost,
		Subject: p.Post.Author,
		Payload: p,
		Steps: []saga.Step{
			{
				Name: "push_post",
				Do: func(ctx context.Context) error {
					id, err := s.postRepo.Create(ctx, &p.Post)
					if err != nil {
						return err
					}
					p.ID = id
					return nil
				},
				Compensate: func(ctx context.Context) error { return s.postRepo.Delete(ctx, p.ID) },
			},
			{
				Name:       "post_id",
				Do:         func(ctx context.Context) error { return s.postRepo.SetID(ctx, p.ID) },
				Compensate: nothingToUndo,
			},
			{
				Name:       "author_ref",
				Do:         func(ctx context.Context) error { return s.userRepo.SetPostRef(ctx, p.Post.Author, p.ID) },
				Compensate: func(ctx context.Context) error { return s.userRepo.DeletePostRef(ctx, p.Post.Author, p.ID) },
			},
		},
	}
}

func (s *PostService) rebuildCreatePost(raw json.RawMessage) (saga.Definition, error) {
	var p createPostPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return saga.Definition{}, err
	}
	if p.ID == "" {
		return saga.Definition{}, models.NewValidationError("create_post payload has no post id")
	}
	return s.createPostSaga(&p), nil
}

// GetPost returns the post with its comments and ledger.
func (s *PostService) GetPost(ctx context.Context, postID string) (*models.Post, error) {
	if err := models.ValidateDocID(postID); err != nil {
		return nil, err
	}
	return s.postRepo.Get(ctx, postID)
}

// ListComments returns the post-side comment mirrors, oldest first.
func (s *PostService) ListComments(ctx context.Context, postID string) ([]models.Comment, error) {
	post, err := s.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	comments := sortedComments(post.Comments)
	for i := range comments {
		comments[i].PostID = postID
	}
	return comments, nil
}

// UpdatePost lets the author change the title and content.
func (s *PostService) UpdatePost(ctx context.Context, in UpdatePostInput) (post *models.Post, err error) {
	span, ctx := observability.StartOperation(ctx, "post.update", observability.AttrPostID.String(in.PostID))
	defer span.Finish(&err)

	if _, err := s.moderation.RequireActive(ctx, in.Handle); err != nil {
		return nil, err
	}
	post, err = s.GetPost(ctx, in.PostID)
	if err != nil {
		return nil, err
	}
	if post.Author != in.Handle {
		return nil, models.NewUnauthorizedError("Only the author can edit this post")
	}

	title := strings.TrimSpace(in.Title)
	content := strings.TrimSpace(in.Content)
	if err := models.ValidateTitle(title); err != nil {
		return nil, err
	}
	if err := models.ValidateContent(content); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.postRepo.Update(ctx, in.PostID, map[string]any{
		"title":     title,
		"content":   content,
		"updatedOn": now,
	}); err != nil {
		return nil, err
	}
	s.cache.InvalidateFeeds(ctx)

	post.Title = title
	post.Content = content
	post.UpdatedOn = &now
	return post, nil
}

// DeletePostAsAuthor hard-deletes the post and the author's ref. No audit
// snapshot is written.
func (s *PostService) DeletePostAsAuthor(ctx context.Context, in DeletePostInput) (err error) {
	span, ctx := observability.StartOperation(ctx, "post.delete", observability.AttrPostID.String(in.PostID))
	defer span.Finish(&err)

	post, err := s.GetPost(ctx, in.PostID)
	if err != nil {
		return err
	}
	hasRef, err := s.userRepo.HasPostRef(ctx, in.Handle, in.PostID)
	if err != nil {
		return err
	}
	if !hasRef {
		return models.NewNotFoundError("Post", in.PostID)
	}
	if post.Author != in.Handle {
		return models.NewUnauthorizedError("Only the author can delete this post")
	}

	err = s.runner.Run(ctx, s.deletePostSaga(&deletePostPayload{Post: *post}))
	s.cache.InvalidateFeeds(ctx)
	return err
}

func (s *PostService) deletePostSaga(p *deletePostPayload) saga.Definition {
	post := &p.Post
	return saga.Definition{
		Kind:    sagaDeletePost,
		Subject: post.Author,
		Payload: p,
		Steps: []saga.Step{
			{
				Name:       "delete_post",
				Do:         func(ctx context.Context) error { return s.postRepo.Delete(ctx, post.ID) },
				Compensate: func(ctx context.Context) error { return s.postRepo.Put(ctx, post) },
			},
			{
				Name:       "delete_ref",
				Do:         func(ctx context.Context) error { return s.userRepo.DeletePostRef(ctx, post.Author, post.ID) },
				Compensate: func(ctx context.Context) error { return s.userRepo.SetPostRef(ctx, post.Author, post.ID) },
			},
		},
	}
}

func (s *PostService) rebuildDeletePost(raw json.RawMessage) (saga.Definition, error) {
	var p deletePostPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return saga.Definition{}, err
	}
	if p.Post.ID == "" {
		return saga.Definition{}, models.NewValidationError("delete_post payload has no post id")
	}
	return s.deletePostSaga(&p), nil
}

// DeletePostAsAdmin snapshots the post into deletedPosts and removes it.
// The author ref and comment mirrors are left in place.
func (s *PostService) DeletePostAsAdmin(ctx context.Context, in AdminDeletePostInput) (snapshot *models.DeletedPost, err error) {
	span, ctx := observability.StartOperation(ctx, "post.admin_delete", observability.AttrPostID.String(in.PostID))
	defer span.Finish(&err)

	ok, err := s.moderation.IsAdmin(ctx, in.AdminUID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.NewUnauthorizedError("Admin access required")
	}
	post, err := s.GetPost(ctx, in.PostID)
	if err != nil {
		return nil, err
	}

	p := &adminDeletePayload{Snapshot: models.DeletedPost{
		Post:      *post,
		DeletedBy: in.AdminUID,
		DeletedOn: time.Now().UTC(),
	}}
	err = s.runner.Run(ctx, s.adminDeleteSaga(p))
	s.cache.InvalidateFeeds(ctx)
	if err != nil {
		return nil, err
	}
	observability.LogServiceCall(ctx, "PostService", "DeletePostAsAdmin", map[string]interface{}{
		"post_id":    in.PostID,
		"deleted_by": in.AdminUID,
	})
	return &p.Snapshot, nil
}

func (s *PostService) adminDeleteSaga(p *adminDeletePayload) saga.Definition {
	snap := &p.Snapshot
	return saga.Definition{
		Kind:    sagaAdminDeletePost,
		Subject: snap.DeletedBy,
		Payload: p,
		Steps: []saga.Step{
			{
				Name: "audit_snapshot",
				Do: func(ctx context.Context) error {
					created, err := s.auditRepo.Record(ctx, snap)
					if err != nil {
						return err
					}
					p.Created = p.Created || created
					return nil
				},
				Compensate: func(ctx context.Context) error {
					if !p.Created {
						return nil
					}
					return s.auditRepo.Remove(ctx, snap.ID)
				},
			},
			{
				Name:       "delete_post",
				Do:         func(ctx context.Context) error { return s.postRepo.Delete(ctx, snap.ID) },
				Compensate: func(ctx context.Context) error { return s.postRepo.Put(ctx, &snap.Post) },
			},
		},
	}
}

func (s *PostService) rebuildAdminDelete(raw json.RawMessage) (saga.Definition, error) {
	var p adminDeletePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return saga.Definition{}, err
	}
	if p.Snapshot.ID == "" {
		return saga.Definition{}, models.NewValidationError("admin_delete_post payload has no post id")
	}
	return s.adminDeleteSaga(&p), nil
}

// ListDeleted returns the audit snapshots for admins.
func (s *PostService) ListDeleted(ctx context.Context, adminUID string) ([]*models.DeletedPost, error) {
	if _, err := s.moderation.RequireAdmin(ctx, adminUID); err != nil {
		return nil, err
	}
	deleted, err := s.auditRepo.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(deleted, func(i, j int) bool { return deleted[i].DeletedOn.After(deleted[j].DeletedOn) })
	return deleted, nil
}
