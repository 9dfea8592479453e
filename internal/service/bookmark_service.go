package service

import (
	"context"

	"forum/internal/models"
	"forum/internal/repository"
)

// BookmarkService mutates users/{handle}/bookmarks, a set keyed by post id.
type BookmarkService struct {
	postRepo repository.PostRepository
	userRepo repository.UserRepository
}

type BookmarkInput struct {
	Handle string
	PostID string
}

func NewBookmarkService(postRepo repository.PostRepository, userRepo repository.UserRepository) *BookmarkService {
	return &BookmarkService{postRepo: postRepo, userRepo: userRepo}
}

// AddBookmark is idempotent. The post must exist.
func (s *BookmarkService) AddBookmark(ctx context.Context, in BookmarkInput) ([]string, error) {
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
	set, err := s.userRepo.MutateBookmarks(ctx, in.Handle, func(set models.BookmarkSet) models.BookmarkSet {
		set[in.PostID] = in.PostID
		return set
	})
	if err != nil {
		return nil, err
	}
	return set.IDs(), nil
}

// RemoveBookmark is idempotent and works for posts that no longer exist.
func (s *BookmarkService) RemoveBookmark(ctx context.Context, in BookmarkInput) ([]string, error) {
	if err := models.ValidateDocID(in.PostID); err != nil {
		return nil, err
	}
	set, err := s.userRepo.MutateBookmarks(ctx, in.Handle, func(set models.BookmarkSet) models.BookmarkSet {
		delete(set, in.PostID)
		return set
	})
	if err != nil {
		return nil, err
	}
	return set.IDs(), nil
}

// ToggleBookmark flips membership of the post and returns the new set.
// Bookmarking a missing post is NotFound; unbookmarking one is allowed.
func (s *BookmarkService) ToggleBookmark(ctx context.Context, in BookmarkInput) ([]string, error) {
	if err := models.ValidateDocID(in.PostID); err != nil {
		return nil, err
	}
	exists, err := s.postRepo.Exists(ctx, in.PostID)
	if err != nil {
		return nil, err
	}
	refused := false
	set, err := s.userRepo.MutateBookmarks(ctx, in.Handle, func(set models.BookmarkSet) models.BookmarkSet {
		refused = false
		switch {
		case set.Has(in.PostID):
			delete(set, in.PostID)
		case exists:
			set[in.PostID] = in.PostID
		default:
			refused = true
		}
		return set
	})
	if err != nil {
		return nil, err
	}
	if refused {
		return nil, models.NewNotFoundError("Post", in.PostID)
	}
	return set.IDs(), nil
}
