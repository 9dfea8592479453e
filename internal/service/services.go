// Package service holds the forum operations: the moderation gate, the vote
// engine, the denormalized write fan-outs and the query views.
package service

import (
	"context"
	"errors"
	"time"

	"forum/internal/cache"
	"forum/internal/featureflags"
	"forum/internal/models"
	"forum/internal/repository"
	"forum/internal/saga"
	"forum/internal/treestore"
)

// Deps are the collaborators shared by every service.
type Deps struct {
	Store           treestore.Store
	Journal         saga.Journal
	Cache           *cache.Cache
	Flags           *featureflags.Manager
	SagaMaxAttempts int
	FeedCacheTTL    time.Duration
}

// Services is the wired set of forum services.
type Services struct {
	Users      repository.UserRepository
	Posts      repository.PostRepository
	Audit      repository.AuditRepository
	Runner     *saga.Runner
	Cache      *cache.Cache
	Flags      *featureflags.Manager
	Moderation *ModerationService
	User       *UserService
	Vote       *VoteService
	Post       *PostService
	Comment    *CommentService
	Bookmark   *BookmarkService
	Feed       *FeedService
}

// New builds the repositories, the saga runner and the services over one
// store, and registers a replay builder for every saga kind.
func New(d Deps) *Services {
	users := repository.NewUserRepository(d.Store)
	posts := repository.NewPostRepository(d.Store)
	audit := repository.NewAuditRepository(d.Store)

	runner := saga.NewRunner(d.Journal,
		saga.WithMaxAttempts(d.SagaMaxAttempts),
		saga.WithInlineCompensation(func(subject string) bool {
			return d.Flags.EnabledOr(featureflags.InlineCompensation, subject, false)
		}),
	)

	moderation := NewModerationService(users)
	s := &Services{
		Users:      users,
		Posts:      posts,
		Audit:      audit,
		Runner:     runner,
		Cache:      d.Cache,
		Flags:      d.Flags,
		Moderation: moderation,
		User:       NewUserService(users, moderation, runner),
		Vote:       NewVoteService(posts, users, moderation, runner, d.Cache),
		Post:       NewPostService(posts, users, audit, moderation, runner, d.Cache),
		Comment:    NewCommentService(posts, users, moderation, runner, d.Cache),
		Bookmark:   NewBookmarkService(posts, users),
		Feed:       NewFeedService(posts, d.Cache, d.Flags, d.FeedCacheTTL),
	}

	runner.Register(sagaRegister, s.User.rebuildRegister)
	runner.Register(sagaVoteMirror, s.Vote.rebuildVoteMirror)
	runner.Register(sagaCreatePost, s.Post.rebuildCreatePost)
	runner.Register(sagaDeletePost, s.Post.rebuildDeletePost)
	runner.Register(sagaAdminDeletePost, s.Post.rebuildAdminDelete)
	runner.Register(sagaCreateComment, s.Comment.rebuildCreateComment)
	return s
}

// nothingToUndo compensates a step whose write is removed together with an
// earlier step's compensation.
func nothingToUndo(context.Context) error { return nil }

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}
