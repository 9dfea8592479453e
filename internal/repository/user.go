package repository

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"forum/internal/models"
	"forum/internal/observability"
	"forum/internal/treestore"
)

const (
	usersCollection  = "users"
	uidsCollection   = "uids"
	emailsCollection = "emails"
)

// UserRepository defines the interface for user data operations
type UserRepository interface {
	Get(ctx context.Context, handle string) (*models.User, error)
	Exists(ctx context.Context, handle string) (bool, error)
	List(ctx context.Context) ([]*models.User, error)
	Claim(ctx context.Context, user *models.User) error
	Release(ctx context.Context, handle string) error
	Update(ctx context.Context, handle string, fields map[string]any) error

	HandleByUID(ctx context.Context, uid string) (string, bool, error)
	HandleByEmail(ctx context.Context, email string) (string, bool, error)
	ClaimUID(ctx context.Context, uid, handle string) error
	ClaimEmail(ctx context.Context, email, handle string) error
	ReleaseUID(ctx context.Context, uid string) error
	ReleaseEmail(ctx context.Context, email string) error

	SetPostRef(ctx context.Context, handle, postID string) error
	DeletePostRef(ctx context.Context, handle, postID string) error
	HasPostRef(ctx context.Context, handle, postID string) (bool, error)

	PushComment(ctx context.Context, handle string, comment models.Comment) (string, error)
	SetComment(ctx context.Context, handle string, comment models.Comment) error
	SetCommentID(ctx context.Context, handle, commentID string) error
	DeleteComment(ctx context.Context, handle, commentID string) error

	SetVoteMirrors(ctx context.Context, handle, postID string, state models.VoteState) error
	ReplaceVoteMirrors(ctx context.Context, handle string, up, down map[string]string) error

	MutateBookmarks(ctx context.Context, handle string, fn func(models.BookmarkSet) models.BookmarkSet) (models.BookmarkSet, error)
}

type userRepository struct {
	store  treestore.Store
	logger *observability.RepoLogger
}

// NewUserRepository creates a new user repository
func NewUserRepository(store treestore.Store) UserRepository {
	return &userRepository{store: store, logger: observability.NewRepoLogger(usersCollection)}
}

func userPath(handle string, inner ...string) treestore.Path {
	return treestore.Path{usersCollection, handle}.Child(inner...)
}

func (r *userRepository) Get(ctx context.Context, handle string) (*models.User, error) {
	var user models.User
	ok, err := r.store.Get(ctx, userPath(handle), &user)
	if err != nil {
		r.logger.LogError(ctx, err, "get")
		return nil, err
	}
	if !ok {
		return nil, models.NewNotFoundError("User", handle)
	}
	if user.Handle == "" {
		user.Handle = handle
	}
	r.logger.LogRead(ctx, map[string]interface{}{"handle": handle})
	return &user, nil
}

func (r *userRepository) Exists(ctx context.Context, handle string) (bool, error) {
	return r.store.Get(ctx, userPath(handle), nil)
}

func (r *userRepository) List(ctx context.Context) ([]*models.User, error) {
	var all map[string]*models.User
	if _, err := r.store.Get(ctx, treestore.P(usersCollection), &all); err != nil {
		r.logger.LogError(ctx, err, "list")
		return nil, err
	}
	users := make([]*models.User, 0, len(all))
	for handle, u := range all {
		if u == nil {
			continue
		}
		if u.Handle == "" {
			u.Handle = handle
		}
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Handle < users[j].Handle })
	return users, nil
}

// Claim creates the user document, failing with Conflict if the handle is taken.
func (r *userRepository) Claim(ctx context.Context, user *models.User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	_, err := r.store.Transaction(ctx, userPath(user.Handle), func(current json.RawMessage) (any, error) {
		if current != nil {
			return nil, models.NewConflictError("handle " + user.Handle + " is already taken")
		}
		return user, nil
	})
	if err != nil {
		r.logger.LogError(ctx, err, "claim")
		return err
	}
	r.logger.LogCreate(ctx, map[string]interface{}{"handle": user.Handle})
	return nil
}

func (r *userRepository) Release(ctx context.Context, handle string) error {
	if err := r.store.Delete(ctx, userPath(handle)); err != nil {
		r.logger.LogError(ctx, err, "release")
		return err
	}
	r.logger.LogDelete(ctx, map[string]interface{}{"handle": handle})
	return nil
}

func (r *userRepository) Update(ctx context.Context, handle string, fields map[string]any) error {
	if err := r.store.Update(ctx, userPath(handle), fields); err != nil {
		r.logger.LogError(ctx, err, "update")
		return translate(err, "User", handle)
	}
	r.logger.LogUpdate(ctx, map[string]interface{}{"handle": handle, "fields": len(fields)})
	return nil
}

func emailPath(email string) treestore.Path {
	return treestore.Path{emailsCollection, treestore.EscapeKey(strings.ToLower(strings.TrimSpace(email)))}
}

func (r *userRepository) lookup(ctx context.Context, p treestore.Path) (string, bool, error) {
	var handle string
	ok, err := r.store.Get(ctx, p, &handle)
	if err != nil || !ok {
		return "", false, err
	}
	return handle, handle != "", nil
}

func (r *userRepository) HandleByUID(ctx context.Context, uid string) (string, bool, error) {
	if uid == "" {
		return "", false, nil
	}
	return r.lookup(ctx, treestore.Path{uidsCollection, treestore.EscapeKey(uid)})
}

func (r *userRepository) HandleByEmail(ctx context.Context, email string) (string, bool, error) {
	if email == "" {
		return "", false, nil
	}
	return r.lookup(ctx, emailPath(email))
}

func (r *userRepository) claimIndex(ctx context.Context, p treestore.Path, handle, what string) error {
	_, err := r.store.Transaction(ctx, p, func(current json.RawMessage) (any, error) {
		if current != nil {
			var owner string
			if err := json.Unmarshal(current, &owner); err == nil && owner == handle {
				return handle, nil
			}
			return nil, models.NewConflictError(what + " is already registered")
		}
		return handle, nil
	})
	return err
}

func (r *userRepository) ClaimUID(ctx context.Context, uid, handle string) error {
	return r.claimIndex(ctx, treestore.Path{uidsCollection, treestore.EscapeKey(uid)}, handle, "uid")
}

func (r *userRepository) ClaimEmail(ctx context.Context, email, handle string) error {
	return r.claimIndex(ctx, emailPath(email), handle, "email")
}

func (r *userRepository) ReleaseUID(ctx context.Context, uid string) error {
	return r.store.Delete(ctx, treestore.Path{uidsCollection, treestore.EscapeKey(uid)})
}

func (r *userRepository) ReleaseEmail(ctx context.Context, email string) error {
	return r.store.Delete(ctx, emailPath(email))
}

func (r *userRepository) SetPostRef(ctx context.Context, handle, postID string) error {
	err := r.store.Set(ctx, userPath(handle, "posts", postID), models.PostRef{ID: postID})
	return translate(err, "User", handle)
}

func (r *userRepository) DeletePostRef(ctx context.Context, handle, postID string) error {
	return r.store.Delete(ctx, userPath(handle, "posts", postID))
}

func (r *userRepository) HasPostRef(ctx context.Context, handle, postID string) (bool, error) {
	return r.store.Get(ctx, userPath(handle, "posts", postID), nil)
}

func (r *userRepository) PushComment(ctx context.Context, handle string, comment models.Comment) (string, error) {
	if err := comment.Validate(); err != nil {
		return "", err
	}
	id, err := r.store.Push(ctx, userPath(handle, "comments"), comment.UserMirror())
	if err != nil {
		r.logger.LogError(ctx, err, "push_comment")
		return "", translate(err, "User", handle)
	}
	r.logger.LogCreate(ctx, map[string]interface{}{"handle": handle, "comment_id": id})
	return id, nil
}

func (r *userRepository) SetComment(ctx context.Context, handle string, comment models.Comment) error {
	if err := comment.Validate(); err != nil {
		return err
	}
	err := r.store.Set(ctx, userPath(handle, "comments", comment.ID), comment.UserMirror())
	return translate(err, "User", handle)
}

func (r *userRepository) SetCommentID(ctx context.Context, handle, commentID string) error {
	err := r.store.Set(ctx, userPath(handle, "comments", commentID, "id"), commentID)
	return translate(err, "User", handle)
}

func (r *userRepository) DeleteComment(ctx context.Context, handle, commentID string) error {
	return r.store.Delete(ctx, userPath(handle, "comments", commentID))
}

// SetVoteMirrors writes both per-user vote sets for postID in one update.
func (r *userRepository) SetVoteMirrors(ctx context.Context, handle, postID string, state models.VoteState) error {
	var up, down any
	switch state {
	case models.VoteUp:
		up = postID
	case models.VoteDown:
		down = postID
	}
	err := r.store.Update(ctx, userPath(handle), map[string]any{
		"upvotes/" + postID:   up,
		"downvotes/" + postID: down,
	})
	if err != nil {
		r.logger.LogError(ctx, err, "set_vote_mirrors")
		return translate(err, "User", handle)
	}
	return nil
}

// ReplaceVoteMirrors overwrites both vote sets.
func (r *userRepository) ReplaceVoteMirrors(ctx context.Context, handle string, up, down map[string]string) error {
	fields := map[string]any{"upvotes": nil, "downvotes": nil}
	if len(up) > 0 {
		fields["upvotes"] = up
	}
	if len(down) > 0 {
		fields["downvotes"] = down
	}
	return translate(r.store.Update(ctx, userPath(handle), fields), "User", handle)
}

// MutateBookmarks applies fn to the bookmark set inside a transaction and
// returns the committed set. Bookmarks stored as a list are rewritten as a set.
func (r *userRepository) MutateBookmarks(ctx context.Context, handle string, fn func(models.BookmarkSet) models.BookmarkSet) (models.BookmarkSet, error) {
	raw, err := r.store.Transaction(ctx, userPath(handle, "bookmarks"), func(current json.RawMessage) (any, error) {
		set := models.BookmarkSet{}
		if current != nil {
			if err := json.Unmarshal(current, &set); err != nil {
				return nil, err
			}
		}
		next := fn(set)
		if len(next) == 0 {
			return nil, nil
		}
		return map[string]string(next), nil
	})
	if err != nil {
		r.logger.LogError(ctx, err, "bookmarks")
		return nil, translate(err, "User", handle)
	}
	set := models.BookmarkSet{}
	if raw != nil {
		if err := json.Unmarshal(raw, &set); err != nil {
			return nil, err
		}
	}
	r.logger.LogUpdate(ctx, map[string]interface{}{"handle": handle, "bookmarks": len(set)})
	return set, nil
}
