package repository

import (
	"context"
	"encoding/json"
	"sort"

	"forum/internal/models"
	"forum/internal/observability"
	"forum/internal/treestore"
)

const postsCollection = "posts"

// PostRepository defines the interface for post data operations
type PostRepository interface {
	Create(ctx context.Context, post *models.Post) (string, error)
	SetID(ctx context.Context, postID string) error
	Get(ctx context.Context, postID string) (*models.Post, error)
	Exists(ctx context.Context, postID string) (bool, error)
	List(ctx context.Context) ([]*models.Post, error)
	Put(ctx context.Context, post *models.Post) error
	Update(ctx context.Context, postID string, fields map[string]any) error
	Delete(ctx context.Context, postID string) error

	SetComment(ctx context.Context, postID string, comment models.Comment) error
	DeleteComment(ctx context.Context, postID, commentID string) error

	GetVotes(ctx context.Context, postID string) (*models.VoteLedger, error)
	ToggleVote(ctx context.Context, postID, handle string, dir models.Direction) (*VoteChange, error)
	RecountVotes(ctx context.Context, postID string) (bool, error)
}

// VoteChange is the committed outcome of one toggle.
type VoteChange struct {
	Ledger   *models.VoteLedger
	Previous models.VoteState
	Current  models.VoteState
}

type postRepository struct {
	store  treestore.Store
	logger *observability.RepoLogger
}

// NewPostRepository creates a new post repository
func NewPostRepository(store treestore.Store) PostRepository {
	return &postRepository{store: store, logger: observability.NewRepoLogger(postsCollection)}
}

func postPath(postID string, inner ...string) treestore.Path {
	return treestore.Path{postsCollection, postID}.Child(inner...)
}

func (r *postRepository) Create(ctx context.Context, post *models.Post) (string, error) {
	if err := post.Validate(); err != nil {
		return "", err
	}
	id, err := r.store.Push(ctx, treestore.P(postsCollection), post)
	if err != nil {
		r.logger.LogError(ctx, err, "create")
		return "", err
	}
	r.logger.LogCreate(ctx, map[string]interface{}{"post_id": id, "author": post.Author})
	return id, nil
}

func (r *postRepository) SetID(ctx context.Context, postID string) error {
	return translate(r.store.Set(ctx, postPath(postID, "id"), postID), "Post", postID)
}

func (r *postRepository) Get(ctx context.Context, postID string) (*models.Post, error) {
	var post models.Post
	ok, err := r.store.Get(ctx, postPath(postID), &post)
	if err != nil {
		r.logger.LogError(ctx, err, "get")
		return nil, err
	}
	if !ok {
		return nil, models.NewNotFoundError("Post", postID)
	}
	post.ID = postID
	r.logger.LogRead(ctx, map[string]interface{}{"post_id": postID})
	return &post, nil
}

func (r *postRepository) Exists(ctx context.Context, postID string) (bool, error) {
	return r.store.Get(ctx, postPath(postID), nil)
}

func (r *postRepository) List(ctx context.Context) ([]*models.Post, error) {
	var all map[string]*models.Post
	if _, err := r.store.Get(ctx, treestore.P(postsCollection), &all); err != nil {
		r.logger.LogError(ctx, err, "list")
		return nil, err
	}
	posts := make([]*models.Post, 0, len(all))
	for id, p := range all {
		if p == nil {
			continue
		}
		p.ID = id
		posts = append(posts, p)
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].ID < posts[j].ID })
	return posts, nil
}

// Put writes the whole post document, e.g. to restore a snapshot.
func (r *postRepository) Put(ctx context.Context, post *models.Post) error {
	if post.ID == "" {
		return models.NewValidationError("post id is required")
	}
	if err := r.store.Set(ctx, postPath(post.ID), post); err != nil {
		r.logger.LogError(ctx, err, "put")
		return err
	}
	r.logger.LogUpdate(ctx, map[string]interface{}{"post_id": post.ID, "restore": true})
	return nil
}

func (r *postRepository) Update(ctx context.Context, postID string, fields map[string]any) error {
	if err := r.store.Update(ctx, postPath(postID), fields); err != nil {
		r.logger.LogError(ctx, err, "update")
		return translate(err, "Post", postID)
	}
	r.logger.LogUpdate(ctx, map[string]interface{}{"post_id": postID})
	return nil
}

func (r *postRepository) Delete(ctx context.Context, postID string) error {
	if err := r.store.Delete(ctx, postPath(postID)); err != nil {
		r.logger.LogError(ctx, err, "delete")
		return err
	}
	r.logger.LogDelete(ctx, map[string]interface{}{"post_id": postID})
	return nil
}

func (r *postRepository) SetComment(ctx context.Context, postID string, comment models.Comment) error {
	if err := comment.Validate(); err != nil {
		return err
	}
	err := r.store.Set(ctx, postPath(postID, "comments", comment.ID), comment.PostMirror())
	if err != nil {
		r.logger.LogError(ctx, err, "set_comment")
		return translate(err, "Post", postID)
	}
	return nil
}

func (r *postRepository) DeleteComment(ctx context.Context, postID, commentID string) error {
	return r.store.Delete(ctx, postPath(postID, "comments", commentID))
}

func (r *postRepository) GetVotes(ctx context.Context, postID string) (*models.VoteLedger, error) {
	ledger := models.NewVoteLedger()
	if _, err := r.store.Get(ctx, postPath(postID, "votes"), ledger); err != nil {
		return nil, err
	}
	return ledger, nil
}

// ToggleVote applies one button press to the ledger inside a transaction.
func (r *postRepository) ToggleVote(ctx context.Context, postID, handle string, dir models.Direction) (*VoteChange, error) {
	var change VoteChange
	ledger, err := treestore.Transact(ctx, r.store, postPath(postID, "votes"), func(cur *models.VoteLedger) (*models.VoteLedger, error) {
		if cur == nil {
			cur = models.NewVoteLedger()
		}
		change.Previous, change.Current = cur.Toggle(handle, dir)
		if err := cur.Validate(); err != nil {
			// Heal a ledger that drifted before this write.
			cur.Recount()
		}
		return cur, nil
	})
	if err != nil {
		r.logger.LogError(ctx, err, "toggle_vote")
		return nil, translate(err, "Post", postID)
	}
	if ledger == nil {
		ledger = models.NewVoteLedger()
	}
	change.Ledger = ledger
	r.logger.LogUpdate(ctx, map[string]interface{}{
		"post_id": postID,
		"voter":   handle,
		"state":   int(change.Current),
	})
	return &change, nil
}

// RecountVotes rebuilds the ledger counters from the voters and reports
// whether they had drifted.
func (r *postRepository) RecountVotes(ctx context.Context, postID string) (bool, error) {
	changed := false
	_, err := r.store.Transaction(ctx, postPath(postID, "votes"), func(current json.RawMessage) (any, error) {
		changed = false
		if current == nil {
			return nil, nil
		}
		ledger := models.NewVoteLedger()
		if err := json.Unmarshal(current, ledger); err != nil {
			return nil, err
		}
		if ledger.Validate() == nil {
			return ledger, nil
		}
		ledger.Recount()
		changed = true
		return ledger, nil
	})
	if err != nil {
		return false, translate(err, "Post", postID)
	}
	return changed, nil
}
