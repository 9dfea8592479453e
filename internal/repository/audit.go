package repository

import (
	"context"
	"encoding/json"
	"sort"

	"forum/internal/models"
	"forum/internal/observability"
	"forum/internal/treestore"
)

const deletedPostsCollection = "deletedPosts"

// AuditRepository stores the append-only deletedPosts snapshots.
type AuditRepository interface {
	Record(ctx context.Context, snapshot *models.DeletedPost) (bool, error)
	Get(ctx context.Context, postID string) (*models.DeletedPost, error)
	List(ctx context.Context) ([]*models.DeletedPost, error)
	Remove(ctx context.Context, postID string) error
}

type auditRepository struct {
	store  treestore.Store
	logger *observability.RepoLogger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(store treestore.Store) AuditRepository {
	return &auditRepository{store: store, logger: observability.NewRepoLogger(deletedPostsCollection)}
}

// Record writes the snapshot unless one already exists for the post, and
// reports whether it wrote. An existing snapshot is never overwritten.
func (r *auditRepository) Record(ctx context.Context, snapshot *models.DeletedPost) (bool, error) {
	if err := snapshot.Validate(); err != nil {
		return false, err
	}
	created := false
	_, err := r.store.Transaction(ctx, treestore.Path{deletedPostsCollection, snapshot.ID}, func(current json.RawMessage) (any, error) {
		if current != nil {
			created = false
			return current, nil
		}
		created = true
		return snapshot, nil
	})
	if err != nil {
		r.logger.LogError(ctx, err, "record")
		return false, err
	}
	if created {
		r.logger.LogCreate(ctx, map[string]interface{}{"post_id": snapshot.ID, "deleted_by": snapshot.DeletedBy})
	}
	return created, nil
}

func (r *auditRepository) Get(ctx context.Context, postID string) (*models.DeletedPost, error) {
	var snapshot models.DeletedPost
	ok, err := r.store.Get(ctx, treestore.Path{deletedPostsCollection, postID}, &snapshot)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.NewNotFoundError("Deleted post", postID)
	}
	snapshot.ID = postID
	return &snapshot, nil
}

func (r *auditRepository) List(ctx context.Context) ([]*models.DeletedPost, error) {
	var all map[string]*models.DeletedPost
	if _, err := r.store.Get(ctx, treestore.P(deletedPostsCollection), &all); err != nil {
		return nil, err
	}
	out := make([]*models.DeletedPost, 0, len(all))
	for id, d := range all {
		if d == nil {
			continue
		}
		d.ID = id
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Remove drops a snapshot. Only used to undo a snapshot written by a
// deletion that did not go through.
func (r *auditRepository) Remove(ctx context.Context, postID string) error {
	if err := r.store.Delete(ctx, treestore.Path{deletedPostsCollection, postID}); err != nil {
		return err
	}
	r.logger.LogDelete(ctx, map[string]interface{}{"post_id": postID})
	return nil
}
