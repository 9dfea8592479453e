package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"forum/internal/cache"
	"forum/internal/featureflags"
	"forum/internal/models"
	"forum/internal/repository"
)

// Feed sort orders.
const (
	SortRecent         = "recent"
	SortOldest         = "oldest"
	SortMostCommented  = "most-commented"
	SortLeastCommented = "least-commented"
	SortMostVoted      = "most-voted"
	SortLeastVoted     = "least-voted"
)

// FeedService lists posts. The store has no secondary indexes, so every
// query loads the whole posts collection and sorts it in memory.
type FeedService struct {
	postRepo repository.PostRepository
	cache    *cache.Cache
	flags    *featureflags.Manager
	ttl      time.Duration
}

type ListPostsInput struct {
	Sort   string
	Limit  int
	Search string
}

func NewFeedService(postRepo repository.PostRepository, c *cache.Cache, flags *featureflags.Manager, ttl time.Duration) *FeedService {
	return &FeedService{postRepo: postRepo, cache: c, flags: flags, ttl: ttl}
}

// List returns posts in the requested order. Limit <= 0 returns every post.
func (s *FeedService) List(ctx context.Context, in ListPostsInput) ([]*models.Post, error) {
	order := strings.ToLower(strings.TrimSpace(in.Sort))
	if order == "" {
		order = SortRecent
	}
	less, ok := feedOrders[order]
	if !ok {
		return nil, models.NewValidationError("Unknown sort " + in.Sort)
	}
	search := strings.TrimSpace(in.Search)

	load := func() ([]*models.Post, error) {
		posts, err := s.postRepo.List(ctx)
		if err != nil {
			return nil, err
		}
		return sortFeed(filterByTitle(posts, search), less, in.Limit), nil
	}

	if !s.flags.EnabledOr(featureflags.FeedCache, "", true) {
		return load()
	}

	var posts []*models.Post
	key := cache.FeedKey(order, in.Limit, search)
	err := s.cache.FeedAside(ctx, key, &posts, s.ttl, func() error {
		loaded, err := load()
		if err != nil {
			return err
		}
		posts = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return posts, nil
}

type postLess func(a, b *models.Post) bool

var feedOrders = map[string]postLess{
	SortRecent: func(a, b *models.Post) bool { return a.CreatedOn.After(b.CreatedOn) },
	SortOldest: func(a, b *models.Post) bool { return a.CreatedOn.Before(b.CreatedOn) },
	SortMostCommented: func(a, b *models.Post) bool {
		return a.CommentCount() > b.CommentCount()
	},
	SortLeastCommented: func(a, b *models.Post) bool {
		return a.CommentCount() < b.CommentCount()
	},
	SortMostVoted:  func(a, b *models.Post) bool { return a.Score() > b.Score() },
	SortLeastVoted: func(a, b *models.Post) bool { return a.Score() < b.Score() },
}

func filterByTitle(posts []*models.Post, search string) []*models.Post {
	if search == "" {
		return posts
	}
	q := strings.ToLower(search)
	out := posts[:0]
	for _, p := range posts {
		if strings.Contains(strings.ToLower(p.Title), q) {
			out = append(out, p)
		}
	}
	return out
}

// sortFeed orders posts by less, breaking ties by id so pages are stable.
func sortFeed(posts []*models.Post, less postLess, limit int) []*models.Post {
	sort.SliceStable(posts, func(i, j int) bool {
		if less(posts[i], posts[j]) {
			return true
		}
		if less(posts[j], posts[i]) {
			return false
		}
		return posts[i].ID < posts[j].ID
	})
	if limit > 0 && len(posts) > limit {
		posts = posts[:limit]
	}
	return posts
}
