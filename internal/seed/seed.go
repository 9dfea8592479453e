// Package seed populates the forum with demo data. Every record is written
// through the public service operations, so seeded data carries the same
// mirrors and indexes as real traffic. Intended for development and tests.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"forum/internal/models"
	"forum/internal/observability"
	"forum/internal/service"

	"github.com/brianvoe/gofakeit/v6"
)

// Options sizes a seeding run. A zero Seed uses the current time.
type Options struct {
	Users           int
	Posts           int
	CommentsPerPost int
	VotesPerPost    int
	Seed            int64
}

// Summary counts what a run wrote.
type Summary struct {
	Users     int `json:"users"`
	Posts     int `json:"posts"`
	Comments  int `json:"comments"`
	Votes     int `json:"votes"`
	Bookmarks int `json:"bookmarks"`
}

// Seeder writes fake users, posts and engagement.
type Seeder struct {
	svc   *service.Services
	faker *gofakeit.Faker
	opts  Options
}

func NewSeeder(svc *service.Services, opts Options) *Seeder {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Seeder{svc: svc, faker: gofakeit.New(seed), opts: opts}
}

// Run seeds users, then posts, then comments, votes and bookmarks.
func (s *Seeder) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	users, err := s.SeedUsers(ctx, s.opts.Users)
	if err != nil {
		return summary, err
	}
	summary.Users = len(users)
	if len(users) == 0 {
		return summary, nil
	}

	posts, err := s.SeedPosts(ctx, users, s.opts.Posts)
	if err != nil {
		return summary, err
	}
	summary.Posts = len(posts)

	if err := s.SeedEngagement(ctx, users, posts, summary); err != nil {
		return summary, err
	}

	observability.GlobalLogger.InfoContext(ctx, "seeding finished",
		slog.Int("users", summary.Users),
		slog.Int("posts", summary.Posts),
		slog.Int("comments", summary.Comments),
		slog.Int("votes", summary.Votes),
		slog.Int("bookmarks", summary.Bookmarks),
	)
	return summary, nil
}

// SeedUsers registers n users with unique handles.
func (s *Seeder) SeedUsers(ctx context.Context, n int) ([]*models.User, error) {
	users := make([]*models.User, 0, n)
	for i := 0; i < n; i++ {
		handle := s.handle(i)
		user, err := s.svc.User.Register(ctx, service.RegisterInput{
			Handle:       handle,
			UID:          "seed-" + s.faker.UUID(),
			Email:        fmt.Sprintf("%s@%s", handle, s.faker.DomainName()),
			FirstName:    s.name(s.faker.FirstName),
			LastName:     s.name(s.faker.LastName),
			ProfilePhoto: fmt.Sprintf("https://picsum.photos/seed/%s/200/200", handle),
		})
		if err != nil {
			return users, fmt.Errorf("seed user %s: %w", handle, err)
		}
		users = append(users, user)
	}
	return users, nil
}

// SeedPosts creates n posts by random authors.
func (s *Seeder) SeedPosts(ctx context.Context, users []*models.User, n int) ([]*models.Post, error) {
	posts := make([]*models.Post, 0, n)
	for i := 0; i < n; i++ {
		author := users[s.faker.Number(0, len(users)-1)]
		post, err := s.svc.Post.CreatePost(ctx, service.CreatePostInput{
			Author:  author.Handle,
			Title:   fit(s.faker.Sentence(5), 16, 64, func() string { return s.faker.Word() }),
			Content: fit(s.faker.Paragraph(1, 3, 8, " "), 32, 8192, func() string { return s.faker.Sentence(6) }),
		})
		if err != nil {
			return posts, fmt.Errorf("seed post by %s: %w", author.Handle, err)
		}
		posts = append(posts, post)
	}
	return posts, nil
}

// SeedEngagement adds comments, votes from distinct voters and a bookmark
// per user on a coin flip.
func (s *Seeder) SeedEngagement(ctx context.Context, users []*models.User, posts []*models.Post, summary *Summary) error {
	for _, post := range posts {
		for i := 0; i < s.opts.CommentsPerPost; i++ {
			author := users[s.faker.Number(0, len(users)-1)]
			if _, err := s.svc.Comment.CreateComment(ctx, service.CreateCommentInput{
				Author:  author.Handle,
				PostID:  post.ID,
				Content: s.faker.Sentence(s.faker.Number(3, 12)),
			}); err != nil {
				return fmt.Errorf("seed comment on %s: %w", post.ID, err)
			}
			summary.Comments++
		}

		voters := s.faker.Rand.Perm(len(users))
		if n := s.opts.VotesPerPost; n < len(voters) {
			voters = voters[:n]
		}
		for _, idx := range voters {
			dir := models.DirectionUp
			if s.faker.Number(1, 4) == 1 {
				dir = models.DirectionDown
			}
			if _, err := s.svc.Vote.ToggleVote(ctx, service.ToggleVoteInput{
				PostID:    post.ID,
				Handle:    users[idx].Handle,
				Direction: dir,
			}); err != nil {
				return fmt.Errorf("seed vote on %s: %w", post.ID, err)
			}
			summary.Votes++
		}
	}

	if len(posts) == 0 {
		return nil
	}
	for _, user := range users {
		if !s.faker.Bool() {
			continue
		}
		post := posts[s.faker.Number(0, len(posts)-1)]
		if _, err := s.svc.Bookmark.AddBookmark(ctx, service.BookmarkInput{
			Handle: user.Handle,
			PostID: post.ID,
		}); err != nil {
			return fmt.Errorf("seed bookmark for %s: %w", user.Handle, err)
		}
		summary.Bookmarks++
	}
	return nil
}

// handle derives a unique, path-safe handle from a fake username.
func (s *Seeder) handle(i int) string {
	base := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-' {
			return r
		}
		return -1
	}, strings.ToLower(s.faker.Username()))
	if len(base) > 24 {
		base = base[:24]
	}
	if base == "" {
		base = "user"
	}
	return fmt.Sprintf("%s_%d", base, i)
}

func (s *Seeder) name(gen func() string) string {
	for i := 0; i < 10; i++ {
		if n := gen(); len(n) >= 4 && len(n) <= 32 {
			return n
		}
	}
	return "Anonymous"
}

// fit pads s with more words until it is at least lo bytes and trims it to hi.
func fit(s string, lo, hi int, more func() string) string {
	s = strings.TrimSpace(s)
	for len(s) < lo {
		s += " " + more()
	}
	if len(s) > hi {
		s = strings.TrimSpace(s[:hi])
	}
	return s
}
