// Package reconcile finds and repairs drift between the denormalized copies
// of posts, comments and votes.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"forum/internal/models"
	"forum/internal/observability"
	"forum/internal/repository"
	"forum/internal/saga"
)

// Finding kinds.
const (
	KindMissingPostRef     = "missing_post_ref"
	KindLedgerDrift        = "ledger_drift"
	KindVoteMirrorDrift    = "vote_mirror_drift"
	KindMissingPostComment = "missing_post_comment"
	KindMissingUserComment = "missing_user_comment"
	KindMissingCommentID   = "missing_comment_id"
	KindOrphanAuthor       = "orphan_author"
	KindDanglingPostRef    = "dangling_post_ref"
	KindDanglingComment    = "dangling_comment"
	KindDanglingVote       = "dangling_vote"
	KindDanglingBookmark   = "dangling_bookmark"
)

// Options controls one sweep. Without Repair the sweep only reads.
type Options struct {
	Repair      bool
	ReplayLimit int
}

// Finding is one inconsistency.
type Finding struct {
	Kind     string `json:"kind"`
	Handle   string `json:"handle,omitempty"`
	PostID   string `json:"postId,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Repaired bool   `json:"repaired"`
}

// Report summarizes a sweep.
type Report struct {
	Sagas    *saga.ReplayReport `json:"sagas,omitempty"`
	Posts    int                `json:"posts"`
	Users    int                `json:"users"`
	Findings []Finding          `json:"findings"`
}

// Count returns the number of findings of kind.
func (r *Report) Count(kind string) int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

type Sweeper struct {
	userRepo repository.UserRepository
	postRepo repository.PostRepository
	runner   *saga.Runner
}

func NewSweeper(userRepo repository.UserRepository, postRepo repository.PostRepository, runner *saga.Runner) *Sweeper {
	return &Sweeper{userRepo: userRepo, postRepo: postRepo, runner: runner}
}

type sweep struct {
	*Sweeper
	opts   Options
	report *Report
	posts  map[string]*models.Post
	users  map[string]*models.User
}

// Run replays journaled sagas (repair mode only), then walks every post and
// user once. References to posts removed by an admin are reported and never
// repaired.
func (s *Sweeper) Run(ctx context.Context, opts Options) (report *Report, err error) {
	span, ctx := observability.StartOperation(ctx, "reconcile.sweep")
	defer span.Finish(&err)

	report = &Report{Findings: []Finding{}}
	if opts.Repair && s.runner != nil {
		replay, err := s.runner.Replay(ctx, opts.ReplayLimit)
		if err != nil {
			return report, fmt.Errorf("replay sagas: %w", err)
		}
		report.Sagas = &replay
	}

	posts, err := s.postRepo.List(ctx)
	if err != nil {
		return report, fmt.Errorf("load posts: %w", err)
	}
	users, err := s.userRepo.List(ctx)
	if err != nil {
		return report, fmt.Errorf("load users: %w", err)
	}

	sw := &sweep{
		Sweeper: s,
		opts:    opts,
		report:  report,
		posts:   make(map[string]*models.Post, len(posts)),
		users:   make(map[string]*models.User, len(users)),
	}
	for _, p := range posts {
		sw.posts[p.ID] = p
	}
	for _, u := range users {
		sw.users[u.Handle] = u
	}
	report.Posts, report.Users = len(posts), len(users)

	for _, p := range posts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := sw.checkPost(ctx, p); err != nil {
			return report, err
		}
	}
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := sw.checkUser(ctx, u); err != nil {
			return report, err
		}
	}

	observability.GlobalLogger.InfoContext(ctx, "reconciliation sweep finished",
		slog.Bool("repair", opts.Repair),
		slog.Int("posts", report.Posts),
		slog.Int("users", report.Users),
		slog.Int("findings", len(report.Findings)),
	)
	return report, nil
}

// record adds a finding and, in repair mode, runs fix. A nil fix marks a
// finding that is only reported.
func (sw *sweep) record(ctx context.Context, f Finding, fix func() error) error {
	if sw.opts.Repair && fix != nil {
		if err := fix(); err != nil {
			return fmt.Errorf("repair %s %s%s: %w", f.Kind, f.Handle, f.PostID, err)
		}
		f.Repaired = true
	}
	observability.MirrorDrift.WithLabelValues(f.Kind, strconv.FormatBool(f.Repaired)).Inc()
	observability.GlobalLogger.WarnContext(ctx, "mirror drift",
		slog.String("kind", f.Kind),
		slog.String("handle", f.Handle),
		slog.String("post_id", f.PostID),
		slog.Bool("repaired", f.Repaired),
	)
	sw.report.Findings = append(sw.report.Findings, f)
	return nil
}

func (sw *sweep) checkPost(ctx context.Context, p *models.Post) error {
	author, ok := sw.users[p.Author]
	if !ok {
		if err := sw.record(ctx, Finding{Kind: KindOrphanAuthor, Handle: p.Author, PostID: p.ID}, nil); err != nil {
			return err
		}
	} else if _, ok := author.Posts[p.ID]; !ok {
		err := sw.record(ctx, Finding{Kind: KindMissingPostRef, Handle: p.Author, PostID: p.ID}, func() error {
			return sw.userRepo.SetPostRef(ctx, p.Author, p.ID)
		})
		if err != nil {
			return err
		}
	}

	if p.Votes != nil {
		if verr := p.Votes.Validate(); verr != nil {
			err := sw.record(ctx, Finding{Kind: KindLedgerDrift, PostID: p.ID, Detail: verr.Error()}, func() error {
				_, err := sw.postRepo.RecountVotes(ctx, p.ID)
				return err
			})
			if err != nil {
				return err
			}
		}
	}

	for id, c := range p.Comments {
		c.ID = id
		user, ok := sw.users[c.Author]
		if !ok {
			continue
		}
		if _, ok := user.Comments[id]; ok {
			continue
		}
		c.PostID = p.ID
		err := sw.record(ctx, Finding{Kind: KindMissingUserComment, Handle: c.Author, PostID: p.ID, Detail: id}, func() error {
			return sw.userRepo.SetComment(ctx, c.Author, c)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (sw *sweep) checkUser(ctx context.Context, u *models.User) error {
	for _, id := range sortedIDs(u.Posts) {
		if _, ok := sw.posts[id]; !ok {
			if err := sw.record(ctx, Finding{Kind: KindDanglingPostRef, Handle: u.Handle, PostID: id}, nil); err != nil {
				return err
			}
		}
	}

	for _, id := range u.Bookmarks.IDs() {
		if _, ok := sw.posts[id]; !ok {
			if err := sw.record(ctx, Finding{Kind: KindDanglingBookmark, Handle: u.Handle, PostID: id}, nil); err != nil {
				return err
			}
		}
	}

	if err := sw.checkComments(ctx, u); err != nil {
		return err
	}
	return sw.checkVoteMirrors(ctx, u)
}

func (sw *sweep) checkComments(ctx context.Context, u *models.User) error {
	for _, id := range sortedIDs(u.Comments) {
		c := u.Comments[id]
		post, ok := sw.posts[c.PostID]
		if !ok {
			if err := sw.record(ctx, Finding{Kind: KindDanglingComment, Handle: u.Handle, PostID: c.PostID, Detail: id}, nil); err != nil {
				return err
			}
			continue
		}
		if c.ID == "" {
			err := sw.record(ctx, Finding{Kind: KindMissingCommentID, Handle: u.Handle, PostID: c.PostID, Detail: id}, func() error {
				return sw.userRepo.SetCommentID(ctx, u.Handle, id)
			})
			if err != nil {
				return err
			}
		}
		if _, ok := post.Comments[id]; ok {
			continue
		}
		c.ID = id
		c.UserID = u.UID
		err := sw.record(ctx, Finding{Kind: KindMissingPostComment, Handle: u.Handle, PostID: c.PostID, Detail: id}, func() error {
			return sw.postRepo.SetComment(ctx, c.PostID, c)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// checkVoteMirrors compares the user's upvotes/downvotes with the ledger
// states of live posts. Entries for missing posts are reported and kept.
func (sw *sweep) checkVoteMirrors(ctx context.Context, u *models.User) error {
	wantUp := map[string]string{}
	wantDown := map[string]string{}
	for id, p := range sw.posts {
		switch p.Votes.StateOf(u.Handle) {
		case models.VoteUp:
			wantUp[id] = id
		case models.VoteDown:
			wantDown[id] = id
		}
	}

	keepDangling := func(have, want map[string]string) error {
		for _, id := range sortedIDs(have) {
			if _, ok := sw.posts[id]; ok {
				continue
			}
			if err := sw.record(ctx, Finding{Kind: KindDanglingVote, Handle: u.Handle, PostID: id}, nil); err != nil {
				return err
			}
			want[id] = id
		}
		return nil
	}
	if err := keepDangling(u.Upvotes, wantUp); err != nil {
		return err
	}
	if err := keepDangling(u.Downvotes, wantDown); err != nil {
		return err
	}

	if setEqual(wantUp, u.Upvotes) && setEqual(wantDown, u.Downvotes) {
		return nil
	}
	detail := fmt.Sprintf("up %d/%d down %d/%d", len(u.Upvotes), len(wantUp), len(u.Downvotes), len(wantDown))
	return sw.record(ctx, Finding{Kind: KindVoteMirrorDrift, Handle: u.Handle, Detail: detail}, func() error {
		return sw.userRepo.ReplaceVoteMirrors(ctx, u.Handle, wantUp, wantDown)
	})
}

func setEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func sortedIDs[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
