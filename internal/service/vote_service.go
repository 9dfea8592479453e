package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"forum/internal/cache"
	"forum/internal/models"
	"forum/internal/observability"
	"forum/internal/repository"
	"forum/internal/saga"
)

const sagaVoteMirror = "vote_mirror"

// VoteService is the only writer of post vote ledgers and the per-user
// upvotes/downvotes mirrors.
type VoteService struct {
	postRepo   repository.PostRepository
	userRepo   repository.UserRepository
	moderation *ModerationService
	runner     *saga.Runner
	cache      *cache.Cache
}

type ToggleVoteInput struct {
	PostID    string
	Handle    string
	Direction models.Direction
}

// VoteResult is the committed ledger plus the voter's transition.
// MirrorSynced is false when the ledger committed but the user mirror write
// failed; the mirror is then repaired by saga replay.
type VoteResult struct {
	Ledger       *models.VoteLedger `json:"votes"`
	Previous     models.VoteState   `json:"previous"`
	Current      models.VoteState   `json:"current"`
	MirrorSynced bool               `json:"mirrorSynced"`
}

type votePayload struct {
	PostID string `json:"postId"`
	Handle string `json:"handle"`
}

func NewVoteService(
	postRepo repository.PostRepository,
	userRepo repository.UserRepository,
	moderation *ModerationService,
	runner *saga.Runner,
	c *cache.Cache,
) *VoteService {
	return &VoteService{
		postRepo:   postRepo,
		userRepo:   userRepo,
		moderation: moderation,
		runner:     runner,
		cache:      c,
	}
}

// ToggleVote applies one up or down press for the voter. The ledger change is
// atomic; the user mirror is written after it commits.
func (s *VoteService) ToggleVote(ctx context.Context, in ToggleVoteInput) (result *VoteResult, err error) {
	span, ctx := observability.StartOperation(ctx, "vote.toggle",
		observability.AttrPostID.String(in.PostID),
		observability.AttrVoteDirection.String(string(in.Direction)),
	)
	defer span.Finish(&err)

	if in.Direction != models.DirectionUp && in.Direction != models.DirectionDown {
		return nil, models.NewValidationError("Vote direction must be up or down")
	}
	if err := models.ValidateDocID(in.PostID); err != nil {
		return nil, err
	}
	if _, err := s.moderation.RequireActive(ctx, in.Handle); err != nil {
		return nil, err
	}

	var change *repository.VoteChange
	def := saga.Definition{
		Kind:    sagaVoteMirror,
		Subject: in.Handle,
		Payload: votePayload{PostID: in.PostID, Handle: in.Handle},
		Steps: []saga.Step{
			{
				// The ledger is never undone; only the mirror is rolled forward.
				Name: "ledger",
				Do: func(ctx context.Context) error {
					c, err := s.postRepo.ToggleVote(ctx, in.PostID, in.Handle, in.Direction)
					if err != nil {
						return err
					}
					change = c
					return nil
				},
			},
			{
				Name: "mirror",
				Do: func(ctx context.Context) error {
					return s.userRepo.SetVoteMirrors(ctx, in.Handle, in.PostID, change.Current)
				},
			},
		},
	}

	err = s.runner.Run(ctx, def)
	if err != nil && !saga.IsPartial(err) {
		return nil, err
	}

	result = &VoteResult{
		Ledger:       change.Ledger,
		Previous:     change.Previous,
		Current:      change.Current,
		MirrorSynced: err == nil,
	}
	if err != nil {
		observability.GlobalLogger.WarnContext(ctx, "vote mirror out of sync, journaled for replay",
			slog.String("post_id", in.PostID),
			slog.String("handle", in.Handle),
			slog.String("error", err.Error()),
		)
		span.Annotate(observability.AttrMirrorSynced.Bool(false))
	}

	observability.VoteToggles.WithLabelValues(voteStateLabel(change.Current)).Inc()
	s.cache.InvalidateFeeds(ctx)
	return result, nil
}

// GetVotes returns the ledger counters and the state of handle, which may be
// empty for anonymous readers.
func (s *VoteService) GetVotes(ctx context.Context, postID, handle string) (*models.VoteSummary, error) {
	if err := models.ValidateDocID(postID); err != nil {
		return nil, err
	}
	exists, err := s.postRepo.Exists(ctx, postID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, models.NewNotFoundError("Post", postID)
	}
	ledger, err := s.postRepo.GetVotes(ctx, postID)
	if err != nil {
		return nil, err
	}
	return &models.VoteSummary{
		UpVotes:   ledger.UpVotesCounter,
		DownVotes: ledger.DownVotesCounter,
		UserVote:  ledger.StateOf(handle),
	}, nil
}

// syncMirror rewrites the user's mirror entries from the committed ledger.
func (s *VoteService) syncMirror(ctx context.Context, postID, handle string) error {
	ledger, err := s.postRepo.GetVotes(ctx, postID)
	if err != nil {
		return err
	}
	return s.userRepo.SetVoteMirrors(ctx, handle, postID, ledger.StateOf(handle))
}

func (s *VoteService) rebuildVoteMirror(raw json.RawMessage) (saga.Definition, error) {
	var p votePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return saga.Definition{}, err
	}
	if p.PostID == "" || p.Handle == "" {
		return saga.Definition{}, models.NewValidationError("vote payload is incomplete")
	}
	return saga.Definition{
		Kind:    sagaVoteMirror,
		Subject: p.Handle,
		Payload: p,
		Steps: []saga.Step{
			{Name: "ledger", Do: func(context.Context) error { return nil }},
			{Name: "mirror", Do: func(ctx context.Context) error { return s.syncMirror(ctx, p.PostID, p.Handle) }},
		},
	}, nil
}

func voteStateLabel(v models.VoteState) string {
	switch v {
	case models.VoteUp:
		return "up"
	case models.VoteDown:
		return "down"
	default:
		return "none"
	}
}
