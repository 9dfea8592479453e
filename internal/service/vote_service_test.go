package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"forum/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVoteService_TransitionTable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := setupEnv(t, "")
	env.register(t, "ana")
	pid := env.post(t, "ana")

	steps := []struct {
		dir       models.Direction
		prev, cur models.VoteState
		up, down  int
	}{
		{models.DirectionUp, models.VoteNone, models.VoteUp, 1, 0},
		{models.DirectionUp, models.VoteUp, models.VoteNone, 0, 0},
		{models.DirectionDown, models.VoteNone, models.VoteDown, 0, 1},
		{models.DirectionDown, models.VoteDown, models.VoteNone, 0, 0},
		{models.DirectionDown, models.VoteNone, models.VoteDown, 0, 1},
		{models.DirectionUp, models.VoteDown, models.VoteUp, 1, 0},
		{models.DirectionDown, models.VoteUp, models.VoteDown, 0, 1},
	}
	for i, step := range steps {
		res, err := env.svc.Vote.ToggleVote(ctx, ToggleVoteInput{PostID: pid, Handle: "ana", Direction: step.dir})
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, step.prev, res.Previous, "step %d", i)
		assert.Equal(t, step.cur, res.Current, "step %d", i)
		assert.Equal(t, step.up, res.Ledger.UpVotesCounter, "step %d", i)
		assert.Equal(t, step.down, res.Ledger.DownVotesCounter, "step %d", i)
		assert.True(t, res.MirrorSynced)
		require.NoError(t, res.Ledger.Validate())

		user, err := env.svc.Users.Get(ctx, "ana")
		require.NoError(t, err)
		_, up := user.Upvotes[pid]
		_, down := user.Downvotes[pid]
		assert.Equal(t, step.cur == models.VoteUp, up, "step %d", i)
		assert.Equal(t, step.cur == models.VoteDown, down, "step %d", i)
	}
}

func TestVoteService_ToggleTwiceRestores(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := setupEnv(t, "")
	env.register(t, "ana")
	env.register(t, "bob")
	pid := env.post(t, "ana")

	_, err := env.svc.Vote.ToggleVote(ctx, ToggleVoteInput{PostID: pid, Handle: "bob", Direction: models.DirectionDown})
	require.NoError(t, err)
	before, err := env.svc.Vote.GetVotes(ctx, pid, "ana")
	require.NoError(t, err)

	for _, dir := range []models.Direction{models.DirectionUp, models.DirectionDown} {
		for i := 0; i < 2; i++ {
			_, err := env.svc.Vote.ToggleVote(ctx, ToggleVoteInput{PostID: pid, Handle: "ana", Direction: dir})
			require.NoError(t, err)
		}
		after, err := env.svc.Vote.GetVotes(ctx, pid, "ana")
		require.NoError(t, err)
		assert.Equal(t, before, after)
	}

	user, err := env.svc.Users.Get(ctx, "ana")
	require.NoError(t, err)
	assert.Empty(t, user.Upvotes)
	assert.Empty(t, user.Downvotes)
}

func TestVoteService_ConcurrentVotersConverge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := setupEnv(t, "")
	env.register(t, "author")
	pid := env.post(t, "author")

	// Each voter presses its own sequence; voters race each other.
	sequences := [][]models.Direction{
		{models.DirectionUp},
		{models.DirectionDown},
		{models.DirectionUp, models.DirectionUp},
		{models.DirectionDown, models.DirectionUp},
		{models.DirectionUp, models.DirectionDown},
		{models.DirectionDown, models.DirectionDown, models.DirectionDown},
		{models.DirectionUp, models.DirectionDown, models.DirectionUp},
		{models.DirectionDown, models.DirectionUp, models.DirectionDown, models.DirectionUp},
	}
	const rounds = 2

	handles := make([]string, 0, len(sequences)*rounds)
	want := map[string]models.VoteState{}
	for r := 0; r < rounds; r++ {
		for i, seq := range sequences {
			handle := fmt.Sprintf("voter_%d_%d", r, i)
			env.register(t, handle)
			handles = append(handles, handle)
			expected := models.NewVoteLedger()
			for _, dir := range seq {
				expected.Toggle(handle, dir)
			}
			want[handle] = expected.StateOf(handle)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(handles))
	for i, handle := range handles {
		wg.Add(1)
		go func(handle string, seq []models.Direction) {
			defer wg.Done()
			for _, dir := range seq {
				if _, err := env.svc.Vote.ToggleVote(ctx, ToggleVoteInput{PostID: pid, Handle: handle, Direction: dir}); err != nil {
					errs <- err
					return
				}
			}
		}(handle, sequences[i%len(sequences)])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	ledger, err := env.svc.Posts.GetVotes(ctx, pid)
	require.NoError(t, err)
	wantUp, wantDown := 0, 0
	for _, handle := range handles {
		assert.Equal(t, want[handle], ledger.StateOf(handle), handle)
		switch want[handle] {
		case models.VoteUp:
			wantUp++
		case models.VoteDown:
			wantDown++
		}
	}
	assert.Equal(t, wantUp, ledger.UpVotesCounter)
	assert.Equal(t, wantDown, ledger.DownVotesCounter)

	drifted, err := env.svc.Posts.RecountVotes(ctx, pid)
	require.NoError(t, err)
	assert.False(t, drifted, "counters must already match the voters")

	for _, handle := range handles {
		user, err := env.svc.Users.Get(ctx, handle)
		require.NoError(t, err)
		_, up := user.Upvotes[pid]
		_, down := user.Downvotes[pid]
		assert.Equal(t, want[handle] == models.VoteUp, up, handle)
		assert.Equal(t, want[handle] == models.VoteDown, down, handle)
	}
	assert.Empty(t, env.pending(t))
}

func TestVoteService_Gate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := setupEnv(t, "")
	env.register(t, "ana")
	env.register(t, "bob")
	pid := env.post(t, "ana")

	t.Run("unknown voter", func(t *testing.T) {
		_, err := env.svc.Vote.ToggleVote(ctx, ToggleVoteInput{PostID: pid, Handle: "ghost", Direction: models.DirectionUp})
		assert.True(t, errors.Is(err, models.ErrNotFound))
	})

	t.Run("blocked voter writes nothing", func(t *testing.T) {
		env.block(t, "bob")
		_, err := env.svc.Vote.ToggleVote(ctx, ToggleVoteInput{PostID: pid, Handle: "bob", Direction: models.DirectionUp})
		assert.True(t, errors.Is(err, models.ErrUnauthorized))

		ledger, err := env.svc.Posts.GetVotes(ctx, pid)
		require.NoError(t, err)
		assert.Equal(t, models.VoteNone, ledger.StateOf("bob"))
	})

	t.Run("missing post", func(t *testing.T) {
		_, err := env.svc.Vote.ToggleVote(ctx, ToggleVoteInput{PostID: "nope", Handle: "ana", Direction: models.DirectionUp})
		assert.True(t, errors.Is(err, models.ErrNotFound))
		assert.Empty(t, env.pending(t))
	})

	t.Run("bad direction", func(t *testing.T) {
		_, err := env.svc.Vote.ToggleVote(ctx, ToggleVoteInput{PostID: pid, Handle: "ana", Direction: "sideways"})
		assert.True(t, errors.Is(err, models.ErrValidation))
	})
}

func TestVoteService_MirrorFailureIsJournaledAndReplayed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := setupEnv(t, "")
	env.register(t, "ana")
	pid := env.post(t, "ana")

	env.store.failWrites("users/ana")
	res, err := env.svc.Vote.ToggleVote(ctx, ToggleVoteInput{PostID: pid, Handle: "ana", Direction: models.DirectionUp})
	require.NoError(t, err)
	assert.False(t, res.MirrorSynced)
	assert.Equal(t, 1, res.Ledger.UpVotesCounter)

	pending := env.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, sagaVoteMirror, pending[0].Kind)
	assert.Equal(t, 1, pending[0].Completed)

	env.store.heal()
	report, err := env.svc.Runner.Replay(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)

	ups, err := env.svc.User.GetUpvoted(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, []string{pid}, ups)
	assert.Empty(t, env.pending(t))
}

func TestVoteService_GetVotes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := setupEnv(t, "")
	env.register(t, "ana")
	pid := env.post(t, "ana")

	summary, err := env.svc.Vote.GetVotes(ctx, pid, "")
	require.NoError(t, err)
	assert.Equal(t, models.VoteSummary{}, *summary)

	_, err = env.svc.Vote.GetVotes(ctx, "nope", "ana")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}
