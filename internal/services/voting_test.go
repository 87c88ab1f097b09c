package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pollwave/pollwave/internal/cache"
	"github.com/pollwave/pollwave/internal/entity"
	"github.com/pollwave/pollwave/internal/repo"
	"github.com/pollwave/pollwave/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pollingFixture struct {
	storage     *testutil.MemStorage
	cache       *testutil.MemCache
	publisher   *testutil.MemPublisher
	broadcaster *testutil.MemBroadcaster
	polling     *Polling
}

func newFixture() *pollingFixture {
	f := &pollingFixture{
		storage:     testutil.NewMemStorage(),
		cache:       testutil.NewMemCache(),
		publisher:   testutil.NewMemPublisher(),
		broadcaster: testutil.NewMemBroadcaster(),
	}
	f.polling = NewPolling(
		testutil.DiscardLogger(),
		f.storage,
		f.storage,
		f.cache,
		f.publisher,
		f.broadcaster,
		5*time.Minute,
		2*time.Minute,
		28*24*time.Hour,
	)
	return f
}

func TestCastVote_SingleChoice(t *testing.T) {
	f := newFixture()
	poll, optionIDs := f.storage.AddPoll(entity.PollTypeSingleChoice, entity.PollStatusActive, nil, "A", "B")

	result, err := f.polling.CastVote(context.Background(), poll.ID, "Alice", []entity.Selection{{OptionID: optionIDs[0]}})
	require.NoError(t, err)

	assert.Equal(t, poll.ID, result.PollID)
	assert.Equal(t, 1, result.BallotSize)
	assert.Equal(t, 1, result.TotalVoters)
	assert.Equal(t, 1, f.storage.VoteCount(poll.ID))

	// Both derived payloads are invalidated before the call returns.
	assert.Contains(t, f.cache.Removed, cache.PollKey(poll.ID))
	assert.Contains(t, f.cache.Removed, cache.ResultsKey(poll.ID))

	// One event and one live snapshot went out.
	assert.Equal(t, 1, f.publisher.Count())
	assert.Equal(t, 1, f.broadcaster.Count(poll.ID))
}

func TestCastVote_MultipleChoiceBallot(t *testing.T) {
	f := newFixture()
	poll, optionIDs := f.storage.AddPoll(entity.PollTypeMultipleChoice, entity.PollStatusActive, nil, "A", "B", "C")

	result, err := f.polling.CastVote(context.Background(), poll.ID, "Alice", []entity.Selection{
		{OptionID: optionIDs[0]},
		{OptionID: optionIDs[2]},
	})
	require.NoError(t, err)

	// One ballot, two rows, one distinct voter.
	assert.Equal(t, 2, result.BallotSize)
	assert.Equal(t, 1, result.TotalVoters)
	assert.Equal(t, 2, f.storage.VoteCount(poll.ID))
}

func TestCastVote_PollNotFound(t *testing.T) {
	f := newFixture()

	_, err := f.polling.CastVote(context.Background(), 404, "Alice", []entity.Selection{{OptionID: 1}})
	assert.ErrorIs(t, err, repo.ErrPollNotFound)
}

func TestCastVote_PollNotActive(t *testing.T) {
	for _, status := range []entity.PollStatus{entity.PollStatusDraft, entity.PollStatusClosed, entity.PollStatusArchived} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture()
			poll, optionIDs := f.storage.AddPoll(entity.PollTypeSingleChoice, status, nil, "A", "B")

			_, err := f.polling.CastVote(context.Background(), poll.ID, "Alice", []entity.Selection{{OptionID: optionIDs[0]}})
			assert.ErrorIs(t, err, ErrPollNotActive)
			assert.Equal(t, 0, f.storage.VoteCount(poll.ID))
		})
	}
}

func TestCastVote_DuplicateVoterCaseInsensitive(t *testing.T) {
	f := newFixture()
	poll, optionIDs := f.storage.AddPoll(entity.PollTypeSingleChoice, entity.PollStatusActive, nil, "A", "B")

	_, err := f.polling.CastVote(context.Background(), poll.ID, "Alice", []entity.Selection{{OptionID: optionIDs[0]}})
	require.NoError(t, err)

	_, err = f.polling.CastVote(context.Background(), poll.ID, "  ALICE ", []entity.Selection{{OptionID: optionIDs[1]}})
	assert.ErrorIs(t, err, ErrAlreadyVoted)
	assert.Equal(t, 1, f.storage.VoteCount(poll.ID))
}

func TestCastVote_OptionFromAnotherPoll(t *testing.T) {
	f := newFixture()
	poll, _ := f.storage.AddPoll(entity.PollTypeSingleChoice, entity.PollStatusActive, nil, "A", "B")
	_, otherOptionIDs := f.storage.AddPoll(entity.PollTypeSingleChoice, entity.PollStatusActive, nil, "X", "Y")

	_, err := f.polling.CastVote(context.Background(), poll.ID, "Alice", []entity.Selection{{OptionID: otherOptionIDs[0]}})
	assert.ErrorIs(t, err, ErrOptionMismatch)
	assert.Equal(t, 0, f.storage.VoteCount(poll.ID))
}

func TestCastVote_SingleChoiceArity(t *testing.T) {
	f := newFixture()
	poll, optionIDs := f.storage.AddPoll(entity.PollTypeSingleChoice, entity.PollStatusActive, nil, "A", "B")

	_, err := f.polling.CastVote(context.Background(), poll.ID, "Alice", []entity.Selection{
		{OptionID: optionIDs[0]},
		{OptionID: optionIDs[1]},
	})
	assert.ErrorIs(t, err, ErrSingleChoice)
	assert.Equal(t, 0, f.storage.VoteCount(poll.ID))
}

func TestCastVote_Validation(t *testing.T) {
	f := newFixture()
	poll, optionIDs := f.storage.AddPoll(entity.PollTypeSingleChoice, entity.PollStatusActive, nil, "A", "B")

	_, err := f.polling.CastVote(context.Background(), poll.ID, "   ", []entity.Selection{{OptionID: optionIDs[0]}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.polling.CastVote(context.Background(), poll.ID, "Alice", nil)
	assert.ErrorIs(t, err, ErrValidation)

	assert.Equal(t, 0, f.storage.VoteCount(poll.ID))
}

func TestCastVote_ConcurrentSameVoter(t *testing.T) {
	f := newFixture()
	poll, optionIDs := f.storage.AddPoll(entity.PollTypeSingleChoice, entity.PollStatusActive, nil, "A", "B")

	const attempts = 16

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			_, err := f.polling.CastVote(context.Background(), poll.ID, "alice", []entity.Selection{{OptionID: optionIDs[n%2]}})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyVoted):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, conflicts)
	assert.Equal(t, 1, f.storage.VoteCount(poll.ID))
}

func TestCastVote_PublisherFailureDoesNotFailVote(t *testing.T) {
	f := newFixture()
	f.publisher.Err = errors.New("broker down")
	poll, optionIDs := f.storage.AddPoll(entity.PollTypeSingleChoice, entity.PollStatusActive, nil, "A", "B")

	result, err := f.polling.CastVote(context.Background(), poll.ID, "Alice", []entity.Selection{{OptionID: optionIDs[0]}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalVoters)
	assert.Equal(t, 1, f.storage.VoteCount(poll.ID))
}

func TestCastVote_BroadcastFailureDoesNotFailVote(t *testing.T) {
	f := newFixture()
	f.broadcaster.Err = errors.New("hub gone")
	poll, optionIDs := f.storage.AddPoll(entity.PollTypeSingleChoice, entity.PollStatusActive, nil, "A", "B")

	_, err := f.polling.CastVote(context.Background(), poll.ID, "Alice", []entity.Selection{{OptionID: optionIDs[0]}})
	require.NoError(t, err)
}

func TestCastVote_CacheFailureDoesNotFailVote(t *testing.T) {
	f := newFixture()
	f.cache.Err = errors.New("redis down")
	poll, optionIDs := f.storage.AddPoll(entity.PollTypeSingleChoice, entity.PollStatusActive, nil, "A", "B")

	_, err := f.polling.CastVote(context.Background(), poll.ID, "Alice", []entity.Selection{{OptionID: optionIDs[0]}})
	require.NoError(t, err)
	assert.Equal(t, 1, f.storage.VoteCount(poll.ID))
}

func TestCastVote_ReloadFailureKeepsCountCorrect(t *testing.T) {
	f := newFixture()
	poll, optionIDs := f.storage.AddPoll(entity.PollTypeSingleChoice, entity.PollStatusActive, nil, "A", "B")

	_, err := f.polling.CastVote(context.Background(), poll.ID, "Alice", []entity.Selection{{OptionID: optionIDs[0]}})
	require.NoError(t, err)

	// Fail the post-commit reload of Bob's ballot (pre-read succeeds).
	f.storage.FailVotes = errors.New("connection reset")
	f.storage.FailVotesAfter = 1
	f.storage.ResetVotesCalls()

	result, err := f.polling.CastVote(context.Background(), poll.ID, "Bob", []entity.Selection{{OptionID: optionIDs[1]}})
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalVoters)
}

func TestCastVote_CancelledCallerStillGetsPostCommitEffects(t *testing.T) {
	f := newFixture()
	poll, optionIDs := f.storage.AddPoll(entity.PollTypeSingleChoice, entity.PollStatusActive, nil, "A", "B")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The fakes ignore ctx, so the write goes through; the point is that the
	// post-commit pipeline must not be skipped on a cancelled context.
	result, err := f.polling.CastVote(ctx, poll.ID, "Alice", []entity.Selection{{OptionID: optionIDs[0]}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalVoters)
	assert.Equal(t, 1, f.publisher.Count())
	assert.Equal(t, 1, f.broadcaster.Count(poll.ID))
}

func TestGetResults_MonotonicVoteCounts(t *testing.T) {
	f := newFixture()
	poll, optionIDs := f.storage.AddPoll(entity.PollTypeSingleChoice, entity.PollStatusActive, nil, "A", "B")

	previous := 0
	voters := []string{"Alice", "Bob", "Charlie", "Dave"}
	for _, voter := range voters {
		_, err := f.polling.CastVote(context.Background(), poll.ID, voter, []entity.Selection{{OptionID: optionIDs[0]}})
		require.NoError(t, err)

		snapshot, err := f.polling.GetResults(context.Background(), poll.ID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, snapshot.TotalVotes, previous+1)
		previous = snapshot.TotalVotes
	}
}

func TestGetResults_ServedFromCache(t *testing.T) {
	f := newFixture()
	poll, optionIDs := f.storage.AddPoll(entity.PollTypeSingleChoice, entity.PollStatusActive, nil, "A", "B")

	_, err := f.polling.CastVote(context.Background(), poll.ID, "Alice", []entity.Selection{{OptionID: optionIDs[0]}})
	require.NoError(t, err)

	first, err := f.polling.GetResults(context.Background(), poll.ID)
	require.NoError(t, err)
	require.True(t, f.cache.Has(cache.ResultsKey(poll.ID)))

	second, err := f.polling.GetResults(context.Background(), poll.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGetResults_CacheFailureFallsBackToStore(t *testing.T) {
	f := newFixture()
	poll, optionIDs := f.storage.AddPoll(entity.PollTypeSingleChoice, entity.PollStatusActive, nil, "A", "B")

	_, err := f.polling.CastVote(context.Background(), poll.ID, "Alice", []entity.Selection{{OptionID: optionIDs[0]}})
	require.NoError(t, err)

	f.cache.Err = errors.New("redis down")

	snapshot, err := f.polling.GetResults(context.Background(), poll.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.TotalVoters)
}

func TestCreatePoll_Validation(t *testing.T) {
	f := newFixture()

	_, err := f.polling.CreatePoll(context.Background(), "", "", entity.PollTypeSingleChoice, nil, []string{"A", "B"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.polling.CreatePoll(context.Background(), "t", "", entity.PollTypeSingleChoice, nil, []string{"A"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.polling.CreatePoll(context.Background(), "t", "", entity.PollTypeSingleChoice, nil, []string{"A", " "})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreatePoll_ActiveImmediately(t *testing.T) {
	f := newFixture()

	pollID, err := f.polling.CreatePoll(context.Background(), "lunch", "", entity.PollTypeSingleChoice, nil, []string{"pizza", "sushi"})
	require.NoError(t, err)

	detail, err := f.polling.GetPollByID(context.Background(), pollID)
	require.NoError(t, err)
	assert.Equal(t, entity.PollStatusActive, detail.Status)
	require.Len(t, detail.Options, 2)
	assert.Equal(t, 0, detail.Options[0].SortOrder)
	assert.Equal(t, 1, detail.Options[1].SortOrder)
}

func TestCloseExpiredPolls_InvalidatesCache(t *testing.T) {
	f := newFixture()
	past := time.Now().UTC().Add(-time.Hour)
	poll, _ := f.storage.AddPoll(entity.PollTypeSingleChoice, entity.PollStatusActive, &past, "A", "B")

	n, err := f.polling.CloseExpiredPolls(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	updated, err := f.storage.GetPollByID(context.Background(), poll.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.PollStatusClosed, updated.Status)
	assert.Contains(t, f.cache.Removed, cache.PollKey(poll.ID))
	assert.Contains(t, f.cache.Removed, cache.ResultsKey(poll.ID))
}

func TestArchiveStalePolls(t *testing.T) {
	f := newFixture()
	poll, _ := f.storage.AddPoll(entity.PollTypeSingleChoice, entity.PollStatusClosed, nil, "A", "B")

	n, err := f.polling.ArchiveStalePolls(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	updated, err := f.storage.GetPollByID(context.Background(), poll.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.PollStatusArchived, updated.Status)
}

func TestGetPollByID_TouchesLastViewed(t *testing.T) {
	f := newFixture()
	poll, _ := f.storage.AddPoll(entity.PollTypeSingleChoice, entity.PollStatusActive, nil, "A", "B")

	_, err := f.polling.GetPollByID(context.Background(), poll.ID)
	require.NoError(t, err)

	updated, err := f.storage.GetPollByID(context.Background(), poll.ID)
	require.NoError(t, err)
	assert.NotNil(t, updated.LastViewedAt)
}
