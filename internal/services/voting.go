package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pollwave/pollwave/internal/cache"
	"github.com/pollwave/pollwave/internal/entity"
	"github.com/pollwave/pollwave/internal/events"
	"github.com/pollwave/pollwave/internal/repo"
)

var (
	ErrValidation     = errors.New("validation error")
	ErrPollNotActive  = errors.New("poll is not active")
	ErrAlreadyVoted   = errors.New("you have already voted in this poll")
	ErrOptionMismatch = errors.New("option does not belong to this poll")
	ErrSingleChoice   = errors.New("single choice polls allow only one selection")
)

type PollStorage interface {
	SavePoll(ctx context.Context, title, description string, pollType entity.PollType, expiresAt *time.Time, options []string) (int64, error)
	GetPollByID(ctx context.Context, id int64) (entity.Poll, error)
	GetPolls(ctx context.Context) ([]entity.Poll, error)
	GetOptionsByPollID(ctx context.Context, pollID int64) ([]entity.Option, error)
	CloseExpiredPolls(ctx context.Context, now time.Time) ([]int64, error)
	ArchiveStalePolls(ctx context.Context, threshold time.Time) ([]int64, error)
	TouchLastViewed(ctx context.Context, pollID int64) error
}

type VoteStorage interface {
	SaveBallot(ctx context.Context, pollID int64, voterKey, voterName string, selections []entity.Selection) error
	GetVotesByPollID(ctx context.Context, pollID int64) ([]entity.Vote, error)
}

type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Remove(ctx context.Context, keys ...string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

type Broadcaster interface {
	Broadcast(pollID int64, snapshot any) error
}

type Polling struct {
	log          *slog.Logger
	pollStorage  PollStorage
	voteStorage  VoteStorage
	cache        Cache
	publisher    EventPublisher
	broadcaster  Broadcaster
	pollTTL      time.Duration
	resultsTTL   time.Duration
	archiveAfter time.Duration
}

func NewPolling(
	log *slog.Logger,
	pollStorage PollStorage,
	voteStorage VoteStorage,
	cache Cache,
	publisher EventPublisher,
	broadcaster Broadcaster,
	pollTTL time.Duration,
	resultsTTL time.Duration,
	archiveAfter time.Duration,
) *Polling {
	return &Polling{
		log:          log,
		pollStorage:  pollStorage,
		voteStorage:  voteStorage,
		cache:        cache,
		publisher:    publisher,
		broadcaster:  broadcaster,
		pollTTL:      pollTTL,
		resultsTTL:   resultsTTL,
		archiveAfter: archiveAfter,
	}
}

type CastVoteResult struct {
	PollID      int64 `json:"pollId"`
	BallotSize  int   `json:"ballotSize"`
	TotalVoters int   `json:"totalVoters"`
}

// CastVote admits one ballot: it validates the poll and selections, writes all
// vote rows durably, and then invalidates caches, publishes the domain event
// and pushes a fresh snapshot to live subscribers. Everything after the write
// is best effort and never fails the admitted vote.
func (p *Polling) CastVote(ctx context.Context, pollID int64, voterName string, selections []entity.Selection) (CastVoteResult, error) {
	const op = "Polling.CastVote"

	if strings.TrimSpace(voterName) == "" {
		return CastVoteResult{}, fmt.Errorf("%w: voter name is required", ErrValidation)
	}
	if len(selections) == 0 {
		return CastVoteResult{}, fmt.Errorf("%w: at least one selection is required", ErrValidation)
	}

	poll, err := p.pollStorage.GetPollByID(ctx, pollID)
	if err != nil {
		return CastVoteResult{}, fmt.Errorf("%s: %w", op, err)
	}

	if poll.Status != entity.PollStatusActive {
		return CastVoteResult{}, fmt.Errorf("%s: %w", op, ErrPollNotActive)
	}

	options, err := p.pollStorage.GetOptionsByPollID(ctx, pollID)
	if err != nil {
		return CastVoteResult{}, fmt.Errorf("%s: %w", op, err)
	}

	votes, err := p.voteStorage.GetVotesByPollID(ctx, pollID)
	if err != nil {
		return CastVoteResult{}, fmt.Errorf("%s: %w", op, err)
	}

	folded := entity.FoldVoterName(voterName)
	for _, vote := range votes {
		if entity.FoldVoterName(vote.VoterName) == folded {
			return CastVoteResult{}, fmt.Errorf("%s: %w", op, ErrAlreadyVoted)
		}
	}

	valid := make(map[int64]struct{}, len(options))
	for _, option := range options {
		valid[option.ID] = struct{}{}
	}
	for _, sel := range selections {
		if _, ok := valid[sel.OptionID]; !ok {
			return CastVoteResult{}, fmt.Errorf("%s: %w", op, ErrOptionMismatch)
		}
	}

	if poll.Type == entity.PollTypeSingleChoice && len(selections) != 1 {
		return CastVoteResult{}, fmt.Errorf("%s: %w", op, ErrSingleChoice)
	}

	// One fresh key per ballot so a multi-selection ballot counts as one voter.
	voterKey := uuid.NewString()

	if err := p.voteStorage.SaveBallot(ctx, pollID, voterKey, voterName, selections); err != nil {
		// The pre-check above races with concurrent submissions; the unique
		// constraint is the authority.
		switch {
		case errors.Is(err, repo.ErrDuplicateVoter):
			return CastVoteResult{}, fmt.Errorf("%s: %w", op, ErrAlreadyVoted)
		case errors.Is(err, repo.ErrOptionNotFound):
			return CastVoteResult{}, fmt.Errorf("%s: %w", op, ErrOptionMismatch)
		}
		return CastVoteResult{}, fmt.Errorf("%s: %w", op, err)
	}

	// The vote is durable from here on. The caller may already be gone, so
	// the post-commit work runs on a context that survives cancellation.
	postCtx := context.WithoutCancel(ctx)

	p.invalidate(postCtx, pollID)

	if err := p.publisher.Publish(postCtx, events.RoutingKeyVoteSubmitted, events.VoteSubmitted{
		PollID:         pollID,
		VoterName:      voterName,
		SelectionCount: len(selections),
	}); err != nil {
		p.log.Warn("failed to publish vote event", slog.Int64("pollID", pollID), slog.String("error", err.Error()))
	}

	totalVoters := distinctVoters(votes) + 1

	after, err := p.voteStorage.GetVotesByPollID(postCtx, pollID)
	if err != nil {
		// Subscribers self-heal by refetching, the returned count stays
		// correct: our voter name was not present before the write.
		p.log.Error("failed to reload votes after ballot", slog.Int64("pollID", pollID), slog.String("error", err.Error()))
	} else {
		snapshot := Aggregate(poll, options, after)
		totalVoters = snapshot.TotalVoters
		if err := p.broadcaster.Broadcast(pollID, snapshot); err != nil {
			p.log.Warn("failed to broadcast results", slog.Int64("pollID", pollID), slog.String("error", err.Error()))
		}
	}

	return CastVoteResult{PollID: pollID, BallotSize: len(selections), TotalVoters: totalVoters}, nil
}

// CreatePoll stores a poll with its options; the poll is immediately active.
func (p *Polling) CreatePoll(ctx context.Context, title, description string, pollType entity.PollType, expiresAt *time.Time, options []string) (int64, error) {
	const op = "Polling.CreatePoll"

	if strings.TrimSpace(title) == "" {
		return 0, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if len(options) < 2 {
		return 0, fmt.Errorf("%w: at least two options are required", ErrValidation)
	}
	for _, text := range options {
		if strings.TrimSpace(text) == "" {
			return 0, fmt.Errorf("%w: option text is required", ErrValidation)
		}
	}

	pollID, err := p.pollStorage.SavePoll(ctx, title, description, pollType, expiresAt, options)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return pollID, nil
}

// GetPollByID serves the poll detail through the poll:{id} cache and touches
// the last-viewed marker used by the archive sweep.
func (p *Polling) GetPollByID(ctx context.Context, id int64) (entity.PollDetail, error) {
	const op = "Polling.GetPollByID"

	var detail entity.PollDetail
	key := cache.PollKey(id)

	hit, err := p.cache.Get(ctx, key, &detail)
	if err != nil {
		p.log.Warn("cache read failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	if hit {
		p.touch(ctx, id)
		return detail, nil
	}

	poll, err := p.pollStorage.GetPollByID(ctx, id)
	if err != nil {
		return entity.PollDetail{}, fmt.Errorf("%s: %w", op, err)
	}

	options, err := p.pollStorage.GetOptionsByPollID(ctx, id)
	if err != nil {
		return entity.PollDetail{}, fmt.Errorf("%s: %w", op, err)
	}

	votes, err := p.voteStorage.GetVotesByPollID(ctx, id)
	if err != nil {
		return entity.PollDetail{}, fmt.Errorf("%s: %w", op, err)
	}

	counts := make(map[int64]int, len(options))
	for _, vote := range votes {
		counts[vote.OptionID]++
	}

	detail = entity.PollDetail{
		Poll:        poll,
		Options:     make([]entity.OptionDetail, 0, len(options)),
		TotalVoters: distinctVoters(votes),
	}
	for _, option := range options {
		detail.Options = append(detail.Options, entity.OptionDetail{
			ID:        option.ID,
			Text:      option.Text,
			SortOrder: option.SortOrder,
			VoteCount: counts[option.ID],
		})
	}

	if err := p.cache.Set(ctx, key, detail, p.pollTTL); err != nil {
		p.log.Warn("cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}

	p.touch(ctx, id)

	return detail, nil
}

func (p *Polling) GetPolls(ctx context.Context) ([]entity.Poll, error) {
	const op = "Polling.GetPolls"

	polls, err := p.pollStorage.GetPolls(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return polls, nil
}

// GetResults serves the aggregate snapshot through the poll-results:{id} cache.
func (p *Polling) GetResults(ctx context.Context, id int64) (entity.ResultSnapshot, error) {
	const op = "Polling.GetResults"

	var snapshot entity.ResultSnapshot
	key := cache.ResultsKey(id)

	hit, err := p.cache.Get(ctx, key, &snapshot)
	if err != nil {
		p.log.Warn("cache read failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	if hit {
		return snapshot, nil
	}

	poll, err := p.pollStorage.GetPollByID(ctx, id)
	if err != nil {
		return entity.ResultSnapshot{}, fmt.Errorf("%s: %w", op, err)
	}

	options, err := p.pollStorage.GetOptionsByPollID(ctx, id)
	if err != nil {
		return entity.ResultSnapshot{}, fmt.Errorf("%s: %w", op, err)
	}

	votes, err := p.voteStorage.GetVotesByPollID(ctx, id)
	if err != nil {
		return entity.ResultSnapshot{}, fmt.Errorf("%s: %w", op, err)
	}

	snapshot = Aggregate(poll, options, votes)

	if err := p.cache.Set(ctx, key, snapshot, p.resultsTTL); err != nil {
		p.log.Warn("cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}

	return snapshot, nil
}

// CloseExpiredPolls moves active polls past their expiration to closed and
// invalidates their cached payloads. Safe to run on a schedule.
func (p *Polling) CloseExpiredPolls(ctx context.Context) (int, error) {
	const op = "Polling.CloseExpiredPolls"

	ids, err := p.pollStorage.CloseExpiredPolls(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	for _, id := range ids {
		p.invalidate(ctx, id)
		p.log.Info("closed expired poll", slog.Int64("pollID", id))
	}

	return len(ids), nil
}

// ArchiveStalePolls moves closed polls nobody has viewed within the configured
// window to archived.
func (p *Polling) ArchiveStalePolls(ctx context.Context) (int, error) {
	const op = "Polling.ArchiveStalePolls"

	ids, err := p.pollStorage.ArchiveStalePolls(ctx, time.Now().UTC().Add(-p.archiveAfter))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	for _, id := range ids {
		p.invalidate(ctx, id)
		p.log.Info("archived stale poll", slog.Int64("pollID", id))
	}

	return len(ids), nil
}

func (p *Polling) invalidate(ctx context.Context, pollID int64) {
	if err := p.cache.Remove(ctx, cache.PollKey(pollID), cache.ResultsKey(pollID)); err != nil {
		p.log.Warn("cache invalidation failed", slog.Int64("pollID", pollID), slog.String("error", err.Error()))
	}
}

func (p *Polling) touch(ctx context.Context, pollID int64) {
	if err := p.pollStorage.TouchLastViewed(ctx, pollID); err != nil {
		p.log.Warn("failed to touch last viewed", slog.Int64("pollID", pollID), slog.String("error", err.Error()))
	}
}

func distinctVoters(votes []entity.Vote) int {
	names := make(map[string]struct{}, len(votes))
	for _, vote := range votes {
		names[entity.FoldVoterName(vote.VoterName)] = struct{}{}
	}
	return len(names)
}
