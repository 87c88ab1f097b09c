// Package testutil provides in-memory implementations of the polling service
// dependencies. MemStorage mirrors the Postgres schema's semantics, including
// the ballot uniqueness constraint, so service tests exercise the same races
// the real store arbitrates.
package testutil

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pollwave/pollwave/internal/entity"
	"github.com/pollwave/pollwave/internal/repo"
)

func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type MemStorage struct {
	mu      sync.Mutex
	nextID  int64
	polls   map[int64]entity.Poll
	options map[int64][]entity.Option
	votes   map[int64][]entity.Vote
	ballots map[int64]map[string]struct{}

	// FailVotes, when set, is returned by GetVotesByPollID after the first
	// FailVotesAfter calls have succeeded.
	FailVotes      error
	FailVotesAfter int
	votesCalls     int
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		polls:   make(map[int64]entity.Poll),
		options: make(map[int64][]entity.Option),
		votes:   make(map[int64][]entity.Vote),
		ballots: make(map[int64]map[string]struct{}),
	}
}

// AddPoll seeds a poll with the given options and returns the poll and the
// option ids in sort order.
func (m *MemStorage) AddPoll(pollType entity.PollType, status entity.PollStatus, expiresAt *time.Time, options ...string) (entity.Poll, []int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	poll := entity.Poll{
		ID:        m.nextID,
		Title:     "poll",
		Type:      pollType,
		Status:    status,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}
	m.polls[poll.ID] = poll

	ids := make([]int64, 0, len(options))
	for i, text := range options {
		m.nextID++
		m.options[poll.ID] = append(m.options[poll.ID], entity.Option{
			ID:        m.nextID,
			PollID:    poll.ID,
			Text:      text,
			SortOrder: i,
			CreatedAt: poll.CreatedAt,
		})
		ids = append(ids, m.nextID)
	}

	return poll, ids
}

func (m *MemStorage) SavePoll(_ context.Context, title, description string, pollType entity.PollType, expiresAt *time.Time, options []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	poll := entity.Poll{
		ID:          m.nextID,
		Title:       title,
		Description: description,
		Type:        pollType,
		Status:      entity.PollStatusActive,
		ExpiresAt:   expiresAt,
		CreatedAt:   time.Now().UTC(),
	}
	m.polls[poll.ID] = poll

	for i, text := range options {
		m.nextID++
		m.options[poll.ID] = append(m.options[poll.ID], entity.Option{
			ID:        m.nextID,
			PollID:    poll.ID,
			Text:      text,
			SortOrder: i,
			CreatedAt: poll.CreatedAt,
		})
	}

	return poll.ID, nil
}

func (m *MemStorage) GetPollByID(_ context.Context, id int64) (entity.Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	poll, ok := m.polls[id]
	if !ok {
		return entity.Poll{}, repo.ErrPollNotFound
	}
	return poll, nil
}

func (m *MemStorage) GetPolls(_ context.Context) ([]entity.Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	polls := make([]entity.Poll, 0, len(m.polls))
	for _, poll := range m.polls {
		polls = append(polls, poll)
	}
	return polls, nil
}

func (m *MemStorage) GetOptionsByPollID(_ context.Context, pollID int64) ([]entity.Option, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]entity.Option(nil), m.options[pollID]...), nil
}

func (m *MemStorage) GetVotesByPollID(_ context.Context, pollID int64) ([]entity.Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.votesCalls++
	if m.FailVotes != nil && m.votesCalls > m.FailVotesAfter {
		return nil, m.FailVotes
	}
	return append([]entity.Vote(nil), m.votes[pollID]...), nil
}

// SaveBallot enforces the same atomic check-and-insert the database unique
// index provides: the folded voter name is claimed under the lock before any
// vote row is written.
func (m *MemStorage) SaveBallot(_ context.Context, pollID int64, voterKey, voterName string, selections []entity.Selection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	folded := entity.FoldVoterName(voterName)
	claimed, ok := m.ballots[pollID]
	if !ok {
		claimed = make(map[string]struct{})
		m.ballots[pollID] = claimed
	}
	if _, dup := claimed[folded]; dup {
		return repo.ErrDuplicateVoter
	}

	valid := make(map[int64]struct{})
	for _, option := range m.options[pollID] {
		valid[option.ID] = struct{}{}
	}
	for _, sel := range selections {
		if _, ok := valid[sel.OptionID]; !ok {
			return repo.ErrOptionNotFound
		}
	}

	claimed[folded] = struct{}{}
	for _, sel := range selections {
		m.nextID++
		m.votes[pollID] = append(m.votes[pollID], entity.Vote{
			ID:        m.nextID,
			PollID:    pollID,
			OptionID:  sel.OptionID,
			VoterKey:  voterKey,
			VoterName: voterName,
			Rank:      sel.Rank,
			VotedAt:   time.Now().UTC(),
		})
	}

	return nil
}

func (m *MemStorage) CloseExpiredPolls(_ context.Context, now time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int64
	for id, poll := range m.polls {
		if poll.Status == entity.PollStatusActive && poll.ExpiresAt != nil && !poll.ExpiresAt.After(now) {
			poll.Status = entity.PollStatusClosed
			m.polls[id] = poll
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemStorage) ArchiveStalePolls(_ context.Context, threshold time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int64
	for id, poll := range m.polls {
		if poll.Status != entity.PollStatusClosed {
			continue
		}
		if poll.LastViewedAt == nil || !poll.LastViewedAt.After(threshold) {
			poll.Status = entity.PollStatusArchived
			m.polls[id] = poll
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemStorage) TouchLastViewed(_ context.Context, pollID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	poll, ok := m.polls[pollID]
	if !ok {
		return repo.ErrPollNotFound
	}
	now := time.Now().UTC()
	poll.LastViewedAt = &now
	m.polls[pollID] = poll
	return nil
}

// ResetVotesCalls restarts the FailVotesAfter countdown.
func (m *MemStorage) ResetVotesCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votesCalls = 0
}

// VoteCount reports the number of stored vote rows for a poll.
func (m *MemStorage) VoteCount(pollID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.votes[pollID])
}

type memCacheEntry struct {
	data      []byte
	expiresAt time.Time
}

type MemCache struct {
	mu      sync.Mutex
	entries map[string]memCacheEntry

	// Removed records every key passed to Remove, in order.
	Removed []string
	// Err, when set, is returned by all operations.
	Err error
}

func NewMemCache() *MemCache {
	return &MemCache{entries: make(map[string]memCacheEntry)}
}

func (c *MemCache) Get(_ context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Err != nil {
		return false, c.Err
	}

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return false, nil
	}
	if err := json.Unmarshal(entry.data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *MemCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Err != nil {
		return c.Err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.entries[key] = memCacheEntry{data: data, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (c *MemCache) Remove(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Removed = append(c.Removed, keys...)
	if c.Err != nil {
		return c.Err
	}
	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

// Has reports whether the key currently holds a live entry.
func (c *MemCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	return ok && time.Now().Before(entry.expiresAt)
}

type PublishedEvent struct {
	RoutingKey string
	Payload    any
}

type MemPublisher struct {
	mu     sync.Mutex
	Events []PublishedEvent
	Err    error
}

func NewMemPublisher() *MemPublisher {
	return &MemPublisher{}
}

func (p *MemPublisher) Publish(_ context.Context, routingKey string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Err != nil {
		return p.Err
	}
	p.Events = append(p.Events, PublishedEvent{RoutingKey: routingKey, Payload: payload})
	return nil
}

func (p *MemPublisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Events)
}

type MemBroadcaster struct {
	mu        sync.Mutex
	Snapshots map[int64][]any
	Err       error
}

func NewMemBroadcaster() *MemBroadcaster {
	return &MemBroadcaster{Snapshots: make(map[int64][]any)}
}

func (b *MemBroadcaster) Broadcast(pollID int64, snapshot any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Err != nil {
		return b.Err
	}
	b.Snapshots[pollID] = append(b.Snapshots[pollID], snapshot)
	return nil
}

func (b *MemBroadcaster) Count(pollID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Snapshots[pollID])
}
