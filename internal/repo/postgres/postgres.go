package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pollwave/pollwave/internal/entity"
	"github.com/pollwave/pollwave/internal/repo"
)

type Storage struct {
	db *sql.DB
}

func New(postgresURL string) (*Storage, error) {
	const op = "storage.postgres.New"

	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// SavePoll inserts the poll and its options in one transaction. Options get
// dense 0-based sort orders in the given order and are immutable afterwards.
func (s *Storage) SavePoll(ctx context.Context, title, description string, pollType entity.PollType, expiresAt *time.Time, options []string) (int64, error) {
	const op = "storage.postgres.SavePoll"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	var pollID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO polls (title, description, type, status, expires_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		title, description, pollType, entity.PollStatusActive, expiresAt,
	).Scan(&pollID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	for i, text := range options {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO poll_options (poll_id, text, sort_order) VALUES ($1, $2, $3)`,
			pollID, text, i,
		)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return pollID, nil
}

func (s *Storage) GetPollByID(ctx context.Context, id int64) (entity.Poll, error) {
	const op = "storage.postgres.GetPollByID"

	query := `SELECT id, title, description, type, status, expires_at, last_viewed_at, created_at FROM polls WHERE id = $1`

	var poll entity.Poll
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&poll.ID, &poll.Title, &poll.Description, &poll.Type, &poll.Status,
		&poll.ExpiresAt, &poll.LastViewedAt, &poll.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.Poll{}, fmt.Errorf("%s: %w", op, repo.ErrPollNotFound)
		}
		return entity.Poll{}, fmt.Errorf("%s: %w", op, err)
	}

	return poll, nil
}

func (s *Storage) GetPolls(ctx context.Context) ([]entity.Poll, error) {
	const op = "storage.postgres.GetPolls"

	query := `SELECT id, title, description, type, status, expires_at, last_viewed_at, created_at FROM polls ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var polls []entity.Poll
	for rows.Next() {
		var poll entity.Poll
		if err := rows.Scan(&poll.ID, &poll.Title, &poll.Description, &poll.Type, &poll.Status, &poll.ExpiresAt, &poll.LastViewedAt, &poll.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		polls = append(polls, poll)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows error: %w", op, err)
	}

	return polls, nil
}

func (s *Storage) GetOptionsByPollID(ctx context.Context, pollID int64) ([]entity.Option, error) {
	const op = "storage.postgres.GetOptionsByPollID"

	query := `SELECT id, poll_id, text, sort_order, created_at FROM poll_options WHERE poll_id = $1 ORDER BY sort_order`

	rows, err := s.db.QueryContext(ctx, query, pollID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var options []entity.Option
	for rows.Next() {
		var option entity.Option
		if err := rows.Scan(&option.ID, &option.PollID, &option.Text, &option.SortOrder, &option.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		options = append(options, option)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows error: %w", op, err)
	}

	return options, nil
}

func (s *Storage) GetVotesByPollID(ctx context.Context, pollID int64) ([]entity.Vote, error) {
	const op = "storage.postgres.GetVotesByPollID"

	query := `SELECT id, poll_id, option_id, voter_key, voter_name, rank, voted_at FROM votes WHERE poll_id = $1 ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, pollID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var votes []entity.Vote
	for rows.Next() {
		var vote entity.Vote
		if err := rows.Scan(&vote.ID, &vote.PollID, &vote.OptionID, &vote.VoterKey, &vote.VoterName, &vote.Rank, &vote.VotedAt); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		votes = append(votes, vote)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows error: %w", op, err)
	}

	return votes, nil
}

// SaveBallot writes one ballot row plus one vote row per selection in a single
// transaction. The unique index on ballots (poll_id, voter_name_folded) is the
// authority on ballot uniqueness: a violation means another ballot with the
// same folded name committed first, regardless of interleaving or instance
// count.
func (s *Storage) SaveBallot(ctx context.Context, pollID int64, voterKey, voterName string, selections []entity.Selection) error {
	const op = "storage.postgres.SaveBallot"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ballots (poll_id, voter_key, voter_name, voter_name_folded) VALUES ($1, $2, $3, $4)`,
		pollID, voterKey, voterName, entity.FoldVoterName(voterName),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, translateBallotError(err))
	}

	for _, sel := range selections {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO votes (poll_id, option_id, voter_key, voter_name, rank) VALUES ($1, $2, $3, $4, $5)`,
			pollID, sel.OptionID, voterKey, voterName, sel.Rank,
		)
		if err != nil {
			return fmt.Errorf("%s: %w", op, translateBallotError(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, translateBallotError(err))
	}

	return nil
}

func translateBallotError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			return repo.ErrDuplicateVoter
		case "foreign_key_violation":
			return repo.ErrOptionNotFound
		}
	}
	return err
}

// CloseExpiredPolls transitions active polls past their expiration to closed
// and returns the ids it touched. The update is idempotent.
func (s *Storage) CloseExpiredPolls(ctx context.Context, now time.Time) ([]int64, error) {
	const op = "storage.postgres.CloseExpiredPolls"

	query := `UPDATE polls SET status = $1 WHERE status = $2 AND expires_at IS NOT NULL AND expires_at <= $3 RETURNING id`

	return s.updateStatuses(ctx, op, query, entity.PollStatusClosed, entity.PollStatusActive, now)
}

// ArchiveStalePolls transitions closed polls not viewed since the threshold to
// archived and returns the ids it touched.
func (s *Storage) ArchiveStalePolls(ctx context.Context, threshold time.Time) ([]int64, error) {
	const op = "storage.postgres.ArchiveStalePolls"

	query := `UPDATE polls SET status = $1 WHERE status = $2 AND (last_viewed_at IS NULL OR last_viewed_at <= $3) RETURNING id`

	return s.updateStatuses(ctx, op, query, entity.PollStatusArchived, entity.PollStatusClosed, threshold)
}

func (s *Storage) updateStatuses(ctx context.Context, op, query string, to, from entity.PollStatus, cutoff time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, to, from, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows error: %w", op, err)
	}

	return ids, nil
}

func (s *Storage) TouchLastViewed(ctx context.Context, pollID int64) error {
	const op = "storage.postgres.TouchLastViewed"

	_, err := s.db.ExecContext(ctx, `UPDATE polls SET last_viewed_at = NOW() WHERE id = $1`, pollID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
