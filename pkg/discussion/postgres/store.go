// Package postgres provides a PostgreSQL-backed discussion.Store for
// deployments where conversation history is shared across machines or
// learners. A single [pgxpool.Pool] serves all operations; [Migrate] is run
// on startup and is idempotent.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlavo/parlavo/pkg/discussion"
)

// Compile-time interface check.
var _ discussion.Store = (*Store)(nil)

// Store is the PostgreSQL discussion store.
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn, verifies the
// connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable. Used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create implements discussion.Store.
func (s *Store) Create(ctx context.Context, name string, startedAt time.Time) (string, error) {
	const q = `
		INSERT INTO discussions (id, name, started_at)
		VALUES (concat('disc-', (extract(epoch from $2::timestamptz) * 1000)::bigint, '-', nextval('discussion_seq')), $1, $2)
		RETURNING id`

	var id string
	if err := s.pool.QueryRow(ctx, q, name, startedAt).Scan(&id); err != nil {
		return "", fmt.Errorf("postgres store: create: %w", err)
	}
	return id, nil
}

// AppendTurn implements discussion.Store. Append order is preserved by the
// turns table's BIGSERIAL position column.
func (s *Store) AppendTurn(ctx context.Context, discussionID string, t discussion.Turn) error {
	const q = `
		INSERT INTO turns (discussion_id, turn_id, speaker, text, sealed_at)
		VALUES ($1, $2, $3, $4, $5)`

	tag, err := s.pool.Exec(ctx, q, discussionID, t.ID, string(t.Speaker), t.Text, t.SealedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("postgres store: append turn: %w", discussion.ErrNotFound)
		}
		return fmt.Errorf("postgres store: append turn: %w", err)
	}
	_ = tag
	return nil
}

// End implements discussion.Store. Ending twice keeps the first end time.
func (s *Store) End(ctx context.Context, discussionID string, endedAt time.Time) (discussion.Summary, error) {
	const q = `
		UPDATE discussions
		SET    ended_at = COALESCE(ended_at, $2)
		WHERE  id = $1
		RETURNING name, started_at, ended_at,
		          (SELECT count(*) FROM turns WHERE discussion_id = $1)`

	sum := discussion.Summary{ID: discussionID}
	err := s.pool.QueryRow(ctx, q, discussionID, endedAt).
		Scan(&sum.Name, &sum.StartedAt, &sum.EndedAt, &sum.TurnCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return discussion.Summary{}, fmt.Errorf("postgres store: end: %w", discussion.ErrNotFound)
	}
	if err != nil {
		return discussion.Summary{}, fmt.Errorf("postgres store: end: %w", err)
	}
	return sum, nil
}

// AttachFeedback implements discussion.Store.
func (s *Store) AttachFeedback(ctx context.Context, discussionID string, fb discussion.Feedback) error {
	const q = `
		UPDATE discussions
		SET    feedback_rating = $2, feedback_notes = $3, feedback_at = $4
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, discussionID, fb.Rating, fb.Notes, fb.SubmittedAt)
	if err != nil {
		return fmt.Errorf("postgres store: attach feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: attach feedback: %w", discussion.ErrNotFound)
	}
	return nil
}

// Get implements discussion.Store.
func (s *Store) Get(ctx context.Context, discussionID string) (discussion.Discussion, error) {
	const qDiscussion = `
		SELECT id, name, started_at, ended_at, feedback_rating, feedback_notes, feedback_at
		FROM   discussions
		WHERE  id = $1`

	var (
		d       discussion.Discussion
		endedAt *time.Time
		rating  *int
		notes   *string
		fbAt    *time.Time
	)
	err := s.pool.QueryRow(ctx, qDiscussion, discussionID).
		Scan(&d.ID, &d.Name, &d.StartedAt, &endedAt, &rating, &notes, &fbAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return discussion.Discussion{}, fmt.Errorf("postgres store: get: %w", discussion.ErrNotFound)
	}
	if err != nil {
		return discussion.Discussion{}, fmt.Errorf("postgres store: get: %w", err)
	}
	if endedAt != nil {
		d.EndedAt = *endedAt
	}
	if rating != nil {
		fb := discussion.Feedback{Rating: *rating}
		if notes != nil {
			fb.Notes = *notes
		}
		if fbAt != nil {
			fb.SubmittedAt = *fbAt
		}
		d.Feedback = &fb
	}

	const qTurns = `
		SELECT turn_id, speaker, text, sealed_at
		FROM   turns
		WHERE  discussion_id = $1
		ORDER  BY position`

	rows, err := s.pool.Query(ctx, qTurns, discussionID)
	if err != nil {
		return discussion.Discussion{}, fmt.Errorf("postgres store: get turns: %w", err)
	}
	d.Turns, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (discussion.Turn, error) {
		var (
			t       discussion.Turn
			speaker string
		)
		if err := row.Scan(&t.ID, &speaker, &t.Text, &t.SealedAt); err != nil {
			return discussion.Turn{}, err
		}
		t.Speaker = discussion.Speaker(speaker)
		return t, nil
	})
	if err != nil {
		return discussion.Discussion{}, fmt.Errorf("postgres store: scan turns: %w", err)
	}
	if d.Turns == nil {
		d.Turns = []discussion.Turn{}
	}
	return d, nil
}

// List implements discussion.Store. Most recently started first.
func (s *Store) List(ctx context.Context) ([]discussion.Summary, error) {
	const q = `
		SELECT d.id, d.name, d.started_at, d.ended_at, count(t.position)
		FROM   discussions d
		LEFT JOIN turns t ON t.discussion_id = d.id
		GROUP  BY d.id, d.name, d.started_at, d.ended_at
		ORDER  BY d.started_at DESC, d.id DESC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	summaries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (discussion.Summary, error) {
		var (
			sum     discussion.Summary
			endedAt *time.Time
		)
		if err := row.Scan(&sum.ID, &sum.Name, &sum.StartedAt, &endedAt, &sum.TurnCount); err != nil {
			return discussion.Summary{}, err
		}
		if endedAt != nil {
			sum.EndedAt = *endedAt
		}
		return sum, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan list: %w", err)
	}
	if summaries == nil {
		summaries = []discussion.Summary{}
	}
	return summaries, nil
}

// isForeignKeyViolation reports whether err is a 23503 foreign key failure.
func isForeignKeyViolation(err error) bool {
	type sqlState interface{ SQLState() string }
	var coded sqlState
	return errors.As(err, &coded) && coded.SQLState() == "23503"
}
