package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlDiscussions = `
CREATE SEQUENCE IF NOT EXISTS discussion_seq;

CREATE TABLE IF NOT EXISTS discussions (
    id              TEXT         PRIMARY KEY,
    name            TEXT         NOT NULL,
    started_at      TIMESTAMPTZ  NOT NULL,
    ended_at        TIMESTAMPTZ,
    feedback_rating INT,
    feedback_notes  TEXT,
    feedback_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_discussions_started_at
    ON discussions (started_at DESC);
`

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    position      BIGSERIAL    PRIMARY KEY,
    discussion_id TEXT         NOT NULL REFERENCES discussions (id) ON DELETE CASCADE,
    turn_id       TEXT         NOT NULL,
    speaker       TEXT         NOT NULL,
    text          TEXT         NOT NULL,
    sealed_at     TIMESTAMPTZ  NOT NULL,
    UNIQUE (discussion_id, turn_id)
);

CREATE INDEX IF NOT EXISTS idx_turns_discussion
    ON turns (discussion_id, position);
`

// Migrate creates or ensures all required tables exist. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlDiscussions,
		ddlTurns,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
