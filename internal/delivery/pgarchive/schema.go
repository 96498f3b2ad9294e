package pgarchive

import (
	"context"
	"fmt"
)

const ddlUtterances = `
CREATE TABLE IF NOT EXISTS utterances (
    id           TEXT         PRIMARY KEY,
    session_id   TEXT         NOT NULL DEFAULT '',
    sample_rate  INTEGER      NOT NULL,
    samples      INTEGER      NOT NULL,
    duration_ms  BIGINT       NOT NULL,
    emitted_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    audio        BYTEA
);

CREATE INDEX IF NOT EXISTS idx_utterances_session_id
    ON utterances (session_id);

CREATE INDEX IF NOT EXISTS idx_utterances_emitted_at
    ON utterances (emitted_at);
`

const ddlResults = `
CREATE TABLE IF NOT EXISTS utterance_results (
    id            BIGSERIAL    PRIMARY KEY,
    utterance_id  TEXT         NOT NULL,
    target        TEXT         NOT NULL,
    text          TEXT         NOT NULL,
    translation   TEXT         NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_utterance_results_utterance_id
    ON utterance_results (utterance_id);
`

// Migrate creates the archive tables if they do not exist. It is idempotent.
func Migrate(ctx context.Context, db DB) error {
	for _, stmt := range []struct {
		name string
		sql  string
	}{
		{"utterances", ddlUtterances},
		{"utterance_results", ddlResults},
	} {
		if _, err := db.Exec(ctx, stmt.sql); err != nil {
			return fmt.Errorf("pgarchive: migrate %s: %w", stmt.name, err)
		}
	}
	return nil
}
