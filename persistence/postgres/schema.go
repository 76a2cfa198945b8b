package postgres

import (
	"context"
	"strings"
)

// Schema creates the tables used by the repositories. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS orca_executions (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	application TEXT NOT NULL,
	name        TEXT NOT NULL,
	status      TEXT NOT NULL,
	body        JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS orca_executions_status_idx ON orca_executions (status);

CREATE TABLE IF NOT EXISTS orca_stages (
	execution_id TEXT NOT NULL REFERENCES orca_executions (id) ON DELETE CASCADE,
	ordinal      INTEGER NOT NULL,
	stage_id     TEXT NOT NULL UNIQUE,
	ref_id       TEXT NOT NULL,
	type         TEXT NOT NULL,
	status       TEXT NOT NULL,
	body         JSONB NOT NULL,
	PRIMARY KEY (execution_id, ordinal)
);

CREATE TABLE IF NOT EXISTS orca_saga_events (
	saga_name       TEXT NOT NULL,
	saga_id         TEXT NOT NULL,
	sequence        BIGINT NOT NULL,
	type            TEXT NOT NULL,
	idempotency_key TEXT,
	body            JSONB NOT NULL,
	recorded_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (saga_name, saga_id, sequence)
);
`

// Migrate applies Schema statement by statement
func Migrate(ctx context.Context, db DB) error {
	for _, stmt := range statements(Schema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return classify(err, "Migrate")
		}
	}
	return nil
}

func statements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
