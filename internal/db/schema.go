package db

import (
	"context"
	"fmt"
	"strings"
)

// schema is shared by both engines; {{id}} and {{ts}} are dialect-specific.
// Exclusivity rules live here as indexes so no caller can bypass them.
const schema = `
CREATE TABLE IF NOT EXISTS account_groups (
	id {{id}},
	name TEXT NOT NULL UNIQUE,
	min_cooldown_hours INTEGER NOT NULL,
	max_cooldown_hours INTEGER NOT NULL,
	single_worker_constraint BOOLEAN NOT NULL DEFAULT TRUE,
	created_at {{ts}} NOT NULL,
	updated_at {{ts}} NOT NULL,
	CHECK (min_cooldown_hours >= 0 AND min_cooldown_hours <= max_cooldown_hours)
);

CREATE TABLE IF NOT EXISTS accounts (
	id {{id}},
	username TEXT NOT NULL,
	group_id BIGINT REFERENCES account_groups(id),
	lifecycle_state TEXT NOT NULL DEFAULT 'imported',
	container_number INTEGER,
	proxy_id TEXT,
	proxy_assigned_at {{ts}},
	cooldown_until {{ts}},
	first_automation_completed BOOLEAN NOT NULL DEFAULT FALSE,
	state_changed_at {{ts}},
	state_changed_by TEXT,
	state_notes TEXT,
	created_at {{ts}} NOT NULL,
	updated_at {{ts}} NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS accounts_container_number_key
	ON accounts (container_number) WHERE container_number IS NOT NULL;

CREATE TABLE IF NOT EXISTS media_items (
	id {{id}},
	category TEXT NOT NULL,
	value TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	created_at {{ts}} NOT NULL
);

CREATE INDEX IF NOT EXISTS media_items_category_idx ON media_items (category, status);

CREATE TABLE IF NOT EXISTS text_items (
	id {{id}},
	category TEXT NOT NULL,
	value TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	created_at {{ts}} NOT NULL
);

CREATE INDEX IF NOT EXISTS text_items_category_idx ON text_items (category, status);

CREATE TABLE IF NOT EXISTS warmup_phases (
	id {{id}},
	account_id BIGINT NOT NULL REFERENCES accounts(id),
	phase TEXT NOT NULL,
	phase_order INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	available_at {{ts}},
	started_at {{ts}},
	completed_at {{ts}},
	bot_id TEXT,
	bot_session_id TEXT,
	assigned_content_id BIGINT REFERENCES media_items(id),
	assigned_text_id BIGINT REFERENCES text_items(id),
	content_assigned_at {{ts}},
	error_message TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	execution_time_ms BIGINT,
	created_at {{ts}} NOT NULL,
	updated_at {{ts}} NOT NULL,
	UNIQUE (account_id, phase)
);

CREATE INDEX IF NOT EXISTS warmup_phases_status_idx ON warmup_phases (status, phase_order);

CREATE UNIQUE INDEX IF NOT EXISTS warmup_phases_username_text_key
	ON warmup_phases (assigned_text_id)
	WHERE phase = 'username' AND status <> 'completed' AND assigned_text_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS state_transitions (
	id {{id}},
	account_id BIGINT NOT NULL REFERENCES accounts(id),
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	changed_by TEXT NOT NULL DEFAULT '',
	notes TEXT,
	created_at {{ts}} NOT NULL
);

CREATE INDEX IF NOT EXISTS state_transitions_account_idx ON state_transitions (account_id, id);
`

func (c *Client) schemaSQL() string {
	id, ts := "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	if c.dialect == DialectSQLite {
		id, ts = "INTEGER PRIMARY KEY AUTOINCREMENT", "DATETIME"
	}
	return strings.NewReplacer("{{id}}", id, "{{ts}}", ts).Replace(schema)
}

// Migrate creates every table and index if missing
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(c.schemaSQL(), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	c.logger.Infow("Schema migrated", "dialect", c.dialect)
	return nil
}
