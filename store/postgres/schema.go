package postgres

// Schema is applied by Migrate. Empty scope columns are stored as '' so the
// uniqueness keys compare them as equal.
const Schema = `
CREATE TABLE IF NOT EXISTS exercises (
	id     TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	doc    JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS teams (
	id  TEXT PRIMARY KEY,
	doc JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS assets (
	id  TEXT PRIMARY KEY,
	doc JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS asset_groups (
	id        TEXT PRIMARY KEY,
	name      TEXT NOT NULL,
	asset_ids TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS injects (
	id             TEXT PRIMARY KEY,
	exercise_id    TEXT,
	atomic_testing BOOLEAN NOT NULL DEFAULT FALSE,
	enabled        BOOLEAN NOT NULL DEFAULT TRUE,
	has_contract   BOOLEAN NOT NULL DEFAULT FALSE,
	trigger_at     TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	doc            JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS injects_exercise_idx ON injects (exercise_id);

CREATE TABLE IF NOT EXISTS inject_statuses (
	id          TEXT PRIMARY KEY,
	inject_id   TEXT NOT NULL,
	inject_type TEXT NOT NULL DEFAULT '',
	name        TEXT NOT NULL,
	test        BOOLEAN NOT NULL DEFAULT FALSE,
	sent_at     TIMESTAMPTZ,
	updated_at  TIMESTAMPTZ NOT NULL,
	version     INTEGER NOT NULL DEFAULT 1,
	doc         JSONB NOT NULL
);
ALTER TABLE inject_statuses ADD COLUMN IF NOT EXISTS version INTEGER NOT NULL DEFAULT 1;
CREATE INDEX IF NOT EXISTS inject_statuses_inject_idx ON inject_statuses (inject_id, test);
CREATE INDEX IF NOT EXISTS inject_statuses_pending_idx ON inject_statuses (inject_type) WHERE name = 'PENDING';

CREATE TABLE IF NOT EXISTS expectations (
	id             TEXT PRIMARY KEY,
	inject_id      TEXT NOT NULL,
	type           TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	agent_id       TEXT NOT NULL DEFAULT '',
	asset_id       TEXT NOT NULL DEFAULT '',
	asset_group_id TEXT NOT NULL DEFAULT '',
	team_id        TEXT NOT NULL DEFAULT '',
	user_id        TEXT NOT NULL DEFAULT '',
	filled         BOOLEAN NOT NULL DEFAULT FALSE,
	expires_at     TIMESTAMPTZ NOT NULL,
	version        INTEGER NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	doc            JSONB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS expectations_key_idx ON expectations
	(inject_id, type, name, agent_id, asset_id, asset_group_id, team_id, user_id);
CREATE INDEX IF NOT EXISTS expectations_unfilled_idx ON expectations (expires_at) WHERE NOT filled;

CREATE TABLE IF NOT EXISTS findings (
	id         TEXT PRIMARY KEY,
	inject_id  TEXT NOT NULL,
	field      TEXT NOT NULL,
	type       TEXT NOT NULL,
	value      TEXT NOT NULL,
	version    INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	doc        JSONB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS findings_key_idx ON findings (inject_id, value, type, field);
`
