package db

// Schema is applied idempotently at startup. Geofences, tasks, users, places,
// and devices are owned by other services; the tables are declared here so a
// fresh database is usable for development.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id          TEXT PRIMARY KEY,
	timezone    TEXT NOT NULL DEFAULT 'UTC',
	quiet_start TEXT,
	quiet_end   TEXT,
	focus_mode  BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS user_devices (
	user_id   TEXT NOT NULL REFERENCES users (id),
	token     TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT true,
	PRIMARY KEY (user_id, token)
);

CREATE TABLE IF NOT EXISTS places (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	lat  DOUBLE PRECISION NOT NULL,
	lng  DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id      TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users (id),
	title   TEXT NOT NULL,
	status  TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS geofences (
	id       TEXT PRIMARY KEY,
	task_id  TEXT NOT NULL REFERENCES tasks (id),
	place_id TEXT REFERENCES places (id),
	lat      DOUBLE PRECISION NOT NULL,
	lng      DOUBLE PRECISION NOT NULL,
	radius_m DOUBLE PRECISION NOT NULL,
	tier     TEXT NOT NULL,
	active   BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS geofence_events (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	task_id        TEXT NOT NULL,
	geofence_id    TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	lat            DOUBLE PRECISION NOT NULL,
	lng            DOUBLE PRECISION NOT NULL,
	confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'pending',
	reason         TEXT,
	bundled_with   TEXT,
	cooldown_until TIMESTAMPTZ,
	occurred_at    TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_geofence_events_user_created ON geofence_events (user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_geofence_events_cooldown ON geofence_events (user_id, geofence_id, cooldown_until);
CREATE INDEX IF NOT EXISTS idx_geofence_events_pending ON geofence_events (created_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS notifications (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	event_ids     TEXT[] NOT NULL DEFAULT '{}',
	task_ids      TEXT[] NOT NULL DEFAULT '{}',
	title         TEXT NOT NULL,
	body          TEXT NOT NULL,
	data          JSONB,
	status        TEXT NOT NULL DEFAULT 'pending',
	scheduled_for TIMESTAMPTZ NOT NULL,
	attempts      INT NOT NULL DEFAULT 0,
	last_error    TEXT,
	delivered_at  TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_due ON notifications (scheduled_for) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_notifications_event_ids ON notifications USING GIN (event_ids);

CREATE TABLE IF NOT EXISTS notification_snoozes (
	id               TEXT PRIMARY KEY,
	notification_id  TEXT NOT NULL REFERENCES notifications (id) ON DELETE CASCADE,
	user_id          TEXT NOT NULL,
	duration_seconds BIGINT NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	status           TEXT NOT NULL DEFAULT 'active',
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snoozes_active ON notification_snoozes (expires_at) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS task_mutes (
	id               TEXT PRIMARY KEY,
	task_id          TEXT NOT NULL,
	user_id          TEXT NOT NULL,
	duration_seconds BIGINT NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	status           TEXT NOT NULL DEFAULT 'active',
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mutes_active ON task_mutes (expires_at) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_mutes_task ON task_mutes (task_id) WHERE status = 'active';
`
