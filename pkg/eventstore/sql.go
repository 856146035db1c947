// SPDX-License-Identifier: Apache-2.0

package eventstore

// sqlInit installs the EventStore schema: categories, event types, streams,
// the append-only events log, subscriptions, event claims, snapshots, and
// the aggregate/projection registries. %[1]s is the quoted-identifier
// schema name.
const sqlInit = `
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.categories (
	id	TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS %[1]s.event_types (
	category	TEXT NOT NULL REFERENCES %[1]s.categories(id) ON DELETE CASCADE,
	id			TEXT NOT NULL,
	PRIMARY KEY (category, id)
);

CREATE TABLE IF NOT EXISTS %[1]s.streams (
	id			UUID PRIMARY KEY,
	category	TEXT NOT NULL REFERENCES %[1]s.categories(id),
	version		BIGINT NOT NULL DEFAULT 0,
	created_at	TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);

CREATE SEQUENCE IF NOT EXISTS %[1]s.event_position_seq;

CREATE TABLE IF NOT EXISTS %[1]s.events (
	position		BIGINT PRIMARY KEY DEFAULT nextval('%[1]s.event_position_seq'),
	id				UUID NOT NULL UNIQUE,
	stream			UUID NOT NULL REFERENCES %[1]s.streams(id),
	stream_version	BIGINT NOT NULL,
	category		TEXT NOT NULL,
	type			TEXT NOT NULL,
	data			JSONB NOT NULL DEFAULT '{}'::jsonb,
	metadata		JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at		TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (stream, stream_version),
	FOREIGN KEY (category, type) REFERENCES %[1]s.event_types(category, id)
);

CREATE INDEX IF NOT EXISTS events_category_position ON %[1]s.events (category, position);
CREATE INDEX IF NOT EXISTS events_type_position ON %[1]s.events (category, type, position);

CREATE TABLE IF NOT EXISTS %[1]s.subscriptions (
	name				TEXT PRIMARY KEY,
	filter_types		TEXT[],
	filter_streams		UUID[],
	last_position		BIGINT NOT NULL DEFAULT 0,
	last_processed_at	TIMESTAMPTZ,
	active				BOOLEAN NOT NULL DEFAULT true,
	created_at			TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);

CREATE TABLE IF NOT EXISTS %[1]s.event_claims (
	subscription	TEXT NOT NULL REFERENCES %[1]s.subscriptions(name) ON DELETE CASCADE,
	position		BIGINT NOT NULL,
	claimed_at		TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	expires_at		TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (subscription, position)
);

CREATE TABLE IF NOT EXISTS %[1]s.snapshots (
	stream		UUID NOT NULL REFERENCES %[1]s.streams(id),
	name		TEXT NOT NULL DEFAULT 'aggregate-state',
	version		BIGINT NOT NULL,
	state		JSONB NOT NULL,
	created_at	TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	PRIMARY KEY (stream, name)
);

CREATE TABLE IF NOT EXISTS %[1]s.aggregate_defs (
	name				TEXT PRIMARY KEY,
	function_name		TEXT NOT NULL,
	category			TEXT NOT NULL REFERENCES %[1]s.categories(id),
	initial_state		JSONB NOT NULL,
	reducers			JSONB NOT NULL,
	snapshot_threshold	INT
);

CREATE TABLE IF NOT EXISTS %[1]s.projection_defs (
	name				TEXT PRIMARY KEY,
	sync_handlers		JSONB NOT NULL DEFAULT '{}'::jsonb,
	async_types			TEXT[] NOT NULL DEFAULT '{}',
	trigger_name		TEXT,
	subscription_name	TEXT
);

CREATE TABLE IF NOT EXISTS %[1]s.pgcore_version (
	version			TEXT NOT NULL,
	installed_at	TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);
`
