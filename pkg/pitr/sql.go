// SPDX-License-Identifier: Apache-2.0

package pitr

// sqlInit installs the PITR schema: the tracked-table registry, the
// append-only audit log, a generic JSON-projection helper, and the
// generic capture trigger function shared by every tracked table.
// %[1]s is the quoted-identifier schema name.
const sqlInit = `
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.tracked_tables (
	id					BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	schema				TEXT NOT NULL,
	"table"				TEXT NOT NULL,
	primary_key_columns	TEXT[] NOT NULL,
	tracked_columns		TEXT[],
	excluded_columns	TEXT[],
	trigger_name		TEXT NOT NULL,
	enabled				BOOLEAN NOT NULL DEFAULT true,
	created_at			TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	UNIQUE (schema, "table")
);

CREATE TABLE IF NOT EXISTS %[1]s.audit_entries (
	id					BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	tracked_table		BIGINT NOT NULL REFERENCES %[1]s.tracked_tables(id),
	operation			TEXT NOT NULL,
	primary_key_value	JSONB NOT NULL,
	old_data			JSONB,
	new_data			JSONB,
	changed_columns		TEXT[],
	transaction_id		BIGINT NOT NULL,
	changed_at			TIMESTAMPTZ NOT NULL,
	changed_by			TEXT NOT NULL,
	application_name	TEXT
);

CREATE INDEX IF NOT EXISTS audit_entries_table_pk ON %[1]s.audit_entries (tracked_table, primary_key_value);
CREATE INDEX IF NOT EXISTS audit_entries_tx ON %[1]s.audit_entries (transaction_id);
CREATE INDEX IF NOT EXISTS audit_entries_changed_at ON %[1]s.audit_entries (tracked_table, changed_at);

CREATE OR REPLACE FUNCTION %[1]s.pitr_project(p_row JSONB, p_cols TEXT[]) RETURNS JSONB AS $fn$
	SELECT COALESCE(jsonb_object_agg(c, p_row -> c), '{}'::jsonb)
	FROM unnest(p_cols) AS c;
$fn$ LANGUAGE sql IMMUTABLE;

CREATE OR REPLACE FUNCTION %[1]s.pitr_capture() RETURNS TRIGGER AS $fn$
DECLARE
	v_tracked_id	BIGINT := TG_ARGV[0]::bigint;
	v_pk_cols		TEXT[];
	v_tracked_cols	TEXT[];
	v_excluded_cols	TEXT[];
	v_old			JSONB;
	v_new			JSONB;
	v_pk			JSONB;
	v_changed		TEXT[];
BEGIN
	SELECT primary_key_columns, tracked_columns, excluded_columns
	INTO v_pk_cols, v_tracked_cols, v_excluded_cols
	FROM %[1]s.tracked_tables WHERE id = v_tracked_id;

	IF TG_OP = 'DELETE' THEN
		v_old := to_jsonb(OLD);
	ELSIF TG_OP = 'INSERT' THEN
		v_new := to_jsonb(NEW);
	ELSE
		v_old := to_jsonb(OLD);
		v_new := to_jsonb(NEW);
	END IF;

	v_pk := %[1]s.pitr_project(COALESCE(v_new, v_old), v_pk_cols);

	IF v_tracked_cols IS NOT NULL THEN
		IF v_old IS NOT NULL THEN v_old := %[1]s.pitr_project(v_old, v_tracked_cols); END IF;
		IF v_new IS NOT NULL THEN v_new := %[1]s.pitr_project(v_new, v_tracked_cols); END IF;
	ELSIF v_excluded_cols IS NOT NULL THEN
		IF v_old IS NOT NULL THEN v_old := v_old - v_excluded_cols; END IF;
		IF v_new IS NOT NULL THEN v_new := v_new - v_excluded_cols; END IF;
	END IF;

	IF TG_OP = 'UPDATE' THEN
		IF v_old = v_new THEN
			RETURN NEW;
		END IF;

		SELECT array_agg(n.key) INTO v_changed
		FROM jsonb_each(v_new) AS n(key, value)
		WHERE n.value IS DISTINCT FROM (v_old -> n.key);

		IF v_changed IS NULL THEN
			RETURN NEW;
		END IF;
	END IF;

	INSERT INTO %[1]s.audit_entries
		(tracked_table, operation, primary_key_value, old_data, new_data, changed_columns,
		 transaction_id, changed_at, changed_by, application_name)
	VALUES
		(v_tracked_id, TG_OP, v_pk, v_old, v_new, v_changed,
		 txid_current(), clock_timestamp(), session_user, current_setting('application_name', true));

	IF TG_OP = 'DELETE' THEN
		RETURN OLD;
	END IF;
	RETURN NEW;
END;
$fn$ LANGUAGE plpgsql;

CREATE TABLE IF NOT EXISTS %[1]s.pgcore_version (
	version			TEXT NOT NULL,
	installed_at	TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);
`
