// SPDX-License-Identifier: Apache-2.0

package versionedfs

// sqlInit installs the VersionedFS schema: repositories, branches, commits,
// file_deltas, and an ancestors() function used by merge-base computation.
// %[1]s is the quoted-identifier schema name.
const sqlInit = `
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.repositories (
	id				UUID PRIMARY KEY,
	name			TEXT NOT NULL UNIQUE,
	default_branch	UUID,
	created_at		TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);

CREATE TABLE IF NOT EXISTS %[1]s.branches (
	id			UUID PRIMARY KEY,
	repository	UUID NOT NULL REFERENCES %[1]s.repositories(id),
	name		TEXT NOT NULL,
	head		UUID,
	UNIQUE (repository, name)
);

DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1 FROM pg_constraint WHERE conname = 'repositories_default_branch_fkey'
	) THEN
		ALTER TABLE %[1]s.repositories
			ADD CONSTRAINT repositories_default_branch_fkey
			FOREIGN KEY (default_branch) REFERENCES %[1]s.branches(id);
	END IF;
END $$;

CREATE TABLE IF NOT EXISTS %[1]s.commits (
	id			UUID PRIMARY KEY,
	repository	UUID NOT NULL REFERENCES %[1]s.repositories(id),
	parent		UUID REFERENCES %[1]s.commits(id),
	merged_from	UUID REFERENCES %[1]s.commits(id),
	message		TEXT NOT NULL DEFAULT '',
	created_at	TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- At most one root commit (null parent) per repository.
CREATE UNIQUE INDEX IF NOT EXISTS commits_one_root_per_repository
	ON %[1]s.commits (repository) WHERE parent IS NULL;

DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1 FROM pg_constraint WHERE conname = 'branches_head_fkey'
	) THEN
		ALTER TABLE %[1]s.branches
			ADD CONSTRAINT branches_head_fkey
			FOREIGN KEY (head) REFERENCES %[1]s.commits(id);
	END IF;
END $$;

CREATE TABLE IF NOT EXISTS %[1]s.file_deltas (
	id			UUID PRIMARY KEY,
	commit		UUID NOT NULL REFERENCES %[1]s.commits(id),
	path		TEXT NOT NULL,
	content		TEXT NOT NULL DEFAULT '',
	is_deleted	BOOLEAN NOT NULL DEFAULT false,
	is_symlink	BOOLEAN NOT NULL DEFAULT false,
	created_at	TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	UNIQUE (commit, path)
);

CREATE INDEX IF NOT EXISTS file_deltas_commit_path ON %[1]s.file_deltas (commit, path);

CREATE TABLE IF NOT EXISTS %[1]s.pgcore_version (
	version			TEXT NOT NULL,
	installed_at	TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);

-- ancestors walks the union of parent and merged_from edges starting at
-- commit_id, returning each reachable commit with its shortest depth. The
-- depth cap defends against a corrupted, cyclic graph; the commit graph is
-- acyclic by invariant.
CREATE OR REPLACE FUNCTION %[1]s.ancestors(commit_id UUID, max_steps INT DEFAULT 100000)
RETURNS TABLE(id UUID, depth INT)
LANGUAGE SQL
STABLE
AS $$
	WITH RECURSIVE anc(id, parent, merged_from, depth) AS (
		SELECT c.id, c.parent, c.merged_from, 0
		FROM %[1]s.commits c
		WHERE c.id = commit_id

		UNION ALL

		SELECT c.id, c.parent, c.merged_from, a.depth + 1
		FROM anc a
		JOIN %[1]s.commits c ON c.id = a.parent OR c.id = a.merged_from
		WHERE a.depth < max_steps
	)
	SELECT anc.id, MIN(anc.depth) AS depth FROM anc GROUP BY anc.id;
$$;
`
