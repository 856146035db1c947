// SPDX-License-Identifier: Apache-2.0

package versionedfs

import (
	"context"
	"fmt"

	"github.com/relcore/pgcore/pkg/pgcore"
)

// chainQuery resolves the parent chain starting at a commit, ordered from
// the commit itself (depth 0) back to the root, capped at maxHistorySteps
// to defend against a corrupted, cyclic graph.
func (f *FS) chainQuery() string {
	return fmt.Sprintf(`
		WITH RECURSIVE chain(id, parent, depth) AS (
			SELECT id, parent, 0 FROM %[1]s WHERE id = $1

			UNION ALL

			SELECT c.id, c.parent, ch.depth + 1
			FROM %[2]s c
			JOIN chain ch ON c.id = ch.parent
			WHERE ch.depth < $2
		)
		SELECT id, depth FROM chain ORDER BY depth
	`, f.q("commits"), f.q("commits"))
}

// ancestorChain returns the commit's parent-chain ids, nearest first.
func (f *FS) ancestorChain(ctx context.Context, commit string) ([]string, error) {
	rows, err := f.conn.QueryContext(ctx, f.chainQuery(), commit, maxHistorySteps)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	var steps int
	for rows.Next() {
		var id string
		var depth int
		if err := rows.Scan(&id, &depth); err != nil {
			return nil, err
		}
		ids = append(ids, id)
		steps = depth
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if steps >= maxHistorySteps {
		return nil, pgcore.ExhaustedHistoryError{Steps: steps}
	}

	return ids, nil
}

// ReadFile walks the parent chain starting at commit, returning the
// nearest ancestor's row for the normalized path. A tombstone, or no row
// at all, returns (nil, nil).
func (f *FS) ReadFile(ctx context.Context, commit, path string) (*FileDelta, error) {
	normalized, err := CanonicalizePath(path)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		WITH RECURSIVE chain(id, parent, depth) AS (
			SELECT id, parent, 0 FROM %[1]s WHERE id = $1

			UNION ALL

			SELECT c.id, c.parent, ch.depth + 1
			FROM %[1]s c
			JOIN chain ch ON c.id = ch.parent
			WHERE ch.depth < $3
		)
		SELECT fd.id, fd.commit, fd.path, fd.content, fd.is_deleted, fd.is_symlink, fd.created_at
		FROM chain
		JOIN %[2]s fd ON fd.commit = chain.id AND fd.path = $2
		ORDER BY chain.depth ASC
		LIMIT 1
	`, f.q("commits"), f.q("file_deltas"))

	rows, err := f.conn.QueryContext(ctx, query, commit, normalized, maxHistorySteps)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	var fd FileDelta
	if err := rows.Scan(&fd.ID, &fd.Commit, &fd.Path, &fd.Content, &fd.IsDeleted, &fd.IsSymlink, &fd.CreatedAt); err != nil {
		return nil, err
	}

	if fd.IsDeleted {
		return nil, nil
	}

	return &fd, nil
}

// Snapshot returns the resolved set of live paths visible from commit,
// optionally restricted to a subtree prefix. Content is not included;
// fetch it on demand via ReadFile.
func (f *FS) Snapshot(ctx context.Context, commit string, prefix *string) ([]SnapshotEntry, error) {
	var normalizedPrefix *string
	if prefix != nil {
		p, err := CanonicalizePrefix(*prefix)
		if err != nil {
			return nil, err
		}
		normalizedPrefix = &p
	}

	query := fmt.Sprintf(`
		WITH RECURSIVE chain(id, parent, depth) AS (
			SELECT id, parent, 0 FROM %[1]s WHERE id = $1

			UNION ALL

			SELECT c.id, c.parent, ch.depth + 1
			FROM %[1]s c
			JOIN chain ch ON c.id = ch.parent
			WHERE ch.depth < $3
		)
		SELECT DISTINCT ON (fd.path) fd.path, fd.is_deleted, fd.is_symlink, fd.commit, cm.message, cm.created_at
		FROM chain
		JOIN %[2]s fd ON fd.commit = chain.id
		JOIN %[1]s cm ON cm.id = fd.commit
		WHERE $2::text IS NULL OR fd.path LIKE $2 || '%%'
		ORDER BY fd.path, chain.depth ASC
	`, f.q("commits"), f.q("file_deltas"))

	rows, err := f.conn.QueryContext(ctx, query, commit, normalizedPrefix, maxHistorySteps)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []SnapshotEntry
	for rows.Next() {
		var e SnapshotEntry
		var isDeleted bool
		if err := rows.Scan(&e.Path, &isDeleted, &e.IsSymlink, &e.Commit, &e.CommitMessage, &e.CommitCreatedAt); err != nil {
			return nil, err
		}
		if isDeleted {
			continue
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Delta returns only the file rows written directly by commit.
func (f *FS) Delta(ctx context.Context, commit string) ([]FileDelta, error) {
	return f.delta(ctx, f.conn, commit)
}

func (f *FS) delta(ctx context.Context, q queryer, commit string) ([]FileDelta, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, commit, path, content, is_deleted, is_symlink, created_at FROM "+f.q("file_deltas")+" WHERE commit = $1 ORDER BY path",
		commit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deltas []FileDelta
	for rows.Next() {
		var fd FileDelta
		if err := rows.Scan(&fd.ID, &fd.Commit, &fd.Path, &fd.Content, &fd.IsDeleted, &fd.IsSymlink, &fd.CreatedAt); err != nil {
			return nil, err
		}
		deltas = append(deltas, fd)
	}

	return deltas, rows.Err()
}

// FileHistory enumerates every ancestor commit (starting at commit itself)
// that has a row for path, nearest first.
func (f *FS) FileHistory(ctx context.Context, commit, path string) ([]FileDelta, error) {
	normalized, err := CanonicalizePath(path)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		WITH RECURSIVE chain(id, parent, depth) AS (
			SELECT id, parent, 0 FROM %[1]s WHERE id = $1

			UNION ALL

			SELECT c.id, c.parent, ch.depth + 1
			FROM %[1]s c
			JOIN chain ch ON c.id = ch.parent
			WHERE ch.depth < $3
		)
		SELECT fd.id, fd.commit, fd.path, fd.content, fd.is_deleted, fd.is_symlink, fd.created_at
		FROM chain
		JOIN %[2]s fd ON fd.commit = chain.id AND fd.path = $2
		ORDER BY chain.depth ASC
	`, f.q("commits"), f.q("file_deltas"))

	rows, err := f.conn.QueryContext(ctx, query, commit, normalized, maxHistorySteps)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []FileDelta
	for rows.Next() {
		var fd FileDelta
		if err := rows.Scan(&fd.ID, &fd.Commit, &fd.Path, &fd.Content, &fd.IsDeleted, &fd.IsSymlink, &fd.CreatedAt); err != nil {
			return nil, err
		}
		history = append(history, fd)
	}

	return history, rows.Err()
}
