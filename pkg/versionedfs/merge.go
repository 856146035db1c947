// SPDX-License-Identifier: Apache-2.0

package versionedfs

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/relcore/pgcore/pkg/pgcore"
)

// queryer is satisfied by both f.conn (autocommitted, with retry) and a
// *sql.Tx, letting the read helpers below run standalone or as part of
// finalizeCommit/rebaseBranch's single transaction.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// MergeBase computes the lowest common ancestor of left and right under the
// union of parent and merged_from edges: ancestor sets for each side are
// intersected, and the element minimizing the sum of the two sides' depths
// wins.
func (f *FS) MergeBase(ctx context.Context, left, right string) (string, error) {
	return f.mergeBase(ctx, f.conn, left, right)
}

func (f *FS) mergeBase(ctx context.Context, q queryer, left, right string) (string, error) {
	if err := f.validateSameRepositoryPair(ctx, q, left, right); err != nil {
		return "", err
	}

	leftDepths, err := f.ancestorsWithDepth(ctx, q, left)
	if err != nil {
		return "", err
	}
	rightDepths, err := f.ancestorsWithDepth(ctx, q, right)
	if err != nil {
		return "", err
	}

	best := ""
	bestSum := -1
	for id, ld := range leftDepths {
		rd, ok := rightDepths[id]
		if !ok {
			continue
		}
		sum := ld + rd
		if bestSum == -1 || sum < bestSum {
			bestSum = sum
			best = id
		}
	}

	if best == "" {
		return "", pgcore.InvariantViolationError{Reason: "no common ancestor between " + left + " and " + right}
	}

	return best, nil
}

func (f *FS) ancestorsWithDepth(ctx context.Context, q queryer, commit string) (map[string]int, error) {
	query := fmt.Sprintf("SELECT id, depth FROM %s($1, $2)", f.q("ancestors"))

	rows, err := q.QueryContext(ctx, query, commit, maxHistorySteps)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	depths := map[string]int{}
	for rows.Next() {
		var id string
		var depth int
		if err := rows.Scan(&id, &depth); err != nil {
			return nil, err
		}
		depths[id] = depth
	}

	return depths, rows.Err()
}

func (f *FS) validateSameRepositoryPair(ctx context.Context, q queryer, left, right string) error {
	leftRepo, err := f.commitRepository(ctx, q, left)
	if err != nil {
		return err
	}
	rightRepo, err := f.commitRepository(ctx, q, right)
	if err != nil {
		return err
	}
	if leftRepo != rightRepo {
		return pgcore.CrossRepositoryError{Source: left, Target: right}
	}
	return nil
}

func (f *FS) commitRepository(ctx context.Context, q queryer, commit string) (string, error) {
	rows, err := q.QueryContext(ctx, "SELECT repository FROM "+f.q("commits")+" WHERE id = $1", commit)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return "", err
		}
		return "", pgcore.NotFoundError{Kind: "commit", ID: commit}
	}

	var repo string
	if err := rows.Scan(&repo); err != nil {
		return "", err
	}
	return repo, rows.Err()
}

// resolveAllPaths resolves the nearest ancestor row (including tombstones)
// for every path reachable from commit, keyed by path.
func (f *FS) resolveAllPaths(ctx context.Context, q queryer, commit string) (map[string]snapshotRow, error) {
	query := fmt.Sprintf(`
		WITH RECURSIVE chain(id, parent, depth) AS (
			SELECT id, parent, 0 FROM %[1]s WHERE id = $1

			UNION ALL

			SELECT c.id, c.parent, ch.depth + 1
			FROM %[1]s c
			JOIN chain ch ON c.id = ch.parent
			WHERE ch.depth < $2
		)
		SELECT DISTINCT ON (fd.path) fd.path, fd.is_deleted, fd.is_symlink, fd.content, fd.commit
		FROM chain
		JOIN %[2]s fd ON fd.commit = chain.id
		ORDER BY fd.path, chain.depth ASC
	`, f.q("commits"), f.q("file_deltas"))

	rows, err := q.QueryContext(ctx, query, commit, maxHistorySteps)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := map[string]snapshotRow{}
	for rows.Next() {
		var row snapshotRow
		var isDeleted bool
		if err := rows.Scan(&row.path, &isDeleted, &row.isSymlink, &row.content, &row.commit); err != nil {
			return nil, err
		}
		row.exists = !isDeleted
		result[row.path] = row
	}

	return result, rows.Err()
}

// Conflicts materializes base/left/right snapshots-with-content and returns
// every path that changed on both sides since base with differing final
// states.
func (f *FS) Conflicts(ctx context.Context, left, right string) ([]PathConflict, error) {
	return f.conflicts(ctx, f.conn, left, right)
}

func (f *FS) conflicts(ctx context.Context, q queryer, left, right string) ([]PathConflict, error) {
	base, err := f.mergeBase(ctx, q, left, right)
	if err != nil {
		return nil, err
	}

	baseRows, err := f.resolveAllPaths(ctx, q, base)
	if err != nil {
		return nil, err
	}
	leftRows, err := f.resolveAllPaths(ctx, q, left)
	if err != nil {
		return nil, err
	}
	rightRows, err := f.resolveAllPaths(ctx, q, right)
	if err != nil {
		return nil, err
	}

	paths := map[string]struct{}{}
	for p := range baseRows {
		paths[p] = struct{}{}
	}
	for p := range leftRows {
		paths[p] = struct{}{}
	}
	for p := range rightRows {
		paths[p] = struct{}{}
	}

	var conflicts []PathConflict
	for path := range paths {
		b, bOk := baseRows[path]
		l, lOk := leftRows[path]
		r, rOk := rightRows[path]

		leftChanged := differs(bOk && b.exists, b, l, lOk)
		rightChanged := differs(bOk && b.exists, b, r, rOk)

		if !leftChanged || !rightChanged {
			continue
		}
		if sameState(l, lOk, r, rOk) {
			continue
		}

		c := PathConflict{
			Path:         path,
			BaseExists:   bOk && b.exists,
			BaseContent:  b.content,
			LeftExists:   lOk && l.exists,
			LeftContent:  l.content,
			RightExists:  rOk && r.exists,
			RightContent: r.content,
		}

		switch {
		case c.BaseExists && (!c.LeftExists || !c.RightExists):
			c.Kind = ConflictDeleteModify
		case !c.BaseExists && c.LeftExists && c.RightExists:
			c.Kind = ConflictAddAdd
		default:
			c.Kind = ConflictModifyModify
		}

		conflicts = append(conflicts, c)
	}

	return conflicts, nil
}

// differs reports whether side's resolved state differs from base's.
func differs(baseExists bool, base snapshotRow, side snapshotRow, sideOk bool) bool {
	sideExists := sideOk && side.exists
	if baseExists != sideExists {
		return true
	}
	if !baseExists {
		return false
	}
	return base.isSymlink != side.isSymlink || base.content != side.content
}

func sameState(l snapshotRow, lOk bool, r snapshotRow, rOk bool) bool {
	lExists := lOk && l.exists
	rExists := rOk && r.exists
	if lExists != rExists {
		return false
	}
	if !lExists {
		return true
	}
	return l.isSymlink == r.isSymlink && l.content == r.content
}

// FinalizeCommit finalizes a merge commit previously inserted with
// parent = target_head and merged_from = source_head, writing whatever
// patch rows are needed beyond any user-authored resolutions, and
// optionally advancing targetBranch to the merge commit.
func (f *FS) FinalizeCommit(ctx context.Context, mergeCommit string, targetBranch *string) (FinalizeResult, error) {
	f.logger.LogMergeStart(mergeCommit)

	result, err := f.finalizeCommit(ctx, mergeCommit, targetBranch)
	if err != nil {
		return "", err
	}

	f.logger.LogMergeComplete(mergeCommit, result)
	return result, nil
}

// finalizeCommit runs entirely inside a single transaction: every read that
// feeds the eventual patch, the patch write itself, and the branch-head
// advance all execute against the same *sql.Tx, so a failure at any point
// leaves both file_deltas and the branch head untouched.
func (f *FS) finalizeCommit(ctx context.Context, mergeCommitID string, targetBranchID *string) (FinalizeResult, error) {
	var result FinalizeResult

	err := f.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var commit Commit
		row := tx.QueryRowContext(ctx,
			"SELECT id, repository, parent, merged_from, message, created_at FROM "+f.q("commits")+" WHERE id = $1",
			mergeCommitID)
		if err := row.Scan(&commit.ID, &commit.Repository, &commit.Parent, &commit.MergedFrom, &commit.Message, &commit.CreatedAt); err != nil {
			if err == sql.ErrNoRows {
				return pgcore.NotFoundError{Kind: "commit", ID: mergeCommitID}
			}
			return err
		}

		if commit.Parent == nil {
			return pgcore.InvariantViolationError{Reason: "merge commit must have a parent"}
		}

		var branch *Branch
		if targetBranchID != nil {
			b, err := f.getBranchTx(ctx, tx, *targetBranchID)
			if err != nil {
				return err
			}
			if b.Repository != commit.Repository {
				return pgcore.CrossRepositoryError{Source: *targetBranchID, Target: commit.Repository}
			}
			if b.Head == nil || *b.Head != *commit.Parent {
				return pgcore.InvariantViolationError{Reason: "target branch head does not equal the merge commit's parent"}
			}
			branch = b
		}

		if commit.MergedFrom == nil {
			if err := f.advanceBranch(ctx, tx, branch, mergeCommitID); err != nil {
				return err
			}
			result = ResultFastForward
			return nil
		}

		conflicts, err := f.conflicts(ctx, tx, *commit.Parent, *commit.MergedFrom)
		if err != nil {
			return err
		}

		authored, err := f.delta(ctx, tx, mergeCommitID)
		if err != nil {
			return err
		}
		authoredPaths := map[string]struct{}{}
		for _, a := range authored {
			authoredPaths[a.Path] = struct{}{}
		}

		if len(conflicts) > 0 {
			var unresolved []string
			for _, c := range conflicts {
				if _, ok := authoredPaths[c.Path]; !ok {
					unresolved = append(unresolved, c.Path)
				}
			}
			if len(unresolved) > 0 {
				return pgcore.MergeRequiresResolutionsError{Paths: unresolved}
			}
		}

		base, err := f.mergeBase(ctx, tx, *commit.Parent, *commit.MergedFrom)
		if err != nil {
			return err
		}

		baseRows, err := f.resolveAllPaths(ctx, tx, base)
		if err != nil {
			return err
		}
		targetRows, err := f.resolveAllPaths(ctx, tx, *commit.Parent)
		if err != nil {
			return err
		}
		sourceRows, err := f.resolveAllPaths(ctx, tx, *commit.MergedFrom)
		if err != nil {
			return err
		}

		patchWritten, err := f.applyThreeWayPatch(ctx, tx, mergeCommitID, baseRows, targetRows, sourceRows, authoredPaths)
		if err != nil {
			return err
		}

		if err := f.advanceBranch(ctx, tx, branch, mergeCommitID); err != nil {
			return err
		}

		switch {
		case !patchWritten && len(conflicts) == 0:
			result = ResultAlreadyUpToDate
		case len(conflicts) > 0:
			result = ResultMergedWithConflictsResolved
		default:
			result = ResultMerged
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return result, nil
}

// applyThreeWayPatch synthesizes and writes the minimal set of rows
// transforming target into "target + source's changes since base",
// skipping any path the caller already authored on the merge commit.
// Returns whether any row was written. Always called within tx.
func (f *FS) applyThreeWayPatch(ctx context.Context, tx *sql.Tx, mergeCommit string, base, target, source map[string]snapshotRow, skip map[string]struct{}) (bool, error) {
	paths := map[string]struct{}{}
	for p := range base {
		paths[p] = struct{}{}
	}
	for p := range target {
		paths[p] = struct{}{}
	}
	for p := range source {
		paths[p] = struct{}{}
	}

	wrote := false
	for path := range paths {
		if _, ok := skip[path]; ok {
			continue
		}

		b, bOk := base[path]
		t, tOk := target[path]
		s, sOk := source[path]

		sourceChanged := differs(bOk && b.exists, b, s, sOk)

		var desired snapshotRow
		var desiredExists bool
		if sourceChanged {
			desired, desiredExists = s, sOk && s.exists
		} else {
			desired, desiredExists = t, tOk && t.exists
		}

		targetExists := tOk && t.exists

		switch {
		case !desiredExists && targetExists:
			if err := f.writeFileDeltaTx(ctx, tx, mergeCommit, FileWrite{Path: path, IsDeleted: true}); err != nil {
				return false, err
			}
			wrote = true
		case desiredExists && (!targetExists || desired.isSymlink != t.isSymlink || desired.content != t.content):
			if err := f.writeFileDeltaTx(ctx, tx, mergeCommit, FileWrite{
				Path:      path,
				Content:   desired.content,
				IsSymlink: desired.isSymlink,
			}); err != nil {
				return false, err
			}
			wrote = true
		}
	}

	return wrote, nil
}

// writeFileDeltaTx writes a single file delta inside tx, used by
// merge/rebase finalize whose whole body runs as one transaction.
func (f *FS) writeFileDeltaTx(ctx context.Context, tx *sql.Tx, commit string, file FileWrite) error {
	path, err := CanonicalizePath(file.Path)
	if err != nil {
		return err
	}

	content := file.Content
	isSymlink := file.IsSymlink
	isDeleted := file.IsDeleted

	if isDeleted {
		isSymlink = false
		content = ""
	} else if isSymlink {
		content, err = CanonicalizePath(content)
		if err != nil {
			return err
		}
	}

	id := uuid.New().String()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO "+f.q("file_deltas")+" (id, commit, path, content, is_deleted, is_symlink) VALUES ($1, $2, $3, $4, $5, $6) "+
			"ON CONFLICT (commit, path) DO UPDATE SET content = EXCLUDED.content, is_deleted = EXCLUDED.is_deleted, is_symlink = EXCLUDED.is_symlink",
		id, commit, path, content, isDeleted, isSymlink)
	return err
}

// advanceBranch moves branch's head to commit inside tx. A nil branch (a
// finalize call with no target branch) is a no-op.
func (f *FS) advanceBranch(ctx context.Context, tx *sql.Tx, branch *Branch, commit string) error {
	if branch == nil {
		return nil
	}
	return f.setBranchHead(ctx, tx, branch.ID, commit)
}
