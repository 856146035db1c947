// SPDX-License-Identifier: Apache-2.0

package versionedfs

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/relcore/pgcore/pkg/pgcore"
)

// CreateCommit inserts a new commit and its file deltas in a single
// transaction. If parent is nil, it defaults to the repository's
// default-branch head; if the repository already has commits but no
// default head can be resolved, parent must be supplied explicitly.
// MergedFrom is non-nil only for merge commits.
func (f *FS) CreateCommit(ctx context.Context, repositoryID string, parent, mergedFrom *string, message string, files []FileWrite) (*Commit, error) {
	f.logger.LogCommitStart(repositoryID, message)

	var commit Commit

	err := f.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		resolvedParent := parent
		if resolvedParent == nil {
			repo, err := f.GetRepository(ctx, repositoryID)
			if err != nil {
				return err
			}

			hasCommits, err := f.repositoryHasCommits(ctx, tx, repositoryID)
			if err != nil {
				return err
			}

			head, err := f.defaultBranchHead(ctx, repo)
			if err != nil {
				return err
			}

			if hasCommits && head == nil {
				return pgcore.InvariantViolationError{
					Reason: "repository has commits but no resolvable default head; an explicit parent is required",
				}
			}
			resolvedParent = head
		} else {
			if err := f.validateSameRepository(ctx, tx, repositoryID, *resolvedParent); err != nil {
				return err
			}
		}

		if mergedFrom != nil {
			if err := f.validateSameRepository(ctx, tx, repositoryID, *mergedFrom); err != nil {
				return err
			}
		}

		commitID := uuid.New().String()

		row := tx.QueryRowContext(ctx,
			"INSERT INTO "+f.q("commits")+" (id, repository, parent, merged_from, message) VALUES ($1, $2, $3, $4, $5) "+
				"RETURNING id, repository, parent, merged_from, message, created_at",
			commitID, repositoryID, resolvedParent, mergedFrom, message)

		if err := row.Scan(&commit.ID, &commit.Repository, &commit.Parent, &commit.MergedFrom, &commit.Message, &commit.CreatedAt); err != nil {
			return err
		}

		for _, file := range files {
			if err := f.writeFileDelta(ctx, tx, commitID, file); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	f.logger.LogCommitComplete(&commit)
	return &commit, nil
}

// writeFileDelta canonicalizes path, applies the tombstone/symlink rules,
// and inserts a single file_deltas row for the given commit.
func (f *FS) writeFileDelta(ctx context.Context, tx *sql.Tx, commitID string, file FileWrite) error {
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
		"INSERT INTO "+f.q("file_deltas")+" (id, commit, path, content, is_deleted, is_symlink) VALUES ($1, $2, $3, $4, $5, $6)",
		id, commitID, path, content, isDeleted, isSymlink)
	return err
}

func (f *FS) repositoryHasCommits(ctx context.Context, tx *sql.Tx, repositoryID string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM "+f.q("commits")+" WHERE repository = $1)", repositoryID).Scan(&exists)
	return exists, err
}

// validateSameRepository fails with CrossRepositoryError if commitID does
// not belong to repositoryID, and NotFoundError if the commit is missing.
func (f *FS) validateSameRepository(ctx context.Context, tx *sql.Tx, repositoryID, commitID string) error {
	var owner string
	err := tx.QueryRowContext(ctx,
		"SELECT repository FROM "+f.q("commits")+" WHERE id = $1", commitID).Scan(&owner)
	if err != nil {
		if err == sql.ErrNoRows {
			return pgcore.NotFoundError{Kind: "commit", ID: commitID}
		}
		return err
	}

	if owner != repositoryID {
		return pgcore.CrossRepositoryError{Source: commitID, Target: repositoryID}
	}

	return nil
}
