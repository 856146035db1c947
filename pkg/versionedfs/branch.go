// SPDX-License-Identifier: Apache-2.0

package versionedfs

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/relcore/pgcore/pkg/pgcore"
)

// CreateBranch creates a new branch in a repository. If head is nil, the
// branch defaults to the repository's default-branch head; if the
// repository already has commits but no default head can be resolved, an
// explicit head is required.
func (f *FS) CreateBranch(ctx context.Context, repositoryID, name string, head *string) (*Branch, error) {
	repo, err := f.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}

	resolvedHead := head
	if resolvedHead == nil {
		defaultHead, err := f.defaultBranchHead(ctx, repo)
		if err != nil {
			return nil, err
		}
		if defaultHead == nil {
			var hasCommits bool
			if err := f.conn.DB.QueryRowContext(ctx,
				"SELECT EXISTS (SELECT 1 FROM "+f.q("commits")+" WHERE repository = $1)", repositoryID).Scan(&hasCommits); err != nil {
				return nil, err
			}
			if hasCommits {
				return nil, pgcore.InvariantViolationError{Reason: "repository has commits but no resolvable default head; an explicit head is required"}
			}
		}
		resolvedHead = defaultHead
	}

	branchID := uuid.New().String()

	var branch Branch
	row := f.conn.DB.QueryRowContext(ctx,
		"INSERT INTO "+f.q("branches")+" (id, repository, name, head) VALUES ($1, $2, $3, $4) "+
			"RETURNING id, repository, name, head",
		branchID, repositoryID, name, resolvedHead)

	if err := row.Scan(&branch.ID, &branch.Repository, &branch.Name, &branch.Head); err != nil {
		return nil, err
	}

	return &branch, nil
}

// GetBranch looks up a branch by id.
func (f *FS) GetBranch(ctx context.Context, id string) (*Branch, error) {
	var branch Branch

	row := f.conn.DB.QueryRowContext(ctx,
		"SELECT id, repository, name, head FROM "+f.q("branches")+" WHERE id = $1", id)

	if err := row.Scan(&branch.ID, &branch.Repository, &branch.Name, &branch.Head); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, pgcore.NotFoundError{Kind: "branch", ID: id}
		}
		return nil, err
	}

	return &branch, nil
}

// GetBranchByName looks up a branch by its (repository, name) unique key.
func (f *FS) GetBranchByName(ctx context.Context, repositoryID, name string) (*Branch, error) {
	var branch Branch

	row := f.conn.DB.QueryRowContext(ctx,
		"SELECT id, repository, name, head FROM "+f.q("branches")+" WHERE repository = $1 AND name = $2",
		repositoryID, name)

	if err := row.Scan(&branch.ID, &branch.Repository, &branch.Name, &branch.Head); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, pgcore.NotFoundError{Kind: "branch", ID: repositoryID + "/" + name}
		}
		return nil, err
	}

	return &branch, nil
}

// setBranchHead advances a branch's head pointer within an existing
// transaction, used by finalizeCommit and rebaseBranch.
func (f *FS) setBranchHead(ctx context.Context, tx *sql.Tx, branchID, commitID string) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE "+f.q("branches")+" SET head = $1 WHERE id = $2", commitID, branchID)
	return err
}

// getBranchTx looks up a branch by id within tx, for callers whose whole
// operation must observe a consistent snapshot (finalizeCommit).
func (f *FS) getBranchTx(ctx context.Context, tx *sql.Tx, id string) (*Branch, error) {
	var branch Branch

	row := tx.QueryRowContext(ctx,
		"SELECT id, repository, name, head FROM "+f.q("branches")+" WHERE id = $1", id)

	if err := row.Scan(&branch.ID, &branch.Repository, &branch.Name, &branch.Head); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, pgcore.NotFoundError{Kind: "branch", ID: id}
		}
		return nil, err
	}

	return &branch, nil
}

// defaultBranchHead resolves the head of the repository's default branch,
// or nil if the repository has no default branch or that branch has no
// head yet.
func (f *FS) defaultBranchHead(ctx context.Context, repo *Repository) (*string, error) {
	if repo.DefaultBranch == "" {
		return nil, nil
	}

	branch, err := f.GetBranch(ctx, repo.DefaultBranch)
	if err != nil {
		var nf pgcore.NotFoundError
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}

	return branch.Head, nil
}
