// SPDX-License-Identifier: Apache-2.0

package versionedfs

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/relcore/pgcore/pkg/pgcore"
)

// CreateRepository creates a new repository and, atomically, a branch named
// "main" with no head that becomes the repository's default branch.
func (f *FS) CreateRepository(ctx context.Context, name string) (*Repository, error) {
	var repo Repository

	err := f.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		repoID := uuid.New().String()
		branchID := uuid.New().String()

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO "+f.q("repositories")+" (id, name) VALUES ($1, $2)",
			repoID, name); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO "+f.q("branches")+" (id, repository, name) VALUES ($1, $2, 'main')",
			branchID, repoID); err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx,
			"UPDATE "+f.q("repositories")+" SET default_branch = $1 WHERE id = $2 RETURNING id, name, default_branch, created_at",
			branchID, repoID)

		return row.Scan(&repo.ID, &repo.Name, &repo.DefaultBranch, &repo.CreatedAt)
	})
	if err != nil {
		return nil, err
	}

	return &repo, nil
}

// GetRepository looks up a repository by id.
func (f *FS) GetRepository(ctx context.Context, id string) (*Repository, error) {
	return f.getRepository(ctx, "id", id)
}

// GetRepositoryByName looks up a repository by its unique name.
func (f *FS) GetRepositoryByName(ctx context.Context, name string) (*Repository, error) {
	return f.getRepository(ctx, "name", name)
}

func (f *FS) getRepository(ctx context.Context, column, value string) (*Repository, error) {
	var repo Repository

	rows, err := f.conn.QueryContext(ctx,
		"SELECT id, name, default_branch, created_at FROM "+f.q("repositories")+" WHERE "+column+" = $1",
		value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, pgcore.NotFoundError{Kind: "repository", ID: value}
	}

	if err := rows.Scan(&repo.ID, &repo.Name, &repo.DefaultBranch, &repo.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, pgcore.NotFoundError{Kind: "repository", ID: value}
		}
		return nil, err
	}

	return &repo, rows.Err()
}
