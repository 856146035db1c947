// SPDX-License-Identifier: Apache-2.0

package versionedfs

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/relcore/pgcore/pkg/pgcore"
)

// RebaseBranch squash-rebases branch onto the head of ontoBranch: the net
// patch between their merge base and branch's head is computed and applied
// as a single new commit atop onto's head, then branch's head advances to
// that commit.
func (f *FS) RebaseBranch(ctx context.Context, branchID, ontoBranchID, message string) (FinalizeResult, error) {
	branch, err := f.GetBranch(ctx, branchID)
	if err != nil {
		return "", err
	}
	onto, err := f.GetBranch(ctx, ontoBranchID)
	if err != nil {
		return "", err
	}

	f.logger.LogRebaseStart(branchID, ontoBranchID)

	result, err := f.rebaseBranch(ctx, branch, onto, message)
	if err != nil {
		return "", err
	}

	f.logger.LogRebaseComplete(branchID, result)
	return result, nil
}

// rebaseBranch runs its entire DB-touching body inside a single
// transaction: the merge-base/conflict computation, the new commit row,
// its file_deltas, and the branch-head advance all execute against the
// same *sql.Tx, so a failure at any point leaves the branch head untouched
// and no orphaned commit or delta rows behind.
func (f *FS) rebaseBranch(ctx context.Context, branch, onto *Branch, message string) (FinalizeResult, error) {
	if branch.ID == onto.ID {
		return ResultNoop, nil
	}
	if branch.Repository != onto.Repository {
		return "", pgcore.CrossRepositoryError{Source: branch.ID, Target: onto.ID}
	}
	if branch.Head == nil || onto.Head == nil {
		return "", pgcore.InvariantViolationError{Reason: "cannot rebase a branch with no head"}
	}

	branchHead := *branch.Head
	ontoHead := *onto.Head

	var result FinalizeResult

	err := f.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		base, err := f.mergeBase(ctx, tx, branchHead, ontoHead)
		if err != nil {
			return err
		}

		if base == ontoHead {
			result = ResultAlreadyUpToDate
			return nil
		}
		if base == branchHead {
			if err := f.setBranchHead(ctx, tx, branch.ID, ontoHead); err != nil {
				return err
			}
			result = ResultFastForward
			return nil
		}

		conflicts, err := f.conflicts(ctx, tx, branchHead, ontoHead)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			var pc []pgcore.Conflict
			for _, c := range conflicts {
				pc = append(pc, pgcore.Conflict{Path: c.Path, Reason: string(c.Kind)})
			}
			return pgcore.RebaseBlockedError{Conflicts: pc}
		}

		baseRows, err := f.resolveAllPaths(ctx, tx, base)
		if err != nil {
			return err
		}
		ontoRows, err := f.resolveAllPaths(ctx, tx, ontoHead)
		if err != nil {
			return err
		}
		branchRows, err := f.resolveAllPaths(ctx, tx, branchHead)
		if err != nil {
			return err
		}

		newCommitID := uuid.New().String()

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO "+f.q("commits")+" (id, repository, parent, message) VALUES ($1, $2, $3, $4)",
			newCommitID, branch.Repository, ontoHead, message); err != nil {
			return err
		}

		wrote, err := f.applyThreeWayPatch(ctx, tx, newCommitID, baseRows, ontoRows, branchRows, map[string]struct{}{})
		if err != nil {
			return err
		}

		if !wrote {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+f.q("commits")+" WHERE id = $1", newCommitID); err != nil {
				return err
			}
			if err := f.setBranchHead(ctx, tx, branch.ID, ontoHead); err != nil {
				return err
			}
			result = ResultFastForward
			return nil
		}

		if err := f.setBranchHead(ctx, tx, branch.ID, newCommitID); err != nil {
			return err
		}

		result = ResultRebased
		return nil
	})
	if err != nil {
		return "", err
	}

	return result, nil
}
