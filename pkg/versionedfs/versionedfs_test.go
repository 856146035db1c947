// SPDX-License-Identifier: Apache-2.0

package versionedfs_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pqerrs "github.com/relcore/pgcore/internal/testutils"
	"github.com/relcore/pgcore/pkg/pgcore"
	"github.com/relcore/pgcore/pkg/testutils"
	"github.com/relcore/pgcore/pkg/versionedfs"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func TestBasicVersioning(t *testing.T) {
	t.Parallel()

	testutils.WithVersionedFS(t, func(fs *versionedfs.FS, _ *sql.DB) {
		ctx := context.Background()

		repo, err := fs.CreateRepository(ctx, "R")
		require.NoError(t, err)

		c1, err := fs.CreateCommit(ctx, repo.ID, nil, nil, "root", []versionedfs.FileWrite{
			{Path: "/x", Content: "A"},
		})
		require.NoError(t, err)

		c2, err := fs.CreateCommit(ctx, repo.ID, &c1.ID, nil, "add y", []versionedfs.FileWrite{
			{Path: "/y", Content: "B"},
		})
		require.NoError(t, err)

		c3, err := fs.CreateCommit(ctx, repo.ID, &c2.ID, nil, "update x", []versionedfs.FileWrite{
			{Path: "/x", Content: "A2"},
		})
		require.NoError(t, err)

		x, err := fs.ReadFile(ctx, c3.ID, "/x")
		require.NoError(t, err)
		require.NotNil(t, x)
		assert.Equal(t, "A2", x.Content)

		y, err := fs.ReadFile(ctx, c3.ID, "/y")
		require.NoError(t, err)
		require.NotNil(t, y)
		assert.Equal(t, "B", y.Content)

		snap, err := fs.Snapshot(ctx, c3.ID, nil)
		require.NoError(t, err)
		paths := map[string]bool{}
		for _, e := range snap {
			paths[e.Path] = true
		}
		assert.Equal(t, map[string]bool{"/x": true, "/y": true}, paths)
	})
}

func TestTombstone(t *testing.T) {
	t.Parallel()

	testutils.WithVersionedFS(t, func(fs *versionedfs.FS, _ *sql.DB) {
		ctx := context.Background()

		repo, err := fs.CreateRepository(ctx, "R")
		require.NoError(t, err)

		c1, err := fs.CreateCommit(ctx, repo.ID, nil, nil, "add f", []versionedfs.FileWrite{
			{Path: "/f", Content: "hi"},
		})
		require.NoError(t, err)

		c2, err := fs.CreateCommit(ctx, repo.ID, &c1.ID, nil, "delete f", []versionedfs.FileWrite{
			{Path: "/f", IsDeleted: true},
		})
		require.NoError(t, err)

		f, err := fs.ReadFile(ctx, c2.ID, "/f")
		require.NoError(t, err)
		assert.Nil(t, f)

		snap, err := fs.Snapshot(ctx, c2.ID, nil)
		require.NoError(t, err)
		assert.Empty(t, snap)

		history, err := fs.FileHistory(ctx, c2.ID, "/f")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.True(t, history[0].IsDeleted)
		assert.False(t, history[1].IsDeleted)
	})
}

func TestModifyModifyConflict(t *testing.T) {
	t.Parallel()

	testutils.WithVersionedFS(t, func(fs *versionedfs.FS, _ *sql.DB) {
		ctx := context.Background()

		repo, err := fs.CreateRepository(ctx, "R")
		require.NoError(t, err)

		base, err := fs.CreateCommit(ctx, repo.ID, nil, nil, "base", []versionedfs.FileWrite{
			{Path: "/same", Content: "base"},
		})
		require.NoError(t, err)

		left, err := fs.CreateCommit(ctx, repo.ID, &base.ID, nil, "left", []versionedfs.FileWrite{
			{Path: "/same", Content: "left"},
		})
		require.NoError(t, err)

		right, err := fs.CreateCommit(ctx, repo.ID, &base.ID, nil, "right", []versionedfs.FileWrite{
			{Path: "/same", Content: "right"},
		})
		require.NoError(t, err)

		conflicts, err := fs.Conflicts(ctx, left.ID, right.ID)
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		assert.Equal(t, "/same", conflicts[0].Path)
		assert.Equal(t, versionedfs.ConflictModifyModify, conflicts[0].Kind)
		assert.Equal(t, "base", conflicts[0].BaseContent)
		assert.Equal(t, "left", conflicts[0].LeftContent)
		assert.Equal(t, "right", conflicts[0].RightContent)

		merge, err := fs.CreateCommit(ctx, repo.ID, &left.ID, &right.ID, "merge", nil)
		require.NoError(t, err)

		_, err = fs.FinalizeCommit(ctx, merge.ID, nil)
		var needsResolution pgcore.MergeRequiresResolutionsError
		require.ErrorAs(t, err, &needsResolution)
		assert.Equal(t, []string{"/same"}, needsResolution.Paths)

		resolved, err := fs.CreateCommit(ctx, repo.ID, &left.ID, &right.ID, "merge resolved", []versionedfs.FileWrite{
			{Path: "/same", Content: "resolved"},
		})
		require.NoError(t, err)

		result, err := fs.FinalizeCommit(ctx, resolved.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, versionedfs.ResultMergedWithConflictsResolved, result)

		final, err := fs.ReadFile(ctx, resolved.ID, "/same")
		require.NoError(t, err)
		require.NotNil(t, final)
		assert.Equal(t, "resolved", final.Content)
	})
}

func TestDuplicateRepositoryNameRejected(t *testing.T) {
	t.Parallel()

	testutils.WithVersionedFS(t, func(fs *versionedfs.FS, _ *sql.DB) {
		ctx := context.Background()

		_, err := fs.CreateRepository(ctx, "docs")
		require.NoError(t, err)

		_, err = fs.CreateRepository(ctx, "docs")
		require.Error(t, err)

		var pqErr *pq.Error
		require.ErrorAs(t, err, &pqErr)
		assert.Equal(t, pqerrs.UniqueViolationErrorCode, pqErr.Code.Name())
	})
}
