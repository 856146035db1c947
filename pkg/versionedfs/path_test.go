// SPDX-License-Identifier: Apache-2.0

package versionedfs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relcore/pgcore/pkg/versionedfs"
)

func TestCanonicalizePath(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"src/x":    "/src/x",
		"//a//b/":  "/a/b",
		"/":        "/",
		`a\b`:      "/a/b",
		"/a/b/":    "/a/b",
	}

	for in, want := range tests {
		got, err := versionedfs.CanonicalizePath(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestCanonicalizePathRejectsInvalid(t *testing.T) {
	t.Parallel()

	invalid := []string{
		"",
		"/a<b",
		"/a|b",
		"/a\x01b",
	}

	for _, in := range invalid {
		_, err := versionedfs.CanonicalizePath(in)
		assert.Error(t, err, in)
	}
}

func TestCanonicalizePrefixPreservesTrailingSlash(t *testing.T) {
	t.Parallel()

	got, err := versionedfs.CanonicalizePrefix("/src/")
	require.NoError(t, err)
	assert.Equal(t, "/src/", got)

	got, err = versionedfs.CanonicalizePrefix("/src")
	require.NoError(t, err)
	assert.Equal(t, "/src", got)
}
