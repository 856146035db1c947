// SPDX-License-Identifier: Apache-2.0

package versionedfs

import (
	"strings"

	"github.com/relcore/pgcore/pkg/pgcore"
)

const maxPathLength = 4096

const disallowedPathChars = `<>:"|?*`

// CanonicalizePath validates and normalizes a path for storage or lookup:
// replace "\\" with "/", prefix "/" if missing, collapse repeated "/",
// strip a trailing "/" unless the path is root.
func CanonicalizePath(path string) (string, error) {
	return canonicalize(path, false)
}

// CanonicalizePrefix is like CanonicalizePath but preserves an explicit
// trailing "/" so that a subtree listing for "/src/" does not also match
// "/src-old/...".
func CanonicalizePrefix(prefix string) (string, error) {
	return canonicalize(prefix, true)
}

func canonicalize(path string, preserveTrailingSlash bool) (string, error) {
	if path == "" {
		return "", pgcore.InvalidPathError{Path: path, Reason: "path is empty"}
	}
	if len(path) > maxPathLength {
		return "", pgcore.InvalidPathError{Path: path, Reason: "path exceeds 4096 bytes"}
	}

	for _, r := range path {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return "", pgcore.InvalidPathError{Path: path, Reason: "path contains a control character"}
		}
		if strings.ContainsRune(disallowedPathChars, r) {
			return "", pgcore.InvalidPathError{Path: path, Reason: "path contains a disallowed character"}
		}
	}

	hadTrailingSlash := strings.HasSuffix(path, "/") || strings.HasSuffix(path, `\`)

	normalized := strings.ReplaceAll(path, `\`, "/")

	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}

	for strings.Contains(normalized, "//") {
		normalized = strings.ReplaceAll(normalized, "//", "/")
	}

	if normalized != "/" {
		normalized = strings.TrimSuffix(normalized, "/")
	}

	if preserveTrailingSlash && hadTrailingSlash && normalized != "/" {
		normalized += "/"
	}

	if len(normalized) > maxPathLength {
		return "", pgcore.InvalidPathError{Path: path, Reason: "normalized path exceeds 4096 bytes"}
	}

	return normalized, nil
}
