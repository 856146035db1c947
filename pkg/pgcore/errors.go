// SPDX-License-Identifier: Apache-2.0

package pgcore

import "fmt"

// NotFoundError is returned when a lookup by identifier fails to find a
// row in any of the three engines. Kind distinguishes the entity that
// was being looked up.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// InvalidPathError is returned when a VersionedFS path fails
// canonicalization: it is empty, too long, or contains a control
// character or one of the disallowed characters.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e InvalidPathError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

// InvalidEventTypeError is returned when an event type has not been
// registered for the given category.
type InvalidEventTypeError struct {
	Category  string
	EventType string
}

func (e InvalidEventTypeError) Error() string {
	return fmt.Sprintf("event type %q is not valid for category %q", e.EventType, e.Category)
}

// CrossRepositoryError is returned when a merge or rebase is attempted
// between commits that do not belong to the same repository.
type CrossRepositoryError struct {
	Source string
	Target string
}

func (e CrossRepositoryError) Error() string {
	return fmt.Sprintf("commit %q and commit %q belong to different repositories", e.Source, e.Target)
}

// CrossSchemaMismatchError describes an engine handle used against a schema
// that was installed by a different pgcore schema version or a different
// engine kind. No engine in this module returns it; installed-version
// differences are reported through CheckVersionCompatibility instead.
type CrossSchemaMismatchError struct {
	Schema   string
	Expected string
	Found    string
}

func (e CrossSchemaMismatchError) Error() string {
	return fmt.Sprintf("schema %q expected %q, found %q", e.Schema, e.Expected, e.Found)
}

// ConcurrencyConflictError is returned when an optimistic-concurrency
// check fails: the caller's expected version no longer matches the
// current version of the stream.
type ConcurrencyConflictError struct {
	Entity          string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %q: expected version %d, found %d", e.Entity, e.ExpectedVersion, e.ActualVersion)
}

// MergeRequiresResolutionsError is returned when a merge finalize is
// attempted while conflicting paths remain unresolved.
type MergeRequiresResolutionsError struct {
	Paths []string
}

func (e MergeRequiresResolutionsError) Error() string {
	return fmt.Sprintf("merge requires resolutions for %d path(s): %v", len(e.Paths), e.Paths)
}

// Conflict describes a single path in conflict during a merge or rebase.
type Conflict struct {
	Path   string
	Reason string
}

// RebaseBlockedError is returned when a rebase cannot proceed because the
// branch's changes since the merge base conflict with the new base.
type RebaseBlockedError struct {
	Conflicts []Conflict
}

func (e RebaseBlockedError) Error() string {
	return fmt.Sprintf("rebase blocked by %d conflict(s)", len(e.Conflicts))
}

// ParameterizedFragmentRejectedError is returned when a caller-supplied SQL
// fragment (reducer body, sync projection handler) contains a parameter
// placeholder, which is disallowed because fragments are spliced directly
// into trigger and function bodies.
type ParameterizedFragmentRejectedError struct {
	Fragment string
}

func (e ParameterizedFragmentRejectedError) Error() string {
	return fmt.Sprintf("sql fragment contains a parameter placeholder and was rejected: %s", e.Fragment)
}

// InvariantViolationError is returned when a write would break an engine
// invariant that normal validation doesn't otherwise name.
type InvariantViolationError struct {
	Reason string
}

func (e InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation: %s", e.Reason)
}

// ExhaustedHistoryError is returned when a VersionedFS parent-chain walk
// (ancestorChain) reaches its step cap without converging, indicating a
// cycle or a pathologically long history.
type ExhaustedHistoryError struct {
	Steps int
}

func (e ExhaustedHistoryError) Error() string {
	return fmt.Sprintf("history resolution exhausted after %d steps without converging", e.Steps)
}
