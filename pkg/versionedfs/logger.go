// SPDX-License-Identifier: Apache-2.0

package versionedfs

import "github.com/pterm/pterm"

// Logger is responsible for logging repository, commit, and merge lifecycle
// events.
type Logger interface {
	LogCommitStart(repository, message string)
	LogCommitComplete(commit *Commit)
	LogMergeStart(mergeCommit string)
	LogMergeComplete(mergeCommit string, result FinalizeResult)
	LogRebaseStart(branch, onto string)
	LogRebaseComplete(branch string, result FinalizeResult)

	Info(msg string, args ...any)
}

type fsLogger struct {
	logger pterm.Logger
}

type noopLogger struct{}

// NewLogger returns a Logger that writes structured output via pterm.
func NewLogger() Logger {
	return &fsLogger{logger: pterm.DefaultLogger}
}

// NewNoopLogger returns a Logger that discards all output.
func NewNoopLogger() Logger {
	return &noopLogger{}
}

func (l *fsLogger) LogCommitStart(repository, message string) {
	l.logger.Info("starting commit", l.logger.Args("repository", repository, "message", message))
}

func (l *fsLogger) LogCommitComplete(c *Commit) {
	l.logger.Info("committed", l.logger.Args("commit", c.ID, "repository", c.Repository))
}

func (l *fsLogger) LogMergeStart(mergeCommit string) {
	l.logger.Info("finalizing merge", l.logger.Args("commit", mergeCommit))
}

func (l *fsLogger) LogMergeComplete(mergeCommit string, result FinalizeResult) {
	l.logger.Info("merge finalized", l.logger.Args("commit", mergeCommit, "result", string(result)))
}

func (l *fsLogger) LogRebaseStart(branch, onto string) {
	l.logger.Info("starting rebase", l.logger.Args("branch", branch, "onto", onto))
}

func (l *fsLogger) LogRebaseComplete(branch string, result FinalizeResult) {
	l.logger.Info("rebase complete", l.logger.Args("branch", branch, "result", string(result)))
}

func (l *fsLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, l.logger.Args(args))
}

func (l *noopLogger) LogCommitStart(repository, message string)             {}
func (l *noopLogger) LogCommitComplete(c *Commit)                           {}
func (l *noopLogger) LogMergeStart(mergeCommit string)                     {}
func (l *noopLogger) LogMergeComplete(mergeCommit string, result FinalizeResult) {}
func (l *noopLogger) LogRebaseStart(branch, onto string)                    {}
func (l *noopLogger) LogRebaseComplete(branch string, result FinalizeResult) {}
func (l *noopLogger) Info(msg string, args ...any)                          {}
