// SPDX-License-Identifier: Apache-2.0

package eventstore

import "github.com/pterm/pterm"

// Logger is responsible for logging append, projection, and polling
// activity.
type Logger interface {
	LogAppend(e *Event)
	LogConcurrencyConflict(streamID string)
	LogProjectionRegistered(name string, syncTypes, asyncTypes []string)
	LogAggregateRegistered(name, category string)
	LogPoll(subscription string, count int)
	LogAck(subscription string, position int64)

	Info(msg string, args ...any)
}

type eventStoreLogger struct {
	logger pterm.Logger
}

type noopLogger struct{}

// NewLogger returns a Logger that writes structured output via pterm.
func NewLogger() Logger {
	return &eventStoreLogger{logger: pterm.DefaultLogger}
}

// NewNoopLogger returns a Logger that discards all output.
func NewNoopLogger() Logger {
	return &noopLogger{}
}

func (l *eventStoreLogger) LogAppend(e *Event) {
	l.logger.Info("event appended", l.logger.Args(
		"stream", e.Stream,
		"type", e.Category+"/"+e.Type,
		"position", e.Position,
		"stream_version", e.StreamVersion,
	))
}

func (l *eventStoreLogger) LogConcurrencyConflict(streamID string) {
	l.logger.Warn("concurrency conflict", l.logger.Args("stream", streamID))
}

func (l *eventStoreLogger) LogProjectionRegistered(name string, syncTypes, asyncTypes []string) {
	l.logger.Info("projection registered", l.logger.Args(
		"name", name, "sync_types", syncTypes, "async_types", asyncTypes,
	))
}

func (l *eventStoreLogger) LogAggregateRegistered(name, category string) {
	l.logger.Info("aggregate registered", l.logger.Args("name", name, "category", category))
}

func (l *eventStoreLogger) LogPoll(subscription string, count int) {
	l.logger.Info("poll", l.logger.Args("subscription", subscription, "count", count))
}

func (l *eventStoreLogger) LogAck(subscription string, position int64) {
	l.logger.Info("ack", l.logger.Args("subscription", subscription, "position", position))
}

func (l *eventStoreLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, l.logger.Args(args))
}

func (l *noopLogger) LogAppend(e *Event)                                             {}
func (l *noopLogger) LogConcurrencyConflict(streamID string)                         {}
func (l *noopLogger) LogProjectionRegistered(name string, syncTypes, asyncTypes []string) {}
func (l *noopLogger) LogAggregateRegistered(name, category string)                   {}
func (l *noopLogger) LogPoll(subscription string, count int)                         {}
func (l *noopLogger) LogAck(subscription string, position int64)                     {}
func (l *noopLogger) Info(msg string, args ...any)                                   {}
