// Package audit records fire-and-forget activity entries. Entries are
// written on a detached worker and failures never reach the caller.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Severity classifies an audit entry
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Entry is one audit record
type Entry struct {
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	UserID    *int64    `json:"userId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Sink persists audit entries
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Dispatcher runs tasks detached from the caller. *hooks.AsyncQueue
// satisfies it.
type Dispatcher interface {
	Go(name string, fn func(ctx context.Context) error)
}

// MultiSink writes every entry to each of its sinks
type MultiSink []Sink

// Write writes e to all sinks and joins their errors
func (m MultiSink) Write(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logger is the entry point used by the repository
type Logger struct {
	sink       Sink
	dispatcher Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

// NewLogger creates a logger writing to sink through dispatcher. A nil
// dispatcher writes on a new goroutine.
func NewLogger(sink Sink, dispatcher Dispatcher, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = NewZapSink(logger)
	}
	return &Logger{sink: sink, dispatcher: dispatcher, logger: logger, now: time.Now}
}

// Log records message without waiting for the sink. A nil Logger discards
// the entry.
func (l *Logger) Log(message string, severity Severity, userID *int64) {
	if l == nil {
		return
	}
	e := Entry{Message: message, Severity: severity, CreatedAt: l.now().UTC()}
	if userID != nil {
		id := *userID
		e.UserID = &id
	}

	task := func(ctx context.Context) error {
		if err := l.sink.Write(ctx, e); err != nil {
			return fmt.Errorf("audit sink: %w", err)
		}
		return nil
	}

	if l.dispatcher != nil {
		l.dispatcher.Go("audit", task)
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("audit write panicked", zap.Any("panic", r))
			}
		}()
		if err := task(context.Background()); err != nil {
			l.logger.Warn("audit write failed", zap.Error(err))
		}
	}()
}

// Infof logs an info entry
func (l *Logger) Infof(userID *int64, format string, args ...interface{}) {
	l.Log(fmt.Sprintf(format, args...), SeverityInfo, userID)
}

// Errorf logs an error entry
func (l *Logger) Errorf(userID *int64, format string, args ...interface{}) {
	l.Log(fmt.Sprintf(format, args...), SeverityError, userID)
}
