package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TaskLog appends entries to a task's persisted log and mirrors them to slog.
// Append failures are logged and swallowed so logging never fails a task.
type TaskLog struct {
	store   TaskStore
	logger  *slog.Logger
	ownerID string
	taskID  string
	now     func() time.Time
}

func newTaskLog(store TaskStore, logger *slog.Logger, now func() time.Time, task *Task) *TaskLog {
	return &TaskLog{
		store:   store,
		logger:  logger.With("task_id", task.ID, "owner_id", task.OwnerID),
		ownerID: task.OwnerID,
		taskID:  task.ID,
		now:     now,
	}
}

func (l *TaskLog) Info(ctx context.Context, format string, args ...any) {
	l.append(ctx, LogLevelInfo, fmt.Sprintf(format, args...))
}

func (l *TaskLog) Success(ctx context.Context, format string, args ...any) {
	l.append(ctx, LogLevelSuccess, fmt.Sprintf(format, args...))
}

func (l *TaskLog) Warn(ctx context.Context, format string, args ...any) {
	l.append(ctx, LogLevelWarn, fmt.Sprintf(format, args...))
}

func (l *TaskLog) Error(ctx context.Context, format string, args ...any) {
	l.append(ctx, LogLevelError, fmt.Sprintf(format, args...))
}

func (l *TaskLog) append(ctx context.Context, level LogLevel, msg string) {
	switch level {
	case LogLevelWarn:
		l.logger.Warn(msg)
	case LogLevelError:
		l.logger.Error(msg)
	default:
		l.logger.Info(msg, "level", string(level))
	}
	// Persist even if the task context was canceled mid-shutdown.
	if err := l.store.AppendLog(context.WithoutCancel(ctx), l.ownerID, l.taskID, level, msg, l.now()); err != nil {
		l.logger.Warn("append task log", "err", err)
	}
}
