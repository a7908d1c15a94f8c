package core

import (
	"context"
	"time"
)

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status *TaskStatus
	Kind   *TaskKind
	Limit  int
}

// TaskStore persists task records and their logs. Every owner-facing method is
// scoped by owner id; the List*Due/Templates queries are system sweeps across owners.
type TaskStore interface {
	InsertTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, ownerID, id string) (*Task, error)
	ListTasks(ctx context.Context, ownerID string, filter TaskFilter) ([]*Task, error)

	// TransitionTask moves the task to `to` only if its current status is one
	// of from. Reports whether the row changed.
	TransitionTask(ctx context.Context, ownerID, id string, from []TaskStatus, to TaskStatus, at time.Time) (bool, error)
	// UpdateTaskSettings applies settings unless the task is running.
	UpdateTaskSettings(ctx context.Context, ownerID, id string, settings Settings) (bool, error)
	SaveResults(ctx context.Context, ownerID, id string, results Results) error
	// MarkTaskQueued stamps scheduled_at on a pending one-shot task so the
	// sweep can find it again after a restart.
	MarkTaskQueued(ctx context.Context, ownerID, id string, at time.Time) (bool, error)

	ListDueOneShot(ctx context.Context, now time.Time) ([]*Task, error)
	ListRecurringTemplates(ctx context.Context) ([]*Task, error)
	ListDueTemplates(ctx context.Context, now time.Time) ([]*Task, error)
	// ClaimTemplateSlot records slot as materialized if it is later than the
	// last claimed slot, and advances last/next run times in the same write.
	ClaimTemplateSlot(ctx context.Context, ownerID, id string, slot time.Time, next *time.Time, ranAt time.Time) (bool, error)
	UpdateTaskNextRun(ctx context.Context, ownerID, id string, next *time.Time) error

	AppendLog(ctx context.Context, ownerID, taskID string, level LogLevel, message string, at time.Time) error
	ListLogs(ctx context.Context, ownerID, taskID string, afterSeq int64, limit int) ([]LogEntry, error)
}

// RuleStore persists content rules.
type RuleStore interface {
	InsertRule(ctx context.Context, rule *Rule) error
	UpdateRule(ctx context.Context, rule *Rule) error
	DeleteRule(ctx context.Context, ownerID, id string) error
	GetRule(ctx context.Context, ownerID, id string) (*Rule, error)
	ListRules(ctx context.Context, ownerID string, activeOnly bool) ([]*Rule, error)
	IncrementRuleUse(ctx context.Context, ownerID, id string, at time.Time) error
}

// TargetStore persists targets and accounts.
type TargetStore interface {
	InsertTarget(ctx context.Context, target *Target) error
	GetTarget(ctx context.Context, ownerID, id string) (*Target, error)
	ListTargets(ctx context.Context, ownerID string) ([]*Target, error)
	DeleteTarget(ctx context.Context, ownerID, id string) error
	IncrementTargetActions(ctx context.Context, ownerID, id string, delta int) error
	MarkTargetScanned(ctx context.Context, ownerID, id string, at time.Time) error

	InsertAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, ownerID, id string) (*Account, error)
	ListAccounts(ctx context.Context, ownerID string) ([]*Account, error)
}

// ActionStore is the deduplication index.
type ActionStore interface {
	// FindSucceededAction returns nil, nil when no successful action exists.
	FindSucceededAction(ctx context.Context, ownerID, fingerprint string) (*ActionRecord, error)
	RecordAction(ctx context.Context, action *ActionRecord) error
	CountActions(ctx context.Context, ownerID string) (succeeded, failed int, err error)
}

// Store is the full persistence boundary consumed by the engine and service.
type Store interface {
	TaskStore
	RuleStore
	TargetStore
	ActionStore
}

// AutomationClient drives one remote identity. Implementations are not
// required to be safe for concurrent use.
type AutomationClient interface {
	Authenticate(ctx context.Context, account Account) error
	ListTargetItems(ctx context.Context, target Target, limit int) ([]Item, error)
	PerformReply(ctx context.Context, req ReplyRequest) error
	Close() error
}

// ClientFactory hands out a fresh client for each task.
type ClientFactory interface {
	NewClient(account Account) AutomationClient
}

// ClientFactoryFunc adapts a function to ClientFactory.
type ClientFactoryFunc func(account Account) AutomationClient

func (f ClientFactoryFunc) NewClient(account Account) AutomationClient { return f(account) }

// Notifier is told when a task reaches a terminal status.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// Metrics receives engine counters.
type Metrics interface {
	TaskFinished(status TaskStatus)
	ItemsScanned(n int)
	ReplyAttempted(ok bool)
	QueueDepth(n int)
}

type nopMetrics struct{}

func (nopMetrics) TaskFinished(TaskStatus) {}
func (nopMetrics) ItemsScanned(int)        {}
func (nopMetrics) ReplyAttempted(bool)     {}
func (nopMetrics) QueueDepth(int)          {}
