package core

import (
	"time"
)

// TaskKind distinguishes one-shot campaigns from recurring templates.
type TaskKind string

const (
	TaskKindOneShot   TaskKind = "one_shot"
	TaskKindRecurring TaskKind = "recurring"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCanceled  TaskStatus = "canceled"
)

// Visibility is forwarded to the automation client as a posting hint.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// LogLevel is the severity of a task log entry.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelSuccess LogLevel = "success"
	LogLevelWarn    LogLevel = "warn"
	LogLevelError   LogLevel = "error"
)

const (
	DefaultPostScanLimit = 10
	MaxPostScanLimit     = 100
)

// Settings holds per-task tunables. Concurrency is recorded but tasks are
// always processed one at a time.
type Settings struct {
	PostScanLimit int        `json:"post_scan_limit"`
	Concurrency   int        `json:"concurrency"`
	Visibility    Visibility `json:"visibility"`
}

// TargetError records a failure scoped to one target of a task.
type TargetError struct {
	TargetID string    `json:"target_id"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Results are the counters a worker accumulates while running a task.
type Results struct {
	TargetsProcessed int           `json:"targets_processed"`
	ItemsScanned     int           `json:"items_scanned"`
	ActionsTaken     int           `json:"actions_taken"`
	Errors           []TargetError `json:"errors,omitempty"`
}

// Task is a persisted scan campaign: either a one-shot run or a recurring template.
type Task struct {
	ID         string
	OwnerID    string
	Name       string
	Kind       TaskKind
	Status     TaskStatus
	Targets    []string
	AccountID  string
	TemplateID string

	ScheduledAt *time.Time
	CronExpr    string
	LastRunAt   *time.Time
	NextRunAt   *time.Time
	LastSlotAt  *time.Time

	Settings Settings
	Results  Results

	StartedAt *time.Time
	EndedAt   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LogEntry is one line of a task's append-only log.
type LogEntry struct {
	Seq     int64
	TaskID  string
	Level   LogLevel
	Message string
	At      time.Time
}

// Message is a weighted reply candidate of a rule.
type Message struct {
	Text   string  `json:"text" yaml:"text"`
	Weight float64 `json:"weight" yaml:"weight"`
	Active bool    `json:"active" yaml:"active"`
}

// Media is a weighted attachment candidate of a rule.
type Media struct {
	Ref    string  `json:"ref" yaml:"ref"`
	Weight float64 `json:"weight" yaml:"weight"`
}

// Rule is a keyword trigger with weighted reply candidates.
type Rule struct {
	ID                 string
	OwnerID            string
	Trigger            string
	Variations         []string
	Messages           []Message
	Media              []Media
	Active             bool
	MinTimeBetweenUses time.Duration
	TotalUses          int64
	LastUsedAt         *time.Time
	Position           int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ActiveMessages returns the messages that may be used for a reply.
func (r *Rule) ActiveMessages() []Message {
	out := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Active && m.Text != "" {
			out = append(out, m)
		}
	}
	return out
}

// Eligible reports whether the rule can produce a reply at now.
func (r *Rule) Eligible(now time.Time) bool {
	if !r.Active || len(r.ActiveMessages()) == 0 {
		return false
	}
	if r.MinTimeBetweenUses > 0 && r.LastUsedAt != nil && now.Sub(*r.LastUsedAt) < r.MinTimeBetweenUses {
		return false
	}
	return true
}

// Target is a remote group the engine visits.
type Target struct {
	ID            string
	OwnerID       string
	Name          string
	URL           string
	TotalActions  int64
	LastScannedAt *time.Time
	CreatedAt     time.Time
}

// Account references an automation identity.
type Account struct {
	ID        string
	OwnerID   string
	Label     string
	Active    bool
	CreatedAt time.Time
}

// ActionRecord is durable evidence that a reply was attempted for a fingerprint.
type ActionRecord struct {
	ID          string
	OwnerID     string
	Fingerprint string
	TaskID      string
	TargetID    string
	RuleID      string
	MessageUsed string
	MediaUsed   string
	SourceURL   string
	Succeeded   bool
	Error       string
	At          time.Time
}

// Item is a post returned by the automation client.
type Item struct {
	ItemID     string `json:"item_id"`
	Text       string `json:"text"`
	SourceURL  string `json:"source_url"`
	AuthorName string `json:"author_name"`
}

// ReplyRequest is what the engine asks the automation client to post.
type ReplyRequest struct {
	SourceURL  string
	Message    string
	MediaRef   string
	Visibility Visibility
}

// Stats aggregates an owner's activity.
type Stats struct {
	TasksByStatus  map[TaskStatus]int `json:"tasks_by_status"`
	ActionsOK      int                `json:"actions_succeeded"`
	ActionsFailed  int                `json:"actions_failed"`
	ActiveRules    int                `json:"active_rules"`
	Targets        int                `json:"targets"`
	TotalRuleUses  int64              `json:"total_rule_uses"`
	TargetsActions int64              `json:"target_actions"`
}
