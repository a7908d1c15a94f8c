package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// Service exposes the operations callers use to drive the engine. Every
// method is scoped to an owner id.
type Service struct {
	store     Store
	engine    *Engine
	scheduler *Scheduler
	logger    *slog.Logger
	location  *time.Location
	now       func() time.Time
}

// NewService wires the service to its engine and scheduler.
func NewService(store Store, engine *Engine, scheduler *Scheduler, logger *slog.Logger, location *time.Location) *Service {
	if location == nil {
		location = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		engine:    engine,
		scheduler: scheduler,
		logger:    logger,
		location:  location,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateTaskInput describes a new task.
type CreateTaskInput struct {
	Name        string
	Kind        TaskKind
	Targets     []string
	AccountID   string
	ScheduledAt *time.Time
	CronExpr    string
	Settings    Settings
}

// CreateTask validates and persists a task. Recurring templates are scheduled
// immediately; one-shot tasks wait for their scheduled time or StartTask.
func (s *Service) CreateTask(ctx context.Context, ownerID string, in CreateTaskInput) (*Task, error) {
	if in.Kind == "" {
		in.Kind = TaskKindOneShot
	}
	task := &Task{
		ID:        NewID(),
		OwnerID:   ownerID,
		Name:      strings.TrimSpace(in.Name),
		Kind:      in.Kind,
		Status:    TaskStatusPending,
		AccountID: strings.TrimSpace(in.AccountID),
		CronExpr:  strings.TrimSpace(in.CronExpr),
	}

	switch in.Kind {
	case TaskKindOneShot:
		if task.CronExpr != "" {
			return nil, invalid("cron_expr", "only recurring tasks take a cron expression")
		}
		if in.ScheduledAt != nil {
			at := in.ScheduledAt.UTC()
			task.ScheduledAt = &at
		}
	case TaskKindRecurring:
		if in.ScheduledAt != nil {
			return nil, invalid("scheduled_at", "recurring tasks are driven by cron_expr")
		}
		if task.CronExpr == "" {
			return nil, invalid("cron_expr", "cron expression is required for recurring tasks")
		}
		schedule, err := ParseCron(task.CronExpr)
		if err != nil {
			return nil, invalid("cron_expr", "%v", err)
		}
		next := schedule.Next(s.now().In(s.location)).UTC()
		task.NextRunAt = &next
	default:
		return nil, invalid("kind", "kind must be one_shot or recurring")
	}

	settings, err := normalizeSettings(in.Settings)
	if err != nil {
		return nil, err
	}
	task.Settings = settings

	targets, err := s.resolveTargets(ctx, ownerID, in.Targets)
	if err != nil {
		return nil, err
	}
	task.Targets = targets

	if task.AccountID == "" {
		return nil, invalid("account_id", "account is required")
	}
	if _, err := s.store.GetAccount(ctx, ownerID, task.AccountID); err != nil {
		return nil, err
	}

	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, storeErr("insert task", err)
	}
	if task.Kind == TaskKindRecurring && s.scheduler != nil {
		if err := s.scheduler.Schedule(ctx, task); err != nil {
			s.logger.Error("schedule template", "task_id", task.ID, "err", err)
		}
	}
	s.logger.Info("task created", "task_id", task.ID, "owner_id", ownerID, "kind", task.Kind, "targets", len(task.Targets))
	return task, nil
}

func (s *Service) resolveTargets(ctx context.Context, ownerID string, ids []string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, invalid("targets", "at least one target is required")
	}
	for _, id := range out {
		if _, err := s.store.GetTarget(ctx, ownerID, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func normalizeSettings(in Settings) (Settings, error) {
	out := in
	switch {
	case out.PostScanLimit == 0:
		out.PostScanLimit = DefaultPostScanLimit
	case out.PostScanLimit < 0 || out.PostScanLimit > MaxPostScanLimit:
		return Settings{}, invalid("post_scan_limit", "must be between 1 and %d", MaxPostScanLimit)
	}
	switch {
	case out.Concurrency == 0:
		out.Concurrency = 1
	case out.Concurrency < 0:
		return Settings{}, invalid("concurrency", "must be positive")
	}
	switch out.Visibility {
	case "":
		out.Visibility = VisibilityPublic
	case VisibilityPublic, VisibilityPrivate:
	default:
		return Settings{}, invalid("visibility", "must be public or private")
	}
	return out, nil
}

// GetTask returns one task.
func (s *Service) GetTask(ctx context.Context, ownerID, id string) (*Task, error) {
	return s.store.GetTask(ctx, ownerID, id)
}

// ListTasks returns the owner's tasks, newest first.
func (s *Service) ListTasks(ctx context.Context, ownerID string, filter TaskFilter) ([]*Task, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, invalid("status", "unknown status %q", *filter.Status)
	}
	if filter.Kind != nil && *filter.Kind != TaskKindOneShot && *filter.Kind != TaskKindRecurring {
		return nil, invalid("kind", "kind must be one_shot or recurring")
	}
	return s.store.ListTasks(ctx, ownerID, filter)
}

// StartTask queues a pending task. For a recurring template it queues one
// extra run now and returns that run.
func (s *Service) StartTask(ctx context.Context, ownerID, id string) (*Task, error) {
	task, err := s.store.GetTask(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if err := checkStart(task); err != nil {
		return nil, err
	}
	if task.Kind == TaskKindRecurring {
		if s.scheduler == nil {
			return nil, errors.New("no scheduler configured")
		}
		return s.scheduler.Materializer().RunNow(ctx, task)
	}
	queuedAt := s.now()
	ok, err := s.store.MarkTaskQueued(ctx, ownerID, id, queuedAt)
	if err != nil {
		return nil, storeErr("mark task queued", err)
	}
	if !ok {
		fresh, err := s.store.GetTask(ctx, ownerID, id)
		if err != nil {
			return nil, err
		}
		return nil, &TransitionError{Op: "start", From: fresh.Status}
	}
	task.ScheduledAt = &queuedAt
	if err := s.engine.Enqueue(task.OwnerID, task.ID); err != nil {
		return nil, err
	}
	s.logger.Info("task queued", "task_id", task.ID, "owner_id", ownerID)
	return task, nil
}

// StopResult tells the caller whether a stop took effect at once or will be
// observed at the next target boundary.
type StopResult struct {
	Task      *Task
	Immediate bool
}

// StopTask cancels a pending or running task. Canceling a recurring template
// also removes its timer.
func (s *Service) StopTask(ctx context.Context, ownerID, id string) (StopResult, error) {
	task, err := s.store.GetTask(ctx, ownerID, id)
	if err != nil {
		return StopResult{}, err
	}
	if err := checkStop(task); err != nil {
		return StopResult{}, err
	}
	from := task.Status
	ok, err := s.store.TransitionTask(ctx, ownerID, id, []TaskStatus{TaskStatusPending, TaskStatusRunning}, TaskStatusCanceled, s.now())
	if err != nil {
		return StopResult{}, storeErr("cancel task", err)
	}
	if !ok {
		// The worker finished the task between our read and the write.
		fresh, err := s.store.GetTask(ctx, ownerID, id)
		if err != nil {
			return StopResult{}, err
		}
		return StopResult{}, &TransitionError{Op: "stop", From: fresh.Status}
	}
	task.Status = TaskStatusCanceled

	tlog := newTaskLog(s.store, s.logger, s.now, task)
	switch {
	case task.Kind == TaskKindRecurring:
		if s.scheduler != nil {
			s.scheduler.Unschedule(task.ID)
		}
		if err := s.store.UpdateTaskNextRun(ctx, ownerID, id, nil); err != nil {
			s.logger.Warn("clear next_run_at", "task_id", id, "err", err)
		}
		task.NextRunAt = nil
		tlog.Warn(ctx, "recurring schedule canceled")
	case from == TaskStatusPending:
		s.engine.Remove(task.ID)
		tlog.Warn(ctx, "task canceled before it started")
	default:
		tlog.Warn(ctx, "stop requested; the current target will finish first")
	}
	return StopResult{Task: task, Immediate: from == TaskStatusPending}, nil
}

// UpdateSettings replaces a task's settings. Running tasks cannot be edited.
func (s *Service) UpdateSettings(ctx context.Context, ownerID, id string, settings Settings) (*Task, error) {
	normalized, err := normalizeSettings(settings)
	if err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if err := checkEdit(task); err != nil {
		return nil, err
	}
	ok, err := s.store.UpdateTaskSettings(ctx, ownerID, id, normalized)
	if err != nil {
		return nil, storeErr("update settings", err)
	}
	if !ok {
		return nil, &TransitionError{Op: "edit", From: TaskStatusRunning}
	}
	task.Settings = normalized
	return task, nil
}

// GetTaskLogs returns log entries with seq greater than afterSeq.
func (s *Service) GetTaskLogs(ctx context.Context, ownerID, id string, afterSeq int64, limit int) ([]LogEntry, error) {
	if _, err := s.store.GetTask(ctx, ownerID, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return s.store.ListLogs(ctx, ownerID, id, afterSeq, limit)
}

// RuleInput is the editable part of a rule.
type RuleInput struct {
	Trigger            string
	Variations         []string
	Messages           []Message
	Media              []Media
	Active             bool
	MinTimeBetweenUses time.Duration
	Position           int
}

func normalizeRule(in RuleInput) (RuleInput, error) {
	out := RuleInput{
		Trigger:            strings.TrimSpace(in.Trigger),
		Active:             in.Active,
		MinTimeBetweenUses: in.MinTimeBetweenUses,
		Position:           in.Position,
	}
	if out.Trigger == "" {
		return RuleInput{}, invalid("trigger", "trigger is required")
	}
	if out.MinTimeBetweenUses < 0 {
		return RuleInput{}, invalid("min_time_between_uses", "must not be negative")
	}
	for _, v := range in.Variations {
		if v = strings.TrimSpace(v); v != "" {
			out.Variations = append(out.Variations, v)
		}
	}
	for i, m := range in.Messages {
		m.Text = strings.TrimSpace(m.Text)
		if m.Text == "" {
			return RuleInput{}, invalid(fmt.Sprintf("messages[%d].text", i), "text is required")
		}
		if m.Weight < 0 {
			return RuleInput{}, invalid(fmt.Sprintf("messages[%d].weight", i), "weight must not be negative")
		}
		out.Messages = append(out.Messages, m)
	}
	for i, m := range in.Media {
		m.Ref = strings.TrimSpace(m.Ref)
		if m.Ref == "" {
			return RuleInput{}, invalid(fmt.Sprintf("media[%d].ref", i), "ref is required")
		}
		if m.Weight < 0 {
			return RuleInput{}, invalid(fmt.Sprintf("media[%d].weight", i), "weight must not be negative")
		}
		out.Media = append(out.Media, m)
	}
	return out, nil
}

// ValidateRule reports the first problem with in, without storing anything.
func ValidateRule(in RuleInput) error {
	_, err := normalizeRule(in)
	return err
}

// CreateRule stores a new rule.
func (s *Service) CreateRule(ctx context.Context, ownerID string, in RuleInput) (*Rule, error) {
	in, err := normalizeRule(in)
	if err != nil {
		return nil, err
	}
	rule := &Rule{
		ID:                 NewID(),
		OwnerID:            ownerID,
		Trigger:            in.Trigger,
		Variations:         in.Variations,
		Messages:           in.Messages,
		Media:              in.Media,
		Active:             in.Active,
		MinTimeBetweenUses: in.MinTimeBetweenUses,
		Position:           in.Position,
	}
	if err := s.store.InsertRule(ctx, rule); err != nil {
		return nil, storeErr("insert rule", err)
	}
	return rule, nil
}

// UpdateRule replaces the editable fields of a rule; usage counters are kept.
func (s *Service) UpdateRule(ctx context.Context, ownerID, id string, in RuleInput) (*Rule, error) {
	in, err := normalizeRule(in)
	if err != nil {
		return nil, err
	}
	rule, err := s.store.GetRule(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	rule.Trigger = in.Trigger
	rule.Variations = in.Variations
	rule.Messages = in.Messages
	rule.Media = in.Media
	rule.Active = in.Active
	rule.MinTimeBetweenUses = in.MinTimeBetweenUses
	rule.Position = in.Position
	if err := s.store.UpdateRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// GetRule returns one rule.
func (s *Service) GetRule(ctx context.Context, ownerID, id string) (*Rule, error) {
	return s.store.GetRule(ctx, ownerID, id)
}

// DeleteRule removes a rule.
func (s *Service) DeleteRule(ctx context.Context, ownerID, id string) error {
	return s.store.DeleteRule(ctx, ownerID, id)
}

// ListRules returns the owner's rules in matching order.
func (s *Service) ListRules(ctx context.Context, ownerID string) ([]*Rule, error) {
	return s.store.ListRules(ctx, ownerID, false)
}

// CreateTarget registers a group to scan.
func (s *Service) CreateTarget(ctx context.Context, ownerID, name, rawURL string) (*Target, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, invalid("url", "url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, invalid("url", "url must be an absolute http(s) address")
	}
	target := &Target{
		ID:      NewID(),
		OwnerID: ownerID,
		Name:    strings.TrimSpace(name),
		URL:     u.String(),
	}
	if err := s.store.InsertTarget(ctx, target); err != nil {
		return nil, storeErr("insert target", err)
	}
	return target, nil
}

// DeleteTarget removes a target. Existing tasks that reference it record a
// target-level error when they reach it.
func (s *Service) DeleteTarget(ctx context.Context, ownerID, id string) error {
	return s.store.DeleteTarget(ctx, ownerID, id)
}

// ListTargets returns the owner's targets.
func (s *Service) ListTargets(ctx context.Context, ownerID string) ([]*Target, error) {
	return s.store.ListTargets(ctx, ownerID)
}

// CreateAccount registers an automation identity reference.
func (s *Service) CreateAccount(ctx context.Context, ownerID, label string, active bool) (*Account, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, invalid("label", "label is required")
	}
	account := &Account{
		ID:      NewID(),
		OwnerID: ownerID,
		Label:   label,
		Active:  active,
	}
	if err := s.store.InsertAccount(ctx, account); err != nil {
		return nil, storeErr("insert account", err)
	}
	return account, nil
}

// ListAccounts returns the owner's accounts.
func (s *Service) ListAccounts(ctx context.Context, ownerID string) ([]*Account, error) {
	return s.store.ListAccounts(ctx, ownerID)
}

// Stats aggregates the owner's tasks, rules, targets and actions.
func (s *Service) Stats(ctx context.Context, ownerID string) (*Stats, error) {
	stats := &Stats{TasksByStatus: make(map[TaskStatus]int)}

	tasks, err := s.store.ListTasks(ctx, ownerID, TaskFilter{})
	if err != nil {
		return nil, storeErr("list tasks", err)
	}
	for _, t := range tasks {
		stats.TasksByStatus[t.Status]++
	}

	stats.ActionsOK, stats.ActionsFailed, err = s.store.CountActions(ctx, ownerID)
	if err != nil {
		return nil, storeErr("count actions", err)
	}

	rules, err := s.store.ListRules(ctx, ownerID, false)
	if err != nil {
		return nil, storeErr("list rules", err)
	}
	for _, r := range rules {
		if r.Active {
			stats.ActiveRules++
		}
		stats.TotalRuleUses += r.TotalUses
	}

	targets, err := s.store.ListTargets(ctx, ownerID)
	if err != nil {
		return nil, storeErr("list targets", err)
	}
	stats.Targets = len(targets)
	for _, t := range targets {
		stats.TargetsActions += t.TotalActions
	}
	return stats, nil
}

// Location is the zone cron expressions are evaluated in.
func (s *Service) Location() *time.Location {
	return s.location
}

// PreviewCron returns the next n fire times of expr after base.
func (s *Service) PreviewCron(expr string, base time.Time, n int) ([]time.Time, error) {
	schedule, err := ParseCron(strings.TrimSpace(expr))
	if err != nil {
		return nil, invalid("cron_expr", "%v", err)
	}
	if n <= 0 || n > 10 {
		n = 5
	}
	return NextOccurrences(schedule, base.In(s.location), n), nil
}
