package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Enqueuer accepts tasks for processing.
type Enqueuer interface {
	Enqueue(ownerID, taskID string) error
}

// Materializer turns a recurring template into a one-shot task for a cron
// slot. Both the per-template timer and the periodic sweep go through it, and
// a slot is claimed at most once per template.
type Materializer struct {
	store    TaskStore
	queue    Enqueuer
	logger   *slog.Logger
	location *time.Location
	now      func() time.Time
}

// NewMaterializer builds a Materializer.
func NewMaterializer(store TaskStore, queue Enqueuer, logger *slog.Logger, location *time.Location, now func() time.Time) *Materializer {
	if location == nil {
		location = time.Local
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Materializer{store: store, queue: queue, logger: logger, location: location, now: now}
}

// Materialize creates and enqueues the run for slot. It returns nil, nil when
// the slot was already materialized.
func (m *Materializer) Materialize(ctx context.Context, template *Task, slot time.Time) (*Task, error) {
	if template.Kind != TaskKindRecurring {
		return nil, fmt.Errorf("task %s is not a recurring template", template.ID)
	}
	schedule, err := ParseCron(template.CronExpr)
	if err != nil {
		return nil, err
	}
	now := m.now()
	base := now
	if slot.After(base) {
		base = slot
	}
	next := schedule.Next(base.In(m.location)).UTC()

	claimed, err := m.store.ClaimTemplateSlot(ctx, template.OwnerID, template.ID, slot.UTC(), &next, now)
	if err != nil {
		return nil, fmt.Errorf("claim slot: %w", err)
	}
	if !claimed {
		m.logger.Debug("slot already materialized", "template_id", template.ID, "slot", slot)
		return nil, nil
	}

	run, err := m.spawn(ctx, template, now)
	if err != nil {
		return nil, err
	}
	template.LastRunAt = &now
	template.NextRunAt = &next
	template.LastSlotAt = &slot
	m.logger.Info("materialized recurring run", "template_id", template.ID, "task_id", run.ID, "slot", slot, "next_run_at", next)
	return run, nil
}

// RunNow creates and enqueues an extra run of template outside its cron
// cadence. No slot is claimed, so the next scheduled run still fires.
func (m *Materializer) RunNow(ctx context.Context, template *Task) (*Task, error) {
	if template.Kind != TaskKindRecurring {
		return nil, fmt.Errorf("task %s is not a recurring template", template.ID)
	}
	run, err := m.spawn(ctx, template, m.now())
	if err != nil {
		return nil, err
	}
	m.logger.Info("manual recurring run", "template_id", template.ID, "task_id", run.ID)
	return run, nil
}

func (m *Materializer) spawn(ctx context.Context, template *Task, at time.Time) (*Task, error) {
	scheduledAt := at
	run := &Task{
		ID:          NewID(),
		OwnerID:     template.OwnerID,
		Name:        template.Name,
		Kind:        TaskKindOneShot,
		Status:      TaskStatusPending,
		Targets:     append([]string(nil), template.Targets...),
		AccountID:   template.AccountID,
		TemplateID:  template.ID,
		ScheduledAt: &scheduledAt,
		Settings:    template.Settings,
	}
	if err := m.store.InsertTask(ctx, run); err != nil {
		return nil, fmt.Errorf("insert materialized task: %w", err)
	}
	if err := m.queue.Enqueue(run.OwnerID, run.ID); err != nil {
		// The sweep picks the pending run up again once the engine accepts work.
		m.logger.Warn("enqueue materialized task", "task_id", run.ID, "err", err)
	}
	return run, nil
}

// SchedulerOptions tunes a Scheduler.
type SchedulerOptions struct {
	Location      *time.Location
	SweepInterval time.Duration
	Now           func() time.Time
}

// Scheduler owns one cron timer per recurring template plus a coarser sweep
// that picks up due one-shot tasks and any template slot a timer missed.
type Scheduler struct {
	store        TaskStore
	queue        Enqueuer
	materializer *Materializer
	logger       *slog.Logger
	location     *time.Location
	interval     time.Duration
	now          func() time.Time

	cron    *cron.Cron
	entryMu sync.RWMutex
	entries map[string]cron.EntryID

	ctx context.Context
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(store TaskStore, queue Enqueuer, logger *slog.Logger, opts SchedulerOptions) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(opts.Location),
	)
	return &Scheduler{
		store:        store,
		queue:        queue,
		materializer: NewMaterializer(store, queue, logger, opts.Location, opts.Now),
		logger:       logger,
		location:     opts.Location,
		interval:     opts.SweepInterval,
		now:          opts.Now,
		cron:         c,
		entries:      make(map[string]cron.EntryID),
	}
}

// Materializer exposes the shared materializer.
func (s *Scheduler) Materializer() *Materializer {
	return s.materializer
}

// Start begins firing timers. ctx is used for background store operations.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
}

// Stop stops the timers and returns a context that is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// LoadAll schedules every recurring template that has not been canceled.
func (s *Scheduler) LoadAll(ctx context.Context) error {
	templates, err := s.store.ListRecurringTemplates(ctx)
	if err != nil {
		return fmt.Errorf("list recurring templates: %w", err)
	}
	for _, t := range templates {
		if err := s.Schedule(ctx, t); err != nil {
			s.logger.Error("schedule template", "template_id", t.ID, "err", err)
		}
	}
	s.logger.Info("recurring templates loaded", "count", len(templates))
	return nil
}

// Schedule registers (or replaces) the cron timer for a recurring template.
func (s *Scheduler) Schedule(ctx context.Context, template *Task) error {
	if template.Kind != TaskKindRecurring {
		return invalid("kind", "only recurring templates can be scheduled")
	}
	if template.Status == TaskStatusCanceled {
		s.Unschedule(template.ID)
		return nil
	}
	schedule, err := ParseCron(template.CronExpr)
	if err != nil {
		return err
	}
	if template.NextRunAt == nil {
		next := schedule.Next(s.now().In(s.location)).UTC()
		if err := s.store.UpdateTaskNextRun(ctx, template.OwnerID, template.ID, &next); err != nil {
			s.logger.Warn("update next_run_at failed", "template_id", template.ID, "err", err)
		} else {
			template.NextRunAt = &next
		}
	}

	ownerID, templateID := template.OwnerID, template.ID
	s.Unschedule(templateID)
	entryID := s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.fire(ownerID, templateID)
	}))
	s.entryMu.Lock()
	s.entries[templateID] = entryID
	s.entryMu.Unlock()
	return nil
}

// Unschedule stops the timer for a template. It reports false for unknown ids.
func (s *Scheduler) Unschedule(templateID string) bool {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	entryID, ok := s.entries[templateID]
	if !ok {
		return false
	}
	s.cron.Remove(entryID)
	delete(s.entries, templateID)
	return true
}

// Scheduled reports whether a timer exists for the template.
func (s *Scheduler) Scheduled(templateID string) bool {
	s.entryMu.RLock()
	defer s.entryMu.RUnlock()
	_, ok := s.entries[templateID]
	return ok
}

// fire is the timer callback for a template.
func (s *Scheduler) fire(ownerID, templateID string) {
	ctx := s.ctxOrBackground()
	template, err := s.store.GetTask(ctx, ownerID, templateID)
	if err != nil {
		s.logger.Error("fetch template for scheduled run", "template_id", templateID, "err", err)
		return
	}
	if template.Status == TaskStatusCanceled {
		s.Unschedule(templateID)
		return
	}
	schedule, err := ParseCron(template.CronExpr)
	if err != nil {
		s.logger.Error("parse template cron", "template_id", templateID, "err", err)
		return
	}
	slot, ok := s.timerSlot(schedule, template, s.now())
	if !ok {
		s.logger.Debug("timer has no unclaimed slot", "template_id", templateID)
		return
	}
	if _, err := s.materializer.Materialize(ctx, template, slot); err != nil {
		s.logger.Error("materialize scheduled run", "template_id", templateID, "err", err)
	}
}

// timerSlot picks the cron occurrence a timer callback stands for. A due
// NextRunAt wins. Otherwise the callback must itself land on an occurrence,
// so a callback delayed past a slot the sweep already claimed yields nothing.
func (s *Scheduler) timerSlot(schedule cron.Schedule, template *Task, now time.Time) (time.Time, bool) {
	var slot time.Time
	if template.NextRunAt != nil && !template.NextRunAt.After(now) {
		slot = slotOf(*template.NextRunAt)
	} else {
		slot = slotOf(now)
		if !isOccurrence(schedule, slot.In(s.location)) {
			return time.Time{}, false
		}
	}
	if template.LastSlotAt != nil && !template.LastSlotAt.Before(slot) {
		return time.Time{}, false
	}
	return slot, true
}

// Run sweeps on a ticker until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep enqueues one-shot tasks whose scheduled time has passed and
// materializes recurring templates whose next run time has passed.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.now()

	due, err := s.store.ListDueOneShot(ctx, now)
	if err != nil {
		s.logger.Error("sweep: list due tasks", "err", err)
	}
	for _, t := range due {
		if err := s.queue.Enqueue(t.OwnerID, t.ID); err != nil {
			s.logger.Warn("sweep: enqueue", "task_id", t.ID, "err", err)
		}
	}

	templates, err := s.store.ListDueTemplates(ctx, now)
	if err != nil {
		s.logger.Error("sweep: list due templates", "err", err)
		return
	}
	for _, t := range templates {
		if t.NextRunAt == nil {
			continue
		}
		if _, err := s.materializer.Materialize(ctx, t, slotOf(*t.NextRunAt)); err != nil {
			s.logger.Error("sweep: materialize", "template_id", t.ID, "err", err)
		}
	}
	if len(due) > 0 || len(templates) > 0 {
		s.logger.Debug("sweep finished", "due_tasks", len(due), "due_templates", len(templates))
	}
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
