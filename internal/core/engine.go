package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"groupscan/internal/match"
)

// EngineOptions carries the optional collaborators of an Engine.
type EngineOptions struct {
	Throttle Throttle
	Selector *match.Selector
	Notifier Notifier
	Metrics  Metrics
	Now      func() time.Time
}

type queued struct {
	ownerID string
	taskID  string
}

// Engine owns the task queue and the single worker that drains it. Tasks are
// processed strictly one at a time in enqueue order.
type Engine struct {
	store    Store
	clients  ClientFactory
	throttle Throttle
	selector *match.Selector
	notifier Notifier
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	queue    []queued
	waiting  map[string]struct{}
	draining bool
	stopped  bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine constructs an idle engine.
func NewEngine(store Store, clients ClientFactory, logger *slog.Logger, opts EngineOptions) *Engine {
	if opts.Throttle == nil {
		opts.Throttle = NoThrottle{}
	}
	if opts.Selector == nil {
		opts.Selector = match.NewSelector(nil)
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    store,
		clients:  clients,
		throttle: opts.Throttle,
		selector: opts.Selector,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		logger:   logger,
		now:      opts.Now,
		waiting:  make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enqueue appends a task to the queue and starts a drain cycle if the worker is
// idle. Enqueueing a task that is already waiting is a no-op.
func (e *Engine) Enqueue(ownerID, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrEngineStopped
	}
	if _, ok := e.waiting[taskID]; ok {
		return nil
	}
	e.queue = append(e.queue, queued{ownerID: ownerID, taskID: taskID})
	e.waiting[taskID] = struct{}{}
	e.metrics.QueueDepth(len(e.queue))
	if !e.draining {
		e.draining = true
		e.wg.Add(1)
		go e.drain()
	}
	return nil
}

// Remove drops a waiting task from the queue. It reports whether the task was queued.
func (e *Engine) Remove(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.waiting[taskID]; !ok {
		return false
	}
	delete(e.waiting, taskID)
	for i, q := range e.queue {
		if q.taskID == taskID {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	e.metrics.QueueDepth(len(e.queue))
	return true
}

// Pending returns the ids waiting in the queue, in order.
func (e *Engine) Pending() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.queue))
	for _, q := range e.queue {
		ids = append(ids, q.taskID)
	}
	return ids
}

// Wait blocks until the worker is idle.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Stop refuses new work, aborts in-flight waits and blocks until the worker exits.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.queue = nil
	e.waiting = make(map[string]struct{})
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) drain() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		if len(e.queue) == 0 || e.stopped {
			e.draining = false
			e.mu.Unlock()
			return
		}
		next := e.queue[0]
		e.queue = e.queue[1:]
		delete(e.waiting, next.taskID)
		e.metrics.QueueDepth(len(e.queue))
		e.mu.Unlock()

		e.runTask(e.ctx, next)
	}
}

func (e *Engine) runTask(ctx context.Context, ref queued) {
	logger := e.logger.With("task_id", ref.taskID)
	task, err := e.store.GetTask(ctx, ref.ownerID, ref.taskID)
	if err != nil {
		logger.Error("load queued task", "err", err)
		return
	}
	if task.Status != TaskStatusPending || task.Kind != TaskKindOneShot {
		logger.Info("skipping queued task", "status", task.Status, "kind", task.Kind)
		return
	}
	startedAt := e.now()
	ok, err := e.store.TransitionTask(ctx, task.OwnerID, task.ID, []TaskStatus{TaskStatusPending}, TaskStatusRunning, startedAt)
	if err != nil {
		logger.Error("mark task running", "err", err)
		return
	}
	if !ok {
		logger.Info("task left pending before it started")
		return
	}
	task.Status = TaskStatusRunning
	task.StartedAt = &startedAt

	tlog := newTaskLog(e.store, e.logger, e.now, task)
	tlog.Info(ctx, "task started: %d target(s)", len(task.Targets))

	results, canceled, runErr := e.safeExecute(ctx, task, tlog)
	if err := e.store.SaveResults(context.WithoutCancel(ctx), task.OwnerID, task.ID, results); err != nil {
		logger.Error("save results", "err", err)
	}
	e.finish(ctx, task, tlog, results, canceled, runErr)
}

func (e *Engine) safeExecute(ctx context.Context, task *Task, tlog *TaskLog) (results Results, canceled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.execute(ctx, task, tlog, &results)
}

func (e *Engine) finish(ctx context.Context, task *Task, tlog *TaskLog, results Results, canceled bool, runErr error) {
	ctx = context.WithoutCancel(ctx)
	final := TaskStatusCompleted
	switch {
	case canceled:
		final = TaskStatusCanceled
	case runErr != nil:
		final = TaskStatusFailed
		tlog.Error(ctx, "task failed: %v", runErr)
	}

	if final != TaskStatusCanceled {
		ok, err := e.store.TransitionTask(ctx, task.OwnerID, task.ID, []TaskStatus{TaskStatusRunning}, final, e.now())
		if err != nil {
			e.logger.Error("finish task", "task_id", task.ID, "err", err)
			return
		}
		if !ok {
			// A stop request landed after the last boundary check; it wins.
			final = TaskStatusCanceled
		}
	}

	switch final {
	case TaskStatusCompleted:
		tlog.Success(ctx, "task completed: %d target(s), %d item(s) scanned, %d action(s) taken",
			results.TargetsProcessed, results.ItemsScanned, results.ActionsTaken)
	case TaskStatusCanceled:
		tlog.Warn(ctx, "task canceled after %d target(s)", results.TargetsProcessed)
	}
	e.metrics.TaskFinished(final)
	e.notify(ctx, task, final, results)
}

func (e *Engine) notify(ctx context.Context, task *Task, status TaskStatus, results Results) {
	if e.notifier == nil {
		return
	}
	name := task.Name
	if name == "" {
		name = task.ID
	}
	title := fmt.Sprintf("groupscan: %s %s", name, status)
	body := fmt.Sprintf("targets %d, items %d, actions %d, errors %d",
		results.TargetsProcessed, results.ItemsScanned, results.ActionsTaken, len(results.Errors))
	if err := e.notifier.Send(ctx, title, body); err != nil {
		e.logger.Warn("send notification", "task_id", task.ID, "err", err)
	}
}

// execute runs every target of a running task. It returns canceled=true when a
// stop request was observed at a target boundary.
func (e *Engine) execute(ctx context.Context, task *Task, tlog *TaskLog, results *Results) (Results, bool, error) {
	account, err := e.store.GetAccount(ctx, task.OwnerID, task.AccountID)
	if err != nil {
		return *results, false, fmt.Errorf("load account %s: %w", task.AccountID, err)
	}
	if !account.Active {
		return *results, false, fmt.Errorf("account %s is disabled", account.ID)
	}
	rules, err := e.store.ListRules(ctx, task.OwnerID, true)
	if err != nil {
		return *results, false, storeErr("list rules", err)
	}

	client := e.clients.NewClient(*account)
	defer func() {
		if err := client.Close(); err != nil {
			tlog.Warn(ctx, "close automation client: %v", err)
		}
	}()
	if err := client.Authenticate(ctx, *account); err != nil {
		return *results, false, automationErr("authenticate", err)
	}
	tlog.Info(ctx, "authenticated as %s", account.Label)

	limit := task.Settings.PostScanLimit
	if limit <= 0 {
		limit = DefaultPostScanLimit
	}
	failedTargets := 0
	for i, targetID := range task.Targets {
		if i > 0 {
			if e.stopRequested(ctx, task, tlog) {
				return *results, true, nil
			}
			if err := e.throttle.BetweenTargets(ctx); err != nil {
				return *results, false, err
			}
			if e.stopRequested(ctx, task, tlog) {
				return *results, true, nil
			}
		}

		if err := e.processTarget(ctx, client, task, targetID, limit, rules, results, tlog); err != nil {
			if ctx.Err() != nil {
				return *results, false, ctx.Err()
			}
			failedTargets++
			results.Errors = append(results.Errors, TargetError{TargetID: targetID, Message: err.Error(), At: e.now()})
			tlog.Error(ctx, "target %s failed: %v", targetID, err)
		} else {
			results.TargetsProcessed++
		}
		if err := e.store.SaveResults(ctx, task.OwnerID, task.ID, *results); err != nil {
			tlog.Warn(ctx, "save progress: %v", err)
		}
	}
	if len(task.Targets) > 0 && failedTargets == len(task.Targets) {
		return *results, false, errors.New("every target failed")
	}
	return *results, false, nil
}

func (e *Engine) stopRequested(ctx context.Context, task *Task, tlog *TaskLog) bool {
	fresh, err := e.store.GetTask(ctx, task.OwnerID, task.ID)
	if err != nil {
		tlog.Warn(ctx, "check for cancellation: %v", err)
		return false
	}
	if fresh.Status == TaskStatusCanceled {
		tlog.Info(ctx, "stop requested; not starting the next target")
		return true
	}
	return false
}

func (e *Engine) processTarget(ctx context.Context, client AutomationClient, task *Task, targetID string, limit int, rules []*Rule, results *Results, tlog *TaskLog) error {
	target, err := e.store.GetTarget(ctx, task.OwnerID, targetID)
	if err != nil {
		return fmt.Errorf("load target: %w", err)
	}
	tlog.Info(ctx, "scanning %s (up to %d posts)", targetLabel(target), limit)

	items, err := client.ListTargetItems(ctx, *target, limit)
	if err != nil {
		return automationErr("list items", err)
	}
	if len(items) > limit {
		items = items[:limit]
	}
	results.ItemsScanned += len(items)
	e.metrics.ItemsScanned(len(items))

	skipped := 0
	for _, item := range items {
		fp := match.Fingerprint(target.ID, item.ItemID, item.AuthorName, item.Text)
		prior, err := e.store.FindSucceededAction(ctx, task.OwnerID, fp)
		if err != nil {
			return storeErr("find action", err)
		}
		if prior != nil {
			skipped++
			continue
		}

		now := e.now()
		eligible := make([]*Rule, 0, len(rules))
		candidates := make([]match.Candidate, 0, len(rules))
		for _, r := range rules {
			if r.Eligible(now) {
				eligible = append(eligible, r)
				candidates = append(candidates, match.Candidate{ID: r.ID, Trigger: r.Trigger, Variations: r.Variations})
			}
		}
		hit, ok := match.FirstMatch(match.NormalizeText(item.Text), candidates)
		if !ok {
			continue
		}
		rule := eligible[hit.Index]
		message, media := e.pickReply(rule)

		replyErr := client.PerformReply(ctx, ReplyRequest{
			SourceURL:  item.SourceURL,
			Message:    message,
			MediaRef:   media,
			Visibility: task.Settings.Visibility,
		})
		action := &ActionRecord{
			ID:          NewID(),
			OwnerID:     task.OwnerID,
			Fingerprint: fp,
			TaskID:      task.ID,
			TargetID:    target.ID,
			RuleID:      rule.ID,
			MessageUsed: message,
			MediaUsed:   media,
			SourceURL:   item.SourceURL,
			Succeeded:   replyErr == nil,
			At:          e.now(),
		}
		if replyErr != nil {
			action.Error = replyErr.Error()
		}
		if err := e.store.RecordAction(ctx, action); err != nil {
			return storeErr("record action", err)
		}
		e.metrics.ReplyAttempted(replyErr == nil)
		if replyErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			tlog.Warn(ctx, "reply to %s failed: %v", item.SourceURL, replyErr)
			continue
		}

		results.ActionsTaken++
		usedAt := e.now()
		rule.TotalUses++
		rule.LastUsedAt = &usedAt
		if err := e.store.IncrementRuleUse(ctx, task.OwnerID, rule.ID, usedAt); err != nil {
			tlog.Warn(ctx, "count rule use: %v", err)
		}
		if err := e.store.IncrementTargetActions(ctx, task.OwnerID, target.ID, 1); err != nil {
			tlog.Warn(ctx, "count target action: %v", err)
		}
		tlog.Success(ctx, "replied to %s (rule %q matched %q)", item.SourceURL, rule.Trigger, hit.Matched)

		if err := e.throttle.AfterAction(ctx); err != nil {
			return err
		}
	}

	if skipped > 0 {
		tlog.Info(ctx, "skipped %d already-answered post(s) on %s", skipped, targetLabel(target))
	}
	if err := e.store.MarkTargetScanned(ctx, task.OwnerID, target.ID, e.now()); err != nil {
		tlog.Warn(ctx, "stamp target scan: %v", err)
	}
	return nil
}

func (e *Engine) pickReply(rule *Rule) (message, media string) {
	msgs := rule.ActiveMessages()
	texts := make([]string, len(msgs))
	weights := make([]float64, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Text
		weights[i] = m.Weight
	}
	message, _ = e.selector.PickString(texts, weights)

	if len(rule.Media) > 0 {
		refs := make([]string, len(rule.Media))
		mw := make([]float64, len(rule.Media))
		for i, m := range rule.Media {
			refs[i] = m.Ref
			mw[i] = m.Weight
		}
		media, _ = e.selector.PickString(refs, mw)
	}
	return message, media
}

func targetLabel(t *Target) string {
	if t.Name != "" {
		return t.Name
	}
	return t.URL
}
