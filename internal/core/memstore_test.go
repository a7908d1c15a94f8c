package core

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store used by the engine and scheduler tests.
type memStore struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	order    []string
	logs     map[string][]LogEntry
	seq      int64
	rules    map[string]*Rule
	targets  map[string]*Target
	accounts map[string]*Account
	actions  []*ActionRecord
}

func newMemStore() *memStore {
	return &memStore{
		tasks:    make(map[string]*Task),
		logs:     make(map[string][]LogEntry),
		rules:    make(map[string]*Rule),
		targets:  make(map[string]*Target),
		accounts: make(map[string]*Account),
	}
}

func cloneTask(t *Task) *Task {
	c := *t
	c.Targets = append([]string(nil), t.Targets...)
	c.Results.Errors = append([]TargetError(nil), t.Results.Errors...)
	return &c
}

func cloneRule(r *Rule) *Rule {
	c := *r
	c.Variations = append([]string(nil), r.Variations...)
	c.Messages = append([]Message(nil), r.Messages...)
	c.Media = append([]Media(nil), r.Media...)
	return &c
}

func (m *memStore) InsertTask(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	task.CreatedAt, task.UpdatedAt = now, now
	m.tasks[task.ID] = cloneTask(task)
	m.order = append(m.order, task.ID)
	return nil
}

func (m *memStore) GetTask(_ context.Context, ownerID, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.OwnerID != ownerID {
		return nil, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (m *memStore) ListTasks(_ context.Context, ownerID string, filter TaskFilter) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for i := len(m.order) - 1; i >= 0; i-- {
		t := m.tasks[m.order[i]]
		if t.OwnerID != ownerID {
			continue
		}
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		if filter.Kind != nil && t.Kind != *filter.Kind {
			continue
		}
		out = append(out, cloneTask(t))
	}
	return out, nil
}

func (m *memStore) TransitionTask(_ context.Context, ownerID, id string, from []TaskStatus, to TaskStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.OwnerID != ownerID {
		return false, ErrTaskNotFound
	}
	allowed := false
	for _, f := range from {
		if t.Status == f {
			allowed = true
		}
	}
	if !allowed {
		return false, nil
	}
	t.Status = to
	switch {
	case to == TaskStatusRunning:
		t.StartedAt = &at
	case to.IsTerminal():
		t.EndedAt = &at
	}
	return true, nil
}

func (m *memStore) UpdateTaskSettings(_ context.Context, ownerID, id string, settings Settings) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.OwnerID != ownerID {
		return false, ErrTaskNotFound
	}
	if t.Status == TaskStatusRunning {
		return false, nil
	}
	t.Settings = settings
	return true, nil
}

func (m *memStore) SaveResults(_ context.Context, ownerID, id string, results Results) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.OwnerID != ownerID {
		return ErrTaskNotFound
	}
	t.Results = results
	t.Results.Errors = append([]TargetError(nil), results.Errors...)
	return nil
}

func (m *memStore) MarkTaskQueued(_ context.Context, ownerID, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.OwnerID != ownerID {
		return false, ErrTaskNotFound
	}
	if t.Kind != TaskKindOneShot || t.Status != TaskStatusPending {
		return false, nil
	}
	t.ScheduledAt = &at
	t.UpdatedAt = at
	return true, nil
}

func (m *memStore) ListDueOneShot(_ context.Context, now time.Time) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, id := range m.order {
		t := m.tasks[id]
		if t.Kind == TaskKindOneShot && t.Status == TaskStatusPending && t.ScheduledAt != nil && !t.ScheduledAt.After(now) {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

func (m *memStore) ListRecurringTemplates(_ context.Context) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, id := range m.order {
		t := m.tasks[id]
		if t.Kind == TaskKindRecurring && t.Status != TaskStatusCanceled {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

func (m *memStore) ListDueTemplates(_ context.Context, now time.Time) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, id := range m.order {
		t := m.tasks[id]
		if t.Kind == TaskKindRecurring && t.Status == TaskStatusPending && t.NextRunAt != nil && !t.NextRunAt.After(now) {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

func (m *memStore) ClaimTemplateSlot(_ context.Context, ownerID, id string, slot time.Time, next *time.Time, ranAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.OwnerID != ownerID {
		return false, ErrTaskNotFound
	}
	if t.Kind != TaskKindRecurring || t.Status != TaskStatusPending {
		return false, nil
	}
	if t.LastSlotAt != nil && !t.LastSlotAt.Before(slot) {
		return false, nil
	}
	t.LastSlotAt = &slot
	t.LastRunAt = &ranAt
	t.NextRunAt = next
	return true, nil
}

func (m *memStore) UpdateTaskNextRun(_ context.Context, ownerID, id string, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.OwnerID != ownerID {
		return ErrTaskNotFound
	}
	t.NextRunAt = next
	return nil
}

func (m *memStore) AppendLog(_ context.Context, _ string, taskID string, level LogLevel, message string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.logs[taskID] = append(m.logs[taskID], LogEntry{Seq: m.seq, TaskID: taskID, Level: level, Message: message, At: at})
	return nil
}

func (m *memStore) ListLogs(_ context.Context, _ string, taskID string, afterSeq int64, limit int) ([]LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LogEntry
	for _, e := range m.logs[taskID] {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) InsertRule(_ context.Context, rule *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = cloneRule(rule)
	return nil
}

func (m *memStore) UpdateRule(_ context.Context, rule *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rules[rule.ID]; !ok || cur.OwnerID != rule.OwnerID {
		return ErrRuleNotFound
	}
	m.rules[rule.ID] = cloneRule(rule)
	return nil
}

func (m *memStore) DeleteRule(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rules[id]; !ok || cur.OwnerID != ownerID {
		return ErrRuleNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *memStore) GetRule(_ context.Context, ownerID, id string) (*Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok || r.OwnerID != ownerID {
		return nil, ErrRuleNotFound
	}
	return cloneRule(r), nil
}

func (m *memStore) ListRules(_ context.Context, ownerID string, activeOnly bool) ([]*Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Rule
	for _, r := range m.rules {
		if r.OwnerID != ownerID || (activeOnly && !r.Active) {
			continue
		}
		out = append(out, cloneRule(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memStore) IncrementRuleUse(_ context.Context, ownerID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok || r.OwnerID != ownerID {
		return ErrRuleNotFound
	}
	r.TotalUses++
	r.LastUsedAt = &at
	return nil
}

func (m *memStore) InsertTarget(_ context.Context, target *Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *target
	m.targets[target.ID] = &c
	return nil
}

func (m *memStore) GetTarget(_ context.Context, ownerID, id string) (*Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok || t.OwnerID != ownerID {
		return nil, ErrTargetNotFound
	}
	c := *t
	return &c, nil
}

func (m *memStore) ListTargets(_ context.Context, ownerID string) ([]*Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Target
	for _, t := range m.targets {
		if t.OwnerID == ownerID {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) DeleteTarget(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.targets[id]; !ok || t.OwnerID != ownerID {
		return ErrTargetNotFound
	}
	delete(m.targets, id)
	return nil
}

func (m *memStore) IncrementTargetActions(_ context.Context, ownerID, id string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok || t.OwnerID != ownerID {
		return ErrTargetNotFound
	}
	t.TotalActions += int64(delta)
	return nil
}

func (m *memStore) MarkTargetScanned(_ context.Context, ownerID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok || t.OwnerID != ownerID {
		return ErrTargetNotFound
	}
	t.LastScannedAt = &at
	return nil
}

func (m *memStore) InsertAccount(_ context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *account
	m.accounts[account.ID] = &c
	return nil
}

func (m *memStore) GetAccount(_ context.Context, ownerID, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok || a.OwnerID != ownerID {
		return nil, ErrAccountNotFound
	}
	c := *a
	return &c, nil
}

func (m *memStore) ListAccounts(_ context.Context, ownerID string) ([]*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Account
	for _, a := range m.accounts {
		if a.OwnerID == ownerID {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *memStore) FindSucceededAction(_ context.Context, ownerID, fingerprint string) (*ActionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.OwnerID == ownerID && a.Fingerprint == fingerprint && a.Succeeded {
			c := *a
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memStore) RecordAction(_ context.Context, action *ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if action.Succeeded {
		for _, a := range m.actions {
			if a.OwnerID == action.OwnerID && a.Fingerprint == action.Fingerprint && a.Succeeded {
				return nil
			}
		}
	}
	c := *action
	m.actions = append(m.actions, &c)
	return nil
}

func (m *memStore) CountActions(_ context.Context, ownerID string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok, failed := 0, 0
	for _, a := range m.actions {
		if a.OwnerID != ownerID {
			continue
		}
		if a.Succeeded {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed, nil
}

func (m *memStore) actionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actions)
}

func (m *memStore) task(id string) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneTask(m.tasks[id])
}

func (m *memStore) childrenOf(templateID string) []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, id := range m.order {
		if t := m.tasks[id]; t.TemplateID == templateID {
			out = append(out, cloneTask(t))
		}
	}
	return out
}
