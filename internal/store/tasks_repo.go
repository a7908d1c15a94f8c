package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"groupscan/internal/core"
)

const taskColumns = `id, owner_id, name, kind, status, targets, account_id, template_id, scheduled_at, cron_expr,
	last_run_at, next_run_at, last_slot_at, settings, results, started_at, ended_at, created_at, updated_at`

func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	targets, err := json.Marshal(task.Targets)
	if err != nil {
		return fmt.Errorf("encode targets: %w", err)
	}
	settings, err := json.Marshal(task.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	results, err := json.Marshal(task.Results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.OwnerID, task.Name, task.Kind, task.Status, string(targets), task.AccountID,
		nullableString(task.TemplateID), nullableTime(task.ScheduledAt), task.CronExpr,
		nullableTime(task.LastRunAt), nullableTime(task.NextRunAt), nullableTime(task.LastSlotAt),
		string(settings), string(results), nullableTime(task.StartedAt), nullableTime(task.EndedAt),
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, ownerID, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ? AND owner_id = ?`, id, ownerID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, ownerID string, filter core.TaskFilter) ([]*core.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE owner_id = ?`
	args := []any{ownerID}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, *filter.Status)
	}
	if filter.Kind != nil {
		query += ` AND kind = ?`
		args = append(args, *filter.Kind)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryTasks(ctx, query, args...)
}

func (s *Store) TransitionTask(ctx context.Context, ownerID, id string, from []core.TaskStatus, to core.TaskStatus, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	stamp := ""
	switch {
	case to == core.TaskStatusRunning:
		stamp = ", started_at = ?"
	case to.IsTerminal():
		stamp = ", ended_at = ?"
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := []any{to, formatTime(time.Now())}
	if stamp != "" {
		args = append(args, formatTime(at))
	}
	args = append(args, id, ownerID)
	for _, f := range from {
		args = append(args, f)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, updated_at = ?`+stamp+`
		WHERE id = ? AND owner_id = ? AND status IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	changed, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	if !changed {
		if _, err := s.GetTask(ctx, ownerID, id); err != nil {
			return false, err
		}
	}
	return changed, nil
}

func (s *Store) UpdateTaskSettings(ctx context.Context, ownerID, id string, settings core.Settings) (bool, error) {
	encoded, err := json.Marshal(settings)
	if err != nil {
		return false, fmt.Errorf("encode settings: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET settings = ?, updated_at = ?
		WHERE id = ? AND owner_id = ? AND status <> ?
	`, string(encoded), formatTime(time.Now()), id, ownerID, core.TaskStatusRunning)
	if err != nil {
		return false, fmt.Errorf("update task settings: %w", err)
	}
	return rowsAffected(res)
}

func (s *Store) SaveResults(ctx context.Context, ownerID, id string, results core.Results) error {
	encoded, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET results = ?, updated_at = ?
		WHERE id = ? AND owner_id = ?
	`, string(encoded), formatTime(time.Now()), id, ownerID)
	if err != nil {
		return fmt.Errorf("save results: %w", err)
	}
	changed, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if !changed {
		return core.ErrTaskNotFound
	}
	return nil
}

func (s *Store) MarkTaskQueued(ctx context.Context, ownerID, id string, at time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET scheduled_at = ?, updated_at = ?
		WHERE id = ? AND owner_id = ? AND kind = ? AND status = ?
	`, formatTime(at), formatTime(time.Now()), id, ownerID, core.TaskKindOneShot, core.TaskStatusPending)
	if err != nil {
		return false, fmt.Errorf("mark task queued: %w", err)
	}
	return rowsAffected(res)
}

func (s *Store) ListDueOneShot(ctx context.Context, now time.Time) ([]*core.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE kind = ? AND status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at, created_at
	`, core.TaskKindOneShot, core.TaskStatusPending, formatTime(now))
}

func (s *Store) ListRecurringTemplates(ctx context.Context) ([]*core.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE kind = ? AND status <> ?
		ORDER BY created_at
	`, core.TaskKindRecurring, core.TaskStatusCanceled)
}

func (s *Store) ListDueTemplates(ctx context.Context, now time.Time) ([]*core.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE kind = ? AND status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at
	`, core.TaskKindRecurring, core.TaskStatusPending, formatTime(now))
}

func (s *Store) ClaimTemplateSlot(ctx context.Context, ownerID, id string, slot time.Time, next *time.Time, ranAt time.Time) (bool, error) {
	slotText := formatTime(slot)
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET last_slot_at = ?, last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ? AND owner_id = ? AND kind = ? AND status = ?
			AND (last_slot_at IS NULL OR last_slot_at < ?)
	`, slotText, formatTime(ranAt), nullableTime(next), formatTime(time.Now()),
		id, ownerID, core.TaskKindRecurring, core.TaskStatusPending, slotText)
	if err != nil {
		return false, fmt.Errorf("claim template slot: %w", err)
	}
	return rowsAffected(res)
}

func (s *Store) UpdateTaskNextRun(ctx context.Context, ownerID, id string, next *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET next_run_at = ?, updated_at = ?
		WHERE id = ? AND owner_id = ?
	`, nullableTime(next), formatTime(time.Now()), id, ownerID)
	if err != nil {
		return fmt.Errorf("update next_run_at: %w", err)
	}
	return nil
}

func (s *Store) AppendLog(ctx context.Context, ownerID, taskID string, level core.LogLevel, message string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, owner_id, level, message, at)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, ownerID, level, message, formatTime(at))
	if err != nil {
		return fmt.Errorf("append task log: %w", err)
	}
	return nil
}

func (s *Store) ListLogs(ctx context.Context, ownerID, taskID string, afterSeq int64, limit int) ([]core.LogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT seq, task_id, level, message, at
		FROM task_logs
		WHERE task_id = ? AND owner_id = ? AND seq > ?
		ORDER BY seq
		LIMIT ?
	`, taskID, ownerID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query task logs: %w", err)
	}
	defer rows.Close()
	var entries []core.LogEntry
	for rows.Next() {
		var (
			e     core.LogEntry
			level string
			at    string
		)
		if err := rows.Scan(&e.Seq, &e.TaskID, &level, &e.Message, &at); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		e.Level = core.LogLevel(level)
		e.At = parseTime(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTask(scanner rowScanner) (*core.Task, error) {
	var (
		task                                     core.Task
		kind, status, targets, settings, results string
		templateID                               sql.NullString
		scheduledAt, lastRun, nextRun, lastSlot  sql.NullString
		startedAt, endedAt                       sql.NullString
		createdAt, updatedAt                     string
	)
	if err := scanner.Scan(&task.ID, &task.OwnerID, &task.Name, &kind, &status, &targets, &task.AccountID,
		&templateID, &scheduledAt, &task.CronExpr, &lastRun, &nextRun, &lastSlot, &settings, &results,
		&startedAt, &endedAt, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Kind = core.TaskKind(kind)
	task.Status = core.TaskStatus(status)
	task.TemplateID = templateID.String
	if err := json.Unmarshal([]byte(targets), &task.Targets); err != nil {
		return nil, fmt.Errorf("decode targets of %s: %w", task.ID, err)
	}
	if err := json.Unmarshal([]byte(settings), &task.Settings); err != nil {
		return nil, fmt.Errorf("decode settings of %s: %w", task.ID, err)
	}
	if err := json.Unmarshal([]byte(results), &task.Results); err != nil {
		return nil, fmt.Errorf("decode results of %s: %w", task.ID, err)
	}
	task.ScheduledAt = parseNullTime(scheduledAt)
	task.LastRunAt = parseNullTime(lastRun)
	task.NextRunAt = parseNullTime(nextRun)
	task.LastSlotAt = parseNullTime(lastSlot)
	task.StartedAt = parseNullTime(startedAt)
	task.EndedAt = parseNullTime(endedAt)
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)
	return &task, nil
}
