package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"groupscan/internal/core"
)

// FindSucceededAction returns the successful action for fingerprint, or nil
// when the item has never been answered.
func (s *Store) FindSucceededAction(ctx context.Context, ownerID, fingerprint string) (*core.ActionRecord, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, owner_id, fingerprint, task_id, target_id, rule_id, message_used, media_used, source_url, succeeded, error, at
		FROM actions
		WHERE owner_id = ? AND fingerprint = ? AND succeeded = 1
	`, ownerID, fingerprint)
	var (
		a         core.ActionRecord
		succeeded int
		errMsg    sql.NullString
		at        string
	)
	err := row.Scan(&a.ID, &a.OwnerID, &a.Fingerprint, &a.TaskID, &a.TargetID, &a.RuleID,
		&a.MessageUsed, &a.MediaUsed, &a.SourceURL, &succeeded, &errMsg, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find action: %w", err)
	}
	a.Succeeded = succeeded != 0
	a.Error = errMsg.String
	a.At = parseTime(at)
	return &a, nil
}

// RecordAction stores an action. A second successful action for the same
// fingerprint is ignored by the partial unique index.
func (s *Store) RecordAction(ctx context.Context, action *core.ActionRecord) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO actions
			(id, owner_id, fingerprint, task_id, target_id, rule_id, message_used, media_used, source_url, succeeded, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, action.ID, action.OwnerID, action.Fingerprint, action.TaskID, action.TargetID, action.RuleID,
		action.MessageUsed, action.MediaUsed, action.SourceURL, boolInt(action.Succeeded),
		nullableString(action.Error), formatTime(action.At))
	if err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	return nil
}

func (s *Store) CountActions(ctx context.Context, ownerID string) (succeeded, failed int, err error) {
	err = s.DB.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN succeeded = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN succeeded = 0 THEN 1 ELSE 0 END), 0)
		FROM actions WHERE owner_id = ?
	`, ownerID).Scan(&succeeded, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("count actions: %w", err)
	}
	return succeeded, failed, nil
}
