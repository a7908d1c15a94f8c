package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"groupscan/internal/core"
)

func (s *Store) InsertTarget(ctx context.Context, target *core.Target) error {
	target.CreatedAt = time.Now().UTC()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO targets (id, owner_id, name, url, total_actions, last_scanned_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, target.ID, target.OwnerID, target.Name, target.URL, target.TotalActions,
		nullableTime(target.LastScannedAt), formatTime(target.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert target: %w", err)
	}
	return nil
}

func (s *Store) GetTarget(ctx context.Context, ownerID, id string) (*core.Target, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, owner_id, name, url, total_actions, last_scanned_at, created_at
		FROM targets WHERE id = ? AND owner_id = ?
	`, id, ownerID)
	target, err := scanTarget(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrTargetNotFound
		}
		return nil, err
	}
	return target, nil
}

func (s *Store) ListTargets(ctx context.Context, ownerID string) ([]*core.Target, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, owner_id, name, url, total_actions, last_scanned_at, created_at
		FROM targets WHERE owner_id = ?
		ORDER BY created_at, id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()
	var targets []*core.Target
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	return targets, rows.Err()
}

func (s *Store) DeleteTarget(ctx context.Context, ownerID, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM targets WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	changed, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if !changed {
		return core.ErrTargetNotFound
	}
	return nil
}

func (s *Store) IncrementTargetActions(ctx context.Context, ownerID, id string, delta int) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE targets SET total_actions = total_actions + ? WHERE id = ? AND owner_id = ?
	`, delta, id, ownerID)
	if err != nil {
		return fmt.Errorf("increment target actions: %w", err)
	}
	changed, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if !changed {
		return core.ErrTargetNotFound
	}
	return nil
}

func (s *Store) MarkTargetScanned(ctx context.Context, ownerID, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE targets SET last_scanned_at = ? WHERE id = ? AND owner_id = ?
	`, formatTime(at), id, ownerID)
	if err != nil {
		return fmt.Errorf("mark target scanned: %w", err)
	}
	return nil
}

func scanTarget(scanner rowScanner) (*core.Target, error) {
	var (
		t           core.Target
		lastScanned sql.NullString
		createdAt   string
	)
	if err := scanner.Scan(&t.ID, &t.OwnerID, &t.Name, &t.URL, &t.TotalActions, &lastScanned, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan target: %w", err)
	}
	t.LastScannedAt = parseNullTime(lastScanned)
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

func (s *Store) InsertAccount(ctx context.Context, account *core.Account) error {
	account.CreatedAt = time.Now().UTC()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_id, label, active, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, account.ID, account.OwnerID, account.Label, boolInt(account.Active), formatTime(account.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, ownerID, id string) (*core.Account, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, owner_id, label, active, created_at FROM accounts WHERE id = ? AND owner_id = ?
	`, id, ownerID)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

func (s *Store) ListAccounts(ctx context.Context, ownerID string) ([]*core.Account, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, owner_id, label, active, created_at FROM accounts WHERE owner_id = ? ORDER BY created_at, id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()
	var accounts []*core.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func scanAccount(scanner rowScanner) (*core.Account, error) {
	var (
		a         core.Account
		active    int
		createdAt string
	)
	if err := scanner.Scan(&a.ID, &a.OwnerID, &a.Label, &active, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.Active = active != 0
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}
