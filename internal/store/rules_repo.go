package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"groupscan/internal/core"
)

const ruleColumns = `id, owner_id, trigger_text, variations, messages, media, active, min_gap_ms,
	total_uses, last_used_at, position, created_at, updated_at`

type encodedRule struct {
	variations, messages, media string
}

func encodeRule(rule *core.Rule) (encodedRule, error) {
	var out encodedRule
	variations := rule.Variations
	if variations == nil {
		variations = []string{}
	}
	b, err := json.Marshal(variations)
	if err != nil {
		return out, fmt.Errorf("encode variations: %w", err)
	}
	out.variations = string(b)
	messages := rule.Messages
	if messages == nil {
		messages = []core.Message{}
	}
	if b, err = json.Marshal(messages); err != nil {
		return out, fmt.Errorf("encode messages: %w", err)
	}
	out.messages = string(b)
	media := rule.Media
	if media == nil {
		media = []core.Media{}
	}
	if b, err = json.Marshal(media); err != nil {
		return out, fmt.Errorf("encode media: %w", err)
	}
	out.media = string(b)
	return out, nil
}

func (s *Store) InsertRule(ctx context.Context, rule *core.Rule) error {
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	enc, err := encodeRule(rule)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rule.ID, rule.OwnerID, rule.Trigger, enc.variations, enc.messages, enc.media, boolInt(rule.Active),
		rule.MinTimeBetweenUses.Milliseconds(), rule.TotalUses, nullableTime(rule.LastUsedAt), rule.Position,
		formatTime(rule.CreatedAt), formatTime(rule.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// UpdateRule writes the editable fields. Usage counters are owned by
// IncrementRuleUse and are left alone.
func (s *Store) UpdateRule(ctx context.Context, rule *core.Rule) error {
	rule.UpdatedAt = time.Now().UTC()
	enc, err := encodeRule(rule)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE rules
		SET trigger_text = ?, variations = ?, messages = ?, media = ?, active = ?, min_gap_ms = ?, position = ?, updated_at = ?
		WHERE id = ? AND owner_id = ?
	`, rule.Trigger, enc.variations, enc.messages, enc.media, boolInt(rule.Active),
		rule.MinTimeBetweenUses.Milliseconds(), rule.Position, formatTime(rule.UpdatedAt), rule.ID, rule.OwnerID)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	changed, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if !changed {
		return core.ErrRuleNotFound
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, ownerID, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM rules WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	changed, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if !changed {
		return core.ErrRuleNotFound
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, ownerID, id string) (*core.Rule, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ? AND owner_id = ?`, id, ownerID)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrRuleNotFound
		}
		return nil, err
	}
	return rule, nil
}

// ListRules returns rules in matching order: position, then creation time.
func (s *Store) ListRules(ctx context.Context, ownerID string, activeOnly bool) ([]*core.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE owner_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY position, created_at, id`
	rows, err := s.DB.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()
	var rules []*core.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (s *Store) IncrementRuleUse(ctx context.Context, ownerID, id string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE rules
		SET total_uses = total_uses + 1, last_used_at = ?
		WHERE id = ? AND owner_id = ?
	`, formatTime(at), id, ownerID)
	if err != nil {
		return fmt.Errorf("increment rule use: %w", err)
	}
	changed, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if !changed {
		return core.ErrRuleNotFound
	}
	return nil
}

func scanRule(scanner rowScanner) (*core.Rule, error) {
	var (
		rule                        core.Rule
		variations, messages, media string
		active                      int
		minGapMS                    int64
		lastUsed                    sql.NullString
		createdAt, updatedAt        string
	)
	if err := scanner.Scan(&rule.ID, &rule.OwnerID, &rule.Trigger, &variations, &messages, &media, &active,
		&minGapMS, &rule.TotalUses, &lastUsed, &rule.Position, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	if err := json.Unmarshal([]byte(variations), &rule.Variations); err != nil {
		return nil, fmt.Errorf("decode variations of %s: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(messages), &rule.Messages); err != nil {
		return nil, fmt.Errorf("decode messages of %s: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(media), &rule.Media); err != nil {
		return nil, fmt.Errorf("decode media of %s: %w", rule.ID, err)
	}
	rule.Active = active != 0
	rule.MinTimeBetweenUses = time.Duration(minGapMS) * time.Millisecond
	rule.LastUsedAt = parseNullTime(lastUsed)
	rule.CreatedAt = parseTime(createdAt)
	rule.UpdatedAt = parseTime(updatedAt)
	return &rule, nil
}
