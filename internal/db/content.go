package db

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/sunshow/warmupd/internal/warmup"
)

// contentTable maps a content kind to its pool table and the phase column that holds it
func contentTable(kind warmup.ContentKind) (table, column string, err error) {
	switch kind {
	case warmup.KindMedia:
		return "media_items", "assigned_content_id", nil
	case warmup.KindText:
		return "text_items", "assigned_text_id", nil
	}
	return "", "", fmt.Errorf("unknown content kind %q", kind)
}

// ─── Content Queries ───

// CreateContentItem adds an active item to a pool
func (c *Client) CreateContentItem(ctx context.Context, kind warmup.ContentKind, category warmup.Category, value string) (*ContentRef, error) {
	table, _, err := contentTable(kind)
	if err != nil {
		return nil, err
	}
	ref := &ContentRef{Kind: kind, Category: category, Value: value}
	err = c.queryRow(ctx, c.db, `
		INSERT INTO `+table+` (category, value, status, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`, string(category), value, ContentActive, Now()).Scan(&ref.ID)
	if err != nil {
		return nil, fmt.Errorf("create %s item: %w", kind, err)
	}
	return ref, nil
}

// SetContentStatus activates or retires a pooled item
func (c *Client) SetContentStatus(ctx context.Context, kind warmup.ContentKind, id int64, status string) error {
	table, _, err := contentTable(kind)
	if err != nil {
		return err
	}
	if _, err := c.exec(ctx, c.db, `UPDATE `+table+` SET status = ? WHERE id = ?`, status, id); err != nil {
		return fmt.Errorf("set %s item status: %w", kind, err)
	}
	return nil
}

// GetContent retrieves one pooled item
func (c *Client) GetContent(ctx context.Context, kind warmup.ContentKind, id int64) (*ContentRef, error) {
	table, _, err := contentTable(kind)
	if err != nil {
		return nil, err
	}
	ref := &ContentRef{Kind: kind}
	err = c.queryRow(ctx, c.db, `SELECT id, category, value FROM `+table+` WHERE id = ?`, id).
		Scan(&ref.ID, &ref.Category, &ref.Value)
	if err != nil {
		return nil, fmt.Errorf("get %s item %d: %w", kind, id, mapError(err))
	}
	return ref, nil
}

// FindCandidates lists active items in any of the categories that are not held
// by a not-yet-completed phase of one of the sharing phase types.
func (c *Client) FindCandidates(ctx context.Context, kind warmup.ContentKind, categories []warmup.Category, sharing []warmup.PhaseType) (result []ContentRef, err error) {
	table, column, err := contentTable(kind)
	if err != nil {
		return nil, err
	}
	if len(categories) == 0 {
		return nil, nil
	}

	args := []any{ContentActive}
	for _, cat := range categories {
		args = append(args, string(cat))
	}
	query := `
		SELECT i.id, i.category, i.value FROM ` + table + ` i
		WHERE i.status = ? AND i.category IN (` + placeholders(len(categories)) + `)`
	if len(sharing) > 0 {
		query += `
		  AND NOT EXISTS (
			SELECT 1 FROM warmup_phases held
			WHERE held.` + column + ` = i.id
			  AND held.status <> ?
			  AND held.phase IN (` + placeholders(len(sharing)) + `)
		  )`
		args = append(args, string(warmup.StatusCompleted))
		for _, s := range sharing {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY i.id ASC`

	rows, err := c.query(ctx, c.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find %s candidates: %w", kind, err)
	}
	defer func() { err = multierr.Append(err, rows.Close()) }()

	for rows.Next() {
		ref := ContentRef{Kind: kind}
		if err := rows.Scan(&ref.ID, &ref.Category, &ref.Value); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		result = append(result, ref)
	}
	return result, rows.Err()
}

// Reserve stamps media and/or text onto a phase that has not started yet.
// Nil refs leave the existing assignment alone. A strict pool collision
// surfaces as ErrUniqueViolation.
func (c *Client) Reserve(ctx context.Context, phaseID int64, media, text *ContentRef) error {
	var mediaID, textID *int64
	if media != nil {
		mediaID = &media.ID
	}
	if text != nil {
		textID = &text.ID
	}
	now := Now()
	res, err := c.exec(ctx, c.db, `
		UPDATE warmup_phases
		SET assigned_content_id = COALESCE(?, assigned_content_id),
		    assigned_text_id = COALESCE(?, assigned_text_id),
		    content_assigned_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, mediaID, textID, now, now, phaseID, string(warmup.StatusPending), string(warmup.StatusAvailable))
	if err != nil {
		return fmt.Errorf("reserve content: %w", mapError(err))
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("reserve content for phase %d: %w", phaseID, ErrStaleState)
	}
	return nil
}

// Release clears a phase's content assignment
func (c *Client) Release(ctx context.Context, phaseID int64) error {
	_, err := c.exec(ctx, c.db, `
		UPDATE warmup_phases
		SET assigned_content_id = NULL, assigned_text_id = NULL, content_assigned_at = NULL, updated_at = ?
		WHERE id = ?
	`, Now(), phaseID)
	if err != nil {
		return fmt.Errorf("release content: %w", err)
	}
	return nil
}
