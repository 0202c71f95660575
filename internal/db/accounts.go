package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/sunshow/warmupd/internal/warmup"
)

const accountColumns = `a.id, a.username, a.group_id, a.lifecycle_state, a.container_number,
	a.proxy_id, a.proxy_assigned_at, a.cooldown_until, a.first_automation_completed,
	a.state_changed_at, a.state_changed_by, a.state_notes, a.created_at, a.updated_at`

func accountDest(a *Account) []any {
	return []any{&a.ID, &a.Username, &a.GroupID, &a.LifecycleState, &a.ContainerNumber,
		&a.ProxyID, &a.ProxyAssignedAt, &a.CooldownUntil, &a.FirstAutomationCompleted,
		&a.StateChangedAt, &a.StateChangedBy, &a.StateNotes, &a.CreatedAt, &a.UpdatedAt}
}

// ─── Account Queries ───

// CreateAccount inserts an account in the imported state
func (c *Client) CreateAccount(ctx context.Context, username string, groupID *int64) (*Account, error) {
	now := Now()
	var id int64
	err := c.queryRow(ctx, c.db, `
		INSERT INTO accounts (username, group_id, lifecycle_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`, username, groupID, string(warmup.StateImported), now, now).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", mapError(err))
	}
	return c.GetAccount(ctx, id)
}

// GetAccount retrieves an account by ID
func (c *Client) GetAccount(ctx context.Context, id int64) (*Account, error) {
	return c.getAccount(ctx, c.db, id)
}

func (c *Client) getAccount(ctx context.Context, q querier, id int64) (*Account, error) {
	var a Account
	err := c.queryRow(ctx, q, `SELECT `+accountColumns+` FROM accounts a WHERE a.id = ?`, id).
		Scan(accountDest(&a)...)
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, mapError(err))
	}
	return &a, nil
}

// SetContainer binds (or clears, when n is nil) the account's device container.
// Archived accounts are never bound; a container held by another account yields ErrUniqueViolation.
func (c *Client) SetContainer(ctx context.Context, accountID int64, n *int) error {
	res, err := c.exec(ctx, c.db, `
		UPDATE accounts SET container_number = ?, updated_at = ?
		WHERE id = ? AND lifecycle_state <> ?
	`, n, Now(), accountID, string(warmup.StateArchived))
	if err != nil {
		return fmt.Errorf("set container: %w", mapError(err))
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("set container on account %d: %w", accountID, ErrStaleState)
	}
	return nil
}

// SetProxy binds (or clears, when proxyID is nil) the account's network proxy
func (c *Client) SetProxy(ctx context.Context, accountID int64, proxyID *string) error {
	now := Now()
	var assignedAt *time.Time
	if proxyID != nil {
		assignedAt = &now
	}
	res, err := c.exec(ctx, c.db, `
		UPDATE accounts SET proxy_id = ?, proxy_assigned_at = ?, updated_at = ?
		WHERE id = ? AND lifecycle_state <> ?
	`, proxyID, assignedAt, now, accountID, string(warmup.StateArchived))
	if err != nil {
		return fmt.Errorf("set proxy: %w", mapError(err))
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("set proxy on account %d: %w", accountID, ErrStaleState)
	}
	return nil
}

// SetCooldownUntil sets the account-level gate; nil lifts it
func (c *Client) SetCooldownUntil(ctx context.Context, accountID int64, until *time.Time) error {
	res, err := c.exec(ctx, c.db, `
		UPDATE accounts SET cooldown_until = ?, updated_at = ? WHERE id = ?
	`, utcPtr(until), Now(), accountID)
	if err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("set cooldown on account %d: %w", accountID, ErrNotFound)
	}
	return nil
}

// UpdateUsername rewrites the account handle
func (c *Client) UpdateUsername(ctx context.Context, accountID int64, username string) error {
	_, err := c.exec(ctx, c.db, `
		UPDATE accounts SET username = ?, updated_at = ? WHERE id = ?
	`, username, Now(), accountID)
	if err != nil {
		return fmt.Errorf("update username: %w", err)
	}
	return nil
}

// AccountTransition describes one lifecycle change applied atomically
type AccountTransition struct {
	AccountID int64
	From      warmup.LifecycleState
	To        warmup.LifecycleState
	Reason    string
	ChangedBy string
	Notes     *string
	// RequireContainer makes the update conditional on a bound container
	RequireContainer bool
	// Archive clears resources and forces every open phase to skipped
	Archive bool
	// Seeds are inserted as pending phases; existing rows are left alone
	Seeds []warmup.Seed
}

// TransitionAccount applies a lifecycle change in one transaction:
// CAS on the from-state, resource clearing, phase seeding or skipping, and the audit row.
// Returns ErrStaleState when the account is no longer in From.
func (c *Client) TransitionAccount(ctx context.Context, t AccountTransition) (*StateTransition, error) {
	now := Now()
	st := &StateTransition{
		AccountID: t.AccountID,
		FromState: t.From,
		ToState:   t.To,
		Reason:    t.Reason,
		ChangedBy: t.ChangedBy,
		Notes:     t.Notes,
		CreatedAt: now,
	}

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		// 1. Move the account, conditional on where the caller saw it
		query := `
			UPDATE accounts
			SET lifecycle_state = ?, state_changed_at = ?, state_changed_by = ?, state_notes = ?, updated_at = ?`
		if t.Archive {
			query += `, container_number = NULL, proxy_id = NULL, proxy_assigned_at = NULL`
		}
		query += ` WHERE id = ? AND lifecycle_state = ?`
		if t.RequireContainer {
			query += ` AND container_number IS NOT NULL`
		}
		res, err := c.exec(ctx, tx, query, string(t.To), now, t.ChangedBy, t.Notes, now, t.AccountID, string(t.From))
		if err != nil {
			return fmt.Errorf("update lifecycle: %w", err)
		}
		ok, err := affectedOne(res)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("account %d is no longer %s: %w", t.AccountID, t.From, ErrStaleState)
		}

		// 2. Force open phases to skipped and release their content
		if t.Archive {
			_, err := c.exec(ctx, tx, `
				UPDATE warmup_phases
				SET status = ?, completed_at = ?, assigned_content_id = NULL, assigned_text_id = NULL,
				    bot_id = NULL, bot_session_id = NULL, updated_at = ?
				WHERE account_id = ? AND status IN (`+placeholders(len(warmup.OpenStatuses))+`)
			`, append([]any{string(warmup.StatusSkipped), now, now, t.AccountID}, statusArgs(warmup.OpenStatuses)...)...)
			if err != nil {
				return fmt.Errorf("skip open phases: %w", err)
			}
		}

		// 3. Seed phase rows
		for _, s := range t.Seeds {
			_, err := c.exec(ctx, tx, `
				INSERT INTO warmup_phases (account_id, phase, phase_order, status, available_at, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (account_id, phase) DO NOTHING
			`, t.AccountID, string(s.Phase), s.Order, string(warmup.StatusPending), utcPtr(s.AvailableAt), now, now)
			if err != nil {
				return fmt.Errorf("seed phase %s: %w", s.Phase, err)
			}
		}

		// 4. Audit
		err = c.queryRow(ctx, tx, `
			INSERT INTO state_transitions (account_id, from_state, to_state, reason, changed_by, notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`, t.AccountID, string(t.From), string(t.To), t.Reason, t.ChangedBy, t.Notes, now).Scan(&st.ID)
		if err != nil {
			return fmt.Errorf("record transition: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// ListTransitions returns an account's audit trail, oldest first
func (c *Client) ListTransitions(ctx context.Context, accountID int64) (result []*StateTransition, err error) {
	rows, err := c.query(ctx, c.db, `
		SELECT id, account_id, from_state, to_state, reason, changed_by, notes, created_at
		FROM state_transitions WHERE account_id = ?
		ORDER BY id ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer func() { err = multierr.Append(err, rows.Close()) }()

	for rows.Next() {
		var st StateTransition
		if err := rows.Scan(&st.ID, &st.AccountID, &st.FromState, &st.ToState,
			&st.Reason, &st.ChangedBy, &st.Notes, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		result = append(result, &st)
	}
	return result, rows.Err()
}

// ─── Group Queries ───

// UpsertGroup creates or updates a group configuration by name
func (c *Client) UpsertGroup(ctx context.Context, g GroupConfig) (*GroupConfig, error) {
	now := Now()
	out := g
	err := c.queryRow(ctx, c.db, `
		INSERT INTO account_groups (name, min_cooldown_hours, max_cooldown_hours, single_worker_constraint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			min_cooldown_hours = excluded.min_cooldown_hours,
			max_cooldown_hours = excluded.max_cooldown_hours,
			single_worker_constraint = excluded.single_worker_constraint,
			updated_at = excluded.updated_at
		RETURNING id
	`, g.Name, g.MinCooldownHours, g.MaxCooldownHours, g.SingleWorkerConstraint, now, now).Scan(&out.ID)
	if err != nil {
		return nil, fmt.Errorf("upsert group %q: %w", g.Name, mapError(err))
	}
	return &out, nil
}

// GetGroupConfig retrieves a group configuration. Returns nil when the group has none.
func (c *Client) GetGroupConfig(ctx context.Context, groupID int64) (*GroupConfig, error) {
	var g GroupConfig
	err := c.queryRow(ctx, c.db, `
		SELECT id, name, min_cooldown_hours, max_cooldown_hours, single_worker_constraint
		FROM account_groups WHERE id = ?
	`, groupID).Scan(&g.ID, &g.Name, &g.MinCooldownHours, &g.MaxCooldownHours, &g.SingleWorkerConstraint)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No configuration, caller falls back to defaults
		}
		return nil, fmt.Errorf("get group config: %w", err)
	}
	return &g, nil
}

func statusArgs(statuses []warmup.Status) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
