package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/sunshow/warmupd/internal/warmup"
)

const phaseColumns = `p.id, p.account_id, p.phase, p.phase_order, p.status, p.available_at,
	p.started_at, p.completed_at, p.bot_id, p.bot_session_id, p.assigned_content_id,
	p.assigned_text_id, p.content_assigned_at, p.error_message, p.retry_count,
	p.execution_time_ms, p.created_at, p.updated_at`

func phaseDest(p *Phase) []any {
	return []any{&p.ID, &p.AccountID, &p.Phase, &p.PhaseOrder, &p.Status, &p.AvailableAt,
		&p.StartedAt, &p.CompletedAt, &p.BotID, &p.BotSessionID, &p.AssignedContentID,
		&p.AssignedTextID, &p.ContentAssignedAt, &p.ErrorMessage, &p.RetryCount,
		&p.ExecutionTimeMs, &p.CreatedAt, &p.UpdatedAt}
}

// accountEligible is the account half of every eligibility check: in warmup,
// holding a container, and not paused. The single argument is now.
const accountEligible = `
	a.lifecycle_state = 'warmup'
	AND a.container_number IS NOT NULL
	AND (a.cooldown_until IS NULL OR a.cooldown_until <= ?)`

// ─── Phase Queries ───

// GetPhase retrieves a phase by ID
func (c *Client) GetPhase(ctx context.Context, id int64) (*Phase, error) {
	return c.getPhase(ctx, c.db, id)
}

func (c *Client) getPhase(ctx context.Context, q querier, id int64) (*Phase, error) {
	var p Phase
	err := c.queryRow(ctx, q, `SELECT `+phaseColumns+` FROM warmup_phases p WHERE p.id = ?`, id).
		Scan(phaseDest(&p)...)
	if err != nil {
		return nil, fmt.Errorf("get phase %d: %w", id, mapError(err))
	}
	return &p, nil
}

// GetPhaseByType retrieves the row of one phase type for an account
func (c *Client) GetPhaseByType(ctx context.Context, accountID int64, phase warmup.PhaseType) (*Phase, error) {
	var p Phase
	err := c.queryRow(ctx, c.db, `
		SELECT `+phaseColumns+` FROM warmup_phases p WHERE p.account_id = ? AND p.phase = ?
	`, accountID, string(phase)).Scan(phaseDest(&p)...)
	if err != nil {
		return nil, fmt.Errorf("get %s phase of account %d: %w", phase, accountID, mapError(err))
	}
	return &p, nil
}

// ListPhases returns every phase row of an account in phase order
func (c *Client) ListPhases(ctx context.Context, accountID int64) ([]*Phase, error) {
	return c.listPhases(ctx, c.db, accountID)
}

func (c *Client) listPhases(ctx context.Context, q querier, accountID int64) (result []*Phase, err error) {
	rows, err := c.query(ctx, q, `
		SELECT `+phaseColumns+` FROM warmup_phases p WHERE p.account_id = ?
		ORDER BY p.phase_order ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	defer func() { err = multierr.Append(err, rows.Close()) }()

	for rows.Next() {
		var p Phase
		if err := rows.Scan(phaseDest(&p)...); err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		result = append(result, &p)
	}
	return result, rows.Err()
}

// PhaseStatuses returns the status of every phase of an account keyed by type
func (c *Client) PhaseStatuses(ctx context.Context, accountID int64) (map[warmup.PhaseType]warmup.Status, error) {
	phases, err := c.ListPhases(ctx, accountID)
	if err != nil {
		return nil, err
	}
	result := make(map[warmup.PhaseType]warmup.Status, len(phases))
	for _, p := range phases {
		result[p.Phase] = p.Status
	}
	return result, nil
}

// CountInProgress counts claimed phases fleet-wide
func (c *Client) CountInProgress(ctx context.Context) (int, error) {
	var count int
	err := c.queryRow(ctx, c.db, `SELECT COUNT(*) FROM warmup_phases WHERE status = ?`,
		string(warmup.StatusInProgress)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count in progress: %w", err)
	}
	return count, nil
}

// ReclaimStuck returns in-progress phases started before cutoff to available,
// clearing the claim. The retry count is left alone: a crash is not the phase's fault.
func (c *Client) ReclaimStuck(ctx context.Context, cutoff time.Time, note string) (result []ReclaimedPhase, err error) {
	rows, err := c.query(ctx, c.db, `
		UPDATE warmup_phases
		SET status = ?, bot_id = NULL, bot_session_id = NULL, started_at = NULL,
		    error_message = ?, updated_at = ?
		WHERE status = ? AND started_at < ?
		RETURNING id, account_id, phase
	`, string(warmup.StatusAvailable), note, Now(), string(warmup.StatusInProgress), utc(cutoff))
	if err != nil {
		return nil, fmt.Errorf("reclaim stuck phases: %w", err)
	}
	defer func() { err = multierr.Append(err, rows.Close()) }()

	for rows.Next() {
		var r ReclaimedPhase
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Phase); err != nil {
			return nil, fmt.Errorf("scan reclaimed phase: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// PendingCandidates lists pending phases whose time and account gates are open.
// Prerequisites are checked by the caller before MarkAvailable.
func (c *Client) PendingCandidates(ctx context.Context, now time.Time) (result []*Phase, err error) {
	now = utc(now)
	rows, err := c.query(ctx, c.db, `
		SELECT `+phaseColumns+`
		FROM warmup_phases p
		JOIN accounts a ON a.id = p.account_id
		WHERE p.status = ?
		  AND p.available_at IS NOT NULL AND p.available_at <= ?
		  AND `+accountEligible+`
		ORDER BY p.phase_order ASC, p.id ASC
	`, string(warmup.StatusPending), now, now)
	if err != nil {
		return nil, fmt.Errorf("list pending candidates: %w", err)
	}
	defer func() { err = multierr.Append(err, rows.Close()) }()

	for rows.Next() {
		var p Phase
		if err := rows.Scan(phaseDest(&p)...); err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		result = append(result, &p)
	}
	return result, rows.Err()
}

// MarkAvailable promotes a pending phase, re-checking the gates in the same statement
func (c *Client) MarkAvailable(ctx context.Context, phaseID int64, now time.Time) (bool, error) {
	now = utc(now)
	res, err := c.exec(ctx, c.db, `
		UPDATE warmup_phases
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
		  AND available_at IS NOT NULL AND available_at <= ?
		  AND EXISTS (SELECT 1 FROM accounts a WHERE a.id = warmup_phases.account_id AND `+accountEligible+`)
	`, string(warmup.StatusAvailable), now, phaseID, string(warmup.StatusPending), now, now)
	if err != nil {
		return false, fmt.Errorf("mark phase available: %w", err)
	}
	return affectedOne(res)
}

// ReadyPhases is the scheduler's read model: per account, its lowest-order
// available automated phase, for accounts that are eligible and idle.
// Ordered by phase order, then account age.
func (c *Client) ReadyPhases(ctx context.Context, now time.Time, limit int) (result []*ReadyEntry, err error) {
	now = utc(now)
	manual := warmup.ManualPhases()
	args := []any{string(warmup.StatusAvailable), now, now}
	for _, m := range manual {
		args = append(args, string(m))
	}
	args = append(args, string(warmup.StatusInProgress), string(warmup.StatusAvailable), limit)

	manualFilter := ""
	if len(manual) > 0 {
		manualFilter = `AND p.phase NOT IN (` + placeholders(len(manual)) + `)`
	}

	rows, err := c.query(ctx, c.db, `
		SELECT `+phaseColumns+`, `+accountColumns+`
		FROM warmup_phases p
		JOIN accounts a ON a.id = p.account_id
		WHERE p.status = ?
		  AND (p.available_at IS NULL OR p.available_at <= ?)
		  AND `+accountEligible+`
		  `+manualFilter+`
		  AND NOT EXISTS (
			SELECT 1 FROM warmup_phases busy
			WHERE busy.account_id = p.account_id AND busy.status = ?
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM warmup_phases earlier
			WHERE earlier.account_id = p.account_id AND earlier.status = ?
			  AND earlier.phase_order < p.phase_order
		  )
		ORDER BY p.phase_order ASC, a.created_at ASC, p.id ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list ready phases: %w", err)
	}
	defer func() { err = multierr.Append(err, rows.Close()) }()

	for rows.Next() {
		var p Phase
		var a Account
		if err := rows.Scan(append(phaseDest(&p), accountDest(&a)...)...); err != nil {
			return nil, fmt.Errorf("scan ready entry: %w", err)
		}
		result = append(result, &ReadyEntry{Account: &a, Phase: &p})
	}
	return result, rows.Err()
}

// ClaimParams identifies who is taking a phase
type ClaimParams struct {
	PhaseID   int64
	BotID     string
	SessionID string
	// Capacity is the fleet-wide bound on in-progress phases
	Capacity int
	Now      time.Time
}

// Claim atomically moves an available phase to in_progress. The update re-checks
// every eligibility gate and the fleet-wide capacity in one statement, under a
// transaction-scoped lock, so concurrent schedulers cannot both win.
// Returns false when another claim, a lifecycle change, or capacity got there first.
func (c *Client) Claim(ctx context.Context, p ClaimParams) (bool, error) {
	now := utc(p.Now)
	claimed := false
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		if err := c.lockClaims(ctx, tx); err != nil {
			return err
		}
		res, err := c.exec(ctx, tx, `
			UPDATE warmup_phases
			SET status = ?, bot_id = ?, bot_session_id = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND status = ?
			  AND (available_at IS NULL OR available_at <= ?)
			  AND EXISTS (SELECT 1 FROM accounts a WHERE a.id = warmup_phases.account_id AND `+accountEligible+`)
			  AND (SELECT COUNT(*) FROM warmup_phases busy WHERE busy.status = ?) < ?
		`, string(warmup.StatusInProgress), p.BotID, p.SessionID, now, now,
			p.PhaseID, string(warmup.StatusAvailable), now, now,
			string(warmup.StatusInProgress), p.Capacity)
		if err != nil {
			return fmt.Errorf("claim phase: %w", err)
		}
		claimed, err = affectedOne(res)
		return err
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// CompleteParams describes a successful or skipped phase
type CompleteParams struct {
	PhaseID int64
	// SessionID, when set, must match the claim
	SessionID string
	Status    warmup.Status
	// From lists the statuses the phase may be in
	From            []warmup.Status
	ExecutionTimeMs *int64
	// SuccessorsAt sets available_at on successors that are still pending
	SuccessorsAt map[warmup.PhaseType]time.Time
	// MarkFirstAutomation sets the account's first-run flag
	MarkFirstAutomation bool
	Now                 time.Time
}

// Complete finishes a phase and schedules its successors in one transaction.
// Returns ErrClaimLost when the phase is no longer in an allowed status.
func (c *Client) Complete(ctx context.Context, p CompleteParams) (*Phase, error) {
	now := utc(p.Now)
	var done *Phase
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		// 1. CAS the phase itself
		query := `
			UPDATE warmup_phases
			SET status = ?, completed_at = ?, execution_time_ms = COALESCE(?, execution_time_ms),
			    error_message = NULL, updated_at = ?`
		if p.Status == warmup.StatusSkipped {
			query += `, assigned_content_id = NULL, assigned_text_id = NULL`
		}
		query += ` WHERE id = ? AND status IN (` + placeholders(len(p.From)) + `)`
		args := []any{string(p.Status), now, p.ExecutionTimeMs, now, p.PhaseID}
		args = append(args, statusArgs(p.From)...)
		if p.SessionID != "" {
			query += ` AND bot_session_id = ?`
			args = append(args, p.SessionID)
		}
		res, err := c.exec(ctx, tx, query, args...)
		if err != nil {
			return fmt.Errorf("complete phase: %w", err)
		}
		ok, err := affectedOne(res)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("complete phase %d: %w", p.PhaseID, ErrClaimLost)
		}

		done, err = c.getPhase(ctx, tx, p.PhaseID)
		if err != nil {
			return err
		}

		// 2. Schedule successors
		for succ, at := range p.SuccessorsAt {
			_, err := c.exec(ctx, tx, `
				UPDATE warmup_phases SET available_at = ?, updated_at = ?
				WHERE account_id = ? AND phase = ? AND status = ?
			`, utc(at), now, done.AccountID, string(succ), string(warmup.StatusPending))
			if err != nil {
				return fmt.Errorf("schedule successor %s: %w", succ, err)
			}
		}

		// 3. First-run flag
		if p.MarkFirstAutomation {
			_, err := c.exec(ctx, tx, `
				UPDATE accounts SET first_automation_completed = ?, updated_at = ? WHERE id = ?
			`, true, now, done.AccountID)
			if err != nil {
				return fmt.Errorf("mark first automation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return done, nil
}

// FailParams describes a failed execution
type FailParams struct {
	PhaseID         int64
	SessionID       string
	Message         string
	MaxRetries      int
	ExecutionTimeMs *int64
	Now             time.Time
}

// Fail records a failed execution: the retry count grows, the claim is released,
// and the phase returns to available or, past the retry ceiling, to failed.
func (c *Client) Fail(ctx context.Context, p FailParams) (*Phase, error) {
	now := utc(p.Now)
	var failed *Phase
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		current, err := c.getPhase(ctx, tx, p.PhaseID)
		if err != nil {
			return err
		}
		next := warmup.StatusAfterFailure(current.RetryCount, p.MaxRetries)

		query := `
			UPDATE warmup_phases
			SET status = ?, retry_count = retry_count + 1, error_message = ?,
			    execution_time_ms = COALESCE(?, execution_time_ms),
			    bot_id = NULL, bot_session_id = NULL, started_at = NULL, updated_at = ?`
		args := []any{string(next), p.Message, p.ExecutionTimeMs, now}
		if next == warmup.StatusFailed {
			query += `, completed_at = ?`
			args = append(args, now)
		}
		query += ` WHERE id = ? AND status = ? AND retry_count = ?`
		args = append(args, p.PhaseID, string(warmup.StatusInProgress), current.RetryCount)
		if p.SessionID != "" {
			query += ` AND bot_session_id = ?`
			args = append(args, p.SessionID)
		}

		res, err := c.exec(ctx, tx, query, args...)
		if err != nil {
			return fmt.Errorf("fail phase: %w", err)
		}
		ok, err := affectedOne(res)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("fail phase %d: %w", p.PhaseID, ErrClaimLost)
		}
		failed, err = c.getPhase(ctx, tx, p.PhaseID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// Requeue returns a failed phase to available with a fresh retry budget
func (c *Client) Requeue(ctx context.Context, phaseID int64, now time.Time) (*Phase, error) {
	now = utc(now)
	res, err := c.exec(ctx, c.db, `
		UPDATE warmup_phases
		SET status = ?, retry_count = 0, error_message = NULL, completed_at = NULL,
		    available_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(warmup.StatusAvailable), now, now, phaseID, string(warmup.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("requeue phase: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("requeue phase %d: %w", phaseID, ErrStaleState)
	}
	return c.GetPhase(ctx, phaseID)
}
