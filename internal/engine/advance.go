package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sunshow/warmupd/internal/db"
	"github.com/sunshow/warmupd/internal/event"
	"github.com/sunshow/warmupd/internal/lifecycle"
	"github.com/sunshow/warmupd/internal/warmup"
)

// AdvanceRequest reports the outcome of one phase. The phase is addressed by
// PhaseID, or by AccountID and Phase when PhaseID is zero.
type AdvanceRequest struct {
	PhaseID   int64
	AccountID int64
	Phase     warmup.PhaseType
	// SessionID, when set, must match the claim being resolved
	SessionID    string
	Outcome      warmup.Outcome
	ErrorMessage string
	DurationMs   *int64
	Actor        string
}

// AdvanceResult is the phase after the outcome was applied
type AdvanceResult struct {
	Phase *db.Phase
	// NextAvailableAt is when the successors become eligible, if any
	NextAvailableAt *time.Time
	// Activated is set when this outcome finished the account's warmup
	Activated bool
}

// AdvancePhase applies an execution or operator outcome to a phase. Success
// schedules successors through the cooldown calculator; skips make them
// eligible at once; failures and timeouts count against the retry ceiling.
func (s *Scheduler) AdvancePhase(ctx context.Context, req AdvanceRequest) (*AdvanceResult, error) {
	// 1. Locate phase
	phase, err := s.lookupPhase(ctx, req)
	if err != nil {
		return nil, err
	}
	spec, err := warmup.Spec(phase.Phase)
	if err != nil {
		return nil, err
	}
	acct, err := s.db.GetAccount(ctx, phase.AccountID)
	if err != nil {
		return nil, err
	}

	// 2. Apply outcome
	switch req.Outcome {
	case warmup.OutcomeSuccess, warmup.OutcomeSkipped:
		return s.complete(ctx, req, acct, phase, spec)
	case warmup.OutcomeFailure, warmup.OutcomeTimeout:
		return s.fail(ctx, req, phase)
	default:
		return nil, fmt.Errorf("unknown outcome %q", req.Outcome)
	}
}

func (s *Scheduler) lookupPhase(ctx context.Context, req AdvanceRequest) (*db.Phase, error) {
	if req.PhaseID != 0 {
		return s.db.GetPhase(ctx, req.PhaseID)
	}
	if req.AccountID == 0 || req.Phase == "" {
		return nil, fmt.Errorf("advance needs a phase id or an account id and phase")
	}
	return s.db.GetPhaseByType(ctx, req.AccountID, req.Phase)
}

func (s *Scheduler) complete(ctx context.Context, req AdvanceRequest, acct *db.Account, phase *db.Phase, spec warmup.PhaseSpec) (*AdvanceResult, error) {
	now := s.now()
	success := req.Outcome == warmup.OutcomeSuccess

	// 1. Successor availability
	var group *db.GroupConfig
	if success && acct.GroupID != nil {
		g, err := s.db.GetGroupConfig(ctx, *acct.GroupID)
		if err != nil {
			return nil, err
		}
		group = g
	}
	successors := make(map[warmup.PhaseType]time.Time)
	var next *time.Time
	for _, succ := range warmup.Successors(phase.Phase) {
		at := now
		if success {
			at = s.cooldown.NextAvailable(group, now)
		}
		successors[succ] = at
		if next == nil || at.Before(*next) {
			next = &at
		}
	}

	status := warmup.StatusCompleted
	if !success {
		status = warmup.StatusSkipped
	}

	// 2. CAS the phase, schedule successors, set the first-run flag
	done, err := s.db.Complete(ctx, db.CompleteParams{
		PhaseID:             phase.ID,
		SessionID:           req.SessionID,
		Status:              status,
		From:                warmup.AdvanceFrom(spec, req.Outcome),
		ExecutionTimeMs:     req.DurationMs,
		SuccessorsAt:        successors,
		MarkFirstAutomation: success && !spec.Manual && !acct.FirstAutomationCompleted,
		Now:                 now,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("Phase finished",
		"account_id", done.AccountID,
		"phase_id", done.ID,
		"phase", done.Phase,
		"status", done.Status,
		"actor", req.Actor,
		"next_available_at", next,
	)
	eventType := event.PhaseCompleted
	if !success {
		eventType = event.PhaseSkipped
	}
	data := map[string]any{"actor": req.Actor}
	if next != nil {
		data["next_available_at"] = next.Format(time.RFC3339)
	}
	s.publish(eventType, done, data)

	// 3. Username rewrite
	if success && done.Phase == warmup.PhaseUsername && done.AssignedTextID != nil {
		if err := s.rewriteUsername(ctx, acct, *done.AssignedTextID); err != nil {
			s.logger.Errorw("Failed to rewrite username", "account_id", acct.ID, "error", err)
		}
	}

	// 4. Auto-activation
	result := &AdvanceResult{Phase: done, NextAvailableAt: next}
	if acct.LifecycleState == warmup.StateWarmup {
		activated, err := s.activateIfComplete(ctx, acct.ID, req.Actor)
		if err != nil {
			s.logger.Warnw("Failed to activate account", "account_id", acct.ID, "error", err)
		}
		result.Activated = activated
	}
	return result, nil
}

func (s *Scheduler) rewriteUsername(ctx context.Context, acct *db.Account, textID int64) error {
	text, err := s.db.GetContent(ctx, warmup.KindText, textID)
	if err != nil {
		return err
	}
	username := warmup.DeriveUsername(text.Value)
	if username == "" {
		return nil
	}
	if err := s.db.UpdateUsername(ctx, acct.ID, username); err != nil {
		return err
	}
	s.logger.Infow("Username updated", "account_id", acct.ID, "from", acct.Username, "to", username)
	return nil
}

func (s *Scheduler) activateIfComplete(ctx context.Context, accountID int64, actor string) (bool, error) {
	complete, err := s.binder.IsWarmupComplete(ctx, accountID)
	if err != nil || !complete {
		return false, err
	}
	if actor == "" {
		actor = s.opts.BotID
	}
	_, err = s.binder.Transition(ctx, lifecycle.TransitionRequest{
		AccountID: accountID,
		To:        warmup.StateActive,
		Reason:    "warmup complete",
		Actor:     actor,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Scheduler) fail(ctx context.Context, req AdvanceRequest, phase *db.Phase) (*AdvanceResult, error) {
	msg := req.ErrorMessage
	if msg == "" {
		msg = string(req.Outcome)
	}

	failed, err := s.db.Fail(ctx, db.FailParams{
		PhaseID:         phase.ID,
		SessionID:       req.SessionID,
		Message:         msg,
		MaxRetries:      s.opts.MaxRetries,
		ExecutionTimeMs: req.DurationMs,
		Now:             s.now(),
	})
	if err != nil {
		return nil, err
	}

	s.logger.Warnw("Phase failed",
		"account_id", failed.AccountID,
		"phase_id", failed.ID,
		"phase", failed.Phase,
		"status", failed.Status,
		"retry_count", failed.RetryCount,
		"error", msg,
	)
	s.publish(event.PhaseFailed, failed, map[string]any{
		"status":      string(failed.Status),
		"retry_count": failed.RetryCount,
		"error":       msg,
		"outcome":     string(req.Outcome),
	})

	// Past the ceiling the phase waits for an operator; its content goes back to the pool
	if failed.Status == warmup.StatusFailed {
		if err := s.resolver.Release(ctx, failed.ID); err != nil {
			s.logger.Errorw("Failed to release content", "phase_id", failed.ID, "error", err)
		}
		s.reporter.Capture(errors.New(msg),
			map[string]string{"phase": string(failed.Phase), "outcome": string(req.Outcome)},
			map[string]any{"account_id": failed.AccountID, "phase_id": failed.ID, "retry_count": failed.RetryCount},
		)
		if failed, err = s.db.GetPhase(ctx, failed.ID); err != nil {
			return nil, err
		}
	}
	return &AdvanceResult{Phase: failed}, nil
}

// RequeuePhase returns a failed phase to available with a fresh retry budget
func (s *Scheduler) RequeuePhase(ctx context.Context, phaseID int64, actor string) (*db.Phase, error) {
	p, err := s.db.Requeue(ctx, phaseID, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Phase requeued", "account_id", p.AccountID, "phase_id", p.ID, "phase", p.Phase, "actor", actor)
	s.publish(event.PhaseRequeued, p, map[string]any{"actor": actor})
	return p, nil
}

// Progress summarizes one account's warmup
type Progress struct {
	Account  *db.Account           `json:"account"`
	Phases   []*db.Phase           `json:"phases"`
	Counts   map[warmup.Status]int `json:"counts"`
	Complete bool                  `json:"is_warmup_complete"`
}

// WarmupStatus returns the account, its phase rows and progress counts
func (s *Scheduler) WarmupStatus(ctx context.Context, accountID int64) (*Progress, error) {
	acct, err := s.db.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	phases, err := s.db.ListPhases(ctx, accountID)
	if err != nil {
		return nil, err
	}

	counts := make(map[warmup.Status]int)
	statuses := make(map[warmup.PhaseType]warmup.Status, len(phases))
	for _, p := range phases {
		counts[p.Status]++
		statuses[p.Phase] = p.Status
	}
	return &Progress{
		Account:  acct,
		Phases:   phases,
		Counts:   counts,
		Complete: warmup.IsWarmupComplete(statuses),
	}, nil
}
