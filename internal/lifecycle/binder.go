// Package lifecycle keeps account lifecycle state consistent with device
// container and proxy ownership, and serves the scheduler's ready view.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sunshow/warmupd/internal/db"
	"github.com/sunshow/warmupd/internal/event"
	"github.com/sunshow/warmupd/internal/warmup"
)

// ErrNoContainer is returned when entering warmup without a bound container
var ErrNoContainer = errors.New("account has no container")

// Binder owns lifecycle transitions and resource bindings
type Binder struct {
	db       *db.Client
	eventBus *event.Bus
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// NewBinder creates a new binder
func NewBinder(dbClient *db.Client, eventBus *event.Bus, logger *zap.SugaredLogger) *Binder {
	return &Binder{
		db:       dbClient,
		eventBus: eventBus,
		logger:   logger,
		now:      db.Now,
	}
}

// TransitionRequest asks for one lifecycle change
type TransitionRequest struct {
	AccountID int64
	To        warmup.LifecycleState
	Reason    string
	Actor     string
	Notes     string
	// Force allows warmup → active before the sequence is complete
	Force bool
}

// Transition validates and applies a lifecycle change. Archiving clears the
// container and proxy, forces open phases to skipped and releases their
// content, all in the same transaction as the audit record.
func (b *Binder) Transition(ctx context.Context, req TransitionRequest) (*db.StateTransition, error) {
	// 1. Load current state
	acct, err := b.db.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	// 2. Evaluate guards
	if req.To == warmup.StateWarmup && acct.ContainerNumber == nil {
		return nil, fmt.Errorf("account %d cannot enter warmup: %w", acct.ID, ErrNoContainer)
	}
	tc := warmup.TransitionContext{
		AccountID:    acct.ID,
		From:         acct.LifecycleState,
		To:           req.To,
		HasContainer: acct.ContainerNumber != nil,
		Force:        req.Force,
	}
	if acct.LifecycleState == warmup.StateWarmup && req.To == warmup.StateActive {
		statuses, err := b.db.PhaseStatuses(ctx, acct.ID)
		if err != nil {
			return nil, err
		}
		tc.WarmupComplete = warmup.IsWarmupComplete(statuses)
	}
	if guard := warmup.CanTransition(tc); !guard.Allowed {
		return nil, guard.Error()
	}

	// 3. Apply atomically, conditional on the state we just read
	change := db.AccountTransition{
		AccountID:        acct.ID,
		From:             acct.LifecycleState,
		To:               req.To,
		Reason:           req.Reason,
		ChangedBy:        req.Actor,
		RequireContainer: req.To == warmup.StateWarmup,
		Archive:          req.To == warmup.StateArchived,
	}
	if req.Notes != "" {
		change.Notes = &req.Notes
	}
	if req.To == warmup.StateWarmup {
		change.Seeds = warmup.Seeds(b.now())
	}
	st, err := b.db.TransitionAccount(ctx, change)
	if err != nil {
		return nil, err
	}

	b.logger.Infow("Account transitioned",
		"account_id", acct.ID,
		"from", st.FromState,
		"to", st.ToState,
		"reason", req.Reason,
		"actor", req.Actor,
	)
	b.eventBus.Publish(&event.Event{
		Type:      event.AccountTransitioned,
		AccountID: acct.ID,
		Data: map[string]any{
			"from":   string(st.FromState),
			"to":     string(st.ToState),
			"reason": req.Reason,
			"actor":  req.Actor,
		},
	})
	return st, nil
}

// AssignContainer binds an exclusive device container to an account
func (b *Binder) AssignContainer(ctx context.Context, accountID int64, container int) error {
	acct, err := b.db.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if guard := warmup.CanBindResources(warmup.BindContext{AccountID: acct.ID, State: acct.LifecycleState}); !guard.Allowed {
		return guard.Error()
	}
	if err := b.db.SetContainer(ctx, acct.ID, &container); err != nil {
		return err
	}
	b.logger.Infow("Container assigned", "account_id", acct.ID, "container_number", container)
	return nil
}

// AssignProxy binds a network proxy to an account
func (b *Binder) AssignProxy(ctx context.Context, accountID int64, proxyID string) error {
	acct, err := b.db.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if guard := warmup.CanBindResources(warmup.BindContext{AccountID: acct.ID, State: acct.LifecycleState}); !guard.Allowed {
		return guard.Error()
	}
	if err := b.db.SetProxy(ctx, acct.ID, &proxyID); err != nil {
		return err
	}
	b.logger.Infow("Proxy assigned", "account_id", acct.ID, "proxy_id", proxyID)
	return nil
}

// PauseAccount gates every phase of an account until the given time; nil resumes
func (b *Binder) PauseAccount(ctx context.Context, accountID int64, until *time.Time) error {
	if err := b.db.SetCooldownUntil(ctx, accountID, until); err != nil {
		return err
	}
	b.logger.Infow("Account cooldown updated", "account_id", accountID, "cooldown_until", until)
	return nil
}

// ReadyAccounts promotes pending phases whose gates have opened, then returns
// the ready view: per eligible account its next phase, lowest phase order first.
func (b *Binder) ReadyAccounts(ctx context.Context, limit int) ([]*db.ReadyEntry, error) {
	now := b.now()
	if _, err := b.Promote(ctx, now); err != nil {
		return nil, err
	}
	return b.db.ReadyPhases(ctx, now, limit)
}

// Promote moves pending phases to available when their time, account and
// prerequisite gates are all open. Returns how many were promoted.
func (b *Binder) Promote(ctx context.Context, now time.Time) (int, error) {
	candidates, err := b.db.PendingCandidates(ctx, now)
	if err != nil {
		return 0, err
	}

	statuses := make(map[int64]map[warmup.PhaseType]warmup.Status)
	promoted := 0
	for _, p := range candidates {
		st, ok := statuses[p.AccountID]
		if !ok {
			if st, err = b.db.PhaseStatuses(ctx, p.AccountID); err != nil {
				return promoted, err
			}
			statuses[p.AccountID] = st
		}
		if !warmup.PrerequisitesMet(p.Phase, st) {
			continue
		}

		ok, err := b.db.MarkAvailable(ctx, p.ID, now)
		if err != nil {
			return promoted, err
		}
		if !ok {
			continue
		}
		st[p.Phase] = warmup.StatusAvailable
		promoted++
		b.logger.Infow("Phase available", "account_id", p.AccountID, "phase_id", p.ID, "phase", p.Phase)
	}
	return promoted, nil
}

// IsWarmupComplete evaluates the completion law for an account
func (b *Binder) IsWarmupComplete(ctx context.Context, accountID int64) (bool, error) {
	statuses, err := b.db.PhaseStatuses(ctx, accountID)
	if err != nil {
		return false, err
	}
	return warmup.IsWarmupComplete(statuses), nil
}
