package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sunshow/warmupd/internal/actuator"
	"github.com/sunshow/warmupd/internal/content"
	"github.com/sunshow/warmupd/internal/cooldown"
	"github.com/sunshow/warmupd/internal/db"
	"github.com/sunshow/warmupd/internal/event"
	"github.com/sunshow/warmupd/internal/lifecycle"
	"github.com/sunshow/warmupd/internal/report"
	"github.com/sunshow/warmupd/internal/warmup"
)

// Options tunes the scheduler loop
type Options struct {
	// BotID is stamped on claimed phases; defaults to the worker id
	BotID           string
	PollInterval    time.Duration
	StuckTimeout    time.Duration
	ActuatorTimeout time.Duration
	// Capacity is how many phases may run at once, fleet-wide
	Capacity int
	// MaxRetries is the failure ceiling; 0 retries forever
	MaxRetries int
	ReadyLimit int
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		PollInterval:    30 * time.Second,
		StuckTimeout:    10 * time.Minute,
		ActuatorTimeout: 8 * time.Minute,
		Capacity:        1,
		MaxRetries:      3,
		ReadyLimit:      10,
	}
}

// Scheduler is the core engine that drives warmup execution
type Scheduler struct {
	db        *db.Client
	eventBus  *event.Bus
	binder    *lifecycle.Binder
	resolver  *content.Resolver
	cooldown  *cooldown.Calculator
	actuators *actuator.Registry
	reporter  report.Reporter
	logger    *zap.SugaredLogger
	workerID  string
	opts      Options

	slots *semaphore.Weighted
	wg    sync.WaitGroup
	now   func() time.Time
}

// NewScheduler creates a new scheduler
func NewScheduler(
	dbClient *db.Client,
	eventBus *event.Bus,
	binder *lifecycle.Binder,
	resolver *content.Resolver,
	calc *cooldown.Calculator,
	actuators *actuator.Registry,
	reporter report.Reporter,
	logger *zap.SugaredLogger,
	opts Options,
) *Scheduler {
	if opts.Capacity < 1 {
		opts.Capacity = 1
	}
	if opts.ReadyLimit < 1 {
		opts.ReadyLimit = 10
	}
	workerID := fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	if opts.BotID == "" {
		opts.BotID = workerID
	}
	return &Scheduler{
		db:        dbClient,
		eventBus:  eventBus,
		binder:    binder,
		resolver:  resolver,
		cooldown:  calc,
		actuators: actuators,
		reporter:  reporter,
		logger:    logger,
		workerID:  workerID,
		opts:      opts,
		slots:     semaphore.NewWeighted(int64(opts.Capacity)),
		now:       db.Now,
	}
}

// WorkerID identifies this scheduler instance
func (s *Scheduler) WorkerID() string { return s.workerID }

// Start recovers stuck work and starts the polling loop
func (s *Scheduler) Start(ctx context.Context) error {
	// 1. Recovery: phases left in progress by a dead worker
	count, err := s.Reclaim(ctx)
	if err != nil {
		return fmt.Errorf("reclaim stuck phases: %w", err)
	}
	if count > 0 {
		s.logger.Infow("Recovered stuck phases", "count", count)
	}

	// 2. Start polling loop
	s.logger.Infow("Starting scheduler loop",
		"worker_id", s.workerID,
		"bot_id", s.opts.BotID,
		"poll_interval", s.opts.PollInterval,
		"capacity", s.opts.Capacity,
	)
	s.wg.Add(1)
	go s.runLoop(ctx)
	return nil
}

// Wait blocks until the loop has stopped and every dispatched execution
// has been recorded
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
			s.logger.Errorw("Scheduler cycle failed", "worker_id", s.workerID, "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunCycle runs one polling cycle and returns how many phases it dispatched.
// Errors for a single account are logged and never stop the cycle.
func (s *Scheduler) RunCycle(ctx context.Context) (int, error) {
	// 1. Reclaim stuck work
	if _, err := s.Reclaim(ctx); err != nil {
		return 0, err
	}

	// 2. Single-worker constraint
	busy, err := s.db.CountInProgress(ctx)
	if err != nil {
		return 0, err
	}
	if busy >= s.opts.Capacity {
		s.logger.Debugw("Capacity in use, skipping cycle", "in_progress", busy)
		return 0, nil
	}

	// 3. Select
	entries, err := s.binder.ReadyAccounts(ctx, s.opts.ReadyLimit)
	if err != nil {
		return 0, fmt.Errorf("list ready accounts: %w", err)
	}

	dispatched := 0
	for _, entry := range entries {
		if !s.slots.TryAcquire(1) {
			break
		}
		ok, err := s.dispatch(ctx, entry)
		if err != nil {
			s.logger.Errorw("Failed to dispatch phase",
				"account_id", entry.Account.ID,
				"phase_id", entry.Phase.ID,
				"phase", entry.Phase.Phase,
				"error", err,
			)
		}
		if !ok {
			s.slots.Release(1)
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// dispatch resolves content, claims the phase and hands it to an execution
// goroutine. Reports false when the entry was passed over this cycle.
func (s *Scheduler) dispatch(ctx context.Context, entry *db.ReadyEntry) (bool, error) {
	acct, phase := entry.Account, entry.Phase

	// 1. Content
	assignment, err := s.resolver.Resolve(ctx, phase)
	if errors.Is(err, content.ErrNoContentAvailable) {
		s.logger.Warnw("No content available, skipping account this cycle",
			"account_id", acct.ID,
			"phase", phase.Phase,
			"reason", err.Error(),
		)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// 2. Claim
	sessionID := uuid.New().String()
	claimed, err := s.db.Claim(ctx, db.ClaimParams{
		PhaseID:   phase.ID,
		BotID:     s.opts.BotID,
		SessionID: sessionID,
		Capacity:  s.opts.Capacity,
		Now:       s.now(),
	})
	if err != nil {
		return false, err
	}
	if !claimed {
		s.logger.Infow("Phase claim lost", "account_id", acct.ID, "phase_id", phase.ID, "phase", phase.Phase)
		return false, nil
	}

	s.logger.Infow("Claimed phase",
		"worker_id", s.workerID,
		"account_id", acct.ID,
		"phase_id", phase.ID,
		"phase", phase.Phase,
		"session_id", sessionID,
	)
	s.publish(event.PhaseClaimed, phase, map[string]any{
		"bot_id":     s.opts.BotID,
		"session_id": sessionID,
	})

	// 3. First-run gate
	req := &actuator.Request{
		AccountID:       acct.ID,
		Username:        acct.Username,
		ContainerNumber: acct.ContainerNumber,
		ProxyID:         acct.ProxyID,
		PhaseID:         phase.ID,
		Phase:           phase.Phase,
		SessionID:       sessionID,
		Media:           assignment.Media,
		Text:            assignment.TextValue(),
		SkipOnboarding:  !acct.FirstAutomationCompleted,
	}

	// 4. Execute
	s.wg.Add(1)
	go s.execute(ctx, req)
	return true, nil
}

// execute runs one claimed phase on the actuator and records the outcome
func (s *Scheduler) execute(ctx context.Context, req *actuator.Request) {
	defer s.wg.Done()
	defer s.slots.Release(1)

	// Recording must survive shutdown of the loop context
	recordCtx := context.WithoutCancel(ctx)
	advance := AdvanceRequest{
		PhaseID:   req.PhaseID,
		SessionID: req.SessionID,
		Actor:     s.opts.BotID,
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("actuator panic: %v", r)
			s.logger.Errorw("Phase execution panicked", "account_id", req.AccountID, "phase_id", req.PhaseID, "error", err)
			s.reporter.Capture(err, map[string]string{"phase": string(req.Phase)}, map[string]any{
				"account_id": req.AccountID,
				"phase_id":   req.PhaseID,
			})
			advance.Outcome = warmup.OutcomeFailure
			advance.ErrorMessage = err.Error()
			s.record(recordCtx, advance)
		}
	}()

	act, err := s.actuators.Get(req.Phase)
	if err != nil {
		advance.Outcome = warmup.OutcomeFailure
		advance.ErrorMessage = err.Error()
		s.record(recordCtx, advance)
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, s.opts.ActuatorTimeout)
	defer cancel()

	start := time.Now()
	result, err := act.Execute(execCtx, req)
	elapsed := time.Since(start).Milliseconds()

	switch {
	case err != nil && ctx.Err() != nil:
		s.logger.Warnw("Phase execution interrupted by shutdown, left for reclamation",
			"account_id", req.AccountID,
			"phase_id", req.PhaseID,
		)
		return
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		advance.Outcome = warmup.OutcomeTimeout
		advance.ErrorMessage = fmt.Sprintf("actuator timed out after %s", s.opts.ActuatorTimeout)
		advance.DurationMs = &elapsed
	case err != nil:
		advance.Outcome = warmup.OutcomeFailure
		advance.ErrorMessage = err.Error()
		advance.DurationMs = &elapsed
	case result.Success:
		advance.Outcome = warmup.OutcomeSuccess
		advance.DurationMs = &result.DurationMs
	default:
		advance.Outcome = warmup.OutcomeFailure
		advance.ErrorMessage = result.ErrorMessage
		if advance.ErrorMessage == "" {
			advance.ErrorMessage = "actuator reported failure"
		}
		advance.DurationMs = &result.DurationMs
	}

	s.logger.Infow("Phase executed",
		"worker_id", s.workerID,
		"account_id", req.AccountID,
		"phase_id", req.PhaseID,
		"phase", req.Phase,
		"outcome", advance.Outcome,
		"duration_ms", elapsed,
	)
	s.record(recordCtx, advance)
}

func (s *Scheduler) record(ctx context.Context, req AdvanceRequest) {
	if _, err := s.AdvancePhase(ctx, req); err != nil {
		s.logger.Errorw("Failed to record phase outcome",
			"phase_id", req.PhaseID,
			"outcome", req.Outcome,
			"error", err,
		)
	}
}

// Reclaim returns phases stuck in progress past the stuck timeout to available
func (s *Scheduler) Reclaim(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.opts.StuckTimeout)
	note := fmt.Sprintf("reset due to timeout (stuck for more than %d minutes)", int(s.opts.StuckTimeout.Minutes()))
	reclaimed, err := s.db.ReclaimStuck(ctx, cutoff, note)
	if err != nil {
		return 0, err
	}
	for _, r := range reclaimed {
		s.logger.Warnw("Reclaimed stuck phase",
			"account_id", r.AccountID,
			"phase_id", r.ID,
			"phase", r.Phase,
		)
		s.eventBus.Publish(&event.Event{
			Type:      event.PhaseReclaimed,
			AccountID: r.AccountID,
			PhaseID:   r.ID,
			Phase:     string(r.Phase),
			Data:      map[string]any{"note": note},
		})
	}
	return len(reclaimed), nil
}

// publish is a helper to publish phase events through the event bus
func (s *Scheduler) publish(eventType string, p *db.Phase, data map[string]any) {
	s.eventBus.Publish(&event.Event{
		Type:      eventType,
		AccountID: p.AccountID,
		PhaseID:   p.ID,
		Phase:     string(p.Phase),
		Data:      data,
	})
}
