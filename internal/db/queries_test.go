package db_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sunshow/warmupd/internal/db"
	"github.com/sunshow/warmupd/internal/testutil"
	"github.com/sunshow/warmupd/internal/warmup"
)

func claim(t *testing.T, client *db.Client, phaseID int64, capacity int) bool {
	t.Helper()
	ok, err := client.Claim(context.Background(), db.ClaimParams{
		PhaseID:   phaseID,
		BotID:     "bot-test",
		SessionID: "session-" + time.Now().Format("150405.000000000"),
		Capacity:  capacity,
		Now:       db.Now(),
	})
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	return ok
}

func TestClaim_ConcurrentClaimsOnlyOneWins(t *testing.T) {
	client := testutil.NewDB(t)
	acct := testutil.CreateWarmupAccount(t, client, "alpha", 1)
	testutil.CompleteThrough(t, client, acct.ID, warmup.PhaseManualSetup)
	bio, _ := client.GetPhaseByType(context.Background(), acct.ID, warmup.PhaseBio)

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := client.Claim(context.Background(), db.ClaimParams{
				PhaseID: bio.ID, BotID: "bot", SessionID: "s", Capacity: 1, Now: db.Now(),
			})
			if err != nil {
				t.Errorf("Claim failed: %v", err)
			}
			results[i] = ok
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", wins)
	}

	count, err := client.CountInProgress(context.Background())
	if err != nil {
		t.Fatalf("CountInProgress failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 in-progress phase, got %d", count)
	}
}

func TestClaim_CapacityIsFleetWide(t *testing.T) {
	client := testutil.NewDB(t)
	a := testutil.CreateWarmupAccount(t, client, "alpha", 1)
	b := testutil.CreateWarmupAccount(t, client, "beta", 2)
	testutil.CompleteThrough(t, client, a.ID, warmup.PhaseManualSetup)
	testutil.CompleteThrough(t, client, b.ID, warmup.PhaseManualSetup)

	ctx := context.Background()
	pa, _ := client.GetPhaseByType(ctx, a.ID, warmup.PhaseBio)
	pb, _ := client.GetPhaseByType(ctx, b.ID, warmup.PhaseBio)

	if !claim(t, client, pa.ID, 1) {
		t.Fatal("first claim should succeed")
	}
	if claim(t, client, pb.ID, 1) {
		t.Fatal("second claim must be refused at capacity 1")
	}
	if !claim(t, client, pb.ID, 2) {
		t.Fatal("second claim should succeed at capacity 2")
	}
}

func TestClaim_RefusedWithoutEligibleAccount(t *testing.T) {
	client := testutil.NewDB(t)
	ctx := context.Background()
	acct := testutil.CreateWarmupAccount(t, client, "alpha", 1)
	testutil.CompleteThrough(t, client, acct.ID, warmup.PhaseManualSetup)
	bio, _ := client.GetPhaseByType(ctx, acct.ID, warmup.PhaseBio)

	future := time.Now().Add(time.Hour)
	if err := client.SetCooldownUntil(ctx, acct.ID, &future); err != nil {
		t.Fatalf("SetCooldownUntil failed: %v", err)
	}
	if claim(t, client, bio.ID, 1) {
		t.Fatal("claim must respect the account cooldown")
	}

	if err := client.SetCooldownUntil(ctx, acct.ID, nil); err != nil {
		t.Fatalf("SetCooldownUntil failed: %v", err)
	}
	_, err := client.TransitionAccount(ctx, db.AccountTransition{
		AccountID: acct.ID, From: warmup.StateWarmup, To: warmup.StateArchived, Archive: true,
	})
	if err != nil {
		t.Fatalf("TransitionAccount failed: %v", err)
	}
	if claim(t, client, bio.ID, 1) {
		t.Fatal("claim must be refused for an archived account")
	}
}

func TestReclaimStuck(t *testing.T) {
	client := testutil.NewDB(t)
	ctx := context.Background()
	acct := testutil.CreateWarmupAccount(t, client, "alpha", 1)
	testutil.CompleteThrough(t, client, acct.ID, warmup.PhaseManualSetup)
	bio, _ := client.GetPhaseByType(ctx, acct.ID, warmup.PhaseBio)
	if !claim(t, client, bio.ID, 1) {
		t.Fatal("claim failed")
	}

	startedAt := db.Now().Add(-15 * time.Minute)
	if _, err := client.DB().ExecContext(ctx, `UPDATE warmup_phases SET started_at = ? WHERE id = ?`, startedAt, bio.ID); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}

	reclaimed, err := client.ReclaimStuck(ctx, db.Now().Add(-5*time.Minute), "reset due to timeout")
	if err != nil {
		t.Fatalf("ReclaimStuck failed: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != bio.ID {
		t.Fatalf("expected bio to be reclaimed, got %+v", reclaimed)
	}

	got, _ := client.GetPhase(ctx, bio.ID)
	if got.Status != warmup.StatusAvailable {
		t.Errorf("expected available, got %s", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage == "" {
		t.Error("expected a reclamation note")
	}
	if got.BotID != nil || got.BotSessionID != nil || got.StartedAt != nil {
		t.Error("expected claim fields to be cleared")
	}
	if got.RetryCount != 0 {
		t.Errorf("reclaim must not count as a retry, got %d", got.RetryCount)
	}

	again, err := client.ReclaimStuck(ctx, db.Now().Add(-5*time.Minute), "reset due to timeout")
	if err != nil {
		t.Fatalf("ReclaimStuck failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second sweep should be a no-op, got %d", len(again))
	}
}

func TestReclaimStuck_LeavesFreshClaims(t *testing.T) {
	client := testutil.NewDB(t)
	ctx := context.Background()
	acct := testutil.CreateWarmupAccount(t, client, "alpha", 1)
	testutil.CompleteThrough(t, client, acct.ID, warmup.PhaseManualSetup)
	bio, _ := client.GetPhaseByType(ctx, acct.ID, warmup.PhaseBio)
	claim(t, client, bio.ID, 1)

	reclaimed, err := client.ReclaimStuck(ctx, db.Now().Add(-5*time.Minute), "note")
	if err != nil {
		t.Fatalf("ReclaimStuck failed: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Errorf("fresh claim should not be reclaimed")
	}
}

func TestReadyPhases_OrdersByPhaseOrderThenAge(t *testing.T) {
	client := testutil.NewDB(t)
	ctx := context.Background()

	older := testutil.CreateWarmupAccount(t, client, "older", 1)
	newer := testutil.CreateWarmupAccount(t, client, "newer", 2)
	testutil.CompleteThrough(t, client, older.ID, warmup.PhaseName)
	testutil.CompleteThrough(t, client, newer.ID, warmup.PhaseManualSetup)

	entries, err := client.ReadyPhases(ctx, db.Now(), 10)
	if err != nil {
		t.Fatalf("ReadyPhases failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 ready entries, got %d", len(entries))
	}
	if entries[0].Account.ID != newer.ID || entries[0].Phase.Phase != warmup.PhaseBio {
		t.Errorf("expected newer/bio first, got %s/%s", entries[0].Account.Username, entries[0].Phase.Phase)
	}
	if entries[1].Account.ID != older.ID || entries[1].Phase.Phase != warmup.PhaseUsername {
		t.Errorf("expected older/username second, got %s/%s", entries[1].Account.Username, entries[1].Phase.Phase)
	}
}

func TestReadyPhases_ExcludesManualBusyAndFuture(t *testing.T) {
	client := testutil.NewDB(t)
	ctx := context.Background()

	manual := testutil.CreateWarmupAccount(t, client, "manual", 1)
	testutil.SetPhase(t, client, manual.ID, warmup.PhaseManualSetup, warmup.StatusAvailable, nil)

	future := testutil.CreateWarmupAccount(t, client, "future", 2)
	testutil.CompleteThrough(t, client, future.ID, warmup.PhaseManualSetup)
	later := db.Now().Add(2 * time.Hour)
	testutil.SetPhase(t, client, future.ID, warmup.PhaseBio, warmup.StatusAvailable, &later)

	entries, err := client.ReadyPhases(ctx, db.Now(), 10)
	if err != nil {
		t.Fatalf("ReadyPhases failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no ready entries, got %d", len(entries))
	}
}

func TestPendingCandidatesAndMarkAvailable(t *testing.T) {
	client := testutil.NewDB(t)
	ctx := context.Background()
	testutil.CreateWarmupAccount(t, client, "alpha", 1)

	candidates, err := client.PendingCandidates(ctx, db.Now())
	if err != nil {
		t.Fatalf("PendingCandidates failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Phase != warmup.PhaseManualSetup {
		t.Fatalf("expected only manual_setup as candidate, got %d", len(candidates))
	}

	ok, err := client.MarkAvailable(ctx, candidates[0].ID, db.Now())
	if err != nil || !ok {
		t.Fatalf("MarkAvailable = %v, %v", ok, err)
	}
	ok, err = client.MarkAvailable(ctx, candidates[0].ID, db.Now())
	if err != nil {
		t.Fatalf("MarkAvailable failed: %v", err)
	}
	if ok {
		t.Error("second promotion must be a no-op")
	}

	unbound := testutil.CreateWarmupAccount(t, client, "beta", 2)
	if err := client.SetContainer(ctx, unbound.ID, nil); err != nil {
		t.Fatalf("SetContainer failed: %v", err)
	}
	candidates, _ = client.PendingCandidates(ctx, db.Now())
	if len(candidates) != 0 {
		t.Errorf("accounts without a container have no candidates, got %d", len(candidates))
	}
}

func TestComplete_SchedulesSuccessorsAndFlag(t *testing.T) {
	client := testutil.NewDB(t)
	ctx := context.Background()
	acct := testutil.CreateWarmupAccount(t, client, "alpha", 1)
	testutil.CompleteThrough(t, client, acct.ID, warmup.PhaseManualSetup)
	bio, _ := client.GetPhaseByType(ctx, acct.ID, warmup.PhaseBio)
	if !claim(t, client, bio.ID, 1) {
		t.Fatal("claim failed")
	}
	claimed, _ := client.GetPhase(ctx, bio.ID)

	at := db.Now().Add(20 * time.Hour)
	ms := int64(1500)
	done, err := client.Complete(ctx, db.CompleteParams{
		PhaseID:             bio.ID,
		SessionID:           *claimed.BotSessionID,
		Status:              warmup.StatusCompleted,
		From:                []warmup.Status{warmup.StatusInProgress},
		ExecutionTimeMs:     &ms,
		SuccessorsAt:        map[warmup.PhaseType]time.Time{warmup.PhaseGender: at},
		MarkFirstAutomation: true,
		Now:                 db.Now(),
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if done.Status != warmup.StatusCompleted || done.CompletedAt == nil {
		t.Errorf("expected completed with timestamp, got %s", done.Status)
	}

	gender, _ := client.GetPhaseByType(ctx, acct.ID, warmup.PhaseGender)
	if gender.Status != warmup.StatusPending || gender.AvailableAt == nil || !gender.AvailableAt.Equal(at) {
		t.Errorf("gender should stay pending until %v, got %s at %v", at, gender.Status, gender.AvailableAt)
	}

	got, _ := client.GetAccount(ctx, acct.ID)
	if !got.FirstAutomationCompleted {
		t.Error("expected first automation flag to be set")
	}

	_, err = client.Complete(ctx, db.CompleteParams{
		PhaseID: bio.ID, Status: warmup.StatusCompleted,
		From: []warmup.Status{warmup.StatusInProgress}, Now: db.Now(),
	})
	if !errors.Is(err, db.ErrClaimLost) {
		t.Errorf("expected ErrClaimLost on double completion, got %v", err)
	}
}

func TestComplete_WrongSessionLosesClaim(t *testing.T) {
	client := testutil.NewDB(t)
	ctx := context.Background()
	acct := testutil.CreateWarmupAccount(t, client, "alpha", 1)
	testutil.CompleteThrough(t, client, acct.ID, warmup.PhaseManualSetup)
	bio, _ := client.GetPhaseByType(ctx, acct.ID, warmup.PhaseBio)
	claim(t, client, bio.ID, 1)

	_, err := client.Complete(ctx, db.CompleteParams{
		PhaseID: bio.ID, SessionID: "someone-else", Status: warmup.StatusCompleted,
		From: []warmup.Status{warmup.StatusInProgress}, Now: db.Now(),
	})
	if !errors.Is(err, db.ErrClaimLost) {
		t.Errorf("expected ErrClaimLost, got %v", err)
	}
}

func TestFail_RetryCeiling(t *testing.T) {
	client := testutil.NewDB(t)
	ctx := context.Background()
	acct := testutil.CreateWarmupAccount(t, client, "alpha", 1)
	testutil.CompleteThrough(t, client, acct.ID, warmup.PhaseManualSetup)
	bio, _ := client.GetPhaseByType(ctx, acct.ID, warmup.PhaseBio)

	want := []warmup.Status{warmup.StatusAvailable, warmup.StatusAvailable, warmup.StatusFailed}
	for i, status := range want {
		if !claim(t, client, bio.ID, 1) {
			t.Fatalf("attempt %d: claim failed", i+1)
		}
		got, err := client.Fail(ctx, db.FailParams{PhaseID: bio.ID, Message: "device timeout", MaxRetries: 3, Now: db.Now()})
		if err != nil {
			t.Fatalf("attempt %d: Fail failed: %v", i+1, err)
		}
		if got.Status != status {
			t.Errorf("attempt %d: expected %s, got %s", i+1, status, got.Status)
		}
		if got.RetryCount != i+1 {
			t.Errorf("attempt %d: expected retry_count %d, got %d", i+1, i+1, got.RetryCount)
		}
		if got.ErrorMessage == nil || *got.ErrorMessage != "device timeout" {
			t.Errorf("attempt %d: expected error message to be recorded", i+1)
		}
	}

	requeued, err := client.Requeue(ctx, bio.ID, db.Now())
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if requeued.Status != warmup.StatusAvailable || requeued.RetryCount != 0 {
		t.Errorf("expected available with fresh retries, got %s/%d", requeued.Status, requeued.RetryCount)
	}
	if _, err := client.Requeue(ctx, bio.ID, db.Now()); !errors.Is(err, db.ErrStaleState) {
		t.Errorf("requeue of a non-failed phase should be stale, got %v", err)
	}
}

func TestReserve_UsernameTextIsExclusive(t *testing.T) {
	client := testutil.NewDB(t)
	ctx := context.Background()
	a := testutil.CreateWarmupAccount(t, client, "alpha", 1)
	b := testutil.CreateWarmupAccount(t, client, "beta", 2)

	text, err := client.CreateContentItem(ctx, warmup.KindText, warmup.CategoryUsername, "laura.mia")
	if err != nil {
		t.Fatalf("CreateContentItem failed: %v", err)
	}

	ua, _ := client.GetPhaseByType(ctx, a.ID, warmup.PhaseUsername)
	ub, _ := client.GetPhaseByType(ctx, b.ID, warmup.PhaseUsername)
	if err := client.Reserve(ctx, ua.ID, nil, text); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := client.Reserve(ctx, ub.ID, nil, text); !errors.Is(err, db.ErrUniqueViolation) {
		t.Fatalf("expected ErrUniqueViolation, got %v", err)
	}

	candidates, err := client.FindCandidates(ctx, warmup.KindText, []warmup.Category{warmup.CategoryUsername}, []warmup.PhaseType{warmup.PhaseUsername})
	if err != nil {
		t.Fatalf("FindCandidates failed: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("held username text must not be offered again, got %d", len(candidates))
	}

	testutil.SetPhase(t, client, a.ID, warmup.PhaseUsername, warmup.StatusCompleted, nil)
	if err := client.Reserve(ctx, ub.ID, nil, text); err != nil {
		t.Errorf("text held only by a completed phase should be reservable, got %v", err)
	}
}

func TestSetContainer_Exclusive(t *testing.T) {
	client := testutil.NewDB(t)
	ctx := context.Background()
	a := testutil.CreateAccount(t, client, "alpha")
	b := testutil.CreateAccount(t, client, "beta")

	n := 7
	if err := client.SetContainer(ctx, a.ID, &n); err != nil {
		t.Fatalf("SetContainer failed: %v", err)
	}
	if err := client.SetContainer(ctx, b.ID, &n); !errors.Is(err, db.ErrUniqueViolation) {
		t.Fatalf("expected ErrUniqueViolation, got %v", err)
	}
}

func TestTransitionAccount_ArchiveClearsEverything(t *testing.T) {
	client := testutil.NewDB(t)
	ctx := context.Background()
	acct := testutil.CreateWarmupAccount(t, client, "alpha", 1)
	proxy := "proxy-1"
	if err := client.SetProxy(ctx, acct.ID, &proxy); err != nil {
		t.Fatalf("SetProxy failed: %v", err)
	}

	_, err := client.TransitionAccount(ctx, db.AccountTransition{
		AccountID: acct.ID, From: warmup.StateWarmup, To: warmup.StateArchived,
		Reason: "invalidated", ChangedBy: "ops", Archive: true,
	})
	if err != nil {
		t.Fatalf("TransitionAccount failed: %v", err)
	}

	got, _ := client.GetAccount(ctx, acct.ID)
	if got.LifecycleState != warmup.StateArchived || got.ContainerNumber != nil || got.ProxyID != nil || got.ProxyAssignedAt != nil {
		t.Errorf("archived account still holds resources: %+v", got)
	}

	phases, _ := client.ListPhases(ctx, acct.ID)
	for _, p := range phases {
		if p.Status.Open() {
			t.Errorf("phase %s still open: %s", p.Phase, p.Status)
		}
	}

	_, err = client.TransitionAccount(ctx, db.AccountTransition{
		AccountID: acct.ID, From: warmup.StateWarmup, To: warmup.StateActive,
	})
	if !errors.Is(err, db.ErrStaleState) {
		t.Errorf("expected ErrStaleState for a stale from-state, got %v", err)
	}

	trail, err := client.ListTransitions(ctx, acct.ID)
	if err != nil {
		t.Fatalf("ListTransitions failed: %v", err)
	}
	if len(trail) != 4 || trail[3].ToState != warmup.StateArchived || trail[3].Reason != "invalidated" {
		t.Errorf("unexpected audit trail: %d records", len(trail))
	}
}

func TestUpsertGroup(t *testing.T) {
	client := testutil.NewDB(t)
	ctx := context.Background()

	g, err := client.UpsertGroup(ctx, db.GroupConfig{Name: "model-a", MinCooldownHours: 2, MaxCooldownHours: 4, SingleWorkerConstraint: true})
	if err != nil {
		t.Fatalf("UpsertGroup failed: %v", err)
	}
	again, err := client.UpsertGroup(ctx, db.GroupConfig{Name: "model-a", MinCooldownHours: 3, MaxCooldownHours: 5, SingleWorkerConstraint: true})
	if err != nil {
		t.Fatalf("UpsertGroup failed: %v", err)
	}
	if again.ID != g.ID {
		t.Errorf("upsert should keep the id, got %d and %d", g.ID, again.ID)
	}

	cfg, err := client.GetGroupConfig(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetGroupConfig failed: %v", err)
	}
	if cfg.MinCooldownHours != 3 || cfg.MaxCooldownHours != 5 {
		t.Errorf("expected updated window 3..5, got %d..%d", cfg.MinCooldownHours, cfg.MaxCooldownHours)
	}

	missing, err := client.GetGroupConfig(ctx, 999)
	if err != nil || missing != nil {
		t.Errorf("expected nil config for unknown group, got %v, %v", missing, err)
	}
}
