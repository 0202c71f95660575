package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sunshow/warmupd/internal/db"
	"github.com/sunshow/warmupd/internal/event"
	"github.com/sunshow/warmupd/internal/testutil"
	"github.com/sunshow/warmupd/internal/warmup"
)

func newBinder(t *testing.T) (*Binder, *db.Client, *[]*event.Event) {
	t.Helper()
	client := testutil.NewDB(t)
	logger := testutil.Logger(t)
	bus := event.NewBus(logger)
	var events []*event.Event
	bus.Subscribe("*", func(e *event.Event) { events = append(events, e) })
	return NewBinder(client, bus, logger), client, &events
}

func transition(t *testing.T, b *Binder, accountID int64, to warmup.LifecycleState) {
	t.Helper()
	if _, err := b.Transition(context.Background(), TransitionRequest{AccountID: accountID, To: to, Actor: "test"}); err != nil {
		t.Fatalf("Transition to %s failed: %v", to, err)
	}
}

func TestTransition_IntoWarmupSeedsPhases(t *testing.T) {
	b, client, events := newBinder(t)
	ctx := context.Background()
	acct := testutil.CreateAccount(t, client, "alpha")

	transition(t, b, acct.ID, warmup.StateReady)
	transition(t, b, acct.ID, warmup.StateReadyForBotAssignment)

	_, err := b.Transition(ctx, TransitionRequest{AccountID: acct.ID, To: warmup.StateWarmup})
	if !errors.Is(err, ErrNoContainer) {
		t.Fatalf("expected ErrNoContainer, got %v", err)
	}

	if err := b.AssignContainer(ctx, acct.ID, 4); err != nil {
		t.Fatalf("AssignContainer failed: %v", err)
	}
	transition(t, b, acct.ID, warmup.StateWarmup)

	phases, err := client.ListPhases(ctx, acct.ID)
	if err != nil {
		t.Fatalf("ListPhases failed: %v", err)
	}
	if len(phases) != len(warmup.Catalog()) {
		t.Fatalf("expected %d phases, got %d", len(warmup.Catalog()), len(phases))
	}
	for i, p := range phases {
		if p.Status != warmup.StatusPending {
			t.Errorf("phase %s should start pending, got %s", p.Phase, p.Status)
		}
		if p.PhaseOrder != i+1 {
			t.Errorf("phase %s has order %d, want %d", p.Phase, p.PhaseOrder, i+1)
		}
	}

	if len(*events) != 3 || (*events)[2].Type != event.AccountTransitioned {
		t.Errorf("expected 3 transition events, got %d", len(*events))
	}
	trail, _ := client.ListTransitions(ctx, acct.ID)
	if len(trail) != 3 || trail[2].ChangedBy != "test" {
		t.Errorf("expected 3 audit records by test, got %d", len(trail))
	}
}

func TestTransition_IllegalEdges(t *testing.T) {
	b, client, _ := newBinder(t)
	ctx := context.Background()
	acct := testutil.CreateAccount(t, client, "alpha")
	if err := b.AssignContainer(ctx, acct.ID, 1); err != nil {
		t.Fatalf("AssignContainer failed: %v", err)
	}

	_, err := b.Transition(ctx, TransitionRequest{AccountID: acct.ID, To: warmup.StateWarmup})
	if !errors.Is(err, warmup.ErrIllegalTransition) {
		t.Errorf("imported → warmup should be illegal, got %v", err)
	}
	_, err = b.Transition(ctx, TransitionRequest{AccountID: acct.ID, To: warmup.StateActive})
	if !errors.Is(err, warmup.ErrIllegalTransition) {
		t.Errorf("imported → active should be illegal, got %v", err)
	}
}

func TestTransition_ActiveRequiresCompleteWarmup(t *testing.T) {
	b, client, _ := newBinder(t)
	ctx := context.Background()
	acct := testutil.CreateWarmupAccount(t, client, "alpha", 1)

	_, err := b.Transition(ctx, TransitionRequest{AccountID: acct.ID, To: warmup.StateActive})
	if !errors.Is(err, warmup.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition before completion, got %v", err)
	}

	testutil.CompleteThrough(t, client, acct.ID, warmup.PhaseSetToPrivate)
	testutil.SetPhase(t, client, acct.ID, warmup.PhaseNewHighlight, warmup.StatusFailed, nil)
	complete, err := b.IsWarmupComplete(ctx, acct.ID)
	if err != nil || !complete {
		t.Fatalf("IsWarmupComplete = %v, %v", complete, err)
	}
	transition(t, b, acct.ID, warmup.StateActive)
}

func TestTransition_ForceActive(t *testing.T) {
	b, client, _ := newBinder(t)
	acct := testutil.CreateWarmupAccount(t, client, "alpha", 1)
	_, err := b.Transition(context.Background(), TransitionRequest{AccountID: acct.ID, To: warmup.StateActive, Force: true})
	if err != nil {
		t.Fatalf("forced activation failed: %v", err)
	}
}

func TestTransition_ArchiveMidWarmup(t *testing.T) {
	b, client, events := newBinder(t)
	ctx := context.Background()
	acct := testutil.CreateWarmupAccount(t, client, "alpha", 3)
	if err := b.AssignProxy(ctx, acct.ID, "proxy-9"); err != nil {
		t.Fatalf("AssignProxy failed: %v", err)
	}

	// 8 done, 1 in progress, 3 pending
	for _, s := range warmup.Catalog() {
		if s.Order <= 8 {
			testutil.SetPhase(t, client, acct.ID, s.Type, warmup.StatusCompleted, nil)
		}
	}
	testutil.SetPhase(t, client, acct.ID, warmup.PhasePostCaption, warmup.StatusInProgress, nil)
	media, _ := client.CreateContentItem(ctx, warmup.KindMedia, warmup.CategoryPost, "post.jpg")
	pending, _ := client.GetPhaseByType(ctx, acct.ID, warmup.PhasePostNoCaption)
	if err := client.Reserve(ctx, pending.ID, media, nil); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	_, err := b.Transition(ctx, TransitionRequest{AccountID: acct.ID, To: warmup.StateArchived, Reason: "invalidated", Actor: "ops"})
	if err != nil {
		t.Fatalf("archive failed: %v", err)
	}

	got, _ := client.GetAccount(ctx, acct.ID)
	if got.LifecycleState != warmup.StateArchived {
		t.Errorf("expected archived, got %s", got.LifecycleState)
	}
	if got.ContainerNumber != nil || got.ProxyID != nil {
		t.Errorf("archived account still holds container or proxy")
	}

	phases, _ := client.ListPhases(ctx, acct.ID)
	skipped := 0
	for _, p := range phases {
		if p.Status.Open() {
			t.Errorf("phase %s still %s", p.Phase, p.Status)
		}
		if p.Status == warmup.StatusSkipped {
			skipped++
			if p.CompletedAt == nil {
				t.Errorf("skipped phase %s has no completed_at", p.Phase)
			}
			if p.AssignedContentID != nil || p.AssignedTextID != nil {
				t.Errorf("skipped phase %s still holds content", p.Phase)
			}
		}
	}
	if skipped != 4 {
		t.Errorf("expected 4 skipped phases, got %d", skipped)
	}

	last := (*events)[len(*events)-1]
	if last.Type != event.AccountTransitioned || last.Data["to"] != "archived" {
		t.Errorf("expected archive event, got %+v", last)
	}

	if err := b.AssignContainer(ctx, acct.ID, 3); !errors.Is(err, warmup.ErrIllegalTransition) {
		t.Errorf("binding an archived account should be refused, got %v", err)
	}
}

func TestAssignContainer_Exclusive(t *testing.T) {
	b, client, _ := newBinder(t)
	ctx := context.Background()
	a := testutil.CreateAccount(t, client, "alpha")
	c := testutil.CreateAccount(t, client, "gamma")

	if err := b.AssignContainer(ctx, a.ID, 5); err != nil {
		t.Fatalf("AssignContainer failed: %v", err)
	}
	if err := b.AssignContainer(ctx, c.ID, 5); !errors.Is(err, db.ErrUniqueViolation) {
		t.Errorf("expected ErrUniqueViolation, got %v", err)
	}
}

func TestReadyAccounts_WaitsForCooldown(t *testing.T) {
	b, client, _ := newBinder(t)
	ctx := context.Background()
	acct := testutil.CreateWarmupAccount(t, client, "alpha", 1)

	testutil.SetPhase(t, client, acct.ID, warmup.PhaseManualSetup, warmup.StatusCompleted, nil)
	later := db.Now().Add(17 * time.Hour)
	testutil.SetPhase(t, client, acct.ID, warmup.PhaseBio, warmup.StatusPending, &later)

	entries, err := b.ReadyAccounts(ctx, 10)
	if err != nil {
		t.Fatalf("ReadyAccounts failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("bio must not be ready before its cooldown elapses")
	}
	bio, _ := client.GetPhaseByType(ctx, acct.ID, warmup.PhaseBio)
	if bio.Status != warmup.StatusPending {
		t.Errorf("bio should stay pending, got %s", bio.Status)
	}

	b.now = func() time.Time { return later.Add(time.Minute) }
	entries, err = b.ReadyAccounts(ctx, 10)
	if err != nil {
		t.Fatalf("ReadyAccounts failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Phase.Phase != warmup.PhaseBio || entries[0].Phase.Status != warmup.StatusAvailable {
		t.Fatalf("expected bio to be ready after the cooldown, got %d entries", len(entries))
	}
}

func TestPromote_RequiresPrerequisites(t *testing.T) {
	b, client, _ := newBinder(t)
	ctx := context.Background()
	acct := testutil.CreateWarmupAccount(t, client, "alpha", 1)

	past := db.Now().Add(-time.Hour)
	testutil.SetPhase(t, client, acct.ID, warmup.PhaseGender, warmup.StatusPending, &past)

	n, err := b.Promote(ctx, db.Now())
	if err != nil {
		t.Fatalf("Promote failed: %v", err)
	}
	if n != 1 {
		t.Errorf("only manual_setup should be promoted, got %d", n)
	}
	gender, _ := client.GetPhaseByType(ctx, acct.ID, warmup.PhaseGender)
	if gender.Status != warmup.StatusPending {
		t.Errorf("gender must wait for bio, got %s", gender.Status)
	}
}

func TestPauseAccount(t *testing.T) {
	b, client, _ := newBinder(t)
	ctx := context.Background()
	acct := testutil.CreateWarmupAccount(t, client, "alpha", 1)
	testutil.CompleteThrough(t, client, acct.ID, warmup.PhaseManualSetup)

	until := db.Now().Add(time.Hour)
	if err := b.PauseAccount(ctx, acct.ID, &until); err != nil {
		t.Fatalf("PauseAccount failed: %v", err)
	}
	entries, _ := b.ReadyAccounts(ctx, 10)
	if len(entries) != 0 {
		t.Fatalf("paused account must not be ready")
	}

	if err := b.PauseAccount(ctx, acct.ID, nil); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	entries, _ = b.ReadyAccounts(ctx, 10)
	if len(entries) != 1 {
		t.Errorf("resumed account should be ready, got %d", len(entries))
	}
}
