// Package testutil provides store-backed fixtures for package tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/sunshow/warmupd/internal/db"
	"github.com/sunshow/warmupd/internal/warmup"
)

// Logger returns a logger that writes through t
func Logger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	return zaptest.NewLogger(t).Sugar()
}

// NewDB opens a private in-memory SQLite store with the production schema
func NewDB(t *testing.T) *db.Client {
	t.Helper()

	ctx := context.Background()
	client, err := db.Open(ctx, db.Options{Driver: "sqlite", URL: ":memory:"}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
	})
	return client
}

// CreateAccount inserts an imported account
func CreateAccount(t *testing.T, client *db.Client, username string) *db.Account {
	t.Helper()
	a, err := client.CreateAccount(context.Background(), username, nil)
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return a
}

// CreateWarmupAccount inserts an account, binds container, walks it into warmup
// and seeds its phases
func CreateWarmupAccount(t *testing.T, client *db.Client, username string, container int) *db.Account {
	t.Helper()
	ctx := context.Background()

	a := CreateAccount(t, client, username)
	if err := client.SetContainer(ctx, a.ID, &container); err != nil {
		t.Fatalf("SetContainer failed: %v", err)
	}

	path := []warmup.LifecycleState{warmup.StateImported, warmup.StateReady, warmup.StateReadyForBotAssignment, warmup.StateWarmup}
	for i := 1; i < len(path); i++ {
		tr := db.AccountTransition{
			AccountID: a.ID,
			From:      path[i-1],
			To:        path[i],
			Reason:    "fixture",
			ChangedBy: "test",
		}
		if path[i] == warmup.StateWarmup {
			tr.RequireContainer = true
			tr.Seeds = warmup.Seeds(db.Now())
		}
		if _, err := client.TransitionAccount(ctx, tr); err != nil {
			t.Fatalf("TransitionAccount to %s failed: %v", path[i], err)
		}
	}

	got, err := client.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	return got
}

// SetPhase forces a phase row into a status, bypassing the state machine.
// availableAt nil leaves the column untouched.
func SetPhase(t *testing.T, client *db.Client, accountID int64, phase warmup.PhaseType, status warmup.Status, availableAt *time.Time) *db.Phase {
	t.Helper()
	ctx := context.Background()
	now := db.Now()

	query := `UPDATE warmup_phases SET status = ?, updated_at = ?`
	args := []any{string(status), now}
	if availableAt != nil {
		query += `, available_at = ?`
		args = append(args, availableAt.UTC().Truncate(time.Microsecond))
	}
	if status.Done() {
		query += `, completed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE account_id = ? AND phase = ?`
	args = append(args, accountID, string(phase))
	if _, err := client.DB().ExecContext(ctx, query, args...); err != nil {
		t.Fatalf("force %s to %s failed: %v", phase, status, err)
	}

	p, err := client.GetPhaseByType(ctx, accountID, phase)
	if err != nil {
		t.Fatalf("GetPhaseByType failed: %v", err)
	}
	return p
}

// CompleteThrough marks every phase up to and including last as completed and
// makes the following phase available now
func CompleteThrough(t *testing.T, client *db.Client, accountID int64, last warmup.PhaseType) {
	t.Helper()
	lastSpec, err := warmup.Spec(last)
	if err != nil {
		t.Fatalf("Spec failed: %v", err)
	}
	now := db.Now()
	for _, s := range warmup.Catalog() {
		if s.Order <= lastSpec.Order {
			SetPhase(t, client, accountID, s.Type, warmup.StatusCompleted, nil)
		}
	}
	for _, succ := range warmup.Successors(last) {
		SetPhase(t, client, accountID, succ, warmup.StatusAvailable, &now)
	}
}
