package warmup

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		ctx     TransitionContext
		allowed bool
	}{
		{"imported to ready", TransitionContext{From: StateImported, To: StateReady}, true},
		{"ready to bot assignment", TransitionContext{From: StateReady, To: StateReadyForBotAssignment}, true},
		{"skip straight to warmup", TransitionContext{From: StateReady, To: StateWarmup, HasContainer: true}, false},
		{"warmup with container", TransitionContext{From: StateReadyForBotAssignment, To: StateWarmup, HasContainer: true}, true},
		{"warmup without container", TransitionContext{From: StateReadyForBotAssignment, To: StateWarmup}, false},
		{"active before complete", TransitionContext{From: StateWarmup, To: StateActive}, false},
		{"active when complete", TransitionContext{From: StateWarmup, To: StateActive, WarmupComplete: true}, true},
		{"active forced", TransitionContext{From: StateWarmup, To: StateActive, Force: true}, true},
		{"archive from warmup", TransitionContext{From: StateWarmup, To: StateArchived}, true},
		{"archive from imported", TransitionContext{From: StateImported, To: StateArchived}, true},
		{"archived is terminal", TransitionContext{From: StateArchived, To: StateReady}, false},
		{"backwards", TransitionContext{From: StateActive, To: StateWarmup, HasContainer: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CanTransition(tt.ctx)
			if result.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v (reason: %s)", result.Allowed, tt.allowed, result.Reason)
			}
			if !tt.allowed && !errors.Is(result.Error(), ErrIllegalTransition) {
				t.Errorf("expected ErrIllegalTransition, got %v", result.Error())
			}
			if tt.allowed && result.Error() != nil {
				t.Errorf("expected nil error, got %v", result.Error())
			}
		})
	}
}

func TestCanBindResources(t *testing.T) {
	if CanBindResources(BindContext{AccountID: 1, State: StateArchived}).Allowed {
		t.Error("archived accounts must not receive resources")
	}
	if !CanBindResources(BindContext{AccountID: 1, State: StateReady}).Allowed {
		t.Error("ready accounts may receive resources")
	}
}

func TestStatusAfterFailure(t *testing.T) {
	tests := []struct {
		retries, ceiling int
		want             Status
	}{
		{0, 3, StatusAvailable},
		{1, 3, StatusAvailable},
		{2, 3, StatusFailed},
		{10, 0, StatusAvailable},
		{0, 1, StatusFailed},
	}
	for _, tt := range tests {
		if got := StatusAfterFailure(tt.retries, tt.ceiling); got != tt.want {
			t.Errorf("StatusAfterFailure(%d, %d) = %s, want %s", tt.retries, tt.ceiling, got, tt.want)
		}
	}
}

func TestAdvanceFrom(t *testing.T) {
	manual, _ := Spec(PhaseManualSetup)
	if got := AdvanceFrom(manual, OutcomeSuccess); len(got) != 3 {
		t.Errorf("manual success should be allowed from open statuses, got %v", got)
	}
	bio, _ := Spec(PhaseBio)
	if got := AdvanceFrom(bio, OutcomeSuccess); len(got) != 1 || got[0] != StatusInProgress {
		t.Errorf("automated success requires a claim, got %v", got)
	}
	if got := AdvanceFrom(bio, OutcomeSkipped); len(got) != 4 {
		t.Errorf("skip should be allowed from any non-final status, got %v", got)
	}
}

func TestParseOutcome(t *testing.T) {
	if o, err := ParseOutcome("SUCCESS"); err != nil || o != OutcomeSuccess {
		t.Errorf("ParseOutcome(SUCCESS) = %v, %v", o, err)
	}
	if _, err := ParseOutcome("maybe"); err == nil {
		t.Error("expected error for unknown outcome")
	}
}

func TestDeriveUsername(t *testing.T) {
	tests := map[string]string{
		"laura.mia": "laura.miaaa",
		"JonaS":     "JonaSss",
		"  ":        "",
		"zoë":       "zoëëë",
		"RENÉ":      "RENÉéé",
	}
	for in, want := range tests {
		if got := DeriveUsername(in); got != want {
			t.Errorf("DeriveUsername(%q) = %q, want %q", in, got, want)
		}
	}
}
