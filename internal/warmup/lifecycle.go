package warmup

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrIllegalTransition is returned when a lifecycle or phase edge is not allowed
var ErrIllegalTransition = errors.New("illegal transition")

// LifecycleState is the coarse account status that gates scheduling
type LifecycleState string

const (
	StateImported              LifecycleState = "imported"
	StateReady                 LifecycleState = "ready"
	StateReadyForBotAssignment LifecycleState = "ready_for_bot_assignment"
	StateWarmup                LifecycleState = "warmup"
	StateActive                LifecycleState = "active"
	StateArchived              LifecycleState = "archived"
)

// ParseLifecycleState validates a state name coming from outside the process
func ParseLifecycleState(name string) (LifecycleState, error) {
	s := LifecycleState(name)
	if _, ok := edges[s]; !ok {
		return "", fmt.Errorf("unknown lifecycle state %q", name)
	}
	return s, nil
}

// edges is the forward lifecycle graph; archiving is legal from every live state
var edges = map[LifecycleState][]LifecycleState{
	StateImported:              {StateReady, StateArchived},
	StateReady:                 {StateReadyForBotAssignment, StateArchived},
	StateReadyForBotAssignment: {StateWarmup, StateArchived},
	StateWarmup:                {StateActive, StateArchived},
	StateActive:                {StateArchived},
	StateArchived:              {},
}

// GuardResult represents the outcome of a guard evaluation.
type GuardResult struct {
	Allowed bool
	Reason  string
}

// Error converts the guard result to an error if not allowed.
func (r GuardResult) Error() error {
	if r.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrIllegalTransition, r.Reason)
}

// TransitionContext provides context for lifecycle transition guards.
type TransitionContext struct {
	AccountID      int64
	From           LifecycleState
	To             LifecycleState
	HasContainer   bool
	WarmupComplete bool
	Force          bool
}

// CanTransition evaluates whether an account may move between lifecycle states.
// Rules:
// - The edge must exist in the lifecycle graph
// - Entering warmup requires a bound device container
// - Leaving warmup for active requires a complete warmup unless forced
func CanTransition(ctx TransitionContext) GuardResult {
	allowed := false
	for _, to := range edges[ctx.From] {
		if to == ctx.To {
			allowed = true
			break
		}
	}
	if !allowed {
		return GuardResult{
			Allowed: false,
			Reason:  fmt.Sprintf("account %d cannot move from %s to %s", ctx.AccountID, ctx.From, ctx.To),
		}
	}

	if ctx.To == StateWarmup && !ctx.HasContainer {
		return GuardResult{
			Allowed: false,
			Reason:  fmt.Sprintf("account %d has no container assigned", ctx.AccountID),
		}
	}

	if ctx.From == StateWarmup && ctx.To == StateActive && !ctx.WarmupComplete && !ctx.Force {
		return GuardResult{
			Allowed: false,
			Reason:  fmt.Sprintf("account %d has not completed warmup", ctx.AccountID),
		}
	}

	return GuardResult{Allowed: true}
}

// BindContext provides context for container/proxy binding guards.
type BindContext struct {
	AccountID int64
	State     LifecycleState
}

// CanBindResources evaluates whether a container or proxy may be bound.
// Rules:
// - Archived accounts never hold resources
func CanBindResources(ctx BindContext) GuardResult {
	if ctx.State == StateArchived {
		return GuardResult{
			Allowed: false,
			Reason:  fmt.Sprintf("account %d is archived", ctx.AccountID),
		}
	}
	return GuardResult{Allowed: true}
}

// Outcome is the result of executing (or operator-resolving) a phase
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
	OutcomeSkipped Outcome = "skipped"
)

// ParseOutcome validates an outcome name coming from outside the process
func ParseOutcome(name string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(name)); o {
	case OutcomeSuccess, OutcomeFailure, OutcomeTimeout, OutcomeSkipped:
		return o, nil
	}
	return "", fmt.Errorf("unknown outcome %q", name)
}

// AdvanceFrom lists the statuses a phase may be advanced from for an outcome.
// Only manual phases may be resolved without a claim; skips are operator actions.
func AdvanceFrom(spec PhaseSpec, outcome Outcome) []Status {
	switch outcome {
	case OutcomeSkipped:
		return []Status{StatusPending, StatusAvailable, StatusInProgress, StatusFailed}
	case OutcomeSuccess:
		if spec.Manual {
			return []Status{StatusPending, StatusAvailable, StatusInProgress}
		}
	}
	return []Status{StatusInProgress}
}

// StatusAfterFailure applies the retry ceiling: the phase returns to available
// until retries reach maxRetries. A ceiling of zero never fails a phase.
func StatusAfterFailure(retryCount, maxRetries int) Status {
	if maxRetries > 0 && retryCount+1 >= maxRetries {
		return StatusFailed
	}
	return StatusAvailable
}

// DeriveUsername turns an assigned username text into the account handle:
// the last character is appended twice, lowercased.
func DeriveUsername(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	r, _ := utf8.DecodeLastRuneInString(text)
	last := string(unicode.ToLower(r))
	return text + last + last
}
