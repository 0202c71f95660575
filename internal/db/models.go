package db

import (
	"time"

	"github.com/sunshow/warmupd/internal/warmup"
)

// Account is a managed account moving through the lifecycle
type Account struct {
	ID                       int64                 `json:"id"`
	Username                 string                `json:"username"`
	GroupID                  *int64                `json:"group_id"`
	LifecycleState           warmup.LifecycleState `json:"lifecycle_state"`
	ContainerNumber          *int                  `json:"container_number"`
	ProxyID                  *string               `json:"proxy_id"`
	ProxyAssignedAt          *time.Time            `json:"proxy_assigned_at"`
	CooldownUntil            *time.Time            `json:"cooldown_until"`
	FirstAutomationCompleted bool                  `json:"first_automation_completed"`
	StateChangedAt           *time.Time            `json:"state_changed_at"`
	StateChangedBy           *string               `json:"state_changed_by"`
	StateNotes               *string               `json:"state_notes"`
	CreatedAt                time.Time             `json:"created_at"`
	UpdatedAt                time.Time             `json:"updated_at"`
}

// Phase is one warmup step of one account
type Phase struct {
	ID                int64            `json:"id"`
	AccountID         int64            `json:"account_id"`
	Phase             warmup.PhaseType `json:"phase"`
	PhaseOrder        int              `json:"phase_order"`
	Status            warmup.Status    `json:"status"`
	AvailableAt       *time.Time       `json:"available_at"`
	StartedAt         *time.Time       `json:"started_at"`
	CompletedAt       *time.Time       `json:"completed_at"`
	BotID             *string          `json:"bot_id"`
	BotSessionID      *string          `json:"bot_session_id"`
	AssignedContentID *int64           `json:"assigned_content_id"`
	AssignedTextID    *int64           `json:"assigned_text_id"`
	ContentAssignedAt *time.Time       `json:"content_assigned_at"`
	ErrorMessage      *string          `json:"error_message"`
	RetryCount        int              `json:"retry_count"`
	ExecutionTimeMs   *int64           `json:"execution_time_ms"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// GroupConfig is the per-group pacing configuration
type GroupConfig struct {
	ID                     int64  `json:"id" yaml:"-"`
	Name                   string `json:"name" yaml:"name"`
	MinCooldownHours       int    `json:"min_cooldown_hours" yaml:"min_cooldown_hours"`
	MaxCooldownHours       int    `json:"max_cooldown_hours" yaml:"max_cooldown_hours"`
	SingleWorkerConstraint bool   `json:"single_worker_constraint" yaml:"single_worker_constraint"`
}

// ContentRef identifies one pooled media or text item
type ContentRef struct {
	ID       int64              `json:"id"`
	Kind     warmup.ContentKind `json:"kind"`
	Category warmup.Category    `json:"category"`
	Value    string             `json:"value"`
}

// StateTransition is one append-only lifecycle audit record
type StateTransition struct {
	ID        int64                 `json:"id"`
	AccountID int64                 `json:"account_id"`
	FromState warmup.LifecycleState `json:"from_state"`
	ToState   warmup.LifecycleState `json:"to_state"`
	Reason    string                `json:"reason"`
	ChangedBy string                `json:"changed_by"`
	Notes     *string               `json:"notes"`
	CreatedAt time.Time             `json:"created_at"`
}

// ReadyEntry is one row of the ready view: an account and its next eligible phase
type ReadyEntry struct {
	Account *Account `json:"account"`
	Phase   *Phase   `json:"phase"`
}

// ReclaimedPhase identifies a phase returned to available by the stuck sweep
type ReclaimedPhase struct {
	ID        int64
	AccountID int64
	Phase     warmup.PhaseType
}

// Content item status values
const (
	ContentActive   = "active"
	ContentInactive = "inactive"
)
