package grpc

import (
	"time"

	"github.com/sunshow/warmupd/internal/db"
	"github.com/sunshow/warmupd/internal/engine"
)

// ─── Ready View ───

type ReadyAccountsRequest struct {
	Limit int `json:"limit" validate:"gte=0,lte=1000"`
}

type ReadyAccount struct {
	AccountID       int64      `json:"account_id"`
	Username        string     `json:"username"`
	ContainerNumber *int       `json:"container_number,omitempty"`
	PhaseID         int64      `json:"phase_id"`
	Phase           string     `json:"phase"`
	PhaseOrder      int        `json:"phase_order"`
	AvailableAt     *time.Time `json:"available_at,omitempty"`
}

type ReadyAccountsResponse struct {
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	Accounts []ReadyAccount `json:"accounts,omitempty"`
}

// ─── Phase Actions ───

type AdvancePhaseRequest struct {
	PhaseID      int64  `json:"phase_id" validate:"required_without=AccountID"`
	AccountID    int64  `json:"account_id" validate:"required_without=PhaseID"`
	Phase        string `json:"phase" validate:"required_with=AccountID"`
	SessionID    string `json:"session_id,omitempty"`
	Outcome      string `json:"outcome" validate:"required"`
	ErrorMessage string `json:"error_message,omitempty"`
	DurationMs   *int64 `json:"duration_ms,omitempty" validate:"omitempty,gte=0"`
	Actor        string `json:"actor,omitempty"`
}

type AdvancePhaseResponse struct {
	Success         bool       `json:"success"`
	Error           string     `json:"error,omitempty"`
	Phase           *db.Phase  `json:"phase,omitempty"`
	NextAvailableAt *time.Time `json:"next_available_at,omitempty"`
	Activated       bool       `json:"activated,omitempty"`
}

type RequeuePhaseRequest struct {
	PhaseID int64  `json:"phase_id" validate:"required"`
	Actor   string `json:"actor,omitempty"`
}

type PhaseResponse struct {
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
	Phase   *db.Phase `json:"phase,omitempty"`
}

type WarmupStatusRequest struct {
	AccountID int64 `json:"account_id" validate:"required"`
}

type WarmupStatusResponse struct {
	Success bool             `json:"success"`
	Error   string           `json:"error,omitempty"`
	Status  *engine.Progress `json:"status,omitempty"`
}

// ─── Lifecycle ───

type TransitionRequest struct {
	AccountID int64  `json:"account_id" validate:"required"`
	ToState   string `json:"to_state" validate:"required"`
	Reason    string `json:"reason,omitempty"`
	Actor     string `json:"actor,omitempty"`
	Notes     string `json:"notes,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

type TransitionResponse struct {
	Success    bool                `json:"success"`
	Error      string              `json:"error,omitempty"`
	Transition *db.StateTransition `json:"transition,omitempty"`
}

type AssignContainerRequest struct {
	AccountID       int64 `json:"account_id" validate:"required"`
	ContainerNumber int   `json:"container_number" validate:"gte=0"`
}

type AssignProxyRequest struct {
	AccountID int64  `json:"account_id" validate:"required"`
	ProxyID   string `json:"proxy_id" validate:"required"`
}

type PauseAccountRequest struct {
	AccountID int64 `json:"account_id" validate:"required"`
	// Until nil resumes the account
	Until *time.Time `json:"until,omitempty"`
}

type ActionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ─── Event Stream ───

type EventStreamRequest struct {
	// AccountID zero streams every account
	AccountID int64 `json:"account_id"`
}

type ServerEvent struct {
	EventType string `json:"event_type"`
	AccountID int64  `json:"account_id"`
	PhaseID   int64  `json:"phase_id,omitempty"`
	Phase     string `json:"phase,omitempty"`
	DataJSON  string `json:"data_json"`
	Timestamp int64  `json:"timestamp"`
}
