// Package actuator drives the physical device that executes warmup phases.
package actuator

import (
	"context"

	"github.com/sunshow/warmupd/internal/db"
	"github.com/sunshow/warmupd/internal/warmup"
)

// Request represents one phase execution on the device
type Request struct {
	AccountID       int64            `json:"account_id"`
	Username        string           `json:"username"`
	ContainerNumber *int             `json:"container_number,omitempty"`
	ProxyID         *string          `json:"proxy_id,omitempty"`
	PhaseID         int64            `json:"phase_id"`
	Phase           warmup.PhaseType `json:"phase"`
	SessionID       string           `json:"session_id"`
	Media           *db.ContentRef   `json:"media,omitempty"`
	Text            string           `json:"text,omitempty"`
	// SkipOnboarding asks the device to dismiss first-launch onboarding screens
	// before the phase; set until the account's first automated run succeeds
	SkipOnboarding bool `json:"skip_onboarding"`
}

// Result is what the device reports back
type Result struct {
	Success      bool   `json:"success"`
	DurationMs   int64  `json:"duration_ms"`
	ErrorMessage string `json:"error,omitempty"`
}

// Actuator is the interface all device drivers must implement.
// A returned error means the call itself failed; a scripted failure
// on the device comes back as a Result with Success false.
type Actuator interface {
	Name() string
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Registry manages available actuators
type Registry struct {
	actuators map[string]Actuator         // name → actuator
	phases    map[warmup.PhaseType]string // phase → actuator name
	fallback  string
}

// NewRegistry creates a new actuator registry
func NewRegistry() *Registry {
	return &Registry{
		actuators: make(map[string]Actuator),
		phases:    make(map[warmup.PhaseType]string),
	}
}

// Register adds an actuator. The first one registered becomes the default.
func (r *Registry) Register(a Actuator) {
	r.actuators[a.Name()] = a
	if r.fallback == "" {
		r.fallback = a.Name()
	}
}

// SetDefault selects the actuator used for phases without a mapping
func (r *Registry) SetDefault(name string) {
	r.fallback = name
}

// MapPhase routes a phase type to a named actuator
func (r *Registry) MapPhase(phase warmup.PhaseType, name string) {
	r.phases[phase] = name
}

// Get returns the actuator for a phase type
func (r *Registry) Get(phase warmup.PhaseType) (Actuator, error) {
	name, ok := r.phases[phase]
	if !ok {
		name = r.fallback
	}
	a, ok := r.actuators[name]
	if !ok {
		return nil, &NoActuatorError{Phase: phase}
	}
	return a, nil
}

// NoActuatorError is returned when no actuator serves a phase
type NoActuatorError struct {
	Phase warmup.PhaseType
}

func (e *NoActuatorError) Error() string {
	return "no actuator found for phase: " + string(e.Phase)
}
