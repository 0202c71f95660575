package actuator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sunshow/warmupd/internal/warmup"
)

// Mock simulates a device. Phases listed in Fail report a scripted failure.
type Mock struct {
	Delay time.Duration
	Fail  map[warmup.PhaseType]string

	mu       sync.Mutex
	requests []Request
}

// NewMock creates a mock that answers after delay
func NewMock(delay time.Duration) *Mock {
	return &Mock{
		Delay: delay,
		Fail:  make(map[warmup.PhaseType]string),
	}
}

func (m *Mock) Name() string {
	return "mock"
}

func (m *Mock) Execute(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	m.mu.Lock()
	m.requests = append(m.requests, *req)
	msg, fail := m.Fail[req.Phase]
	m.mu.Unlock()

	// Simulate device time
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	duration := time.Since(start).Milliseconds()
	if fail {
		if msg == "" {
			msg = fmt.Sprintf("[Mock] %s failed", req.Phase)
		}
		return &Result{Success: false, DurationMs: duration, ErrorMessage: msg}, nil
	}
	return &Result{Success: true, DurationMs: duration}, nil
}

// Requests returns a copy of every request seen so far
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}
