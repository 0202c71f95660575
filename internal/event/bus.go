package event

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types
const (
	PhaseClaimed        = "phase.claimed"
	PhaseCompleted      = "phase.completed"
	PhaseSkipped        = "phase.skipped"
	PhaseFailed         = "phase.failed"
	PhaseReclaimed      = "phase.reclaimed"
	PhaseRequeued       = "phase.requeued"
	AccountTransitioned = "account.transitioned"
)

// Event represents an internal event
type Event struct {
	Type      string         `json:"type"`
	AccountID int64          `json:"account_id"`
	PhaseID   int64          `json:"phase_id,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Subscriber is a function that receives events
type Subscriber func(event *Event)

type subscription struct {
	id  uint64
	sub Subscriber
}

// Bus is an in-memory event bus for publishing events to subscribers
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscription // channel → subscribers
	nextID      uint64
	logger      *zap.SugaredLogger
}

// NewBus creates a new event bus
func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		subscribers: make(map[string][]subscription),
		logger:      logger,
	}
}

// AccountChannel is the channel carrying one account's events
func AccountChannel(accountID int64) string {
	return "account:" + strconv.FormatInt(accountID, 10)
}

// Subscribe registers a subscriber for a channel and returns a func that removes it.
// channel can be "*" for all events, or AccountChannel(id) for one account.
func (b *Bus) Subscribe(channel string, sub Subscriber) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[channel] = append(b.subscribers[channel], subscription{id: id, sub: sub})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[channel]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[channel] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subscribers[channel]) == 0 {
			delete(b.subscribers, channel)
		}
	}
}

// Unsubscribe removes all subscribers for a channel
func (b *Bus) Unsubscribe(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, channel)
}

// Publish sends an event to all matching subscribers.
// Subscribers run on the publisher's goroutine, outside the bus lock.
func (b *Bus) Publish(evt *Event) {
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	targets := append([]subscription(nil), b.subscribers["*"]...)
	if evt.AccountID != 0 {
		targets = append(targets, b.subscribers[AccountChannel(evt.AccountID)]...)
	}
	b.mu.RUnlock()

	b.logger.Debugw("Publishing event",
		"type", evt.Type,
		"account_id", evt.AccountID,
		"phase_id", evt.PhaseID,
	)

	for _, t := range targets {
		t.sub(evt)
	}
}
