// Package cooldown paces the warmup sequence: it draws the randomized delay
// between a completed phase and the moment its successor becomes eligible.
package cooldown

import (
	"math/rand/v2"
	"time"

	"github.com/sunshow/warmupd/internal/db"
)

// Default window used when an account's group has no configuration
const (
	DefaultMinHours = 15
	DefaultMaxHours = 24
)

// Window is an inclusive range of cooldown durations
type Window struct {
	Min time.Duration
	Max time.Duration
}

// Contains reports whether d lies inside the window
func (w Window) Contains(d time.Duration) bool {
	return d >= w.Min && d <= w.Max
}

// Calculator draws cooldowns uniformly from a group's window
type Calculator struct {
	defaults Window
	// int64n returns a uniform value in [0, n); replaced in tests
	int64n func(n int64) int64
}

// New creates a calculator falling back to [minHours, maxHours] for unconfigured groups
func New(minHours, maxHours int) *Calculator {
	return &Calculator{
		defaults: hours(minHours, maxHours),
		int64n:   rand.Int64N,
	}
}

func hours(minHours, maxHours int) Window {
	if maxHours < minHours {
		minHours, maxHours = maxHours, minHours
	}
	return Window{Min: time.Duration(minHours) * time.Hour, Max: time.Duration(maxHours) * time.Hour}
}

// Window returns the cooldown range that applies to cfg
func (c *Calculator) Window(cfg *db.GroupConfig) Window {
	if cfg == nil {
		return c.defaults
	}
	return hours(cfg.MinCooldownHours, cfg.MaxCooldownHours)
}

// Draw returns a cooldown duration uniformly distributed over the window of cfg
func (c *Calculator) Draw(cfg *db.GroupConfig) time.Duration {
	w := c.Window(cfg)
	span := int64(w.Max - w.Min)
	return w.Min + time.Duration(c.int64n(span+1))
}

// NextAvailable returns completedAt plus a freshly drawn cooldown
func (c *Calculator) NextAvailable(cfg *db.GroupConfig, completedAt time.Time) time.Time {
	return completedAt.Add(c.Draw(cfg))
}
