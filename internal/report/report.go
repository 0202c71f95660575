// Package report sends operational errors to Sentry.
package report

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Reporter captures errors that need operator attention
type Reporter interface {
	// Capture records err with tags and extra context
	Capture(err error, tags map[string]string, extra map[string]any)
	// Flush waits for buffered reports to be sent
	Flush(timeout time.Duration) bool
}

// Options configures Sentry
type Options struct {
	DSN         string
	Environment string
	Release     string
}

// New returns a Sentry reporter, or a no-op reporter when no DSN is configured
func New(opts Options, logger *zap.SugaredLogger) (Reporter, error) {
	if opts.DSN == "" {
		logger.Infow("Sentry disabled, no DSN configured")
		return Nop{}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         opts.DSN,
		Environment: opts.Environment,
		Release:     opts.Release,
	}); err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	logger.Infow("Sentry enabled", "environment", opts.Environment)
	return &sentryReporter{hub: sentry.CurrentHub()}, nil
}

type sentryReporter struct {
	hub *sentry.Hub
}

func (r *sentryReporter) Capture(err error, tags map[string]string, extra map[string]any) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		for k, v := range extra {
			scope.SetExtra(k, v)
		}
		r.hub.CaptureException(err)
	})
}

func (r *sentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

// Nop discards reports
type Nop struct{}

func (Nop) Capture(error, map[string]string, map[string]any) {}

func (Nop) Flush(time.Duration) bool { return true }
