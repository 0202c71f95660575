package actuator

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Options selects and configures the device driver
type Options struct {
	Kind        string
	HTTP        HTTPOptions
	CommandPath string
	CommandArgs []string
	MockDelay   time.Duration
}

// Factory builds one kind of actuator from options
type Factory func(opts Options, logger *zap.SugaredLogger) (Actuator, error)

var factories = map[string]Factory{
	"mock": func(opts Options, _ *zap.SugaredLogger) (Actuator, error) {
		return NewMock(opts.MockDelay), nil
	},
	"http": func(opts Options, logger *zap.SugaredLogger) (Actuator, error) {
		return NewHTTP(opts.HTTP, logger)
	},
	"command": func(opts Options, logger *zap.SugaredLogger) (Actuator, error) {
		return NewCommand(opts.CommandPath, opts.CommandArgs, logger)
	},
}

// Kinds lists the supported actuator kinds
func Kinds() []string {
	return []string{"mock", "http", "command"}
}

// Build creates a registry whose default actuator is the configured kind
func Build(opts Options, logger *zap.SugaredLogger) (*Registry, error) {
	f, ok := factories[opts.Kind]
	if !ok {
		return nil, fmt.Errorf("unsupported actuator kind: %s", opts.Kind)
	}
	a, err := f(opts, logger)
	if err != nil {
		return nil, fmt.Errorf("create %s actuator: %w", opts.Kind, err)
	}

	reg := NewRegistry()
	reg.Register(a)
	logger.Infow("Actuator configured", "kind", a.Name())
	return reg, nil
}
