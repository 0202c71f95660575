// Package config loads warmupd settings from defaults, an optional YAML file,
// .env and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/sunshow/warmupd/internal/actuator"
	"github.com/sunshow/warmupd/internal/cooldown"
	"github.com/sunshow/warmupd/internal/db"
	"github.com/sunshow/warmupd/internal/engine"
	"github.com/sunshow/warmupd/internal/event"
	"github.com/sunshow/warmupd/internal/report"
)

// EnvPrefix prefixes every environment override, e.g. WARMUPD_SCHEDULER_CAPACITY
const EnvPrefix = "WARMUPD"

// Config represents the complete warmupd configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Cooldown  CooldownConfig  `mapstructure:"cooldown"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Actuator  ActuatorConfig  `mapstructure:"actuator"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
	Log       LogConfig       `mapstructure:"log"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	URL          string `mapstructure:"url" validate:"required"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0"`
}

type SchedulerConfig struct {
	BotID           string        `mapstructure:"bot_id"`
	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	StuckTimeout    time.Duration `mapstructure:"stuck_timeout" validate:"gt=0"`
	ActuatorTimeout time.Duration `mapstructure:"actuator_timeout" validate:"gt=0"`
	Capacity        int           `mapstructure:"capacity" validate:"gte=1"`
	// MaxRetries 0 retries forever
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`
	ReadyLimit int `mapstructure:"ready_limit" validate:"gte=1"`
}

// CooldownConfig is the fallback window for accounts without a group
type CooldownConfig struct {
	DefaultMinHours int `mapstructure:"default_min_hours" validate:"gte=0"`
	DefaultMaxHours int `mapstructure:"default_max_hours" validate:"gte=0"`
}

type GRPCConfig struct {
	Port int `mapstructure:"port" validate:"gt=0,lte=65535"`
	// Addr is the server the operator commands dial
	Addr string `mapstructure:"addr"`
}

type ActuatorConfig struct {
	Kind    string        `mapstructure:"kind" validate:"oneof=mock http command"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Command CommandConfig `mapstructure:"command"`
	Mock    MockConfig    `mapstructure:"mock"`
}

type HTTPConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
	Token   string `mapstructure:"token"`
}

type CommandConfig struct {
	Path string   `mapstructure:"path"`
	Args []string `mapstructure:"args"`
}

type MockConfig struct {
	Delay time.Duration `mapstructure:"delay" validate:"gte=0"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Channel  string `mapstructure:"channel" validate:"required_if=Enabled true"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

// SetDefaults registers every key with its default value
func SetDefaults(v *viper.Viper) {
	sched := engine.DefaultOptions()

	// Database
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)

	// Scheduler
	v.SetDefault("scheduler.bot_id", "")
	v.SetDefault("scheduler.poll_interval", sched.PollInterval)
	v.SetDefault("scheduler.stuck_timeout", sched.StuckTimeout)
	v.SetDefault("scheduler.actuator_timeout", sched.ActuatorTimeout)
	v.SetDefault("scheduler.capacity", sched.Capacity)
	v.SetDefault("scheduler.max_retries", sched.MaxRetries)
	v.SetDefault("scheduler.ready_limit", sched.ReadyLimit)

	// Cooldown
	v.SetDefault("cooldown.default_min_hours", cooldown.DefaultMinHours)
	v.SetDefault("cooldown.default_max_hours", cooldown.DefaultMaxHours)

	// gRPC
	v.SetDefault("grpc.port", 50051)
	v.SetDefault("grpc.addr", "localhost:50051")

	// Actuator
	v.SetDefault("actuator.kind", "mock")
	v.SetDefault("actuator.http.base_url", "")
	v.SetDefault("actuator.http.token", "")
	v.SetDefault("actuator.command.path", "")
	v.SetDefault("actuator.command.args", []string{})
	v.SetDefault("actuator.mock.delay", time.Duration(0))

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "warmupd:events")

	// Sentry
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "development")

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Init prepares v: defaults, environment binding and the optional config file.
// A missing default config file is not an error; a missing explicit one is.
func Init(v *viper.Viper, cfgFile string) error {
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("warmupd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/warmupd")
	}

	// e.g. WARMUPD_SCHEDULER_POLL_INTERVAL for scheduler.poll_interval
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Legacy names used by existing deployments
	if err := v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	if err := v.BindEnv("grpc.port", EnvPrefix+"_GRPC_PORT", "GRPC_PORT"); err != nil {
		return err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the configuration from v into a Config struct and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the relations between fields
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Cooldown.DefaultMinHours > c.Cooldown.DefaultMaxHours {
		return fmt.Errorf("invalid config: cooldown.default_min_hours (%d) exceeds cooldown.default_max_hours (%d)",
			c.Cooldown.DefaultMinHours, c.Cooldown.DefaultMaxHours)
	}
	if c.Scheduler.ActuatorTimeout >= c.Scheduler.StuckTimeout {
		return fmt.Errorf("invalid config: scheduler.actuator_timeout (%s) must be below scheduler.stuck_timeout (%s)",
			c.Scheduler.ActuatorTimeout, c.Scheduler.StuckTimeout)
	}
	switch c.Actuator.Kind {
	case "http":
		if c.Actuator.HTTP.BaseURL == "" {
			return fmt.Errorf("invalid config: actuator.http.base_url is required for the http actuator")
		}
	case "command":
		if c.Actuator.Command.Path == "" {
			return fmt.Errorf("invalid config: actuator.command.path is required for the command actuator")
		}
	}
	return nil
}

// ─── Component Options ───

func (c *Config) DBOptions() db.Options {
	return db.Options{
		Driver:       c.Database.Driver,
		URL:          c.Database.URL,
		MaxOpenConns: c.Database.MaxOpenConns,
	}
}

func (c *Config) SchedulerOptions() engine.Options {
	return engine.Options{
		BotID:           c.Scheduler.BotID,
		PollInterval:    c.Scheduler.PollInterval,
		StuckTimeout:    c.Scheduler.StuckTimeout,
		ActuatorTimeout: c.Scheduler.ActuatorTimeout,
		Capacity:        c.Scheduler.Capacity,
		MaxRetries:      c.Scheduler.MaxRetries,
		ReadyLimit:      c.Scheduler.ReadyLimit,
	}
}

func (c *Config) ActuatorOptions() actuator.Options {
	return actuator.Options{
		Kind: c.Actuator.Kind,
		HTTP: actuator.HTTPOptions{
			BaseURL: c.Actuator.HTTP.BaseURL,
			Token:   c.Actuator.HTTP.Token,
		},
		CommandPath: c.Actuator.Command.Path,
		CommandArgs: c.Actuator.Command.Args,
		MockDelay:   c.Actuator.Mock.Delay,
	}
}

func (c *Config) RedisOptions() event.RedisOptions {
	return event.RedisOptions{
		Address:  c.Redis.Address,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		Channel:  c.Redis.Channel,
	}
}

func (c *Config) ReportOptions(release string) report.Options {
	return report.Options{
		DSN:         c.Sentry.DSN,
		Environment: c.Sentry.Environment,
		Release:     release,
	}
}
