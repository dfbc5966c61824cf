// Package config loads wellflow settings from defaults, an optional YAML file,
// and WELLFLOW_* environment variables, in increasing order of precedence.
package config

import (
	"time"

	"wellflow/internal/worker"
)

type Config struct {
	Workers   int             `mapstructure:"workers" validate:"gte=1,lte=1024"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Task      TaskConfig      `mapstructure:"task"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Results   ResultsConfig   `mapstructure:"results"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	DB        DBConfig        `mapstructure:"db"`
	Log       LogConfig       `mapstructure:"log"`
	Notify    NotifyConfig    `mapstructure:"notify"`

	// Schedules replaces the built-in default schedule table when set.
	Schedules []ScheduleConfig `mapstructure:"schedules" validate:"dive"`
}

type QueueConfig struct {
	Capacity       int           `mapstructure:"capacity" validate:"gte=1"`
	FullPolicy     string        `mapstructure:"full_policy" validate:"oneof=block reject"`
	DequeueTimeout time.Duration `mapstructure:"dequeue_timeout" validate:"gt=0"`
}

type TaskConfig struct {
	Timeout    time.Duration `mapstructure:"timeout" validate:"gte=0"`
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0"`
}

type SchedulerConfig struct {
	Timezone     string        `mapstructure:"timezone" validate:"timezone"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

type ResultsConfig struct {
	Retention     time.Duration `mapstructure:"retention" validate:"gte=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

type HTTPConfig struct {
	Addr        string `mapstructure:"addr" validate:"required"`
	EnableDebug bool   `mapstructure:"enable_debug"`
}

type DBConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

type NotifyConfig struct {
	WebhookURL  string        `mapstructure:"webhook_url" validate:"omitempty,url"`
	RatePerSec  float64       `mapstructure:"rate_per_sec" validate:"gt=0"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1,lte=100"` // failed deliveries before a notification is skipped
}

type ScheduleConfig struct {
	Task   string         `mapstructure:"task" yaml:"task" validate:"required"`
	Cron   string         `mapstructure:"cron" yaml:"cron" validate:"required,cron"`
	Params map[string]any `mapstructure:"params" yaml:"params,omitempty"`
}

// DefaultSchedules is installed when the configuration has no schedules of its own.
var DefaultSchedules = []ScheduleConfig{
	{Task: "analyze_emotions", Cron: "0 2 * * *"},
	{Task: "calculate_streaks", Cron: "0 0 * * *"},
	{Task: "send_notifications", Cron: "0 * * * *"},
	{Task: "refresh_recommendations", Cron: "0 3 * * 1"},
	{Task: "cleanup_storage", Cron: "30 4 * * *", Params: map[string]any{"days": 30}},
}

// EffectiveSchedules returns the configured table or the defaults.
func (c Config) EffectiveSchedules() []ScheduleConfig {
	if len(c.Schedules) > 0 {
		return c.Schedules
	}
	return DefaultSchedules
}

// WorkerConfig maps the settings onto the worker pool.
func (c Config) WorkerConfig() worker.Config {
	return worker.Config{
		Workers:        c.Workers,
		QueueSize:      c.Queue.Capacity,
		FullPolicy:     worker.QueueFullPolicy(c.Queue.FullPolicy),
		DequeueTimeout: c.Queue.DequeueTimeout,
		TaskTimeout:    c.Task.Timeout,
		MaxRetries:     c.Task.MaxRetries,
	}
}
