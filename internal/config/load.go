package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"wellflow/internal/scheduler"
)

const envPrefix = "WELLFLOW"

func setDefaults(v *viper.Viper) {
	v.SetDefault("workers", 4)
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("queue.full_policy", "block")
	v.SetDefault("queue.dequeue_timeout", time.Second)
	v.SetDefault("task.timeout", 5*time.Minute)
	v.SetDefault("task.max_retries", 3)
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.poll_interval", time.Second)
	v.SetDefault("results.retention", 24*time.Hour)
	v.SetDefault("results.sweep_interval", 10*time.Minute)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.enable_debug", false)
	v.SetDefault("db.path", "wellflow.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.rate_per_sec", 5.0)
	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("notify.max_attempts", 5)
}

// Load reads configuration. path may be empty, in which case only defaults and
// the environment are used.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and reports every violation at once.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		return scheduler.ValidateCronExpression(fl.Field().String()) == nil
	}); err != nil {
		return fmt.Errorf("register cron validator: %w", err)
	}
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
