package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wellflow/internal/scheduler"
	"wellflow/internal/worker"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wellflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 256, cfg.Queue.Capacity)
	assert.Equal(t, "block", cfg.Queue.FullPolicy)
	assert.Equal(t, time.Second, cfg.Queue.DequeueTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Task.Timeout)
	assert.Equal(t, 3, cfg.Task.MaxRetries)
	assert.Equal(t, "UTC", cfg.Scheduler.Timezone)
	assert.Equal(t, 24*time.Hour, cfg.Results.Retention)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 5, cfg.Notify.MaxAttempts)
	assert.Equal(t, DefaultSchedules, cfg.EffectiveSchedules())
	for _, sc := range DefaultSchedules {
		assert.NoError(t, scheduler.ValidateCronExpression(sc.Cron), sc.Task)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
workers: 2
queue:
  capacity: 10
  full_policy: reject
task:
  timeout: 30s
  max_retries: 1
scheduler:
  timezone: Europe/Berlin
  poll_interval: 500ms
results:
  retention: 2h
schedules:
  - task: analyze_emotions
    cron: "*/10 * * * *"
    params:
      window_hours: 6
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 10, cfg.Queue.Capacity)
	assert.Equal(t, 30*time.Second, cfg.Task.Timeout)
	assert.Equal(t, "Europe/Berlin", cfg.Scheduler.Timezone)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.PollInterval)
	assert.Equal(t, 2*time.Hour, cfg.Results.Retention)

	scheds := cfg.EffectiveSchedules()
	require.Len(t, scheds, 1)
	assert.Equal(t, "analyze_emotions", scheds[0].Task)
	assert.Equal(t, "*/10 * * * *", scheds[0].Cron)
	assert.EqualValues(t, 6, scheds[0].Params["window_hours"])

	wc := cfg.WorkerConfig()
	assert.Equal(t, worker.Config{
		Workers:        2,
		QueueSize:      10,
		FullPolicy:     worker.PolicyReject,
		DequeueTimeout: time.Second,
		TaskTimeout:    30 * time.Second,
		MaxRetries:     1,
	}, wc)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "workers: 2\n")
	t.Setenv("WELLFLOW_WORKERS", "7")
	t.Setenv("WELLFLOW_QUEUE_CAPACITY", "99")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Workers)
	assert.Equal(t, 99, cfg.Queue.Capacity)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"zero workers":    "workers: 0\n",
		"bad policy":      "queue:\n  full_policy: drop\n",
		"bad timezone":    "scheduler:\n  timezone: Nowhere/Land\n",
		"bad log level":   "log:\n  level: loud\n",
		"schedule empty":  "schedules:\n  - task: analyze_emotions\n",
		"bad webhook":     "notify:\n  webhook_url: not a url\n",
		"malformed cron":  "schedules:\n  - task: analyze_emotions\n    cron: \"61 * * * *\"\n",
		"impossible cron": "schedules:\n  - task: analyze_emotions\n    cron: \"0 0 30 2 *\"\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
