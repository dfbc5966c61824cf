package worker

import "time"

type QueueFullPolicy string

const (
	// PolicyBlock makes Enqueue wait for space.
	PolicyBlock QueueFullPolicy = "block"
	// PolicyReject makes Enqueue fail fast with ErrQueueFull.
	PolicyReject QueueFullPolicy = "reject"
)

type Config struct {
	Workers    int
	QueueSize  int
	FullPolicy QueueFullPolicy

	// DequeueTimeout bounds how long a worker waits for an item before it
	// re-checks for shutdown.
	DequeueTimeout time.Duration

	// TaskTimeout is the deadline on the context handed to each task. 0 disables it.
	TaskTimeout time.Duration

	MaxRetries int
}

func DefaultConfig() Config {
	return Config{
		Workers:        4,
		QueueSize:      256,
		FullPolicy:     PolicyBlock,
		DequeueTimeout: time.Second,
		TaskTimeout:    5 * time.Minute,
		MaxRetries:     3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.FullPolicy != PolicyBlock && c.FullPolicy != PolicyReject {
		c.FullPolicy = def.FullPolicy
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = def.DequeueTimeout
	}
	if c.TaskTimeout < 0 {
		c.TaskTimeout = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}
