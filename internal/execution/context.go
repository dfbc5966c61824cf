// Package execution wraps a single task invocation with timing and logging.
package execution

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wellflow/internal/domain"
)

type Metrics struct {
	TaskID    string
	TaskName  string
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
	Err       error
}

// Context is acquired with Begin and released with End. End must run on every exit path.
type Context struct {
	log zerolog.Logger
	now func() time.Time

	mu      sync.Mutex
	metrics Metrics
	ended   bool
}

type Option func(*Context)

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Context) { c.now = now }
}

func Begin(log zerolog.Logger, taskID, taskName string, opts ...Option) *Context {
	c := &Context{log: log, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	c.metrics = Metrics{TaskID: taskID, TaskName: taskName, StartedAt: c.now()}
	c.log.Debug().Str("task_id", taskID).Str("task", taskName).Msg("task started")
	return c
}

// End stamps the end time and logs the outcome. Calls after the first are no-ops
// that return the recorded metrics.
func (c *Context) End(err error) Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return c.metrics
	}
	c.ended = true
	c.metrics.EndedAt = c.now()
	c.metrics.Duration = c.metrics.EndedAt.Sub(c.metrics.StartedAt)
	c.metrics.Err = err

	if err != nil {
		c.log.Warn().
			Err(err).
			Str("task_id", c.metrics.TaskID).
			Str("task", c.metrics.TaskName).
			Dur("duration", c.metrics.Duration).
			Msg("task failed")
	} else {
		c.log.Info().
			Str("task_id", c.metrics.TaskID).
			Str("task", c.metrics.TaskName).
			Dur("duration", c.metrics.Duration).
			Msg("task completed")
	}
	return c.metrics
}

// Metrics returns what has been recorded so far. Duration is zero until End.
func (c *Context) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Run executes fn between Begin and End. A panic in fn is converted into the
// returned error; any error from fn is returned unchanged.
func Run(ctx context.Context, log zerolog.Logger, taskID, taskName string, fn func(context.Context, domain.Params) (domain.Result, error), params domain.Params, opts ...Option) (res domain.Result, m Metrics, err error) {
	ec := Begin(log, taskID, taskName, opts...)
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("task_id", taskID).
				Str("task", taskName).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("task panicked")
			res = nil
			err = fmt.Errorf("panic: %v", r)
		}
		m = ec.End(err)
	}()
	res, err = fn(ctx, params)
	return res, m, err
}
