package domain

import (
	"maps"
	"time"
)

// Params are the named arguments handed to a task. Opaque to the scheduler and pool.
type Params map[string]any

// Result is the statistics mapping a task returns on success.
type Result map[string]any

type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusRetried   TaskStatus = "retried"
)

var AllStatuses = []TaskStatus{
	StatusQueued,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusRetried,
}

func (s TaskStatus) String() string { return string(s) }

// Terminal reports whether no worker will touch a result in this status again.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRetried
}

type Transition struct {
	From TaskStatus
	To   TaskStatus
}

var ValidTransitions = []Transition{
	{From: StatusQueued, To: StatusRunning},
	{From: StatusRunning, To: StatusCompleted},
	{From: StatusRunning, To: StatusFailed},
	{From: StatusFailed, To: StatusRetried},
}

func CanTransition(from, to TaskStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// WorkItem is what travels through the pool's queue.
type WorkItem struct {
	TaskID   string
	TaskName string
	Params   Params
	Status   TaskStatus
}

type TaskResult struct {
	TaskID      string     `json:"task_id"`
	TaskName    string     `json:"task_name"`
	Params      Params     `json:"parameters"`
	Status      TaskStatus `json:"status"`
	Result      Result     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`
	RetryCount  int        `json:"retry_count"`
	RetryOf     string     `json:"retry_of,omitempty"`
}

// Clone returns a copy that shares no maps or pointers with r.
func (r TaskResult) Clone() TaskResult {
	c := r
	c.Params = maps.Clone(r.Params)
	c.Result = maps.Clone(r.Result)
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

type ScheduledEntry struct {
	ID         string     `json:"id"`
	TaskName   string     `json:"task_name"`
	Expression string     `json:"schedule_expression"`
	Params     Params     `json:"parameters"`
	NextRunAt  time.Time  `json:"next_run_at"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (e ScheduledEntry) Clone() ScheduledEntry {
	c := e
	c.Params = maps.Clone(e.Params)
	if e.LastRunAt != nil {
		t := *e.LastRunAt
		c.LastRunAt = &t
	}
	return c
}
