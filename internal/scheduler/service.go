package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"wellflow/internal/domain"
	"wellflow/internal/registry"
)

var (
	ErrInvalidExpression = errors.New("invalid cron expression")
	ErrAlreadyRunning    = errors.New("scheduler already running")
)

// Enqueuer receives due work. *worker.Pool satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, params domain.Params) (string, error)
}

// TaskChecker tells whether a task name can be resolved.
type TaskChecker interface {
	Has(name string) bool
}

// Observer is told about every successful firing.
type Observer interface {
	ScheduleFired(name string)
}

type Config struct {
	Timezone     string // IANA name; empty means UTC
	PollInterval time.Duration
}

type entry struct {
	domain.ScheduledEntry
	sched cron.Schedule
}

type Service struct {
	tasks    TaskChecker
	pool     Enqueuer
	loc      *time.Location
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time
	obs      Observer

	mu      sync.Mutex
	entries []*entry

	// tickMu keeps passes from overlapping when Tick is also called directly.
	tickMu sync.Mutex

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithObserver(o Observer) Option {
	return func(s *Service) { s.obs = o }
}

func NewService(tasks TaskChecker, pool Enqueuer, cfg Config, log zerolog.Logger, opts ...Option) (*Service, error) {
	loc, err := LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	s := &Service{
		tasks:    tasks,
		pool:     pool,
		loc:      loc,
		interval: cfg.PollInterval,
		log:      log.With().Str("comp", "scheduler").Logger(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Service) Location() *time.Location { return s.loc }

// Schedule registers a recurring run of name. The task must already be registered
// and expr must be a valid five-field cron expression.
func (s *Service) Schedule(name, expr string, params domain.Params) (string, error) {
	if !s.tasks.Has(name) {
		return "", fmt.Errorf("%w %q", registry.ErrUnknownTask, name)
	}
	sched, err := parse(expr)
	if err != nil {
		return "", err
	}
	now := s.now().In(s.loc)
	next := sched.Next(now)
	if next.IsZero() {
		return "", fmt.Errorf("%w %q: never matches a calendar date", ErrInvalidExpression, expr)
	}
	e := &entry{
		ScheduledEntry: domain.ScheduledEntry{
			ID:         "sch_" + uuid.NewString(),
			TaskName:   name,
			Expression: expr,
			Params:     maps.Clone(params),
			NextRunAt:  next,
			CreatedAt:  now,
		},
		sched: sched,
	}

	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()

	s.log.Info().
		Str("schedule_id", e.ID).
		Str("task", name).
		Str("cron_expr", expr).
		Time("next_run", e.NextRunAt).
		Msg("task scheduled")
	return e.ID, nil
}

func (s *Service) Unschedule(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			s.log.Info().Str("schedule_id", id).Str("task", e.TaskName).Msg("task unscheduled")
			return true
		}
	}
	return false
}

// List returns copies of all entries in scheduling order.
func (s *Service) List() []domain.ScheduledEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ScheduledEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	return out
}

func (s *Service) Get(id string) (domain.ScheduledEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			return e.Clone(), true
		}
	}
	return domain.ScheduledEntry{}, false
}

// Tick runs one polling pass at now and returns how many items it enqueued.
// An entry whose enqueue fails keeps its next run time and is retried next pass.
func (s *Service) Tick(ctx context.Context, now time.Time) (fired int) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("schedule pass panicked")
		}
	}()

	now = now.In(s.loc)
	for _, due := range s.dueEntries(now) {
		if ctx.Err() != nil {
			return fired
		}
		taskID, err := s.pool.Enqueue(ctx, due.TaskName, due.Params)
		if err != nil {
			s.log.Error().Err(err).Str("schedule_id", due.ID).Str("task", due.TaskName).Msg("failed to enqueue scheduled task")
			continue
		}
		fired++
		next, ok := s.advance(due.ID, now)
		if s.obs != nil {
			s.obs.ScheduleFired(due.TaskName)
		}
		ev := s.log.Info().
			Str("schedule_id", due.ID).
			Str("task", due.TaskName).
			Str("task_id", taskID)
		if ok {
			ev = ev.Time("next_run", next)
		}
		ev.Msg("scheduled task enqueued")
	}
	return fired
}

func (s *Service) dueEntries(now time.Time) []domain.ScheduledEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.ScheduledEntry
	for _, e := range s.entries {
		if !e.NextRunAt.After(now) {
			due = append(due, e.Clone())
		}
	}
	return due
}

// advance stamps the firing on the entry if it is still scheduled. An entry with
// no further matching date is removed so it cannot stay due forever.
func (s *Service) advance(id string, now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.ID != id {
			continue
		}
		next := e.sched.Next(now)
		if next.IsZero() {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			s.log.Warn().Str("schedule_id", id).Str("task", e.TaskName).Str("cron_expr", e.Expression).Msg("schedule has no further run time, removed")
			return time.Time{}, false
		}
		last := now
		e.LastRunAt = &last
		e.NextRunAt = next
		return next, true
	}
	return time.Time{}, false
}

// Start launches the polling loop. It runs until Stop or until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)

	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	s.log.Info().Dur("interval", s.interval).Str("tz", s.loc.String()).Int("schedules", n).Msg("schedule service started")
	return nil
}

// Stop ends the polling loop and waits for it, so nothing is enqueued once it returns.
func (s *Service) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.log.Info().Msg("schedule service stopped")
}

func (s *Service) Running() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.cancel != nil
}

func (s *Service) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

func parse(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidExpression, expr, err)
	}
	return sched, nil
}

// ValidateCronExpression validates a cron expression, including that it matches
// at least one upcoming calendar date.
func ValidateCronExpression(expr string) error {
	_, err := NextRunTime(expr, time.Now(), time.UTC)
	return err
}

// NextRunTime calculates the next run time for a cron expression in loc.
// The result is always strictly after from.
func NextRunTime(expr string, from time.Time, loc *time.Location) (time.Time, error) {
	sched, err := parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	next := sched.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w %q: never matches a calendar date", ErrInvalidExpression, expr)
	}
	return next, nil
}

// LoadLocation resolves an IANA timezone name. Empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}
