// Package app wires the registry, worker pool, scheduler, and result store into one
// process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wellflow/internal/config"
	"wellflow/internal/domain"
	"wellflow/internal/jobs"
	"wellflow/internal/metrics"
	"wellflow/internal/registry"
	"wellflow/internal/results"
	"wellflow/internal/scheduler"
	"wellflow/internal/store"
	"wellflow/internal/worker"
)

var (
	ErrInitialized    = errors.New("app already initialized")
	ErrNotInitialized = errors.New("app not initialized")
)

type Deps struct {
	Repo      store.Repository
	Deliverer jobs.Deliverer // nil logs notifications instead of delivering them
	Log       zerolog.Logger
	Now       func() time.Time
}

type App struct {
	cfg config.Config
	log zerolog.Logger

	registry  *registry.Registry
	results   *results.Store
	pool      *worker.Pool
	scheduler *scheduler.Service
	metrics   *metrics.Collector
	jobs      *jobs.Jobs

	mu          sync.Mutex
	started     bool
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

func New(cfg config.Config, d Deps) (*App, error) {
	if d.Repo == nil {
		return nil, errors.New("app: repository is required")
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	reg := registry.New()
	res := results.NewStore(cfg.Results.Retention, d.Log)
	col := metrics.NewCollector()
	pool := worker.NewPool(reg, res, cfg.WorkerConfig(), d.Log,
		worker.WithObserver(col), worker.WithClock(d.Now))
	sched, err := scheduler.NewService(reg, pool, scheduler.Config{
		Timezone:     cfg.Scheduler.Timezone,
		PollInterval: cfg.Scheduler.PollInterval,
	}, d.Log, scheduler.WithObserver(col), scheduler.WithClock(d.Now))
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	return &App{
		cfg:       cfg,
		log:       d.Log.With().Str("comp", "app").Logger(),
		registry:  reg,
		results:   res,
		pool:      pool,
		scheduler: sched,
		metrics:   col,
		jobs: jobs.New(jobs.Deps{
			Repo:        d.Repo,
			Deliverer:   d.Deliverer,
			Log:         d.Log,
			Now:         d.Now,
			Location:    sched.Location(),
			MaxAttempts: cfg.Notify.MaxAttempts,
		}),
	}, nil
}

func (a *App) Registry() *registry.Registry  { return a.registry }
func (a *App) Results() *results.Store       { return a.results }
func (a *App) Pool() *worker.Pool            { return a.pool }
func (a *App) Scheduler() *scheduler.Service { return a.scheduler }
func (a *App) Metrics() *metrics.Collector   { return a.metrics }

// Initialize registers every job, starts the workers, installs the schedule table,
// then starts the scheduler and the result sweeper.
func (a *App) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return ErrInitialized
	}

	if err := a.jobs.Register(a.registry); err != nil {
		return err
	}
	if err := a.pool.Start(0); err != nil {
		return fmt.Errorf("start pool: %w", err)
	}
	for _, sc := range a.cfg.EffectiveSchedules() {
		id, err := a.scheduler.Schedule(sc.Task, sc.Cron, domain.Params(sc.Params))
		if err != nil {
			a.pool.Stop()
			a.clearSchedules()
			return fmt.Errorf("schedule %s: %w", sc.Task, err)
		}
		a.log.Debug().Str("schedule_id", id).Str("task", sc.Task).Str("cron", sc.Cron).Msg("schedule installed")
	}
	if err := a.scheduler.Start(context.WithoutCancel(ctx)); err != nil {
		a.pool.Stop()
		a.clearSchedules()
		return fmt.Errorf("start scheduler: %w", err)
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	a.sweepCancel = cancel
	a.sweepDone = make(chan struct{})
	go func(done chan<- struct{}) {
		defer close(done)
		a.results.Run(sweepCtx, a.cfg.Results.SweepInterval)
	}(a.sweepDone)

	a.started = true
	a.log.Info().
		Int("workers", a.pool.Config().Workers).
		Int("tasks", len(a.registry.List())).
		Int("schedules", len(a.scheduler.List())).
		Msg("initialized")
	return nil
}

func (a *App) clearSchedules() {
	for _, e := range a.scheduler.List() {
		a.scheduler.Unschedule(e.ID)
	}
}

// Shutdown stops the scheduler, then the pool, then the sweeper. Running tasks are
// waited for; if ctx ends first Shutdown returns ctx.Err() while the stop continues.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return ErrNotInitialized
	}
	a.started = false
	cancel, sweepDone := a.sweepCancel, a.sweepDone
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.scheduler.Stop()
		a.clearSchedules()
		a.pool.Stop()
		cancel()
		<-sweepDone
	}()

	select {
	case <-done:
		a.log.Info().Msg("shutdown complete")
		return nil
	case <-ctx.Done():
		a.log.Warn().Err(ctx.Err()).Msg("shutdown timed out waiting for running tasks")
		return ctx.Err()
	}
}
