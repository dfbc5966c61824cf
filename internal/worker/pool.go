package worker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"wellflow/internal/domain"
	"wellflow/internal/execution"
	"wellflow/internal/registry"
	"wellflow/internal/results"
)

var (
	ErrQueueFull      = errors.New("task queue is full")
	ErrAlreadyRunning = errors.New("worker pool already running")
)

// Lookup resolves task names at execution time.
type Lookup interface {
	Get(name string) (registry.Func, bool)
}

// Observer is notified about queue activity. Implementations must not block.
type Observer interface {
	TaskEnqueued(name string)
	TaskFinished(name string, status domain.TaskStatus, d time.Duration)
	TaskRetried(name string)
	QueueChanged(depth, busy int)
}

type Pool struct {
	tasks   Lookup
	results *results.Store
	cfg     Config
	log     zerolog.Logger
	obs     Observer
	now     func() time.Time

	queue chan domain.WorkItem

	// mu serializes Start and Stop; held for the whole of Stop.
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// retryMu guards retrying, the ids with a retry in flight.
	retryMu  sync.Mutex
	retrying map[string]struct{}

	running atomic.Int32
	busy    atomic.Int32

	fullWarn rate.Sometimes
}

type Option func(*Pool)

func WithObserver(o Observer) Option {
	return func(p *Pool) {
		if o != nil {
			p.obs = o
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

func NewPool(tasks Lookup, store *results.Store, cfg Config, log zerolog.Logger, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		tasks:    tasks,
		results:  store,
		cfg:      cfg,
		log:      log.With().Str("comp", "worker").Logger(),
		obs:      nopObserver{},
		now:      time.Now,
		queue:    make(chan domain.WorkItem, cfg.QueueSize),
		retrying: make(map[string]struct{}),
		fullWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pool) Config() Config { return p.cfg }

// Enqueue records a queued result and pushes the item. When the queue is full it
// either waits for space (PolicyBlock, bounded by ctx) or fails with ErrQueueFull.
// The task name is not checked here; unknown names fail at execution time.
func (p *Pool) Enqueue(ctx context.Context, name string, params domain.Params) (string, error) {
	return p.enqueue(ctx, name, params, p.cfg.FullPolicy == PolicyBlock, 0, "")
}

// TryEnqueue never blocks.
func (p *Pool) TryEnqueue(name string, params domain.Params) (string, error) {
	return p.enqueue(context.Background(), name, params, false, 0, "")
}

func (p *Pool) enqueue(ctx context.Context, name string, params domain.Params, block bool, retryCount int, retryOf string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	params = maps.Clone(params)
	if params == nil {
		params = domain.Params{}
	}
	id := "tsk_" + uuid.NewString()
	res := domain.TaskResult{
		TaskID:     id,
		TaskName:   name,
		Params:     params,
		Status:     domain.StatusQueued,
		CreatedAt:  p.now(),
		RetryCount: retryCount,
		RetryOf:    retryOf,
	}
	if err := p.results.Create(res); err != nil {
		return "", err
	}

	item := domain.WorkItem{TaskID: id, TaskName: name, Params: params, Status: domain.StatusQueued}
	if err := p.push(ctx, item, block); err != nil {
		p.results.Delete(id)
		return "", err
	}

	p.obs.TaskEnqueued(name)
	p.observeQueue()
	p.log.Debug().Str("task_id", id).Str("task", name).Int("queue_len", len(p.queue)).Msg("task enqueued")
	return id, nil
}

func (p *Pool) push(ctx context.Context, item domain.WorkItem, block bool) error {
	select {
	case p.queue <- item:
		return nil
	default:
	}
	if !block {
		p.fullWarn.Do(func() {
			p.log.Warn().Str("task", item.TaskName).Int("queue_cap", cap(p.queue)).Msg("task rejected: queue full")
		})
		return ErrQueueFull
	}
	select {
	case p.queue <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) GetStatus(id string) (domain.TaskResult, bool) {
	return p.results.Get(id)
}

// Retry re-enqueues a failed task under a new id and marks the original retried.
// It returns false for unknown ids, non-failed tasks, exhausted retries, a retry of
// the same id already in flight, or when the new attempt cannot be queued.
func (p *Pool) Retry(ctx context.Context, id string) (string, bool) {
	orig, ok := p.claimRetry(id)
	if !ok {
		return "", false
	}
	defer p.releaseRetry(id)

	newID, err := p.enqueue(ctx, orig.TaskName, orig.Params, p.cfg.FullPolicy == PolicyBlock, orig.RetryCount+1, id)
	if err != nil {
		p.log.Warn().Err(err).Str("task_id", id).Str("task", orig.TaskName).Msg("retry not queued")
		return "", false
	}

	err = p.results.Update(id, func(r *domain.TaskResult) error {
		r.Status = domain.StatusRetried
		r.RetryCount++
		return nil
	})
	if err != nil {
		// The original may have been swept meanwhile; the new attempt stands.
		p.log.Warn().Err(err).Str("task_id", id).Str("retry_id", newID).Msg("could not mark original retried")
	}

	p.obs.TaskRetried(orig.TaskName)
	p.log.Info().Str("task_id", id).Str("retry_id", newID).Str("task", orig.TaskName).Int("retry_count", orig.RetryCount+1).Msg("task retried")
	return newID, true
}

// claimRetry marks id as being retried. Only the claim is serialized, so a retry
// blocked on a full queue does not hold up retries of other tasks.
func (p *Pool) claimRetry(id string) (domain.TaskResult, bool) {
	p.retryMu.Lock()
	defer p.retryMu.Unlock()
	if _, busy := p.retrying[id]; busy {
		return domain.TaskResult{}, false
	}
	orig, ok := p.results.Get(id)
	if !ok || orig.Status != domain.StatusFailed || orig.RetryCount >= p.cfg.MaxRetries {
		return domain.TaskResult{}, false
	}
	p.retrying[id] = struct{}{}
	return orig, true
}

func (p *Pool) releaseRetry(id string) {
	p.retryMu.Lock()
	delete(p.retrying, id)
	p.retryMu.Unlock()
}

// Start launches n worker loops, or Config.Workers when n <= 0.
func (p *Pool) Start(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrAlreadyRunning
	}
	if n <= 0 {
		n = p.cfg.Workers
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.log.Info().Int("workers", n).Int("queue_cap", cap(p.queue)).Str("full_policy", string(p.cfg.FullPolicy)).Msg("worker pool started")
	return nil
}

// Stop signals every worker and waits for them to exit. A task that is already
// running is allowed to finish. Items still in the queue stay queued.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	start := time.Now()
	p.cancel()
	p.wg.Wait()
	p.cancel = nil
	p.log.Info().Dur("took", time.Since(start)).Int("queue_len", len(p.queue)).Msg("worker pool stopped")
}

func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

type Stats struct {
	QueueDepth    int                       `json:"queue_depth"`
	QueueCapacity int                       `json:"queue_capacity"`
	Workers       int                       `json:"workers"`
	Busy          int                       `json:"busy"`
	ByStatus      map[domain.TaskStatus]int `json:"by_status"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		QueueDepth:    len(p.queue),
		QueueCapacity: cap(p.queue),
		Workers:       int(p.running.Load()),
		Busy:          int(p.busy.Load()),
		ByStatus:      p.results.Counts(),
	}
}

func (p *Pool) observeQueue() {
	p.obs.QueueChanged(len(p.queue), int(p.busy.Load()))
}

func (p *Pool) worker(ctx context.Context, idx int) {
	defer p.wg.Done()
	p.running.Add(1)
	defer p.running.Add(-1)

	log := p.log.With().Int("worker", idx).Logger()
	wait := time.NewTimer(p.cfg.DequeueTimeout)
	defer wait.Stop()

	for {
		// A closed ctx wins over queued work.
		if ctx.Err() != nil {
			return
		}
		resetTimer(wait, p.cfg.DequeueTimeout)
		select {
		case <-ctx.Done():
			return
		case <-wait.C:
			// liveness check
		case item := <-p.queue:
			p.process(log, item)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// process handles exactly one item. Nothing here may take the worker loop down.
func (p *Pool) process(log zerolog.Logger, item domain.WorkItem) {
	p.busy.Add(1)
	p.observeQueue()
	defer func() {
		p.busy.Add(-1)
		p.observeQueue()
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("task_id", item.TaskID).Msg("worker recovered")
		}
	}()

	started := p.now()
	err := p.results.Update(item.TaskID, func(r *domain.TaskResult) error {
		r.Status = domain.StatusRunning
		r.StartedAt = &started
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("task_id", item.TaskID).Msg("cannot mark task running")
		return
	}

	fn, ok := p.tasks.Get(item.TaskName)
	if !ok {
		p.finish(log, item, nil, fmt.Errorf("%w %q", registry.ErrUnknownTask, item.TaskName), 0)
		return
	}

	// Derived from Background: stopping the pool does not cancel running tasks.
	ctx := context.Background()
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}
	res, m, err := execution.Run(ctx, log, item.TaskID, item.TaskName, fn, item.Params, execution.WithClock(p.now))
	p.finish(log, item, res, err, m.Duration)
}

func (p *Pool) finish(log zerolog.Logger, item domain.WorkItem, res domain.Result, runErr error, d time.Duration) {
	completed := p.now()
	status := domain.StatusCompleted
	if runErr != nil {
		status = domain.StatusFailed
	}
	err := p.results.Update(item.TaskID, func(r *domain.TaskResult) error {
		r.Status = status
		r.CompletedAt = &completed
		r.Duration = d.String()
		if runErr != nil {
			r.Error = runErr.Error()
			if r.Error == "" {
				r.Error = "task failed"
			}
			return nil
		}
		r.Result = maps.Clone(res)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("task_id", item.TaskID).Msg("cannot record task outcome")
	}
	if runErr != nil && errors.Is(runErr, registry.ErrUnknownTask) {
		log.Warn().Str("task_id", item.TaskID).Str("task", item.TaskName).Msg("no task registered under name")
	}
	p.obs.TaskFinished(item.TaskName, status, d)
}

type nopObserver struct{}

func (nopObserver) TaskEnqueued(string)                                   {}
func (nopObserver) TaskFinished(string, domain.TaskStatus, time.Duration) {}
func (nopObserver) TaskRetried(string)                                    {}
func (nopObserver) QueueChanged(int, int)                                 {}
