// Package results keeps the in-memory status of every task execution.
//
// It is a bounded cache, not a log: terminal results older than the retention
// window are dropped by Sweep.
package results

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wellflow/internal/domain"
)

var (
	ErrNotFound          = errors.New("task result not found")
	ErrExists            = errors.New("task result already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Store struct {
	mu        sync.RWMutex
	items     map[string]*domain.TaskResult
	retention time.Duration
	log       zerolog.Logger
}

func NewStore(retention time.Duration, log zerolog.Logger) *Store {
	return &Store{
		items:     make(map[string]*domain.TaskResult),
		retention: retention,
		log:       log.With().Str("comp", "results").Logger(),
	}
}

func (s *Store) Create(r domain.TaskResult) error {
	if r.TaskID == "" {
		return errors.New("task id is required")
	}
	c := r.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[r.TaskID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, r.TaskID)
	}
	s.items[r.TaskID] = &c
	return nil
}

func (s *Store) Get(id string) (domain.TaskResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.items[id]
	if !ok {
		return domain.TaskResult{}, false
	}
	return r.Clone(), true
}

// Update applies fn to a copy of the stored result and commits it if fn returns nil.
// A status change must be a valid forward transition.
func (s *Store) Update(id string, fn func(*domain.TaskResult) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return err
	}
	if next.Status != cur.Status && !domain.CanTransition(cur.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next.Status)
	}
	next.TaskID = cur.TaskID
	s.items[id] = &next
	return nil
}

func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Counts groups results by status. Every known status is present, possibly as zero.
func (s *Store) Counts() map[domain.TaskStatus]int {
	out := make(map[domain.TaskStatus]int, len(domain.AllStatuses))
	for _, st := range domain.AllStatuses {
		out[st] = 0
	}
	s.mu.RLock()
	for _, r := range s.items {
		out[r.Status]++
	}
	s.mu.RUnlock()
	return out
}

// List returns up to limit results, newest first. limit <= 0 means all.
func (s *Store) List(limit int) []domain.TaskResult {
	s.mu.RLock()
	out := make([]domain.TaskResult, 0, len(s.items))
	for _, r := range s.items {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID > out[j].TaskID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Sweep removes terminal results completed before now minus the retention window.
func (s *Store) Sweep(now time.Time) int {
	if s.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-s.retention)
	removed := 0
	s.mu.Lock()
	for id, r := range s.items {
		if !r.Status.Terminal() || r.CompletedAt == nil {
			continue
		}
		if r.CompletedAt.Before(cutoff) {
			delete(s.items, id)
			removed++
		}
	}
	s.mu.Unlock()
	return removed
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if s.retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", interval).Dur("retention", s.retention).Msg("result sweeper started")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.Sweep(now); n > 0 {
				s.log.Debug().Int("removed", n).Int("remaining", s.Len()).Msg("swept task results")
			}
		}
	}
}
