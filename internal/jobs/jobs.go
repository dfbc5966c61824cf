// Package jobs implements the wellness background tasks run by the worker pool.
package jobs

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"

	"wellflow/internal/domain"
	"wellflow/internal/registry"
	"wellflow/internal/store"
)

const (
	AnalyzeEmotions        = "analyze_emotions"
	CalculateStreaks       = "calculate_streaks"
	SendNotifications      = "send_notifications"
	RefreshRecommendations = "refresh_recommendations"
	CleanupStorage         = "cleanup_storage"
)

// Names lists every job Register installs.
var Names = []string{
	AnalyzeEmotions,
	CalculateStreaks,
	SendNotifications,
	RefreshRecommendations,
	CleanupStorage,
}

// DefaultMaxAttempts caps notification redelivery when Deps leaves it unset.
const DefaultMaxAttempts = 5

type Deps struct {
	Repo      store.Repository
	Deliverer Deliverer
	Log       zerolog.Logger
	Now       func() time.Time
	// Location decides calendar days for summaries and streaks; nil means UTC.
	Location    *time.Location
	MaxAttempts int
}

// Jobs binds the job implementations to their dependencies.
type Jobs struct {
	repo        store.Repository
	deliverer   Deliverer
	log         zerolog.Logger
	clock       func() time.Time
	loc         *time.Location
	maxAttempts int
}

func New(d Deps) *Jobs {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Deliverer == nil {
		d.Deliverer = NewLogDeliverer(d.Log)
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
	return &Jobs{
		repo:        d.Repo,
		deliverer:   d.Deliverer,
		log:         d.Log.With().Str("comp", "jobs").Logger(),
		clock:       d.Now,
		loc:         d.Location,
		maxAttempts: d.MaxAttempts,
	}
}

// now is the current time in the configured location.
func (j *Jobs) now() time.Time {
	return j.clock().In(j.loc)
}

// Register installs every job into reg.
func (j *Jobs) Register(reg *registry.Registry) error {
	for name, fn := range map[string]registry.Func{
		AnalyzeEmotions:        j.AnalyzeEmotions,
		CalculateStreaks:       j.CalculateStreaks,
		SendNotifications:      j.SendNotifications,
		RefreshRecommendations: j.RefreshRecommendations,
		CleanupStorage:         j.CleanupStorage,
	} {
		if err := reg.Register(name, fn); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

// intParam reads an integer parameter in [1, max], accepting JSON numbers and numeric strings.
func intParam(p domain.Params, key string, def, max int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	if n <= 0 || n > max {
		return 0, fmt.Errorf("param %s must be between 1 and %d, got %d", key, max, n)
	}
	return n, nil
}
