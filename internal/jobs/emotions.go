package jobs

import (
	"context"
	"time"

	"wellflow/internal/domain"
	"wellflow/internal/store"
)

// AnalyzeEmotions averages the mood score of recent check-ins per user and stores
// the result as today's mood summary. params.window_hours defaults to 24.
func (j *Jobs) AnalyzeEmotions(ctx context.Context, params domain.Params) (domain.Result, error) {
	window, err := intParam(params, "window_hours", 24, 24*366)
	if err != nil {
		return nil, err
	}
	now := j.now()
	checkins, err := j.repo.CheckinsSince(ctx, now.Add(-time.Duration(window)*time.Hour))
	if err != nil {
		return nil, err
	}

	type agg struct{ sum, n int }
	byUser := make(map[string]*agg)
	var order []string
	for _, c := range checkins {
		a, ok := byUser[c.UserID]
		if !ok {
			a = &agg{}
			byUser[c.UserID] = a
			order = append(order, c.UserID)
		}
		a.sum += c.Mood
		a.n++
	}

	day := store.DayOf(now)
	for _, user := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a := byUser[user]
		s := store.MoodSummary{UserID: user, Day: day, AvgMood: float64(a.sum) / float64(a.n), Checkins: a.n}
		if err := j.repo.SaveMoodSummary(ctx, s, now); err != nil {
			return nil, err
		}
	}

	j.log.Debug().Int("users", len(order)).Int("checkins", len(checkins)).Msg("emotions analyzed")
	return domain.Result{"users": len(order), "checkins": len(checkins)}, nil
}
