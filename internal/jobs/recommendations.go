package jobs

import (
	"context"

	"wellflow/internal/domain"
	"wellflow/internal/store"
)

// recommend maps an average mood (1-10) to a recommendation.
func recommend(avg float64) (kind, msg string) {
	switch {
	case avg < 4:
		return "support", "Your mood has been low lately. Consider reaching out to someone you trust."
	case avg < 6:
		return "breathing", "Try a short breathing exercise to reset during the day."
	case avg < 8:
		return "journaling", "Keep journaling to notice what lifts your mood."
	default:
		return "gratitude", "Things look good. Capture what you are grateful for today."
	}
}

// RefreshRecommendations derives one recommendation per user from their latest mood summary.
func (j *Jobs) RefreshRecommendations(ctx context.Context, _ domain.Params) (domain.Result, error) {
	summaries, err := j.repo.LatestMoodSummaries(ctx)
	if err != nil {
		return nil, err
	}
	now := j.now()
	for _, s := range summaries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kind, msg := recommend(s.AvgMood)
		if err := j.repo.SaveRecommendation(ctx, store.Recommendation{UserID: s.UserID, Kind: kind, Message: msg}, now); err != nil {
			return nil, err
		}
	}
	return domain.Result{"users": len(summaries)}, nil
}
