package jobs

import (
	"context"

	"wellflow/internal/domain"
)

// CleanupStorage purges sent notifications and mood summaries older than params.days (default 30).
func (j *Jobs) CleanupStorage(ctx context.Context, params domain.Params) (domain.Result, error) {
	days, err := intParam(params, "days", 30, 3650)
	if err != nil {
		return nil, err
	}
	cutoff := j.now().AddDate(0, 0, -days)
	n, err := j.repo.PurgeBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	j.log.Info().Int64("deleted", n).Int("days", days).Msg("storage cleaned")
	return domain.Result{"deleted": n}, nil
}
