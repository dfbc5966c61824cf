package jobs

import (
	"context"

	"wellflow/internal/domain"
)

// SendNotifications delivers every due, unsent notification. A delivery failure is
// recorded on the notification and counted; it does not fail the job.
// params.limit caps a single run (default 100). Notifications that already failed
// params.max_attempts times are no longer picked up.
func (j *Jobs) SendNotifications(ctx context.Context, params domain.Params) (domain.Result, error) {
	limit, err := intParam(params, "limit", 100, 10000)
	if err != nil {
		return nil, err
	}
	maxAttempts, err := intParam(params, "max_attempts", j.maxAttempts, 100)
	if err != nil {
		return nil, err
	}
	due, err := j.repo.DueNotifications(ctx, j.now(), limit, maxAttempts)
	if err != nil {
		return nil, err
	}

	sent, failed := 0, 0
	for _, n := range due {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if derr := j.deliverer.Deliver(ctx, n); derr != nil {
			failed++
			j.log.Warn().Err(derr).Int64("notification", n.ID).Msg("delivery failed")
			if err := j.repo.MarkNotificationFailed(ctx, n.ID, derr.Error()); err != nil {
				return nil, err
			}
			continue
		}
		if err := j.repo.MarkNotificationSent(ctx, n.ID, j.now()); err != nil {
			return nil, err
		}
		sent++
	}
	return domain.Result{"sent": sent, "failed": failed}, nil
}
