package jobs

import (
	"context"
	"sort"
	"time"

	"wellflow/internal/domain"
	"wellflow/internal/store"
)

// CalculateStreaks recomputes consecutive-day journaling streaks for every user.
// A current streak survives until the end of the day after the last entry.
func (j *Jobs) CalculateStreaks(ctx context.Context, _ domain.Params) (domain.Result, error) {
	byUser, err := j.repo.JournalDays(ctx)
	if err != nil {
		return nil, err
	}
	now := j.now()
	today := store.DayOf(now)
	yesterday := store.DayOf(now.AddDate(0, 0, -1))

	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)

	longest := 0
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := streakOf(byUser[u], today, yesterday)
		s.UserID = u
		if err := j.repo.SaveStreak(ctx, s, now); err != nil {
			return nil, err
		}
		if s.Longest > longest {
			longest = s.Longest
		}
	}
	return domain.Result{"users": len(users), "longest": longest}, nil
}

// streakOf computes streaks from distinct days sorted newest first.
func streakOf(days []string, today, yesterday string) store.Streak {
	var s store.Streak
	if len(days) == 0 {
		return s
	}
	run := 1
	s.Longest = 1
	currentOpen := days[0] == today || days[0] == yesterday
	if currentOpen {
		s.Current = 1
	}
	for i := 1; i < len(days); i++ {
		if consecutive(days[i], days[i-1]) {
			run++
			if currentOpen {
				s.Current = run
			}
		} else {
			run = 1
			currentOpen = false
		}
		if run > s.Longest {
			s.Longest = run
		}
	}
	return s
}

// consecutive reports whether day a is the calendar day before b.
func consecutive(a, b string) bool {
	ta, err := time.Parse("2006-01-02", a)
	if err != nil {
		return false
	}
	tb, err := time.Parse("2006-01-02", b)
	if err != nil {
		return false
	}
	return ta.AddDate(0, 0, 1).Equal(tb)
}
