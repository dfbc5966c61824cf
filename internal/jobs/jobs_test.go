package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wellflow/internal/domain"
	"wellflow/internal/registry"
	"wellflow/internal/store"
)

var fixedNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type recordingDeliverer struct {
	mu   sync.Mutex
	got  []store.Notification
	fail map[string]bool
}

func (d *recordingDeliverer) Deliver(_ context.Context, n store.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[n.Message] {
		return errors.New("unreachable")
	}
	d.got = append(d.got, n)
	return nil
}

func newTestJobs(t *testing.T, d Deliverer) (*Jobs, store.Repository) {
	t.Helper()
	return newTestJobsWith(t, Deps{Deliverer: d})
}

func newTestJobsWith(t *testing.T, deps Deps) (*Jobs, store.Repository) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	deps.Repo = store.NewSQLiteRepo(db)
	deps.Log = zerolog.Nop()
	deps.Now = func() time.Time { return fixedNow }
	return New(deps), deps.Repo
}

func TestRegisterInstallsAllJobs(t *testing.T) {
	j, _ := newTestJobs(t, nil)
	reg := registry.New()
	require.NoError(t, j.Register(reg))
	assert.ElementsMatch(t, Names, reg.List())
}

func TestAnalyzeEmotions(t *testing.T) {
	ctx := context.Background()
	j, repo := newTestJobs(t, nil)

	require.NoError(t, repo.AddCheckin(ctx, "u1", 4, "", fixedNow.Add(-time.Hour)))
	require.NoError(t, repo.AddCheckin(ctx, "u1", 8, "", fixedNow.Add(-2*time.Hour)))
	require.NoError(t, repo.AddCheckin(ctx, "u2", 5, "", fixedNow.Add(-3*time.Hour)))
	require.NoError(t, repo.AddCheckin(ctx, "u2", 1, "", fixedNow.Add(-30*time.Hour)))

	res, err := j.AnalyzeEmotions(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.Result{"users": 2, "checkins": 3}, res)

	sums, err := repo.LatestMoodSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, sums, 2)
	assert.Equal(t, store.MoodSummary{UserID: "u1", Day: "2024-05-10", AvgMood: 6, Checkins: 2}, sums[0])
	assert.Equal(t, 5.0, sums[1].AvgMood)

	res, err = j.AnalyzeEmotions(ctx, domain.Params{"window_hours": float64(48)})
	require.NoError(t, err)
	assert.Equal(t, 4, res["checkins"])
}

func TestAnalyzeEmotionsRejectsBadWindow(t *testing.T) {
	j, _ := newTestJobs(t, nil)
	_, err := j.AnalyzeEmotions(context.Background(), domain.Params{"window_hours": "soon"})
	assert.Error(t, err)
	_, err = j.AnalyzeEmotions(context.Background(), domain.Params{"window_hours": -1})
	assert.Error(t, err)
	_, err = j.AnalyzeEmotions(context.Background(), domain.Params{"window_hours": 3_000_000})
	assert.Error(t, err)
	_, err = j.CleanupStorage(context.Background(), domain.Params{"days": 1_000_000})
	assert.Error(t, err)
	_, err = j.SendNotifications(context.Background(), domain.Params{"max_attempts": 0})
	assert.Error(t, err)
}

func TestDaysFollowConfiguredLocation(t *testing.T) {
	ctx := context.Background()
	// 12:00 UTC on the 10th is already the 11th at UTC+14.
	loc, err := time.LoadLocation("Pacific/Kiritimati")
	require.NoError(t, err)
	j, repo := newTestJobsWith(t, Deps{Location: loc})

	require.NoError(t, repo.AddCheckin(ctx, "u1", 6, "", fixedNow.Add(-time.Hour)))
	_, err = j.AnalyzeEmotions(ctx, nil)
	require.NoError(t, err)

	sums, err := repo.LatestMoodSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, "2024-05-11", sums[0].Day)

	// an entry on the local 10th counts as yesterday, keeping the streak open
	require.NoError(t, repo.AddJournalEntry(ctx, "u1", "entry", time.Date(2024, 5, 10, 9, 0, 0, 0, loc)))
	_, err = j.CalculateStreaks(ctx, nil)
	require.NoError(t, err)
	st, err := repo.GetStreak(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Current)
}

func TestStreakOf(t *testing.T) {
	today, yesterday := "2024-05-10", "2024-05-09"
	cases := []struct {
		name string
		days []string
		want store.Streak
	}{
		{"none", nil, store.Streak{}},
		{"today only", []string{"2024-05-10"}, store.Streak{Current: 1, Longest: 1}},
		{"ending yesterday", []string{"2024-05-09", "2024-05-08"}, store.Streak{Current: 2, Longest: 2}},
		{"broken", []string{"2024-05-07", "2024-05-06"}, store.Streak{Current: 0, Longest: 2}},
		{"gap keeps longest", []string{"2024-05-10", "2024-05-08", "2024-05-07", "2024-05-06"}, store.Streak{Current: 1, Longest: 3}},
		{"month boundary", []string{"2024-05-01", "2024-04-30"}, store.Streak{Current: 0, Longest: 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, streakOf(tc.days, today, yesterday))
		})
	}
}

func TestCalculateStreaks(t *testing.T) {
	ctx := context.Background()
	j, repo := newTestJobs(t, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.AddJournalEntry(ctx, "u1", "entry", fixedNow.AddDate(0, 0, -i)))
	}
	require.NoError(t, repo.AddJournalEntry(ctx, "u2", "entry", fixedNow.AddDate(0, 0, -5)))

	res, err := j.CalculateStreaks(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.Result{"users": 2, "longest": 3}, res)

	s, err := repo.GetStreak(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, s.Current)
	s, err = repo.GetStreak(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 0, s.Current)
	assert.Equal(t, 1, s.Longest)
}

func TestSendNotifications(t *testing.T) {
	ctx := context.Background()
	d := &recordingDeliverer{fail: map[string]bool{"bad": true}}
	j, repo := newTestJobs(t, d)

	for _, msg := range []string{"one", "two", "bad"} {
		_, err := repo.AddNotification(ctx, store.Notification{UserID: "u1", Kind: "reminder", Message: msg, DueAt: fixedNow.Add(-time.Minute)})
		require.NoError(t, err)
	}
	_, err := repo.AddNotification(ctx, store.Notification{UserID: "u1", Kind: "reminder", Message: "future", DueAt: fixedNow.Add(time.Hour)})
	require.NoError(t, err)

	res, err := j.SendNotifications(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.Result{"sent": 2, "failed": 1}, res)
	assert.Len(t, d.got, 2)

	left, err := repo.DueNotifications(ctx, fixedNow, 10, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "bad", left[0].Message)
	assert.Equal(t, "unreachable", left[0].LastError)
}

func TestSendNotificationsStopsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	d := &recordingDeliverer{fail: map[string]bool{"bad": true}}
	j, repo := newTestJobs(t, d)

	for i := 0; i < 2; i++ {
		_, err := repo.AddNotification(ctx, store.Notification{UserID: "u1", Kind: "reminder", Message: "bad", DueAt: fixedNow.Add(-time.Hour)})
		require.NoError(t, err)
	}
	_, err := repo.AddNotification(ctx, store.Notification{UserID: "u2", Kind: "reminder", Message: "good", DueAt: fixedNow.Add(-time.Minute)})
	require.NoError(t, err)

	params := domain.Params{"limit": 2, "max_attempts": 3}
	for i := 0; i < 3; i++ {
		res, err := j.SendNotifications(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, domain.Result{"sent": 0, "failed": 2}, res, "run %d", i)
	}

	res, err := j.SendNotifications(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, domain.Result{"sent": 1, "failed": 0}, res)
	require.Len(t, d.got, 1)
	assert.Equal(t, "good", d.got[0].Message)

	res, err = j.SendNotifications(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, domain.Result{"sent": 0, "failed": 0}, res)
}

func TestSendNotificationsDefaultMaxAttempts(t *testing.T) {
	ctx := context.Background()
	d := &recordingDeliverer{fail: map[string]bool{"bad": true}}
	j, repo := newTestJobsWith(t, Deps{Deliverer: d, MaxAttempts: 1})

	_, err := repo.AddNotification(ctx, store.Notification{UserID: "u1", Kind: "reminder", Message: "bad", DueAt: fixedNow.Add(-time.Minute)})
	require.NoError(t, err)

	res, err := j.SendNotifications(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.Result{"sent": 0, "failed": 1}, res)

	res, err = j.SendNotifications(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.Result{"sent": 0, "failed": 0}, res)
}

func TestRefreshRecommendations(t *testing.T) {
	ctx := context.Background()
	j, repo := newTestJobs(t, nil)

	require.NoError(t, repo.SaveMoodSummary(ctx, store.MoodSummary{UserID: "u1", Day: "2024-05-10", AvgMood: 2.5, Checkins: 2}, fixedNow))
	require.NoError(t, repo.SaveMoodSummary(ctx, store.MoodSummary{UserID: "u2", Day: "2024-05-10", AvgMood: 9, Checkins: 1}, fixedNow))

	res, err := j.RefreshRecommendations(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.Result{"users": 2}, res)

	rec, err := repo.GetRecommendation(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "support", rec.Kind)
	rec, err = repo.GetRecommendation(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "gratitude", rec.Kind)
}

func TestCleanupStorage(t *testing.T) {
	ctx := context.Background()
	j, repo := newTestJobs(t, nil)

	require.NoError(t, repo.SaveMoodSummary(ctx, store.MoodSummary{UserID: "u1", Day: "2024-03-01", AvgMood: 5, Checkins: 1}, fixedNow))
	require.NoError(t, repo.SaveMoodSummary(ctx, store.MoodSummary{UserID: "u1", Day: "2024-05-09", AvgMood: 5, Checkins: 1}, fixedNow))

	res, err := j.CleanupStorage(ctx, domain.Params{"days": 30})
	require.NoError(t, err)
	assert.Equal(t, domain.Result{"deleted": int64(1)}, res)

	res, err = j.CleanupStorage(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.Result{"deleted": int64(0)}, res)
}

func TestWebhookDeliver(t *testing.T) {
	var calls atomic.Int32
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, 0, time.Second, map[string]string{"X-Token": "secret"})
	err := wh.Deliver(context.Background(), store.Notification{ID: 7, UserID: "u1", Kind: "reminder", Message: "hi", DueAt: fixedNow})
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, webhookPayload{ID: 7, UserID: "u1", Kind: "reminder", Message: "hi", DueAt: "2024-05-10T12:00:00Z"}, got)
}

func TestWebhookDeliverHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, 0, time.Second, nil).Deliver(context.Background(), store.Notification{ID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 503")
}

func TestWebhookRateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, 0.1, time.Second, nil)
	require.NoError(t, wh.Deliver(context.Background(), store.Notification{ID: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := wh.Deliver(ctx, store.Notification{ID: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
}
