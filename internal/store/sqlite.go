// Package store holds the wellness data the background jobs read and write.
// Times are stored as unix seconds.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Open opens (creating if needed) the SQLite database at path and ensures the schema.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS checkins (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id TEXT NOT NULL,
  mood INTEGER NOT NULL CHECK(mood BETWEEN 1 AND 10),
  note TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_checkins_created ON checkins(created_at);
CREATE TABLE IF NOT EXISTS journal_entries (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id TEXT NOT NULL,
  body TEXT NOT NULL,
  day TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_journal_user_day ON journal_entries(user_id, day);
CREATE TABLE IF NOT EXISTS mood_summaries (
  user_id TEXT NOT NULL,
  day TEXT NOT NULL,
  avg_mood REAL NOT NULL,
  checkins INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY(user_id, day)
);
CREATE TABLE IF NOT EXISTS streaks (
  user_id TEXT PRIMARY KEY,
  current INTEGER NOT NULL,
  longest INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS notifications (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  message TEXT NOT NULL,
  due_at INTEGER NOT NULL,
  sent_at INTEGER,
  attempts INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_notifications_due ON notifications(sent_at, due_at);
CREATE TABLE IF NOT EXISTS recommendations (
  user_id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  message TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

type Checkin struct {
	ID        int64
	UserID    string
	Mood      int
	Note      string
	CreatedAt time.Time
}

type MoodSummary struct {
	UserID   string
	Day      string // YYYY-MM-DD
	AvgMood  float64
	Checkins int
}

type Streak struct {
	UserID  string
	Current int
	Longest int
}

type Notification struct {
	ID        int64
	UserID    string
	Kind      string
	Message   string
	DueAt     time.Time
	SentAt    *time.Time
	Attempts  int
	LastError string
}

type Recommendation struct {
	UserID  string
	Kind    string
	Message string
}

type Repository interface {
	AddUser(ctx context.Context, id, name string, at time.Time) error
	AddCheckin(ctx context.Context, userID string, mood int, note string, at time.Time) error
	AddJournalEntry(ctx context.Context, userID, body string, at time.Time) error
	AddNotification(ctx context.Context, n Notification) (int64, error)

	CheckinsSince(ctx context.Context, since time.Time) ([]Checkin, error)
	SaveMoodSummary(ctx context.Context, s MoodSummary, at time.Time) error
	LatestMoodSummaries(ctx context.Context) ([]MoodSummary, error)

	JournalDays(ctx context.Context) (map[string][]string, error)
	SaveStreak(ctx context.Context, s Streak, at time.Time) error
	GetStreak(ctx context.Context, userID string) (Streak, error)

	// DueNotifications skips rows with maxAttempts or more failed deliveries; maxAttempts <= 0 means no cap.
	DueNotifications(ctx context.Context, now time.Time, limit, maxAttempts int) ([]Notification, error)
	MarkNotificationSent(ctx context.Context, id int64, at time.Time) error
	MarkNotificationFailed(ctx context.Context, id int64, errStr string) error

	SaveRecommendation(ctx context.Context, r Recommendation, at time.Time) error
	GetRecommendation(ctx context.Context, userID string) (Recommendation, error)

	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

// DayOf formats t as the calendar day used for journal and summary keys.
func DayOf(t time.Time) string { return t.Format("2006-01-02") }

func (r *sqliteRepo) AddUser(ctx context.Context, id, name string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO users (id,name,created_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name`, id, name, at.Unix())
	return err
}

func (r *sqliteRepo) AddCheckin(ctx context.Context, userID string, mood int, note string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO checkins (user_id,mood,note,created_at) VALUES (?,?,?,?)`, userID, mood, note, at.Unix())
	return err
}

func (r *sqliteRepo) AddJournalEntry(ctx context.Context, userID, body string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO journal_entries (user_id,body,day,created_at) VALUES (?,?,?,?)`, userID, body, DayOf(at), at.Unix())
	return err
}

func (r *sqliteRepo) AddNotification(ctx context.Context, n Notification) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
INSERT INTO notifications (user_id,kind,message,due_at) VALUES (?,?,?,?)`, n.UserID, n.Kind, n.Message, n.DueAt.Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *sqliteRepo) CheckinsSince(ctx context.Context, since time.Time) ([]Checkin, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,user_id,mood,note,created_at FROM checkins
WHERE created_at >= ? ORDER BY user_id, created_at`, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Checkin
	for rows.Next() {
		var c Checkin
		var created int64
		if err := rows.Scan(&c.ID, &c.UserID, &c.Mood, &c.Note, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = time.Unix(created, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) SaveMoodSummary(ctx context.Context, s MoodSummary, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO mood_summaries (user_id,day,avg_mood,checkins,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(user_id,day) DO UPDATE SET avg_mood=excluded.avg_mood, checkins=excluded.checkins, created_at=excluded.created_at`,
		s.UserID, s.Day, s.AvgMood, s.Checkins, at.Unix())
	return err
}

func (r *sqliteRepo) LatestMoodSummaries(ctx context.Context) ([]MoodSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT m.user_id, m.day, m.avg_mood, m.checkins FROM mood_summaries m
JOIN (SELECT user_id, MAX(day) AS day FROM mood_summaries GROUP BY user_id) l
  ON l.user_id = m.user_id AND l.day = m.day
ORDER BY m.user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MoodSummary
	for rows.Next() {
		var s MoodSummary
		if err := rows.Scan(&s.UserID, &s.Day, &s.AvgMood, &s.Checkins); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// JournalDays returns, per user, the distinct days with at least one entry, newest first.
func (r *sqliteRepo) JournalDays(ctx context.Context) (map[string][]string, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT DISTINCT user_id, day FROM journal_entries ORDER BY user_id, day DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var user, day string
		if err := rows.Scan(&user, &day); err != nil {
			return nil, err
		}
		out[user] = append(out[user], day)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) SaveStreak(ctx context.Context, s Streak, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO streaks (user_id,current,longest,updated_at) VALUES (?,?,?,?)
ON CONFLICT(user_id) DO UPDATE SET current=excluded.current, longest=excluded.longest, updated_at=excluded.updated_at`,
		s.UserID, s.Current, s.Longest, at.Unix())
	return err
}

func (r *sqliteRepo) GetStreak(ctx context.Context, userID string) (Streak, error) {
	row := r.db.QueryRowContext(ctx, `SELECT user_id,current,longest FROM streaks WHERE user_id=?`, userID)
	var s Streak
	if err := row.Scan(&s.UserID, &s.Current, &s.Longest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Streak{}, ErrNotFound
		}
		return Streak{}, err
	}
	return s, nil
}

func (r *sqliteRepo) DueNotifications(ctx context.Context, now time.Time, limit, maxAttempts int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id,user_id,kind,message,due_at,attempts,last_error FROM notifications
WHERE sent_at IS NULL AND due_at <= ? AND (? <= 0 OR attempts < ?)
ORDER BY due_at, id
LIMIT ?`, now.Unix(), maxAttempts, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var due int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Message, &due, &n.Attempts, &n.LastError); err != nil {
			return nil, err
		}
		n.DueAt = time.Unix(due, 0)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) MarkNotificationSent(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE notifications SET sent_at=?, attempts=attempts+1, last_error='' WHERE id=?`, at.Unix(), id)
	return err
}

func (r *sqliteRepo) MarkNotificationFailed(ctx context.Context, id int64, errStr string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE notifications SET attempts=attempts+1, last_error=? WHERE id=?`, errStr, id)
	return err
}

func (r *sqliteRepo) SaveRecommendation(ctx context.Context, rec Recommendation, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO recommendations (user_id,kind,message,updated_at) VALUES (?,?,?,?)
ON CONFLICT(user_id) DO UPDATE SET kind=excluded.kind, message=excluded.message, updated_at=excluded.updated_at`,
		rec.UserID, rec.Kind, rec.Message, at.Unix())
	return err
}

func (r *sqliteRepo) GetRecommendation(ctx context.Context, userID string) (Recommendation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT user_id,kind,message FROM recommendations WHERE user_id=?`, userID)
	var rec Recommendation
	if err := row.Scan(&rec.UserID, &rec.Kind, &rec.Message); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Recommendation{}, ErrNotFound
		}
		return Recommendation{}, err
	}
	return rec, nil
}

// PurgeBefore deletes sent notifications and mood summaries older than cutoff.
func (r *sqliteRepo) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE sent_at IS NOT NULL AND sent_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	n1, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM mood_summaries WHERE day < ?`, DayOf(cutoff))
	if err != nil {
		return 0, err
	}
	n2, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n1 + n2, nil
}
