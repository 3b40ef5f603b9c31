// Package store is the sqlite-backed state store: user records, the message
// log, subscriptions and the per-period quota counters. All counter updates
// are single-row upsert-with-increment statements, so per-user atomicity
// holds without any application-level locking.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/denvoros/aurabot/internal/logging"
)

// Store wraps the sqlite connection shared by all pipeline instances.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and initializes the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=30000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	L_info("store: opened", "path", path)
	return &Store{db: db}, nil
}

// Close flushes and closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DayKey formats a time as the daily counter key.
func DayKey(t time.Time) string { return t.Format("2006-01-02") }

// MonthKey formats a time as the monthly counter key.
func MonthKey(t time.Time) string { return t.Format("2006-01") }

// GetUser returns the user record, or nil if the user is unknown.
func (s *Store) GetUser(ctx context.Context, id int64) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, name, join_date, last_active, persona, context, source, auto_engage, blocked
		FROM users WHERE id = ?`, id)

	var u UserRecord
	var joinDate, lastActive string
	var contextJSON, username, name, source sql.NullString
	err := row.Scan(&u.ID, &username, &name, &joinDate, &lastActive, &u.Persona, &contextJSON, &source, &u.AutoEngage, &u.Blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}

	u.Username = username.String
	u.Name = name.String
	u.Source = source.String
	u.JoinDate, _ = time.Parse(time.RFC3339Nano, joinDate)
	u.LastActive, _ = time.Parse(time.RFC3339Nano, lastActive)
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &u.Context); err != nil {
			L_warn("store: dropping unreadable context", "user", id, "error", err)
			u.Context = nil
		}
	}
	return &u, nil
}

// SaveUser upserts the full user record.
func (s *Store) SaveUser(ctx context.Context, u *UserRecord) error {
	contextJSON, err := json.Marshal(u.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO users (id, username, name, join_date, last_active, persona, context, source, auto_engage, blocked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Name,
		u.JoinDate.Format(time.RFC3339Nano), u.LastActive.Format(time.RFC3339Nano),
		u.Persona, string(contextJSON), u.Source, u.AutoEngage, u.Blocked)
	if err != nil {
		return fmt.Errorf("save user %d: %w", u.ID, err)
	}
	return nil
}

// AppendMessage records one turn in the durable message log.
func (s *Store) AppendMessage(ctx context.Context, userID int64, persona, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (user_id, persona, role, content, ts) VALUES (?, ?, ?, ?, ?)`,
		userID, persona, role, content, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// GetSubscription returns the expiry timestamp, or a zero time if none exists.
func (s *Store) GetSubscription(ctx context.Context, userID int64) (time.Time, error) {
	var expiresAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM subscriptions WHERE user_id = ?`, userID).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get subscription %d: %w", userID, err)
	}
	if !expiresAt.Valid || expiresAt.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

// SaveSubscription overwrites the subscription expiry (last write wins).
func (s *Store) SaveSubscription(ctx context.Context, userID int64, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO subscriptions (user_id, expires_at) VALUES (?, ?)`,
		userID, expiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save subscription %d: %w", userID, err)
	}
	return nil
}

// ExtendSubscription adds d to a still-active subscription, or starts a fresh
// one from now. Returns the new expiry.
func (s *Store) ExtendSubscription(ctx context.Context, userID int64, d time.Duration) (time.Time, error) {
	current, err := s.GetSubscription(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}
	var expiresAt time.Time
	if current.After(time.Now()) {
		expiresAt = current.Add(d)
	} else {
		expiresAt = time.Now().Add(d)
	}
	if err := s.SaveSubscription(ctx, userID, expiresAt); err != nil {
		return time.Time{}, err
	}
	L_info("store: subscription extended", "user", userID, "expiresAt", expiresAt)
	return expiresAt, nil
}

// HasActiveSubscription reports whether the user's subscription expires in the future.
func (s *Store) HasActiveSubscription(ctx context.Context, userID int64) (bool, error) {
	expiresAt, err := s.GetSubscription(ctx, userID)
	if err != nil {
		return false, err
	}
	return expiresAt.After(time.Now()), nil
}

// DailyMessageCount returns the message count for (user, day), 0 when no row exists.
func (s *Store) DailyMessageCount(ctx context.Context, userID int64, day string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM daily_messages WHERE user_id = ? AND day = ?`, userID, day).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("daily count %d/%s: %w", userID, day, err)
	}
	return count, nil
}

// IncrementDailyMessages bumps the (user, day) counter, creating the row
// lazily, and returns the new count. The whole operation is one statement.
func (s *Store) IncrementDailyMessages(ctx context.Context, userID int64, day string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO daily_messages (user_id, day, count) VALUES (?, ?, 1)
		ON CONFLICT(user_id, day) DO UPDATE SET count = count + 1
		RETURNING count`, userID, day).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment daily count %d/%s: %w", userID, day, err)
	}
	return count, nil
}

// MonthlyImageCount returns the image count for (user, month), 0 when no row exists.
func (s *Store) MonthlyImageCount(ctx context.Context, userID int64, month string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM monthly_images WHERE user_id = ? AND month = ?`, userID, month).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("monthly count %d/%s: %w", userID, month, err)
	}
	return count, nil
}

// IncrementMonthlyImages bumps the (user, month) counter and returns the new count.
func (s *Store) IncrementMonthlyImages(ctx context.Context, userID int64, month string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO monthly_images (user_id, month, count) VALUES (?, ?, 1)
		ON CONFLICT(user_id, month) DO UPDATE SET count = count + 1
		RETURNING count`, userID, month).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment monthly count %d/%s: %w", userID, month, err)
	}
	return count, nil
}

// SetBlocked flips the soft-disable flag.
func (s *Store) SetBlocked(ctx context.Context, userID int64, blocked bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET blocked = ? WHERE id = ?`, blocked, userID)
	if err != nil {
		return fmt.Errorf("set blocked %d: %w", userID, err)
	}
	return nil
}

// UsersIdleSince lists auto-engage users whose last activity is older than
// cutoff and who haven't blocked the bot.
func (s *Store) UsersIdleSince(ctx context.Context, cutoff time.Time) ([]*UserRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM users
		WHERE auto_engage = 1 AND blocked = 0 AND last_active <= ?`,
		cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("idle users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan idle user: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	users := make([]*UserRecord, 0, len(ids))
	for _, id := range ids {
		u, err := s.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		if u != nil {
			users = append(users, u)
		}
	}
	return users, nil
}

// RecordSourceUser counts one enrollment for a source tag.
func (s *Store) RecordSourceUser(ctx context.Context, source string) error {
	if source == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (source, users_count, requests_count) VALUES (?, 1, 0)
		ON CONFLICT(source) DO UPDATE SET users_count = users_count + 1`, source)
	return err
}

// RecordSourceRequest counts one processed message against a source tag.
func (s *Store) RecordSourceRequest(ctx context.Context, source string) error {
	if source == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (source, users_count, requests_count) VALUES (?, 0, 1)
		ON CONFLICT(source) DO UPDATE SET requests_count = requests_count + 1`, source)
	return err
}

// PurgeCounters drops quota counter rows older than the given period keys.
// Counts only go stale, never wrong, so this runs from housekeeping cron.
func (s *Store) PurgeCounters(ctx context.Context, beforeDay, beforeMonth string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM daily_messages WHERE day < ?`, beforeDay)
	if err != nil {
		return 0, fmt.Errorf("purge daily counters: %w", err)
	}
	daily, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM monthly_images WHERE month < ?`, beforeMonth)
	if err != nil {
		return daily, fmt.Errorf("purge monthly counters: %w", err)
	}
	monthly, _ := res.RowsAffected()
	return daily + monthly, nil
}
