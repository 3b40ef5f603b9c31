package store

import (
	"database/sql"
	"fmt"

	. "github.com/denvoros/aurabot/internal/logging"
)

// initSchema creates the persistence tables and indexes
func initSchema(db *sql.DB) error {
	L_debug("store: initializing schema")

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			username TEXT,
			name TEXT,
			join_date TEXT NOT NULL,
			last_active TEXT NOT NULL,
			persona TEXT NOT NULL,
			context TEXT,
			source TEXT,
			auto_engage INTEGER NOT NULL DEFAULT 1,
			blocked INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("create users table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			persona TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			ts TEXT NOT NULL,
			FOREIGN KEY(user_id) REFERENCES users(id)
		)
	`); err != nil {
		return fmt.Errorf("create messages table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_user_ts ON messages(user_id, ts)`); err != nil {
		return fmt.Errorf("create idx_messages_user_ts: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS subscriptions (
			user_id INTEGER PRIMARY KEY,
			expires_at TEXT,
			FOREIGN KEY(user_id) REFERENCES users(id)
		)
	`); err != nil {
		return fmt.Errorf("create subscriptions table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS daily_messages (
			user_id INTEGER NOT NULL,
			day TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, day),
			FOREIGN KEY(user_id) REFERENCES users(id)
		)
	`); err != nil {
		return fmt.Errorf("create daily_messages table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS monthly_images (
			user_id INTEGER NOT NULL,
			month TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, month),
			FOREIGN KEY(user_id) REFERENCES users(id)
		)
	`); err != nil {
		return fmt.Errorf("create monthly_images table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sources (
			source TEXT PRIMARY KEY,
			users_count INTEGER NOT NULL DEFAULT 0,
			requests_count INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("create sources table: %w", err)
	}

	return nil
}
