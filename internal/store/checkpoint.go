package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetCheckpoint stores a named sync checkpoint value.
func (db *DB) SetCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, now)
	if err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}

// Checkpoint returns a stored checkpoint value, or empty string when unset.
func (db *DB) Checkpoint(key string) (string, error) {
	row := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key)
	var value string
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get checkpoint: %w", err)
	}
	return value, nil
}
