package store

import (
	"fmt"
	"time"
)

// AppendNotificationHistory records a preview line for a conversation's
// grouped notification, trimming the buffer down to keep entries.
func (db *DB) AppendNotificationHistory(conversationID int64, preview string, keep int) error {
	now := time.Now().UnixMilli()
	if _, err := db.Exec(`
		INSERT INTO notification_history (conversation_id, preview, created_at)
		VALUES (?, ?, ?)`, conversationID, preview, now); err != nil {
		return fmt.Errorf("append notification history: %w", err)
	}
	if _, err := db.Exec(`
		DELETE FROM notification_history
		WHERE conversation_id = ? AND id NOT IN (
			SELECT id FROM notification_history
			WHERE conversation_id = ?
			ORDER BY id DESC LIMIT ?
		)`, conversationID, conversationID, keep); err != nil {
		return fmt.Errorf("trim notification history: %w", err)
	}
	return nil
}

// NotificationHistory returns up to limit preview lines for a conversation,
// oldest first.
func (db *DB) NotificationHistory(conversationID int64, limit int) ([]string, error) {
	rows, err := db.Query(`
		SELECT preview FROM (
			SELECT id, preview FROM notification_history
			WHERE conversation_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("notification history: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var preview string
		if err := rows.Scan(&preview); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, preview)
	}
	return out, rows.Err()
}

// ClearNotificationHistory drops the buffered previews for one conversation.
func (db *DB) ClearNotificationHistory(conversationID int64) error {
	if _, err := db.Exec(`DELETE FROM notification_history WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear notification history: %w", err)
	}
	return nil
}

// ClearAllNotificationHistory drops every buffered preview. Used on logout.
func (db *DB) ClearAllNotificationHistory() error {
	if _, err := db.Exec(`DELETE FROM notification_history`); err != nil {
		return fmt.Errorf("clear all notification history: %w", err)
	}
	return nil
}
