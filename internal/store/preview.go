package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertPreview inserts or refreshes the inbox row for a conversation.
// The activity timestamp only moves forward: a stale snapshot never
// rewinds what a live socket update already recorded.
func (db *DB) UpsertPreview(p Preview) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, last_message_at, last_activity_at, last_message_preview, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			last_message_at = MAX(last_message_at, excluded.last_message_at),
			last_activity_at = MAX(last_activity_at, excluded.last_activity_at),
			last_message_preview = CASE
				WHEN excluded.last_activity_at >= last_activity_at THEN excluded.last_message_preview
				ELSE last_message_preview
			END,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		p.ConversationID, p.LastMessageAt, p.LastActivityAt, p.Preview, p.Unread, now)
	if err != nil {
		return fmt.Errorf("upsert preview: %w", err)
	}
	return nil
}

// GetPreview returns the stored row for one conversation, or nil if unknown.
func (db *DB) GetPreview(conversationID int64) (*Preview, error) {
	row := db.QueryRow(`
		SELECT id, last_message_at, last_activity_at, last_message_preview, unread_count, last_read_id
		FROM conversations WHERE id = ?`, conversationID)

	var p Preview
	err := row.Scan(&p.ConversationID, &p.LastMessageAt, &p.LastActivityAt, &p.Preview, &p.Unread, &p.LastReadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preview: %w", err)
	}
	return &p, nil
}

// ListPreviews returns inbox rows ordered by most recent activity first.
func (db *DB) ListPreviews(limit int) ([]Preview, error) {
	rows, err := db.Query(`
		SELECT id, last_message_at, last_activity_at, last_message_preview, unread_count, last_read_id
		FROM conversations
		ORDER BY last_activity_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list previews: %w", err)
	}
	defer rows.Close()

	var out []Preview
	for rows.Next() {
		var p Preview
		if err := rows.Scan(&p.ConversationID, &p.LastMessageAt, &p.LastActivityAt, &p.Preview, &p.Unread, &p.LastReadID); err != nil {
			return nil, fmt.Errorf("scan preview: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetUnread overwrites the stored unread count for a conversation.
func (db *DB) SetUnread(conversationID int64, unread int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, unread_count, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		conversationID, unread, now)
	if err != nil {
		return fmt.Errorf("set unread: %w", err)
	}
	return nil
}

// UnreadCounts returns the stored unread count per conversation.
func (db *DB) UnreadCounts() (map[int64]int, error) {
	rows, err := db.Query(`SELECT id, unread_count FROM conversations`)
	if err != nil {
		return nil, fmt.Errorf("unread counts: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int)
	for rows.Next() {
		var id int64
		var unread int
		if err := rows.Scan(&id, &unread); err != nil {
			return nil, fmt.Errorf("scan unread: %w", err)
		}
		out[id] = unread
	}
	return out, rows.Err()
}

// AdvanceReadWatermark raises the read cursor for a conversation.
// The watermark never regresses.
func (db *DB) AdvanceReadWatermark(conversationID, messageID int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, last_read_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			last_read_id = MAX(last_read_id, excluded.last_read_id),
			updated_at = excluded.updated_at`,
		conversationID, messageID, now)
	if err != nil {
		return fmt.Errorf("advance read watermark: %w", err)
	}
	return nil
}

// ReadWatermark returns the highest message id the user has read in the
// conversation, or zero when unknown.
func (db *DB) ReadWatermark(conversationID int64) (int64, error) {
	row := db.QueryRow(`SELECT last_read_id FROM conversations WHERE id = ?`, conversationID)
	var id int64
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return id, nil
}

// DeleteConversation removes the inbox row and its notification history.
func (db *DB) DeleteConversation(conversationID int64) error {
	if _, err := db.Exec(`DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if _, err := db.Exec(`DELETE FROM notification_history WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete conversation history: %w", err)
	}
	return nil
}
