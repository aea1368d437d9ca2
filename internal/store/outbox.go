package store

import (
	"fmt"
	"time"
)

// QueueOutbox adds a message to the outbox for delivery.
func (db *DB) QueueOutbox(clientMsgID string, conversationID int64, body string) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, conversation_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		clientMsgID, conversationID, body, OutboxQueued, now, now)
	if err != nil {
		return 0, fmt.Errorf("queue outbox: %w", err)
	}
	return res.LastInsertId()
}

// PendingOutbox returns queued entries in submission order.
func (db *DB) PendingOutbox(limit int) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, conversation_id, body, status, error_message, server_msg_id, created_at, updated_at
		FROM outbox
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?`, OutboxQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("pending outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.Body, &e.Status, &e.ErrorMessage, &e.ServerMsgID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkOutboxSending flips a queued entry to sending. Returns false when the
// entry was already claimed by another sender pass.
func (db *DB) MarkOutboxSending(id int64) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		OutboxSending, now, id, OutboxQueued)
	if err != nil {
		return false, fmt.Errorf("mark outbox sending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark outbox sending: %w", err)
	}
	return n > 0, nil
}

// MarkOutboxSent records the server-assigned message id for a delivered entry.
func (db *DB) MarkOutboxSent(id, serverMsgID int64) error {
	now := time.Now().UnixMilli()
	if _, err := db.Exec(`
		UPDATE outbox SET status = ?, server_msg_id = ?, updated_at = ?
		WHERE id = ?`, OutboxSent, serverMsgID, now, id); err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}

// MarkOutboxFailed records a delivery failure.
func (db *DB) MarkOutboxFailed(id int64, reason string) error {
	now := time.Now().UnixMilli()
	if _, err := db.Exec(`
		UPDATE outbox SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ?`, OutboxFailed, reason, now, id); err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

// RequeueOutbox puts a sending or failed entry back in the queue, typically
// after a transient network error.
func (db *DB) RequeueOutbox(id int64) error {
	now := time.Now().UnixMilli()
	if _, err := db.Exec(`
		UPDATE outbox SET status = ?, error_message = '', updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		OutboxQueued, now, id, OutboxSending, OutboxFailed); err != nil {
		return fmt.Errorf("requeue outbox: %w", err)
	}
	return nil
}
