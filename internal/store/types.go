package store

// Preview is the persisted inbox row for one conversation.
type Preview struct {
	ConversationID int64
	LastMessageAt  string
	LastActivityAt string
	Preview        string
	Unread         int
	LastReadID     int64
}

// Outbox entry statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry is a locally queued message awaiting delivery.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID int64
	Body           string
	Status         string
	ErrorMessage   string
	ServerMsgID    int64
	CreatedAt      int64
	UpdatedAt      int64
}
