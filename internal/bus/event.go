package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds in use:
//
//	conversation.preview     payload PreviewUpdate
//	conversation.cleared     payload int64 (conversation id)
//	message.upserted         payload MessageRef
//	message.send_ack         payload SendResult
//	message.send_failed      payload SendResult
//	socket.state             payload StateChange
//	session.tokens_changed   no payload
//	session.logged_out       no payload
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the core.
const (
	KindPreview       = "conversation.preview"
	KindCleared       = "conversation.cleared"
	KindUpserted      = "message.upserted"
	KindSendAck       = "message.send_ack"
	KindSendFailed    = "message.send_failed"
	KindSocketState   = "socket.state"
	KindTokensChanged = "session.tokens_changed"
	KindLoggedOut     = "session.logged_out"
)

// PreviewUpdate is the normalized "conversation preview changed" event the
// core proposes to UI-owned storage. Unread is a pointer so an explicit zero
// (the user opened the conversation) is distinguishable from absence.
type PreviewUpdate struct {
	ConversationID int64
	LastMessageAt  string
	LastActivityAt string
	Preview        string
	Unread         *int
}

// MessageRef identifies a message within a conversation.
type MessageRef struct {
	ConversationID int64
	MessageID      int64
	ClientID       string
}

// SendResult reports the outcome of an optimistic send.
type SendResult struct {
	ConversationID int64
	ClientID       string
	ServerID       int64
	Err            string
}

// StateChange reports a socket state transition for one endpoint.
type StateChange struct {
	Endpoint string
	From     string
	To       string
}
