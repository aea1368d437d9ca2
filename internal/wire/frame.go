// Package wire defines the JSON frame protocol spoken over the inbox and
// conversation WebSockets, with defensive decoding: unknown frame types and
// malformed payloads are reported to the caller, never panicked on, and the
// connection stays open.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Inbound frame types.
const (
	TypePong          = "pong"
	TypeHello         = "inbox.hello"
	TypeInboxUpdate   = "inbox.update"
	TypeChatMessage   = "chat.message"
	TypeMessageStatus = "message.status"
	TypeChatRead      = "chat.read"
)

// Outbound frame types.
const (
	TypePing = "ping"
	TypeAck  = "ack"
	TypeRead = "read"
)

// Message delivery lifecycle ordinals. Always advancing.
const (
	StatusSent      = 0
	StatusDelivered = 1
	StatusRead      = 2
)

// ErrUnknownType is returned by Decode for frame types this client does not
// recognize. Callers log and drop.
var ErrUnknownType = errors.New("unknown frame type")

// Pong is the heartbeat acknowledgment. No payload.
type Pong struct{}

// Hello is the inbox handshake notice. No payload semantics.
type Hello struct{}

// InboxUpdate is a conversation-list-level signal on the inbox socket.
// Unread is nil when the server sent no explicit counter. NotificationIDs
// carries the OS notification handles another device asks us to dismiss.
type InboxUpdate struct {
	ConversationID  int64
	Unread          *int
	Preview         string
	LastMessageAt   string
	LastActivityAt  string
	NotificationIDs []string
}

// ChatMessage is a full message payload on a conversation socket.
type ChatMessage struct {
	ID             int64
	ClientID       string
	Sender         string
	SenderDisplay  string
	Kind           string
	Body           string
	CreatedAt      string
	DeliveryStatus int
}

// MessageStatus advances a message's delivery state.
type MessageStatus struct {
	ID             int64
	ConversationID int64
	DeliveryStatus int
	DeliveredAt    string
	ReadAt         string
}

// ChatRead announces a participant's read cursor.
type ChatRead struct {
	Reader     string
	LastReadID int64
}

// Decode parses a raw frame and returns one of the typed frame structs.
func Decode(data []byte) (any, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("malformed frame: invalid JSON")
	}
	doc := gjson.ParseBytes(data)
	frameType := doc.Get("type").String()

	switch frameType {
	case TypePong:
		return Pong{}, nil
	case TypeHello:
		return Hello{}, nil
	case TypeInboxUpdate:
		id, ok := ConversationID(doc)
		if !ok {
			return nil, fmt.Errorf("inbox.update without usable conversation id")
		}
		lastMessageAt := StringField(doc, "last_message_at", "lastMessageAt")
		lastActivityAt := StringField(doc, "last_activity_at", "lastActivityAt")
		if lastActivityAt == "" {
			lastActivityAt = lastMessageAt
		}
		return InboxUpdate{
			ConversationID:  id,
			Unread:          UnreadCount(doc),
			Preview:         StringField(doc, "last_message_preview", "lastMessagePreview", "preview"),
			LastMessageAt:   lastMessageAt,
			LastActivityAt:  lastActivityAt,
			NotificationIDs: NotificationIDs(doc),
		}, nil
	case TypeChatMessage:
		id, ok := NormalizeID(doc.Get("id"))
		if !ok {
			return nil, fmt.Errorf("chat.message without usable id")
		}
		return ChatMessage{
			ID:             id,
			ClientID:       StringField(doc, "client_id", "clientId"),
			Sender:         StringField(doc, "sender", "sender_username"),
			SenderDisplay:  StringField(doc, "senderDisplay", "sender_display"),
			Kind:           StringField(doc, "kind", "message_type"),
			Body:           doc.Get("body").String(),
			CreatedAt:      StringField(doc, "created_at", "createdAt"),
			DeliveryStatus: decodeDeliveryStatus(doc, StatusSent),
		}, nil
	case TypeMessageStatus:
		id, ok := MessageID(doc)
		if !ok {
			return nil, fmt.Errorf("message.status without usable id")
		}
		convID, _ := ConversationID(doc)
		return MessageStatus{
			ID:             id,
			ConversationID: convID,
			DeliveryStatus: decodeDeliveryStatus(doc, StatusSent),
			DeliveredAt:    StringField(doc, "delivered_at", "deliveredAt"),
			ReadAt:         StringField(doc, "read_at", "readAt"),
		}, nil
	case TypeChatRead:
		lastReadID, ok := NormalizeID(doc.Get("last_read_id"))
		if !ok {
			return nil, fmt.Errorf("chat.read without usable last_read_id")
		}
		return ChatRead{
			Reader:     StringField(doc, "reader"),
			LastReadID: lastReadID,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, frameType)
	}
}

// decodeDeliveryStatus reads delivery_status as an ordinal, falling back to
// the legacy status string spelling.
func decodeDeliveryStatus(doc gjson.Result, fallback int) int {
	if v := doc.Get("delivery_status"); v.Type == gjson.Number {
		n := int(v.Int())
		if n >= StatusSent && n <= StatusRead {
			return n
		}
	}
	switch doc.Get("status").String() {
	case "read":
		return StatusRead
	case "delivered":
		return StatusDelivered
	}
	return fallback
}

// EncodePing builds the heartbeat frame.
func EncodePing() []byte {
	return []byte(`{"type":"ping"}`)
}

// EncodeAck builds a batched delivery acknowledgment frame.
func EncodeAck(messageIDs []int64) ([]byte, error) {
	return json.Marshal(struct {
		Type       string  `json:"type"`
		MessageIDs []int64 `json:"message_ids"`
	}{Type: TypeAck, MessageIDs: messageIDs})
}

// EncodeRead builds a read-cursor frame.
func EncodeRead(lastReadID int64) ([]byte, error) {
	return json.Marshal(struct {
		Type       string `json:"type"`
		LastReadID int64  `json:"last_read_id"`
	}{Type: TypeRead, LastReadID: lastReadID})
}
