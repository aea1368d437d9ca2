package wire

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Field alias tables. The server, the push pipeline, and older client
// builds spell the same logical id several ways; extraction tries each
// alias in order and silently ignores values that do not normalize.
var (
	conversationIDKeys = []string{
		"conversation_id",
		"conversationId",
		"conversationID",
		"conversation",
		"thread_id",
		"threadId",
		"threadID",
		"cid",
	}

	messageIDKeys = []string{
		"message_id",
		"messageId",
		"messageID",
		"id",
		"mid",
	}

	notificationIDKeys = []string{
		"notification_ids",
		"notificationIds",
		"notification_ids_json",
		"notification_ids_list",
		"notification_id",
		"notificationId",
	}

	unreadKeys = []string{"unread_count", "unreadCount", "unread"}
)

// NormalizeID converts a JSON value into a positive integer id.
// Accepts numbers and numeric strings; everything else is rejected.
func NormalizeID(v gjson.Result) (int64, bool) {
	switch v.Type {
	case gjson.Number:
		n := v.Int()
		if n > 0 {
			return n, true
		}
	case gjson.String:
		trimmed := strings.TrimSpace(v.String())
		if trimmed == "" {
			return 0, false
		}
		n, err := strconv.ParseInt(trimmed, 10, 64)
		if err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}

func firstID(doc gjson.Result, keys []string) (int64, bool) {
	for _, key := range keys {
		if v := doc.Get(key); v.Exists() {
			if id, ok := NormalizeID(v); ok {
				return id, true
			}
		}
	}
	return 0, false
}

// ConversationID extracts a conversation id from a JSON document trying
// every known alias.
func ConversationID(doc gjson.Result) (int64, bool) {
	return firstID(doc, conversationIDKeys)
}

// MessageID extracts a message id from a JSON document trying every
// known alias.
func MessageID(doc gjson.Result) (int64, bool) {
	return firstID(doc, messageIDKeys)
}

// UnreadCount extracts an explicit unread counter, clamped to zero.
// Returns nil when no alias carries a usable number, which callers must
// treat differently from an explicit zero.
func UnreadCount(doc gjson.Result) *int {
	for _, key := range unreadKeys {
		v := doc.Get(key)
		if !v.Exists() {
			continue
		}
		switch v.Type {
		case gjson.Number:
			n := int(v.Int())
			if n < 0 {
				n = 0
			}
			return &n
		case gjson.String:
			trimmed := strings.TrimSpace(v.String())
			if trimmed == "" {
				continue
			}
			parsed, err := strconv.Atoi(trimmed)
			if err != nil {
				continue
			}
			if parsed < 0 {
				parsed = 0
			}
			return &parsed
		}
	}
	return nil
}

// StringField returns the first non-empty trimmed string among the aliases.
func StringField(doc gjson.Result, keys ...string) string {
	for _, key := range keys {
		if v := doc.Get(key); v.Type == gjson.String {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

// NotificationIDs collects OS notification ids from a payload. Values may
// arrive as a JSON array, a JSON-encoded array string, a comma-separated
// list, or a single scalar; results are deduplicated in first-seen order.
func NotificationIDs(doc gjson.Result) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	var collect func(v gjson.Result)
	collect = func(v gjson.Result) {
		switch {
		case v.IsArray():
			for _, entry := range v.Array() {
				collect(entry)
			}
		case v.Type == gjson.String:
			s := strings.TrimSpace(v.String())
			if s == "" {
				return
			}
			if strings.HasPrefix(s, "[") {
				if parsed := gjson.Parse(s); parsed.IsArray() {
					collect(parsed)
					return
				}
			}
			for _, token := range strings.Split(s, ",") {
				add(token)
			}
		case v.Type == gjson.Number:
			add(v.String())
		}
	}

	for _, key := range notificationIDKeys {
		if v := doc.Get(key); v.Exists() {
			collect(v)
		}
	}
	return out
}
