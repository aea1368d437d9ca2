package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/mutabaka/msync/internal/wire"
)

// Fallback strings when a push payload carries no usable sender or preview.
const (
	fallbackTitle = "مطابقة"
	fallbackBody  = "لديك رسالة جديدة."
)

// HistoryLines is how many recent previews the collapsed multi-line body
// keeps per conversation.
const HistoryLines = 7

// Notification is the content handed to the OS scheduling surface.
type Notification struct {
	Title          string
	Body           string
	Lines          []string
	ConversationID int64
	MessageID      int64
	Badge          *int
	Category       string
	Group          string
}

// Poster is the OS surface for presenting a local notification. It returns
// the OS scheduling handle.
type Poster interface {
	Schedule(ctx context.Context, n Notification) (string, error)
}

// HistoryStore persists recent message previews per conversation so the
// collapsed notification body survives process restarts.
type HistoryStore interface {
	AppendNotificationHistory(conversationID int64, preview string, keep int) error
	NotificationHistory(conversationID int64, limit int) ([]string, error)
	ClearNotificationHistory(conversationID int64) error
}

// Presenter decides whether and how to surface a push payload as an OS
// notification, enforcing replace-not-stack per conversation.
type Presenter struct {
	registry  *Registry
	poster    Poster
	dismisser Dismisser
	history   HistoryStore
	logger    *zap.Logger
}

// NewPresenter wires the presentation routine.
func NewPresenter(registry *Registry, poster Poster, dismisser Dismisser, history HistoryStore, logger *zap.Logger) *Presenter {
	return &Presenter{
		registry:  registry,
		poster:    poster,
		dismisser: dismisser,
		history:   history,
		logger:    logger,
	}
}

var messageTypeHints = []string{"message", "chat.message", "inbox.message"}

var ignoredReasons = map[string]struct{}{
	"chat.read":         {},
	"conversation.read": {},
}

// IsMessagePayload reports whether a push payload describes a new message
// (as opposed to a read receipt or housekeeping signal).
func IsMessagePayload(doc gjson.Result) bool {
	if reason := wire.StringField(doc, "reason", "event"); reason != "" {
		if _, ignore := ignoredReasons[strings.ToLower(reason)]; ignore {
			return false
		}
	}
	if typ := wire.StringField(doc, "type", "event"); typ != "" {
		lowered := strings.ToLower(typ)
		for _, hint := range messageTypeHints {
			if strings.Contains(lowered, hint) {
				return true
			}
		}
	}
	if kind := wire.StringField(doc, "kind", "payload_type"); kind != "" {
		if strings.Contains(strings.ToLower(kind), "message") {
			return true
		}
	}
	return wire.StringField(doc, "preview", "body") != ""
}

// Present surfaces one message payload. Any existing notification for the
// conversation is dismissed first so at most one stays live. Returns the new
// notification id, or empty when the payload was not presentable.
func (p *Presenter) Present(ctx context.Context, payload []byte, unread *int, source string) (string, error) {
	doc := gjson.ParseBytes(payload)
	if !IsMessagePayload(doc) {
		return "", nil
	}

	conversationID, _ := wire.ConversationID(doc)
	messageID, _ := wire.MessageID(doc)
	sender := wire.StringField(doc, "sender_display", "sender", "title")
	preview := wire.StringField(doc, "preview", "body", "message")

	if conversationID > 0 {
		p.registry.DismissForConversation(ctx, p.dismisser, p.logger, conversationID,
			fmt.Sprintf("notification.replace.%s", source), DismissOptions{})
	}

	lines := p.appendHistory(conversationID, sender, preview)

	n := Notification{
		Title:          sender,
		Body:           preview,
		Lines:          lines,
		ConversationID: conversationID,
		MessageID:      messageID,
		Badge:          unread,
		Category:       wire.StringField(doc, "category"),
	}
	if n.Title == "" {
		n.Title = fallbackTitle
	}
	if n.Body == "" {
		n.Body = fallbackBody
	}
	if conversationID > 0 {
		n.Group = fmt.Sprintf("conversation-%d", conversationID)
	}

	id, err := p.poster.Schedule(ctx, n)
	if err != nil {
		p.logger.Warn("failed to schedule conversation notification",
			zap.Int64("conversation_id", conversationID), zap.Error(err))
		return "", err
	}
	p.registry.Register(conversationID, messageID, id)
	return id, nil
}

// ClearRemote handles a cross-device read signal. The payload may name the
// notification ids presented elsewhere; those are dismissed along with
// everything registered locally, falling back to a full sweep when none of
// the named ids are known here.
func (p *Presenter) ClearRemote(ctx context.Context, conversationID int64, ids []string, reason string) {
	p.registry.DismissForConversation(ctx, p.dismisser, p.logger, conversationID, reason, DismissOptions{
		ExpectedIDs:   ids,
		FallbackToAll: len(ids) > 0,
	})
	if p.history != nil {
		if err := p.history.ClearNotificationHistory(conversationID); err != nil {
			p.logger.Warn("failed to clear notification history",
				zap.Int64("conversation_id", conversationID), zap.Error(err))
		}
	}
}

// ClearConversation drops presented notifications and the durable history
// for a conversation (user opened or deleted it).
func (p *Presenter) ClearConversation(ctx context.Context, conversationID int64, reason string) {
	p.registry.DismissForConversation(ctx, p.dismisser, p.logger, conversationID, reason, DismissOptions{})
	if p.history != nil {
		if err := p.history.ClearNotificationHistory(conversationID); err != nil {
			p.logger.Warn("failed to clear notification history",
				zap.Int64("conversation_id", conversationID), zap.Error(err))
		}
	}
}

func (p *Presenter) appendHistory(conversationID int64, sender, preview string) []string {
	if p.history == nil || conversationID <= 0 || preview == "" {
		return nil
	}
	line := preview
	if sender != "" {
		line = sender + ": " + preview
	}
	if err := p.history.AppendNotificationHistory(conversationID, line, HistoryLines); err != nil {
		p.logger.Warn("failed to append notification history",
			zap.Int64("conversation_id", conversationID), zap.Error(err))
	}
	lines, err := p.history.NotificationHistory(conversationID, HistoryLines)
	if err != nil {
		p.logger.Warn("failed to read notification history",
			zap.Int64("conversation_id", conversationID), zap.Error(err))
		return nil
	}
	return lines
}
