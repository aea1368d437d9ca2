// Package inbox maintains the conversation list: socket-pushed preview
// updates, unread counter resolution, REST snapshot reconciliation and the
// notification side effects of new activity.
package inbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mutabaka/msync/internal/bus"
	"github.com/mutabaka/msync/internal/notify"
	"github.com/mutabaka/msync/internal/rest"
	"github.com/mutabaka/msync/internal/store"
	"github.com/mutabaka/msync/internal/unread"
	"github.com/mutabaka/msync/internal/wire"
)

// checkpointSnapshot records when the last full REST snapshot completed.
const checkpointSnapshot = "inbox_snapshot_at"

// SnapshotLister fetches pages of the conversation snapshot.
type SnapshotLister interface {
	ListConversations(ctx context.Context, page int) ([]rest.Conversation, bool, error)
}

// Manager owns inbox-level state for one session.
type Manager struct {
	db        *store.DB
	api       SnapshotLister
	bus       *bus.Bus
	presenter *notify.Presenter
	logger    *zap.Logger

	mu         sync.Mutex
	cleared    *unread.ClearedSet
	foreground bool
	activeConv int64
}

// NewManager creates an inbox manager.
func NewManager(db *store.DB, api SnapshotLister, b *bus.Bus, presenter *notify.Presenter, logger *zap.Logger) *Manager {
	return &Manager{
		db:        db,
		api:       api,
		bus:       b,
		presenter: presenter,
		logger:    logger.Named("inbox"),
		cleared:   unread.NewClearedSet(),
	}
}

// SetForeground records whether a UI currently shows the conversation list.
// Backgrounded sessions surface notifications for every update.
func (m *Manager) SetForeground(foreground bool) {
	m.mu.Lock()
	m.foreground = foreground
	m.mu.Unlock()
}

// SetActiveConversation records which conversation is open on screen, zero
// for none. Updates for the open conversation never notify.
func (m *Manager) SetActiveConversation(id int64) {
	m.mu.Lock()
	m.activeConv = id
	m.mu.Unlock()
}

// HandleFrame is the inbox socket frame handler.
func (m *Manager) HandleFrame(frame any) {
	switch f := frame.(type) {
	case wire.Hello:
		m.logger.Debug("inbox handshake received")
	case wire.InboxUpdate:
		m.handleUpdate(context.Background(), f)
	default:
		m.logger.Debug("ignoring frame on inbox socket", zap.Any("frame", f))
	}
}

// handleUpdate applies one pushed preview update: resolve the next unread
// counter, persist, publish, and surface or clear a notification.
func (m *Manager) handleUpdate(ctx context.Context, u wire.InboxUpdate) {
	prev, err := m.db.GetPreview(u.ConversationID)
	if err != nil {
		m.logger.Error("failed to load preview", zap.Int64("conversation_id", u.ConversationID), zap.Error(err))
		return
	}

	prevUnread := 0
	prevActivity := ""
	if prev != nil {
		prevUnread = prev.Unread
		prevActivity = prev.LastActivityAt
	}
	hasNewer := newerActivity(u.LastActivityAt, prevActivity)

	m.mu.Lock()
	explicitZero := u.Unread != nil && *u.Unread == 0
	var next int
	if explicitZero {
		next = 0
		m.cleared.Add(u.ConversationID)
	} else {
		next = unread.ResolveNext(prevUnread, u.Unread, hasNewer)
		if next > 0 {
			m.cleared.Delete(u.ConversationID)
		}
	}
	suppressed := m.foreground && m.activeConv == u.ConversationID
	m.mu.Unlock()

	if err := m.db.UpsertPreview(store.Preview{
		ConversationID: u.ConversationID,
		LastMessageAt:  u.LastMessageAt,
		LastActivityAt: u.LastActivityAt,
		Preview:        u.Preview,
		Unread:         next,
	}); err != nil {
		m.logger.Error("failed to persist preview", zap.Int64("conversation_id", u.ConversationID), zap.Error(err))
	}

	if explicitZero {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindCleared,
			Timestamp: time.Now(),
			Payload:   u.ConversationID,
		})
		m.presenter.ClearRemote(ctx, u.ConversationID, u.NotificationIDs, "conversation.cleared")
		return
	}

	m.bus.Publish(bus.Event{
		Kind:      bus.KindPreview,
		Timestamp: time.Now(),
		Payload: bus.PreviewUpdate{
			ConversationID: u.ConversationID,
			LastMessageAt:  u.LastMessageAt,
			LastActivityAt: u.LastActivityAt,
			Preview:        u.Preview,
			Unread:         &next,
		},
	})

	if hasNewer && !suppressed && u.Preview != "" {
		m.present(ctx, u, next)
	}
}

func (m *Manager) present(ctx context.Context, u wire.InboxUpdate, unreadCount int) {
	payload, err := json.Marshal(map[string]any{
		"type":            "message",
		"conversation_id": u.ConversationID,
		"preview":         u.Preview,
	})
	if err != nil {
		return
	}
	if _, err := m.presenter.Present(ctx, payload, &unreadCount, "inbox"); err != nil {
		m.logger.Warn("failed to present inbox notification",
			zap.Int64("conversation_id", u.ConversationID), zap.Error(err))
	}
}

// MarkCleared zeroes a conversation's counter on behalf of a local open,
// before the server echoes the read-marker back.
func (m *Manager) MarkCleared(ctx context.Context, conversationID int64) {
	m.mu.Lock()
	m.cleared.Add(conversationID)
	m.mu.Unlock()

	if err := m.db.SetUnread(conversationID, 0); err != nil {
		m.logger.Error("failed to zero unread", zap.Int64("conversation_id", conversationID), zap.Error(err))
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindCleared,
		Timestamp: time.Now(),
		Payload:   conversationID,
	})
	m.presenter.ClearConversation(ctx, conversationID, "conversation.opened")
}

// SyncSnapshot pulls the full conversation snapshot over REST and reconciles
// it against local state. Runs on startup and after reconnects, when pushed
// updates may have been missed.
func (m *Manager) SyncSnapshot(ctx context.Context) error {
	previous, err := m.db.UnreadCounts()
	if err != nil {
		return err
	}

	var conversations []rest.Conversation
	for page := 1; ; page++ {
		items, hasMore, err := m.api.ListConversations(ctx, page)
		if err != nil {
			return err
		}
		conversations = append(conversations, items...)
		if !hasMore {
			break
		}
	}

	snapshots := make([]unread.Snapshot, len(conversations))
	for i, conv := range conversations {
		n := 0
		if conv.Unread != nil {
			n = *conv.Unread
		}
		snapshots[i] = unread.Snapshot{ID: conv.ID, Unread: n}
	}

	m.mu.Lock()
	merged := unread.Reconcile(snapshots, previous, m.cleared)
	m.mu.Unlock()

	for i, conv := range conversations {
		resolved := merged[i].Unread
		if err := m.db.UpsertPreview(store.Preview{
			ConversationID: conv.ID,
			LastMessageAt:  conv.LastMessageAt,
			LastActivityAt: conv.LastActivityAt,
			Preview:        conv.Preview,
			Unread:         resolved,
		}); err != nil {
			m.logger.Error("failed to persist snapshot row", zap.Int64("conversation_id", conv.ID), zap.Error(err))
			continue
		}
		m.bus.Publish(bus.Event{
			Kind:      bus.KindPreview,
			Timestamp: time.Now(),
			Payload: bus.PreviewUpdate{
				ConversationID: conv.ID,
				LastMessageAt:  conv.LastMessageAt,
				LastActivityAt: conv.LastActivityAt,
				Preview:        conv.Preview,
				Unread:         &resolved,
			},
		})
	}

	if err := m.db.SetCheckpoint(checkpointSnapshot, time.Now().UTC().Format(time.RFC3339)); err != nil {
		m.logger.Warn("failed to record snapshot checkpoint", zap.Error(err))
	}
	m.logger.Info("snapshot reconciled", zap.Int("conversations", len(conversations)))
	return nil
}

// newerActivity reports whether incoming represents strictly newer activity
// than previous. Timestamps parse as RFC3339; unparsable values fall back to
// lexicographic comparison, which matches for same-format strings.
func newerActivity(incoming, previous string) bool {
	if incoming == "" {
		return false
	}
	if previous == "" {
		return true
	}
	it, ierr := time.Parse(time.RFC3339, incoming)
	pt, perr := time.Parse(time.RFC3339, previous)
	if ierr == nil && perr == nil {
		return it.After(pt)
	}
	return incoming > previous
}
