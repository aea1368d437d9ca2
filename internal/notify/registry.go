// Package notify ties OS-level notifications to conversation and message
// identity so they can be replaced or dismissed exactly once, never stacked.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Dismisser is the OS surface for removing presented notifications.
// Failures are best-effort: a failed dismissal never blocks reconciliation.
type Dismisser interface {
	Dismiss(ctx context.Context, notificationID string) error
	DismissAll(ctx context.Context) error
}

// Registry is the bidirectional index conversation↔message↔notification-id.
// One instance per process, constructed explicitly and injected into
// consumers; Reset gives tests and logout a clean slate.
type Registry struct {
	mu             sync.Mutex
	byConversation map[int64]map[string]struct{}
	conversationOf map[string]int64
	byMessage      map[int64]string
	messageOf      map[string]int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.reset()
	return r
}

func (r *Registry) reset() {
	r.byConversation = make(map[int64]map[string]struct{})
	r.conversationOf = make(map[string]int64)
	r.byMessage = make(map[int64]string)
	r.messageOf = make(map[string]int64)
}

// Register records a scheduled notification in both directions.
// conversationID and messageID may be zero when unknown.
func (r *Registry) Register(conversationID, messageID int64, notificationID string) {
	if notificationID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if conversationID > 0 {
		set := r.byConversation[conversationID]
		if set == nil {
			set = make(map[string]struct{})
			r.byConversation[conversationID] = set
		}
		set[notificationID] = struct{}{}
	}
	r.conversationOf[notificationID] = conversationID

	if messageID > 0 {
		r.byMessage[messageID] = notificationID
		r.messageOf[notificationID] = messageID
	}
}

// IDsFor returns the live notification ids recorded for a conversation.
func (r *Registry) IDsFor(conversationID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byConversation[conversationID]
	if len(set) == 0 {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// forget removes one notification id from every index. Caller holds no lock.
func (r *Registry) forget(notificationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if convID, ok := r.conversationOf[notificationID]; ok {
		if set := r.byConversation[convID]; set != nil {
			delete(set, notificationID)
			if len(set) == 0 {
				delete(r.byConversation, convID)
			}
		}
	}
	delete(r.conversationOf, notificationID)

	if msgID, ok := r.messageOf[notificationID]; ok {
		delete(r.messageOf, notificationID)
		if r.byMessage[msgID] == notificationID {
			delete(r.byMessage, msgID)
		}
	}
}

// DismissOptions tunes DismissForConversation.
type DismissOptions struct {
	// FallbackToAll dismisses everything when no id is registered for the
	// conversation (used when a push names ids this process never saw).
	FallbackToAll bool
	// ExpectedIDs are ids carried by the triggering payload, dismissed in
	// addition to the registered ones.
	ExpectedIDs []string
}

// DismissForConversation issues OS dismiss calls for every live notification
// recorded for the conversation and removes the successful ones from the
// registry. reason is logged for diagnosis only.
func (r *Registry) DismissForConversation(ctx context.Context, d Dismisser, logger *zap.Logger, conversationID int64, reason string, opts DismissOptions) {
	candidates := make(map[string]struct{})
	for _, id := range r.IDsFor(conversationID) {
		candidates[id] = struct{}{}
	}
	for _, id := range opts.ExpectedIDs {
		if id != "" {
			candidates[id] = struct{}{}
		}
	}
	if len(candidates) == 0 {
		if opts.FallbackToAll {
			r.DismissAll(ctx, d, logger, reason)
		}
		return
	}

	dismissed := 0
	for id := range candidates {
		if err := d.Dismiss(ctx, id); err != nil {
			if logger != nil {
				logger.Warn("failed to dismiss notification",
					zap.String("notification_id", id),
					zap.Int64("conversation_id", conversationID),
					zap.Error(err))
			}
			continue
		}
		r.forget(id)
		dismissed++
	}
	if dismissed > 0 && logger != nil {
		logger.Info("notifications dismissed",
			zap.Int64("conversation_id", conversationID),
			zap.Int("count", dismissed),
			zap.String("reason", reason))
	}
}

// DismissAll clears every presented notification and empties the registry.
func (r *Registry) DismissAll(ctx context.Context, d Dismisser, logger *zap.Logger, reason string) {
	if err := d.DismissAll(ctx); err != nil {
		if logger != nil {
			logger.Warn("failed to dismiss all notifications", zap.String("reason", reason), zap.Error(err))
		}
		return
	}
	r.mu.Lock()
	r.reset()
	r.mu.Unlock()
	if logger != nil {
		logger.Info("all notifications dismissed", zap.String("reason", reason))
	}
}

// Reset empties the registry without touching the OS. Used on logout after
// the OS surface was already cleared.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
}
