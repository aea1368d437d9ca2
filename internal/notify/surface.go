package notify

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogSurface is the daemon's built-in notification surface: it assigns real
// scheduling handles and records presentations in the log. A desktop UI
// replaces it with a Poster backed by the platform notifier.
type LogSurface struct {
	logger *zap.Logger

	mu   sync.Mutex
	live map[string]Notification
}

// NewLogSurface creates a log-backed surface.
func NewLogSurface(logger *zap.Logger) *LogSurface {
	return &LogSurface{
		logger: logger.Named("notify"),
		live:   make(map[string]Notification),
	}
}

// Schedule presents a notification and returns its handle.
func (s *LogSurface) Schedule(ctx context.Context, n Notification) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	s.live[id] = n
	s.mu.Unlock()

	s.logger.Info("notification presented",
		zap.String("id", id),
		zap.Int64("conversation_id", n.ConversationID),
		zap.String("title", n.Title),
		zap.String("lines", strings.Join(n.Lines, " | ")))
	return id, nil
}

// Dismiss removes one presented notification.
func (s *LogSurface) Dismiss(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.live[id]
	delete(s.live, id)
	s.mu.Unlock()

	if ok {
		s.logger.Info("notification dismissed", zap.String("id", id))
	}
	return nil
}

// DismissAll removes every presented notification.
func (s *LogSurface) DismissAll(ctx context.Context) error {
	s.mu.Lock()
	n := len(s.live)
	clear(s.live)
	s.mu.Unlock()

	if n > 0 {
		s.logger.Info("all notifications dismissed", zap.Int("count", n))
	}
	return nil
}

// Live returns how many notifications are currently presented.
func (s *LogSurface) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}
