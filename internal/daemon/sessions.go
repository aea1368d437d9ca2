package daemon

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mutabaka/msync/internal/auth"
	"github.com/mutabaka/msync/internal/bus"
	"github.com/mutabaka/msync/internal/chat"
	"github.com/mutabaka/msync/internal/config"
	"github.com/mutabaka/msync/internal/inbox"
	"github.com/mutabaka/msync/internal/outbox"
	"github.com/mutabaka/msync/internal/rest"
	"github.com/mutabaka/msync/internal/store"
	"github.com/mutabaka/msync/internal/ws"
)

// Sessions manages the chat sessions for conversations currently open on
// screen. At most one session exists per conversation.
type Sessions struct {
	cfg    *config.Config
	db     *store.DB
	api    *rest.Client
	tokens *auth.TokenSource
	queuer *outbox.Sender
	inbox  *inbox.Manager
	bus    *bus.Bus
	logger *zap.Logger

	mu   sync.Mutex
	open map[int64]*chat.Session
}

// NewSessions creates the session manager.
func NewSessions(cfg *config.Config, db *store.DB, api *rest.Client, tokens *auth.TokenSource, queuer *outbox.Sender, im *inbox.Manager, b *bus.Bus, logger *zap.Logger) *Sessions {
	return &Sessions{
		cfg:    cfg,
		db:     db,
		api:    api,
		tokens: tokens,
		queuer: queuer,
		inbox:  im,
		bus:    b,
		logger: logger,
		open:   make(map[int64]*chat.Session),
	}
}

// Open starts a session for the conversation, or returns the one already
// running.
func (s *Sessions) Open(ctx context.Context, conversationID int64, self string) (*chat.Session, error) {
	s.mu.Lock()
	if existing, ok := s.open[conversationID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	var session *chat.Session
	sup := ws.NewSupervisor(ws.Options{
		Name:     fmt.Sprintf("chat-%d", conversationID),
		Endpoint: s.cfg.Conversation,
		Dial: ws.NewDialFunc(s.cfg.WSBaseURL, fmt.Sprintf("conversations/%d", conversationID),
			s.cfg.TenantHost, s.tokens),
		Handler: func(frame any) { session.HandleFrame(frame) },
		Refresh: func(ctx context.Context) error { return s.tokens.RefreshOnce(ctx, s.api) },
		Bus:     s.bus,
		Logger:  s.logger,
	})

	session = chat.NewSession(chat.Options{
		ConversationID: conversationID,
		Self:           self,
		Socket:         sup,
		API:            s.api,
		Queuer:         s.queuer,
		DB:             s.db,
		Inbox:          s.inbox,
		Bus:            s.bus,
		Logger:         s.logger,
	})

	if err := session.Open(ctx); err != nil {
		sup.Close()
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.open[conversationID]; ok {
		// Lost a race with a concurrent open.
		s.mu.Unlock()
		session.Close()
		return existing, nil
	}
	s.open[conversationID] = session
	s.mu.Unlock()
	return session, nil
}

// Close tears down the session for one conversation, if any.
func (s *Sessions) Close(conversationID int64) {
	s.mu.Lock()
	session, ok := s.open[conversationID]
	delete(s.open, conversationID)
	s.mu.Unlock()
	if ok {
		session.Close()
	}
}

// CloseAll tears down every open session. Used on shutdown and logout.
func (s *Sessions) CloseAll() {
	s.mu.Lock()
	sessions := make([]*chat.Session, 0, len(s.open))
	for _, session := range s.open {
		sessions = append(sessions, session)
	}
	clear(s.open)
	s.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}
