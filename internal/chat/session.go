// Package chat runs one open conversation: its socket, message timeline,
// delivery acks and read cursor. A session exists only while the
// conversation is on screen.
package chat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mutabaka/msync/internal/bus"
	"github.com/mutabaka/msync/internal/delivery"
	"github.com/mutabaka/msync/internal/inbox"
	"github.com/mutabaka/msync/internal/rest"
	"github.com/mutabaka/msync/internal/store"
	"github.com/mutabaka/msync/internal/wire"
	"github.com/mutabaka/msync/internal/ws"
)

const backfillLimit = 50

// Socket is the conversation endpoint the session drives. Implemented by
// ws.Supervisor.
type Socket interface {
	Send(data []byte) error
	EnsureConnection(ctx context.Context)
	AddStateListener(fn ws.StateListener)
	Close()
}

// BackfillAPI fetches messages missed while no socket was connected.
type BackfillAPI interface {
	ListMessagesSince(ctx context.Context, conversationID, sinceID int64, limit int) ([]rest.Message, error)
}

// MessageQueuer queues an outbound message for durable delivery.
type MessageQueuer interface {
	Queue(conversationID int64, body string) (clientID string, err error)
}

// Session owns the live state of one open conversation.
type Session struct {
	conversationID int64
	self           string

	socket  Socket
	tracker *delivery.Tracker
	api     BackfillAPI
	queuer  MessageQueuer
	db      *store.DB
	inbox   *inbox.Manager
	bus     *bus.Bus
	logger  *zap.Logger

	mu   sync.Mutex
	list *delivery.List
}

// Options configures a Session.
type Options struct {
	ConversationID int64
	// Self is the local account's username, used to attribute sides of
	// the timeline.
	Self   string
	Socket Socket
	API    BackfillAPI
	Queuer MessageQueuer
	DB     *store.DB
	Inbox  *inbox.Manager
	Bus    *bus.Bus
	Logger *zap.Logger
}

// NewSession creates a session. Call Open to start it.
func NewSession(opts Options) *Session {
	s := &Session{
		conversationID: opts.ConversationID,
		self:           opts.Self,
		socket:         opts.Socket,
		api:            opts.API,
		queuer:         opts.Queuer,
		db:             opts.DB,
		inbox:          opts.Inbox,
		bus:            opts.Bus,
		logger:         opts.Logger.Named("chat").With(zap.Int64("conversation_id", opts.ConversationID)),
		list:           delivery.NewList(),
	}

	s.tracker = delivery.NewTracker(opts.Socket, opts.Logger)
	s.tracker.OnWatermark = func(lastReadID int64) {
		if err := s.db.AdvanceReadWatermark(s.conversationID, lastReadID); err != nil {
			s.logger.Warn("failed to persist read watermark", zap.Error(err))
		}
	}
	return s
}

// Open starts the session: clears the unread counter, backfills missed
// messages, and brings the socket up. Pending acks and the read cursor
// flush on every socket open.
func (s *Session) Open(ctx context.Context) error {
	s.inbox.SetActiveConversation(s.conversationID)
	s.inbox.MarkCleared(ctx, s.conversationID)

	watermark, err := s.db.ReadWatermark(s.conversationID)
	if err != nil {
		s.logger.Warn("failed to load read watermark", zap.Error(err))
	}
	if watermark > 0 {
		s.tracker.QueueRead(watermark)
	}

	if err := s.backfill(ctx, watermark); err != nil {
		// The socket still delivers new traffic; backfill retries on the
		// next open.
		s.logger.Warn("backfill failed", zap.Error(err))
	}

	s.socket.AddStateListener(func(from, to ws.State) {
		if to == ws.StateOpen {
			// Listeners run under the supervisor lock; flushing writes back
			// through the socket, so it must happen off this goroutine.
			go s.tracker.OnOpen()
		}
	})
	s.socket.EnsureConnection(ctx)
	return nil
}

// Close tears the session down: the socket closes cleanly, timers cancel,
// and queued acks drop (the server re-delivers unacked messages next time).
func (s *Session) Close() {
	s.inbox.SetActiveConversation(0)
	s.tracker.Close()
	s.socket.Close()
}

// HandleFrame is the conversation socket frame handler.
func (s *Session) HandleFrame(frame any) {
	switch f := frame.(type) {
	case wire.ChatMessage:
		s.handleMessage(f)
	case wire.MessageStatus:
		s.handleStatus(f)
	case wire.ChatRead:
		s.handleRead(f)
	default:
		s.logger.Debug("ignoring frame on conversation socket", zap.Any("frame", f))
	}
}

// SendText queues a message and places its optimistic echo in the timeline.
func (s *Session) SendText(body string) (string, error) {
	clientID, err := s.queuer.Queue(s.conversationID, body)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.list.Upsert(delivery.Message{
		ClientID:  clientID,
		Sender:    s.self,
		Body:      body,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Pending:   true,
	})
	s.mu.Unlock()
	return clientID, nil
}

// Messages returns the current timeline snapshot.
func (s *Session) Messages() []delivery.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list.Snapshot()
}

// ApplySendResult folds an outbox outcome into the timeline, attaching the
// server id to the optimistic echo.
func (s *Session) ApplySendResult(result bus.SendResult) {
	if result.ConversationID != s.conversationID || result.Err != "" {
		return
	}
	s.mu.Lock()
	s.list.Upsert(delivery.Message{
		ID:       result.ServerID,
		ClientID: result.ClientID,
		Sender:   s.self,
	})
	s.mu.Unlock()
}

func (s *Session) handleMessage(msg wire.ChatMessage) {
	s.mu.Lock()
	isNew := s.list.Upsert(delivery.Message{
		ID:             msg.ID,
		ClientID:       msg.ClientID,
		Sender:         msg.Sender,
		Body:           msg.Body,
		CreatedAt:      msg.CreatedAt,
		DeliveryStatus: msg.DeliveryStatus,
	})
	s.mu.Unlock()

	if msg.Sender != s.self && msg.Sender != "" {
		// The conversation is on screen, so receipt and read coincide.
		s.tracker.QueueAck(msg.ID)
		s.tracker.QueueRead(msg.ID)
	}

	if isNew {
		s.bus.Publish(bus.Event{
			Kind:      bus.KindUpserted,
			Timestamp: time.Now(),
			Payload: bus.MessageRef{
				ConversationID: s.conversationID,
				MessageID:      msg.ID,
				ClientID:       msg.ClientID,
			},
		})
	}
}

func (s *Session) handleStatus(status wire.MessageStatus) {
	s.mu.Lock()
	applied := s.list.ApplyStatus(status)
	s.mu.Unlock()

	if applied {
		s.bus.Publish(bus.Event{
			Kind:      bus.KindUpserted,
			Timestamp: time.Now(),
			Payload: bus.MessageRef{
				ConversationID: s.conversationID,
				MessageID:      status.ID,
			},
		})
	}
}

func (s *Session) handleRead(read wire.ChatRead) {
	s.mu.Lock()
	changed := s.list.MarkReadBy(read.Reader, read.LastReadID)
	s.mu.Unlock()

	for _, id := range changed {
		s.bus.Publish(bus.Event{
			Kind:      bus.KindUpserted,
			Timestamp: time.Now(),
			Payload: bus.MessageRef{
				ConversationID: s.conversationID,
				MessageID:      id,
			},
		})
	}
}

// backfill pulls messages missed since the read watermark and feeds them
// through the same path as live socket traffic.
func (s *Session) backfill(ctx context.Context, sinceID int64) error {
	msgs, err := s.api.ListMessagesSince(ctx, s.conversationID, sinceID, backfillLimit)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		s.handleMessage(wire.ChatMessage{
			ID:             msg.ID,
			ClientID:       msg.ClientID,
			Sender:         msg.Sender,
			Body:           msg.Body,
			CreatedAt:      msg.CreatedAt,
			DeliveryStatus: msg.DeliveryStatus,
		})
	}
	s.logger.Info("backfill complete", zap.Int("messages", len(msgs)), zap.Int64("since_id", sinceID))
	return nil
}
