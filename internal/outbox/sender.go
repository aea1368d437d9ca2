// Package outbox drains locally queued messages to the HTTP API. A message
// survives daemon restarts until the server accepts it, and the optimistic
// echo is published immediately so UIs render it before the send completes.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mutabaka/msync/internal/bus"
	"github.com/mutabaka/msync/internal/rest"
	"github.com/mutabaka/msync/internal/store"
)

const pollInterval = 500 * time.Millisecond

// MessageSender submits one message to the API.
type MessageSender interface {
	SendMessage(ctx context.Context, conversationID int64, clientID, body string) (rest.Message, error)
}

// Sender queues messages and drains the outbox in the background.
type Sender struct {
	db     *store.DB
	api    MessageSender
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, api MessageSender, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:     db,
		api:    api,
		bus:    b,
		logger: logger.Named("outbox"),
	}
}

// Queue stores a message for delivery and publishes the optimistic echo.
// Returns the generated client id, which later matches the server copy back
// to this entry.
func (s *Sender) Queue(conversationID int64, body string) (string, error) {
	clientID := uuid.NewString()
	if _, err := s.db.QueueOutbox(clientID, conversationID, body); err != nil {
		return "", err
	}

	s.bus.Publish(bus.Event{
		Kind:      bus.KindUpserted,
		Timestamp: time.Now(),
		Payload: bus.MessageRef{
			ConversationID: conversationID,
			ClientID:       clientID,
		},
	})
	return clientID, nil
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessPending drains everything currently queued. Exported so a chat
// session can force a drain right after queueing instead of waiting out the
// poll interval.
func (s *Sender) ProcessPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox(50)
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		claimed, err := s.db.MarkOutboxSending(entry.ID)
		if err != nil {
			s.logger.Error("failed to claim entry", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}
		if !claimed {
			continue
		}
		s.send(ctx, entry)
	}
}

func (s *Sender) send(ctx context.Context, entry store.OutboxEntry) {
	msg, err := s.api.SendMessage(ctx, entry.ConversationID, entry.ClientMsgID, entry.Body)
	if err != nil {
		if retriable(err) {
			s.logger.Warn("send failed, will retry",
				zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
			_ = s.db.RequeueOutbox(entry.ID)
			return
		}

		s.logger.Error("send rejected",
			zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
		_ = s.db.MarkOutboxFailed(entry.ID, err.Error())
		s.bus.Publish(bus.Event{
			Kind:      bus.KindSendFailed,
			Timestamp: time.Now(),
			Payload: bus.SendResult{
				ConversationID: entry.ConversationID,
				ClientID:       entry.ClientMsgID,
				Err:            err.Error(),
			},
		})
		return
	}

	if err := s.db.MarkOutboxSent(entry.ID, msg.ID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}

	s.logger.Info("message sent",
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.Int64("server_msg_id", msg.ID))
	s.bus.Publish(bus.Event{
		Kind:      bus.KindSendAck,
		Timestamp: time.Now(),
		Payload: bus.SendResult{
			ConversationID: entry.ConversationID,
			ClientID:       entry.ClientMsgID,
			ServerID:       msg.ID,
		},
	})
}

// retriable reports whether a send error is transient. Server rejections
// (4xx) are final; network failures and 5xx answers are not.
func retriable(err error) bool {
	var apiErr *rest.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	if errors.Is(err, rest.ErrUnauthorized) {
		return false
	}
	return true
}
