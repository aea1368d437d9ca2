// Package delivery tracks what the peer's server knows about us: which
// messages we acknowledged receiving and how far we have read. Acks are
// batched and debounced; the read cursor is a monotonic watermark.
package delivery

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mutabaka/msync/internal/sched"
	"github.com/mutabaka/msync/internal/wire"
)

const (
	// MaxAckBatch bounds one ack frame. A reconnect after a long offline
	// stretch can accumulate thousands of pending ids.
	MaxAckBatch = 300

	ackDebounce  = 180 * time.Millisecond
	readDebounce = 200 * time.Millisecond

	timerAck  = "ack"
	timerRead = "read"
)

// Sender writes one frame to the conversation socket.
type Sender interface {
	Send(data []byte) error
}

// Tracker owns the outbound ack and read-cursor state for one conversation
// socket. Safe for concurrent use; debounce timers fire on scheduler
// goroutines.
type Tracker struct {
	sender Sender
	sched  *sched.Scheduler
	logger *zap.Logger

	mu             sync.Mutex
	pendingAcks    map[int64]struct{}
	watermark      int64
	watermarkAcked int64

	// OnWatermark runs after a read frame is accepted by the socket,
	// typically to persist the cursor.
	OnWatermark func(lastReadID int64)
}

// NewTracker creates a tracker writing to sender.
func NewTracker(sender Sender, logger *zap.Logger) *Tracker {
	return &Tracker{
		sender:      sender,
		sched:       sched.New(),
		logger:      logger.Named("delivery"),
		pendingAcks: make(map[int64]struct{}),
	}
}

// QueueAck schedules delivery acknowledgments for the given message ids.
// Duplicate ids collapse; the flush is debounced so a burst of inbound
// messages produces one frame.
func (t *Tracker) QueueAck(ids ...int64) {
	t.mu.Lock()
	queued := false
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := t.pendingAcks[id]; !ok {
			t.pendingAcks[id] = struct{}{}
			queued = true
		}
	}
	t.mu.Unlock()
	if queued {
		t.sched.Schedule(timerAck, ackDebounce, t.FlushAcks)
	}
}

// FlushAcks sends pending acks now, at most MaxAckBatch per frame. Ids stay
// queued when the socket is down and on send failure; a remainder beyond the
// batch cap re-arms the timer.
func (t *Tracker) FlushAcks() {
	t.mu.Lock()
	if len(t.pendingAcks) == 0 {
		t.mu.Unlock()
		return
	}

	batch := make([]int64, 0, min(len(t.pendingAcks), MaxAckBatch))
	for id := range t.pendingAcks {
		batch = append(batch, id)
		if len(batch) == MaxAckBatch {
			break
		}
	}
	t.mu.Unlock()

	frame, err := wire.EncodeAck(batch)
	if err != nil {
		t.logger.Error("encode ack", zap.Error(err))
		return
	}
	if err := t.sender.Send(frame); err != nil {
		t.logger.Debug("ack send failed, keeping queued",
			zap.Int("count", len(batch)), zap.Error(err))
		return
	}

	t.mu.Lock()
	for _, id := range batch {
		delete(t.pendingAcks, id)
	}
	remaining := len(t.pendingAcks)
	t.mu.Unlock()
	if remaining > 0 {
		t.sched.Schedule(timerAck, ackDebounce, t.FlushAcks)
	}
}

// PendingAcks returns how many ids await acknowledgment.
func (t *Tracker) PendingAcks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pendingAcks)
}

// QueueRead advances the read watermark. Smaller ids are ignored; the flush
// is debounced.
func (t *Tracker) QueueRead(lastReadID int64) {
	t.mu.Lock()
	if lastReadID <= t.watermark {
		t.mu.Unlock()
		return
	}
	t.watermark = lastReadID
	t.mu.Unlock()
	t.sched.Schedule(timerRead, readDebounce, t.FlushRead)
}

// FlushRead sends the current watermark if it has moved since the last
// accepted send.
func (t *Tracker) FlushRead() {
	t.mu.Lock()
	watermark := t.watermark
	if watermark == 0 || watermark == t.watermarkAcked {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	frame, err := wire.EncodeRead(watermark)
	if err != nil {
		t.logger.Error("encode read", zap.Error(err))
		return
	}
	if err := t.sender.Send(frame); err != nil {
		t.logger.Debug("read send failed, keeping watermark",
			zap.Int64("last_read_id", watermark), zap.Error(err))
		return
	}

	t.mu.Lock()
	if watermark > t.watermarkAcked {
		t.watermarkAcked = watermark
	}
	t.mu.Unlock()
	if t.OnWatermark != nil {
		t.OnWatermark(watermark)
	}
}

// Watermark returns the highest read id queued so far.
func (t *Tracker) Watermark() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watermark
}

// OnOpen flushes everything that accumulated while the socket was down.
func (t *Tracker) OnOpen() {
	t.FlushAcks()
	t.FlushRead()
}

// Close cancels pending timers. Queued acks are dropped; the server re-sends
// undelivered messages on the next connect, which re-queues them.
func (t *Tracker) Close() {
	t.sched.Stop()
}
