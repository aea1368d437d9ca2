package delivery

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type captureSender struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (c *captureSender) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *captureSender) frame(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[i]
}

type ackFrame struct {
	Type       string  `json:"type"`
	MessageIDs []int64 `json:"message_ids"`
}

type readFrame struct {
	Type       string `json:"type"`
	LastReadID int64  `json:"last_read_id"`
}

func TestQueueAckDebouncesIntoOneFrame(t *testing.T) {
	sender := &captureSender{}
	tracker := NewTracker(sender, zap.NewNop())
	defer tracker.Close()

	tracker.QueueAck(1)
	tracker.QueueAck(2, 3)
	tracker.QueueAck(2) // duplicate

	time.Sleep(300 * time.Millisecond)

	if got := sender.count(); got != 1 {
		t.Fatalf("frames = %d, want 1", got)
	}
	var frame ackFrame
	if err := json.Unmarshal(sender.frame(0), &frame); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Type != "ack" || len(frame.MessageIDs) != 3 {
		t.Errorf("frame = %+v", frame)
	}
}

func TestFlushAcksSplitsLargeBacklog(t *testing.T) {
	sender := &captureSender{}
	tracker := NewTracker(sender, zap.NewNop())
	defer tracker.Close()

	ids := make([]int64, 0, MaxAckBatch+50)
	for i := 1; i <= MaxAckBatch+50; i++ {
		ids = append(ids, int64(i))
	}
	tracker.QueueAck(ids...)
	tracker.FlushAcks()

	if got := sender.count(); got != 1 {
		t.Fatalf("frames after first flush = %d, want 1", got)
	}
	var first ackFrame
	if err := json.Unmarshal(sender.frame(0), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(first.MessageIDs) != MaxAckBatch {
		t.Errorf("first batch = %d ids, want %d", len(first.MessageIDs), MaxAckBatch)
	}
	if got := tracker.PendingAcks(); got != 50 {
		t.Errorf("pending after first batch = %d, want 50", got)
	}

	// Remainder flushes on the re-armed timer.
	time.Sleep(300 * time.Millisecond)
	if got := tracker.PendingAcks(); got != 0 {
		t.Errorf("pending after re-arm = %d, want 0", got)
	}
	if got := sender.count(); got != 2 {
		t.Errorf("frames = %d, want 2", got)
	}
}

func TestAcksSurviveSendFailure(t *testing.T) {
	sender := &captureSender{err: errors.New("not connected")}
	tracker := NewTracker(sender, zap.NewNop())
	defer tracker.Close()

	tracker.QueueAck(1, 2, 3)
	tracker.FlushAcks()

	if got := tracker.PendingAcks(); got != 3 {
		t.Fatalf("pending = %d, want 3 after failed send", got)
	}

	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()

	tracker.OnOpen()
	if got := tracker.PendingAcks(); got != 0 {
		t.Errorf("pending = %d, want 0 after reconnect flush", got)
	}
}

func TestReadWatermarkIsMonotonic(t *testing.T) {
	sender := &captureSender{}
	tracker := NewTracker(sender, zap.NewNop())
	defer tracker.Close()

	tracker.QueueRead(100)
	tracker.QueueRead(50) // stale, ignored
	tracker.QueueRead(120)

	if got := tracker.Watermark(); got != 120 {
		t.Fatalf("watermark = %d, want 120", got)
	}

	time.Sleep(300 * time.Millisecond)
	if got := sender.count(); got != 1 {
		t.Fatalf("frames = %d, want 1", got)
	}
	var frame readFrame
	if err := json.Unmarshal(sender.frame(0), &frame); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Type != "read" || frame.LastReadID != 120 {
		t.Errorf("frame = %+v", frame)
	}
}

func TestFlushReadSkipsUnchangedWatermark(t *testing.T) {
	sender := &captureSender{}
	tracker := NewTracker(sender, zap.NewNop())
	defer tracker.Close()

	tracker.QueueRead(10)
	tracker.FlushRead()
	tracker.FlushRead()

	if got := sender.count(); got != 1 {
		t.Errorf("frames = %d, want 1", got)
	}
}

func TestOnWatermarkRunsAfterAcceptedSend(t *testing.T) {
	sender := &captureSender{err: errors.New("down")}
	tracker := NewTracker(sender, zap.NewNop())
	defer tracker.Close()

	var persisted []int64
	tracker.OnWatermark = func(id int64) { persisted = append(persisted, id) }

	tracker.QueueRead(80)
	tracker.FlushRead()
	if len(persisted) != 0 {
		t.Fatalf("persisted on failed send: %v", persisted)
	}

	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()

	tracker.OnOpen()
	if len(persisted) != 1 || persisted[0] != 80 {
		t.Errorf("persisted = %v, want [80]", persisted)
	}
}
