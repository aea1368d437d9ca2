package outbox

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mutabaka/msync/internal/bus"
	"github.com/mutabaka/msync/internal/rest"
	"github.com/mutabaka/msync/internal/store"
)

type fakeAPI struct {
	mu     sync.Mutex
	sent   []string
	err    error
	nextID int64
}

func (f *fakeAPI) SendMessage(ctx context.Context, conversationID int64, clientID, body string) (rest.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return rest.Message{}, f.err
	}
	f.sent = append(f.sent, clientID)
	f.nextID++
	return rest.Message{ID: f.nextID, ClientID: clientID, Body: body}, nil
}

func testSender(t *testing.T, api *fakeAPI) (*Sender, *store.DB, *bus.Bus) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "msync.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	b := bus.New()
	return NewSender(db, api, b, zap.NewNop()), db, b
}

func TestQueuePublishesOptimisticEcho(t *testing.T) {
	sender, _, b := testSender(t, &fakeAPI{})
	ch, cancel := b.Subscribe("message.", 4)
	defer cancel()

	clientID, err := sender.Queue(42, "hello")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if clientID == "" {
		t.Fatal("empty client id")
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindUpserted {
			t.Errorf("kind = %q", evt.Kind)
		}
		ref, ok := evt.Payload.(bus.MessageRef)
		if !ok || ref.ConversationID != 42 || ref.ClientID != clientID {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no optimistic event")
	}
}

func TestProcessPendingSendsAndAcks(t *testing.T) {
	api := &fakeAPI{}
	sender, db, b := testSender(t, api)
	ch, cancel := b.Subscribe("message.send_ack", 4)
	defer cancel()

	clientID, err := sender.Queue(42, "hello")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	sender.ProcessPending(context.Background())

	select {
	case evt := <-ch:
		result, ok := evt.Payload.(bus.SendResult)
		if !ok || result.ClientID != clientID || result.ServerID != 1 {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no send_ack event")
	}

	pending, err := db.PendingOutbox(10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %+v, want drained", pending)
	}
}

func TestRejectedSendMarksFailed(t *testing.T) {
	api := &fakeAPI{err: &rest.APIError{Status: http.StatusForbidden, Detail: "otp_required"}}
	sender, db, b := testSender(t, api)
	ch, cancel := b.Subscribe("message.send_failed", 4)
	defer cancel()

	if _, err := sender.Queue(42, "hello"); err != nil {
		t.Fatalf("queue: %v", err)
	}
	sender.ProcessPending(context.Background())

	select {
	case evt := <-ch:
		result, ok := evt.Payload.(bus.SendResult)
		if !ok || result.Err == "" {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no send_failed event")
	}

	pending, err := db.PendingOutbox(10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("rejected entry requeued: %+v", pending)
	}
}

func TestTransientErrorRequeues(t *testing.T) {
	api := &fakeAPI{err: errors.New("network unreachable")}
	sender, db, _ := testSender(t, api)

	if _, err := sender.Queue(42, "hello"); err != nil {
		t.Fatalf("queue: %v", err)
	}
	sender.ProcessPending(context.Background())

	pending, err := db.PendingOutbox(10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %+v, want requeued entry", pending)
	}

	// Network recovers; the next pass drains it.
	api.mu.Lock()
	api.err = nil
	api.mu.Unlock()
	sender.ProcessPending(context.Background())

	pending, err = db.PendingOutbox(10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %+v, want drained", pending)
	}
}

func TestServerErrorIsRetriable(t *testing.T) {
	if !retriable(&rest.APIError{Status: 502}) {
		t.Error("5xx should be retriable")
	}
	if retriable(&rest.APIError{Status: 400}) {
		t.Error("4xx should be final")
	}
	if retriable(rest.ErrUnauthorized) {
		t.Error("unauthorized should be final")
	}
	if !retriable(errors.New("dial tcp: timeout")) {
		t.Error("network errors should be retriable")
	}
}
