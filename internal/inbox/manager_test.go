package inbox

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mutabaka/msync/internal/bus"
	"github.com/mutabaka/msync/internal/notify"
	"github.com/mutabaka/msync/internal/rest"
	"github.com/mutabaka/msync/internal/store"
	"github.com/mutabaka/msync/internal/wire"
)

type fakeOS struct {
	mu     sync.Mutex
	nextID int
	live   map[string]int64
}

func newFakeOS() *fakeOS {
	return &fakeOS{live: make(map[string]int64)}
}

func (f *fakeOS) Schedule(ctx context.Context, n notify.Notification) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "os-" + string(rune('a'+f.nextID-1))
	f.live[id] = n.ConversationID
	return id, nil
}

func (f *fakeOS) Dismiss(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, id)
	return nil
}

func (f *fakeOS) DismissAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.live)
	return nil
}

func (f *fakeOS) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

type fakeLister struct {
	pages [][]rest.Conversation
}

func (f *fakeLister) ListConversations(ctx context.Context, page int) ([]rest.Conversation, bool, error) {
	if page > len(f.pages) {
		return nil, false, nil
	}
	return f.pages[page-1], page < len(f.pages), nil
}

func testManager(t *testing.T, lister SnapshotLister) (*Manager, *store.DB, *bus.Bus, *fakeOS) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "msync.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	osSurface := newFakeOS()
	presenter := notify.NewPresenter(notify.NewRegistry(), osSurface, osSurface, db, zap.NewNop())
	b := bus.New()
	return NewManager(db, lister, b, presenter, zap.NewNop()), db, b, osSurface
}

func intp(n int) *int { return &n }

func TestUpdatePersistsAndPublishes(t *testing.T) {
	m, db, b, _ := testManager(t, &fakeLister{})
	ch, cancel := b.Subscribe("conversation.preview", 8)
	defer cancel()

	m.HandleFrame(wire.InboxUpdate{
		ConversationID: 42,
		Unread:         intp(2),
		Preview:        "alice: hello",
		LastMessageAt:  "2026-08-28T10:00:00Z",
		LastActivityAt: "2026-08-28T10:00:00Z",
	})

	p, err := db.GetPreview(42)
	if err != nil || p == nil {
		t.Fatalf("preview: %v %v", p, err)
	}
	if p.Unread != 2 || p.Preview != "alice: hello" {
		t.Errorf("preview = %+v", p)
	}

	select {
	case evt := <-ch:
		update, ok := evt.Payload.(bus.PreviewUpdate)
		if !ok || update.ConversationID != 42 || update.Unread == nil || *update.Unread != 2 {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no preview event")
	}
}

func TestCoalescedPushStillIncrements(t *testing.T) {
	m, db, _, _ := testManager(t, &fakeLister{})

	// Server under-reports: counter stays 2 while activity moves forward.
	m.HandleFrame(wire.InboxUpdate{ConversationID: 42, Unread: intp(2), Preview: "m1", LastActivityAt: "2026-08-28T10:00:00Z"})
	m.HandleFrame(wire.InboxUpdate{ConversationID: 42, Unread: intp(2), Preview: "m2", LastActivityAt: "2026-08-28T10:00:05Z"})

	p, _ := db.GetPreview(42)
	if p.Unread != 3 {
		t.Errorf("unread = %d, want 3 (previous+1 beats stale counter)", p.Unread)
	}
}

func TestDuplicatePushIsIdempotent(t *testing.T) {
	m, db, _, _ := testManager(t, &fakeLister{})

	update := wire.InboxUpdate{ConversationID: 42, Unread: intp(3), Preview: "m", LastActivityAt: "2026-08-28T10:00:00Z"}
	m.HandleFrame(update)
	m.HandleFrame(update)

	p, _ := db.GetPreview(42)
	if p.Unread != 3 {
		t.Errorf("unread = %d, want 3 after duplicate delivery", p.Unread)
	}
}

func TestExplicitZeroClearsAndDismisses(t *testing.T) {
	m, db, b, osSurface := testManager(t, &fakeLister{})

	m.HandleFrame(wire.InboxUpdate{ConversationID: 42, Unread: intp(5), Preview: "m", LastActivityAt: "2026-08-28T10:00:00Z"})
	if osSurface.liveCount() != 1 {
		t.Fatalf("live notifications = %d, want 1", osSurface.liveCount())
	}

	ch, cancel := b.Subscribe("conversation.cleared", 4)
	defer cancel()

	m.HandleFrame(wire.InboxUpdate{ConversationID: 42, Unread: intp(0), LastActivityAt: "2026-08-28T10:00:01Z"})

	p, _ := db.GetPreview(42)
	if p.Unread != 0 {
		t.Errorf("unread = %d, want 0", p.Unread)
	}
	if osSurface.liveCount() != 0 {
		t.Errorf("live notifications = %d, want 0", osSurface.liveCount())
	}
	select {
	case evt := <-ch:
		if id, ok := evt.Payload.(int64); !ok || id != 42 {
			t.Errorf("payload = %v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no cleared event")
	}
}

func TestNotificationReplacedNotStacked(t *testing.T) {
	m, _, _, osSurface := testManager(t, &fakeLister{})

	m.HandleFrame(wire.InboxUpdate{ConversationID: 42, Unread: intp(1), Preview: "m1", LastActivityAt: "2026-08-28T10:00:00Z"})
	m.HandleFrame(wire.InboxUpdate{ConversationID: 42, Unread: intp(2), Preview: "m2", LastActivityAt: "2026-08-28T10:00:05Z"})
	m.HandleFrame(wire.InboxUpdate{ConversationID: 42, Unread: intp(3), Preview: "m3", LastActivityAt: "2026-08-28T10:00:10Z"})

	if got := osSurface.liveCount(); got != 1 {
		t.Errorf("live notifications = %d, want 1", got)
	}
}

func TestActiveConversationSuppressesNotification(t *testing.T) {
	m, _, _, osSurface := testManager(t, &fakeLister{})
	m.SetForeground(true)
	m.SetActiveConversation(42)

	m.HandleFrame(wire.InboxUpdate{ConversationID: 42, Unread: intp(1), Preview: "m1", LastActivityAt: "2026-08-28T10:00:00Z"})
	if got := osSurface.liveCount(); got != 0 {
		t.Errorf("live notifications = %d, want 0 for open conversation", got)
	}

	// A different conversation still notifies.
	m.HandleFrame(wire.InboxUpdate{ConversationID: 7, Unread: intp(1), Preview: "m2", LastActivityAt: "2026-08-28T10:00:01Z"})
	if got := osSurface.liveCount(); got != 1 {
		t.Errorf("live notifications = %d, want 1", got)
	}
}

func TestSnapshotKeepsLargerLocalCount(t *testing.T) {
	lister := &fakeLister{pages: [][]rest.Conversation{{
		{ID: 42, Unread: intp(1), Preview: "old", LastActivityAt: "2026-08-28T09:00:00Z"},
		{ID: 7, Unread: intp(4), Preview: "new", LastActivityAt: "2026-08-28T10:00:00Z"},
	}}}
	m, db, _, _ := testManager(t, lister)

	// Local push raced ahead of the snapshot.
	m.HandleFrame(wire.InboxUpdate{ConversationID: 42, Unread: intp(3), Preview: "live", LastActivityAt: "2026-08-28T10:00:00Z"})

	if err := m.SyncSnapshot(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	p, _ := db.GetPreview(42)
	if p.Unread != 3 {
		t.Errorf("conversation 42 unread = %d, want 3 (local wins)", p.Unread)
	}
	p, _ = db.GetPreview(7)
	if p.Unread != 4 {
		t.Errorf("conversation 7 unread = %d, want 4", p.Unread)
	}
}

func TestSnapshotZeroHonoredAfterLocalClear(t *testing.T) {
	lister := &fakeLister{pages: [][]rest.Conversation{{
		{ID: 42, Unread: intp(0), Preview: "m", LastActivityAt: "2026-08-28T10:00:00Z"},
	}}}
	m, db, _, _ := testManager(t, lister)

	m.HandleFrame(wire.InboxUpdate{ConversationID: 42, Unread: intp(5), Preview: "m", LastActivityAt: "2026-08-28T09:00:00Z"})
	m.MarkCleared(context.Background(), 42)

	if err := m.SyncSnapshot(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	p, _ := db.GetPreview(42)
	if p.Unread != 0 {
		t.Errorf("unread = %d, want 0 (cleared locally, snapshot zero trusted)", p.Unread)
	}
}

func TestSnapshotStaleZeroRejectedWithoutClear(t *testing.T) {
	lister := &fakeLister{pages: [][]rest.Conversation{{
		{ID: 42, Unread: intp(0), Preview: "m", LastActivityAt: "2026-08-28T09:00:00Z"},
	}}}
	m, db, _, _ := testManager(t, lister)

	m.HandleFrame(wire.InboxUpdate{ConversationID: 42, Unread: intp(5), Preview: "m", LastActivityAt: "2026-08-28T10:00:00Z"})

	if err := m.SyncSnapshot(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	p, _ := db.GetPreview(42)
	if p.Unread != 5 {
		t.Errorf("unread = %d, want 5 (stale snapshot zero rejected)", p.Unread)
	}
}

func TestSnapshotPaginates(t *testing.T) {
	lister := &fakeLister{pages: [][]rest.Conversation{
		{{ID: 1, Unread: intp(1)}},
		{{ID: 2, Unread: intp(2)}},
	}}
	m, db, _, _ := testManager(t, lister)

	if err := m.SyncSnapshot(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	for id, want := range map[int64]int{1: 1, 2: 2} {
		p, _ := db.GetPreview(id)
		if p == nil || p.Unread != want {
			t.Errorf("conversation %d = %+v, want unread %d", id, p, want)
		}
	}
}
