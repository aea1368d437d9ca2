package delivery

import (
	"sort"

	"github.com/mutabaka/msync/internal/wire"
)

// Message is one entry in a conversation's in-memory timeline.
type Message struct {
	ID             int64
	ClientID       string
	Sender         string
	Body           string
	CreatedAt      string
	DeliveryStatus int
	DeliveredAt    string
	ReadAt         string
	// Pending marks an optimistic local echo that has no server id yet.
	Pending bool
}

// List is an ordered, deduplicated conversation timeline. Messages are keyed
// by server id first and client id second, so an optimistic local echo is
// replaced in place when its server copy arrives.
type List struct {
	items    []Message
	byID     map[int64]int
	byClient map[string]int
}

// NewList creates an empty timeline.
func NewList() *List {
	return &List{
		byID:     make(map[int64]int),
		byClient: make(map[string]int),
	}
}

// Len returns the number of messages in the timeline.
func (l *List) Len() int { return len(l.items) }

// Upsert merges a message into the timeline. Returns true when the message
// was new rather than an update of an existing entry. Delivery status only
// advances and timestamps are forward-only.
func (l *List) Upsert(msg Message) bool {
	if idx, ok := l.index(msg); ok {
		l.mergeAt(idx, msg)
		return false
	}

	l.items = append(l.items, msg)
	l.reindex()
	return true
}

// ApplyStatus advances one message's delivery state. Returns false when the
// message is not in the timeline.
func (l *List) ApplyStatus(status wire.MessageStatus) bool {
	idx, ok := l.byID[status.ID]
	if !ok {
		return false
	}
	l.mergeAt(idx, Message{
		ID:             status.ID,
		DeliveryStatus: status.DeliveryStatus,
		DeliveredAt:    status.DeliveredAt,
		ReadAt:         status.ReadAt,
	})
	return true
}

// MarkReadBy applies a participant's read cursor: every message up to and
// including lastReadID that the reader did not author flips to read.
// Returns the ids that changed.
func (l *List) MarkReadBy(reader string, lastReadID int64) []int64 {
	var changed []int64
	for i := range l.items {
		m := &l.items[i]
		if m.ID == 0 || m.ID > lastReadID {
			continue
		}
		if m.Sender == reader {
			continue
		}
		if m.DeliveryStatus < wire.StatusRead {
			m.DeliveryStatus = wire.StatusRead
			changed = append(changed, m.ID)
		}
	}
	return changed
}

// Get returns a copy of the message with the given server id.
func (l *List) Get(id int64) (Message, bool) {
	idx, ok := l.byID[id]
	if !ok {
		return Message{}, false
	}
	return l.items[idx], true
}

// Snapshot returns a copy of the timeline in id order, pending entries last.
func (l *List) Snapshot() []Message {
	out := make([]Message, len(l.items))
	copy(out, l.items)
	return out
}

func (l *List) index(msg Message) (int, bool) {
	if msg.ID != 0 {
		if idx, ok := l.byID[msg.ID]; ok {
			return idx, true
		}
	}
	if msg.ClientID != "" {
		if idx, ok := l.byClient[msg.ClientID]; ok {
			return idx, true
		}
	}
	return 0, false
}

// mergeAt folds an update into the entry at idx. A server id attaches to a
// pending echo; status and timestamps never move backwards.
func (l *List) mergeAt(idx int, update Message) {
	m := &l.items[idx]
	if update.ID != 0 && m.ID == 0 {
		m.ID = update.ID
		m.Pending = false
	}
	if update.ClientID != "" && m.ClientID == "" {
		m.ClientID = update.ClientID
	}
	if update.Sender != "" {
		m.Sender = update.Sender
	}
	if update.Body != "" {
		m.Body = update.Body
	}
	if update.CreatedAt != "" && m.CreatedAt == "" {
		m.CreatedAt = update.CreatedAt
	}
	if update.DeliveryStatus > m.DeliveryStatus {
		m.DeliveryStatus = update.DeliveryStatus
	}
	if update.DeliveredAt != "" && m.DeliveredAt == "" {
		m.DeliveredAt = update.DeliveredAt
	}
	if update.ReadAt != "" && m.ReadAt == "" {
		m.ReadAt = update.ReadAt
	}
	l.reindex()
}

func (l *List) reindex() {
	sort.SliceStable(l.items, func(i, j int) bool {
		a, b := l.items[i], l.items[j]
		if a.ID != 0 && b.ID != 0 {
			return a.ID < b.ID
		}
		// Pending entries sort after everything with a server id.
		return b.ID == 0 && a.ID != 0
	})
	clear(l.byID)
	clear(l.byClient)
	for i, m := range l.items {
		if m.ID != 0 {
			l.byID[m.ID] = i
		}
		if m.ClientID != "" {
			l.byClient[m.ClientID] = i
		}
	}
}
