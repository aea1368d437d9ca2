// Package unread reconciles per-conversation unread counters from three
// independent sources: inbox socket pushes, conversation-level activity, and
// REST snapshot refreshes. The rules are pure and idempotent so interleaved
// delivery from either socket produces the same result.
package unread

// MaxUnread caps the badge counter.
const MaxUnread = 999

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxUnread {
		return MaxUnread
	}
	return n
}

// ResolveNext computes the next unread count for a conversation.
//
// previous is the locally known count, incoming the counter carried by the
// signal (nil when absent), and hasNewer whether the signal represents
// strictly newer conversational activity (by activity timestamp, never by
// message count).
//
// An explicit incoming zero always wins: the user just cleared the
// conversation. With newer activity the result is max(previous+1, incoming)
// so a server counter that under-reports coalesced pushes cannot regress the
// badge. A smaller incoming value without newer activity is an authoritative
// catch-up and is trusted.
func ResolveNext(previous int, incoming *int, hasNewer bool) int {
	prev := clamp(previous)

	if incoming != nil {
		in := clamp(*incoming)
		if in == 0 {
			return 0
		}
		if hasNewer {
			return clamp(max(prev+1, in))
		}
		if in < prev {
			return in
		}
		return clamp(max(prev, in))
	}

	if hasNewer {
		return clamp(prev + 1)
	}
	return prev
}

// ClearedSet remembers conversations the user recently cleared locally, so a
// REST snapshot taken before the server processed the read-marker does not
// resurrect the counter — and, conversely, a genuine zero is accepted.
type ClearedSet struct {
	ids map[int64]struct{}
}

// NewClearedSet creates an empty set.
func NewClearedSet() *ClearedSet {
	return &ClearedSet{ids: make(map[int64]struct{})}
}

// Add marks a conversation as locally cleared.
func (s *ClearedSet) Add(id int64) { s.ids[id] = struct{}{} }

// Has reports whether the conversation is marked cleared.
func (s *ClearedSet) Has(id int64) bool {
	_, ok := s.ids[id]
	return ok
}

// Delete removes a conversation from the set.
func (s *ClearedSet) Delete(id int64) { delete(s.ids, id) }

// Snapshot is one conversation's unread state within a REST refresh.
type Snapshot struct {
	ID     int64
	Unread int
}

// Reconcile merges a freshly fetched snapshot against the previously known
// counts. A REST zero is kept only when the conversation was locally cleared
// or already at zero; a smaller non-zero REST value is kept only when locally
// cleared — otherwise the larger local count survives the race where a push
// incremented unread after the snapshot was taken. Conversations absent from
// the snapshot are evicted from the cleared set.
func Reconcile(incoming []Snapshot, previous map[int64]int, cleared *ClearedSet) []Snapshot {
	out := make([]Snapshot, len(incoming))
	present := make(map[int64]struct{}, len(incoming))

	for i, conv := range incoming {
		present[conv.ID] = struct{}{}
		next := clamp(conv.Unread)
		prev, known := previous[conv.ID]
		prev = clamp(prev)

		switch {
		case !known:
			// New conversation: take the snapshot as-is.
		case next == 0:
			if cleared.Has(conv.ID) || prev == 0 {
				cleared.Delete(conv.ID)
			} else {
				next = prev
			}
		case next < prev && !cleared.Has(conv.ID):
			next = prev
		}

		if next > 0 {
			cleared.Delete(conv.ID)
		}
		out[i] = Snapshot{ID: conv.ID, Unread: next}
	}

	for id := range cleared.ids {
		if _, ok := present[id]; !ok {
			delete(cleared.ids, id)
		}
	}
	return out
}
