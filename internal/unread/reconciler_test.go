package unread

import "testing"

func intp(n int) *int { return &n }

func TestResolveNext(t *testing.T) {
	cases := []struct {
		name     string
		previous int
		incoming *int
		hasNewer bool
		want     int
	}{
		{"explicit zero always clears", 5, intp(0), true, 0},
		{"explicit zero without newer", 5, intp(0), false, 0},
		{"newer activity without counter increments", 2, nil, true, 3},
		{"no counter no newer keeps previous", 2, nil, false, 2},
		{"newer with under-reporting counter", 4, intp(2), true, 5},
		{"newer with larger counter trusts counter", 1, intp(6), true, 6},
		{"smaller counter without newer is authoritative", 7, intp(3), false, 3},
		{"larger counter without newer is kept", 2, intp(4), false, 4},
		{"negative previous clamps", -3, nil, true, 1},
		{"ceiling applies", 999, nil, true, 999},
		{"ceiling applies to counter", 0, intp(5000), false, 999},
	}
	for _, tc := range cases {
		if got := ResolveNext(tc.previous, tc.incoming, tc.hasNewer); got != tc.want {
			t.Errorf("%s: ResolveNext(%d, %v, %v) = %d, want %d",
				tc.name, tc.previous, tc.incoming, tc.hasNewer, got, tc.want)
		}
	}
}

func TestResolveNextIdempotent(t *testing.T) {
	// Re-applying the same authoritative counter must not change the result.
	first := ResolveNext(2, intp(4), false)
	second := ResolveNext(first, intp(4), false)
	if first != second {
		t.Errorf("resolution not idempotent: %d then %d", first, second)
	}
}

func TestReconcileProtectsAgainstStaleZero(t *testing.T) {
	cleared := NewClearedSet()
	previous := map[int64]int{42: 3}

	// Snapshot taken before the push was counted server-side.
	merged := Reconcile([]Snapshot{{ID: 42, Unread: 0}}, previous, cleared)
	if merged[0].Unread != 3 {
		t.Errorf("unread = %d, want 3 (stale zero must not regress)", merged[0].Unread)
	}
}

func TestReconcileHonorsLocalClear(t *testing.T) {
	cleared := NewClearedSet()
	cleared.Add(42)
	previous := map[int64]int{42: 3}

	merged := Reconcile([]Snapshot{{ID: 42, Unread: 0}}, previous, cleared)
	if merged[0].Unread != 0 {
		t.Errorf("unread = %d, want 0 (user opened the conversation)", merged[0].Unread)
	}
	if cleared.Has(42) {
		t.Error("cleared entry should be consumed once the zero is accepted")
	}
}

func TestReconcileSmallerNonZero(t *testing.T) {
	cleared := NewClearedSet()
	previous := map[int64]int{7: 5}

	merged := Reconcile([]Snapshot{{ID: 7, Unread: 2}}, previous, cleared)
	if merged[0].Unread != 5 {
		t.Errorf("unread = %d, want 5 (keep larger without local clear)", merged[0].Unread)
	}

	cleared.Add(7)
	merged = Reconcile([]Snapshot{{ID: 7, Unread: 2}}, previous, cleared)
	if merged[0].Unread != 2 {
		t.Errorf("unread = %d, want 2 (trust REST after local clear)", merged[0].Unread)
	}
}

func TestReconcileEvictsAbsentConversations(t *testing.T) {
	cleared := NewClearedSet()
	cleared.Add(1)
	cleared.Add(2)

	Reconcile([]Snapshot{{ID: 1, Unread: 0}}, map[int64]int{}, cleared)
	if cleared.Has(2) {
		t.Error("conversation absent from snapshot should be evicted from cleared set")
	}
}

func TestReconcileNewConversation(t *testing.T) {
	cleared := NewClearedSet()
	merged := Reconcile([]Snapshot{{ID: 9, Unread: 4}}, map[int64]int{}, cleared)
	if merged[0].Unread != 4 {
		t.Errorf("unread = %d, want 4 (unknown conversation taken as-is)", merged[0].Unread)
	}
}
