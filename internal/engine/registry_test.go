package engine

import (
	"testing"
	"time"

	"github.com/lanewaylabs/sessionsync/internal/protocol"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	t.Cleanup(r.Close)
	return r
}

func TestRegistryUnreadDerivation(t *testing.T) {
	r := newTestRegistry(t)
	r.Ensure("s1")

	r.SyncCounts("s1", 3)
	s, _ := r.Get("s1")
	if s.Unread() {
		t.Fatalf("counts in sync, must not be unread")
	}

	r.BumpCount("s1", 1)
	s, _ = r.Get("s1")
	if !s.Unread() {
		t.Fatalf("messageCount 4 > lastSeen 3 must read as unread")
	}
	if s.MessageCount < s.LastSeenMessageCount {
		t.Fatalf("invariant violated: count %d < seen %d", s.MessageCount, s.LastSeenMessageCount)
	}

	r.MarkSeen("s1")
	s, _ = r.Get("s1")
	if s.Unread() {
		t.Fatalf("MarkSeen must clear unread")
	}
}

func TestRegistryBumpNeverDecreases(t *testing.T) {
	r := newTestRegistry(t)
	r.SyncCounts("s1", 5)

	r.BumpCount("s1", -3)
	s, _ := r.Get("s1")
	if s.MessageCount != 5 {
		t.Fatalf("negative bump changed count to %d", s.MessageCount)
	}

	// a full resync may lower it
	r.SyncCounts("s1", 2)
	s, _ = r.Get("s1")
	if s.MessageCount != 2 {
		t.Fatalf("resync should set count to 2, got %d", s.MessageCount)
	}
}

func TestRegistryActiveClearsUnread(t *testing.T) {
	r := newTestRegistry(t)
	r.SyncCounts("s1", 2)
	r.BumpCount("s1", 2)
	r.SetLocalUnread("s1", true)
	r.SetBadgeCount("s1", 7)

	r.SetActive("s1")
	s, _ := r.Get("s1")
	if s.Unread() {
		t.Fatalf("active session must not be unread")
	}
	if r.ActiveKey() != "s1" {
		t.Fatalf("active key = %q", r.ActiveKey())
	}
}

func TestRegistryMergeListSetDifference(t *testing.T) {
	r := newTestRegistry(t)
	r.Ensure("gone")
	r.Ensure("stays")
	r.SetActive("active")

	fp := 4
	removed := r.MergeList([]protocol.SessionEntry{
		{Key: "stays", Model: "m1", MessageCount: 9, ParentKey: "root", ForkPoint: &fp},
		{Key: "fresh", MessageCount: 2},
	})

	if len(removed) != 1 || removed[0] != "gone" {
		t.Fatalf("removed = %v, want [gone]", removed)
	}
	if _, ok := r.Get("gone"); ok {
		t.Fatalf("dropped session still present")
	}
	if _, ok := r.Get("fresh"); !ok {
		t.Fatalf("new session not created from list")
	}
	// the session the user is looking at is never dropped
	if _, ok := r.Get("active"); !ok {
		t.Fatalf("active session was dropped by list merge")
	}

	s, _ := r.Get("stays")
	if s.Model != "m1" || s.ParentSessionKey != "root" || s.ForkPoint == nil || *s.ForkPoint != 4 {
		t.Fatalf("metadata not merged: %+v", s)
	}
	if s.MessageCount != 9 {
		t.Fatalf("count not raised by merge: %d", s.MessageCount)
	}
}

func TestRegistryMergeListNeverLowersCount(t *testing.T) {
	r := newTestRegistry(t)
	r.SyncCounts("s1", 10)

	r.MergeList([]protocol.SessionEntry{{Key: "s1", MessageCount: 4}})
	s, _ := r.Get("s1")
	if s.MessageCount != 10 {
		t.Fatalf("list merge lowered count to %d", s.MessageCount)
	}
}

func TestRegistryWatch(t *testing.T) {
	r := newTestRegistry(t)

	got := make(chan Change, 16)
	cancel := r.Watch(func(ch Change) { got <- ch })
	defer cancel()

	r.Ensure("s1")
	select {
	case ch := <-got:
		if ch.Key != "s1" || ch.Removed {
			t.Fatalf("unexpected change %+v", ch)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no notification for Ensure")
	}

	r.SetReplying("s1", true)
	select {
	case ch := <-got:
		if ch.Key != "s1" {
			t.Fatalf("unexpected change %+v", ch)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no notification for SetReplying")
	}
}

func TestRegistryUsageAccumulates(t *testing.T) {
	r := newTestRegistry(t)
	r.AddUsage("s1", 100, 20)
	r.AddUsage("s1", 50, 5)
	r.AddUsage("s1", -10, -10) // clamped

	s, _ := r.Get("s1")
	if s.PromptTokens != 150 || s.CompletionTokens != 25 {
		t.Fatalf("usage = %d/%d, want 150/25", s.PromptTokens, s.CompletionTokens)
	}
}
