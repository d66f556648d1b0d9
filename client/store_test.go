package client

import (
	"testing"
	"time"

	"github.com/aftionix/jobboard-realtime/notify"
)

func mkNotification(id string, typ notify.Type, read bool, age time.Duration) notify.Notification {
	return notify.Notification{
		ID:        id,
		Type:      typ,
		Title:     "t",
		Message:   "m",
		IsRead:    read,
		CreatedAt: time.Now().Add(-age),
	}
}

func TestStore_InsertDeduplicates(t *testing.T) {
	s := NewStore()
	n := mkNotification("n1", notify.TypeJobMatch, false, 0)

	if !s.Insert(n) {
		t.Fatal("first insert should succeed")
	}
	if s.Insert(n) {
		t.Error("second insert of same id should be rejected")
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 record, got %d", s.Len())
	}
	if s.UnreadCount() != 1 {
		t.Errorf("expected unread 1, got %d", s.UnreadCount())
	}
}

func TestStore_MergeLocalReadWins(t *testing.T) {
	s := NewStore()
	s.Insert(mkNotification("n1", notify.TypeJobMatch, false, time.Hour))
	s.MarkRead("n1")

	// backlog still carries the stale unread copy
	s.Merge([]notify.Notification{mkNotification("n1", notify.TypeJobMatch, false, time.Hour)})

	n, ok := s.Get("n1")
	if !ok {
		t.Fatal("n1 missing after merge")
	}
	if !n.IsRead {
		t.Error("locally-read notification reverted to unread")
	}
}

func TestStore_MergeServerReadSticks(t *testing.T) {
	s := NewStore()
	s.Insert(mkNotification("n1", notify.TypeJobMatch, false, time.Hour))

	s.Merge([]notify.Notification{mkNotification("n1", notify.TypeJobMatch, true, time.Hour)})

	if n, _ := s.Get("n1"); !n.IsRead {
		t.Error("server-side read did not stick")
	}
}

func TestStore_MergeInsertsAndOrders(t *testing.T) {
	s := NewStore()
	s.Insert(mkNotification("live", notify.TypeJobMatch, false, 0))

	s.Merge([]notify.Notification{
		mkNotification("old", notify.TypeWelcome, true, 48*time.Hour),
		mkNotification("recent", notify.TypeResumeViewed, false, time.Hour),
	})

	list := s.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 records, got %d", len(list))
	}
	if list[0].ID != "live" || list[1].ID != "recent" || list[2].ID != "old" {
		t.Errorf("expected newest-first ordering, got %s, %s, %s", list[0].ID, list[1].ID, list[2].ID)
	}
}

func TestStore_MarkAllRead(t *testing.T) {
	s := NewStore()
	s.Insert(mkNotification("a", notify.TypeJobMatch, false, 0))
	s.Insert(mkNotification("b", notify.TypeWelcome, false, 0))
	s.Insert(mkNotification("c", notify.TypeWelcome, true, 0))

	if changed := s.MarkAllRead(); changed != 2 {
		t.Errorf("expected 2 changed, got %d", changed)
	}
	if s.UnreadCount() != 0 {
		t.Errorf("expected 0 unread, got %d", s.UnreadCount())
	}
}

func TestStore_MarkReadByType(t *testing.T) {
	s := NewStore()
	s.Insert(mkNotification("a", notify.TypeJobMatch, false, 0))
	s.Insert(mkNotification("b", notify.TypeJobMatch, false, 0))
	s.Insert(mkNotification("c", notify.TypeWelcome, false, 0))

	if changed := s.MarkReadByType(notify.TypeJobMatch); changed != 2 {
		t.Errorf("expected 2 changed, got %d", changed)
	}
	if s.UnreadCount() != 1 {
		t.Errorf("expected 1 unread left, got %d", s.UnreadCount())
	}
}

func TestStore_StatsByType(t *testing.T) {
	s := NewStore()
	s.Insert(mkNotification("a1", notify.TypeJobMatch, true, 0))
	s.Insert(mkNotification("a2", notify.TypeJobMatch, false, 0))
	s.Insert(mkNotification("b1", notify.TypeResumeViewed, false, 0))
	s.Insert(mkNotification("b2", notify.TypeResumeViewed, false, 0))
	s.Insert(mkNotification("b3", notify.TypeResumeViewed, true, 0))

	stats := s.StatsByType()
	if got := stats[notify.TypeJobMatch]; got.Read != 1 || got.Unread != 1 {
		t.Errorf("JOB_MATCH: expected 1/1, got %d/%d", got.Read, got.Unread)
	}
	if got := stats[notify.TypeResumeViewed]; got.Read != 1 || got.Unread != 2 {
		t.Errorf("RESUME_VIEWED: expected 1/2, got %d/%d", got.Read, got.Unread)
	}
}

func TestStore_ClearEmptiesEverything(t *testing.T) {
	s := NewStore()
	s.Insert(mkNotification("a", notify.TypeJobMatch, false, 0))
	s.Clear()

	if s.Len() != 0 || s.UnreadCount() != 0 || len(s.List()) != 0 {
		t.Error("store not empty after Clear")
	}
	// the old id must be insertable again: no ghost dedup state
	if !s.Insert(mkNotification("a", notify.TypeJobMatch, false, 0)) {
		t.Error("id from previous session blocked after Clear")
	}
}
