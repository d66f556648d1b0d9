package client

import (
	"sort"
	"sync"

	"github.com/aftionix/jobboard-realtime/notify"
)

// Store is the client-side notification set. Identity is the notification
// id: at most one record per id regardless of how many channels deliver it.
// The unread count is always derived from the set, never tracked separately.
type Store struct {
	mu    sync.RWMutex
	byID  map[string]notify.Notification
	order []string // newest first
}

func NewStore() *Store {
	return &Store{byID: make(map[string]notify.Notification)}
}

// Insert adds a notification unless its id is already present. It reports
// whether the record was actually inserted.
func (s *Store) Insert(n notify.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[n.ID]; ok {
		return false
	}
	s.byID[n.ID] = n
	s.order = append([]string{n.ID}, s.order...)
	return true
}

// Merge reconciles a server backlog page with the local set. New records are
// inserted; for records present on both sides the read flag is merged
// monotonically: a locally-read notification never reverts to unread because
// the backlog carried a stale copy, while a server-side read always sticks.
func (s *Store) Merge(backlog []notify.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, n := range backlog {
		if n.ID == "" {
			continue
		}
		local, ok := s.byID[n.ID]
		if !ok {
			s.byID[n.ID] = n
			s.order = append(s.order, n.ID)
			changed = true
			continue
		}
		n.IsRead = n.IsRead || local.IsRead
		s.byID[n.ID] = n
	}
	if changed {
		s.resortLocked()
	}
}

func (s *Store) resortLocked() {
	sort.SliceStable(s.order, func(i, j int) bool {
		return s.byID[s.order[i]].CreatedAt.After(s.byID[s.order[j]].CreatedAt)
	})
}

// MarkRead flips one notification to read. Reports whether the record exists
// and was previously unread.
func (s *Store) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byID[id]
	if !ok || n.IsRead {
		return false
	}
	n.IsRead = true
	s.byID[id] = n
	return true
}

// MarkAllRead flips every notification to read and returns how many changed.
func (s *Store) MarkAllRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for id, n := range s.byID {
		if !n.IsRead {
			n.IsRead = true
			s.byID[id] = n
			changed++
		}
	}
	return changed
}

// MarkReadByType flips every notification of one type to read.
func (s *Store) MarkReadByType(t notify.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for id, n := range s.byID {
		if n.Type == t && !n.IsRead {
			n.IsRead = true
			s.byID[id] = n
			changed++
		}
	}
	return changed
}

// UnreadCount counts unread records in the set.
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.byID {
		if !n.IsRead {
			count++
		}
	}
	return count
}

// List returns a copy of the set, newest first.
func (s *Store) List() []notify.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]notify.Notification, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Get looks up one notification by id.
func (s *Store) Get(id string) (notify.Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byID[id]
	return n, ok
}

// Len returns the number of records in the set.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// StatsByType aggregates read and unread counts per type from the local set.
// Used as the fallback when the stats endpoint is unreachable.
func (s *Store) StatsByType() notify.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make(notify.Stats)
	for _, n := range s.byID {
		st := stats[n.Type]
		if n.IsRead {
			st.Read++
		} else {
			st.Unread++
		}
		stats[n.Type] = st
	}
	return stats
}

// Clear empties the set. Called on sign-out so nothing leaks across
// identities.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]notify.Notification)
	s.order = nil
}
