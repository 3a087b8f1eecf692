package conversation

import (
	"sort"
	"sync"

	"classlink/pkg/types"
)

// Store is the ordered, deduplicated message list of one conversation
// FUNCTIONAL DISCOVERY: identity is the backend id alone; two messages with
// identical text and timestamps but different ids are both kept
type Store struct {
	mu   sync.RWMutex
	msgs []*types.Message
	ids  map[int64]struct{}
}

func NewStore() *Store {
	return &Store{ids: make(map[int64]struct{})}
}

// Append inserts msg in order unless its id is already present. It reports
// whether the store changed.
func (s *Store) Append(msg *types.Message) bool {
	if msg == nil || msg.ID == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(msg)
}

// Bootstrap merges a bulk history fetch into whatever live traffic already
// arrived, returning how many messages were new.
func (s *Store) Bootstrap(msgs []*types.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, m := range msgs {
		if m == nil || m.ID == 0 {
			continue
		}
		if s.insertLocked(m) {
			added++
		}
	}
	return added
}

func (s *Store) insertLocked(msg *types.Message) bool {
	if _, dup := s.ids[msg.ID]; dup {
		return false
	}
	s.ids[msg.ID] = struct{}{}

	i := sort.Search(len(s.msgs), func(i int) bool { return less(msg, s.msgs[i]) })
	s.msgs = append(s.msgs, nil)
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = msg
	return true
}

// less orders by creation time, then id.
func less(a, b *types.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Messages returns the ordered list. The slice is a copy; messages are
// shared and must be treated as read-only.
func (s *Store) Messages() []*types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*types.Message(nil), s.msgs...)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

func (s *Store) Get(id int64) (*types.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.ids[id]; !ok {
		return nil, false
	}
	for _, m := range s.msgs {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// Oldest returns the first message in order, used as the paging cursor.
func (s *Store) Oldest() (*types.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.msgs) == 0 {
		return nil, false
	}
	return s.msgs[0], true
}
