package chat

import (
	"sort"
	"sync"
	"time"
)

type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

// typingSet holds the users currently typing in a room. Each entry expires on
// its own timer unless refreshed.
type typingSet struct {
	timeout  time.Duration
	onChange func()

	mu      sync.Mutex
	users   map[string]*typingEntry
	gen     uint64
	stopped bool
}

func newTypingSet(timeout time.Duration, onChange func()) *typingSet {
	return &typingSet{
		timeout:  timeout,
		onChange: onChange,
		users:    make(map[string]*typingEntry),
	}
}

// add starts or refreshes the expiry of userID.
func (s *typingSet) add(userID string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	e, existed := s.users[userID]
	if existed {
		e.timer.Stop()
	} else {
		e = &typingEntry{}
		s.users[userID] = e
	}
	e.gen = gen
	e.timer = time.AfterFunc(s.timeout, func() { s.expire(userID, gen) })
	s.mu.Unlock()

	if !existed {
		s.onChange()
	}
}

func (s *typingSet) expire(userID string, gen uint64) {
	s.mu.Lock()
	e, ok := s.users[userID]
	if !ok || e.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.users, userID)
	s.mu.Unlock()
	s.onChange()
}

// remove drops userID immediately.
func (s *typingSet) remove(userID string) {
	s.mu.Lock()
	e, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.timer.Stop()
	delete(s.users, userID)
	s.mu.Unlock()
	s.onChange()
}

// list returns the typing user ids in ascending order.
func (s *typingSet) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *typingSet) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, e := range s.users {
		e.timer.Stop()
		delete(s.users, id)
	}
}
