package chat

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// UnreadSource is a room that reports an unread count. *Session implements it.
type UnreadSource interface {
	RoomID() string
	UnreadCount() int
	OnChange(cb func()) func()
}

type aggregatedSource struct {
	src  UnreadSource
	stop func()
}

type totalListener struct {
	id uint64
	fn func(total int)
}

// UnreadAggregator sums the unread counts of a viewer's rooms. It keeps no
// counts of its own: Total is always recomputed from the sources.
type UnreadAggregator struct {
	log *logrus.Entry

	mu        sync.Mutex
	sources   map[string]aggregatedSource
	last      int
	listeners []totalListener
	nextID    uint64
	closed    bool
}

// NewUnreadAggregator returns an aggregator without sources.
func NewUnreadAggregator() *UnreadAggregator {
	return &UnreadAggregator{
		log:     logrus.WithField("component", "unread-aggregator"),
		sources: make(map[string]aggregatedSource),
	}
}

// Add starts following src, replacing any source with the same room id.
func (a *UnreadAggregator) Add(src UnreadSource) {
	stop := src.OnChange(a.recompute)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		stop()
		return
	}
	old, replaced := a.sources[src.RoomID()]
	a.sources[src.RoomID()] = aggregatedSource{src: src, stop: stop}
	a.mu.Unlock()

	if replaced {
		old.stop()
	}
	a.recompute()
}

// Remove stops following roomID.
func (a *UnreadAggregator) Remove(roomID string) {
	a.mu.Lock()
	old, ok := a.sources[roomID]
	delete(a.sources, roomID)
	a.mu.Unlock()

	if ok {
		old.stop()
		a.recompute()
	}
}

// Total returns the sum of every source's unread count.
func (a *UnreadAggregator) Total() int {
	a.mu.Lock()
	sources := make([]UnreadSource, 0, len(a.sources))
	for _, s := range a.sources {
		sources = append(sources, s.src)
	}
	a.mu.Unlock()

	total := 0
	for _, s := range sources {
		total += s.UnreadCount()
	}
	return total
}

// OnChange registers cb, called with the new total whenever it changes.
func (a *UnreadAggregator) OnChange(cb func(total int)) func() {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.listeners = append(a.listeners, totalListener{id: id, fn: cb})
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			for i, l := range a.listeners {
				if l.id == id {
					a.listeners = append(append([]totalListener(nil), a.listeners[:i]...), a.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (a *UnreadAggregator) recompute() {
	total := a.Total()

	a.mu.Lock()
	if a.closed || total == a.last {
		a.mu.Unlock()
		return
	}
	a.last = total
	listeners := append([]totalListener(nil), a.listeners...)
	a.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					a.log.Errorf("Recovered from unread listener panic: %v", rec)
				}
			}()
			l.fn(total)
		}()
	}
}

// Close stops following every source.
func (a *UnreadAggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	sources := a.sources
	a.sources = make(map[string]aggregatedSource)
	a.listeners = nil
	a.mu.Unlock()

	for _, s := range sources {
		s.stop()
	}
}
