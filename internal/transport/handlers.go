package transport

import (
	"encoding/json"
	"sync"
)

// callbacks holds the presence and broadcast callbacks of one handle.
type callbacks struct {
	mu        sync.RWMutex
	presence  map[PresenceEvent][]func(PresenceMessage)
	broadcast map[string][]func(json.RawMessage)
}

func newCallbacks() *callbacks {
	return &callbacks{
		presence:  make(map[PresenceEvent][]func(PresenceMessage)),
		broadcast: make(map[string][]func(json.RawMessage)),
	}
}

func (c *callbacks) onPresence(event PresenceEvent, cb func(PresenceMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence[event] = append(c.presence[event], cb)
}

func (c *callbacks) onBroadcast(event string, cb func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcast[event] = append(c.broadcast[event], cb)
}

func (c *callbacks) emitPresence(msg PresenceMessage) {
	c.mu.RLock()
	cbs := append(([]func(PresenceMessage))(nil), c.presence[msg.Event]...)
	c.mu.RUnlock()
	for _, cb := range cbs {
		cb(msg)
	}
}

func (c *callbacks) emitBroadcast(event string, payload json.RawMessage) {
	c.mu.RLock()
	cbs := append(([]func(json.RawMessage))(nil), c.broadcast[event]...)
	c.mu.RUnlock()
	for _, cb := range cbs {
		cb(payload)
	}
}

// eventQueue runs queued functions one at a time on its own goroutine.
// push never blocks, so producers may hold locks while enqueueing.
type eventQueue struct {
	mu       sync.Mutex
	items    []func()
	signal   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) push(fn func()) {
	q.mu.Lock()
	select {
	case <-q.done:
		q.mu.Unlock()
		return
	default:
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.signal:
		}
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()

			select {
			case <-q.done:
				return
			default:
			}
			fn()
		}
	}
}

func (q *eventQueue) stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		close(q.done)
		q.items = nil
		q.mu.Unlock()
	})
}
