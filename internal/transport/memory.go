package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryTransport is an in-process broker. It is used when no Redis address
// is configured and in tests. Broadcasts are not echoed to the sending handle.
type MemoryTransport struct {
	mu     sync.Mutex
	topics map[string]*memoryTopic
}

type memoryTopic struct {
	handles map[*memoryChannel]struct{}
	state   PresenceState
}

// NewMemoryTransport returns an empty broker.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{topics: make(map[string]*memoryTopic)}
}

// Channel returns a new, not yet subscribed, handle for name.
func (t *MemoryTransport) Channel(name string, opts ChannelOptions) Channel {
	key := opts.PresenceKey
	if key == "" {
		key = uuid.New().String()
	}
	return &memoryChannel{
		t:         t,
		name:      name,
		key:       key,
		ref:       uuid.New().String(),
		callbacks: newCallbacks(),
		queue:     newEventQueue(),
	}
}

// RemoveChannel untracks the handle, detaches it from its topic and stops its
// delivery goroutine.
func (t *MemoryTransport) RemoveChannel(_ context.Context, ch Channel) error {
	mc, ok := ch.(*memoryChannel)
	if !ok || mc.t != t {
		return ErrForeignHandle
	}

	t.mu.Lock()
	if mc.closed {
		t.mu.Unlock()
		return nil
	}
	mc.closed = true
	if topic, ok := t.topics[mc.name]; ok {
		t.untrackLocked(topic, mc)
		delete(topic.handles, mc)
		if len(topic.handles) == 0 && len(topic.state) == 0 {
			delete(t.topics, mc.name)
		}
	}
	t.mu.Unlock()

	mc.queue.stop()
	return nil
}

// Subscribers returns the number of subscribed handles on name.
func (t *MemoryTransport) Subscribers(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if topic, ok := t.topics[name]; ok {
		return len(topic.handles)
	}
	return 0
}

func (t *MemoryTransport) topicLocked(name string) *memoryTopic {
	topic, ok := t.topics[name]
	if !ok {
		topic = &memoryTopic{
			handles: make(map[*memoryChannel]struct{}),
			state:   make(PresenceState),
		}
		t.topics[name] = topic
	}
	return topic
}

func (t *MemoryTransport) untrackLocked(topic *memoryTopic, mc *memoryChannel) {
	if !mc.tracked {
		return
	}
	mc.tracked = false
	removed, ok := topic.state.remove(mc.key, mc.ref)
	if !ok {
		return
	}
	t.fanOutPresenceLocked(topic, PresenceMessage{
		Event:   PresenceLeave,
		Key:     mc.key,
		Entries: []Entry{removed},
	})
}

// fanOutPresenceLocked queues msg followed by a sync to every handle.
func (t *MemoryTransport) fanOutPresenceLocked(topic *memoryTopic, msg PresenceMessage) {
	for h := range topic.handles {
		h.deliverPresence(msg)
		h.deliverPresence(PresenceMessage{Event: PresenceSync, State: topic.state.clone()})
	}
}

type memoryChannel struct {
	t    *MemoryTransport
	name string
	key  string
	ref  string

	*callbacks
	queue *eventQueue

	// guarded by t.mu
	subscribed bool
	tracked    bool
	closed     bool
}

func (c *memoryChannel) Name() string { return c.name }

func (c *memoryChannel) OnPresence(event PresenceEvent, cb func(PresenceMessage)) {
	c.onPresence(event, cb)
}

func (c *memoryChannel) OnBroadcast(event string, cb func(json.RawMessage)) {
	c.onBroadcast(event, cb)
}

func (c *memoryChannel) Subscribe(cb func(Status, error)) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()

	if c.closed {
		c.queue.push(func() { cb(StatusClosed, ErrClosed) })
		return
	}
	if c.subscribed {
		return
	}
	c.subscribed = true
	topic := c.t.topicLocked(c.name)
	topic.handles[c] = struct{}{}
	state := topic.state.clone()

	c.queue.push(func() { cb(StatusSubscribed, nil) })
	c.deliverPresence(PresenceMessage{Event: PresenceSync, State: state})
}

func (c *memoryChannel) Track(_ context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode presence payload: %w", err)
	}

	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.subscribed {
		return ErrNotSubscribed
	}

	entry := Entry{Ref: c.ref, Payload: data}
	topic := c.t.topicLocked(c.name)
	topic.state.upsert(c.key, entry)
	c.tracked = true
	c.t.fanOutPresenceLocked(topic, PresenceMessage{
		Event:   PresenceJoin,
		Key:     c.key,
		Entries: []Entry{entry},
	})
	return nil
}

func (c *memoryChannel) Untrack(_ context.Context) error {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if topic, ok := c.t.topics[c.name]; ok {
		c.t.untrackLocked(topic, c)
	}
	return nil
}

func (c *memoryChannel) Send(_ context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode broadcast payload: %w", err)
	}

	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.subscribed {
		return ErrNotSubscribed
	}
	topic := c.t.topicLocked(c.name)
	for h := range topic.handles {
		if h == c {
			continue
		}
		h.deliverBroadcast(event, data)
	}
	return nil
}

func (c *memoryChannel) deliverPresence(msg PresenceMessage) {
	c.queue.push(func() { c.emitPresence(msg) })
}

func (c *memoryChannel) deliverBroadcast(event string, payload json.RawMessage) {
	c.queue.push(func() { c.emitBroadcast(event, payload) })
}
