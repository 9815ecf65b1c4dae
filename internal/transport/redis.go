package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	envelopePresence  = "presence"
	envelopeBroadcast = "broadcast"

	defaultSubscribeTimeout = 10 * time.Second
	defaultHeartbeat        = 15 * time.Second
	// A ref not refreshed for staleBeats heartbeats belongs to a dead process.
	staleBeats = 3
)

// envelope is the wire format published on a channel.
type envelope struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Origin  string          `json:"origin"`
	Key     string          `json:"key,omitempty"`
	Entries []Entry         `json:"entries,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// storedEntry is the value kept in the presence hash, one field per connection.
type storedEntry struct {
	Key   string `json:"key"`
	Entry Entry  `json:"entry"`
}

// RedisTransport implements Transport on Redis Pub/Sub. Presence state of a
// channel lives in the hash "presence:<name>" so that a new subscriber can be
// sent a full sync. Every tracked ref is also scored by its last heartbeat in
// "presence:<name>:seen"; refs whose process stopped refreshing are pruned.
type RedisTransport struct {
	rdb              redis.UniversalClient
	subscribeTimeout time.Duration
	heartbeat        time.Duration
	now              func() time.Time
	log              *logrus.Entry
}

// RedisOption configures a RedisTransport.
type RedisOption func(*RedisTransport)

// WithHeartbeat sets how often tracked refs refresh their last-seen score.
// A ref is dropped after three missed heartbeats.
func WithHeartbeat(d time.Duration) RedisOption {
	return func(t *RedisTransport) {
		if d > 0 {
			t.heartbeat = d
		}
	}
}

// NewRedisTransport wraps a connected client. A zero subscribeTimeout uses the default.
func NewRedisTransport(rdb redis.UniversalClient, subscribeTimeout time.Duration, opts ...RedisOption) *RedisTransport {
	if subscribeTimeout <= 0 {
		subscribeTimeout = defaultSubscribeTimeout
	}
	t := &RedisTransport{
		rdb:              rdb,
		subscribeTimeout: subscribeTimeout,
		heartbeat:        defaultHeartbeat,
		now:              time.Now,
		log:              logrus.WithField("component", "redis-transport"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func presenceHashKey(name string) string {
	return "presence:" + name
}

func presenceSeenKey(name string) string {
	return "presence:" + name + ":seen"
}

// staleBefore returns the last-seen score under which a ref is considered dead.
func (t *RedisTransport) staleBefore() float64 {
	return float64(t.now().Add(-staleBeats * t.heartbeat).UnixMilli())
}

func (t *RedisTransport) seenScore() float64 {
	return float64(t.now().UnixMilli())
}

// Channel returns a new handle for name.
func (t *RedisTransport) Channel(name string, opts ChannelOptions) Channel {
	key := opts.PresenceKey
	if key == "" {
		key = uuid.New().String()
	}
	return &redisChannel{
		t:         t,
		name:      name,
		key:       key,
		ref:       uuid.New().String(),
		callbacks: newCallbacks(),
		local:     make(PresenceState),
	}
}

// RemoveChannel untracks the handle and closes its Pub/Sub connection.
func (t *RedisTransport) RemoveChannel(ctx context.Context, ch Channel) error {
	rc, ok := ch.(*redisChannel)
	if !ok || rc.t != t {
		return ErrForeignHandle
	}
	return rc.close(ctx)
}

type redisChannel struct {
	t    *RedisTransport
	name string
	key  string
	ref  string

	*callbacks

	mu         sync.Mutex
	pubsub     *redis.PubSub
	cancel     context.CancelFunc
	subscribed bool
	tracked    bool
	closed     bool
	stopBeat   context.CancelFunc
	// local mirrors the channel presence state; only touched by the receive goroutine.
	local PresenceState
}

func (c *redisChannel) Name() string { return c.name }

func (c *redisChannel) OnPresence(event PresenceEvent, cb func(PresenceMessage)) {
	c.onPresence(event, cb)
}

func (c *redisChannel) OnBroadcast(event string, cb func(json.RawMessage)) {
	c.onBroadcast(event, cb)
}

// Subscribe connects in the background. All callbacks of the handle run on
// that goroutine.
func (c *redisChannel) Subscribe(cb func(Status, error)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		go cb(StatusClosed, ErrClosed)
		return
	}
	if c.pubsub != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ps := c.t.rdb.Subscribe(ctx, c.name)
	c.pubsub = ps
	c.cancel = cancel
	c.mu.Unlock()

	go c.receive(ctx, ps, cb)
}

func (c *redisChannel) receive(ctx context.Context, ps *redis.PubSub, cb func(Status, error)) {
	ackCtx, ackCancel := context.WithTimeout(ctx, c.t.subscribeTimeout)
	_, err := ps.Receive(ackCtx)
	ackCancel()
	if err != nil {
		_ = ps.Close()
		switch {
		case ctx.Err() != nil:
			cb(StatusClosed, ErrClosed)
		case errors.Is(err, context.DeadlineExceeded):
			cb(StatusTimedOut, err)
		default:
			cb(StatusChannelError, err)
		}
		return
	}

	c.mu.Lock()
	c.subscribed = true
	c.mu.Unlock()
	cb(StatusSubscribed, nil)

	if err := c.loadState(ctx); err != nil {
		c.t.log.WithError(err).WithField("channel", c.name).Warn("Failed to load presence state")
	}
	c.emitPresence(PresenceMessage{Event: PresenceSync, State: c.local.clone()})

	for msg := range ps.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			c.t.log.WithError(err).WithField("channel", c.name).Warn("Dropping malformed message")
			continue
		}
		c.dispatch(env)
	}
}

// loadState fills the local mirror from the presence hash. Refs without a
// recent heartbeat are pruned instead of loaded.
func (c *redisChannel) loadState(ctx context.Context) error {
	fields, err := c.t.rdb.HGetAll(ctx, presenceHashKey(c.name)).Result()
	if err != nil {
		return err
	}
	seen, err := c.t.rdb.ZRangeWithScores(ctx, presenceSeenKey(c.name), 0, -1).Result()
	if err != nil {
		return err
	}
	lastSeen := make(map[string]float64, len(seen))
	for _, z := range seen {
		if ref, ok := z.Member.(string); ok {
			lastSeen[ref] = z.Score
		}
	}

	cutoff := c.t.staleBefore()
	for ref, raw := range fields {
		var se storedEntry
		if err := json.Unmarshal([]byte(raw), &se); err != nil {
			continue
		}
		if score, ok := lastSeen[ref]; !ok || score < cutoff {
			if err := c.prune(ctx, ref, se.Key); err != nil {
				c.t.log.WithError(err).WithField("channel", c.name).Warn("Failed to prune stale presence")
			}
			continue
		}
		c.local.upsert(se.Key, se.Entry)
	}
	return nil
}

// prune removes a dead ref and tells every handle it left.
func (c *redisChannel) prune(ctx context.Context, ref, key string) error {
	_, err := c.t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, presenceHashKey(c.name), ref)
		pipe.ZRem(ctx, presenceSeenKey(c.name), ref)
		return c.publish(ctx, pipe, envelope{
			Type:    envelopePresence,
			Event:   string(PresenceLeave),
			Key:     key,
			Entries: []Entry{{Ref: ref}},
		})
	})
	return err
}

// pruneStale drops every ref of the channel that missed its heartbeats.
func (c *redisChannel) pruneStale(ctx context.Context) error {
	refs, err := c.t.rdb.ZRangeByScore(ctx, presenceSeenKey(c.name), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(c.t.staleBefore(), 'f', -1, 64),
	}).Result()
	if err != nil {
		return err
	}
	for _, ref := range refs {
		var key string
		raw, err := c.t.rdb.HGet(ctx, presenceHashKey(c.name), ref).Result()
		if err == nil {
			var se storedEntry
			if json.Unmarshal([]byte(raw), &se) == nil {
				key = se.Key
			}
		} else if !errors.Is(err, redis.Nil) {
			return err
		}
		if err := c.prune(ctx, ref, key); err != nil {
			return err
		}
	}
	return nil
}

// beat refreshes the handle's last-seen score until ctx is cancelled, and
// prunes refs of crashed processes on the way.
func (c *redisChannel) beat(ctx context.Context) {
	ticker := time.NewTicker(c.t.heartbeat)
	defer ticker.Stop()
	log := c.t.log.WithField("channel", c.name)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := c.t.rdb.ZAdd(ctx, presenceSeenKey(c.name), redis.Z{Score: c.t.seenScore(), Member: c.ref}).Err()
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("Presence heartbeat failed")
			}
			continue
		}
		if err := c.pruneStale(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("Failed to prune stale presence")
		}
	}
}

func (c *redisChannel) dispatch(env envelope) {
	switch env.Type {
	case envelopePresence:
		switch PresenceEvent(env.Event) {
		case PresenceJoin:
			for _, e := range env.Entries {
				c.local.upsert(env.Key, e)
			}
		case PresenceLeave:
			for _, e := range env.Entries {
				c.local.remove(env.Key, e.Ref)
			}
		default:
			return
		}
		c.emitPresence(PresenceMessage{Event: PresenceEvent(env.Event), Key: env.Key, Entries: env.Entries})
		c.emitPresence(PresenceMessage{Event: PresenceSync, State: c.local.clone()})
	case envelopeBroadcast:
		if env.Origin == c.ref {
			return
		}
		c.emitBroadcast(env.Event, env.Payload)
	}
}

func (c *redisChannel) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.subscribed {
		return ErrNotSubscribed
	}
	return nil
}

func (c *redisChannel) publish(ctx context.Context, pipe redis.Pipeliner, env envelope) error {
	env.Origin = c.ref
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return pipe.Publish(ctx, c.name, data).Err()
}

func (c *redisChannel) Track(ctx context.Context, payload any) error {
	if err := c.ready(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode presence payload: %w", err)
	}
	entry := Entry{Ref: c.ref, Payload: data}
	stored, err := json.Marshal(storedEntry{Key: c.key, Entry: entry})
	if err != nil {
		return err
	}

	_, err = c.t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, presenceHashKey(c.name), c.ref, stored)
		pipe.ZAdd(ctx, presenceSeenKey(c.name), redis.Z{Score: c.t.seenScore(), Member: c.ref})
		return c.publish(ctx, pipe, envelope{
			Type:    envelopePresence,
			Event:   string(PresenceJoin),
			Key:     c.key,
			Entries: []Entry{entry},
		})
	})
	if err != nil {
		return fmt.Errorf("track on %s: %w", c.name, err)
	}

	c.mu.Lock()
	c.tracked = true
	if c.stopBeat == nil {
		beatCtx, stop := context.WithCancel(context.Background())
		c.stopBeat = stop
		go c.beat(beatCtx)
	}
	c.mu.Unlock()
	return nil
}

func (c *redisChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	tracked := c.tracked
	c.tracked = false
	if c.stopBeat != nil {
		c.stopBeat()
		c.stopBeat = nil
	}
	c.mu.Unlock()
	if !tracked {
		return nil
	}

	_, err := c.t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, presenceHashKey(c.name), c.ref)
		pipe.ZRem(ctx, presenceSeenKey(c.name), c.ref)
		return c.publish(ctx, pipe, envelope{
			Type:    envelopePresence,
			Event:   string(PresenceLeave),
			Key:     c.key,
			Entries: []Entry{{Ref: c.ref}},
		})
	})
	if err != nil {
		return fmt.Errorf("untrack on %s: %w", c.name, err)
	}
	return nil
}

func (c *redisChannel) Send(ctx context.Context, event string, payload any) error {
	if err := c.ready(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode broadcast payload: %w", err)
	}
	env := envelope{Type: envelopeBroadcast, Event: event, Origin: c.ref, Payload: data}
	msg, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.t.rdb.Publish(ctx, c.name, msg).Err(); err != nil {
		return fmt.Errorf("send %s on %s: %w", event, c.name, err)
	}
	return nil
}

func (c *redisChannel) close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	untrackErr := c.Untrack(ctx)

	c.mu.Lock()
	c.closed = true
	ps, cancel := c.pubsub, c.cancel
	c.mu.Unlock()

	var closeErr error
	if cancel != nil {
		cancel()
	}
	if ps != nil {
		closeErr = ps.Close()
	}
	return errors.Join(untrackErr, closeErr)
}
