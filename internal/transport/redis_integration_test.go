package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	redisWait = 2 * time.Second
	redisTick = 10 * time.Millisecond
	channel   = "building:b1:presence"
)

// redisInstance is one process talking to the shared Redis server.
func redisInstance(t *testing.T, mr *miniredis.Miniredis, opts ...RedisOption) *RedisTransport {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisTransport(rdb, time.Second, opts...)
}

type redisEvents struct {
	mu       sync.Mutex
	status   []Status
	lastSync PresenceState
	leaves   int
	bcasts   []string
}

func (e *redisEvents) subscribed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.status {
		if s == StatusSubscribed {
			return true
		}
	}
	return false
}

func (e *redisEvents) sync() PresenceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

func (e *redisEvents) leaveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaves
}

func (e *redisEvents) broadcasts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.bcasts...)
}

func openRedisChannel(t *testing.T, tr *RedisTransport, key string) (*redisChannel, *redisEvents) {
	t.Helper()
	ch := tr.Channel(channel, ChannelOptions{PresenceKey: key}).(*redisChannel)
	ev := &redisEvents{}
	ch.OnPresence(PresenceSync, func(m PresenceMessage) {
		ev.mu.Lock()
		ev.lastSync = m.State
		ev.mu.Unlock()
	})
	ch.OnPresence(PresenceLeave, func(PresenceMessage) {
		ev.mu.Lock()
		ev.leaves++
		ev.mu.Unlock()
	})
	ch.OnBroadcast("message", func(p json.RawMessage) {
		ev.mu.Lock()
		ev.bcasts = append(ev.bcasts, string(p))
		ev.mu.Unlock()
	})
	ch.Subscribe(func(s Status, _ error) {
		ev.mu.Lock()
		ev.status = append(ev.status, s)
		ev.mu.Unlock()
	})
	t.Cleanup(func() { _ = tr.RemoveChannel(context.Background(), ch) })
	require.Eventually(t, ev.subscribed, redisWait, redisTick)
	require.Eventually(t, func() bool { return ev.sync() != nil }, redisWait, redisTick)
	return ch, ev
}

func hasKey(state PresenceState, key string) bool {
	_, ok := state[key]
	return ok
}

func TestRedisTransport_TrackLeaveRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	trA, trB := redisInstance(t, mr), redisInstance(t, mr)

	_, bEvents := openRedisChannel(t, trB, "u2")
	a, aEvents := openRedisChannel(t, trA, "u1")

	require.NoError(t, a.Track(ctx, map[string]string{"user_id": "u1"}))
	require.Eventually(t, func() bool { return len(bEvents.sync()["u1"]) == 1 }, redisWait, redisTick)

	hashRefs, err := mr.HKeys(presenceHashKey(channel))
	require.NoError(t, err)
	assert.Equal(t, []string{a.ref}, hashRefs)
	seenRefs, err := mr.ZMembers(presenceSeenKey(channel))
	require.NoError(t, err)
	assert.Equal(t, []string{a.ref}, seenRefs)

	require.NoError(t, a.Send(ctx, "message", "hello"))
	require.Eventually(t, func() bool { return len(bEvents.broadcasts()) == 1 }, redisWait, redisTick)
	assert.Equal(t, []string{`"hello"`}, bEvents.broadcasts())
	assert.Empty(t, aEvents.broadcasts(), "own broadcasts are not delivered back")

	require.NoError(t, trA.RemoveChannel(ctx, a))

	assert.Eventually(t, func() bool { return bEvents.leaveCount() == 1 && !hasKey(bEvents.sync(), "u1") }, redisWait, redisTick)
	assert.False(t, mr.Exists(presenceHashKey(channel)))
	assert.False(t, mr.Exists(presenceSeenKey(channel)))
	assert.ErrorIs(t, a.Track(ctx, map[string]string{"user_id": "u1"}), ErrClosed)
}

func TestRedisTransport_LoadPrunesDeadRefs(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	// A process that stopped heartbeating an hour ago.
	crashed := redisInstance(t, mr, WithHeartbeat(time.Hour))
	crashed.now = func() time.Time { return time.Now().Add(-time.Hour) }
	dead, _ := openRedisChannel(t, crashed, "u9")
	require.NoError(t, dead.Track(ctx, map[string]string{"user_id": "u9"}))

	// An entry written without a last-seen score.
	mr.HSet(presenceHashKey(channel), "ghost", `{"key":"u7","entry":{"presence_ref":"ghost","payload":{}}}`)

	_, live := openRedisChannel(t, redisInstance(t, mr), "u1")

	assert.False(t, hasKey(live.sync(), "u9"))
	assert.False(t, hasKey(live.sync(), "u7"))
	assert.False(t, mr.Exists(presenceHashKey(channel)))
}

func TestRedisTransport_HeartbeatPrunesPeers(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	live, liveEvents := openRedisChannel(t, redisInstance(t, mr, WithHeartbeat(50*time.Millisecond)), "u1")
	require.NoError(t, live.Track(ctx, map[string]string{"user_id": "u1"}))

	crashed := redisInstance(t, mr, WithHeartbeat(time.Hour))
	crashed.now = func() time.Time { return time.Now().Add(-time.Hour) }
	dead, _ := openRedisChannel(t, crashed, "u9")
	require.NoError(t, dead.Track(ctx, map[string]string{"user_id": "u9"}))

	assert.Eventually(t, func() bool {
		s := liveEvents.sync()
		return liveEvents.leaveCount() > 0 && !hasKey(s, "u9") && hasKey(s, "u1")
	}, redisWait, redisTick)

	refs, err := mr.ZMembers(presenceSeenKey(channel))
	require.NoError(t, err)
	assert.Equal(t, []string{live.ref}, refs)
}
