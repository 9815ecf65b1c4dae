package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisChannel() *redisChannel {
	tr := NewRedisTransport(nil, 0)
	return tr.Channel("building:b1:presence", ChannelOptions{PresenceKey: "u1"}).(*redisChannel)
}

func TestNewRedisTransport_DefaultTimeout(t *testing.T) {
	assert.Equal(t, defaultSubscribeTimeout, NewRedisTransport(nil, 0).subscribeTimeout)
	assert.Equal(t, time.Second, NewRedisTransport(nil, time.Second).subscribeTimeout)
}

func TestRedisChannel_DispatchPresence(t *testing.T) {
	c := newTestRedisChannel()
	var events []PresenceEvent
	var last PresenceState
	for _, ev := range []PresenceEvent{PresenceJoin, PresenceLeave} {
		c.OnPresence(ev, func(m PresenceMessage) { events = append(events, m.Event) })
	}
	c.OnPresence(PresenceSync, func(m PresenceMessage) { last = m.State })

	c.dispatch(envelope{Type: envelopePresence, Event: "join", Origin: "r2", Key: "u2", Entries: []Entry{{Ref: "r2", Payload: json.RawMessage(`{}`)}}})
	c.dispatch(envelope{Type: envelopePresence, Event: "join", Origin: "r2", Key: "u2", Entries: []Entry{{Ref: "r2", Payload: json.RawMessage(`{"a":1}`)}}})
	require.Len(t, last["u2"], 1, "join is idempotent per ref")

	c.dispatch(envelope{Type: envelopePresence, Event: "leave", Origin: "r2", Key: "u2", Entries: []Entry{{Ref: "r2"}}})

	assert.Equal(t, []PresenceEvent{PresenceJoin, PresenceJoin, PresenceLeave}, events)
	assert.Empty(t, last)
}

func TestRedisChannel_DispatchIgnoresOwnBroadcast(t *testing.T) {
	c := newTestRedisChannel()
	var got []string
	c.OnBroadcast("message", func(p json.RawMessage) { got = append(got, string(p)) })

	c.dispatch(envelope{Type: envelopeBroadcast, Event: "message", Origin: c.ref, Payload: json.RawMessage(`"self"`)})
	c.dispatch(envelope{Type: envelopeBroadcast, Event: "message", Origin: "other", Payload: json.RawMessage(`"peer"`)})
	c.dispatch(envelope{Type: envelopePresence, Event: "bogus"})

	assert.Equal(t, []string{`"peer"`}, got)
}

func TestRedisChannel_NotSubscribed(t *testing.T) {
	c := newTestRedisChannel()

	assert.ErrorIs(t, c.ready(), ErrNotSubscribed)
	assert.NoError(t, c.Untrack(context.Background()), "untrack without track is a no-op")
}

func TestEnvelopeWireFormat(t *testing.T) {
	data, err := json.Marshal(envelope{Type: envelopePresence, Event: "join", Origin: "r1", Key: "u1", Entries: []Entry{{Ref: "r1", Payload: json.RawMessage(`{"user_id":"u1"}`)}}})
	require.NoError(t, err)

	assert.JSONEq(t, `{"type":"presence","event":"join","origin":"r1","key":"u1","entries":[{"presence_ref":"r1","payload":{"user_id":"u1"}}]}`, string(data))
	assert.Equal(t, "presence:building:b1:presence", presenceHashKey("building:b1:presence"))
}

func TestPresenceStateHelpers(t *testing.T) {
	s := PresenceState{}
	s.upsert("u1", Entry{Ref: "a"})
	s.upsert("u1", Entry{Ref: "b"})
	clone := s.clone()

	_, ok := s.remove("u1", "a")
	assert.True(t, ok)
	_, ok = s.remove("u1", "missing")
	assert.False(t, ok)
	assert.Len(t, clone["u1"], 2)

	s.remove("u1", "b")
	assert.NotContains(t, s, "u1")
}
