package realtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"residenthub/backend/internal/realtime"
	"residenthub/backend/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingTransport answers every Subscribe with the configured status.
type failingTransport struct {
	status  transport.Status
	removed atomic.Int32
}

func (f *failingTransport) Channel(name string, _ transport.ChannelOptions) transport.Channel {
	return &failingChannel{name: name, status: f.status}
}

func (f *failingTransport) RemoveChannel(context.Context, transport.Channel) error {
	f.removed.Add(1)
	return errors.New("remove failed")
}

type failingChannel struct {
	name   string
	status transport.Status
}

func (c *failingChannel) Name() string                                                        { return c.name }
func (c *failingChannel) OnPresence(transport.PresenceEvent, func(transport.PresenceMessage)) {}
func (c *failingChannel) OnBroadcast(string, func(json.RawMessage))                           {}
func (c *failingChannel) Subscribe(cb func(transport.Status, error)) {
	go cb(c.status, errors.New("boom"))
}
func (c *failingChannel) Track(context.Context, any) error        { return nil }
func (c *failingChannel) Untrack(context.Context) error           { return nil }
func (c *failingChannel) Send(context.Context, string, any) error { return nil }

func TestOpen_NilTransport(t *testing.T) {
	ch, err := realtime.Open(nil, "building:b1:presence", "u1", nil)

	assert.Nil(t, ch)
	assert.ErrorIs(t, err, realtime.ErrTransportUnavailable)
}

func TestChannel_StateMachine(t *testing.T) {
	tr := transport.NewMemoryTransport()
	ch, err := realtime.Open(tr, "building:b1:presence", "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, realtime.StateConnecting, ch.State())

	assert.ErrorIs(t, ch.Track(context.Background(), map[string]string{"user_id": "u1"}), realtime.ErrNotSubscribed)

	ch.Connect()
	ch.Connect()
	require.Eventually(t, ch.Connected, time.Second, 5*time.Millisecond)
	assert.Equal(t, realtime.StateSubscribed, ch.State())
	assert.Equal(t, 1, tr.Subscribers("building:b1:presence"))

	require.NoError(t, ch.Track(context.Background(), map[string]string{"user_id": "u1"}))
	assert.Equal(t, realtime.StateTracking, ch.State())

	ch.Close()
	ch.Close()
	assert.Equal(t, realtime.StateClosed, ch.State())
	assert.False(t, ch.Connected())
	assert.ErrorIs(t, ch.Track(context.Background(), "x"), realtime.ErrClosed)
	assert.ErrorIs(t, ch.Broadcast(context.Background(), "message", "x"), realtime.ErrClosed)
	assert.Eventually(t, func() bool { return tr.Subscribers("building:b1:presence") == 0 }, time.Second, 5*time.Millisecond)
}

func TestChannel_SubscriptionFailure(t *testing.T) {
	for _, status := range []transport.Status{transport.StatusChannelError, transport.StatusTimedOut} {
		t.Run(string(status), func(t *testing.T) {
			tr := &failingTransport{status: status}
			ch, err := realtime.Open(tr, "building:b1:presence", "u1", nil)
			require.NoError(t, err)

			var got atomic.Value
			ch.OnStatus(func(s realtime.State, err error) { got.Store(s) })
			ch.Connect()

			require.Eventually(t, func() bool { return got.Load() == realtime.StateFailed }, time.Second, 5*time.Millisecond)
			assert.False(t, ch.Connected())
			assert.ErrorIs(t, ch.Err(), realtime.ErrSubscription)
			assert.ErrorIs(t, ch.Track(context.Background(), "x"), realtime.ErrNotSubscribed)

			ch.Close()
			assert.Eventually(t, func() bool { return tr.removed.Load() == 1 }, time.Second, 5*time.Millisecond, "removal failure is only logged")
		})
	}
}

func TestChannel_PanickingCallbackIsIsolated(t *testing.T) {
	tr := transport.NewMemoryTransport()
	ch, err := realtime.Open(tr, "room:r1:messages", "u1", nil)
	require.NoError(t, err)
	peer, err := realtime.Open(tr, "room:r1:messages", "u2", nil)
	require.NoError(t, err)

	var delivered atomic.Int32
	ch.OnBroadcast("message", func(json.RawMessage) { panic("listener bug") })
	ch.OnBroadcast("message", func(json.RawMessage) { delivered.Add(1) })
	ch.Connect()
	peer.Connect()
	require.Eventually(t, func() bool { return ch.Connected() && peer.Connected() }, time.Second, 5*time.Millisecond)

	require.NoError(t, peer.Broadcast(context.Background(), "message", map[string]string{"text": "hi"}))
	require.NoError(t, peer.Broadcast(context.Background(), "message", map[string]string{"text": "again"}))

	assert.Eventually(t, func() bool { return delivered.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestChannel_PresenceEventsStopAfterClose(t *testing.T) {
	tr := transport.NewMemoryTransport()
	ch, err := realtime.Open(tr, "building:b1:presence", "u1", nil)
	require.NoError(t, err)
	peer, err := realtime.Open(tr, "building:b1:presence", "u2", nil)
	require.NoError(t, err)

	var joins atomic.Int32
	ch.On(transport.PresenceJoin, func(transport.PresenceMessage) { joins.Add(1) })
	ch.Connect()
	peer.Connect()
	require.Eventually(t, func() bool { return ch.Connected() && peer.Connected() }, time.Second, 5*time.Millisecond)

	ch.Close()
	require.NoError(t, peer.Track(context.Background(), map[string]string{"user_id": "u2"}))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, joins.Load())
}
