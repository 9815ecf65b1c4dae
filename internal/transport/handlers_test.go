package transport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallbacks_EmitInRegistrationOrder(t *testing.T) {
	c := newCallbacks()
	var got []string
	c.onPresence(PresenceJoin, func(m PresenceMessage) { got = append(got, "a:"+m.Key) })
	c.onPresence(PresenceJoin, func(m PresenceMessage) { got = append(got, "b:"+m.Key) })
	c.onBroadcast("message", func(p json.RawMessage) { got = append(got, "msg:"+string(p)) })

	c.emitPresence(PresenceMessage{Event: PresenceJoin, Key: "u1"})
	c.emitPresence(PresenceMessage{Event: PresenceLeave, Key: "u1"})
	c.emitBroadcast("message", json.RawMessage(`1`))
	c.emitBroadcast("typing", json.RawMessage(`2`))

	assert.Equal(t, []string{"a:u1", "b:u1", "msg:1"}, got)
}

func TestCallbacks_RegisterDuringEmit(t *testing.T) {
	c := newCallbacks()
	calls := 0
	c.onBroadcast("message", func(json.RawMessage) {
		calls++
		c.onBroadcast("message", func(json.RawMessage) { calls += 10 })
	})

	c.emitBroadcast("message", nil)
	assert.Equal(t, 1, calls, "a callback added while emitting waits for the next event")

	c.emitBroadcast("message", nil)
	assert.Equal(t, 12, calls)
}
