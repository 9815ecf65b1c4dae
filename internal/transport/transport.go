// Package transport defines the publish/subscribe collaborator used by the
// presence and chat core, together with a Redis-backed implementation and an
// in-process one.
//
// A Channel is a named topic. Every channel carries presence state (a map from
// presence key to the entries of each tracking connection) and free-form
// broadcast events. Events of one channel are delivered to a handle
// sequentially, from a single goroutine, in the order the transport saw them.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// Status is reported to the Subscribe callback.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// PresenceEvent names a presence notification.
type PresenceEvent string

const (
	// PresenceSync delivers the full current state.
	PresenceSync PresenceEvent = "sync"
	// PresenceJoin delivers the entries added under one key.
	PresenceJoin PresenceEvent = "join"
	// PresenceLeave delivers the entries removed from one key.
	PresenceLeave PresenceEvent = "leave"
)

var (
	ErrNotSubscribed = errors.New("transport: channel is not subscribed")
	ErrClosed        = errors.New("transport: channel is closed")
	ErrForeignHandle = errors.New("transport: channel does not belong to this transport")
)

// Entry is the payload tracked by one connection.
type Entry struct {
	Ref     string          `json:"presence_ref"`
	Payload json.RawMessage `json:"payload"`
}

// PresenceState maps a presence key to the entries tracked under it.
type PresenceState map[string][]Entry

// PresenceMessage is delivered to presence callbacks. State is only set for
// sync; Key and Entries only for join and leave.
type PresenceMessage struct {
	Event   PresenceEvent
	State   PresenceState
	Key     string
	Entries []Entry
}

// ChannelOptions configures a channel handle.
type ChannelOptions struct {
	// PresenceKey scopes tracked entries; callers use the user id so that
	// several connections of one user share a key.
	PresenceKey string
}

// Transport opens and removes channel handles.
type Transport interface {
	Channel(name string, opts ChannelOptions) Channel
	RemoveChannel(ctx context.Context, ch Channel) error
}

// Channel is one subscription to a named topic.
type Channel interface {
	Name() string
	OnPresence(event PresenceEvent, cb func(PresenceMessage))
	OnBroadcast(event string, cb func(payload json.RawMessage))
	// Subscribe starts the subscription. cb receives SUBSCRIBED once the
	// transport acknowledged it, or CHANNEL_ERROR / TIMED_OUT.
	Subscribe(cb func(status Status, err error))
	Track(ctx context.Context, payload any) error
	Untrack(ctx context.Context) error
	// Send broadcasts an event to the other handles of the channel.
	Send(ctx context.Context, event string, payload any) error
}

func (s PresenceState) clone() PresenceState {
	out := make(PresenceState, len(s))
	for key, entries := range s {
		out[key] = append([]Entry(nil), entries...)
	}
	return out
}

func (s PresenceState) upsert(key string, e Entry) {
	entries := s[key]
	for i := range entries {
		if entries[i].Ref == e.Ref {
			entries[i] = e
			return
		}
	}
	s[key] = append(entries, e)
}

func (s PresenceState) remove(key, ref string) (Entry, bool) {
	entries := s[key]
	for i := range entries {
		if entries[i].Ref != ref {
			continue
		}
		removed := entries[i]
		rest := append(append([]Entry(nil), entries[:i]...), entries[i+1:]...)
		if len(rest) == 0 {
			delete(s, key)
		} else {
			s[key] = rest
		}
		return removed, true
	}
	return Entry{}, false
}
