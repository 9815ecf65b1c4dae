// Package realtime wraps a transport channel in a small state machine:
// connecting, subscribed, tracking, plus the terminal failed and closed
// states. Transport errors never escape through callbacks; they become the
// handle state and Connected() == false.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"residenthub/backend/internal/transport"

	"github.com/sirupsen/logrus"
)

var (
	// ErrTransportUnavailable is returned by Open when no transport was configured.
	ErrTransportUnavailable = errors.New("realtime: transport unavailable")
	// ErrSubscription is reported when the transport answers CHANNEL_ERROR or TIMED_OUT.
	ErrSubscription = errors.New("realtime: subscription failed")
	// ErrNotSubscribed is returned by Track and Broadcast before the channel is subscribed.
	ErrNotSubscribed = errors.New("realtime: channel not subscribed")
	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("realtime: channel closed")
)

// State of a Channel.
type State string

const (
	StateConnecting State = "connecting"
	StateSubscribed State = "subscribed"
	StateTracking   State = "tracking"
	StateFailed     State = "failed"
	StateClosed     State = "closed"
)

// TeardownTimeout bounds the background RemoveChannel call made by Close.
var TeardownTimeout = 5 * time.Second

// Channel is one live subscription to a named transport channel.
type Channel struct {
	tr  transport.Transport
	ch  transport.Channel
	log *logrus.Entry

	mu       sync.Mutex
	state    State
	err      error
	statusCb []func(State, error)

	connectOnce sync.Once
	closeOnce   sync.Once
}

// Open creates a handle for name. The handle does not connect until Connect is called,
// so callbacks can be registered first.
func Open(tr transport.Transport, name, presenceKey string, log *logrus.Entry) (*Channel, error) {
	if tr == nil {
		return nil, ErrTransportUnavailable
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Channel{
		tr:    tr,
		ch:    tr.Channel(name, transport.ChannelOptions{PresenceKey: presenceKey}),
		log:   log.WithField("channel", name),
		state: StateConnecting,
	}, nil
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.ch.Name() }

// On registers a presence callback for sync, join or leave.
func (c *Channel) On(event transport.PresenceEvent, cb func(transport.PresenceMessage)) {
	c.ch.OnPresence(event, func(msg transport.PresenceMessage) {
		if c.isClosed() {
			return
		}
		c.guard("presence "+string(event), func() { cb(msg) })
	})
}

// OnBroadcast registers a callback for a broadcast event.
func (c *Channel) OnBroadcast(event string, cb func(json.RawMessage)) {
	c.ch.OnBroadcast(event, func(payload json.RawMessage) {
		if c.isClosed() {
			return
		}
		c.guard("broadcast "+event, func() { cb(payload) })
	})
}

// OnStatus registers a callback for state changes driven by the transport.
func (c *Channel) OnStatus(cb func(State, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusCb = append(c.statusCb, cb)
}

// Connect subscribes the channel. Only the first call has an effect.
func (c *Channel) Connect() {
	c.connectOnce.Do(func() {
		c.ch.Subscribe(c.handleStatus)
	})
}

func (c *Channel) handleStatus(status transport.Status, err error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	switch status {
	case transport.StatusSubscribed:
		if c.state == StateConnecting {
			c.state = StateSubscribed
		}
		c.err = nil
	case transport.StatusChannelError, transport.StatusTimedOut:
		c.state = StateFailed
		if err == nil {
			err = errors.New(string(status))
		}
		c.err = fmt.Errorf("%w: %s: %w", ErrSubscription, status, err)
	case transport.StatusClosed:
		c.state = StateFailed
		c.err = fmt.Errorf("%w: %s", ErrSubscription, status)
	default:
		c.mu.Unlock()
		return
	}
	state, stateErr := c.state, c.err
	cbs := append(([]func(State, error))(nil), c.statusCb...)
	c.mu.Unlock()

	if stateErr != nil {
		c.log.WithError(stateErr).Warn("Channel subscription failed")
	}
	for _, cb := range cbs {
		c.guard("status", func() { cb(state, stateErr) })
	}
}

// Track publishes payload as this connection's presence.
func (c *Channel) Track(ctx context.Context, payload any) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateSubscribed, StateTracking:
	default:
		c.mu.Unlock()
		return ErrNotSubscribed
	}
	c.mu.Unlock()

	if err := c.ch.Track(ctx, payload); err != nil {
		return fmt.Errorf("track: %w", err)
	}

	c.mu.Lock()
	if c.state == StateSubscribed {
		c.state = StateTracking
	}
	c.mu.Unlock()
	return nil
}

// Broadcast sends event to the other members of the channel.
func (c *Channel) Broadcast(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	switch state {
	case StateClosed:
		return ErrClosed
	case StateSubscribed, StateTracking:
	default:
		return ErrNotSubscribed
	}
	if err := c.ch.Send(ctx, event, payload); err != nil {
		return fmt.Errorf("broadcast %s: %w", event, err)
	}
	return nil
}

// Close marks the handle closed and removes the transport channel in the
// background. It never blocks and may be called repeatedly.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.statusCb = nil
		c.mu.Unlock()

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), TeardownTimeout)
			defer cancel()
			if err := c.tr.RemoveChannel(ctx, c.ch); err != nil {
				c.log.WithError(err).Warn("Failed to remove channel")
			}
		}()
	})
}

// Connected reports whether the channel is subscribed.
func (c *Channel) Connected() bool {
	s := c.State()
	return s == StateSubscribed || s == StateTracking
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the subscription error of a failed handle.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel) isClosed() bool {
	return c.State() == StateClosed
}

func (c *Channel) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("callback", what).Errorf("Recovered from callback panic: %v", r)
		}
	}()
	fn()
}
