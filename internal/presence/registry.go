// Package presence keeps track of which residents are online in each
// building. A Registry holds at most one channel per building however many
// local callers are interested, merges the raw per-connection entries into
// one record per user and pushes every change to registered listeners.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"residenthub/backend/internal/models"
	"residenthub/backend/internal/realtime"
	"residenthub/backend/internal/transport"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotRegistered is returned by Update for a building nobody subscribed to.
	ErrNotRegistered = errors.New("presence: no subscription for building")
	// ErrNotTracked is returned by Update on a registration without an identity.
	ErrNotTracked = errors.New("presence: registration does not track an identity")
)

const defaultTrackTimeout = 5 * time.Second

// ChannelName returns the transport channel of a building.
func ChannelName(buildingID string) string {
	return "building:" + buildingID + ":presence"
}

// Listener receives the merged snapshot of a building after every presence event.
type Listener func(users []models.PresenceUser)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(r *Registry) { r.log = log }
}

// WithClock overrides time.Now for OnlineAt stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithTrackTimeout bounds the Track call made once a channel is subscribed.
func WithTrackTimeout(d time.Duration) Option {
	return func(r *Registry) { r.trackTimeout = d }
}

type registration struct {
	key      string
	ch       *realtime.Channel
	raw      models.BuildingPresenceState
	users    []models.PresenceUser
	count    int
	identity models.PresenceUser
	// synced is set once the current channel delivered its first sync.
	synced bool
}

type listenerEntry struct {
	token string
	fn    Listener
}

// Registry maps building ids to their presence channel, snapshot and listeners.
type Registry struct {
	tr           transport.Transport
	log          *logrus.Entry
	now          func() time.Time
	trackTimeout time.Duration

	mu        sync.Mutex
	regs      map[string]*registration
	listeners map[string][]listenerEntry
	closed    bool
}

// NewRegistry creates a registry on top of tr. A nil tr is allowed: every
// subscription then stays disconnected.
func NewRegistry(tr transport.Transport, opts ...Option) *Registry {
	r := &Registry{
		tr:           tr,
		log:          logrus.WithField("component", "presence-registry"),
		now:          time.Now,
		trackTimeout: defaultTrackTimeout,
		regs:         make(map[string]*registration),
		listeners:    make(map[string][]listenerEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscription is one caller's interest in a building.
type Subscription struct {
	r    *Registry
	key  string
	once sync.Once
}

// Key returns the building id.
func (s *Subscription) Key() string { return s.key }

// Unsubscribe releases this subscription. Repeated calls are no-ops.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.r != nil {
			s.r.Unsubscribe(s.key)
		}
	})
}

// Subscribe registers interest in a building and returns the current snapshot.
// The first subscription opens the channel and, once it is subscribed, tracks
// identity with a fresh OnlineAt. Later ones only bump the reference count.
// An identity without UserID observes the building without being tracked.
// A registration whose channel failed is reopened.
func (r *Registry) Subscribe(key string, identity models.PresenceUser) (*Subscription, []models.PresenceUser) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub := &Subscription{key: key}
		sub.once.Do(func() {})
		return sub, []models.PresenceUser{}
	}

	reg, ok := r.regs[key]
	if !ok {
		reg = &registration{key: key, raw: make(models.BuildingPresenceState), identity: identity}
		r.regs[key] = reg
	} else if reg.identity.UserID == "" && identity.UserID != "" {
		reg.identity = identity
	}
	reg.count++

	var stale, fresh *realtime.Channel
	if reg.ch == nil || reg.ch.State() == realtime.StateFailed {
		stale = reg.ch
		fresh = r.openLocked(reg)
	}
	users := append([]models.PresenceUser{}, reg.users...)
	r.mu.Unlock()

	if stale != nil {
		stale.Close()
		channelsOpen.Dec()
	}
	if fresh != nil {
		channelsOpen.Inc()
		fresh.Connect()
	}
	return &Subscription{r: r, key: key}, users
}

// openLocked opens and wires a fresh channel for reg. It returns nil when the
// transport is unavailable.
func (r *Registry) openLocked(reg *registration) *realtime.Channel {
	log := r.log.WithField("building_id", reg.key)
	ch, err := realtime.Open(r.tr, ChannelName(reg.key), reg.identity.UserID, log)
	if err != nil {
		log.WithError(err).Warn("Presence channel unavailable")
		reg.ch = nil
		return nil
	}
	reg.ch = ch
	reg.raw = make(models.BuildingPresenceState)
	reg.synced = false

	key := reg.key
	ch.On(transport.PresenceSync, func(msg transport.PresenceMessage) {
		state := r.decodeState(msg.State)
		r.apply(key, ch, func(reg *registration) {
			reg.raw = state
			reg.synced = true
		})
	})
	ch.On(transport.PresenceJoin, func(msg transport.PresenceMessage) {
		entries := r.decodeEntries(msg.Entries)
		r.apply(key, ch, func(reg *registration) { reg.raw.Upsert(msg.Key, entries...) })
	})
	ch.On(transport.PresenceLeave, func(msg transport.PresenceMessage) {
		refs := make([]string, 0, len(msg.Entries))
		for _, e := range msg.Entries {
			refs = append(refs, e.Ref)
		}
		r.apply(key, ch, func(reg *registration) { reg.raw.Remove(msg.Key, refs...) })
	})
	ch.OnStatus(func(state realtime.State, err error) {
		if state == realtime.StateSubscribed {
			r.trackIdentity(key, ch)
			return
		}
		log.WithError(err).WithField("state", state).Warn("Presence channel disconnected")
	})
	return ch
}

func (r *Registry) decodeState(state transport.PresenceState) models.BuildingPresenceState {
	out := make(models.BuildingPresenceState, len(state))
	for key, entries := range state {
		if decoded := r.decodeEntries(entries); len(decoded) > 0 {
			out[key] = decoded
		}
	}
	return out
}

func (r *Registry) decodeEntries(entries []transport.Entry) []models.PresenceEntry {
	out := make([]models.PresenceEntry, 0, len(entries))
	for _, e := range entries {
		u, err := models.DecodePresenceUser(e.Payload)
		if err != nil {
			droppedEntries.Inc()
			r.log.WithError(err).WithField("presence_ref", e.Ref).Warn("Dropping presence entry")
			continue
		}
		out = append(out, models.PresenceEntry{Ref: e.Ref, User: u})
	}
	return out
}

// apply mutates the raw state of key, re-merges it and notifies listeners.
// Events from a channel that is no longer the registration's are ignored.
func (r *Registry) apply(key string, ch *realtime.Channel, mutate func(*registration)) {
	r.mu.Lock()
	reg, ok := r.regs[key]
	if !ok || reg.ch != ch {
		r.mu.Unlock()
		return
	}
	mutate(reg)
	reg.users = Merge(reg.raw)
	if err := CheckUnique(reg.users); err != nil {
		r.log.WithError(err).WithField("building_id", key).Error("Presence merge invariant violated")
	}
	users := reg.users
	listeners := append([]listenerEntry(nil), r.listeners[key]...)
	r.mu.Unlock()

	r.notify(key, users, listeners)
}

func (r *Registry) notify(key string, users []models.PresenceUser, listeners []listenerEntry) {
	for _, l := range listeners {
		snapshot := append([]models.PresenceUser{}, users...)
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.WithField("building_id", key).Errorf("Recovered from presence listener panic: %v", rec)
				}
			}()
			l.fn(snapshot)
		}()
	}
}

func (r *Registry) trackIdentity(key string, ch *realtime.Channel) {
	r.mu.Lock()
	reg, ok := r.regs[key]
	if !ok || reg.ch != ch || reg.identity.UserID == "" {
		r.mu.Unlock()
		return
	}
	reg.identity.OnlineAt = r.now().UTC()
	identity := reg.identity
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.trackTimeout)
	defer cancel()
	if err := ch.Track(ctx, identity); err != nil {
		r.log.WithError(err).WithField("building_id", key).Warn("Failed to track presence")
	}
}

// GetUsers returns the current merged snapshot, empty when key has no registration.
func (r *Registry) GetUsers(key string) []models.PresenceUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.regs[key]; ok {
		return append([]models.PresenceUser{}, reg.users...)
	}
	return []models.PresenceUser{}
}

// OnChange registers cb for snapshots of key. It does not open a channel.
// The returned func removes exactly this listener.
func (r *Registry) OnChange(key string, cb Listener) func() {
	token := uuid.New().String()
	r.mu.Lock()
	r.listeners[key] = append(r.listeners[key], listenerEntry{token: token, fn: cb})
	r.mu.Unlock()
	listenersActive.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			entries := r.listeners[key]
			for i, l := range entries {
				if l.token != token {
					continue
				}
				rest := append(append([]listenerEntry(nil), entries[:i]...), entries[i+1:]...)
				if len(rest) == 0 {
					delete(r.listeners, key)
				} else {
					r.listeners[key] = rest
				}
				listenersActive.Dec()
				return
			}
		})
	}
}

// Update merges fields into the tracked identity of key and re-tracks it with
// a fresh OnlineAt. If the channel is still connecting the new identity is
// tracked once it subscribes.
func (r *Registry) Update(ctx context.Context, key string, fields models.PresenceUser) error {
	r.mu.Lock()
	reg, ok := r.regs[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}
	if reg.identity.UserID == "" {
		r.mu.Unlock()
		return ErrNotTracked
	}
	reg.identity = reg.identity.WithFields(fields)
	reg.identity.OnlineAt = r.now().UTC()
	identity, ch := reg.identity, reg.ch
	r.mu.Unlock()

	if ch == nil {
		return realtime.ErrTransportUnavailable
	}
	if ch.State() == realtime.StateConnecting {
		return nil
	}
	return ch.Track(ctx, identity)
}

// Unsubscribe releases one reference on key. The channel is closed when the
// last reference goes. Extra calls are no-ops.
func (r *Registry) Unsubscribe(key string) {
	r.mu.Lock()
	reg, ok := r.regs[key]
	if !ok || reg.count == 0 {
		r.mu.Unlock()
		return
	}
	reg.count--
	if reg.count > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.regs, key)
	ch := reg.ch
	r.mu.Unlock()

	if ch != nil {
		ch.Close()
		channelsOpen.Dec()
	}
}

// Connected reports whether the channel of key is subscribed.
func (r *Registry) Connected(key string) bool {
	r.mu.Lock()
	reg, ok := r.regs[key]
	r.mu.Unlock()
	return ok && reg.ch != nil && reg.ch.Connected()
}

// Synced reports whether the channel of key delivered its first sync.
func (r *Registry) Synced(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[key]
	return ok && reg.synced
}

// State returns the channel state of key, empty when there is no registration.
func (r *Registry) State(key string) realtime.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[key]
	if !ok {
		return ""
	}
	if reg.ch == nil {
		return realtime.StateFailed
	}
	return reg.ch.State()
}

// Subscribers returns the reference count of key.
func (r *Registry) Subscribers(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.regs[key]; ok {
		return reg.count
	}
	return 0
}

// Close tears down every registration and drops all listeners. Listeners are
// not notified.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var channels []*realtime.Channel
	for _, reg := range r.regs {
		if reg.ch != nil {
			channels = append(channels, reg.ch)
		}
	}
	dropped := 0
	for _, entries := range r.listeners {
		dropped += len(entries)
	}
	r.regs = make(map[string]*registration)
	r.listeners = make(map[string][]listenerEntry)
	r.mu.Unlock()

	listenersActive.Sub(float64(dropped))
	for _, ch := range channels {
		ch.Close()
		channelsOpen.Dec()
	}
}
