// Package chat implements per-room chat sessions on top of a realtime channel
// and a message store, plus the room service, the unread aggregator and the
// inbox that ties them together for one viewer.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"residenthub/backend/internal/models"
	"residenthub/backend/internal/realtime"
	"residenthub/backend/internal/transport"

	"github.com/sirupsen/logrus"
)

var (
	// ErrSendFailure wraps the store error of a rejected message.
	ErrSendFailure = errors.New("chat: send failed")
	// ErrInvalidMessage is returned for empty or oversized text.
	ErrInvalidMessage = errors.New("chat: invalid message")
	// ErrNotReady is returned by operations that need a started, open session.
	ErrNotReady = errors.New("chat: session not ready")
)

const (
	DefaultPageSize         = 50
	DefaultTypingTimeout    = 2 * time.Second
	DefaultMaxMessageLength = 4096

	eventMessage = "message"
	eventTyping  = "typing"
	eventRead    = "read"

	inboundTimeout = 5 * time.Second
)

// RoomChannelName returns the transport channel of a room.
func RoomChannelName(roomID string) string {
	return "room:" + roomID + ":messages"
}

// MessageStore is the persistence a session needs.
type MessageStore interface {
	// ListMessages returns one page ordered newest first.
	ListMessages(ctx context.Context, roomID string, q models.PageQuery) ([]models.ChatMessage, error)
	InsertMessage(ctx context.Context, roomID, senderID, text string) (*models.ChatMessage, error)
	// UpsertReadReceipt never moves a receipt backwards.
	UpsertReadReceipt(ctx context.Context, roomID, userID string, messageID uint) error
	// GetReadReceipt returns a zero receipt when the user never read the room.
	GetReadReceipt(ctx context.Context, roomID, userID string) (*models.ReadReceipt, error)
	// CountUnread counts messages of others newer than the user's receipt.
	CountUnread(ctx context.Context, roomID, userID string) (int64, error)
}

// Options tunes a session. Zero fields take the defaults.
type Options struct {
	PageSize         int
	TypingTimeout    time.Duration
	MaxMessageLength int
	Logger           *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = DefaultTypingTimeout
	}
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = DefaultMaxMessageLength
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

// State of a Session.
type State string

const (
	StateIdle           State = "idle"
	StateLoadingHistory State = "loading_history"
	StateReady          State = "ready"
	StateSending        State = "sending"
	StateClosed         State = "closed"
)

// TypingEvent is the payload of a typing broadcast.
type TypingEvent struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// ReadEvent is the payload of a read broadcast.
type ReadEvent struct {
	UserID    string `json:"user_id"`
	MessageID uint   `json:"message_id"`
}

type sessionListener struct {
	id uint64
	fn func()
}

// Session is the chat controller of one viewer in one room. Messages are only
// appended from the store confirmation or a channel broadcast, at most once
// per id, in (created_at, id) order.
type Session struct {
	roomID string
	userID string
	store  MessageStore
	tr     transport.Transport
	opts   Options
	log    *logrus.Entry

	remoteTyping *typingSet

	mu          sync.Mutex
	state       State
	ch          *realtime.Channel
	messages    []models.ChatMessage
	ids         map[uint]struct{}
	hasMore     bool
	loadingMore bool
	inflight    int
	unread      int
	lastRead    uint
	focused     bool
	isTyping    bool
	typingTimer *time.Timer
	typingGen   uint64
	readBy      map[string]uint
	listeners   []sessionListener
	nextID      uint64

	closeOnce sync.Once
}

// NewSession creates an idle session. Call Start to load history and connect.
func NewSession(roomID, userID string, store MessageStore, tr transport.Transport, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		roomID: roomID,
		userID: userID,
		store:  store,
		tr:     tr,
		opts:   opts,
		log:    opts.Logger.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID}),
		state:  StateIdle,
		ids:    make(map[uint]struct{}),
		readBy: make(map[string]uint),
	}
	s.remoteTyping = newTypingSet(opts.TypingTimeout, s.notify)
	return s
}

// Start connects the room channel and loads the newest page of history, the
// viewer's read receipt and unread count. A session without a transport still
// works against the store, without realtime events.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
	case StateClosed:
		s.mu.Unlock()
		return ErrNotReady
	default:
		s.mu.Unlock()
		return nil
	}
	s.state = StateLoadingHistory
	s.mu.Unlock()
	s.notify()

	ch, err := realtime.Open(s.tr, RoomChannelName(s.roomID), s.userID, s.log)
	if err != nil {
		s.log.WithError(err).Warn("Room channel unavailable, continuing without realtime")
	} else {
		ch.OnBroadcast(eventMessage, s.handleMessage)
		ch.OnBroadcast(eventTyping, s.handleTyping)
		ch.OnBroadcast(eventRead, s.handleRead)
		ch.OnStatus(func(state realtime.State, err error) {
			if err != nil {
				s.log.WithError(err).Warn("Room channel disconnected")
			}
			s.notify()
		})
		s.mu.Lock()
		s.ch = ch
		s.mu.Unlock()
		ch.Connect()
	}

	page, err := s.store.ListMessages(ctx, s.roomID, models.PageQuery{Limit: s.opts.PageSize})
	if err != nil {
		s.mu.Lock()
		if s.state == StateLoadingHistory {
			s.state = StateIdle
		}
		s.ch = nil
		s.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
		s.notify()
		return fmt.Errorf("load history for room %s: %w", s.roomID, err)
	}

	var lastRead uint
	receipt, err := s.store.GetReadReceipt(ctx, s.roomID, s.userID)
	if err != nil {
		s.log.WithError(err).Warn("Failed to load read receipt")
	} else if receipt != nil {
		lastRead = receipt.LastReadMessageID
	}
	unread, err := s.store.CountUnread(ctx, s.roomID, s.userID)
	if err != nil {
		s.log.WithError(err).Warn("Failed to count unread messages")
		unread = 0
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrNotReady
	}
	for i := len(page) - 1; i >= 0; i-- {
		s.insertLocked(page[i])
	}
	s.hasMore = len(page) == s.opts.PageSize
	if lastRead > s.lastRead {
		s.lastRead = lastRead
	}
	s.unread = int(unread)
	s.state = StateReady
	s.mu.Unlock()

	sessionsActive.Inc()
	s.notify()
	return nil
}

// insertLocked adds msg in order unless its id is already present.
func (s *Session) insertLocked(msg models.ChatMessage) bool {
	if _, dup := s.ids[msg.ID]; dup {
		return false
	}
	s.ids[msg.ID] = struct{}{}
	i := sort.Search(len(s.messages), func(i int) bool { return msg.Before(s.messages[i]) })
	s.messages = append(s.messages, models.ChatMessage{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = msg
	return true
}

func (s *Session) validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidMessage)
	}
	if n := utf8.RuneCountInString(text); n > s.opts.MaxMessageLength {
		return fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidMessage, n, s.opts.MaxMessageLength)
	}
	return nil
}

// SendMessage persists text and broadcasts it to the room. On failure the
// returned error wraps ErrSendFailure and history is left untouched.
// A broadcast failure after a successful insert is only logged: the message
// is stored and others will load it.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	if err := s.validate(text); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateReady && s.state != StateSending {
		s.mu.Unlock()
		return ErrNotReady
	}
	s.inflight++
	s.state = StateSending
	s.mu.Unlock()
	s.notify()

	msg, err := s.store.InsertMessage(ctx, s.roomID, s.userID, text)

	s.mu.Lock()
	s.inflight--
	if s.inflight == 0 && s.state == StateSending {
		s.state = StateReady
	}
	if err != nil {
		s.mu.Unlock()
		sendFailures.Inc()
		s.log.WithError(err).Error("Failed to store message")
		s.notify()
		return fmt.Errorf("%w: %w", ErrSendFailure, err)
	}
	s.insertLocked(*msg)
	ch := s.ch
	s.mu.Unlock()
	messagesSent.Inc()

	s.stopTyping(ctx)
	if ch != nil {
		if err := ch.Broadcast(ctx, eventMessage, msg); err != nil {
			s.log.WithError(err).WithField("message_id", msg.ID).Warn("Failed to broadcast message")
		}
	}
	s.notify()
	return nil
}

// LoadMoreMessages fetches the page before the oldest loaded message. It is a
// no-op when there is nothing more, a page load is running, or history is empty.
func (s *Session) LoadMoreMessages(ctx context.Context) error {
	s.mu.Lock()
	if (s.state != StateReady && s.state != StateSending) || !s.hasMore || s.loadingMore || len(s.messages) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.loadingMore = true
	cursor := s.messages[0].Cursor()
	s.mu.Unlock()

	page, err := s.store.ListMessages(ctx, s.roomID, models.PageQuery{Before: &cursor, Limit: s.opts.PageSize})

	s.mu.Lock()
	s.loadingMore = false
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("load older messages for room %s: %w", s.roomID, err)
	}
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	for _, m := range page {
		s.insertLocked(m)
	}
	s.hasMore = len(page) == s.opts.PageSize
	s.mu.Unlock()

	s.notify()
	return nil
}

// SetIsTyping broadcasts the viewer's typing state. While typing, a quiet
// interval of TypingTimeout clears it and broadcasts false.
func (s *Session) SetIsTyping(ctx context.Context, typing bool) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrNotReady
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingGen++
	gen := s.typingGen
	changed := s.isTyping != typing
	s.isTyping = typing
	if typing {
		s.typingTimer = time.AfterFunc(s.opts.TypingTimeout, func() { s.expireTyping(gen) })
	}
	ch := s.ch
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return s.broadcastTyping(ctx, ch, typing)
}

func (s *Session) expireTyping(gen uint64) {
	s.mu.Lock()
	if s.typingGen != gen || !s.isTyping || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.isTyping = false
	s.typingTimer = nil
	ch := s.ch
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
	defer cancel()
	if err := s.broadcastTyping(ctx, ch, false); err != nil {
		s.log.WithError(err).Debug("Failed to broadcast typing expiry")
	}
	s.notify()
}

func (s *Session) stopTyping(ctx context.Context) {
	s.mu.Lock()
	if !s.isTyping {
		s.mu.Unlock()
		return
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingGen++
	s.isTyping = false
	ch := s.ch
	s.mu.Unlock()

	if err := s.broadcastTyping(ctx, ch, false); err != nil {
		s.log.WithError(err).Debug("Failed to broadcast typing stop")
	}
}

func (s *Session) broadcastTyping(ctx context.Context, ch *realtime.Channel, typing bool) error {
	if ch == nil {
		return nil
	}
	return ch.Broadcast(ctx, eventTyping, TypingEvent{UserID: s.userID, IsTyping: typing})
}

// Focus marks the room as open: a read receipt is stored at the latest
// message, the unread count resets and inbound messages are marked read
// while focused.
func (s *Session) Focus(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrNotReady
	}
	s.focused = true
	s.mu.Unlock()
	return s.markRead(ctx)
}

// Blur marks the room as no longer open.
func (s *Session) Blur() {
	s.mu.Lock()
	s.focused = false
	s.mu.Unlock()
}

func (s *Session) markRead(ctx context.Context) error {
	s.mu.Lock()
	var latest uint
	for _, m := range s.messages {
		if m.ID > latest {
			latest = m.ID
		}
	}
	if latest <= s.lastRead {
		changed := s.unread != 0
		s.unread = 0
		s.mu.Unlock()
		if changed {
			s.notify()
		}
		return nil
	}
	s.mu.Unlock()

	if err := s.store.UpsertReadReceipt(ctx, s.roomID, s.userID, latest); err != nil {
		return fmt.Errorf("mark room %s read: %w", s.roomID, err)
	}

	s.mu.Lock()
	if latest > s.lastRead {
		s.lastRead = latest
	}
	s.unread = 0
	ch := s.ch
	s.mu.Unlock()

	if ch != nil {
		if err := ch.Broadcast(ctx, eventRead, ReadEvent{UserID: s.userID, MessageID: latest}); err != nil {
			s.log.WithError(err).Debug("Failed to broadcast read receipt")
		}
	}
	s.notify()
	return nil
}

func (s *Session) handleMessage(payload json.RawMessage) {
	var msg models.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.log.WithError(err).Warn("Dropping malformed message broadcast")
		return
	}
	if msg.ID == 0 || (msg.RoomID != "" && msg.RoomID != s.roomID) {
		return
	}

	s.mu.Lock()
	if s.state == StateClosed || !s.insertLocked(msg) {
		s.mu.Unlock()
		return
	}
	markRead := false
	inbound := msg.SenderID != s.userID
	if inbound && (s.state == StateReady || s.state == StateSending) && msg.ID > s.lastRead {
		if s.focused {
			markRead = true
		} else {
			s.unread++
		}
	}
	s.mu.Unlock()

	s.remoteTyping.remove(msg.SenderID)
	if markRead {
		ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
		defer cancel()
		if err := s.markRead(ctx); err != nil {
			s.log.WithError(err).Warn("Failed to mark inbound message read")
		}
	}
	s.notify()
}

func (s *Session) handleTyping(payload json.RawMessage) {
	var ev TypingEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.UserID == "" || ev.UserID == s.userID {
		return
	}
	if ev.IsTyping {
		s.remoteTyping.add(ev.UserID)
	} else {
		s.remoteTyping.remove(ev.UserID)
	}
}

func (s *Session) handleRead(payload json.RawMessage) {
	var ev ReadEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.UserID == "" {
		return
	}
	if ev.UserID == s.userID {
		s.readElsewhere(ev.MessageID)
		return
	}
	s.mu.Lock()
	if ev.MessageID <= s.readBy[ev.UserID] {
		s.mu.Unlock()
		return
	}
	s.readBy[ev.UserID] = ev.MessageID
	s.mu.Unlock()
	s.notify()
}

// readElsewhere applies a receipt the viewer stored from another session of
// the same room. The receipt is already persisted, so only local state moves.
func (s *Session) readElsewhere(messageID uint) {
	s.mu.Lock()
	if s.state == StateClosed || messageID <= s.lastRead {
		s.mu.Unlock()
		return
	}
	s.lastRead = messageID
	remaining := 0
	for _, m := range s.messages {
		if m.SenderID != s.userID && m.ID > messageID {
			remaining++
		}
	}
	if remaining < s.unread {
		s.unread = remaining
	}
	s.mu.Unlock()
	s.notify()
}

// RoomID returns the room of the session.
func (s *Session) RoomID() string { return s.roomID }

// State returns the session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the room channel is subscribed.
func (s *Session) Connected() bool {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	return ch != nil && ch.Connected()
}

// Messages returns a copy of the loaded history, oldest first.
func (s *Session) Messages() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ChatMessage(nil), s.messages...)
}

// HasMore reports whether older pages may exist.
func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// UnreadCount returns the number of unread inbound messages.
func (s *Session) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// LastRead returns the viewer's read watermark.
func (s *Session) LastRead() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRead
}

// IsTyping reports the viewer's own typing state.
func (s *Session) IsTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isTyping
}

// TypingUsers returns the other members currently typing, sorted by id.
func (s *Session) TypingUsers() []string {
	return s.remoteTyping.list()
}

// ReadBy returns the other members whose read watermark reached messageID.
func (s *Session) ReadBy(messageID uint) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var users []string
	for id, last := range s.readBy {
		if last >= messageID {
			users = append(users, id)
		}
	}
	sort.Strings(users)
	return users
}

// OnChange registers cb for any change of the session. The returned func removes it.
func (s *Session) OnChange(cb func()) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, sessionListener{id: id, fn: cb})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(append([]sessionListener(nil), s.listeners[:i]...), s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Session) notify() {
	s.mu.Lock()
	listeners := append([]sessionListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					s.log.Errorf("Recovered from session listener panic: %v", rec)
				}
			}()
			l.fn()
		}()
	}
}

// Close stops timers and closes the room channel in the background.
// Repeated calls are no-ops.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		started := s.state != StateIdle && s.state != StateLoadingHistory
		s.state = StateClosed
		if s.typingTimer != nil {
			s.typingTimer.Stop()
			s.typingTimer = nil
		}
		ch := s.ch
		s.ch = nil
		s.listeners = nil
		s.mu.Unlock()

		s.remoteTyping.stop()
		if ch != nil {
			ch.Close()
		}
		if started {
			sessionsActive.Dec()
		}
	})
}
