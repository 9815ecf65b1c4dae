package chat

import (
	"context"
	"fmt"
	"sync"

	"residenthub/backend/internal/models"
	"residenthub/backend/internal/transport"

	"golang.org/x/sync/errgroup"
)

const inboxStartConcurrency = 8

// Store combines the message and room persistence.
type Store interface {
	MessageStore
	RoomStore
}

// Inbox runs one session per room of a viewer and aggregates their unread counts.
type Inbox struct {
	viewerID string
	rooms    []models.ChatRoom
	agg      *UnreadAggregator

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// OpenInbox lists the viewer's rooms and starts a session for each. Rooms
// whose session fails to start are skipped and logged.
func OpenInbox(ctx context.Context, store Store, tr transport.Transport, viewerID string, opts Options) (*Inbox, error) {
	opts = opts.withDefaults()
	rooms, err := store.ListRoomsForUser(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("open inbox for %s: %w", viewerID, err)
	}

	in := &Inbox{
		viewerID: viewerID,
		rooms:    rooms,
		agg:      NewUnreadAggregator(),
		sessions: make(map[string]*Session, len(rooms)),
	}

	var g errgroup.Group
	g.SetLimit(inboxStartConcurrency)
	for _, room := range rooms {
		roomID := room.ID
		g.Go(func() error {
			s := NewSession(roomID, viewerID, store, tr, opts)
			if err := s.Start(ctx); err != nil {
				opts.Logger.WithError(err).WithField("room_id", roomID).Warn("Skipping room in inbox")
				s.Close()
				return nil
			}
			in.mu.Lock()
			in.sessions[roomID] = s
			in.mu.Unlock()
			in.agg.Add(s)
			return nil
		})
	}
	_ = g.Wait()
	return in, nil
}

// Session returns the running session of roomID.
func (in *Inbox) Session(roomID string) (*Session, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	s, ok := in.sessions[roomID]
	return s, ok
}

// Rooms returns the rooms listed when the inbox was opened.
func (in *Inbox) Rooms() []models.ChatRoom {
	return append([]models.ChatRoom(nil), in.rooms...)
}

// Total returns the unread total across every room.
func (in *Inbox) Total() int {
	return in.agg.Total()
}

// OnTotalChange registers cb for changes of the unread total.
func (in *Inbox) OnTotalChange(cb func(total int)) func() {
	return in.agg.OnChange(cb)
}

// Close stops the aggregator and closes every session.
func (in *Inbox) Close() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	sessions := in.sessions
	in.sessions = make(map[string]*Session)
	in.mu.Unlock()

	in.agg.Close()
	for _, s := range sessions {
		s.Close()
	}
}
