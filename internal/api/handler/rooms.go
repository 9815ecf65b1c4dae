package handler

import (
	"errors"
	"net/http"

	"residenthub/backend/internal/chat"
	"residenthub/backend/internal/models"
	"residenthub/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type directRoomRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type groupRoomRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

// roomStateFrame повний стан чат-сесії, що надсилається після кожної зміни.
type roomStateFrame struct {
	Type        string               `json:"type"`
	RoomID      string               `json:"room_id"`
	State       chat.State           `json:"state"`
	Connected   bool                 `json:"connected"`
	Messages    []models.ChatMessage `json:"messages"`
	HasMore     bool                 `json:"has_more"`
	UnreadCount int                  `json:"unread_count"`
	LastRead    uint                 `json:"last_read"`
	TypingUsers []string             `json:"typing_users"`
}

type unreadFrame struct {
	Type  string   `json:"type"`
	Total int      `json:"total"`
	Rooms []string `json:"rooms,omitempty"`
}

func (h *Handler) roomError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrInvalidRoom):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrNotMember):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
	default:
		h.log.WithError(err).Error("Room request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *Handler) CreateDirectRoom(c *gin.Context) {
	var req directRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	room, err := h.Rooms.CreateDirectRoom(c.Request.Context(), residentID(c), req.UserID)
	if err != nil {
		h.roomError(c, err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *Handler) CreateGroupRoom(c *gin.Context) {
	var req groupRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	room, err := h.Rooms.CreateGroupRoom(c.Request.Context(), req.Name, residentID(c), req.MemberIDs)
	if err != nil {
		h.roomError(c, err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.Rooms.ListRooms(c.Request.Context(), residentID(c))
	if err != nil {
		h.roomError(c, err)
		return
	}
	if rooms == nil {
		rooms = []models.ChatRoom{}
	}
	c.JSON(http.StatusOK, rooms)
}

func sessionFrame(s *chat.Session) roomStateFrame {
	msgs := s.Messages()
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	typing := s.TypingUsers()
	if typing == nil {
		typing = []string{}
	}
	return roomStateFrame{
		Type:        "state",
		RoomID:      s.RoomID(),
		State:       s.State(),
		Connected:   s.Connected(),
		Messages:    msgs,
		HasMore:     s.HasMore(),
		UnreadCount: s.UnreadCount(),
		LastRead:    s.LastRead(),
		TypingUsers: typing,
	}
}

// ServeRoom запускає чат-сесію мешканця в одній кімнаті.
//
// Вхідні фрейми: send, typing, load_more, focus, blur.
func (h *Handler) ServeRoom(c *gin.Context) {
	me := residentID(c)
	room, err := h.Rooms.RoomForMember(c.Request.Context(), c.Param("id"), me)
	if err != nil {
		h.roomError(c, err)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("Failed to upgrade connection")
		return
	}
	ctx := c.Request.Context()
	log := h.log.WithFields(logrus.Fields{"room_id": room.ID, "user_id": me})
	peer := newPeer(conn, log)

	session := chat.NewSession(room.ID, me, h.Store, h.Transport, h.chatOpts)
	defer session.Close()
	stop := session.OnChange(func() { peer.push(sessionFrame(session)) })
	defer stop()

	if err := session.Start(ctx); err != nil {
		log.WithError(err).Warn("Failed to start chat session")
		peer.push(newErrorFrame(err))
	}
	peer.push(sessionFrame(session))

	peer.serve(func(frame inboundFrame) {
		var err error
		switch frame.Type {
		case "send":
			err = session.SendMessage(ctx, frame.Text)
		case "typing":
			err = session.SetIsTyping(ctx, frame.Typing)
		case "load_more":
			err = session.LoadMoreMessages(ctx)
		case "focus":
			err = session.Focus(ctx)
		case "blur":
			session.Blur()
		default:
			peer.push(errorFrame{Type: "error", Error: "unknown frame type"})
			return
		}
		if err != nil {
			peer.push(newErrorFrame(err))
		}
	})
}

// ServeInbox транслює загальну кількість непрочитаних у всіх кімнатах.
func (h *Handler) ServeInbox(c *gin.Context) {
	me := residentID(c)
	inbox, err := chat.OpenInbox(c.Request.Context(), h.Store, h.Transport, me, h.chatOpts)
	if err != nil {
		h.roomError(c, err)
		return
	}
	defer inbox.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("Failed to upgrade connection")
		return
	}
	peer := newPeer(conn, h.log.WithField("user_id", me))

	stop := inbox.OnTotalChange(func(total int) {
		peer.push(unreadFrame{Type: "unread", Total: total})
	})
	defer stop()

	rooms := inbox.Rooms()
	ids := make([]string, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.ID)
	}
	peer.push(unreadFrame{Type: "unread", Total: inbox.Total(), Rooms: ids})

	peer.serve(func(inboundFrame) {})
}
