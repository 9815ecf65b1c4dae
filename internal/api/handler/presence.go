package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"residenthub/backend/internal/models"
	"residenthub/backend/internal/presence"

	"github.com/gin-gonic/gin"
)

var errForeignBuilding = errors.New("not a member of the building")

type presenceFrame struct {
	Type      string                `json:"type"`
	Buildings []string              `json:"buildings"`
	Connected bool                  `json:"connected"`
	Users     []models.PresenceUser `json:"users"`
}

// observe тримає спільний реєстр підписаним на buildingID, поки його читають.
// Будинки, які ніхто не читав протягом ObserveTTL, звільняються.
func (h *Handler) observe(buildingID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.observed.Get(buildingID); ok {
		h.observed.SetDefault(buildingID, sub)
		return
	}
	sub, _ := h.Presence.Subscribe(buildingID, models.PresenceUser{})
	h.observed.SetDefault(buildingID, sub)
}

// awaitSnapshot чекає першого sync будинку, який щойно почали спостерігати.
func (h *Handler) awaitSnapshot(ctx context.Context, buildingID string) {
	if h.Presence.Synced(buildingID) {
		return
	}
	synced := make(chan struct{}, 1)
	stop := h.Presence.OnChange(buildingID, func([]models.PresenceUser) {
		select {
		case synced <- struct{}{}:
		default:
		}
	})
	defer stop()
	if h.Presence.Synced(buildingID) {
		return
	}

	timer := time.NewTimer(h.snapshotWait)
	defer timer.Stop()
	select {
	case <-synced:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// GetBuildingPresence повертає, хто онлайн у будинку мешканця.
// Перший запит до будинку відповідає після першого sync,
// або з connected=false після SnapshotWait.
func (h *Handler) GetBuildingPresence(c *gin.Context) {
	r, ok := h.currentResident(c)
	if !ok {
		return
	}
	buildingID := c.Param("id")
	if !r.BelongsTo(buildingID) {
		c.JSON(http.StatusForbidden, gin.H{"error": errForeignBuilding.Error()})
		return
	}

	h.observe(buildingID)
	h.awaitSnapshot(c.Request.Context(), buildingID)
	users := h.Presence.GetUsers(buildingID)
	if users == nil {
		users = []models.PresenceUser{}
	}
	c.JSON(http.StatusOK, gin.H{
		"building_id": buildingID,
		"connected":   h.Presence.Connected(buildingID),
		"users":       users,
	})
}

// ServePresence оголошує мешканця в його будинках і транслює
// об'єднану присутність усіх них.
//
// Вхідні фрейми:
//
//	{"type":"update","presence":{...}}       change display fields
//	{"type":"buildings","building_ids":[...]} switch to a subset of the caller's buildings
func (h *Handler) ServePresence(c *gin.Context) {
	r, ok := h.currentResident(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("Failed to upgrade connection")
		return
	}
	ctx := c.Request.Context()
	log := h.log.WithField("user_id", r.ID)
	peer := newPeer(conn, log)

	// Кожен сокет це окреме з'єднання присутності, тому має власний реєстр.
	reg := presence.NewRegistry(h.Transport, presence.WithLogger(log))
	view := presence.NewView(reg, r.PresenceIdentity(time.Now()))
	defer func() {
		view.Close()
		reg.Close()
	}()

	push := func() {
		users := view.Users()
		if users == nil {
			users = []models.PresenceUser{}
		}
		peer.push(presenceFrame{
			Type:      "presence",
			Buildings: view.Buildings(),
			Connected: view.Connected(),
			Users:     users,
		})
	}
	stop := view.OnChange(func([]models.PresenceUser) { push() })
	defer stop()

	view.SetBuildings(r.BuildingIDs)
	push()

	peer.serve(func(frame inboundFrame) {
		switch frame.Type {
		case "update":
			var fields models.PresenceUser
			if err := json.Unmarshal(frame.Presence, &fields); err != nil {
				peer.push(errorFrame{Type: "error", Error: "invalid presence"})
				return
			}
			if err := view.UpdatePresence(ctx, fields); err != nil {
				log.WithError(err).Warn("Presence update failed")
				peer.push(newErrorFrame(err))
			}
		case "buildings":
			for _, id := range frame.BuildingIDs {
				if !r.BelongsTo(id) {
					peer.push(newErrorFrame(errForeignBuilding))
					return
				}
			}
			view.SetBuildings(frame.BuildingIDs)
			push()
		default:
			peer.push(errorFrame{Type: "error", Error: "unknown frame type"})
		}
	})
}
