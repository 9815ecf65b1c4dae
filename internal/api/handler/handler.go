package handler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"residenthub/backend/internal/chat"
	"residenthub/backend/internal/models"
	"residenthub/backend/internal/presence"
	"residenthub/backend/internal/storage"
	"residenthub/backend/internal/transport"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	defaultResidentCacheTTL = 5 * time.Minute
	defaultObserveTTL       = 10 * time.Minute
	defaultSnapshotWait     = 2 * time.Second
)

// Options налаштовує Handler.
type Options struct {
	JWTSecret        []byte
	Chat             chat.Options
	ResidentCacheTTL time.Duration
	// ObserveTTL визначає, скільки будинок спостерігається після останнього REST запиту.
	ObserveTTL time.Duration
	// SnapshotWait обмежує очікування першого sync для ще не спостережуваного будинку.
	SnapshotWait time.Duration
	Logger       *logrus.Entry
}

// Handler обслуговує HTTP та WebSocket API.
type Handler struct {
	Store     storage.Storage
	Transport transport.Transport
	Rooms     *chat.RoomService

	// Presence спільний реєстр, що спостерігає будинки нікого не оголошуючи.
	// На ньому працює REST ендпоінт знімка присутності.
	Presence *presence.Registry

	secret       []byte
	chatOpts     chat.Options
	residents    *cache.Cache
	snapshotWait time.Duration
	log          *logrus.Entry

	mu       sync.Mutex
	observed *cache.Cache
}

func NewHandler(store storage.Storage, tr transport.Transport, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "api")
	}
	if opts.ResidentCacheTTL <= 0 {
		opts.ResidentCacheTTL = defaultResidentCacheTTL
	}
	if opts.ObserveTTL <= 0 {
		opts.ObserveTTL = defaultObserveTTL
	}
	if opts.SnapshotWait <= 0 {
		opts.SnapshotWait = defaultSnapshotWait
	}
	if opts.Chat.Logger == nil {
		opts.Chat.Logger = opts.Logger
	}

	observed := cache.New(opts.ObserveTTL, opts.ObserveTTL/2)
	observed.OnEvicted(func(_ string, v interface{}) {
		v.(*presence.Subscription).Unsubscribe()
	})
	return &Handler{
		Store:        store,
		Transport:    tr,
		Rooms:        chat.NewRoomService(store),
		Presence:     presence.NewRegistry(tr, presence.WithLogger(opts.Logger.WithField("registry", "observer"))),
		secret:       opts.JWTSecret,
		chatOpts:     opts.Chat,
		residents:    cache.New(opts.ResidentCacheTTL, 2*opts.ResidentCacheTTL),
		snapshotWait: opts.SnapshotWait,
		log:          opts.Logger,
		observed:     observed,
	}
}

// Register реєструє всі роути на r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/", h.RequireAuth())
	api.GET("/buildings/:id/presence", h.GetBuildingPresence)
	api.GET("/ws/presence", h.ServePresence)

	api.POST("/rooms/direct", h.CreateDirectRoom)
	api.POST("/rooms/group", h.CreateGroupRoom)
	api.GET("/rooms", h.ListRooms)
	api.GET("/ws/rooms/:id", h.ServeRoom)
	api.GET("/ws/inbox", h.ServeInbox)
}

// Close звільняє підписки спостерігача.
func (h *Handler) Close() {
	h.mu.Lock()
	h.observed.Flush()
	h.mu.Unlock()
	h.Presence.Close()
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// resident завантажує профіль автентифікованого мешканця через кеш.
func (h *Handler) resident(ctx context.Context, id string) (*models.Resident, error) {
	if cached, ok := h.residents.Get(id); ok {
		return cached.(*models.Resident), nil
	}
	r, err := h.Store.GetResident(ctx, id)
	if err != nil {
		return nil, err
	}
	h.residents.SetDefault(id, r)
	return r, nil
}

// currentResident перериває запит, якщо у мешканця немає профілю.
func (h *Handler) currentResident(c *gin.Context) (*models.Resident, bool) {
	r, err := h.resident(c.Request.Context(), residentID(c))
	if errors.Is(err, storage.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "resident not found"})
		return nil, false
	}
	if err != nil {
		h.log.WithError(err).Error("Failed to load resident")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to load resident"})
		return nil, false
	}
	return r, true
}
