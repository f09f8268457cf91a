package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/dkeye/Pulse/internal/adapters/signal"
	"github.com/dkeye/Pulse/internal/app/orch"
	"github.com/dkeye/Pulse/internal/config"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// AuthMiddleware resolves the caller from the same token sources as the
// websocket handshake and stores the user id under "user_id".
func AuthMiddleware(o *orch.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, err := o.Authenticate(c.Request.Context(), signal.TokenFrom(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": domain.ErrAuthFailure.Error()})
			return
		}
		c.Set("user_id", uid)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", HttpOnly: true, MaxAge: 3600 * 24 * 7})
	r.Use(sessions.Sessions("PulseSessions", store))

	ctl := signal.NewSignalWSController(o, signal.Conf{
		ReadLimit:      cfg.ReadLimit,
		PingPeriod:     cfg.PingPeriod,
		WriteWait:      cfg.WriteWait,
		SendQueue:      cfg.Gateway.SendQueue,
		TypingLimit:    cfg.Gateway.TypingLimit,
		TypingInterval: cfg.Gateway.TypingInterval,
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("remote", c.ClientIP()).Msg("ws endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	api.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": o.Registry.Count()})
	})

	// POST /api/session stores a validated token in the cookie session so
	// browser clients can open the websocket without putting it in the URL.
	api.POST("/session", func(c *gin.Context) {
		var req struct {
			Token string `json:"token"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": domain.ErrBadPayload.Error()})
			return
		}
		uid, err := o.Authenticate(c.Request.Context(), req.Token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": domain.ErrAuthFailure.Error()})
			return
		}
		sess := sessions.Default(c)
		sess.Set(signal.SessionTokenKey, req.Token)
		if err := sess.Save(); err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("session save")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"userId": uid})
	})

	api.DELETE("/session", func(c *gin.Context) {
		sess := sessions.Default(c)
		sess.Clear()
		_ = sess.Save()
		c.Status(http.StatusNoContent)
	})

	api.GET("/presence/:userId", func(c *gin.Context) {
		uid, err := domain.ParseUserID(c.Param("userId"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		n := len(o.Registry.ConnectionsOf(uid))
		c.JSON(http.StatusOK, gin.H{"userId": uid, "online": n > 0, "connections": n})
	})

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": o.Rooms.List()})
	})

	authed := api.Group("", AuthMiddleware(o))
	authed.GET("/conversations/:id/messages", func(c *gin.Context) {
		listMessages(c, o)
	})
	authed.POST("/conversations", func(c *gin.Context) {
		createConversation(c, o)
	})

	return r
}

// listMessages is the polling path for offline delivery.
func listMessages(c *gin.Context, o *orch.Orchestrator) {
	conv, err := domain.ParseConversationID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": domain.ErrBadPayload.Error()})
		return
	}
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	limit = min(limit, maxHistoryLimit)

	uid := c.MustGet("user_id").(domain.UserID)
	msgs, err := o.History(c.Request.Context(), uid, conv, domain.MessageID(after), limit)
	switch {
	case errors.Is(err, domain.ErrNotAMember):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case err != nil:
		log.Error().Err(err).Str("module", "adapters.http").Int64("conversation", int64(conv)).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	}
}

func createConversation(c *gin.Context, o *orch.Orchestrator) {
	var req struct {
		Members []domain.UserID `json:"members"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": domain.ErrBadPayload.Error()})
		return
	}
	uid := c.MustGet("user_id").(domain.UserID)
	conv, err := o.CreateConversation(c.Request.Context(), uid, req.Members)
	switch {
	case errors.Is(err, domain.ErrBadPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, orch.ErrNoProvisioner):
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
	case err != nil:
		log.Error().Err(err).Str("module", "adapters.http").Msg("create conversation")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		c.JSON(http.StatusCreated, gin.H{"conversationId": conv})
	}
}
