package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/soundline/voicemesh/internal/adapters/signal"
	"github.com/soundline/voicemesh/internal/app"
	"github.com/soundline/voicemesh/internal/config"
	"github.com/soundline/voicemesh/internal/domain"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, relay *app.Relay) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoiceMeshSessions", store))
	r.Use(ClientTokenMiddleware())

	api := r.Group("/api")

	// GET /api/sessions lists active voice sessions.
	api.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": relay.Sessions.List()})
	})

	// GET /api/sessions/:room returns the roster of one session.
	api.GET("/sessions/:room", func(c *gin.Context) {
		id := domain.RoomID(c.Param("room"))
		sess, ok := relay.Sessions.Get(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"roomId":       sess.Room().ID,
			"memberCount":  sess.MemberCount(),
			"participants": sess.Roster(),
		})
	})

	api.GET("/ws/signal", func(c *gin.Context) {
		ctrl := signal.NewController(relay)
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
