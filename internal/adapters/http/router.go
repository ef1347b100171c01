package http

import (
	"context"

	"github.com/dkeye/Poker/internal/adapters/signal"
	"github.com/dkeye/Poker/internal/app/orch"
	"github.com/dkeye/Poker/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const memberKey = "member_id"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every caller a stable opaque member id kept in the
// signed session cookie.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(memberKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(memberKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, limiter *signal.RoomRateLimiter) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("PokerSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}
	r.GET("/healthz", healthz)

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &roomHandlers{orch: o, limiter: limiter}
	api := r.Group("/api")
	api.GET("/rooms", h.list)
	api.GET("/rooms/:id", h.get)
	api.DELETE("/rooms/:id", h.evict)
	api.POST("/rooms/:id/join", h.join)
	api.POST("/rooms/:id/vote", h.vote)
	api.POST("/rooms/:id/reveal", h.reveal)
	api.POST("/rooms/:id/reset", h.reset)

	ctrl := signal.NewSignalWSController(o, signal.Options{
		ReadLimit:      cfg.ReadLimit,
		PingPeriod:     cfg.PingPeriod,
		SendBuffer:     cfg.SendBuffer,
		AllowedOrigins: cfg.AllowedOrigins,
		Limiter:        limiter,
	})
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("member", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
