package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/veltchat/voicegate/internal/adapters/signal"
	"github.com/veltchat/voicegate/internal/app"
	"github.com/veltchat/voicegate/internal/config"
	"github.com/veltchat/voicegate/internal/core"
)

// SetupRouter wires the HTTP surface. ctl is nil when the media engine
// failed to start; the voice endpoint then answers 503 and everything else
// keeps serving.
func SetupRouter(ctx context.Context, cfg *config.Config, ctl *signal.Controller, rooms *app.RoomManager) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"voiceAvailable": ctl != nil,
		})
	})

	api := r.Group("/api")

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, rooms.List())
	})

	api.GET("/ws/voice", func(c *gin.Context) {
		if ctl == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": core.NewError(core.CodeEngineUnavailable, "voice subsystem is unavailable"),
			})
			return
		}
		ctl.HandleConnection(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Bool("voice", ctl != nil).Msg("router setup")
	return r
}
