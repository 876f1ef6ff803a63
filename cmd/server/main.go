package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/veltchat/voicegate/internal/adapters/http"
	wsignal "github.com/veltchat/voicegate/internal/adapters/signal"
	"github.com/veltchat/voicegate/internal/app"
	"github.com/veltchat/voicegate/internal/app/orch"
	"github.com/veltchat/voicegate/internal/auth"
	"github.com/veltchat/voicegate/internal/config"
	"github.com/veltchat/voicegate/internal/core"
	"github.com/veltchat/voicegate/internal/media"
	"github.com/veltchat/voicegate/internal/media/pion"
	"github.com/veltchat/voicegate/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	var kv core.KV
	if cfg.RedisAddr != "" {
		redisKV, err := store.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connect")
		}
		defer redisKV.Close()
		kv = redisKV
	} else {
		log.Warn().Msg("no redis configured, room assignments are process-local")
		kv = store.NewMemory()
	}

	rooms := app.NewRoomManager(nodeID, kv, cfg.AssignmentTTL)
	rooms.StartAssignmentRefresher(ctx)

	// An engine failure disables voice but leaves the rest of the process
	// serving.
	var adapter *media.Adapter
	adapter, err = media.NewAdapter(ctx, pion.NewEngine(cfg.StunURLs), cfg.WorkerCap)
	if err != nil {
		log.Error().Err(err).Msg("media engine unavailable, voice disabled")
		adapter = nil
	}

	var ctl *wsignal.Controller
	if adapter != nil {
		orchestrator := &orch.Orchestrator{
			Rooms:       rooms,
			Media:       adapter,
			Permissions: app.OpenAccessValidator{},
			Turn: orch.TurnConfig{
				Secret: cfg.TurnSecret,
				URLs:   cfg.TurnURLs,
				TTL:    cfg.TurnTTL,
			},
		}
		authn := auth.NewAuthenticator(cfg.JWTSecret, app.NewStaticEntitlements(cfg.ProUsers))
		ctl = wsignal.NewController(authn, orchestrator, rooms, adapter, cfg.ReadLimit, cfg.PingPeriod)
	}

	r := router.SetupRouter(ctx, cfg, ctl, rooms)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("node", nodeID).Msg("voicegate started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if adapter != nil {
		adapter.Close()
	}
	log.Info().Msg("Server exited gracefully")
}
