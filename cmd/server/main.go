package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/soundline/voicemesh/internal/adapters/http"
	"github.com/soundline/voicemesh/internal/app"
	"github.com/soundline/voicemesh/internal/config"
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

	relay := &app.Relay{
		Registry:     app.NewRegistry(),
		Sessions:     app.NewSessionManager(cfg.SessionCapacity),
		Policy:       app.AllowAll{},
		Backpressure: app.SimplePolicy{},
		Limiter:      app.NewJoinRateLimiter(cfg.JoinRateLimit, cfg.JoinRateInterval),
	}

	r := router.SetupRouter(ctx, cfg, relay)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("voicemesh relay started")
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
	log.Info().Msg("Server exited gracefully")
}
