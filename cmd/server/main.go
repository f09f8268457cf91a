package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Pulse/internal/adapters/http"
	"github.com/dkeye/Pulse/internal/adapters/auth"
	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/app/orch"
	"github.com/dkeye/Pulse/internal/config"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/dkeye/Pulse/internal/logging"
	"github.com/dkeye/Pulse/internal/presence"
	"github.com/dkeye/Pulse/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logCloser := logging.Setup(cfg.Log)
	defer logCloser.Close()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	backend, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()

	authn, err := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTAlg)
	if err != nil {
		return fmt.Errorf("authenticator: %w", err)
	}

	reg := app.NewRegistry(app.RegistryConf{
		MaxPerUser:  cfg.Gateway.MaxConnsPerUser,
		EvictOldest: cfg.Gateway.EvictOldest,
	})
	o := orch.New(orch.Deps{
		Registry:    reg,
		Rooms:       app.NewRoomManager(),
		Store:       backend,
		Auth:        authn,
		Policy:      app.SimplePolicy{},
		Workers:     cfg.Gateway.FanoutWorkers,
		Queue:       cfg.Gateway.FanoutQueue,
		Provisioner: backend,
	})
	defer o.Fanout.Stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Presence.RedisURL != "" {
		gatewayID := cfg.Presence.GatewayID
		if gatewayID == "" {
			gatewayID, _ = os.Hostname()
		}
		sink, err := presence.NewRedisSink(ctx, cfg.Presence.RedisURL, gatewayID, cfg.Presence.TTL)
		if err != nil {
			return fmt.Errorf("presence: %w", err)
		}
		defer sink.Close()
		mirror := presence.NewMirror(reg, sink, cfg.Presence.Heartbeat)
		g.Go(func() error { return mirror.Run(gctx) })
		log.Info().Str("gateway", gatewayID).Msg("presence mirror enabled")
	}

	r := router.SetupRouter(gctx, cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Pulse gateway started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		// Hijacked websockets are not tracked by Shutdown.
		o.CloseAll(domain.CloseGoingAway, "server shutdown")
		return nil
	})

	return g.Wait()
}
