package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Icolfyou/RTCPilot/internal/config"
	"github.com/Icolfyou/RTCPilot/internal/msu"
	"github.com/Icolfyou/RTCPilot/internal/room"
	"github.com/Icolfyou/RTCPilot/internal/server"
	ctlsignal "github.com/Icolfyou/RTCPilot/internal/signal"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := log.Logger

	cfgPath := "config/center.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	msus := msu.NewManager(logger)
	rooms := room.NewManager(msus, cfg.InviteTimeout, logger)
	ctl := ctlsignal.NewController(rooms, msus, logger)

	srv := server.New(ctx, server.Options{
		Host:     cfg.Websocket.ListenIP,
		Port:     cfg.Websocket.ListenPort,
		CertPath: cfg.Websocket.CertPath,
		KeyPath:  cfg.Websocket.KeyPath,
		Path:     cfg.Websocket.Path,
	}, ctl.OnSession, logger)

	// Periodic liveness sweep; the managers never self-schedule.
	go func() {
		ticker := time.NewTicker(cfg.Msu.PruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := msus.PruneStale(cfg.Msu.TTL.Milliseconds(), 0)
				if len(removed) > 0 {
					rooms.InvalidateMsu(removed...)
				}
			}
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	logger.Info().Msg("server exited gracefully")
}
