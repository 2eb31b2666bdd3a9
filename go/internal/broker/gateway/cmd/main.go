package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/botlink/go/internal/broker/gateway"
	"github.com/mcdev12/botlink/go/internal/brokerconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const version = "1.0.0"

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := brokerconfig.Load(os.Getenv(brokerconfig.FileEnv))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	service, err := gateway.NewService(serviceConfig(cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session broker")
	}

	mux := http.NewServeMux()
	service.RegisterRoutes(mux)

	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		stats := service.GetStats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":     "botlink-broker",
			"version":     version,
			"connections": stats.TotalConnections,
			"rooms":       stats.ActiveRooms,
		})
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           service.Wrap(h2c.NewHandler(mux, &http2.Server{})),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		if err := service.Start(ctx); err != nil {
			log.Error().Err(err).Msg("session broker stopped with error")
		}
	}()

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Bool("tls", cfg.TLSEnabled()).
			Bool("nats", cfg.NATSURL != "").
			Msg("HTTP server starting")

		var err error
		if cfg.TLSEnabled() {
			err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Hijacked websocket connections are not tracked by Shutdown; the service closes them.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	select {
	case <-serviceDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("session broker did not stop in time")
	}

	log.Info().Msg("session broker shutdown complete")
}

func setupLogging(cfg brokerconfig.Config) {
	if cfg.LogFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func serviceConfig(cfg brokerconfig.Config) gateway.Config {
	gc := gateway.DefaultConfig()

	gc.ConnectionConfig.WriteTimeout = cfg.WSWriteTimeout
	gc.ConnectionConfig.ReadTimeout = cfg.WSReadTimeout
	gc.ConnectionConfig.PingInterval = cfg.WSPingInterval
	gc.ConnectionConfig.MaxMessageSize = cfg.WSMaxMessageSize

	gc.ControllerTokenSecret = cfg.ControllerTokenSecret
	gc.DeviceTokenSecret = cfg.DeviceTokenSecret
	gc.VerificationToken = cfg.VerificationToken
	gc.AllowedOrigins = cfg.AllowedOrigins

	gc.RateLimitRequests = cfg.RateLimitRequests
	gc.RateLimitWindow = cfg.RateLimitWindow
	gc.ExpiryGrace = cfg.ExpiryGrace
	gc.TimerCeiling = cfg.TimerCeiling

	gc.NATS.URL = cfg.NATSURL
	gc.NATS.SubjectPrefix = cfg.NATSSubjectPrefix
	return gc
}
