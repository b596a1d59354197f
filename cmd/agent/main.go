package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/adapter/driven/listener"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/pion"
	"github.com/Wyydra/yacall/internal/adapter/driven/token/livekit"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).With().Timestamp().Caller().Logger()
	log.Logger = l

	cfg, err := config.Load()
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Log.Level)
	if cfg.Agent.UserID == "" {
		l.Fatal().Msg("AGENT_USER_ID environment variable is required")
	}
	if cfg.Media.Endpoint == "" {
		l.Fatal().Msg("MEDIA_ENDPOINT environment variable is required")
	}

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 10*time.Second)
	transport, err := ws.Dial(dialCtx, cfg.Agent.RelayURL, cfg.Agent.UserID, cfg.Agent.DeviceID)
	cancelDial()
	if err != nil {
		l.Fatal().Err(err).Str("relay", cfg.Agent.RelayURL).Msg("Failed to connect to relay")
	}
	defer transport.Close()

	mediaEngine := pion.NewEngine(cfg.Media.Endpoint, cfg.Media.ICEServers)

	opts := []service.Option{}
	if cfg.LiveKit.APIKey != "" {
		tokens, err := livekit.NewProvider(cfg.LiveKit.APIKey, cfg.LiveKit.APISecret, cfg.LiveKit.TokenTTL)
		if err != nil {
			l.Fatal().Err(err).Msg("Failed to configure token provider")
		}
		opts = append(opts, service.WithTokenProvider(tokens))
	}

	calls := service.NewCallService(cfg.CallService(), transport, mediaEngine, opts...)

	reg := prometheus.NewRegistry()
	calls.AddListener(listener.NewLogging(l))
	calls.AddListener(listener.NewMetrics(reg))

	go calls.Run()

	h := handler.NewCallHandler(calls, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    cfg.Agent.Addr,
		Handler: h.NewRouter(),
	}

	go func() {
		l.Info().
			Str("addr", cfg.Agent.Addr).
			Str("user_id", cfg.Agent.UserID.String()).
			Str("device_id", cfg.Agent.DeviceID.String()).
			Msg("Starting agent")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Failed to start agent")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down agent...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("Agent forced to shutdown")
	}

	calls.Stop()
	l.Info().Msg("Agent exited")
}
