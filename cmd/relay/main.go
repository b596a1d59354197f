package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/sqlite"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
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

	var repo port.MessageRepository
	if cfg.Relay.DatabasePath == "" {
		l.Warn().Msg("No database path, message history is not persisted")
		repo = memory.NewMessageRepository()
	} else {
		store, err := sqlite.Open(cfg.Relay.DatabasePath)
		if err != nil {
			l.Fatal().Err(err).Str("path", cfg.Relay.DatabasePath).Msg("Failed to open message store")
		}
		defer store.Close()
		repo = store
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := ws.NewHub(reg)
	messages := service.NewMessageService(repo, hub)
	h := handler.NewRelayHandler(messages, hub, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	go hub.Run()

	srv := &http.Server{
		Addr:    cfg.Relay.Addr,
		Handler: h.NewRouter(),
	}

	go func() {
		l.Info().Str("addr", cfg.Relay.Addr).Msg("Starting relay")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Failed to start relay")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down relay...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Hijacked websocket connections are not closed by Shutdown.
	hub.Stop()
	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("Relay forced to shutdown")
	}

	l.Info().Msg("Relay exited")
}
