package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callstream-gateway/internal/livestream"
	"callstream-gateway/internal/media"
	"callstream-gateway/internal/platform/config"
	"callstream-gateway/internal/platform/logger"
	"callstream-gateway/internal/platform/metrics"
	"callstream-gateway/internal/remote"

	"github.com/go-chi/chi/v5"
)

const (
	shutdownTimeout = 10 * time.Second
	eventQueue      = 64
)

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	configFile := config.GetEnv("CONFIG_FILE", "")

	log := logger.New(logLevel, logFormat)

	eng, err := config.LoadEngine(configFile)
	if err != nil {
		log.Error("invalid engine config", "error", err)
		os.Exit(1)
	}

	src, err := remote.New(remote.Options{
		BaseURL: eng.Remote.BaseURL,
		HTTP3:   eng.Remote.HTTP3,
		Timeout: eng.Remote.Timeout,
		Log:     log,
	})
	if err != nil {
		log.Error("remote source", "error", err)
		os.Exit(1)
	}
	defer src.Close()

	met := metrics.New()
	hub := livestream.NewEventHub(eventQueue)
	svc := livestream.NewService(engineConfig(eng), livestream.Deps{
		Source:    src,
		Muxer:     media.FMP4{},
		HighWater: livestream.NewInMemoryHighWater(),
		Notifier:  livestream.Notifiers{livestream.LogNotifier{Log: log}, hub},
		Metrics:   met,
		Log:       log,
	})
	h := livestream.NewHandler(svc, hub, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(svc.ActiveSessions()) }).ServeHTTP(w, r)
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	h.Routes(r)

	// Streaming responses never finish on their own; cancelling the base
	// context ends them on shutdown.
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	addr := ":" + port
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"remote", eng.Remote.BaseURL,
		"http3", eng.Remote.HTTP3,
		"min_buffer_ms", eng.MinBufferMS,
		"max_buffer_ms", eng.MaxBufferMS,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	svc.Shutdown()
	cancelRequests()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

func engineConfig(e config.Engine) livestream.Config {
	return livestream.Config{
		Channel:            e.StreamChannel,
		LookbackMS:         e.LookbackMS,
		MinBufferMS:        e.MinBufferMS,
		MaxBufferMS:        e.MaxBufferMS,
		WarmupMS:           e.WarmupMS,
		StateAttempts:      e.StateAttempts,
		StateBackoff:       e.StateBackoff,
		ResyncAttempts:     e.ResyncAttempts,
		PushGrace:          e.PushGrace,
		PullIdle:           e.PullIdle,
		ChunkWait:          e.ChunkWait,
		SinkQueue:          e.SinkQueue,
		PullAudioTranscode: e.PullAudioTranscode,
	}
}
