package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"mealsnap"
	"mealsnap/httpapi"
	"mealsnap/pipeline"
	"mealsnap/setup"
	"mealsnap/slack"
)

type ServerConfig struct {
	Addr            string        `env:"HTTP_ADDR,default=:8080"`
	GinMode         string        `env:"GIN_MODE,default=release"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT,default=60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("SETUP: Failed to load .env", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		modelConfig    mealsnap.ModelConfig
		versionConfig  mealsnap.VersionConfig
		pipelineConfig mealsnap.PipelineConfig
		collabConfig   mealsnap.CollaboratorConfig
		cacheConfig    mealsnap.CacheConfig
		serverConfig   ServerConfig
	)
	for _, cfg := range []any{&modelConfig, &versionConfig, &pipelineConfig, &collabConfig, &cacheConfig, &serverConfig} {
		if err := envdecode.Decode(cfg); err != nil {
			log.Fatalf("SETUP: Failed to decode: %s", err)
		}
	}
	gin.SetMode(serverConfig.GinMode)

	_, _, otelShutdown, err := mealsnap.InitOtel(ctx)
	if err != nil {
		slog.Error("SETUP: Failed to initialize OpenTelemetry", "error", err)
		return
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Error("SETUP: Failed to shutdown OpenTelemetry", "error", err)
		}
	}()

	aws := &setup.AWS{}
	collaborators, err := setup.Collaborators(ctx, collabConfig, modelConfig, aws)
	if err != nil {
		slog.Error("SETUP: Failed to create collaborators", "error", err)
		return
	}
	store, closeStore, err := setup.Store(ctx, cacheConfig, aws)
	if err != nil {
		slog.Error("SETUP: Failed to open cache", "backend", cacheConfig.Backend, "error", err)
		return
	}
	defer closeStore()

	priors, err := setup.PortionTable(ctx, collabConfig)
	if err != nil {
		slog.Error("SETUP: Failed to load portion priors", "error", err)
		return
	}

	opts := pipeline.OptionsFromConfig(pipelineConfig)
	opts.PortionTable = priors
	opts.StageLogger = mealsnap.NewStdoutStageLogger()
	p := pipeline.New(collaborators, store, opts)

	var notifier httpapi.Notifier
	if collabConfig.SlackWebhookURL != "" {
		notifier = slack.NewClient(collabConfig.SlackWebhookURL, nil).Notifier(collabConfig.SlackChannel)
	}

	srv := &http.Server{
		Addr:              serverConfig.Addr,
		Handler:           http.TimeoutHandler(httpapi.NewRouter(httpapi.NewHandler(p, versionConfig.Versions(), notifier)), serverConfig.RequestTimeout, "analysis timed out"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("SETUP: Listening", "addr", serverConfig.Addr, "cache", cacheConfig.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("SETUP: Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("SETUP: Graceful shutdown failed", "error", err)
	}
}
