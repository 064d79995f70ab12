package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mealsnap"
	"mealsnap/pipeline"
	"mealsnap/setup"
	"mealsnap/slack"
)

// LocalConfig holds the settings only the CLI reads.
type LocalConfig struct {
	Dump            bool    `env:"DUMP,default=false"`
	FocalLength35mm float64 `env:"CAPTURE_FOCAL_LENGTH_35MM"`
}

func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("SETUP: Failed to load .env", "error", err)
	}

	var (
		modelConfig    mealsnap.ModelConfig
		versionConfig  mealsnap.VersionConfig
		pipelineConfig mealsnap.PipelineConfig
		collabConfig   mealsnap.CollaboratorConfig
		cacheConfig    mealsnap.CacheConfig
		localConfig    LocalConfig
	)
	for _, cfg := range []any{&modelConfig, &versionConfig, &pipelineConfig, &collabConfig, &cacheConfig, &localConfig} {
		if err := envdecode.Decode(cfg); err != nil {
			log.Fatalf("SETUP: Failed to decode: %s", err)
		}
	}

	imagePath := argOr(1, "")
	if imagePath == "" {
		log.Fatalf("usage: %s <image> [goal]", os.Args[0])
	}
	goalKind, err := mealsnap.ParseGoalKind(argOr(2, "balanced"))
	if err != nil {
		log.Fatalf("SETUP: %s", err)
	}

	img, err := os.ReadFile(imagePath)
	if err != nil {
		slog.Error("SETUP: Failed to read image", "path", imagePath, "error", err)
		return
	}

	var capture *mealsnap.CaptureMetadata
	if localConfig.FocalLength35mm > 0 {
		capture = &mealsnap.CaptureMetadata{FocalLength35mm: localConfig.FocalLength35mm}
	}

	versions := versionConfig.Versions()
	logger, cleanup, err := newStageLogger(versions.Pipeline)
	if err != nil {
		slog.Error("SETUP: Failed to create stage logger", "error", err)
		return
	}
	defer func() {
		if err := cleanup(); err != nil {
			slog.Error("SETUP: Failed to flush stage log", "error", err)
		}
	}()

	_, _, otelShutdown, err := mealsnap.InitOtel(ctx)
	if err != nil {
		slog.Error("SETUP: Failed to initialize OpenTelemetry", "error", err)
		return
	}
	defer func() {
		if err := otelShutdown(ctx); err != nil {
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
	opts.StageLogger = logger
	p := pipeline.New(collaborators, store, opts)

	ctx, span := otel.Tracer(mealsnap.TracerNamePipeline).Start(ctx, "analyzer.local", trace.WithAttributes(
		attribute.String("image.path", imagePath),
		attribute.String("goal", string(goalKind)),
		attribute.String("versions.vision", versions.Vision),
		attribute.String("versions.pipeline", versions.Pipeline),
	))
	defer span.End()

	result, err := p.Analyze(ctx, pipeline.Request{
		Image:    img,
		Capture:  capture,
		Goal:     mealsnap.GoalProfile{Kind: goalKind},
		Versions: versions,
	})
	var partial *mealsnap.PartialResultError
	if err != nil && !errors.As(err, &partial) {
		slog.Error("RESULT: Analysis failed", "class", mealsnap.Classify(err), "error", err)
		return
	}
	if partial != nil {
		slog.Warn("RESULT: Some items were excluded", "gaps", len(partial.Gaps))
	}

	if localConfig.Dump {
		mealsnap.Dump(os.Stderr, result)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		slog.Error("RESULT: Failed to encode result", "error", err)
		return
	}
	fmt.Println(string(out))

	if collabConfig.SlackWebhookURL != "" {
		if err := slack.NewClient(collabConfig.SlackWebhookURL, nil).PostAnalysis(ctx, collabConfig.SlackChannel, result); err != nil {
			slog.Error("Failed to post result to Slack", "error", err)
		}
	}
}

func argOr(i int, def string) string {
	if len(os.Args) > i {
		return os.Args[i]
	}
	return def
}

func newStageLogger(pipelineVersion string) (mealsnap.StageLogger, func() error, error) {
	logFilePath := mealsnap.NewStageLogFilePath(pipelineVersion)
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return nil, func() error { return err }, fmt.Errorf("failed to create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, func() error { return err }, fmt.Errorf("failed to open log file: %w", err)
	}

	logger := mealsnap.NewFileStageLogger(logFile)
	cleanup := func() error {
		return errors.Join(logger.Flush(), logFile.Close())
	}
	return logger, cleanup, nil
}
