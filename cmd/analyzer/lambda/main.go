package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"log/slog"

	"mealsnap"
	"mealsnap/pipeline"
	"mealsnap/setup"
	"mealsnap/slack"
	"mealsnap/source"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joeshaw/envdecode"
)

// Params carries the image either inline or as an S3 object.
type Params struct {
	ImageBase64   string                    `json:"image_base64,omitempty"`
	ImageS3Bucket string                    `json:"image_s3_bucket,omitempty"`
	ImageS3Key    string                    `json:"image_s3_key,omitempty"`
	Capture       *mealsnap.CaptureMetadata `json:"capture,omitempty"`
	Goal          mealsnap.GoalProfile      `json:"goal"`
	Format        string                    `json:"format,omitempty"`
}

type Results struct {
	Output   any                `json:"output"`
	Partial  bool               `json:"partial"`
	DataGaps []mealsnap.DataGap `json:"data_gaps,omitempty"`
}

type handler struct {
	pipeline *pipeline.Pipeline
	versions mealsnap.ModelVersions
	aws      *setup.AWS
	slack    *slack.Notifier
}

func main() {
	ctx := context.Background()

	var (
		modelConfig    mealsnap.ModelConfig
		versionConfig  mealsnap.VersionConfig
		pipelineConfig mealsnap.PipelineConfig
		collabConfig   mealsnap.CollaboratorConfig
		cacheConfig    mealsnap.CacheConfig
	)
	for _, cfg := range []any{&modelConfig, &versionConfig, &pipelineConfig, &collabConfig, &cacheConfig} {
		if err := envdecode.Decode(cfg); err != nil {
			log.Fatalf("SETUP: Failed to decode: %s", err)
		}
	}

	_, _, otelShutdown, err := mealsnap.InitOtel(ctx)
	if err != nil {
		log.Fatalf("SETUP: Failed to initialize OpenTelemetry: %s", err)
	}
	defer func() {
		if err := otelShutdown(ctx); err != nil {
			slog.Error("SETUP: Failed to shutdown OpenTelemetry", "error", err)
		}
	}()

	aws := &setup.AWS{}
	collaborators, err := setup.Collaborators(ctx, collabConfig, modelConfig, aws)
	if err != nil {
		log.Fatalf("SETUP: Failed to create collaborators: %s", err)
	}
	store, closeStore, err := setup.Store(ctx, cacheConfig, aws)
	if err != nil {
		log.Fatalf("SETUP: Failed to open cache: %s", err)
	}
	defer closeStore()

	priors, err := setup.PortionTable(ctx, collabConfig)
	if err != nil {
		log.Fatalf("SETUP: Failed to load portion priors: %s", err)
	}

	opts := pipeline.OptionsFromConfig(pipelineConfig)
	opts.PortionTable = priors
	opts.StageLogger = mealsnap.NewStdoutStageLogger()

	h := &handler{
		pipeline: pipeline.New(collaborators, store, opts),
		versions: versionConfig.Versions(),
		aws:      aws,
	}
	if collabConfig.SlackWebhookURL != "" {
		h.slack = slack.NewClient(collabConfig.SlackWebhookURL, nil).Notifier(collabConfig.SlackChannel)
	}
	slog.Info("SETUP: Pipeline ready", "cache", cacheConfig.Backend, "pipeline_version", h.versions.Pipeline)

	lambda.Start(h.handle)
}

func (h *handler) handle(ctx context.Context, params Params) (Results, error) {
	img, err := h.image(ctx, params)
	if err != nil {
		slog.Error("RESULT: Failed to read image", "error", err)
		return Results{}, err
	}

	if params.Goal.Kind != "" {
		if params.Goal.Kind, err = mealsnap.ParseGoalKind(string(params.Goal.Kind)); err != nil {
			return Results{}, err
		}
	}

	result, err := h.pipeline.Analyze(ctx, pipeline.Request{
		Image:    img,
		Capture:  params.Capture,
		Goal:     params.Goal,
		Versions: h.versions,
	})
	var partial *mealsnap.PartialResultError
	if err != nil && !errors.As(err, &partial) {
		slog.Error("RESULT: Analysis failed", "class", mealsnap.Classify(err), "error", err)
		return Results{}, err
	}

	if h.slack != nil {
		if err := h.slack.Notify(ctx, result); err != nil {
			slog.Error("Failed to post result to Slack", "error", err)
		}
	}

	out := Results{Output: result, Partial: partial != nil, DataGaps: result.DataGaps}
	if params.Format == "health" {
		out.Output = h.pipeline.ExportForGoal(result, params.Goal)
	}
	return out, nil
}

func (h *handler) image(ctx context.Context, params Params) ([]byte, error) {
	switch {
	case params.ImageBase64 != "":
		return base64.StdEncoding.DecodeString(params.ImageBase64)
	case params.ImageS3Bucket != "" && params.ImageS3Key != "":
		cfg, err := h.aws.Config(ctx)
		if err != nil {
			return nil, err
		}
		return source.NewS3Source(s3.NewFromConfig(cfg), params.ImageS3Bucket, params.ImageS3Key).Load(ctx)
	}
	return nil, fmt.Errorf("one of image_base64 or image_s3_bucket/image_s3_key is required")
}
