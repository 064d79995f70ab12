// Package setup builds pipeline collaborators and cache stores from the environment configuration.
package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"mealsnap"
	"mealsnap/cache"
	"mealsnap/collaborator/bedrock"
	"mealsnap/collaborator/edamam"
	"mealsnap/collaborator/mock"
	"mealsnap/collaborator/ollama"
	"mealsnap/collaborator/rekognition"
	"mealsnap/collaborator/table"
	"mealsnap/pipeline"
	"mealsnap/portion"
	"mealsnap/source"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	awsrekognition "github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// AWS loads the default AWS configuration once, on first use.
type AWS struct {
	once sync.Once
	cfg  aws.Config
	err  error
}

func (a *AWS) Config(ctx context.Context) (aws.Config, error) {
	a.once.Do(func() {
		a.cfg, a.err = config.LoadDefaultConfig(ctx, config.WithRetryMaxAttempts(5))
		if a.err != nil {
			a.err = fmt.Errorf("failed to load AWS config: %w", a.err)
		}
	})
	return a.cfg, a.err
}

func (a *AWS) s3(ctx context.Context) (*s3.Client, error) {
	cfg, err := a.Config(ctx)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg), nil
}

// Collaborators builds the vision, reference and reasoning clients named in cc.
func Collaborators(ctx context.Context, cc mealsnap.CollaboratorConfig, mc mealsnap.ModelConfig, a *AWS) (pipeline.Collaborators, error) {
	var (
		c   pipeline.Collaborators
		err error
	)
	if c.Vision, err = vision(ctx, cc, mc, a); err != nil {
		return c, err
	}
	if c.Reference, err = reference(ctx, cc, a); err != nil {
		return c, err
	}
	if c.Reasoning, err = reasoning(ctx, cc, mc, a); err != nil {
		return c, err
	}
	slog.Info("SETUP: Collaborators ready", "vision", cc.Vision, "reference", cc.Reference, "reasoning", cc.Reasoning)
	return c, nil
}

func vision(ctx context.Context, cc mealsnap.CollaboratorConfig, mc mealsnap.ModelConfig, a *AWS) (mealsnap.VisionClient, error) {
	switch cc.Vision {
	case "rekognition":
		cfg, err := a.Config(ctx)
		if err != nil {
			return nil, err
		}
		return rekognition.NewVision(awsrekognition.NewFromConfig(cfg), rekognition.Options{}), nil
	case "bedrock":
		llm, err := bedrockLLM(ctx, a, mc.VisionModelID, mc)
		if err != nil {
			return nil, err
		}
		return bedrock.NewVision(llm), nil
	case "mock":
		return mock.NewDemoVision(), nil
	}
	return nil, fmt.Errorf("unknown vision backend %q", cc.Vision)
}

func reference(ctx context.Context, cc mealsnap.CollaboratorConfig, a *AWS) (mealsnap.ReferenceClient, error) {
	switch cc.Reference {
	case "table":
		src, err := tableSource(ctx, cc.ReferenceTablePath, cc.ArtifactsS3Bucket, cc.ReferenceTableS3Key, a)
		if err != nil {
			return nil, err
		}
		if src == nil {
			return table.Default(), nil
		}
		return table.LoadReference(ctx, src)
	case "edamam":
		return edamam.NewReference(edamam.Options{AppID: cc.EdamamAppID, AppKey: cc.EdamamAppKey, HTTPClient: http.DefaultClient})
	case "mock":
		return mock.NewDemoReference(), nil
	}
	return nil, fmt.Errorf("unknown reference backend %q", cc.Reference)
}

func reasoning(ctx context.Context, cc mealsnap.CollaboratorConfig, mc mealsnap.ModelConfig, a *AWS) (mealsnap.ReasoningClient, error) {
	switch cc.Reasoning {
	case "bedrock":
		llm, err := bedrockLLM(ctx, a, mc.ReasoningModelID, mc)
		if err != nil {
			return nil, err
		}
		return bedrock.NewReasoner(llm), nil
	case "ollama":
		return ollama.NewReasoner(ollama.ReasonerOpts{
			BaseEndpoint: cc.BaseOllamaEndpoint,
			ModelID:      cc.OllamaModelID,
			HTTPClient:   http.DefaultClient,
		})
	case "mock":
		return mock.NewDemoReasoner(), nil
	case "none", "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown reasoning backend %q", cc.Reasoning)
}

func bedrockLLM(ctx context.Context, a *AWS, modelID string, mc mealsnap.ModelConfig) (*bedrock.LLMClient, error) {
	cfg, err := a.Config(ctx)
	if err != nil {
		return nil, err
	}
	return bedrock.NewLLMClient(bedrockruntime.NewFromConfig(cfg), bedrock.LLMOptions{
		ModelID:     modelID,
		MaxTokens:   mc.MaxTokens,
		Temperature: mc.Temperature,
		TopP:        mc.TopP,
	}), nil
}

// tableSource returns nil when neither a path nor an S3 location is configured.
func tableSource(ctx context.Context, path, bucket, key string, a *AWS) (source.Source, error) {
	switch {
	case bucket != "" && key != "":
		client, err := a.s3(ctx)
		if err != nil {
			return nil, err
		}
		return source.NewS3Source(client, bucket, key), nil
	case path != "":
		return source.NewFileSource(path), nil
	}
	return nil, nil
}

// PortionTable returns the embedded priors, layered with the configured overrides if any.
func PortionTable(ctx context.Context, cc mealsnap.CollaboratorConfig) (portion.Table, error) {
	if cc.PortionPriorsPath == "" {
		return portion.DefaultTable(), nil
	}
	return portion.LoadTable(ctx, source.NewFileSource(cc.PortionPriorsPath))
}

// Store opens the cache backend named in cfg. The returned close func is never nil.
func Store(ctx context.Context, cfg mealsnap.CacheConfig, a *AWS) (cache.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "memory", "":
		return cache.NewMemoryStore(), noop, nil
	case "file":
		s, err := cache.NewFileStore(cfg.Dir)
		return s, noop, err
	case "sqlite":
		s, err := cache.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, noop, errors.New("CACHE_S3_BUCKET is required for the s3 cache backend")
		}
		client, err := a.s3(ctx)
		if err != nil {
			return nil, noop, err
		}
		return cache.NewS3Store(client, cfg.S3Bucket, cfg.S3Prefix), noop, nil
	}
	return nil, noop, fmt.Errorf("unknown cache backend %q", cfg.Backend)
}
