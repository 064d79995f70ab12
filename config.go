package mealsnap

import "time"

type ModelConfig struct {
	VisionModelID    string  `env:"VISION_MODEL_ID,default=us.anthropic.claude-3-7-sonnet-20250219-v1:0"`
	ReasoningModelID string  `env:"REASONING_MODEL_ID,default=us.anthropic.claude-3-7-sonnet-20250219-v1:0"`
	MaxTokens        int32   `env:"MAX_TOKENS,default=1024"`
	Temperature      float32 `env:"TEMPERATURE,default=0.2"`
	TopP             float32 `env:"TOP_P,default=0.9"`
}

// VersionConfig supplies the model-version tuple at the binary edge. The pipeline never reads it;
// binaries convert it with Versions() and pass the tuple into every Analyze call.
type VersionConfig struct {
	Vision    string `env:"VERSION_VISION,default=rekognition-detectlabels-3.0"`
	Reference string `env:"VERSION_REFERENCE,default=table-v1"`
	Reasoning string `env:"VERSION_REASONING,default=bedrock-claude-3-7"`
	Pipeline  string `env:"VERSION_PIPELINE,default=1"`
}

func (c VersionConfig) Versions() ModelVersions {
	return ModelVersions{Vision: c.Vision, Reference: c.Reference, Reasoning: c.Reasoning, Pipeline: c.Pipeline}
}

type PipelineConfig struct {
	DetectionThreshold float64       `env:"DETECTION_THRESHOLD,default=0.35"`
	MaxCandidates      int           `env:"MAX_CANDIDATES,default=3"`
	MergeIoU           float64       `env:"MERGE_IOU,default=0.6"`
	ItemConcurrency    int           `env:"ITEM_CONCURRENCY,default=4"`
	RetryAttempts      int           `env:"RETRY_ATTEMPTS,default=3"`
	RetryInitial       time.Duration `env:"RETRY_INITIAL,default=200ms"`
	RetryMultiplier    float64       `env:"RETRY_MULTIPLIER,default=4"`
	AttemptTimeout     time.Duration `env:"ATTEMPT_TIMEOUT,default=20s"`
	PortionWeight      float64       `env:"PORTION_UNCERTAINTY_WEIGHT,default=1.0"`
	ReferenceWeight    float64       `env:"REFERENCE_UNCERTAINTY_WEIGHT,default=1.0"`
}

type CollaboratorConfig struct {
	Vision              string `env:"VISION_BACKEND,default=rekognition"`
	Reference           string `env:"REFERENCE_BACKEND,default=table"`
	Reasoning           string `env:"REASONING_BACKEND,default=bedrock"`
	ReferenceTablePath  string `env:"REFERENCE_TABLE_PATH"`
	PortionPriorsPath   string `env:"PORTION_PRIORS_PATH"`
	ArtifactsS3Bucket   string `env:"ARTIFACTS_S3_BUCKET"`
	ReferenceTableS3Key string `env:"REFERENCE_TABLE_S3_KEY"`
	EdamamAppID         string `env:"EDAMAM_APP_ID"`
	EdamamAppKey        string `env:"EDAMAM_APP_KEY"`
	BaseOllamaEndpoint  string `env:"BASE_OLLAMA_ENDPOINT,default=http://localhost:11434"`
	OllamaModelID       string `env:"OLLAMA_MODEL_ID,default=llama3.1"`
	SlackWebhookURL     string `env:"SLACK_WEBHOOK_URL"`
	SlackChannel        string `env:"SLACK_CHANNEL,default=#meals"`
}

type CacheConfig struct {
	Backend    string `env:"CACHE_BACKEND,default=memory"`
	Dir        string `env:"CACHE_DIR,default=cache"`
	SQLitePath string `env:"CACHE_SQLITE_PATH,default=mealsnap.db"`
	S3Bucket   string `env:"CACHE_S3_BUCKET"`
	S3Prefix   string `env:"CACHE_S3_PREFIX,default=analyses/"`
}
