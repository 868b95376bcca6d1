package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Brownie44l1/foodfocus/internal/dataset"
	"github.com/Brownie44l1/foodfocus/internal/fetch"
	"github.com/Brownie44l1/foodfocus/internal/model"
	"github.com/Brownie44l1/foodfocus/internal/preprocess"
)

// Config holds all configuration for a training run
type Config struct {
	Dataset   Dataset      `yaml:"dataset"`
	Fetch     Fetch        `yaml:"fetch"`
	Cache     Cache        `yaml:"cache"`
	Backbone  Backbone     `yaml:"backbone"`
	Model     model.Config `yaml:"model"`
	Training  Training     `yaml:"training"`
	Artifacts Artifacts    `yaml:"artifacts"`
	Tracking  Tracking     `yaml:"tracking"`
}

type Dataset struct {
	// Source is "hub" or "jsonl".
	Source   string        `yaml:"source"`
	Path     string        `yaml:"path"`
	Endpoint string        `yaml:"endpoint"`
	Name     string        `yaml:"name"`
	Config   string        `yaml:"config"`
	Split    string        `yaml:"split"`
	Timeout  time.Duration `yaml:"timeout"`
	// Token is read from HF_TOKEN only.
	Token string `yaml:"-"`
}

type Fetch struct {
	Timeout   time.Duration `yaml:"timeout"`
	MaxBytes  int64         `yaml:"max_bytes"`
	Workers   int           `yaml:"workers"`
	UserAgent string        `yaml:"user_agent"`
}

type Cache struct {
	// Backend is "none", "memory" or "redis".
	Backend  string        `yaml:"backend"`
	MaxItems int           `yaml:"max_items"`
	MaxBytes int64         `yaml:"max_bytes"`
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

type Backbone struct {
	// Kind is "onnx" or "patchpool".
	Kind       string `yaml:"kind"`
	HiddenSize int    `yaml:"hidden_size"`
	Grid       int    `yaml:"grid"`

	ONNXPath      string `yaml:"onnx_path"`
	SharedLibrary string `yaml:"shared_library"`
	InputName     string `yaml:"input_name"`
	OutputName    string `yaml:"output_name"`

	ImageProcessor preprocess.ProcessorConfig `yaml:"image_processor"`
}

// Training holds the trainer hyperparameters. Names follow the Hugging Face
// TrainingArguments fields.
type Training struct {
	NumTrainEpochs     int     `yaml:"num_train_epochs"`
	TrainBatchSize     int     `yaml:"per_device_train_batch_size"`
	EvalBatchSize      int     `yaml:"per_device_eval_batch_size"`
	WarmupSteps        int     `yaml:"warmup_steps"`
	WeightDecay        float64 `yaml:"weight_decay"`
	LoggingSteps       int     `yaml:"logging_steps"`
	EvalSteps          int     `yaml:"eval_steps"`
	SaveSteps          int     `yaml:"save_steps"`
	LearningRate       float64 `yaml:"learning_rate"`
	LoadBestModelAtEnd bool    `yaml:"load_best_model_at_end"`
	SaveTotalLimit     int     `yaml:"save_total_limit"`
	MaxGradNorm        float64 `yaml:"max_grad_norm"`
	AdamBeta1          float64 `yaml:"adam_beta1"`
	AdamBeta2          float64 `yaml:"adam_beta2"`
	AdamEpsilon        float64 `yaml:"adam_epsilon"`
	Seed               uint64  `yaml:"seed"`
	TestSize           float64 `yaml:"test_size"`
}

type Artifacts struct {
	// Backend is "local" or "s3".
	Backend    string `yaml:"backend"`
	Dir        string `yaml:"dir"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Prefix   string `yaml:"s3_prefix"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
}

type Tracking struct {
	Enabled bool `yaml:"enabled"`
	// DSN is a sqlite file path or a postgres:// URL.
	DSN string `yaml:"dsn"`
}

// DefaultTraining returns the hyperparameters of the reference fine-tuning run.
func DefaultTraining() Training {
	return Training{
		NumTrainEpochs:     10,
		TrainBatchSize:     16,
		EvalBatchSize:      16,
		WarmupSteps:        500,
		WeightDecay:        0.01,
		LoggingSteps:       10,
		EvalSteps:          100,
		SaveSteps:          100,
		LearningRate:       2e-5,
		LoadBestModelAtEnd: true,
		SaveTotalLimit:     0,
		MaxGradNorm:        1.0,
		AdamBeta1:          0.9,
		AdamBeta2:          0.999,
		AdamEpsilon:        1e-8,
		Seed:               42,
		TestSize:           0.2,
	}
}

func Default() *Config {
	return &Config{
		Dataset: Dataset{
			Source:   "hub",
			Endpoint: dataset.DefaultHubEndpoint,
			Name:     dataset.DefaultHubDataset,
			Config:   "default",
			Split:    "train",
			Timeout:  30 * time.Second,
		},
		Fetch: Fetch{
			Timeout:   fetch.DefaultTimeout,
			MaxBytes:  fetch.DefaultMaxBytes,
			Workers:   preprocess.DefaultWorkers,
			UserAgent: "foodfocus/1.0",
		},
		Cache: Cache{
			Backend:  "memory",
			MaxItems: 2048,
			MaxBytes: 512 << 20,
			TTL:      24 * time.Hour,
		},
		Backbone: Backbone{
			Kind:           model.KindONNX,
			HiddenSize:     768,
			Grid:           4,
			ONNXPath:       "models/vit-base-patch16-224.onnx",
			InputName:      "pixel_values",
			OutputName:     "pooler_output",
			ImageProcessor: preprocess.DefaultProcessorConfig(),
		},
		Model:    model.DefaultConfig(),
		Training: DefaultTraining(),
		Artifacts: Artifacts{
			Backend:  "local",
			Dir:      "food_nutrition_model",
			S3Prefix: "foodfocus",
		},
		Tracking: Tracking{
			DSN: "foodfocus.db",
		},
	}
}

// Load reads a YAML file over Default() and validates the result. An
// empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}
	cfg.Dataset.Token = os.Getenv("HF_TOKEN")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
