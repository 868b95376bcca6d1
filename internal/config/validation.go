package config

import (
	"errors"
	"fmt"

	"github.com/Brownie44l1/foodfocus/internal/model"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch c.Dataset.Source {
	case "hub":
		if c.Dataset.Name == "" {
			add("dataset.name", "required for the hub source")
		}
	case "jsonl":
		if c.Dataset.Path == "" {
			add("dataset.path", "required for the jsonl source")
		}
	default:
		add("dataset.source", "must be hub or jsonl, got %q", c.Dataset.Source)
	}

	if c.Fetch.Timeout <= 0 {
		add("fetch.timeout", "must be positive")
	}
	if c.Fetch.MaxBytes <= 0 {
		add("fetch.max_bytes", "must be positive")
	}
	if c.Fetch.Workers <= 0 {
		add("fetch.workers", "must be positive")
	}

	switch c.Cache.Backend {
	case "none", "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			add("cache.redis_url", "required for the redis backend")
		}
	default:
		add("cache.backend", "must be none, memory or redis, got %q", c.Cache.Backend)
	}

	switch c.Backbone.Kind {
	case model.KindONNX:
		if c.Backbone.ONNXPath == "" {
			add("backbone.onnx_path", "required for the onnx backbone")
		}
	case model.KindPatchPool:
		if c.Backbone.Grid <= 0 {
			add("backbone.grid", "must be positive")
		}
	default:
		add("backbone.kind", "must be onnx or patchpool, got %q", c.Backbone.Kind)
	}
	if c.Backbone.HiddenSize <= 0 {
		add("backbone.hidden_size", "must be positive")
	}
	if c.Backbone.ImageProcessor.Size <= 0 {
		add("backbone.image_processor.size", "must be positive")
	}

	if c.Model.RegressionWeight < 0 {
		add("model.regression_weight", "must not be negative")
	}

	errs = append(errs, c.Training.validate()...)

	switch c.Artifacts.Backend {
	case "local":
		if c.Artifacts.Dir == "" {
			add("artifacts.dir", "required for the local backend")
		}
	case "s3":
		if c.Artifacts.S3Bucket == "" {
			add("artifacts.s3_bucket", "required for the s3 backend")
		}
	default:
		add("artifacts.backend", "must be local or s3, got %q", c.Artifacts.Backend)
	}

	if c.Tracking.Enabled && c.Tracking.DSN == "" {
		add("tracking.dsn", "required when tracking is enabled")
	}

	return joinValidation(errs)
}

// Validate checks the trainer arguments on their own.
func (t Training) Validate() error {
	return joinValidation(t.validate())
}

func (t Training) validate() []error {
	var errs []error
	positive := []struct {
		field string
		value int
	}{
		{"training.num_train_epochs", t.NumTrainEpochs},
		{"training.per_device_train_batch_size", t.TrainBatchSize},
		{"training.per_device_eval_batch_size", t.EvalBatchSize},
		{"training.logging_steps", t.LoggingSteps},
		{"training.eval_steps", t.EvalSteps},
		{"training.save_steps", t.SaveSteps},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, ValidationError{Field: p.field, Message: "must be positive"})
		}
	}
	if t.WarmupSteps < 0 {
		errs = append(errs, ValidationError{Field: "training.warmup_steps", Message: "must not be negative"})
	}
	if t.SaveTotalLimit < 0 {
		errs = append(errs, ValidationError{Field: "training.save_total_limit", Message: "must not be negative"})
	}
	if t.LearningRate <= 0 {
		errs = append(errs, ValidationError{Field: "training.learning_rate", Message: "must be positive"})
	}
	if t.WeightDecay < 0 {
		errs = append(errs, ValidationError{Field: "training.weight_decay", Message: "must not be negative"})
	}
	if t.MaxGradNorm < 0 {
		errs = append(errs, ValidationError{Field: "training.max_grad_norm", Message: "must not be negative"})
	}
	if t.AdamBeta1 < 0 || t.AdamBeta1 >= 1 || t.AdamBeta2 < 0 || t.AdamBeta2 >= 1 {
		errs = append(errs, ValidationError{Field: "training.adam_beta", Message: "betas must be in [0, 1)"})
	}
	if t.AdamEpsilon <= 0 {
		errs = append(errs, ValidationError{Field: "training.adam_epsilon", Message: "must be positive"})
	}
	if t.TestSize <= 0 || t.TestSize >= 1 {
		errs = append(errs, ValidationError{Field: "training.test_size", Message: "must be in (0, 1)"})
	}
	if t.LoadBestModelAtEnd && t.EvalSteps > 0 && t.SaveSteps%t.EvalSteps != 0 {
		errs = append(errs, ValidationError{
			Field:   "training.save_steps",
			Message: fmt.Sprintf("must be a multiple of eval_steps (%d) when load_best_model_at_end is set", t.EvalSteps),
		})
	}
	return errs
}

func joinValidation(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("configuration validation failed:\n%w", errors.Join(errs...))
}
