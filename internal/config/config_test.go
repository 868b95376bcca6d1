package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultTraining(t *testing.T) {
	tr := DefaultTraining()
	assert.Equal(t, 10, tr.NumTrainEpochs)
	assert.Equal(t, 16, tr.TrainBatchSize)
	assert.Equal(t, 16, tr.EvalBatchSize)
	assert.Equal(t, 500, tr.WarmupSteps)
	assert.Equal(t, 0.01, tr.WeightDecay)
	assert.Equal(t, 10, tr.LoggingSteps)
	assert.Equal(t, 100, tr.EvalSteps)
	assert.Equal(t, 100, tr.SaveSteps)
	assert.Equal(t, 2e-5, tr.LearningRate)
	assert.True(t, tr.LoadBestModelAtEnd)
	assert.Equal(t, 0, tr.SaveTotalLimit)
	assert.Equal(t, 1.0, tr.MaxGradNorm)
	assert.Equal(t, uint64(42), tr.Seed)
	assert.Equal(t, 0.2, tr.TestSize)
	assert.NoError(t, tr.Validate())
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HF_TOKEN", "secret")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "hub", cfg.Dataset.Source)
	assert.Equal(t, "secret", cfg.Dataset.Token)
	assert.Equal(t, 224, cfg.Backbone.ImageProcessor.Size)
	assert.Equal(t, 0.5, cfg.Model.RegressionWeight)
	assert.Equal(t, 256, cfg.Model.NutritionHidden)
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := writeYAML(t, `
dataset:
  source: jsonl
  path: data/foods.jsonl
fetch:
  timeout: 3s
  workers: 4
backbone:
  kind: patchpool
  hidden_size: 32
  grid: 2
  image_processor:
    size: 64
    mean: [0.485, 0.456, 0.406]
    std: [0.229, 0.224, 0.225]
training:
  num_train_epochs: 2
  eval_steps: 5
  save_steps: 10
  save_total_limit: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "jsonl", cfg.Dataset.Source)
	assert.Equal(t, 3*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 4, cfg.Fetch.Workers)
	assert.Equal(t, "patchpool", cfg.Backbone.Kind)
	assert.Equal(t, 64, cfg.Backbone.ImageProcessor.Size)
	assert.Equal(t, [3]float64{0.229, 0.224, 0.225}, cfg.Backbone.ImageProcessor.Std)
	assert.Equal(t, 2, cfg.Training.NumTrainEpochs)
	assert.Equal(t, 2, cfg.Training.SaveTotalLimit)

	// untouched fields keep their defaults
	assert.Equal(t, 16, cfg.Training.TrainBatchSize)
	assert.Equal(t, 2e-5, cfg.Training.LearningRate)
	assert.Equal(t, int64(20<<20), cfg.Fetch.MaxBytes)
}

func TestLoadRejectsSaveStepsNotMultipleOfEvalSteps(t *testing.T) {
	path := writeYAML(t, `
training:
  eval_steps: 30
  save_steps: 100
`)
	_, err := Load(path)
	require.Error(t, err)

	var verr ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "training.save_steps", verr.Field)

	path = writeYAML(t, `
training:
  eval_steps: 30
  save_steps: 100
  load_best_model_at_end: false
`)
	_, err = Load(path)
	assert.NoError(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Dataset.Source = "ftp"
	cfg.Cache.Backend = "redis"
	cfg.Training.LearningRate = 0
	cfg.Training.TestSize = 1

	err := cfg.Validate()
	require.Error(t, err)
	for _, field := range []string{"dataset.source", "cache.redis_url", "training.learning_rate", "training.test_size"} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeYAML(t, "training: [1, 2"))
	assert.Error(t, err)
}

func TestLoadServer(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ARTIFACT_DIR", "/tmp/model")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("SHUTDOWN_TIMEOUT", "2s")

	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "/tmp/model", cfg.ArtifactDir)
	assert.Equal(t, "final/model.json", cfg.ArtifactKey)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 2*time.Second, cfg.ShutdownTimeout)
}

func TestLoadServerValidation(t *testing.T) {
	t.Setenv("ARTIFACT_BACKEND", "s3")
	t.Setenv("S3_BUCKET_NAME", "")
	_, err := LoadServer()
	assert.Error(t, err)

	t.Setenv("ARTIFACT_BACKEND", "local")
	t.Setenv("SHUTDOWN_TIMEOUT", "soon")
	_, err = LoadServer()
	assert.Error(t, err)
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load("../../configs/train.example.yaml")
	require.NoError(t, err)
	assert.Equal(t, Default().Training, cfg.Training)
	assert.Equal(t, Default().Backbone, cfg.Backbone)
	assert.Equal(t, "memory", cfg.Cache.Backend)
}
