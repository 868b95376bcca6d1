package training

import (
	"context"
	"time"

	"github.com/Brownie44l1/foodfocus/internal/config"
)

// ArtifactStore is where checkpoints and the final model are written.
// store.LocalStore and store.S3Store implement it.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Reporter observes a training run. Errors returned by a reporter are
// logged and never stop training.
type Reporter interface {
	RunStarted(ctx context.Context, info RunInfo) error
	Evaluated(ctx context.Context, runID string, step int, epoch float64, metrics *EvalMetrics) error
	CheckpointSaved(ctx context.Context, runID string, cp CheckpointInfo) error
	CheckpointDeleted(ctx context.Context, runID string, step int) error
	RunFinished(ctx context.Context, runID string, summary *Summary, runErr error) error
}

type RunInfo struct {
	RunID        string
	Args         config.Training
	Backbone     string
	NumLabels    int
	TrainSamples int
	EvalSamples  int
	TotalSteps   int
	StartedAt    time.Time
}

type CheckpointInfo struct {
	Step     int
	Key      string
	EvalLoss float64
	HasEval  bool
	Best     bool
}

// Summary describes a finished run.
type Summary struct {
	RunID          string
	Steps          int
	SkippedBatches int
	Epochs         float64
	TrainLoss      float64
	BestStep       int
	BestEvalLoss   float64
	FinalEval      *EvalMetrics
	ArtifactKey    string
	Duration       time.Duration
}
