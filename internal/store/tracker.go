package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Brownie44l1/foodfocus/internal/training"
)

// Run is one training run.
type Run struct {
	ID           string `gorm:"primaryKey;size:36"`
	Status       string `gorm:"size:20;not null;index"`
	Backbone     string `gorm:"size:50"`
	NumLabels    int
	TrainSamples int
	EvalSamples  int
	TotalSteps   int
	Steps        int
	Skipped      int
	TrainLoss    float64
	BestStep     *int
	BestEvalLoss *float64
	ArtifactKey  string
	Args         string `gorm:"type:text"`
	Error        string `gorm:"type:text"`
	StartedAt    time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Evaluations []Evaluation `gorm:"foreignKey:RunID"`
	Checkpoints []Checkpoint `gorm:"foreignKey:RunID"`
}

// Evaluation is one eval pass of a run.
type Evaluation struct {
	ID        uint   `gorm:"primaryKey"`
	RunID     string `gorm:"size:36;not null;index"`
	Step      int    `gorm:"not null"`
	Epoch     float64
	Loss      float64
	ClassLoss float64
	RegLoss   float64
	Accuracy  float64
	Samples   int
	Nutrition []training.FieldMetrics `gorm:"serializer:json"`
	CreatedAt time.Time
}

// Checkpoint is a saved checkpoint of a run.
type Checkpoint struct {
	ID        uint   `gorm:"primaryKey"`
	RunID     string `gorm:"size:36;not null;index"`
	Step      int    `gorm:"not null"`
	Key       string `gorm:"size:255"`
	EvalLoss  *float64
	Best      bool
	DeletedAt *time.Time
	CreatedAt time.Time
}

const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// RunTracker records runs, evaluations and checkpoints in a SQL database.
type RunTracker struct {
	db *gorm.DB
}

var _ training.Reporter = (*RunTracker)(nil)

// OpenDB opens postgres for postgres:// DSNs and sqlite otherwise.
func OpenDB(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	return db, nil
}

// NewRunTracker migrates the tracker tables.
func NewRunTracker(db *gorm.DB) (*RunTracker, error) {
	if err := db.AutoMigrate(&Run{}, &Evaluation{}, &Checkpoint{}); err != nil {
		return nil, fmt.Errorf("failed to migrate tracker tables: %w", err)
	}
	return &RunTracker{db: db}, nil
}

func (t *RunTracker) RunStarted(ctx context.Context, info training.RunInfo) error {
	args, err := json.Marshal(info.Args)
	if err != nil {
		return err
	}
	return t.db.WithContext(ctx).Create(&Run{
		ID:           info.RunID,
		Status:       RunRunning,
		Backbone:     info.Backbone,
		NumLabels:    info.NumLabels,
		TrainSamples: info.TrainSamples,
		EvalSamples:  info.EvalSamples,
		TotalSteps:   info.TotalSteps,
		Args:         string(args),
		StartedAt:    info.StartedAt,
	}).Error
}

func (t *RunTracker) Evaluated(ctx context.Context, runID string, step int, epoch float64, m *training.EvalMetrics) error {
	return t.db.WithContext(ctx).Create(&Evaluation{
		RunID:     runID,
		Step:      step,
		Epoch:     epoch,
		Loss:      m.Loss,
		ClassLoss: m.ClassLoss,
		RegLoss:   m.RegLoss,
		Accuracy:  m.Accuracy,
		Samples:   m.Samples,
		Nutrition: m.Nutrition,
	}).Error
}

func (t *RunTracker) CheckpointSaved(ctx context.Context, runID string, cp training.CheckpointInfo) error {
	row := &Checkpoint{RunID: runID, Step: cp.Step, Key: cp.Key, Best: cp.Best}
	if cp.HasEval {
		loss := cp.EvalLoss
		row.EvalLoss = &loss
	}
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cp.Best {
			if err := tx.Model(&Checkpoint{}).
				Where("run_id = ? AND best = ?", runID, true).
				Update("best", false).Error; err != nil {
				return err
			}
		}
		return tx.Create(row).Error
	})
}

func (t *RunTracker) CheckpointDeleted(ctx context.Context, runID string, step int) error {
	return t.db.WithContext(ctx).Model(&Checkpoint{}).
		Where("run_id = ? AND step = ?", runID, step).
		Update("deleted_at", time.Now()).Error
}

func (t *RunTracker) RunFinished(ctx context.Context, runID string, s *training.Summary, runErr error) error {
	now := time.Now()
	updates := map[string]any{
		"status":      RunCompleted,
		"finished_at": &now,
	}
	if runErr != nil {
		updates["status"] = RunFailed
		updates["error"] = runErr.Error()
	}
	if s != nil {
		updates["steps"] = s.Steps
		updates["skipped"] = s.SkippedBatches
		updates["train_loss"] = s.TrainLoss
		updates["artifact_key"] = s.ArtifactKey
		if s.BestStep >= 0 {
			updates["best_step"] = s.BestStep
			updates["best_eval_loss"] = s.BestEvalLoss
		}
	}
	return t.db.WithContext(ctx).Model(&Run{}).Where("id = ?", runID).Updates(updates).Error
}

// GetRun loads a run with its evaluations and checkpoints ordered by step.
func (t *RunTracker) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	err := t.db.WithContext(ctx).
		Preload("Evaluations", func(db *gorm.DB) *gorm.DB { return db.Order("step") }).
		Preload("Checkpoints", func(db *gorm.DB) *gorm.DB { return db.Order("step") }).
		First(&run, "id = ?", runID).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}
