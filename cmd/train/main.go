package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Brownie44l1/foodfocus/internal/config"
	"github.com/Brownie44l1/foodfocus/internal/dataset"
	"github.com/Brownie44l1/foodfocus/internal/fetch"
	"github.com/Brownie44l1/foodfocus/internal/model"
	"github.com/Brownie44l1/foodfocus/internal/preprocess"
	"github.com/Brownie44l1/foodfocus/internal/store"
	"github.com/Brownie44l1/foodfocus/internal/training"
)

func main() {
	configPath := flag.String("config", "", "path to the training YAML config (defaults apply when empty)")
	runID := flag.String("run-id", "", "run id (random when empty)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[Train] Failed to load .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[Train] Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *runID); err != nil {
		stop()
		log.Fatalf("[Train] %v", err)
	}
}

func loadRecords(ctx context.Context, cfg config.Dataset) ([]dataset.Record, error) {
	switch cfg.Source {
	case "jsonl":
		log.Printf("[Train] Loading dataset from %s", cfg.Path)
		return dataset.LoadJSONL(cfg.Path)
	default:
		log.Printf("[Train] Loading dataset %s (%s/%s) from %s", cfg.Name, cfg.Config, cfg.Split, cfg.Endpoint)
		client := dataset.NewHubClient(cfg.Endpoint, cfg.Token, cfg.Timeout)
		return client.Rows(ctx, cfg.Name, cfg.Config, cfg.Split)
	}
}

func newCache(ctx context.Context, cfg config.Cache) (fetch.Cache, func(), error) {
	switch cfg.Backend {
	case "memory":
		c := fetch.NewMemoryCache(cfg.MaxItems, cfg.MaxBytes)
		return c, func() { log.Printf("[Train] Image cache: %s", c.Stats()) }, nil
	case "redis":
		client, err := fetch.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return fetch.NewRedisCache(client, "foodfocus:img:", cfg.TTL), func() { _ = client.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

func newBackbone(cfg config.Backbone, seed uint64) (model.Backbone, error) {
	switch cfg.Kind {
	case model.KindPatchPool:
		return model.NewPatchPoolBackbone(3, cfg.Grid, cfg.HiddenSize, seed)
	case model.KindONNX:
		return model.NewONNXBackbone(model.ONNXConfig{
			ModelPath:         cfg.ONNXPath,
			SharedLibraryPath: cfg.SharedLibrary,
			InputName:         cfg.InputName,
			OutputName:        cfg.OutputName,
			HiddenSize:        cfg.HiddenSize,
		})
	default:
		return nil, fmt.Errorf("unknown backbone kind %q", cfg.Kind)
	}
}

func run(ctx context.Context, cfg *config.Config, runID string) error {
	records, err := loadRecords(ctx, cfg.Dataset)
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}
	records = dataset.DropUnlabeled(records)
	if len(records) == 0 {
		return errors.New("dataset has no labeled records")
	}
	trainRecords, evalRecords := dataset.Split(records, cfg.Training.TestSize, cfg.Training.Seed)
	vocab, err := dataset.NewVocabulary(dataset.Names(records))
	if err != nil {
		return fmt.Errorf("failed to build label vocabulary: %w", err)
	}
	log.Printf("[Train] %d records, %d labels, %d train / %d eval",
		len(records), vocab.Size(), len(trainRecords), len(evalRecords))

	cache, closeCache, err := newCache(ctx, cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to create image cache: %w", err)
	}
	defer closeCache()

	fetcher := fetch.New(fetch.Options{
		Timeout:   cfg.Fetch.Timeout,
		MaxBytes:  cfg.Fetch.MaxBytes,
		UserAgent: cfg.Fetch.UserAgent,
		Cache:     cache,
	})
	processor, err := preprocess.NewImageProcessor(cfg.Backbone.ImageProcessor)
	if err != nil {
		return err
	}
	prep := preprocess.NewPreprocessor(fetcher, processor, vocab, cfg.Fetch.Workers)

	backbone, err := newBackbone(cfg.Backbone, cfg.Model.Seed)
	if err != nil {
		return fmt.Errorf("failed to create backbone: %w", err)
	}
	if onnx, ok := backbone.(*model.ONNXBackbone); ok {
		defer onnx.Close()
	}
	m, err := model.NewMultiTaskModel(backbone, vocab, cfg.Model)
	if err != nil {
		return err
	}

	artifacts, err := store.Open(ctx, store.Options{
		Backend:    cfg.Artifacts.Backend,
		Dir:        cfg.Artifacts.Dir,
		S3Bucket:   cfg.Artifacts.S3Bucket,
		S3Prefix:   cfg.Artifacts.S3Prefix,
		S3Region:   cfg.Artifacts.S3Region,
		S3Endpoint: cfg.Artifacts.S3Endpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}

	opts := training.Options{RunID: runID}
	if cfg.Tracking.Enabled {
		db, err := store.OpenDB(cfg.Tracking.DSN)
		if err != nil {
			return err
		}
		tracker, err := store.NewRunTracker(db)
		if err != nil {
			return err
		}
		opts.Reporter = tracker
	}

	trainer, err := training.NewTrainer(cfg.Training, m, prep, trainRecords, evalRecords, artifacts, opts)
	if err != nil {
		return err
	}

	summary, err := trainer.Train(ctx)
	if err != nil {
		return fmt.Errorf("training run %s failed: %w", trainer.RunID(), err)
	}

	log.Printf("[Train] Run %s finished in %s: %d steps, train loss %.4f",
		summary.RunID, summary.Duration, summary.Steps, summary.TrainLoss)
	if summary.BestStep >= 0 {
		log.Printf("[Train] Best checkpoint at step %d (eval loss %.4f)", summary.BestStep, summary.BestEvalLoss)
	}
	if summary.FinalEval != nil {
		log.Printf("[Train] Final eval: %s", summary.FinalEval)
	}
	log.Printf("[Train] Model exported to %s", summary.ArtifactKey)
	return nil
}
