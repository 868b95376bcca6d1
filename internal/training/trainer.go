package training

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"path"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Brownie44l1/foodfocus/internal/config"
	"github.com/Brownie44l1/foodfocus/internal/dataset"
	"github.com/Brownie44l1/foodfocus/internal/model"
	"github.com/Brownie44l1/foodfocus/internal/preprocess"
)

// FinalPrefix is where the exported model is written.
const FinalPrefix = "final"

// State is the trainer's position in its run.
type State int32

const (
	Idle State = iota
	Preprocessing
	Forward
	BackwardUpdate
	Evaluating
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preprocessing:
		return "preprocessing"
	case Forward:
		return "forward"
	case BackwardUpdate:
		return "backward_update"
	case Evaluating:
		return "evaluating"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// BatchProcessor turns records into aligned batches. *preprocess.Preprocessor
// implements it.
type BatchProcessor interface {
	Process(ctx context.Context, records []dataset.Record) (*preprocess.Batch, error)
	Processor() *preprocess.ImageProcessor
}

type Options struct {
	Reporter Reporter
	// Scheduler overrides the linear warmup/decay schedule.
	Scheduler LRScheduler
	RunID     string
}

// Trainer runs the multi-task fine-tuning loop.
type Trainer struct {
	args      config.Training
	model     *model.MultiTaskModel
	prep      BatchProcessor
	train     []dataset.Record
	eval      []dataset.Record
	store     ArtifactStore
	reporter  Reporter
	scheduler LRScheduler
	optimizer *AdamW
	ckpts     *checkpointManager
	runID     string

	state atomic.Int32

	stepsPerEpoch int
	totalSteps    int
	step          int
	epoch         float64
	lr            float64
	skipped       int

	evalBatches []*preprocess.Batch
	evalReady   bool
	lastEval    *EvalMetrics
}

func NewTrainer(args config.Training, m *model.MultiTaskModel, prep BatchProcessor, train, eval []dataset.Record, store ArtifactStore, opts Options) (*Trainer, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if m == nil || prep == nil || store == nil {
		return nil, errors.New("trainer: model, preprocessor and store are required")
	}
	if len(train) == 0 {
		return nil, errors.New("trainer: no training records")
	}

	t := &Trainer{
		args:     args,
		model:    m,
		prep:     prep,
		train:    train,
		eval:     eval,
		store:    store,
		reporter: opts.Reporter,
		optimizer: NewAdamW(AdamWConfig{
			Beta1:       args.AdamBeta1,
			Beta2:       args.AdamBeta2,
			Epsilon:     args.AdamEpsilon,
			WeightDecay: args.WeightDecay,
		}),
		ckpts: newCheckpointManager(store, args.SaveTotalLimit),
		runID: opts.RunID,
	}
	if t.runID == "" {
		t.runID = uuid.NewString()
	}

	t.stepsPerEpoch = (len(train) + args.TrainBatchSize - 1) / args.TrainBatchSize
	t.totalSteps = t.stepsPerEpoch * args.NumTrainEpochs
	t.scheduler = opts.Scheduler
	if t.scheduler == nil {
		t.scheduler = NewLinearWarmupScheduler(args.WarmupSteps, t.totalSteps)
	}
	return t, nil
}

func (t *Trainer) State() State     { return State(t.state.Load()) }
func (t *Trainer) setState(s State) { t.state.Store(int32(s)) }
func (t *Trainer) RunID() string    { return t.runID }
func (t *Trainer) TotalSteps() int  { return t.totalSteps }

// Train runs every epoch, then restores the best checkpoint if configured
// and exports the final artifact. It can only be called once.
func (t *Trainer) Train(ctx context.Context) (summary *Summary, err error) {
	if !t.state.CompareAndSwap(int32(Idle), int32(Preprocessing)) {
		return nil, fmt.Errorf("trainer: cannot train from state %s", t.State())
	}
	start := time.Now()
	defer func() {
		if err != nil {
			t.setState(Failed)
			log.Printf("[Trainer] Run %s failed at step %d: %v", t.runID, t.step, err)
		}
		if t.reporter != nil {
			// the run's ctx may already be canceled
			if rerr := t.reporter.RunFinished(context.WithoutCancel(ctx), t.runID, summary, err); rerr != nil {
				log.Printf("[Trainer] Reporter error: %v", rerr)
			}
		}
	}()

	t.report(func(r Reporter) error {
		return r.RunStarted(ctx, RunInfo{
			RunID:        t.runID,
			Args:         t.args,
			Backbone:     t.model.Backbone().Kind(),
			NumLabels:    t.model.Vocabulary().Size(),
			TrainSamples: len(t.train),
			EvalSamples:  len(t.eval),
			TotalSteps:   t.totalSteps,
			StartedAt:    start,
		})
	})
	log.Printf("[Trainer] Run %s: %d train / %d eval records, %d epochs, %d steps per epoch, %d total steps, scheduler %s",
		t.runID, len(t.train), len(t.eval), t.args.NumTrainEpochs, t.stepsPerEpoch, t.totalSteps, t.scheduler.GetName())

	t.model.ZeroGrad()
	rng := rand.New(rand.NewPCG(t.args.Seed, t.args.Seed))
	order := make([]int, len(t.train))
	for i := range order {
		order[i] = i
	}

	var lossSum, windowSum float64
	var windowSteps int
	for epoch := 0; epoch < t.args.NumTrainEpochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		for b := 0; b < t.stepsPerEpoch; b++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			t.setState(Preprocessing)
			batch, err := t.prep.Process(ctx, t.batchRecords(order, b))
			if err != nil {
				return nil, fmt.Errorf("preprocess batch %d of epoch %d: %w", b, epoch, err)
			}
			t.epoch = float64(epoch) + float64(b+1)/float64(t.stepsPerEpoch)
			if batch.Empty() {
				t.skipped++
				log.Printf("[Trainer] Skipping empty batch %d of epoch %d", b, epoch)
				continue
			}

			loss, err := t.trainStep(ctx, epoch, batch)
			if err != nil {
				return nil, err
			}
			lossSum += loss
			windowSum += loss
			windowSteps++

			if t.step%t.args.LoggingSteps == 0 {
				log.Printf("[Trainer] {'loss': %.4f, 'learning_rate': %.3g, 'epoch': %.2f, 'step': %d}",
					windowSum/float64(windowSteps), t.lr, t.epoch, t.step)
				windowSum, windowSteps = 0, 0
			}
			if t.step%t.args.EvalSteps == 0 {
				if err := t.evaluate(ctx); err != nil {
					return nil, err
				}
			}
			if t.step%t.args.SaveSteps == 0 {
				if err := t.saveCheckpoint(ctx); err != nil {
					return nil, err
				}
			}
		}
	}

	summary, err = t.finish(ctx)
	if err != nil {
		return nil, err
	}
	if t.step > 0 {
		summary.TrainLoss = lossSum / float64(t.step)
	}
	summary.Duration = time.Since(start)
	t.setState(Completed)
	log.Printf("[Trainer] Run %s completed: %d steps (%d batches skipped), train loss %.4f in %s",
		t.runID, summary.Steps, summary.SkippedBatches, summary.TrainLoss, summary.Duration.Round(time.Millisecond))
	return summary, nil
}

func (t *Trainer) batchRecords(order []int, b int) []dataset.Record {
	from := b * t.args.TrainBatchSize
	to := min(from+t.args.TrainBatchSize, len(order))
	records := make([]dataset.Record, 0, to-from)
	for _, idx := range order[from:to] {
		records = append(records, t.train[idx])
	}
	return records
}

func (t *Trainer) trainStep(ctx context.Context, epoch int, batch *preprocess.Batch) (float64, error) {
	t.setState(Forward)
	out, err := t.model.ForwardWithTargets(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("forward at step %d: %w", t.step+1, err)
	}
	if math.IsNaN(out.Loss) || math.IsInf(out.Loss, 0) {
		return 0, fmt.Errorf("non-finite loss at step %d", t.step+1)
	}

	t.setState(BackwardUpdate)
	if err := t.model.Backward(ctx, out); err != nil {
		return 0, fmt.Errorf("backward at step %d: %w", t.step+1, err)
	}
	params := t.model.Params()
	ClipGradNorm(params, t.args.MaxGradNorm)
	t.lr = t.scheduler.GetLR(epoch, t.step, t.args.LearningRate)
	t.optimizer.Step(params, t.lr)
	t.model.ZeroGrad()
	t.step++
	return out.Loss, nil
}

// evaluate runs the eval split. Its batches are preprocessed on the first
// call and reused afterwards.
func (t *Trainer) evaluate(ctx context.Context) error {
	t.setState(Evaluating)
	metrics, err := t.Evaluate(ctx)
	if err != nil {
		return err
	}
	if metrics == nil {
		log.Printf("[Trainer] No eval samples at step %d", t.step)
		return nil
	}
	t.lastEval = metrics
	log.Printf("[Trainer] Step %d (epoch %.2f): %s", t.step, t.epoch, metrics)
	t.report(func(r Reporter) error { return r.Evaluated(ctx, t.runID, t.step, t.epoch, metrics) })
	return nil
}

// Evaluate computes metrics over the eval split with the current weights.
// It returns nil metrics when no eval sample survives preprocessing.
func (t *Trainer) Evaluate(ctx context.Context) (*EvalMetrics, error) {
	if !t.evalReady {
		for from := 0; from < len(t.eval); from += t.args.EvalBatchSize {
			to := min(from+t.args.EvalBatchSize, len(t.eval))
			batch, err := t.prep.Process(ctx, t.eval[from:to])
			if err != nil {
				return nil, fmt.Errorf("preprocess eval batch: %w", err)
			}
			if !batch.Empty() {
				t.evalBatches = append(t.evalBatches, batch)
			}
		}
		t.evalReady = true
	}

	var acc metricsAccumulator
	for _, batch := range t.evalBatches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := t.model.ForwardWithTargets(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("eval forward: %w", err)
		}
		acc.add(out, batch)
	}
	return acc.result(), nil
}

func (t *Trainer) artifact() *model.Artifact {
	a := t.model.Artifact(t.prep.Processor().Config())
	a.Metadata.RunID = t.runID
	state := &model.TrainingState{Epoch: t.epoch, Step: t.step, LearningRate: t.lr, TotalSteps: t.totalSteps}
	if t.lastEval != nil {
		state.EvalLoss = t.lastEval.Loss
	}
	if best, ok := t.ckpts.bestCheckpoint(); ok {
		state.BestEvalLoss = best.evalLoss
	}
	a.TrainingState = state
	return a
}

func (t *Trainer) saveCheckpoint(ctx context.Context) error {
	var evalLoss float64
	hasEval := t.lastEval != nil
	if hasEval {
		evalLoss = t.lastEval.Loss
	}

	info, removed, err := t.ckpts.save(ctx, t.step, t.artifact(), evalLoss, hasEval)
	if err != nil {
		return err
	}
	log.Printf("[Trainer] Saved checkpoint %s (best: %t)", info.Key, info.Best)
	t.report(func(r Reporter) error { return r.CheckpointSaved(ctx, t.runID, info) })
	for _, step := range removed {
		t.report(func(r Reporter) error { return r.CheckpointDeleted(ctx, t.runID, step) })
	}
	return nil
}

// finish restores the best checkpoint when configured and exports the
// final artifact.
func (t *Trainer) finish(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		RunID:          t.runID,
		Steps:          t.step,
		SkippedBatches: t.skipped,
		Epochs:         t.epoch,
		BestStep:       -1,
	}

	if best, ok := t.ckpts.bestCheckpoint(); ok {
		summary.BestStep = best.step
		summary.BestEvalLoss = best.evalLoss

		if t.args.LoadBestModelAtEnd {
			a, err := t.ckpts.loadBest(ctx)
			if err != nil {
				return nil, err
			}
			if err := t.model.LoadStateDict(a.Weights); err != nil {
				return nil, fmt.Errorf("failed to restore best checkpoint: %w", err)
			}
			log.Printf("[Trainer] Loaded best checkpoint from step %d (eval loss %.4f)", best.step, best.evalLoss)

			removed, err := t.ckpts.keepOnlyBest(ctx)
			if err != nil {
				return nil, err
			}
			for _, step := range removed {
				t.report(func(r Reporter) error { return r.CheckpointDeleted(ctx, t.runID, step) })
			}
		}
	}

	if len(t.eval) > 0 {
		t.setState(Evaluating)
		metrics, err := t.Evaluate(ctx)
		if err != nil {
			return nil, err
		}
		summary.FinalEval = metrics
	}

	key, err := t.export(ctx)
	if err != nil {
		return nil, err
	}
	summary.ArtifactKey = key
	return summary, nil
}

func (t *Trainer) export(ctx context.Context) (string, error) {
	var buf bytes.Buffer
	if err := model.WriteArtifact(&buf, t.artifact()); err != nil {
		return "", err
	}
	key := path.Join(FinalPrefix, model.ModelFile)
	if err := t.store.Put(ctx, key, buf.Bytes()); err != nil {
		return "", fmt.Errorf("failed to export model: %w", err)
	}

	if bb, ok := t.model.Backbone().(*model.ONNXBackbone); ok {
		graph, err := os.ReadFile(bb.Config().ModelPath)
		if err != nil {
			return "", fmt.Errorf("failed to read backbone graph: %w", err)
		}
		if err := t.store.Put(ctx, path.Join(FinalPrefix, model.BackboneFile), graph); err != nil {
			return "", fmt.Errorf("failed to export backbone graph: %w", err)
		}
	}
	log.Printf("[Trainer] Exported model to %s", key)
	return key, nil
}

func (t *Trainer) report(fn func(Reporter) error) {
	if t.reporter == nil {
		return
	}
	if err := fn(t.reporter); err != nil {
		log.Printf("[Trainer] Reporter error: %v", err)
	}
}
