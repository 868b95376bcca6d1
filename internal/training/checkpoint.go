package training

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/Brownie44l1/foodfocus/internal/model"
)

const checkpointPrefix = "checkpoints"

// CheckpointDir is the store prefix of the checkpoint taken at step.
func CheckpointDir(step int) string {
	return fmt.Sprintf("%s/checkpoint-%d/", checkpointPrefix, step)
}

type checkpoint struct {
	step     int
	evalLoss float64
	hasEval  bool
}

func (c checkpoint) key() string { return path.Join(CheckpointDir(c.step), model.ModelFile) }

// checkpointManager keeps the list of checkpoints in the store, tracks the
// best one by eval loss and rotates old ones out.
type checkpointManager struct {
	store ArtifactStore
	limit int
	saved []checkpoint
	best  int // index into saved, -1 when no checkpoint has an eval loss
}

func newCheckpointManager(store ArtifactStore, limit int) *checkpointManager {
	return &checkpointManager{store: store, limit: limit, best: -1}
}

func (c *checkpointManager) bestCheckpoint() (checkpoint, bool) {
	if c.best < 0 {
		return checkpoint{}, false
	}
	return c.saved[c.best], true
}

// save writes the artifact for step and reports whether it is the new
// best along with the steps of checkpoints removed by rotation.
func (c *checkpointManager) save(ctx context.Context, step int, a *model.Artifact, evalLoss float64, hasEval bool) (CheckpointInfo, []int, error) {
	cp := checkpoint{step: step, evalLoss: evalLoss, hasEval: hasEval}

	var buf bytes.Buffer
	if err := model.WriteArtifact(&buf, a); err != nil {
		return CheckpointInfo{}, nil, err
	}
	if err := c.store.Put(ctx, cp.key(), buf.Bytes()); err != nil {
		return CheckpointInfo{}, nil, fmt.Errorf("failed to save checkpoint %d: %w", step, err)
	}

	c.saved = append(c.saved, cp)
	isBest := false
	if hasEval {
		if cur, ok := c.bestCheckpoint(); !ok || evalLoss < cur.evalLoss {
			c.best = len(c.saved) - 1
			isBest = true
		}
	}

	removed, err := c.rotate(ctx)
	if err != nil {
		return CheckpointInfo{}, nil, err
	}
	return CheckpointInfo{Step: step, Key: cp.key(), EvalLoss: evalLoss, HasEval: hasEval, Best: isBest}, removed, nil
}

// rotate deletes the oldest checkpoints beyond the limit. The best and the
// most recent checkpoint are never deleted.
func (c *checkpointManager) rotate(ctx context.Context) ([]int, error) {
	if c.limit <= 0 {
		return nil, nil
	}
	var removed []int
	for i := 0; len(c.saved) > c.limit && i < len(c.saved)-1; {
		if i == c.best {
			i++
			continue
		}
		if err := c.remove(ctx, c.saved[i]); err != nil {
			return removed, err
		}
		removed = append(removed, c.saved[i].step)
		c.drop(i)
	}
	return removed, nil
}

// keepOnlyBest deletes every checkpoint except the best.
func (c *checkpointManager) keepOnlyBest(ctx context.Context) ([]int, error) {
	if c.best < 0 {
		return nil, nil
	}
	var removed []int
	for i := 0; i < len(c.saved); {
		if i == c.best {
			i++
			continue
		}
		if err := c.remove(ctx, c.saved[i]); err != nil {
			return removed, err
		}
		removed = append(removed, c.saved[i].step)
		c.drop(i)
	}
	return removed, nil
}

func (c *checkpointManager) drop(i int) {
	c.saved = append(c.saved[:i], c.saved[i+1:]...)
	if c.best > i {
		c.best--
	}
}

func (c *checkpointManager) remove(ctx context.Context, cp checkpoint) error {
	dir := CheckpointDir(cp.step)
	keys, err := c.store.List(ctx, dir)
	if err != nil {
		return fmt.Errorf("failed to list checkpoint %d: %w", cp.step, err)
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, dir) {
			continue
		}
		if err := c.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	log.Printf("[Trainer] Deleted checkpoint %s", dir)
	return nil
}

func (c *checkpointManager) loadBest(ctx context.Context) (*model.Artifact, error) {
	cp, ok := c.bestCheckpoint()
	if !ok {
		return nil, fmt.Errorf("no best checkpoint")
	}
	data, err := c.store.Get(ctx, cp.key())
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %d: %w", cp.step, err)
	}
	return model.ReadArtifact(bytes.NewReader(data))
}
