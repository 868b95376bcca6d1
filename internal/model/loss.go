package model

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/Brownie44l1/foodfocus/internal/nutrition"
)

// DefaultRegressionWeight is the fixed weight of the nutrition loss in the
// combined objective.
const DefaultRegressionWeight = 0.5

// ErrLabelRange is returned when a label does not fit the classification
// head, which means the vocabulary and the model disagree.
var ErrLabelRange = errors.New("label outside classification head range")

// CombineLoss is the multi-task objective: cls + alpha*reg.
func CombineLoss(cls, reg, alpha float64) float64 {
	return cls + alpha*reg
}

// Softmax returns the normalized exponentials of logits.
func Softmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxLogit := floats.Max(logits)
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
		sum += out[i]
	}
	floats.Scale(1/sum, out)
	return out
}

// CrossEntropy is the mean multi-class cross-entropy between logits
// [B x K] and integer labels. It also returns the gradient with respect to
// the logits.
func CrossEntropy(logits *mat.Dense, labels []int) (float64, *mat.Dense, error) {
	rows, k := logits.Dims()
	if rows != len(labels) {
		return 0, nil, fmt.Errorf("cross entropy: %d logit rows for %d labels", rows, len(labels))
	}

	grad := mat.NewDense(rows, k, nil)
	var loss float64
	for i, label := range labels {
		if label < 0 || label >= k {
			return 0, nil, fmt.Errorf("%w: label %d with %d classes", ErrLabelRange, label, k)
		}
		row := logits.RawRowView(i)
		logSum := floats.LogSumExp(row)
		loss += logSum - row[label]

		g := grad.RawRowView(i)
		for j, v := range row {
			g[j] = math.Exp(v-logSum) / float64(rows)
		}
		g[label] -= 1 / float64(rows)
	}
	return loss / float64(rows), grad, nil
}

// MSE is the mean squared error over every element of pred [B x 5] and the
// target vectors, with its gradient with respect to pred.
func MSE(pred *mat.Dense, targets []nutrition.Vector) (float64, *mat.Dense, error) {
	rows, cols := pred.Dims()
	if rows != len(targets) || cols != nutrition.NumFields {
		return 0, nil, fmt.Errorf("mse: prediction %dx%d for %d targets of %d fields", rows, cols, len(targets), nutrition.NumFields)
	}

	n := float64(rows * cols)
	grad := mat.NewDense(rows, cols, nil)
	var loss float64
	for i, target := range targets {
		p := pred.RawRowView(i)
		g := grad.RawRowView(i)
		for j := range p {
			diff := p[j] - target[j]
			loss += diff * diff
			g[j] = 2 * diff / n
		}
	}
	return loss / n, grad, nil
}
