package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/Brownie44l1/foodfocus/internal/model"
	"github.com/Brownie44l1/foodfocus/internal/nutrition"
	"github.com/Brownie44l1/foodfocus/internal/preprocess"
)

// EvalMetrics summarizes one evaluation pass. Losses are sample-weighted
// means over every evaluated batch.
type EvalMetrics struct {
	Loss      float64        `json:"eval_loss"`
	ClassLoss float64        `json:"eval_class_loss"`
	RegLoss   float64        `json:"eval_reg_loss"`
	Accuracy  float64        `json:"eval_accuracy"`
	Samples   int            `json:"eval_samples"`
	Nutrition []FieldMetrics `json:"eval_nutrition"`
}

// FieldMetrics holds regression metrics for one nutrition field.
type FieldMetrics struct {
	Field string  `json:"field"`
	MAE   float64 `json:"mae"`
	RMSE  float64 `json:"rmse"`
	R2    float64 `json:"r2"`
}

func (m *EvalMetrics) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "eval_loss=%.4f cls=%.4f reg=%.4f acc=%.2f%% n=%d",
		m.Loss, m.ClassLoss, m.RegLoss, m.Accuracy*100, m.Samples)
	for _, f := range m.Nutrition {
		fmt.Fprintf(&b, " %s_mae=%.3f", strings.ToLower(f.Field), f.MAE)
	}
	return b.String()
}

type fieldStats struct {
	sumAbsErr float64
	sumSqErr  float64
	sumTrue   float64
	sumSqTrue float64
}

// metricsAccumulator collects per-batch results without keeping the
// predictions around.
type metricsAccumulator struct {
	samples   int
	loss      float64
	classLoss float64
	regLoss   float64
	correct   int
	fields    [nutrition.NumFields]fieldStats
}

func (a *metricsAccumulator) add(out *model.Output, batch *preprocess.Batch) {
	n := batch.Len()
	a.samples += n
	a.loss += out.Loss * float64(n)
	a.classLoss += out.ClassLoss * float64(n)
	a.regLoss += out.RegLoss * float64(n)

	for i := 0; i < n; i++ {
		row := out.Logits.RawRowView(i)
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		if best == batch.Labels[i] {
			a.correct++
		}

		pred := out.NutritionRow(i)
		for f := range a.fields {
			truth := batch.Targets[i][f]
			diff := pred[f] - truth
			s := &a.fields[f]
			s.sumAbsErr += math.Abs(diff)
			s.sumSqErr += diff * diff
			s.sumTrue += truth
			s.sumSqTrue += truth * truth
		}
	}
}

func (a *metricsAccumulator) result() *EvalMetrics {
	if a.samples == 0 {
		return nil
	}
	n := float64(a.samples)
	m := &EvalMetrics{
		Loss:      a.loss / n,
		ClassLoss: a.classLoss / n,
		RegLoss:   a.regLoss / n,
		Accuracy:  float64(a.correct) / n,
		Samples:   a.samples,
	}
	names := nutrition.Names()
	for f, s := range a.fields {
		fm := FieldMetrics{
			Field: names[f],
			MAE:   s.sumAbsErr / n,
			RMSE:  math.Sqrt(s.sumSqErr / n),
		}
		// total sum of squares around the mean of the true values
		if ssTot := s.sumSqTrue - s.sumTrue*s.sumTrue/n; ssTot > 1e-12 {
			fm.R2 = 1 - s.sumSqErr/ssTot
		}
		m.Nutrition = append(m.Nutrition, fm)
	}
	return m
}
