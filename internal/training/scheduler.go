package training

import "math"

// LRScheduler maps training progress to a learning rate.
type LRScheduler interface {
	// GetLR returns the learning rate for the update made after step
	// completed optimizer steps.
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// LinearWarmupScheduler ramps the learning rate from 0 to baseLR over
// WarmupSteps, then decays it linearly to 0 at TotalSteps.
type LinearWarmupScheduler struct {
	WarmupSteps int
	TotalSteps  int
}

func NewLinearWarmupScheduler(warmupSteps, totalSteps int) *LinearWarmupScheduler {
	if warmupSteps < 0 {
		warmupSteps = 0
	}
	if totalSteps < 0 {
		totalSteps = 0
	}
	return &LinearWarmupScheduler{
		WarmupSteps: warmupSteps,
		TotalSteps:  totalSteps,
	}
}

func (s *LinearWarmupScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if step < s.WarmupSteps {
		return baseLR * float64(step) / float64(s.WarmupSteps)
	}
	decay := s.TotalSteps - s.WarmupSteps
	if decay <= 0 {
		return 0
	}
	return baseLR * math.Max(0, float64(s.TotalSteps-step)/float64(decay))
}

func (s *LinearWarmupScheduler) GetName() string {
	return "LinearWarmup"
}

// ConstantScheduler keeps the base learning rate.
type ConstantScheduler struct{}

func (ConstantScheduler) GetLR(epoch int, step int, baseLR float64) float64 { return baseLR }
func (ConstantScheduler) GetName() string                                    { return "Constant" }
