package trainer

import "math"

// State is the run-state of one training invocation: step counters and
// best-seen records. It is a value object, threaded through the epoch loop and
// returned updated, never mutated by side effect.
type State struct {
	// Epoch is the number of completed training epochs.
	Epoch int

	// GlobalStep counts optimizer updates across the run.
	GlobalStep int

	// ValidationStep counts completed validation passes.
	ValidationStep int

	// TestStep counts completed linear-probe evaluations.
	TestStep int

	// SchedulerSteps counts cosine-schedule advances, zero during warmup.
	SchedulerSteps int

	// BestValidLoss is the lowest averaged validation contrastive loss seen.
	BestValidLoss float64

	// BestAccuracy is the highest linear-probe accuracy seen.
	BestAccuracy float64
}

// NewState returns the initial state: no steps taken, no bests recorded.
func NewState() State {
	return State{BestValidLoss: math.Inf(1)}
}

// StepMetrics is the triple every forward step produces, plus the combined
// loss. During validation the fields hold batch-count averages.
type StepMetrics struct {
	LossContrastive float64
	LossPretext     float64
	Accuracy        float64
	LossTotal       float64
}
