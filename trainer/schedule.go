package trainer

import "math"

// cosineAnnealingRate computes the learning rate after step advances of a
// cosine annealing schedule with the given period:
//
//	lr = base/2 * (1 + cos(pi * step/period))
//
// The schedule is advanced once per epoch after the warmup window, with
// period equal to one epoch's iteration count, matching the original
// experiments. step 0 (still in warmup) returns base unchanged.
func cosineAnnealingRate(base float64, step, period int) float64 {
	if step <= 0 || period <= 0 {
		return base
	}
	return 0.5 * base * (1 + math.Cos(math.Pi*float64(step)/float64(period)))
}

// warmupDone reports whether the schedule advances at the end of the given
// 0-based epoch. With warmupEpochs=10 the first advance happens at the end of
// the 10th epoch, so a run exactly as long as its warmup still steps once.
func warmupDone(epoch, warmupEpochs int) bool {
	return epoch+1 >= warmupEpochs
}
