package trainer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineAnnealingRate(t *testing.T) {
	const base = 3e-4
	assert.Equal(t, base, cosineAnnealingRate(base, 0, 100), "warmup keeps the base rate")
	assert.Equal(t, base, cosineAnnealingRate(base, 5, 0), "unknown period keeps the base rate")

	assert.InDelta(t, base/2, cosineAnnealingRate(base, 50, 100), 1e-12, "half period is half amplitude")
	assert.InDelta(t, 0, cosineAnnealingRate(base, 100, 100), 1e-12, "full period anneals to zero")

	previous := base
	for step := 1; step <= 100; step++ {
		lr := cosineAnnealingRate(base, step, 100)
		assert.LessOrEqual(t, lr, previous, "rate must decrease monotonically over one period")
		previous = lr
	}
}

func TestWarmupDoneBoundary(t *testing.T) {
	// With a 10-epoch warmup the schedule first advances at the end of the
	// 10th epoch (0-based epoch 9), not the 11th.
	assert.False(t, warmupDone(8, 10))
	assert.True(t, warmupDone(9, 10))
	assert.True(t, warmupDone(10, 10))

	// A run exactly as long as its warmup advances the schedule once.
	steps := 0
	for epoch := 0; epoch < 10; epoch++ {
		if warmupDone(epoch, 10) {
			steps++
		}
	}
	assert.Equal(t, 1, steps)

	// No warmup advances every epoch.
	assert.True(t, warmupDone(0, 0))
}
