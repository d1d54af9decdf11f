package trainer

import (
	"testing"

	"github.com/gomlx/gomlx/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlotsSinkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sink := NewPlotsSink(dir)
	sink.Write(1, "train/loss_contrastive", "loss", 4.2)
	sink.Write(1, "train/learning_rate", "learning_rate", 3e-4)
	sink.Write(2, "valid/accuracy_pretext", "accuracy", 0.25)
	require.NoError(t, sink.Close())

	points, err := plots.LoadPointsFromCheckpoint(dir)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, "train/loss_contrastive", points[0].MetricName)
	assert.Equal(t, "loss", points[0].MetricType)
	assert.InDelta(t, 4.2, points[0].Value, 1e-12)
	assert.InDelta(t, 1.0, points[0].Step, 1e-12)
	assert.Equal(t, "valid/accuracy_pretext", points[2].MetricName)
	assert.InDelta(t, 2.0, points[2].Step, 1e-12)
}
