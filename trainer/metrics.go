package trainer

import (
	"path/filepath"

	"github.com/gomlx/gomlx/ui/plots"
)

// Sink receives scalar metric time series, keyed "{split}/{metric}". Purely
// observational: nothing reads it back into control flow.
type Sink interface {
	// Write records one point. metricType groups series in plots, typically
	// "loss", "accuracy" or "learning_rate".
	Write(step int, name, metricType string, value float64)

	// Close flushes and releases the sink. No Write may follow.
	Close() error
}

// plotsSink streams points to the JSON time-series file plotters read,
// appended next to the checkpoints.
type plotsSink struct {
	points    chan<- plots.Point
	errReport <-chan error
}

// NewPlotsSink writes metric points to dir/training_plot_points.json.
func NewPlotsSink(dir string) Sink {
	points, errReport := plots.CreatePointsWriter(filepath.Join(dir, plots.TrainingPlotFileName))
	return &plotsSink{points: points, errReport: errReport}
}

func (s *plotsSink) Write(step int, name, metricType string, value float64) {
	s.points <- plots.Point{
		MetricName: name,
		Short:      name,
		MetricType: metricType,
		Step:       float64(step),
		Value:      value,
	}
}

func (s *plotsSink) Close() error {
	close(s.points)
	return <-s.errReport
}

// Discard is a Sink that drops everything. Useful in tests and benchmarks.
type Discard struct{}

func (Discard) Write(int, string, string, float64) {}
func (Discard) Close() error                       { return nil }
