package trainer

import (
	"io"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/compute/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betuullm/scatsimclr/config"
)

// fakeDataset yields a fixed number of random rotation batches per epoch:
// two views plus one "tile" per sample (the rotated full image) and a
// rotation label in [0, 4).
type fakeDataset struct {
	name      string
	batches   int
	batchSize int
	size      int
	rng       *rand.Rand
	next      int
}

func (ds *fakeDataset) Name() string { return ds.name }
func (ds *fakeDataset) Reset()       { ds.next = 0 }

func (ds *fakeDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next >= ds.batches {
		return nil, nil, nil, io.EOF
	}
	ds.next++
	image := func() *tensors.Tensor {
		t := tensors.FromShape(shapes.Make(dtypes.Float32, ds.batchSize, ds.size, ds.size, 3))
		fillUniform(t, ds.rng)
		return t
	}
	labelData := make([]int32, ds.batchSize)
	for i := range labelData {
		labelData[i] = ds.rng.Int31n(4)
	}
	inputs = []*tensors.Tensor{image(), image(), image()}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(labelData, ds.batchSize)}
	return
}

// fakeEvaluator returns a scripted sequence of probe accuracies.
type fakeEvaluator struct {
	accuracies []float64
	calls      int
}

func (e *fakeEvaluator) Evaluate(ctx *context.Context) (float64, error) {
	accuracy := e.accuracies[e.calls%len(e.accuracies)]
	e.calls++
	return accuracy, nil
}

func runTestConfig() *config.Config {
	cfg := config.New()
	cfg.Pretext.Rotation = true
	cfg.BatchSize = 2
	cfg.Epochs = 2
	cfg.WarmupEpochs = 0
	cfg.ValidateEveryNEpochs = 1
	cfg.EvalEveryNEpochs = 1
	cfg.LogEveryNSteps = 1
	cfg.Model.BaseModel = "resnet18"
	cfg.Model.OutDim = 32
	cfg.Dataset.InputSize = 12
	cfg.Dataset.InputShape = []int{12, 12, 3}
	return cfg
}

func TestRunFullStateMachine(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping the end-to-end training test in -short mode")
	}
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	cfg := runTestConfig()

	trainDS := &fakeDataset{name: "train", batches: 2, batchSize: 2, size: 12, rng: rand.New(rand.NewSource(1))}
	validDS := &fakeDataset{name: "valid", batches: 2, batchSize: 2, size: 12, rng: rand.New(rand.NewSource(2))}
	store := &MemoryStore{}
	sink := newTestSink()
	evaluator := &fakeEvaluator{accuracies: []float64{0.5, 0.75}}

	tr, err := New(backend, ctx, cfg, trainDS, validDS, store, sink, evaluator)
	require.NoError(t, err)

	state, err := tr.Run()
	require.NoError(t, err)

	assert.Equal(t, 2, state.Epoch)
	assert.Equal(t, 4, state.GlobalStep, "2 epochs of 2 batches")
	assert.Equal(t, 2, state.ValidationStep)
	assert.Equal(t, 2, state.TestStep)
	assert.Equal(t, 2, state.SchedulerSteps, "no warmup, one scheduler step per epoch")
	assert.InDelta(t, 0.75, state.BestAccuracy, 1e-12)
	assert.Less(t, state.BestValidLoss, 1e30, "at least one validation must improve on +inf")

	// FINALIZE always writes the final pair, best or not.
	backbones := store.Backbones()
	require.NotEmpty(t, backbones)
	assert.Equal(t, "model_final.pth", backbones[len(backbones)-1])
	assert.Contains(t, backbones, "model.pth", "first validation improves from +inf")
	assert.Contains(t, backbones, "model_acc.pth")
	heads := store.Heads()
	require.NotEmpty(t, heads)
	assert.Equal(t, "model_rotation_final.pth", heads[len(heads)-1])

	// The learning rate is logged on every training step, the probe accuracy
	// once per evaluation.
	assert.Len(t, sink.values("train/learning_rate"), 4)
	assert.Equal(t, []float64{0.5, 0.75}, sink.values("test/accuracy_probe"))
	assert.Len(t, sink.values("valid/loss_contrastive"), 2)

	// The schedule kicked in: the logged rate of the last epoch is below base.
	rates := sink.values("train/learning_rate")
	assert.Less(t, rates[len(rates)-1], cfg.LearningRate)
}

// The combined loss is exactly contrastive + PretextLossWeight*pretext, and
// the pretext accuracy is an exact-match rate.
func TestStepCombinesLossesWithFixedWeight(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping the forward-step test in -short mode")
	}
	backend := graphtest.BuildTestBackend()
	cfg := runTestConfig()
	ds := &fakeDataset{name: "train", batches: 1, batchSize: 2, size: 12, rng: rand.New(rand.NewSource(3))}
	tr, err := New(backend, context.New(), cfg, ds, nil, &MemoryStore{}, nil, nil)
	require.NoError(t, err)

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	metrics, err := tr.executeStep(tr.evalStep, inputs, labels)
	require.NoError(t, err)

	assert.Greater(t, metrics.LossContrastive, 0.0)
	assert.Greater(t, metrics.LossPretext, 0.0)
	assert.InDelta(t, metrics.LossContrastive+PretextLossWeight*metrics.LossPretext,
		metrics.LossTotal, 1e-5)
	assert.GreaterOrEqual(t, metrics.Accuracy, 0.0)
	assert.LessOrEqual(t, metrics.Accuracy, 1.0)
}

func TestNewRejectsMismatchedBackend(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := runTestConfig()
	trainDS := &boundDataset{
		fakeDataset: fakeDataset{name: "train", batches: 1, batchSize: 2, size: 12, rng: rand.New(rand.NewSource(1))},
	}
	_, err := New(backend, context.New(), cfg, trainDS, nil, &MemoryStore{}, nil, nil)
	require.Error(t, err)
	var deviceErr *DeviceMismatchError
	assert.ErrorAs(t, err, &deviceErr)
}

// boundDataset claims to be bound to a nil backend, which can never match the
// trainer's.
type boundDataset struct {
	fakeDataset
}

func (ds *boundDataset) Backend() backends.Backend { return nil }
