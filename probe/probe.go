// Package probe measures representation quality with a linear evaluation: it
// extracts embeddings from the frozen backbone and trains a logistic-regression
// classifier on them, reporting top-1 accuracy on a held-out labeled split.
package probe

import (
	"image"
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/betuullm/scatsimclr/config"
	"github.com/betuullm/scatsimclr/data"
	"github.com/betuullm/scatsimclr/models"
)

// Defaults for the logistic-regression fit. The probe is a measurement, not a
// model: it converges in a few hundred Adam steps.
const (
	DefaultFitSteps     = 500
	DefaultBatchSize    = 128
	DefaultLearningRate = 1e-3
)

// Evaluator trains a linear classifier on frozen embeddings. It satisfies the
// trainer's Evaluator contract: Evaluate receives the training context and
// reads the backbone variables under its "/model" scope without touching them.
type Evaluator struct {
	backend backends.Backend
	model   *models.Model

	inputSize int
	seed      int64

	// Linear-fit hyperparameters, overridable before the first Evaluate.
	FitSteps     int
	BatchSize    int
	LearningRate float64

	trainPaths  []string
	trainLabels []int32
	testPaths   []string
	testLabels  []int32
	numClasses  int
}

// New lists the labeled splits (one subdirectory per class, identical layout
// in both) and prepares an evaluator for the configured backbone.
func New(backend backends.Backend, cfg *config.Config, trainDir, testDir string) (*Evaluator, error) {
	model, err := models.Select(cfg.Model.BaseModel)
	if err != nil {
		return nil, err
	}
	trainPaths, trainLabels, classes, err := data.ListLabeledImages(trainDir)
	if err != nil {
		return nil, err
	}
	testPaths, testLabels, testClasses, err := data.ListLabeledImages(testDir)
	if err != nil {
		return nil, err
	}
	// Labels are directory indices local to each split: remap the test labels
	// by class name so they agree with the train split's indices.
	trainIndex := make(map[string]int32, len(classes))
	for i, class := range classes {
		trainIndex[class] = int32(i)
	}
	for i, label := range testLabels {
		mapped, known := trainIndex[testClasses[label]]
		if !known {
			return nil, config.Errorf("evaluation test split has class %q, not present in the train split",
				testClasses[label])
		}
		testLabels[i] = mapped
	}
	return &Evaluator{
		backend:      backend,
		model:        model,
		inputSize:    cfg.Dataset.InputSize,
		seed:         42,
		FitSteps:     DefaultFitSteps,
		BatchSize:    DefaultBatchSize,
		LearningRate: DefaultLearningRate,
		trainPaths:   trainPaths,
		trainLabels:  trainLabels,
		testPaths:    testPaths,
		testLabels:   testLabels,
		numClasses:   len(classes),
	}, nil
}

// NumClasses returns the number of classes of the labeled splits.
func (e *Evaluator) NumClasses() int { return e.numClasses }

// Evaluate extracts embeddings for both splits with the frozen backbone, fits
// the linear classifier on the train split and returns top-1 accuracy on the
// test split.
func (e *Evaluator) Evaluate(ctx *context.Context) (float64, error) {
	trainFeatures, err := e.extract(ctx, "probe-train", e.trainPaths)
	if err != nil {
		return 0, err
	}
	testFeatures, err := e.extract(ctx, "probe-test", e.testPaths)
	if err != nil {
		return 0, err
	}
	return e.fitAndScore(trainFeatures, testFeatures)
}

// extract runs the backbone forward over every image, batched, and returns the
// embeddings as one flat slice with stride models.FeatureDim.
func (e *Evaluator) extract(ctx *context.Context, name string, paths []string) ([]float32, error) {
	exec, err := context.NewExec(e.backend, ctx.Reuse(),
		func(ctx *context.Context, images *Node) *Node {
			ctx.SetTraining(images.Graph(), false)
			return e.model.FeaturesGraph(ctx.In("model"), images)
		})
	if err != nil {
		return nil, errors.Wrap(err, "failed to set up the embedding extractor")
	}
	defer exec.Finalize()

	features := make([]float32, 0, len(paths)*models.FeatureDim)
	bar := progressbar.Default(int64(len(paths)), name)
	for start := 0; start < len(paths); start += e.BatchSize {
		end := min(start+e.BatchSize, len(paths))
		batch, err := e.loadBatch(paths[start:end])
		if err != nil {
			return nil, err
		}
		embedded, err := exec.Exec1(batch)
		if err != nil {
			return nil, errors.Wrapf(err, "embedding extraction failed at image %d", start)
		}
		if err := tensors.ConstFlatData(embedded, func(flat []float32) {
			features = append(features, flat...)
		}); err != nil {
			return nil, err
		}
		batch.FinalizeAll()
		embedded.FinalizeAll()
		_ = bar.Add(end - start)
	}
	_ = bar.Finish()
	return features, nil
}

// loadBatch reads and center-resizes the images into one [n, size, size, 3]
// tensor.
func (e *Evaluator) loadBatch(paths []string) (*tensors.Tensor, error) {
	imgs := make([]image.Image, 0, len(paths))
	for _, path := range paths {
		img, err := data.LoadImage(path)
		if err != nil {
			return nil, err
		}
		imgs = append(imgs, data.CenterResize(img, e.inputSize))
	}
	return timage.ToTensor(dtypes.Float32).Batch(imgs), nil
}

// fitAndScore trains the single dense layer with Adam and sparse cross
// entropy, then scores top-1 accuracy on the test embeddings. The classifier
// lives in its own context: the backbone is untouched.
func (e *Evaluator) fitAndScore(trainFeatures, testFeatures []float32) (float64, error) {
	probeCtx := context.New()
	probeCtx.SetParams(map[string]any{
		optimizers.ParamLearningRate: e.LearningRate,
	})
	optimizer := optimizers.Adam().FromContext(probeCtx).Done()

	fitExec, err := context.NewExec(e.backend, probeCtx,
		func(ctx *context.Context, features, labels *Node) *Node {
			g := features.Graph()
			ctx.SetTraining(g, true)
			logits := layers.Dense(ctx.In("linear"), features, true, e.numClasses)
			logProbs := LogSoftmax(logits, -1)
			picked := ReduceSum(Mul(logProbs, OneHot(labels, e.numClasses, logits.DType())), -1)
			loss := Neg(ReduceAllMean(picked))
			optimizer.UpdateGraph(ctx, g, loss)
			return loss
		})
	if err != nil {
		return 0, errors.Wrap(err, "failed to set up the linear classifier")
	}
	defer fitExec.Finalize()

	rng := rand.New(rand.NewSource(e.seed))
	numTrain := len(e.trainLabels)
	batchFeatures := make([]float32, e.BatchSize*models.FeatureDim)
	batchLabels := make([]int32, e.BatchSize)
	var lastLoss float64
	for step := 0; step < e.FitSteps; step++ {
		for i := 0; i < e.BatchSize; i++ {
			pick := rng.Intn(numTrain)
			copy(batchFeatures[i*models.FeatureDim:(i+1)*models.FeatureDim],
				trainFeatures[pick*models.FeatureDim:(pick+1)*models.FeatureDim])
			batchLabels[i] = e.trainLabels[pick]
		}
		loss, err := fitExec.Exec1(
			tensors.FromFlatDataAndDimensions(batchFeatures, e.BatchSize, models.FeatureDim),
			tensors.FromFlatDataAndDimensions(batchLabels, e.BatchSize))
		if err != nil {
			return 0, errors.Wrapf(err, "linear fit failed at step %d", step)
		}
		lastLoss = float64(tensors.ToScalar[float32](loss))
		loss.FinalizeAll()
	}
	klog.V(1).Infof("linear probe fit: %d steps, final loss %.4f", e.FitSteps, lastLoss)

	predictExec, err := context.NewExec(e.backend, probeCtx.Reuse(),
		func(ctx *context.Context, features *Node) *Node {
			ctx.SetTraining(features.Graph(), false)
			logits := layers.Dense(ctx.In("linear"), features, true, e.numClasses)
			return ArgMax(logits, -1, dtypes.Int32)
		})
	if err != nil {
		return 0, errors.Wrap(err, "failed to set up the probe scorer")
	}
	defer predictExec.Finalize()

	correct := 0
	numTest := len(e.testLabels)
	for start := 0; start < numTest; start += e.BatchSize {
		end := min(start+e.BatchSize, numTest)
		batch := tensors.FromFlatDataAndDimensions(
			testFeatures[start*models.FeatureDim:end*models.FeatureDim], end-start, models.FeatureDim)
		predictions, err := predictExec.Exec1(batch)
		if err != nil {
			return 0, errors.Wrap(err, "probe scoring failed")
		}
		if err := tensors.ConstFlatData(predictions, func(flat []int32) {
			for i, prediction := range flat {
				if prediction == e.testLabels[start+i] {
					correct++
				}
			}
		}); err != nil {
			return 0, err
		}
		batch.FinalizeAll()
		predictions.FinalizeAll()
	}
	return float64(correct) / float64(numTest), nil
}
