// Package trainer implements the joint contrastive + pretext training loop:
// per epoch it trains over every batch, optionally validates, optionally
// evaluates the representation with a linear probe, and advances the cosine
// learning-rate schedule after the warmup window. Checkpoints go through an
// injected Store, metrics through an injected Sink.
package trainer

import (
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	mltrain "github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/betuullm/scatsimclr/config"
	"github.com/betuullm/scatsimclr/models"
	"github.com/betuullm/scatsimclr/ntxent"
	"github.com/betuullm/scatsimclr/pretext"
)

// Evaluator measures downstream quality of the current representation, e.g.
// by training a linear probe on frozen embeddings. The trainer calls it every
// eval_every_n_epochs epochs with its own context, whose "/model" scope holds
// the backbone variables.
type Evaluator interface {
	Evaluate(ctx *context.Context) (accuracy float64, err error)
}

// backendProvider is implemented by datasets bound to a specific backend
// (e.g. on-device datasets). Used to fail fast on mismatched placement.
type backendProvider interface {
	Backend() backends.Backend
}

// Trainer runs the joint optimization. Create with New, run with Run.
type Trainer struct {
	backend   backends.Backend
	ctx       *context.Context
	cfg       *config.Config
	model     *models.Model
	task      pretext.Task
	loss      *ntxent.Config
	optimizer optimizers.Interface

	trainDS, validDS mltrain.Dataset
	store            Store
	sink             Sink
	evaluator        Evaluator

	trainStep *context.Exec
	evalStep  *context.Exec

	stepsPerEpoch int
	currentLR     float64
}

// New validates the configuration and assembles a trainer. validDS and
// evaluator may be nil, disabling the VALIDATE and EVAL_CLASSIFICATION stages
// respectively. A nil sink discards metrics.
func New(backend backends.Backend, ctx *context.Context, cfg *config.Config,
	trainDS, validDS mltrain.Dataset, store Store, sink Sink, evaluator Evaluator) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	model, err := models.Select(cfg.Model.BaseModel)
	if err != nil {
		return nil, err
	}
	task, err := pretext.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if trainDS == nil {
		return nil, config.Errorf("a training dataset is required")
	}
	if store == nil {
		return nil, config.Errorf("a checkpoint store is required")
	}
	if sink == nil {
		sink = Discard{}
	}
	for _, ds := range []mltrain.Dataset{trainDS, validDS} {
		provider, ok := ds.(backendProvider)
		if !ok {
			continue
		}
		if other := provider.Backend(); other != backend {
			return nil, deviceErrorf("dataset %q is bound to a different backend than the trainer's %q",
				ds.Name(), backend.Name())
		}
	}

	cfg.AttachToContext(ctx)
	t := &Trainer{
		backend:   backend,
		ctx:       ctx,
		cfg:       cfg,
		model:     model,
		task:      task,
		loss:      ntxent.New().FromContext(ctx),
		optimizer: optimizers.Adam().FromContext(ctx).Done(),
		trainDS:   trainDS,
		validDS:   validDS,
		store:     store,
		sink:      sink,
		evaluator: evaluator,
		currentLR: cfg.LearningRate,
	}
	t.trainStep, err = context.NewExec(backend, ctx,
		func(ctx *context.Context, viewA, viewB, tiles, labels *graph.Node) []*graph.Node {
			return t.stepGraph(ctx, viewA, viewB, tiles, labels, true)
		})
	if err != nil {
		return nil, errors.Wrap(err, "failed to set up the training step")
	}
	t.evalStep, err = context.NewExec(backend, ctx,
		func(ctx *context.Context, viewA, viewB, tiles, labels *graph.Node) []*graph.Node {
			return t.stepGraph(ctx, viewA, viewB, tiles, labels, false)
		})
	if err != nil {
		return nil, errors.Wrap(err, "failed to set up the validation step")
	}
	return t, nil
}

// Run executes the full state machine:
//
//	INIT -> (TRAIN_EPOCH -> [VALIDATE] -> [EVAL_CLASSIFICATION] -> [SCHEDULE_LR]) x epochs -> FINALIZE
//
// and returns the final run state. The first error aborts the run: no stage
// retries.
func (t *Trainer) Run() (State, error) {
	state := NewState()
	if err := t.loadPretrained(); err != nil {
		return state, err
	}
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		var err error
		state, err = t.trainEpoch(state)
		if err != nil {
			return state, err
		}

		if t.validDS != nil && t.cfg.ValidateEveryNEpochs > 0 && (epoch+1)%t.cfg.ValidateEveryNEpochs == 0 {
			metrics, err := t.validate()
			if err != nil {
				return state, err
			}
			state, err = t.applyValidation(state, metrics)
			if err != nil {
				return state, err
			}
		}

		if t.evaluator != nil && t.cfg.EvalEveryNEpochs > 0 && (epoch+1)%t.cfg.EvalEveryNEpochs == 0 {
			accuracy, err := t.evaluator.Evaluate(t.ctx)
			if err != nil {
				return state, errors.Wrap(err, "linear evaluation failed")
			}
			state, err = t.applyEvaluation(state, accuracy)
			if err != nil {
				return state, err
			}
		}

		if warmupDone(epoch, t.cfg.WarmupEpochs) {
			state.SchedulerSteps++
			if err := t.setLearningRate(cosineAnnealingRate(
				t.cfg.LearningRate, state.SchedulerSteps, t.stepsPerEpoch)); err != nil {
				return state, err
			}
		}
	}

	// FINALIZE: unconditional snapshots, best or not.
	if err := t.store.SaveBackbone("model_final.pth"); err != nil {
		return state, err
	}
	if err := t.store.SaveHead("model_" + t.task.Name() + "_final.pth"); err != nil {
		return state, err
	}
	klog.Infof("training done: %d epochs, %d steps, best valid loss %.4f, best accuracy %.4f",
		state.Epoch, state.GlobalStep, state.BestValidLoss, state.BestAccuracy)
	return state, nil
}

// loadPretrained attempts to restore weights named by fine_tune_from. Absence
// is the one recoverable condition of the run: it logs and trains from
// scratch.
func (t *Trainer) loadPretrained() error {
	if t.cfg.FineTuneFrom == "" {
		return nil
	}
	path := filepath.Join("runs", t.cfg.FineTuneFrom, "checkpoints", "model_final.pth")
	err := LoadVariables(t.ctx, path)
	if errors.Is(err, os.ErrNotExist) {
		klog.Infof("no pretrained weights at %q, training from scratch", path)
		return nil
	}
	return err
}

// trainEpoch is the TRAIN_EPOCH stage: one optimizer update per batch,
// metrics logged every log_every_n_steps without blocking throughput, the
// learning rate logged every step.
func (t *Trainer) trainEpoch(state State) (State, error) {
	t.trainDS.Reset()
	steps := 0
	for {
		_, inputs, labels, err := t.trainDS.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return state, errors.Wrapf(err, "training data failed at step %d", state.GlobalStep)
		}
		if err := t.checkBatch(inputs, labels); err != nil {
			return state, err
		}
		metrics, err := t.executeStep(t.trainStep, inputs, labels)
		if err != nil {
			return state, errors.Wrapf(err, "training step %d failed", state.GlobalStep)
		}
		state.GlobalStep++
		steps++
		t.sink.Write(state.GlobalStep, "train/learning_rate", "learning_rate", t.currentLR)
		if t.cfg.LogEveryNSteps > 0 && state.GlobalStep%t.cfg.LogEveryNSteps == 0 {
			t.writeMetrics(state.GlobalStep, "train", metrics)
			klog.V(1).Infof("step %d: contrastive=%.4f pretext=%.4f accuracy=%.4f",
				state.GlobalStep, metrics.LossContrastive, metrics.LossPretext, metrics.Accuracy)
		}
	}
	if steps == 0 {
		return state, errors.Errorf("training dataset %q yielded no batches", t.trainDS.Name())
	}
	t.stepsPerEpoch = steps
	state.Epoch++
	return state, nil
}

// validate is the VALIDATE stage: the forward step without gradients over the
// full validation set. Metrics are accumulated as running sums and divided by
// the batch count: the averaged values are reported, not the last batch's raw
// triple.
func (t *Trainer) validate() (StepMetrics, error) {
	t.validDS.Reset()
	var sums StepMetrics
	batches := 0
	for {
		_, inputs, labels, err := t.validDS.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return sums, errors.Wrap(err, "validation data failed")
		}
		if err := t.checkBatch(inputs, labels); err != nil {
			return sums, err
		}
		metrics, err := t.executeStep(t.evalStep, inputs, labels)
		if err != nil {
			return sums, errors.Wrap(err, "validation step failed")
		}
		sums.LossContrastive += metrics.LossContrastive
		sums.LossPretext += metrics.LossPretext
		sums.Accuracy += metrics.Accuracy
		sums.LossTotal += metrics.LossTotal
		batches++
	}
	if batches == 0 {
		return sums, errors.Errorf("validation dataset %q yielded no batches", t.validDS.Name())
	}
	return averageMetrics(sums, batches), nil
}

// averageMetrics divides accumulated sums by the batch count.
func averageMetrics(sums StepMetrics, batches int) StepMetrics {
	n := float64(batches)
	return StepMetrics{
		LossContrastive: sums.LossContrastive / n,
		LossPretext:     sums.LossPretext / n,
		Accuracy:        sums.Accuracy / n,
		LossTotal:       sums.LossTotal / n,
	}
}

// applyValidation logs averaged validation metrics and, when the contrastive
// loss improves on the best seen, persists the backbone and head checkpoints.
func (t *Trainer) applyValidation(state State, metrics StepMetrics) (State, error) {
	state.ValidationStep++
	t.writeMetrics(state.GlobalStep, "valid", metrics)
	if metrics.LossContrastive < state.BestValidLoss {
		state.BestValidLoss = metrics.LossContrastive
		if err := t.store.SaveBackbone("model.pth"); err != nil {
			return state, err
		}
		if err := t.store.SaveHead("model_" + t.task.Name() + ".pth"); err != nil {
			return state, err
		}
		klog.Infof("validation improved: contrastive loss %.4f, checkpoint saved", metrics.LossContrastive)
	}
	return state, nil
}

// applyEvaluation logs the probe accuracy and persists a model-only
// checkpoint when it beats the best seen.
func (t *Trainer) applyEvaluation(state State, accuracy float64) (State, error) {
	state.TestStep++
	t.sink.Write(state.GlobalStep, "test/accuracy_probe", "accuracy", accuracy)
	klog.Infof("linear probe accuracy: %.4f", accuracy)
	if accuracy > state.BestAccuracy {
		state.BestAccuracy = accuracy
		if err := t.store.SaveBackbone("model_acc.pth"); err != nil {
			return state, err
		}
	}
	return state, nil
}

// executeStep runs one compiled forward step and extracts the scalar metrics.
func (t *Trainer) executeStep(exec *context.Exec, inputs, labels []*tensors.Tensor) (StepMetrics, error) {
	lossContrastive, lossPretext, accuracy, lossTotal, err :=
		exec.Exec4(inputs[0], inputs[1], inputs[2], labels[0])
	if err != nil {
		return StepMetrics{}, err
	}
	metrics := StepMetrics{
		LossContrastive: float64(tensors.ToScalar[float32](lossContrastive)),
		LossPretext:     float64(tensors.ToScalar[float32](lossPretext)),
		Accuracy:        float64(tensors.ToScalar[float32](accuracy)),
		LossTotal:       float64(tensors.ToScalar[float32](lossTotal)),
	}
	for _, batch := range [][]*tensors.Tensor{inputs, labels} {
		for _, tensor := range batch {
			tensor.FinalizeAll()
		}
	}
	return metrics, nil
}

// checkBatch verifies the batch honors the data contract before it reaches
// the accelerator, so violations surface as ShapeMismatchError instead of a
// compiler failure.
func (t *Trainer) checkBatch(inputs, labels []*tensors.Tensor) error {
	if len(inputs) != 3 || len(labels) != 1 {
		return shapeErrorf("expected 3 input tensors and 1 label tensor, got %d and %d",
			len(inputs), len(labels))
	}
	viewA, viewB, tiles := inputs[0].Shape(), inputs[1].Shape(), inputs[2].Shape()
	if viewA.Rank() != 4 {
		return shapeErrorf("views must be [batch, height, width, channels], got %s", viewA)
	}
	if !viewA.Equal(viewB) {
		return shapeErrorf("the two augmented views differ in shape: %s vs %s", viewA, viewB)
	}
	channels := t.cfg.Dataset.InputShape[2]
	if viewA.Dimensions[3] != channels {
		return shapeErrorf("views have %d channels, configuration says %d", viewA.Dimensions[3], channels)
	}
	batchSize := viewA.Dimensions[0]
	wantTiles := batchSize * t.task.NumTiles()
	if tiles.Rank() != 4 || tiles.Dimensions[0] != wantTiles {
		return shapeErrorf("pretext task %q expects %d tiles for batch size %d, got tensor %s",
			t.task.Name(), wantTiles, batchSize, tiles)
	}
	if tiles.Dimensions[3] != channels {
		return shapeErrorf("tiles have %d channels, configuration says %d", tiles.Dimensions[3], channels)
	}
	labelsShape := labels[0].Shape()
	if labelsShape.Rank() != 1 || labelsShape.Dimensions[0] != batchSize {
		return shapeErrorf("pretext labels must be [batch]=%d, got %s", batchSize, labelsShape)
	}
	if labelsShape.DType != dtypes.Int32 {
		return shapeErrorf("pretext labels must be int32, got %s", labelsShape.DType)
	}
	return nil
}

// writeMetrics sends the step triple plus the combined loss to the sink.
func (t *Trainer) writeMetrics(step int, split string, metrics StepMetrics) {
	t.sink.Write(step, split+"/loss_contrastive", "loss", metrics.LossContrastive)
	t.sink.Write(step, split+"/loss_pretext", "loss", metrics.LossPretext)
	t.sink.Write(step, split+"/accuracy_pretext", "accuracy", metrics.Accuracy)
	t.sink.Write(step, split+"/loss_total", "loss", metrics.LossTotal)
}

// setLearningRate updates the learning-rate variable the optimizer reads, so
// the new rate takes effect without rebuilding the step graph.
func (t *Trainer) setLearningRate(lr float64) error {
	var firstErr error
	found := false
	t.ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Name() != optimizers.ParamLearningRate {
			return
		}
		found = true
		if err := v.SetValue(tensors.FromScalar(float32(lr))); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	if !found {
		optimizers.LearningRateVar(t.ctx, dtypes.Float32, lr)
	}
	if firstErr != nil {
		return errors.Wrap(firstErr, "failed to update the learning rate")
	}
	t.currentLR = lr
	return nil
}
