package trainer

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/betuullm/scatsimclr/models"
)

// PretextLossWeight is the fixed mixing weight lambda:
//
//	total = contrastive + PretextLossWeight * pretext
//
// It is a compile-time constant of the method, not a tunable.
const PretextLossWeight = 0.3

// stepGraph builds the forward step shared by training and validation:
// contrastive loss over the two views, pretext classification over the tiles,
// and their fixed-weight combination. With training set it also applies one
// optimizer update.
//
// Outputs: [contrastive loss, pretext loss, pretext accuracy, total loss],
// all scalars.
func (t *Trainer) stepGraph(ctx *context.Context, viewA, viewB, tiles, labels *Node, training bool) []*Node {
	g := viewA.Graph()
	ctx.SetTraining(g, training)
	batchSize := viewA.Shape().Dimensions[0]

	// Both views go through the backbone as one stacked batch, sharing weights.
	modelCtx := ctx.In("model")
	stacked := Concatenate([]*Node{viewA, viewB}, 0)
	_, projections := t.model.BuildGraph(modelCtx, stacked)
	embeddingA := L2NormalizeWithEpsilon(Slice(projections, AxisRange(0, batchSize)), 1e-12, -1)
	embeddingB := L2NormalizeWithEpsilon(Slice(projections, AxisRange(batchSize, 2*batchSize)), 1e-12, -1)
	lossContrastive := t.loss.LossGraph(embeddingA, embeddingB)

	// Tiles reuse the same backbone, but feed the pretext head with the raw
	// (pre-projection) features.
	tileFeatures := t.model.FeaturesGraph(modelCtx.Reuse(), tiles)
	tileFeatures = Reshape(tileFeatures, batchSize, t.task.NumTiles(), models.FeatureDim)
	logits := t.task.HeadGraph(ctx.In("pretext"), tileFeatures)
	lossPretext := sparseCrossEntropyGraph(logits, labels)
	accuracy := accuracyGraph(logits, labels)

	lossTotal := Add(lossContrastive, MulScalar(lossPretext, PretextLossWeight))
	if training {
		t.optimizer.UpdateGraph(ctx, g, lossTotal)
	}
	return []*Node{lossContrastive, lossPretext, accuracy, lossTotal}
}

// sparseCrossEntropyGraph is the mean cross entropy of logits [batch, classes]
// against integer labels [batch].
func sparseCrossEntropyGraph(logits, labels *Node) *Node {
	numClasses := logits.Shape().Dimensions[1]
	logProbs := LogSoftmax(logits, -1)
	picked := ReduceSum(Mul(logProbs, OneHot(labels, numClasses, logits.DType())), -1)
	return Neg(ReduceAllMean(picked))
}

// accuracyGraph is the top-1 exact-match rate of logits against labels, a
// scalar in [0, 1].
func accuracyGraph(logits, labels *Node) *Node {
	predictions := ArgMax(logits, -1, labels.DType())
	correct := ConvertDType(Equal(predictions, labels), logits.DType())
	return ReduceAllMean(correct)
}
