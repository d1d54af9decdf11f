// Package ntxent implements the NT-Xent (normalized temperature-scaled cross entropy)
// contrastive loss used to train SimCLR-style models.
//
// Given two batches of projected embeddings, one per augmented view of the same
// underlying images, each matching pair (i, i) is a positive and every other pairing
// across both views is a negative. The loss is the cross entropy of picking the
// positive among all 2B-1 candidates, with similarities scaled by a temperature.
//
// Configure it with New():
//
//	lossFn := ntxent.New().WithTemperature(0.5).UseCosineSimilarity(true)
//	loss := lossFn.LossGraph(zA, zB)
//
// Or let it read its hyperparameters from the context with FromContext().
package ntxent

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/compute/dtypes"
)

const (
	// ParamTemperature is the context hyperparameter with the softmax temperature.
	ParamTemperature = "ntxent_temperature"

	// ParamCosineSimilarity is the context hyperparameter selecting cosine similarity
	// (embeddings re-normalized before the dot product) instead of plain dot product.
	ParamCosineSimilarity = "ntxent_cosine_similarity"
)

// Config for the NT-Xent loss. Create with New, configure with the methods below and
// call LossGraph during graph building.
type Config struct {
	temperature float64
	cosine      bool
}

// New creates a Config with temperature 0.5 and plain dot-product similarity.
func New() *Config {
	return &Config{temperature: 0.5}
}

// FromContext reads ParamTemperature and ParamCosineSimilarity from ctx, keeping
// the defaults for the ones not set.
func (c *Config) FromContext(ctx *context.Context) *Config {
	c.temperature = context.GetParamOr(ctx, ParamTemperature, c.temperature)
	c.cosine = context.GetParamOr(ctx, ParamCosineSimilarity, c.cosine)
	return c
}

// WithTemperature sets the temperature used to scale similarities. It must be > 0.
func (c *Config) WithTemperature(temperature float64) *Config {
	c.temperature = temperature
	return c
}

// UseCosineSimilarity selects cosine similarity instead of the plain dot product:
// the stacked embeddings are L2-normalized inside the loss before the similarity
// matrix is computed.
func (c *Config) UseCosineSimilarity(enabled bool) *Config {
	c.cosine = enabled
	return c
}

// LossGraph builds the NT-Xent loss for one batch.
//
// viewA and viewB must both be shaped [batchSize, embeddingDim], with row i of viewA
// and row i of viewB being the two augmented views of the same image. It returns a
// scalar loss, the mean over all 2*batchSize anchors.
func (c *Config) LossGraph(viewA, viewB *Node) *Node {
	g := viewA.Graph()
	if c.temperature <= 0 {
		exceptions.Panicf("ntxent: temperature must be > 0, got %g", c.temperature)
	}
	if viewA.Rank() != 2 || viewB.Rank() != 2 {
		exceptions.Panicf("ntxent: embeddings must be rank-2 [batchSize, embeddingDim], got %s and %s",
			viewA.Shape(), viewB.Shape())
	}
	viewB.AssertDims(viewA.Shape().Dimensions...)
	batchSize := viewA.Shape().Dimensions[0]
	if batchSize < 2 {
		exceptions.Panicf("ntxent: batch size must be >= 2 to have in-batch negatives, got %d", batchSize)
	}
	dtype := viewA.DType()
	numAnchors := 2 * batchSize

	// Similarities between every pair of embeddings across both views: [2B, 2B].
	all := Concatenate([]*Node{viewA, viewB}, 0)
	if c.cosine {
		all = L2NormalizeWithEpsilon(all, 1e-12, -1)
	}
	similarities := MatMul(all, Transpose(all, 0, 1))
	similarities = DivScalar(similarities, c.temperature)

	// Self-similarities are not candidates: mask the diagonal out of the softmax.
	anchorIdx := Iota(g, similarities.Shape(), 0)
	candidateIdx := Iota(g, similarities.Shape(), 1)
	selfMask := Equal(anchorIdx, candidateIdx)
	negInf := BroadcastToShape(Infinity(g, dtype, -1), similarities.Shape())
	similarities = Where(selfMask, negInf, similarities)

	// Anchor i's positive sits at column (i+B) mod 2B.
	positives := IotaFull(g, shapes.Make(dtypes.Int32, numAnchors))
	positives = Mod(AddScalar(positives, float64(batchSize)), Scalar(g, dtypes.Int32, float64(numAnchors)))
	logProbs := LogSoftmax(similarities, -1)
	positiveLogProbs := ReduceSum(Mul(logProbs, OneHot(positives, numAnchors, dtype)), -1)
	return Neg(ReduceAllMean(positiveLogProbs))
}

// Loss is a shortcut for New().WithTemperature(temperature).UseCosineSimilarity(cosine).LossGraph(viewA, viewB).
func Loss(viewA, viewB *Node, temperature float64, cosine bool) *Node {
	return New().WithTemperature(temperature).UseCosineSimilarity(cosine).LossGraph(viewA, viewB)
}
