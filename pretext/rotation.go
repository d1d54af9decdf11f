package pretext

import (
	"image"
	"math/rand"

	"github.com/disintegration/imaging"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

const (
	// rotationClasses are the four right angles: 0°, 90°, 180° and 270°.
	rotationClasses = 4

	rotationHidden1 = 512
	rotationHidden2 = 128
)

// Rotation is the rotation-prediction task: the whole image is rotated by a
// random multiple of 90° and the head predicts the angle.
type Rotation struct{}

// NewRotation creates the task. It has no parameters: there are always four
// angle classes.
func NewRotation() *Rotation { return &Rotation{} }

func (r *Rotation) Name() string    { return "rotation" }
func (r *Rotation) NumClasses() int { return rotationClasses }
func (r *Rotation) NumTiles() int   { return 1 }

// Transform rotates img by label*90° counter-clockwise. Right-angle rotations
// are lossless, so no interpolation artifacts leak the label.
func (r *Rotation) Transform(img image.Image, rng *rand.Rand) ([]image.Image, int32) {
	label := int32(rng.Intn(rotationClasses))
	var rotated image.Image
	switch label {
	case 0:
		rotated = imaging.Clone(img)
	case 1:
		rotated = imaging.Rotate90(img)
	case 2:
		rotated = imaging.Rotate180(img)
	case 3:
		rotated = imaging.Rotate270(img)
	}
	return []image.Image{rotated}, label
}

// HeadGraph builds the rotation head: 2048 -> 512 -> 128 -> 4 with ReLU and
// dropout between the FC stages.
func (r *Rotation) HeadGraph(ctx *context.Context, features *Node) *Node {
	g := features.Graph()
	features.AssertRank(3)
	features.AssertDims(-1, 1, FeatureDim)
	batchSize := features.Shape().Dimensions[0]
	dtype := features.DType()

	x := Reshape(features, batchSize, FeatureDim)
	x = layers.Dense(ctx.In("fc1"), x, true, rotationHidden1)
	x = activations.Relu(x)
	x = layers.DropoutNormalize(ctx.In("fc1"), x, Scalar(g, dtype, 0.5), true)

	x = layers.Dense(ctx.In("fc2"), x, true, rotationHidden2)
	x = activations.Relu(x)
	x = layers.DropoutNormalize(ctx.In("fc2"), x, Scalar(g, dtype, 0.5), true)

	return layers.Dense(ctx.In("classification"), x, true, rotationClasses)
}
