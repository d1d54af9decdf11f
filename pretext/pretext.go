// Package pretext implements the auxiliary self-supervised tasks trained
// alongside the contrastive objective: jigsaw permutation prediction and
// rotation prediction.
//
// A Task bundles the two halves of a pretext mode that must agree with each
// other: the synthetic transform applied to images on the data side, and the
// classification head applied to backbone features on the model side. The task
// is selected once, at construction, from the run configuration.
package pretext

import (
	"image"
	"math/rand"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/betuullm/scatsimclr/config"
	"github.com/betuullm/scatsimclr/models"
)

// Task is the strategy interface for a pretext mode.
//
// Transform generates the synthetic inputs and label for one image; HeadGraph
// builds the classification head on top of backbone features. NumTiles tiles
// are produced per sample and HeadGraph expects exactly that many.
type Task interface {
	// Name is the mode identifier, used in checkpoint artifact names
	// (model_<name>.pth).
	Name() string

	// NumClasses is the label arity of the classification head.
	NumClasses() int

	// NumTiles is the number of transformed images produced per sample (the T
	// axis of the pretext batch tensor).
	NumTiles() int

	// Transform produces NumTiles images and the class label encoding which
	// transform was applied. The input image is never modified.
	Transform(img image.Image, rng *rand.Rand) (tiles []image.Image, label int32)

	// HeadGraph maps backbone features, shaped [batchSize, NumTiles, featureDim],
	// to logits shaped [batchSize, NumClasses]. Feature dim must be FeatureDim.
	HeadGraph(ctx *context.Context, features *Node) *Node
}

// FeatureDim is the backbone feature size every head consumes, fixed by the
// models registry.
const FeatureDim = models.FeatureDim

// FromConfig returns the task selected by the configuration. The configuration
// must already have passed validation, so exactly one mode is enabled.
func FromConfig(cfg *config.Config) (Task, error) {
	switch cfg.PretextMode() {
	case config.JigsawMode:
		return NewJigsaw(cfg.Pretext.NumJigsaw)
	case config.RotationMode:
		return NewRotation(), nil
	}
	return nil, config.Errorf("unknown pretext mode %q", cfg.PretextMode())
}
