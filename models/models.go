// Package models holds the closed registry of backbone encoders usable for
// contrastive training: resnet18, resnet50 and the scatsimclr family
// (scatsimclr8, scatsimclr12, scatsimclr16, scatsimclr30).
//
// Every backbone satisfies the same contract: given a batch of images shaped
// [batchSize, height, width, channels] it returns
//
//	features:   [batchSize, FeatureDim]   raw representation, fed to pretext heads
//	projection: [batchSize, outDim]       contrastive embedding (not yet normalized)
//
// The registry maps a closed set of identifiers to builders with the block
// count as an explicit field. There is no string parsing of model names.
package models

import (
	"sort"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"golang.org/x/exp/maps"

	"github.com/betuullm/scatsimclr/config"
)

// FeatureDim is the size of the raw feature vector every registered backbone
// produces. Pretext heads size their first FC stage to it.
const FeatureDim = 2048

// ParamProjectionDim is the context hyperparameter with the contrastive
// projection size (the out_dim of the run configuration).
const ParamProjectionDim = "projection_dim"

// Model is one registry entry: an identifier, its explicit block count and the
// graph builder.
type Model struct {
	name      string
	numBlocks int
	backbone  func(ctx *context.Context, images *Node, numBlocks int) *Node
}

// Name returns the registry identifier.
func (m *Model) Name() string { return m.name }

// NumBlocks returns the number of residual blocks of the backbone.
func (m *Model) NumBlocks() int { return m.numBlocks }

// FeaturesGraph builds the backbone up to the raw feature vector, shaped
// [batchSize, FeatureDim]. Variables are created in (or reused from) ctx under
// scope "backbone". Images can have any spatial size: the encoders pool
// globally, so full views and pretext tiles share the same weights.
func (m *Model) FeaturesGraph(ctx *context.Context, images *Node) *Node {
	images.AssertRank(4)
	embedding := m.backbone(ctx.In("backbone"), images, m.numBlocks)
	return fnn.New(ctx.In("backbone").In("features"), embedding, FeatureDim).Done()
}

// BuildGraph builds the backbone and the contrastive projection head (scope
// "projection"), returning both the raw features and the projected embedding.
func (m *Model) BuildGraph(ctx *context.Context, images *Node) (features, projection *Node) {
	features = m.FeaturesGraph(ctx, images)
	outDim := context.GetParamOr(ctx, ParamProjectionDim, 128)
	projection = fnn.New(ctx.In("projection"), features, outDim).
		NumHiddenLayers(1, FeatureDim).Done()
	return
}

var registry = map[string]*Model{
	"resnet18":     {name: "resnet18", numBlocks: 8, backbone: resNetBackbone},
	"resnet50":     {name: "resnet50", numBlocks: 16, backbone: resNetBackbone},
	"scatsimclr8":  {name: "scatsimclr8", numBlocks: 8, backbone: scatBackbone},
	"scatsimclr12": {name: "scatsimclr12", numBlocks: 12, backbone: scatBackbone},
	"scatsimclr16": {name: "scatsimclr16", numBlocks: 16, backbone: scatBackbone},
	"scatsimclr30": {name: "scatsimclr30", numBlocks: 30, backbone: scatBackbone},
}

// Names lists the registered identifiers, sorted.
func Names() []string {
	names := maps.Keys(registry)
	sort.Strings(names)
	return names
}

// Select resolves a base-model name from the registry. Unknown names fail with
// a *config.ConfigurationError listing the valid choices.
func Select(name string) (*Model, error) {
	model, found := registry[name]
	if !found {
		return nil, config.Errorf("unknown model.base_model %q, valid values are %v", name, Names())
	}
	return model, nil
}
