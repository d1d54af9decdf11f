package models

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// scatBackbone is the ScatSimCLR-style encoder: an aggressive fixed stem that
// plays the role of the scattering transform (two strided large-kernel
// convolutions extracting local oriented structure), followed by numBlocks
// residual blocks at constant width acting as the adapter network. The
// scatsimclr8/12/16/30 variants differ only in numBlocks.
func scatBackbone(ctx *context.Context, images *Node, numBlocks int) *Node {
	const adapterChannels = 256

	blockIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", blockIdx, name)
		blockIdx++
		return newCtx
	}

	// Stem: spatial resolution /4, channels up to the adapter width.
	x := layers.Convolution(nextCtx("stem_a"), images).
		Channels(64).KernelSize(5).PadSame().Strides(2).UseBias(false).Done()
	x = batchnorm.New(nextCtx("stem_a_norm"), x, -1).Done()
	x = activations.Relu(x)
	x = layers.Convolution(nextCtx("stem_b"), x).
		Channels(adapterChannels).KernelSize(5).PadSame().Strides(2).UseBias(false).Done()
	x = batchnorm.New(nextCtx("stem_b_norm"), x, -1).Done()
	x = activations.Relu(x)

	for block := 0; block < numBlocks; block++ {
		x = residualBlock(nextCtx("adapter"), x, adapterChannels, 1)
	}
	return globalMeanPool(x)
}
