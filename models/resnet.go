package models

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// convBN is a 3x3 convolution followed by batch normalization.
func convBN(ctx *context.Context, x *Node, channels, strides int) *Node {
	x = layers.Convolution(ctx.In("conv"), x).
		Channels(channels).KernelSize(3).PadSame().Strides(strides).UseBias(false).Done()
	return batchnorm.New(ctx.In("norm"), x, -1).Done()
}

// residualBlock is a standard two-convolution residual block. When strides > 1
// or the channel count changes, the shortcut goes through a 1x1 projection.
func residualBlock(ctx *context.Context, x *Node, channels, strides int) *Node {
	shortcut := x
	if strides != 1 || x.Shape().Dimensions[3] != channels {
		shortcut = layers.Convolution(ctx.In("shortcut"), x).
			Channels(channels).KernelSize(1).PadSame().Strides(strides).UseBias(false).Done()
		shortcut = batchnorm.New(ctx.In("shortcut_norm"), shortcut, -1).Done()
	}
	x = activations.Relu(convBN(ctx.In("a"), x, channels, strides))
	x = convBN(ctx.In("b"), x, channels, 1)
	return activations.Relu(Add(x, shortcut))
}

// globalMeanPool averages over the spatial axes: [B, H, W, C] -> [B, C].
func globalMeanPool(x *Node) *Node {
	return ReduceMean(x, 1, 2)
}

// resNetBackbone is a ResNet-style encoder: one convolution stem and four
// stages of residual blocks with channel widths 64/128/256/512, the given
// total block count split evenly across stages. Output is globally pooled.
func resNetBackbone(ctx *context.Context, images *Node, numBlocks int) *Node {
	stageChannels := []int{64, 128, 256, 512}
	perStage := numBlocks / len(stageChannels)
	remainder := numBlocks % len(stageChannels)

	blockIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", blockIdx, name)
		blockIdx++
		return newCtx
	}

	x := activations.Relu(convBN(nextCtx("stem"), images, 64, 1))
	for stage, channels := range stageChannels {
		blocks := perStage
		if stage >= len(stageChannels)-remainder {
			blocks++
		}
		for block := 0; block < blocks; block++ {
			strides := 1
			if stage > 0 && block == 0 {
				strides = 2
			}
			x = residualBlock(nextCtx("residual"), x, channels, strides)
		}
	}
	return globalMeanPool(x)
}
