package pggan

import (
	"strconv"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// GeneratorBlocks are the building blocks of a progressively grown generator.
//
// The ctx passed is already scoped to the layer and block (e.g. "layer_3/color_block"), and index is the
// layer index, from 0 (coarsest) to Config.NumLayers()-1 (finest).
type GeneratorBlocks interface {
	// DenseBlock projects the latent vectors (conditioned on the labels) to the initial feature maps,
	// at Config.MinResolution.
	DenseBlock(ctx *context.Context, latents, labels *Node, index int) *Node

	// Deconv2DBlock transforms the feature maps of layer index and doubles their spatial resolution.
	Deconv2DBlock(ctx *context.Context, featureMaps *Node, index int) *Node

	// ColorBlock projects the feature maps to image channels, keeping the resolution.
	ColorBlock(ctx *context.Context, featureMaps *Node, index int) *Node
}

// DiscriminatorBlocks are the building blocks of a progressively grown discriminator.
//
// The ctx passed is already scoped to the layer and block, as for GeneratorBlocks.
type DiscriminatorBlocks interface {
	// DenseBlock maps the coarsest feature maps, conditioned on the labels, to the logits, shaped [batchSize, 1].
	DenseBlock(ctx *context.Context, featureMaps, labels *Node, index int) *Node

	// Conv2DBlock transforms the feature maps of layer index+1 and halves their spatial resolution.
	Conv2DBlock(ctx *context.Context, featureMaps *Node, index int) *Node

	// ColorBlock projects images into feature maps for layer index, keeping the resolution.
	ColorBlock(ctx *context.Context, images *Node, index int) *Node
}

// LayerScope returns the scope name used for the given layer index.
func LayerScope(index int) string {
	return "layer_" + strconv.Itoa(index)
}
