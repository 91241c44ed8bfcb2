package pggan

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// GeneratorScope is the context scope under which the generator variables are created.
const GeneratorScope = "generator"

// layerRole is the part a layer index plays in the recursions.
type layerRole int

const (
	// roleBase is layer 0: the dense projection (generator) or the logits (discriminator).
	roleBase layerRole = iota

	// roleFirst is layer 1, the lowest resolution stage, when there are more stages after it.
	roleFirst

	// roleIntermediate are layers strictly between 1 and NumLayers-1.
	roleIntermediate

	// roleLast is the highest resolution layer (NumLayers-1), when it is not also layer 1.
	roleLast

	// roleFirstAndLast is layer 1 when NumLayers == 2: the only resolution stage.
	roleFirstAndLast
)

// layerRoleAt returns the role of layer index in a network with numLayers.
func layerRoleAt(index, numLayers int) layerRole {
	switch {
	case index == 0:
		return roleBase
	case index == 1 && numLayers == 2:
		return roleFirstAndLast
	case index == 1:
		return roleFirst
	case index == numLayers-1:
		return roleLast
	default:
		return roleIntermediate
	}
}

// Generator grows a generator network from GeneratorBlocks.
type Generator struct {
	cfg    *Config
	blocks GeneratorBlocks
}

// NewGenerator returns a Generator for the configuration.
// It fails with ErrMissingBlocks if blocks is nil.
func NewGenerator(cfg *Config, blocks GeneratorBlocks) (*Generator, error) {
	if blocks == nil {
		return nil, errors.Wrap(ErrMissingBlocks, "pggan.NewGenerator")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Generator{cfg: cfg, blocks: blocks}, nil
}

// Config returns the generator configuration.
func (gen *Generator) Config() *Config { return gen.cfg }

// Generate builds the generator graph.
//
// The latents are shaped [batchSize, latentSize], and labels hold whatever conditioning the DenseBlock
// takes (e.g. pitch indices). The coloring is a scalar with the current coloring index (see
// Schedule.ColoringIndex).
//
// The returned images are always at Config.MaxResolution: stages not yet grown reach the output
// through nearest-neighbor up-sampling.
func (gen *Generator) Generate(ctx *context.Context, latents, labels, coloring *Node) *Node {
	ctx = ctx.In(GeneratorScope)
	_, images := gen.grow(ctx, latents, labels, coloring, gen.cfg.NumLayers()-1)
	return images
}

// grow builds layer index and, recursively, all the coarser layers. It returns the feature maps for the
// next layer (nil for the last layer) and the images at the resolution of this layer (nil for layer 0).
func (gen *Generator) grow(ctx *context.Context, latents, labels, coloring *Node, index int) (featureMaps, images *Node) {
	layerCtx := ctx.In(LayerScope(index))
	role := layerRoleAt(index, gen.cfg.NumLayers())
	if role == roleBase {
		featureMaps = gen.blocks.DenseBlock(layerCtx.In("dense_block"), latents, labels, index)
		return featureMaps, nil
	}

	featureMaps, images = gen.grow(ctx, latents, labels, coloring, index-1)
	newImages := gen.blocks.ColorBlock(layerCtx.In("color_block"), featureMaps, index)
	switch role {
	case roleFirst, roleFirstAndLast:
		// Lowest resolution: nothing to fade from.
		images = newImages
	default:
		oldImages := Upsample2x(images, gen.cfg.DataFormat)
		images = BlendGraph(GeneratorSide, coloring, index, oldImages, newImages)
	}

	if role == roleLast || role == roleFirstAndLast {
		return nil, images
	}
	featureMaps = gen.blocks.Deconv2DBlock(layerCtx.In("deconv2d_block"), featureMaps, index)
	return featureMaps, images
}
