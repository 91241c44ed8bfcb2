package pggan

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// DiscriminatorScope is the context scope under which the discriminator variables are created.
const DiscriminatorScope = "discriminator"

// Discriminator grows a discriminator network from DiscriminatorBlocks, mirroring the Generator.
type Discriminator struct {
	cfg    *Config
	blocks DiscriminatorBlocks
}

// NewDiscriminator returns a Discriminator for the configuration.
// It fails with ErrMissingBlocks if blocks is nil.
func NewDiscriminator(cfg *Config, blocks DiscriminatorBlocks) (*Discriminator, error) {
	if blocks == nil {
		return nil, errors.Wrap(ErrMissingBlocks, "pggan.NewDiscriminator")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Discriminator{cfg: cfg, blocks: blocks}, nil
}

// Config returns the discriminator configuration.
func (d *Discriminator) Config() *Config { return d.cfg }

// Discriminate builds the discriminator graph.
//
// The images must be at Config.MaxResolution (real data of earlier stages is expected to be re-scaled,
// see Rescale). The labels are the conditioning given to the DenseBlock, and coloring is the scalar
// coloring index, the same value given to the Generator.
//
// It returns the logits shaped [batchSize, 1].
func (d *Discriminator) Discriminate(ctx *context.Context, images, labels, coloring *Node) *Node {
	ctx = ctx.In(DiscriminatorScope)
	return d.grow(ctx, nil, images, labels, coloring, d.cfg.NumLayers()-1)
}

// grow consumes the feature maps coming from the finer layer index+1 (nil for the top layer) and the
// images at the resolution of layer index (nil below layer 1), and recursively goes down to the logits.
func (d *Discriminator) grow(ctx *context.Context, featureMaps, images, labels, coloring *Node, index int) *Node {
	layerCtx := ctx.In(LayerScope(index))
	role := layerRoleAt(index, d.cfg.NumLayers())
	switch role {
	case roleBase:
		return d.blocks.DenseBlock(layerCtx.In("dense_block"), featureMaps, labels, index)

	case roleLast, roleFirstAndLast:
		// Entry point of the full resolution images: nothing to fade from.
		featureMaps = d.blocks.ColorBlock(layerCtx.In("color_block"), images, index)

	default:
		oldFeatureMaps := d.blocks.ColorBlock(layerCtx.In("color_block"), images, index)
		newFeatureMaps := d.blocks.Conv2DBlock(layerCtx.In("conv2d_block"), featureMaps, index)
		featureMaps = BlendGraph(DiscriminatorSide, coloring, index, oldFeatureMaps, newFeatureMaps)
	}

	if index > 1 {
		images = Downsample2x(images, d.cfg.DataFormat)
	} else {
		images = nil
	}
	return d.grow(ctx, featureMaps, images, labels, coloring, index-1)
}
