// Package networks implements the GANSynth generator and discriminator blocks that are grown by the
// pggan package.
//
// All weights are (optionally) spectrally normalized, the generator uses pixel normalization and leaky
// ReLUs, its images are squashed with tanh, and the discriminator conditions on the pitch with a
// projection layer (see "cGANs with Projection Discriminator", https://arxiv.org/abs/1802.05637).
package networks

import (
	"github.com/gomlx/gansynth/pkg/pggan"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// PGGAN holds the configuration shared by the generator and discriminator blocks.
type PGGAN struct {
	Config *pggan.Config

	// Channels of the generated images: 2 for log-magnitude and instantaneous frequency.
	Channels int

	// NumClasses is the number of distinct labels (pitches).
	NumClasses int
}

// New returns a PGGAN network builder.
func New(cfg *pggan.Config, channels, numClasses int) (*PGGAN, error) {
	if channels <= 0 || numClasses <= 0 {
		return nil, errors.Errorf("networks.New: channels (%d) and numClasses (%d) must be positive", channels, numClasses)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PGGAN{Config: cfg, Channels: channels, NumClasses: numClasses}, nil
}

// Generator returns the generator blocks.
func (p *PGGAN) Generator() *GeneratorBlocks { return &GeneratorBlocks{p} }

// Discriminator returns the discriminator blocks.
func (p *PGGAN) Discriminator() *DiscriminatorBlocks { return &DiscriminatorBlocks{p} }

// featureMapDims returns the dimensions of a feature map with the given resolution and filters,
// following the configured data format.
func (p *PGGAN) featureMapDims(batchSize int, resolution []int, filters int) []int {
	dims := make([]int, 0, len(resolution)+2)
	dims = append(dims, batchSize)
	if p.Config.DataFormat == images.ChannelsFirst {
		dims = append(dims, filters)
		dims = append(dims, resolution...)
	} else {
		dims = append(dims, resolution...)
		dims = append(dims, filters)
	}
	return dims
}

// GeneratorBlocks implements pggan.GeneratorBlocks.
type GeneratorBlocks struct {
	*PGGAN
}

var _ pggan.GeneratorBlocks = (*GeneratorBlocks)(nil)

// DenseBlock projects the latents, concatenated with the one-hot encoded labels, to the feature maps of
// the lowest resolution.
func (b *GeneratorBlocks) DenseBlock(ctx *context.Context, latents, labels *Node, index int) *Node {
	batchSize := latents.Shape().Dimensions[0]
	filters := b.Config.FiltersAt(1)
	x := Concatenate([]*Node{latents, OneHot(labels, b.NumClasses, latents.DType())}, -1)
	x = PixelNorm(ctx, x, images.ChannelsLast)

	size := filters
	for _, dim := range b.Config.MinResolution {
		size *= dim
	}
	x = Dense(ctx.In("dense"), x, size)
	x = Reshape(x, b.featureMapDims(batchSize, b.Config.MinResolution, filters)...)
	x = PixelNorm(ctx, leakyRelu(ctx, x), b.Config.DataFormat)
	return b.conv(ctx.In("conv"), x, filters)
}

// conv is a 3x3 convolution followed by the leaky ReLU and the pixel normalization.
func (b *GeneratorBlocks) conv(ctx *context.Context, x *Node, filters int) *Node {
	x = Conv2D(ctx, x, b.Config.DataFormat, filters, 3)
	return PixelNorm(ctx, leakyRelu(ctx, x), b.Config.DataFormat)
}

// Deconv2DBlock doubles the resolution of the feature maps and refines them with two convolutions.
func (b *GeneratorBlocks) Deconv2DBlock(ctx *context.Context, featureMaps *Node, index int) *Node {
	filters := b.Config.FiltersAt(index + 1)
	x := pggan.Upsample2x(featureMaps, b.Config.DataFormat)
	x = b.conv(ctx.In("conv_0"), x, filters)
	return b.conv(ctx.In("conv_1"), x, filters)
}

// ColorBlock converts feature maps to images with a 1x1 convolution squashed to [-1, 1].
func (b *GeneratorBlocks) ColorBlock(ctx *context.Context, featureMaps *Node, index int) *Node {
	return Tanh(Conv2D(ctx, featureMaps, b.Config.DataFormat, b.Channels, 1))
}

// DiscriminatorBlocks implements pggan.DiscriminatorBlocks.
type DiscriminatorBlocks struct {
	*PGGAN
}

var _ pggan.DiscriminatorBlocks = (*DiscriminatorBlocks)(nil)

func (b *DiscriminatorBlocks) conv(ctx *context.Context, x *Node, filters int) *Node {
	return leakyRelu(ctx, Conv2D(ctx, x, b.Config.DataFormat, filters, 3))
}

// DenseBlock flattens the lowest resolution feature maps and returns the logits, shaped [batchSize, 1].
// The labels are projected onto the last hidden layer.
func (b *DiscriminatorBlocks) DenseBlock(ctx *context.Context, featureMaps, labels *Node, index int) *Node {
	batchSize := featureMaps.Shape().Dimensions[0]
	filters := b.Config.FiltersAt(1)
	x := b.conv(ctx.In("conv"), featureMaps, filters)
	x = Reshape(x, batchSize, x.Shape().Size()/batchSize)
	hidden := leakyRelu(ctx, Dense(ctx.In("dense"), x, filters))
	logits := Dense(ctx.In("logits"), hidden, 1)

	embeddings := ctx.In("projection").VariableWithShape(
		"embeddings", shapes.Make(hidden.DType(), b.NumClasses, filters)).ValueGraph(hidden.Graph())
	embedded := Gather(embeddings, InsertAxes(labels, -1))
	projection := ReduceAndKeep(Mul(embedded, hidden), ReduceSum, -1)
	return Add(logits, projection)
}

// Conv2DBlock refines the feature maps of the finer layer and halves their resolution.
func (b *DiscriminatorBlocks) Conv2DBlock(ctx *context.Context, featureMaps *Node, index int) *Node {
	x := b.conv(ctx.In("conv_0"), featureMaps, b.Config.FiltersAt(index+1))
	x = b.conv(ctx.In("conv_1"), x, b.Config.FiltersAt(index))
	return pggan.Downsample2x(x, b.Config.DataFormat)
}

// ColorBlock converts images at the resolution of layer index to feature maps.
func (b *DiscriminatorBlocks) ColorBlock(ctx *context.Context, images *Node, index int) *Node {
	return leakyRelu(ctx, Conv2D(ctx, images, b.Config.DataFormat, b.Config.FiltersAt(index), 1))
}
