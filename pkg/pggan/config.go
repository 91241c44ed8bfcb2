// Package pggan builds progressively grown generator and discriminator networks.
//
// The networks are grown through a sequence of resolution stages, from MinResolution to MaxResolution,
// doubling the spatial size at each stage. A continuous "coloring index", derived from the training
// progress (see Schedule), controls how the newest stage is faded in: the output of a freshly introduced
// layer is linearly blended with the (re-sampled) output of the previous, already trained, stage.
//
// The recursions in Generate and Discriminate are agnostic to the actual blocks used: they are supplied by
// an implementation of GeneratorBlocks and DiscriminatorBlocks (see package networks for the GANSynth ones).
//
// The blend selection is evaluated at execution time from a scalar coloring index fed to the graph, so
// one compiled graph serves the whole training.
package pggan

import (
	"fmt"
	"math/bits"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

const (
	// ParamMinResolution and ParamMaxResolution are the context hyperparameters ([]int) with the
	// resolution range of the images.
	ParamMinResolution = "pggan_min_resolution"
	ParamMaxResolution = "pggan_max_resolution"

	// ParamMinFilters and ParamMaxFilters are the context hyperparameters (int) with the filters range.
	ParamMinFilters = "pggan_min_filters"
	ParamMaxFilters = "pggan_max_filters"

	// ParamChannelsFirst (bool) selects images.ChannelsFirst, instead of the default images.ChannelsLast.
	ParamChannelsFirst = "pggan_channels_first"
)

var (
	// ErrInvalidFilters is returned when the ratio of MaxFilters/MinFilters doesn't match the
	// ratio of MaxResolution/MinResolution, for every spatial axis.
	ErrInvalidFilters = errors.New("invalid number of filters")

	// ErrMissingBlocks is returned when a network is constructed without its building blocks.
	ErrMissingBlocks = errors.New("network building blocks not provided")
)

// Config of the progressive growing architecture.
type Config struct {
	// MinResolution and MaxResolution of the images, one value per spatial axis.
	// E.g.: {2, 16} and {128, 1024} for the GANSynth spectrograms ([time, frequency]).
	MinResolution, MaxResolution []int

	// MinFilters and MaxFilters are the number of channels of the finest and coarsest layers.
	// Their ratio must match the resolution ratio.
	MinFilters, MaxFilters int

	// DataFormat defines where the channels axis is. Default is images.ChannelsLast.
	DataFormat images.ChannelsAxisConfig

	numLayers int
}

// NewConfig creates and validates a Config. It returns an error wrapping ErrInvalidFilters if the
// resolution and filters ratios don't match.
func NewConfig(minResolution, maxResolution []int, minFilters, maxFilters int, dataFormat images.ChannelsAxisConfig) (*Config, error) {
	c := &Config{
		MinResolution: slices.Clone(minResolution),
		MaxResolution: slices.Clone(maxResolution),
		MinFilters:    minFilters,
		MaxFilters:    maxFilters,
		DataFormat:    dataFormat,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ConfigFromContext creates a Config from the context hyperparameters, using defaults for the ones not set.
func ConfigFromContext(ctx *context.Context, defaults *Config) (*Config, error) {
	dataFormat := images.ChannelsLast
	if context.GetParamOr(ctx, ParamChannelsFirst, defaults.DataFormat == images.ChannelsFirst) {
		dataFormat = images.ChannelsFirst
	}
	return NewConfig(
		context.GetParamOr(ctx, ParamMinResolution, defaults.MinResolution),
		context.GetParamOr(ctx, ParamMaxResolution, defaults.MaxResolution),
		context.GetParamOr(ctx, ParamMinFilters, defaults.MinFilters),
		context.GetParamOr(ctx, ParamMaxFilters, defaults.MaxFilters),
		dataFormat)
}

// SetParams writes the configuration as context hyperparameters, so it is saved with checkpoints.
func (c *Config) SetParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamMinResolution: slices.Clone(c.MinResolution),
		ParamMaxResolution: slices.Clone(c.MaxResolution),
		ParamMinFilters:    c.MinFilters,
		ParamMaxFilters:    c.MaxFilters,
		ParamChannelsFirst: c.DataFormat == images.ChannelsFirst,
	})
}

// Validate checks the configuration and caches the number of layers.
func (c *Config) Validate() error {
	if len(c.MinResolution) == 0 || len(c.MinResolution) != len(c.MaxResolution) {
		return errors.Errorf("pggan: MinResolution %v and MaxResolution %v must be non-empty and have the same rank",
			c.MinResolution, c.MaxResolution)
	}
	if c.MinFilters <= 0 || c.MaxFilters < c.MinFilters {
		return errors.Wrapf(ErrInvalidFilters, "pggan: MinFilters=%d, MaxFilters=%d", c.MinFilters, c.MaxFilters)
	}
	filtersRatio := c.MaxFilters / c.MinFilters
	if !isPowerOf2(filtersRatio) {
		return errors.Wrapf(ErrInvalidFilters, "pggan: MaxFilters/MinFilters=%d/%d is not a power of 2",
			c.MaxFilters, c.MinFilters)
	}
	for axis, minRes := range c.MinResolution {
		maxRes := c.MaxResolution[axis]
		if minRes <= 0 || maxRes < minRes {
			return errors.Errorf("pggan: invalid resolution range [%d, %d] for spatial axis #%d", minRes, maxRes, axis)
		}
		if maxRes/minRes != filtersRatio {
			return errors.Wrapf(ErrInvalidFilters,
				"pggan: resolution ratio %d/%d for spatial axis #%d doesn't match filters ratio %d/%d",
				maxRes, minRes, axis, c.MaxFilters, c.MinFilters)
		}
	}
	c.numLayers = log2(filtersRatio) + 2
	return nil
}

// NumLayers in the recursions: one dense (projection) layer plus one per resolution stage.
func (c *Config) NumLayers() int {
	if c.numLayers == 0 {
		if err := c.Validate(); err != nil {
			panic(err)
		}
	}
	return c.numLayers
}

// MaxDepth is the number of resolution doublings between MinResolution and MaxResolution.
func (c *Config) MaxDepth() int {
	return c.NumLayers() - 2
}

// ResolutionAt returns the spatial dimensions of the images produced (generator) or consumed
// (discriminator) at the given layer. Layer 0 (dense) and layer 1 both work at MinResolution.
func (c *Config) ResolutionAt(layer int) []int {
	if layer < 1 {
		layer = 1
	}
	res := make([]int, len(c.MinResolution))
	for axis, minRes := range c.MinResolution {
		res[axis] = minRes << (layer - 1)
	}
	return res
}

// FiltersAt returns the number of channels of the feature maps at the given layer: coarser layers have more
// channels, halving at each resolution doubling.
func (c *Config) FiltersAt(layer int) int {
	if layer < 1 {
		layer = 1
	}
	return max(c.MinFilters, c.MaxFilters>>(layer-1))
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	return fmt.Sprintf("pggan.Config{resolution: %v -> %v, filters: %d -> %d, layers: %d}",
		c.MinResolution, c.MaxResolution, c.MaxFilters, c.MinFilters, c.NumLayers())
}

func isPowerOf2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func log2(n int) int {
	return bits.Len(uint(n)) - 1
}
