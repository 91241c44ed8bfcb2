package gansynth

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

// SplitChannels splits a float32 batch of 2D images shaped [batch, height, width, channels] (or
// [batch, channels, height, width] for images.ChannelsFirst) into one [batch, height, width] tensor per channel.
func SplitChannels(t *tensors.Tensor, dataFormat images.ChannelsAxisConfig) ([]*tensors.Tensor, error) {
	shape := t.Shape()
	if shape.DType != dtypes.Float32 || shape.Rank() != 4 {
		return nil, errors.Errorf("SplitChannels requires a float32 tensor of rank 4, got %s", shape)
	}
	var batchSize, channels, height, width int
	if dataFormat == images.ChannelsFirst {
		batchSize, channels, height, width = shape.Dimensions[0], shape.Dimensions[1], shape.Dimensions[2], shape.Dimensions[3]
	} else {
		batchSize, height, width, channels = shape.Dimensions[0], shape.Dimensions[1], shape.Dimensions[2], shape.Dimensions[3]
	}
	planes := make([][]float32, channels)
	for c := range planes {
		planes[c] = make([]float32, batchSize*height*width)
	}
	err := tensors.ConstFlatData(t, func(flat []float32) {
		for b := range batchSize {
			for y := range height {
				for x := range width {
					pixel := (b*height+y)*width + x
					for c := range channels {
						var idx int
						if dataFormat == images.ChannelsFirst {
							idx = ((b*channels+c)*height+y)*width + x
						} else {
							idx = pixel*channels + c
						}
						planes[c][pixel] = flat[idx]
					}
				}
			}
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "SplitChannels")
	}
	split := make([]*tensors.Tensor, channels)
	for c, plane := range planes {
		split[c] = tensors.FromFlatDataAndDimensions(plane, batchSize, height, width)
	}
	return split, nil
}
