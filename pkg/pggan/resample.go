package pggan

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
)

// Upsample2x doubles every spatial dimension of x by repeating each value (nearest neighbor).
func Upsample2x(x *Node, dataFormat images.ChannelsAxisConfig) *Node {
	return UpsampleBy(x, dataFormat, 2)
}

// UpsampleBy multiplies every spatial dimension of x by factor, repeating each value factor times
// along each spatial axis.
func UpsampleBy(x *Node, dataFormat images.ChannelsAxisConfig, factor int) *Node {
	if factor == 1 {
		return x
	}
	for _, axis := range images.GetSpatialAxes(x, dataFormat) {
		x = repeatAxis(x, axis, factor)
	}
	return x
}

// repeatAxis repeats each element of x along axis, factor times.
func repeatAxis(x *Node, axis, factor int) *Node {
	dims := x.Shape().Clone().Dimensions
	expanded := InsertAxes(x, axis+1)
	broadcastDims := make([]int, 0, len(dims)+1)
	broadcastDims = append(broadcastDims, dims[:axis+1]...)
	broadcastDims = append(broadcastDims, factor)
	broadcastDims = append(broadcastDims, dims[axis+1:]...)
	expanded = BroadcastToDims(expanded, broadcastDims...)
	dims[axis] *= factor
	return Reshape(expanded, dims...)
}

// Downsample2x halves every spatial dimension of x by averaging 2x2 windows.
func Downsample2x(x *Node, dataFormat images.ChannelsAxisConfig) *Node {
	return DownsampleBy(x, dataFormat, 2)
}

// DownsampleBy divides every spatial dimension of x by factor, averaging non-overlapping windows.
func DownsampleBy(x *Node, dataFormat images.ChannelsAxisConfig, factor int) *Node {
	if factor == 1 {
		return x
	}
	return MeanPool(x).ChannelsAxis(dataFormat).Window(factor).Strides(factor).NoPadding().Done()
}

// Rescale shrinks x by factor and then scales it back to its original size: the result keeps the
// shape of x, but only carries the information of the lower resolution.
//
// This is used to match real data to the resolution of the stage being trained.
func Rescale(x *Node, dataFormat images.ChannelsAxisConfig, factor int) *Node {
	return UpsampleBy(DownsampleBy(x, dataFormat, factor), dataFormat, factor)
}
