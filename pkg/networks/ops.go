package networks

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/nn"
)

const (
	// ParamLeakyReluAlpha is the context hyperparameter with the negative slope of the leaky ReLU
	// activations. Default is 0.2.
	ParamLeakyReluAlpha = "pggan_leaky_relu_alpha"

	// ParamSpectralNorm is the context hyperparameter that enables spectral normalization of
	// every weight matrix. Default is true.
	ParamSpectralNorm = "pggan_spectral_norm"

	// ParamPixelNormEpsilon is the epsilon used by PixelNorm. Default is 1e-8.
	ParamPixelNormEpsilon = "pggan_pixel_norm_epsilon"

	// SpectralNormVectorName is the name of the non-trainable variable holding the power-iteration
	// vector of each spectrally normalized weight.
	SpectralNormVectorName = "spectral_u"
)

// channelsFirstAxes configures Convolve for images shaped [batch, channels, height, width], while keeping
// the kernel shaped [height, width, inputChannels, outputChannels], as for channels-last.
var channelsFirstAxes = ConvolveAxesConfig{
	InputBatch:           0,
	InputChannels:        1,
	InputSpatial:         []int{2, 3},
	KernelSpatial:        []int{0, 1},
	KernelInputChannels:  2,
	KernelOutputChannels: 3,
	OutputBatch:          0,
	OutputChannels:       1,
	OutputSpatial:        []int{2, 3},
}

// leakyRelu applies the leaky ReLU with the alpha configured in the context.
func leakyRelu(ctx *context.Context, x *Node) *Node {
	return activations.LeakyReluWithAlpha(x, context.GetParamOr(ctx, ParamLeakyReluAlpha, 0.2))
}

// PixelNorm normalizes the feature vector of each pixel to unit average square, as in the
// progressive growing GAN generator.
func PixelNorm(ctx *context.Context, x *Node, dataFormat images.ChannelsAxisConfig) *Node {
	epsilon := context.GetParamOr(ctx, ParamPixelNormEpsilon, 1e-8)
	channelsAxis := images.GetChannelsAxis(x, dataFormat)
	meanSquare := ReduceAndKeep(Square(x), ReduceMean, channelsAxis)
	return Mul(x, Rsqrt(AddScalar(meanSquare, epsilon)))
}

// SpectralNormalize divides weights by an estimate of their largest singular value, see
// "Spectral Normalization for Generative Adversarial Networks" (https://arxiv.org/abs/1802.05957).
//
// The weights are viewed as a matrix [rows, outputs], where the last axis is the outputs.
// One power iteration is performed per graph, and when training (see context.Context.IsTraining) the
// power-iteration vector (a non-trainable variable) is updated.
func SpectralNormalize(ctx *context.Context, weights *Node) *Node {
	g := weights.Graph()
	dims := weights.Shape().Dimensions
	if len(dims) < 2 {
		exceptions.Panicf("SpectralNormalize requires weights with rank >= 2, got shape %s", weights.Shape())
	}
	outputs := dims[len(dims)-1]
	rows := weights.Shape().Size() / outputs
	matrix := Reshape(weights, rows, outputs)

	initialU := make([]float32, outputs)
	for ii := range initialU {
		initialU[ii] = 1
	}
	uVar := ctx.VariableWithValue(SpectralNormVectorName, initialU).SetTrainable(false)
	u := Reshape(ConvertDType(uVar.ValueGraph(g), weights.DType()), outputs, 1)

	// One step of power iteration, not differentiated.
	v := l2Normalize(StopGradient(Einsum("ro,ox->rx", matrix, u)))
	u = l2Normalize(StopGradient(Einsum("ro,rx->ox", matrix, v)))
	sigma := ReduceAllSum(Mul(v, Einsum("ro,ox->rx", matrix, u)))
	if ctx.IsTraining(g) {
		uVar.SetValueGraph(ConvertDType(Reshape(u, outputs), uVar.DType()))
	}
	return Div(weights, sigma)
}

func l2Normalize(x *Node) *Node {
	return Div(x, AddScalar(Sqrt(ReduceAllSum(Square(x))), 1e-12))
}

// weightsVar returns the weights for a layer, spectrally normalized if so configured.
func weightsVar(ctx *context.Context, g *Graph, shape shapes.Shape) *Node {
	weights := ctx.VariableWithShape("weights", shape).ValueGraph(g)
	if context.GetParamOr(ctx, ParamSpectralNorm, true) {
		weights = SpectralNormalize(ctx, weights)
	}
	return weights
}

// biasesVar returns a zero-initialized bias vector, reshaped to broadcast on the given axis of a
// tensor with the given rank.
func biasesVar(ctx *context.Context, g *Graph, size, axis, rank int) *Node {
	biases := ctx.VariableWithValue("biases", make([]float32, size)).ValueGraph(g)
	broadcastDims := make([]int, rank)
	for ii := range broadcastDims {
		broadcastDims[ii] = 1
	}
	broadcastDims[axis] = size
	return Reshape(biases, broadcastDims...)
}

// Conv2D applies a square 2D convolution with "same" padding, followed by a bias.
func Conv2D(ctx *context.Context, x *Node, dataFormat images.ChannelsAxisConfig, filters, kernelSize int) *Node {
	g := x.Graph()
	channelsAxis := images.GetChannelsAxis(x, dataFormat)
	inputChannels := x.Shape().Dimensions[channelsAxis]
	kernel := weightsVar(ctx, g, shapes.Make(x.DType(), kernelSize, kernelSize, inputChannels, filters))
	conv := Convolve(x, kernel)
	if dataFormat == images.ChannelsFirst {
		conv = conv.AxesConfig(channelsFirstAxes)
	}
	output := conv.Strides(1).PadSame().Done()
	return Add(output, biasesVar(ctx, g, filters, channelsAxis, output.Rank()))
}

// Dense applies a fully connected layer to x shaped [batchSize, inputs].
func Dense(ctx *context.Context, x *Node, outputs int) *Node {
	g := x.Graph()
	x.AssertRank(2)
	weights := weightsVar(ctx, g, shapes.Make(x.DType(), x.Shape().Dimensions[1], outputs))
	biases := ctx.VariableWithValue("biases", make([]float32, outputs)).ValueGraph(g)
	return nn.Dense(x, weights, biases)
}
