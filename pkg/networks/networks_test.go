package networks

import (
	"fmt"
	"math"
	"testing"

	"github.com/gomlx/gansynth/pkg/pggan"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPixelNorm(t *testing.T) {
	backend := backends.MustNew()
	output, err := context.ExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
		x := Const(g, [][][][]float32{{{{3, 4}}}})
		return PixelNorm(ctx, x, images.ChannelsLast)
	})
	require.NoError(t, err)
	got := tensors.MustCopyFlatData[float32](output)
	scale := float32(math.Sqrt(12.5))
	assert.InDelta(t, 3/scale, got[0], 1e-5)
	assert.InDelta(t, 4/scale, got[1], 1e-5)
}

func TestSpectralNormalize(t *testing.T) {
	backend := backends.MustNew()
	weights := [][]float32{{3, 0}, {0, 1}}

	t.Run("converges when training", func(t *testing.T) {
		ctx := context.New()
		exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			ctx.SetTraining(g, true)
			return SpectralNormalize(ctx, Const(g, weights))
		})
		require.NoError(t, err)
		var got []float32
		for range 20 {
			output, err := exec.Exec1()
			require.NoError(t, err)
			got = tensors.MustCopyFlatData[float32](output)
		}
		assert.InDelta(t, 1.0, got[0], 1e-3, "largest singular value should be normalized to 1")
		assert.InDelta(t, 1.0/3.0, got[3], 1e-3)
	})

	t.Run("frozen when not training", func(t *testing.T) {
		ctx := context.New()
		exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return SpectralNormalize(ctx, Const(g, weights))
		})
		require.NoError(t, err)
		first, err := exec.Exec1()
		require.NoError(t, err)
		second, err := exec.Exec1()
		require.NoError(t, err)
		assert.Equal(t, tensors.MustCopyFlatData[float32](first), tensors.MustCopyFlatData[float32](second))

		uVar := ctx.InspectVariable(ctx.Scope(), SpectralNormVectorName)
		require.NotNil(t, uVar)
		assert.False(t, uVar.Trainable)
		u, err := uVar.Value()
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 1}, tensors.MustCopyFlatData[float32](u))
	})
}

func TestConv2D(t *testing.T) {
	backend := backends.MustNew()
	kernel := [][][][]float32{
		{{{1}}, {{1}}, {{1}}},
		{{{1}}, {{1}}, {{1}}},
		{{{1}}, {{1}}, {{1}}},
	}
	for _, tc := range []struct {
		name       string
		dataFormat images.ChannelsAxisConfig
		dims       []int
	}{
		{"channels last", images.ChannelsLast, []int{1, 2, 2, 1}},
		{"channels first", images.ChannelsFirst, []int{1, 1, 2, 2}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.New().Checked(false)
			ctx.SetParam(ParamSpectralNorm, false)
			ctx.In("conv").VariableWithValue("weights", kernel)
			output, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				x := AddScalar(IotaFull(g, shapes.Make(dtypes.Float32, tc.dims...)), 1)
				return Conv2D(ctx.In("conv"), x, tc.dataFormat, 1, 3)
			})
			require.NoError(t, err)
			require.NoError(t, output.Shape().Check(dtypes.Float32, tc.dims...))
			// Every 3x3 window with "same" padding covers the whole 2x2 image: 1+2+3+4.
			assert.Equal(t, []float32{10, 10, 10, 10}, tensors.MustCopyFlatData[float32](output))

			wide, err := context.ExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
				x := Ones(g, shapes.Make(dtypes.Float32, tc.dims...))
				return Conv2D(ctx.In("wide"), x, tc.dataFormat, 5, 3)
			})
			require.NoError(t, err)
			wantDims := []int{1, 2, 2, 5}
			if tc.dataFormat == images.ChannelsFirst {
				wantDims = []int{1, 5, 2, 2}
			}
			require.NoError(t, wide.Shape().Check(dtypes.Float32, wantDims...))
		})
	}
}

func TestDense(t *testing.T) {
	backend := backends.MustNew()
	ctx := context.New().Checked(false)
	ctx.SetParam(ParamSpectralNorm, false)
	ctx.In("dense").VariableWithValue("weights", [][]float32{{1, 0, -1}, {2, 1, 0}})
	ctx.In("dense").VariableWithValue("biases", []float32{0.5, 0, 0})
	output, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return Dense(ctx.In("dense"), Const(g, [][]float32{{1, 1}, {3, -1}}), 3)
	})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{3.5, 1, -1}, {1.5, -1, -3}}, output.Value())
}

func TestNetworks(t *testing.T) {
	backend := backends.MustNew()
	const (
		batchSize  = 3
		latentSize = 4
		numClasses = 5
		channels   = 2
	)
	cfg, err := pggan.NewConfig([]int{2, 2}, []int{8, 8}, 4, 16, images.ChannelsLast)
	require.NoError(t, err)
	net, err := New(cfg, channels, numClasses)
	require.NoError(t, err)
	gen, err := pggan.NewGenerator(cfg, net.Generator())
	require.NoError(t, err)
	disc, err := pggan.NewDiscriminator(cfg, net.Discriminator())
	require.NoError(t, err)

	ctx := context.New()
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, coloring *Node) (*Node, *Node) {
		g := coloring.Graph()
		latents := Ones(g, shapes.Make(dtypes.Float32, batchSize, latentSize))
		labels := Const(g, []int32{0, 2, 4})
		fakes := gen.Generate(ctx, latents, labels, coloring)
		return fakes, disc.Discriminate(ctx, fakes, labels, coloring)
	})
	require.NoError(t, err)

	for c := 0.0; c <= float64(cfg.NumLayers()-1); c += 0.5 {
		t.Run(fmt.Sprintf("coloring=%.1f", c), func(t *testing.T) {
			fakes, logits, err := exec.Exec2(float32(c))
			require.NoError(t, err)
			require.NoError(t, fakes.Shape().Check(dtypes.Float32, batchSize, 8, 8, channels))
			require.NoError(t, logits.Shape().Check(dtypes.Float32, batchSize, 1))
			for _, v := range tensors.MustCopyFlatData[float32](fakes) {
				require.True(t, v >= -1 && v <= 1, "generated value %g out of [-1, 1]", v)
			}
			for _, v := range tensors.MustCopyFlatData[float32](logits) {
				require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
			}
		})
	}

	for _, scope := range []string{
		"/generator/layer_0/dense_block/dense",
		"/generator/layer_1/color_block",
		"/generator/layer_3/color_block",
		"/discriminator/layer_3/color_block",
		"/discriminator/layer_2/conv2d_block/conv_1",
		"/discriminator/layer_0/dense_block/logits",
	} {
		assert.NotNil(t, ctx.InspectVariable(scope, "weights"), "missing weights in scope %q", scope)
	}
	assert.NotNil(t, ctx.InspectVariable("/discriminator/layer_0/dense_block/projection", "embeddings"))
}

func TestNew(t *testing.T) {
	cfg, err := pggan.NewConfig([]int{2, 2}, []int{8, 8}, 4, 16, images.ChannelsLast)
	require.NoError(t, err)
	_, err = New(cfg, 0, 3)
	require.Error(t, err)
	_, err = New(cfg, 2, 0)
	require.Error(t, err)
}
