package gansynth

import (
	"context"
	"math"
	"testing"

	"github.com/gomlx/gansynth/pkg/networks"
	"github.com/gomlx/gansynth/pkg/pggan"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHingeLosses(t *testing.T) {
	backend := backends.MustNew()
	dLoss, err := ExecOnce(backend, func(g *Graph) *Node {
		realLogits := Const(g, [][]float32{{2}, {0}})  // relu(1-2)=0, relu(1-0)=1 -> mean 0.5
		fakeLogits := Const(g, [][]float32{{-3}, {1}}) // relu(1-3)=0, relu(1+1)=2 -> mean 1
		return DiscriminatorHingeLoss(realLogits, fakeLogits)
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.5, tensors.ToScalar[float32](dLoss), 1e-6)

	gLoss, err := ExecOnce(backend, func(g *Graph) *Node {
		return GeneratorHingeLoss(Const(g, [][]float32{{1}, {3}}))
	})
	require.NoError(t, err)
	assert.InDelta(t, -2.0, tensors.ToScalar[float32](gLoss), 1e-6)
}

type constantRealInput struct{}

func (constantRealInput) Next(downscale int) (*tensors.Tensor, *tensors.Tensor, error) {
	data := make([]float32, testBatchSize*4*4*testChannels)
	for ii := range data {
		data[ii] = float32(ii%7)/7 - 0.5
	}
	return tensors.FromFlatDataAndDimensions(data, testBatchSize, 4, 4, testChannels), tensors.FromValue([]int32{0, 2}), nil
}

type constantFakeInput struct{}

func (constantFakeInput) Next() (*tensors.Tensor, *tensors.Tensor, error) {
	return tensors.FromValue([][]float32{{0.5, -1, 0.25}, {-0.3, 0.8, 1}}), tensors.FromValue([]int32{1, 2}), nil
}

func buildTestTrainer(t *testing.T, backend backends.Backend, ctx *mlctx.Context, cfg Config) (*pggan.Config, *GANTrainer) {
	pgganCfg, err := pggan.NewConfig([]int{2, 2}, []int{4, 4}, 4, 8, images.ChannelsLast)
	require.NoError(t, err)
	net, err := networks.New(pgganCfg, testChannels, 3)
	require.NoError(t, err)
	gen, err := pggan.NewGenerator(pgganCfg, net.Generator())
	require.NoError(t, err)
	disc, err := pggan.NewDiscriminator(pgganCfg, net.Discriminator())
	require.NoError(t, err)
	trainer, err := NewGANTrainer(backend, ctx, gen, disc, cfg)
	require.NoError(t, err)
	return pgganCfg, trainer
}

func TestGANTrainer(t *testing.T) {
	backend := backends.MustNew()
	checkpointDir := t.TempDir()
	cfg := DefaultConfig()
	cfg.MaxSteps = 3
	cfg.CheckpointSteps = 2

	ctx := mlctx.New()
	pgganCfg, trainer := buildTestTrainer(t, backend, ctx, cfg)
	m, err := NewModel(cfg, pgganCfg, trainer, constantRealInput{}, constantFakeInput{})
	require.NoError(t, err)
	m.WithCheckpointer(NewCheckpointer(ctx, checkpointDir, 3))
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Train(context.Background()))

	step, err := trainer.GlobalStep()
	require.NoError(t, err)
	require.Equal(t, int64(4), step, "steps 0 to 3 should have been executed")

	// The discriminator optimizer keeps its own step counter.
	dStep := optimizers.GetGlobalStep(ctx.In(DiscriminatorOptimizerScope))
	assert.Equal(t, int64(4), dStep)

	// Each optimizer only holds moments for its own network.
	assert.NotNil(t, ctx.InspectVariable("/"+AdamGeneratorScope+"/generator/layer_1/color_block", "weights_1st_moment"))
	assert.NotNil(t, ctx.InspectVariable("/"+AdamDiscriminatorScope+"/discriminator/layer_1/color_block", "weights_1st_moment"))
	assert.Nil(t, ctx.InspectVariable("/"+AdamGeneratorScope+"/discriminator/layer_1/color_block", "weights_1st_moment"))
	assert.Nil(t, ctx.InspectVariable("/"+AdamDiscriminatorScope+"/generator/layer_1/color_block", "weights_1st_moment"))
	for v := range ctx.IterVariables() {
		if v.Scope() == "/discriminator/layer_1/color_block" && v.Name() == "weights" {
			assert.True(t, v.Trainable, "discriminator variables must be trainable again after the generator step")
		}
	}

	// Generation at full depth.
	latents, labels, err := constantFakeInput{}.Next()
	require.NoError(t, err)
	fakes, err := m.Generate(latents, labels)
	require.NoError(t, err)
	require.NoError(t, fakes.Shape().Check(fakes.DType(), testBatchSize, 4, 4, testChannels))

	// Restoring into a new context resumes from the last checkpoint, saved after step 2.
	ctx2 := mlctx.New()
	_, trainer2 := buildTestTrainer(t, backend, ctx2, cfg)
	found, err := NewCheckpointer(ctx2, checkpointDir, 3).RestoreLatest()
	require.NoError(t, err)
	require.True(t, found)
	step, err = trainer2.GlobalStep()
	require.NoError(t, err)
	assert.Equal(t, int64(3), step)
}

// variableValues copies the float32 variables under the top-level scope, keyed by their scope and name.
func variableValues(t *testing.T, ctx *mlctx.Context, scope string) map[string][]float32 {
	values := make(map[string][]float32)
	for v := range ctx.InAbsPath(mlctx.RootScope + scope).IterVariablesInScope() {
		if v.Shape().DType != dtypes.Float32 {
			continue
		}
		value, err := v.Value()
		require.NoError(t, err)
		values[v.Scope()+mlctx.ScopeSeparator+v.Name()] = tensors.MustCopyFlatData[float32](value)
	}
	require.NotEmpty(t, values, "no variables under %q", scope)
	return values
}

func TestGANTrainerSteps(t *testing.T) {
	backend := backends.MustNew()
	cfg := DefaultConfig()
	cfg.MaxSteps = 10
	ctx := mlctx.New()
	pgganCfg, trainer := buildTestTrainer(t, backend, ctx, cfg)
	stage := pggan.NewSchedule(pgganCfg, cfg.MaxSteps).StageAt(cfg.MaxSteps)

	discriminatorStep := func() {
		real, realLabels, err := constantRealInput{}.Next(stage.Downscale)
		require.NoError(t, err)
		latents, labels, err := constantFakeInput{}.Next()
		require.NoError(t, err)
		loss, err := trainer.DiscriminatorStep(stage, real, realLabels, latents, labels)
		require.NoError(t, err)
		require.False(t, math.IsNaN(loss) || math.IsInf(loss, 0), "discriminator loss %g", loss)
	}
	globalStep := func() int64 {
		step, err := trainer.GlobalStep()
		require.NoError(t, err)
		return step
	}

	// The first step creates the variables of both networks.
	discriminatorStep()
	assert.Equal(t, int64(0), globalStep())
	generatorBefore := variableValues(t, ctx, pggan.GeneratorScope)
	discriminatorBefore := variableValues(t, ctx, pggan.DiscriminatorScope)

	discriminatorStep()
	assert.Equal(t, int64(0), globalStep(), "discriminator updates must not move the global step")
	assert.Equal(t, int64(2), optimizers.GetGlobalStep(ctx.In(DiscriminatorOptimizerScope)))
	assert.Equal(t, generatorBefore, variableValues(t, ctx, pggan.GeneratorScope))
	discriminatorAfter := variableValues(t, ctx, pggan.DiscriminatorScope)
	assert.NotEqual(t, discriminatorBefore, discriminatorAfter)

	latents, labels, err := constantFakeInput{}.Next()
	require.NoError(t, err)
	loss, err := trainer.GeneratorStep(stage, latents, labels)
	require.NoError(t, err)
	require.False(t, math.IsNaN(loss) || math.IsInf(loss, 0), "generator loss %g", loss)
	assert.Equal(t, int64(1), globalStep())
	assert.Equal(t, int64(2), optimizers.GetGlobalStep(ctx.In(DiscriminatorOptimizerScope)))
	// Including the spectral norm vectors, the discriminator is left untouched by the generator update.
	assert.Equal(t, discriminatorAfter, variableValues(t, ctx, pggan.DiscriminatorScope))
	assert.NotEqual(t, generatorBefore, variableValues(t, ctx, pggan.GeneratorScope))
}
