package gansynth

import (
	"context"
	"math"
	"testing"

	"github.com/gomlx/gansynth/pkg/pggan"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBatchSize = 2
	testChannels  = 2
)

func newTestPGGANConfig(t *testing.T) *pggan.Config {
	cfg, err := pggan.NewConfig([]int{2, 2}, []int{8, 8}, 4, 16, images.ChannelsLast)
	require.NoError(t, err)
	return cfg
}

// stubTrainer counts steps and returns fixed losses.
type stubTrainer struct {
	step                   int64
	discriminatorSteps     int
	generatorSteps         int
	nanAtStep              int64
	globalStepErr          error
	coloringPerStep        []float64
	discriminatorLossValue float64
}

func (s *stubTrainer) GlobalStep() (int64, error) { return s.step, s.globalStepErr }

func (s *stubTrainer) DiscriminatorStep(stage pggan.Stage, real, realLabels, latents, fakeLabels *tensors.Tensor) (float64, error) {
	s.discriminatorSteps++
	s.coloringPerStep = append(s.coloringPerStep, stage.Coloring)
	if s.nanAtStep > 0 && s.step == s.nanAtStep {
		return math.NaN(), nil
	}
	return s.discriminatorLossValue, nil
}

func (s *stubTrainer) GeneratorStep(stage pggan.Stage, latents, labels *tensors.Tensor) (float64, error) {
	s.generatorSteps++
	s.step++
	return -0.5, nil
}

func (s *stubTrainer) Generate(stage pggan.Stage, latents, labels *tensors.Tensor) (*tensors.Tensor, error) {
	return newImages(), nil
}

func newImages() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(make([]float32, testBatchSize*8*8*testChannels), testBatchSize, 8, 8, testChannels)
}

type stubRealInput struct {
	downscales []int
}

func (r *stubRealInput) Next(downscale int) (*tensors.Tensor, *tensors.Tensor, error) {
	r.downscales = append(r.downscales, downscale)
	return newImages(), tensors.FromValue([]int32{1, 2}), nil
}

type stubFakeInput struct{}

func (stubFakeInput) Next() (*tensors.Tensor, *tensors.Tensor, error) {
	return tensors.FromValue([][]float32{{0, 1}, {1, 0}}), tensors.FromValue([]int32{3, 4}), nil
}

type recordingCheckpointer struct {
	saved      []int64
	restoreErr error
	found      bool
}

func (c *recordingCheckpointer) Save(step int64) error {
	c.saved = append(c.saved, step)
	return nil
}

func (c *recordingCheckpointer) RestoreLatest() (bool, error) { return c.found, c.restoreErr }

type recordingSummary struct {
	scalars map[string][]int64
	images  map[string]int
	flushes int
	err     error
}

func newRecordingSummary() *recordingSummary {
	return &recordingSummary{scalars: make(map[string][]int64), images: make(map[string]int)}
}

func (s *recordingSummary) Scalar(step int64, name string, value float64) error {
	s.scalars[name] = append(s.scalars[name], step)
	return s.err
}

func (s *recordingSummary) Images(step int64, name string, images *tensors.Tensor) error {
	s.images[name]++
	return s.err
}

func (s *recordingSummary) Flush() error {
	s.flushes++
	return s.err
}

func newTestModel(t *testing.T, maxSteps int64, trainer Trainer) (*Model, *stubRealInput) {
	cfg := DefaultConfig()
	cfg.MaxSteps = maxSteps
	real := &stubRealInput{}
	m, err := NewModel(cfg, newTestPGGANConfig(t), trainer, real, stubFakeInput{})
	require.NoError(t, err)
	return m, real
}

func TestTrainScenario(t *testing.T) {
	const maxSteps = 10_000
	trainer := &stubTrainer{}
	m, real := newTestModel(t, maxSteps, trainer)
	require.NotNil(t, m.Schedule())
	assert.InDelta(t, m.Schedule().Depth(maxSteps), m.Schedule().StageAt(maxSteps).Depth, 1e-9)
	checkpointer := &recordingCheckpointer{}
	summary := newRecordingSummary()
	m.WithCheckpointer(checkpointer).WithSummary(summary)

	var logged []int64
	m.EveryNSteps(100, "record logs", LogPriority, func(m *Model, info *StepInfo) error {
		logged = append(logged, info.Step)
		return nil
	})

	require.Equal(t, StateUninitialized, m.State())
	require.NoError(t, m.Initialize())
	require.Equal(t, StateInitialized, m.State())
	require.NoError(t, m.Train(context.Background()))
	require.Equal(t, StateTerminated, m.State())

	// Steps 0 to maxSteps (inclusive) are executed, and nothing after.
	assert.Equal(t, int64(maxSteps+1), trainer.step)
	assert.Equal(t, maxSteps+1, trainer.discriminatorSteps)
	assert.Equal(t, maxSteps+1, trainer.generatorSteps)

	require.Len(t, logged, maxSteps/100+1)
	for ii, step := range logged {
		assert.Equal(t, int64(ii*100), step)
	}
	summarySteps := summary.scalars["generator_loss"]
	require.Len(t, summarySteps, maxSteps/1000+1)
	for ii, step := range summarySteps {
		assert.Equal(t, int64(ii*1000), step)
	}
	assert.Equal(t, maxSteps/1000+1, summary.images["real_log_mel_magnitude"])
	assert.Equal(t, maxSteps/1000+1, summary.images["fake_mel_instantaneous_frequency"])
	assert.Equal(t, maxSteps/1000+1, summary.flushes)
	assert.Equal(t, []int64{0, maxSteps}, checkpointer.saved)

	// Downscale factors: powers of 2, non-increasing, from the lowest resolution up to full resolution.
	require.Len(t, real.downscales, maxSteps+1)
	assert.Equal(t, 4, real.downscales[0])
	assert.Equal(t, 1, real.downscales[maxSteps])
	for ii := 1; ii < len(real.downscales); ii++ {
		assert.LessOrEqual(t, real.downscales[ii], real.downscales[ii-1])
	}
	assert.Equal(t, 1.0, trainer.coloringPerStep[0])
	assert.Equal(t, 3.0, trainer.coloringPerStep[maxSteps])
}

func TestTrainErrors(t *testing.T) {
	t.Run("not initialized", func(t *testing.T) {
		m, _ := newTestModel(t, 10, &stubTrainer{})
		require.Error(t, m.Train(context.Background()))
		require.Equal(t, StateUninitialized, m.State())
	})

	t.Run("non-finite loss", func(t *testing.T) {
		trainer := &stubTrainer{nanAtStep: 5}
		m, _ := newTestModel(t, 10, trainer)
		require.NoError(t, m.Initialize())
		err := m.Train(context.Background())
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrNonFiniteLoss), "got %v", err)
		require.Equal(t, StateTerminated, m.State())
		assert.Equal(t, 5, trainer.generatorSteps)
	})

	t.Run("global step", func(t *testing.T) {
		m, _ := newTestModel(t, 10, &stubTrainer{globalStepErr: errors.New("broken")})
		require.NoError(t, m.Initialize())
		require.Error(t, m.Train(context.Background()))
		require.Equal(t, StateTerminated, m.State())
	})

	t.Run("initialize twice", func(t *testing.T) {
		m, _ := newTestModel(t, 10, &stubTrainer{})
		require.NoError(t, m.Initialize())
		require.Error(t, m.Initialize())
	})

	t.Run("missing collaborators", func(t *testing.T) {
		_, err := NewModel(DefaultConfig(), newTestPGGANConfig(t), nil, &stubRealInput{}, stubFakeInput{})
		require.Error(t, err)
	})
}

func TestStop(t *testing.T) {
	t.Run("stop", func(t *testing.T) {
		trainer := &stubTrainer{}
		m, _ := newTestModel(t, 1000, trainer)
		m.OnStep("stop", 0, func(m *Model, info *StepInfo) error {
			if info.Step == 3 {
				m.Stop()
			}
			return nil
		})
		require.NoError(t, m.Initialize())
		require.NoError(t, m.Train(context.Background()))
		assert.Equal(t, int64(4), trainer.step)
		assert.Equal(t, StateTerminated, m.State())
	})

	t.Run("cancel", func(t *testing.T) {
		trainer := &stubTrainer{}
		m, _ := newTestModel(t, 1000, trainer)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		m.OnStep("cancel", 0, func(m *Model, info *StepInfo) error {
			if info.Step == 7 {
				cancel()
			}
			return nil
		})
		require.NoError(t, m.Initialize())
		err := m.Train(ctx)
		require.True(t, errors.Is(err, context.Canceled), "got %v", err)
		assert.Equal(t, int64(8), trainer.step)
	})
}

func TestHooks(t *testing.T) {
	t.Run("failures are skipped", func(t *testing.T) {
		trainer := &stubTrainer{}
		m, _ := newTestModel(t, 20, trainer)
		summary := newRecordingSummary()
		summary.err = errors.New("disk full")
		m.WithSummary(summary)
		m.OnStep("always fails", 0, func(m *Model, info *StepInfo) error {
			return errors.New("failed")
		})
		require.NoError(t, m.Initialize())
		require.NoError(t, m.Train(context.Background()))
		assert.Equal(t, int64(21), trainer.step)
	})

	t.Run("priority order", func(t *testing.T) {
		m, _ := newTestModel(t, 0, &stubTrainer{})
		var order []string
		add := func(name string, priority Priority) {
			m.OnStep(name, priority, func(m *Model, info *StepInfo) error {
				order = append(order, name)
				return nil
			})
		}
		add("c", 5)
		add("a", -1)
		add("b", 0)
		add("d", 5)
		require.NoError(t, m.Initialize())
		require.NoError(t, m.Train(context.Background()))
		assert.Equal(t, []string{"a", "b", "c", "d"}, order)
	})

	t.Run("restore failure falls back", func(t *testing.T) {
		m, _ := newTestModel(t, 0, &stubTrainer{})
		m.WithCheckpointer(&recordingCheckpointer{restoreErr: errors.New("corrupted")})
		require.NoError(t, m.Initialize())
		require.Equal(t, StateInitialized, m.State())
	})
}

func TestSplitChannels(t *testing.T) {
	// [batch=1, height=2, width=2, channels=2]
	channelsLast := tensors.FromValue([][][][]float32{{{{1, 10}, {2, 20}}, {{3, 30}, {4, 40}}}})
	split, err := SplitChannels(channelsLast, images.ChannelsLast)
	require.NoError(t, err)
	require.Len(t, split, 2)
	assert.Equal(t, []float32{1, 2, 3, 4}, tensors.MustCopyFlatData[float32](split[0]))
	assert.Equal(t, []float32{10, 20, 30, 40}, tensors.MustCopyFlatData[float32](split[1]))
	require.NoError(t, split[1].Shape().Check(split[1].DType(), 1, 2, 2))

	// [batch=1, channels=2, height=1, width=2]
	channelsFirst := tensors.FromValue([][][][]float32{{{{1, 2}}, {{10, 20}}}})
	split, err = SplitChannels(channelsFirst, images.ChannelsFirst)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, tensors.MustCopyFlatData[float32](split[0]))
	assert.Equal(t, []float32{10, 20}, tensors.MustCopyFlatData[float32](split[1]))

	_, err = SplitChannels(tensors.FromValue([]float32{1, 2}), images.ChannelsLast)
	require.Error(t, err)
}
