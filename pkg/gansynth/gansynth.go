// Package gansynth trains a progressively grown GAN over audio spectrograms.
//
// The Model drives the training loop: at each iteration it reads the global step, maps it to a
// pggan.Stage, runs one discriminator and one generator update through a Trainer (see GANTrainer for the
// GoMLX implementation), and fires the periodic hooks (logging, summaries and checkpoints).
//
// Data and persistence are provided by collaborators: RealInput, FakeInput, Checkpointer and Summary.
package gansynth

import (
	"github.com/gomlx/gansynth/pkg/pggan"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// ErrNonFiniteLoss is returned by Model.Train when a loss becomes NaN or infinite.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// RealInput provides batches of real images and their labels.
type RealInput interface {
	// Next returns the next batch of images, downscaled by the given power-of-2 factor and re-scaled back
	// to full resolution, and the matching labels.
	Next(downscale int) (images, labels *tensors.Tensor, err error)
}

// FakeInput provides batches of latent vectors and the labels to condition the generator on.
type FakeInput interface {
	Next() (latents, labels *tensors.Tensor, err error)
}

// Checkpointer persists and restores the model variables.
type Checkpointer interface {
	// Save the current state. The step is the global step that triggered the save.
	Save(step int64) error

	// RestoreLatest restores the latest saved state, if there is one.
	RestoreLatest() (found bool, err error)
}

// Summary collects metrics and images. Errors returned by it never abort training.
type Summary interface {
	Scalar(step int64, name string, value float64) error

	// Images records a batch of single channel images shaped [batchSize, height, width].
	Images(step int64, name string, images *tensors.Tensor) error

	Flush() error
}

// Trainer executes the optimization steps of a training iteration.
type Trainer interface {
	// GlobalStep returns the number of generator updates done so far.
	GlobalStep() (int64, error)

	// DiscriminatorStep updates the discriminator and returns its loss. The fake images are generated
	// from the latents and fakeLabels by the current generator.
	DiscriminatorStep(stage pggan.Stage, real, realLabels, latents, fakeLabels *tensors.Tensor) (loss float64, err error)

	// GeneratorStep updates the generator, incrementing the global step, and returns its loss.
	GeneratorStep(stage pggan.Stage, latents, labels *tensors.Tensor) (loss float64, err error)

	// Generate returns the images generated at the given stage.
	Generate(stage pggan.Stage, latents, labels *tensors.Tensor) (*tensors.Tensor, error)
}

// State of a Model.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateTerminated
)

var stateNames = [...]string{"uninitialized", "initialized", "running", "terminated"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "invalid"
	}
	return stateNames[s]
}

const (
	// ParamMaxSteps is the context hyperparameter with the number of generator updates to train for.
	ParamMaxSteps = "gansynth_max_steps"

	// ParamGeneratorLearningRate is the learning rate of the generator Adam optimizer.
	ParamGeneratorLearningRate = "gansynth_generator_learning_rate"

	// ParamDiscriminatorLearningRate is the learning rate of the discriminator Adam optimizer.
	ParamDiscriminatorLearningRate = "gansynth_discriminator_learning_rate"

	// ParamAdamBeta1 and ParamAdamBeta2 are the Adam moment decays used by both optimizers.
	ParamAdamBeta1 = "gansynth_adam_beta1"
	ParamAdamBeta2 = "gansynth_adam_beta2"

	// ParamLogSteps, ParamSummarySteps and ParamCheckpointSteps are the periods of the default hooks.
	ParamLogSteps        = "gansynth_log_steps"
	ParamSummarySteps    = "gansynth_summary_steps"
	ParamCheckpointSteps = "gansynth_checkpoint_steps"
)

// Config of the training loop.
type Config struct {
	// MaxSteps is the last global step executed: training stops once the global step goes past it.
	MaxSteps int64

	GeneratorLearningRate, DiscriminatorLearningRate float64
	Beta1, Beta2                                     float64

	// Periods, in global steps, of the default hooks. A period <= 0 disables the hook.
	LogSteps, SummarySteps, CheckpointSteps int
}

// DefaultConfig returns the configuration used to train GANSynth on NSynth.
func DefaultConfig() Config {
	return Config{
		MaxSteps:                  1_000_000,
		GeneratorLearningRate:     8e-4,
		DiscriminatorLearningRate: 4e-4,
		Beta1:                     0.0,
		Beta2:                     0.99,
		LogSteps:                  100,
		SummarySteps:              1_000,
		CheckpointSteps:           10_000,
	}
}

// FromContext overrides the configuration with the hyperparameters set in the context.
func (c Config) FromContext(ctx *context.Context) Config {
	c.MaxSteps = int64(context.GetParamOr(ctx, ParamMaxSteps, int(c.MaxSteps)))
	c.GeneratorLearningRate = context.GetParamOr(ctx, ParamGeneratorLearningRate, c.GeneratorLearningRate)
	c.DiscriminatorLearningRate = context.GetParamOr(ctx, ParamDiscriminatorLearningRate, c.DiscriminatorLearningRate)
	c.Beta1 = context.GetParamOr(ctx, ParamAdamBeta1, c.Beta1)
	c.Beta2 = context.GetParamOr(ctx, ParamAdamBeta2, c.Beta2)
	c.LogSteps = context.GetParamOr(ctx, ParamLogSteps, c.LogSteps)
	c.SummarySteps = context.GetParamOr(ctx, ParamSummarySteps, c.SummarySteps)
	c.CheckpointSteps = context.GetParamOr(ctx, ParamCheckpointSteps, c.CheckpointSteps)
	return c
}

// SetParams writes the configuration as context hyperparameters, so they are saved with checkpoints.
func (c Config) SetParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamMaxSteps:                  int(c.MaxSteps),
		ParamGeneratorLearningRate:     c.GeneratorLearningRate,
		ParamDiscriminatorLearningRate: c.DiscriminatorLearningRate,
		ParamAdamBeta1:                 c.Beta1,
		ParamAdamBeta2:                 c.Beta2,
		ParamLogSteps:                  c.LogSteps,
		ParamSummarySteps:              c.SummarySteps,
		ParamCheckpointSteps:           c.CheckpointSteps,
	})
}
