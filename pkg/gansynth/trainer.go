package gansynth

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gansynth/pkg/pggan"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// AdamGeneratorScope is the absolute scope of the generator optimizer moments.
	AdamGeneratorScope = "adam_generator"

	// AdamDiscriminatorScope is the absolute scope of the discriminator optimizer moments.
	AdamDiscriminatorScope = "adam_discriminator"

	// DiscriminatorOptimizerScope is the scope given to the discriminator optimizer, so its learning rate and
	// step counter are kept apart from the generator's and from the global step.
	DiscriminatorOptimizerScope = "discriminator_optimizer"
)

// GANTrainer implements Trainer with GoMLX executors.
//
// All variables live in the context given at construction: the generator under pggan.GeneratorScope, the
// discriminator under pggan.DiscriminatorScope, and the global step at the root scope. Only the generator
// update increments the global step.
type GANTrainer struct {
	backend       backends.Backend
	ctx           *context.Context
	generator     *pggan.Generator
	discriminator *pggan.Discriminator

	generatorOptimizer, discriminatorOptimizer optimizers.Interface

	generateExec, discriminatorExec, generatorExec *context.Exec
}

var _ Trainer = (*GANTrainer)(nil)

// NewGANTrainer creates the executors of the generator and discriminator updates.
// Nothing is compiled until the first step is executed.
func NewGANTrainer(backend backends.Backend, ctx *context.Context,
	generator *pggan.Generator, discriminator *pggan.Discriminator, cfg Config) (*GANTrainer, error) {
	if generator == nil || discriminator == nil {
		return nil, errors.Wrap(pggan.ErrMissingBlocks, "gansynth.NewGANTrainer")
	}
	t := &GANTrainer{
		backend:       backend,
		ctx:           ctx.Checked(false),
		generator:     generator,
		discriminator: discriminator,
		generatorOptimizer: optimizers.Adam().
			LearningRate(cfg.GeneratorLearningRate).
			Betas(cfg.Beta1, cfg.Beta2).
			Scope(AdamGeneratorScope).
			Done(),
		discriminatorOptimizer: optimizers.Adam().
			LearningRate(cfg.DiscriminatorLearningRate).
			Betas(cfg.Beta1, cfg.Beta2).
			Scope(AdamDiscriminatorScope).
			Done(),
	}
	var err error
	t.generateExec, err = context.NewExec(backend, t.ctx, t.generateGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "gansynth.NewGANTrainer: generator executor")
	}
	t.discriminatorExec, err = context.NewExec(backend, t.ctx, t.discriminatorStepGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "gansynth.NewGANTrainer: discriminator step executor")
	}
	t.generatorExec, err = context.NewExec(backend, t.ctx, t.generatorStepGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "gansynth.NewGANTrainer: generator step executor")
	}
	return t, nil
}

// Context returns the context holding the model variables.
func (t *GANTrainer) Context() *context.Context { return t.ctx }

func (t *GANTrainer) generateGraph(ctx *context.Context, latents, labels, coloring *Node) *Node {
	return t.generator.Generate(ctx, latents, labels, coloring)
}

func (t *GANTrainer) discriminatorStepGraph(ctx *context.Context, real, realLabels, fakes, fakeLabels, coloring *Node) *Node {
	g := real.Graph()
	ctx.SetTraining(g, true)
	realLogits := t.discriminator.Discriminate(ctx, real, realLabels, coloring)
	fakeLogits := t.discriminator.Discriminate(ctx, fakes, fakeLabels, coloring)
	loss := DiscriminatorHingeLoss(realLogits, fakeLogits)
	t.discriminatorOptimizer.UpdateGraph(ctx.In(DiscriminatorOptimizerScope), g, loss)
	return loss
}

func (t *GANTrainer) generatorStepGraph(ctx *context.Context, latents, labels, coloring *Node) *Node {
	g := latents.Graph()
	ctx.SetTraining(g, true)
	// The discriminator is evaluated in inference mode, so its spectral norm vectors don't advance.
	ctx.In(pggan.DiscriminatorScope).SetTraining(g, false)
	fakes := t.generator.Generate(ctx, latents, labels, coloring)
	logits := t.discriminator.Discriminate(ctx, fakes, labels, coloring)
	loss := GeneratorHingeLoss(logits)

	// The discriminator is only a critic here: its variables are frozen while the gradients are built.
	frozen := freezeScope(ctx, pggan.DiscriminatorScope)
	defer func() {
		for _, v := range frozen {
			v.SetTrainable(true)
		}
	}()
	t.generatorOptimizer.UpdateGraph(ctx, g, loss)
	return loss
}

// freezeScope marks the trainable variables under the top-level scope as not trainable, and returns them.
func freezeScope(ctx *context.Context, scope string) []*context.Variable {
	prefix := context.ScopeSeparator + scope
	var frozen []*context.Variable
	for v := range ctx.IterVariables() {
		if !v.Trainable {
			continue
		}
		if v.Scope() == prefix || strings.HasPrefix(v.Scope(), prefix+context.ScopeSeparator) {
			v.SetTrainable(false)
			frozen = append(frozen, v)
		}
	}
	return frozen
}

// GlobalStep implements Trainer.
func (t *GANTrainer) GlobalStep() (step int64, err error) {
	err = exceptions.TryCatch[error](func() {
		step = optimizers.GetGlobalStep(t.ctx)
	})
	return
}

// DiscriminatorStep implements Trainer.
func (t *GANTrainer) DiscriminatorStep(stage pggan.Stage, real, realLabels, latents, fakeLabels *tensors.Tensor) (float64, error) {
	fakes, err := t.generateExec.Exec1(latents, fakeLabels, float32(stage.Coloring))
	if err != nil {
		return 0, errors.WithMessage(err, "generating fakes")
	}
	defer fakes.MustFinalizeAll()
	loss, err := t.discriminatorExec.Exec1(real, realLabels, fakes, fakeLabels, float32(stage.Coloring))
	if err != nil {
		return 0, err
	}
	return scalarValue(loss)
}

// GeneratorStep implements Trainer.
func (t *GANTrainer) GeneratorStep(stage pggan.Stage, latents, labels *tensors.Tensor) (float64, error) {
	loss, err := t.generatorExec.Exec1(latents, labels, float32(stage.Coloring))
	if err != nil {
		return 0, err
	}
	return scalarValue(loss)
}

// Generate implements Trainer.
func (t *GANTrainer) Generate(stage pggan.Stage, latents, labels *tensors.Tensor) (*tensors.Tensor, error) {
	klog.V(2).Infof("Generating at coloring index %.3f", stage.Coloring)
	return t.generateExec.Exec1(latents, labels, float32(stage.Coloring))
}

func scalarValue(t *tensors.Tensor) (value float64, err error) {
	defer t.MustFinalizeAll()
	err = exceptions.TryCatch[error](func() {
		value = float64(tensors.ToScalar[float32](t))
	})
	return
}
