package gansynth

import (
	"context"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/gansynth/pkg/pggan"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priorities of the default hooks.
const (
	LogPriority        Priority = 0
	SummaryPriority    Priority = 10
	CheckpointPriority Priority = 20
)

// maxRecordedDurations is the number of recent iteration durations kept for MedianStepDuration.
const maxRecordedDurations = 1000

// Model orchestrates the training of the GAN.
//
// Its life cycle is StateUninitialized -> (Initialize) StateInitialized -> (Train) StateRunning ->
// StateTerminated.
type Model struct {
	cfg      Config
	pgganCfg *pggan.Config
	schedule *pggan.Schedule
	trainer  Trainer
	real     RealInput
	fake     FakeInput

	checkpointer Checkpointer
	summary      Summary

	hooks *priorityHooks

	mu    sync.Mutex
	state State
	stop  atomic.Bool

	stepDurations []time.Duration
}

// NewModel creates a model in StateUninitialized.
//
// The default hooks are registered: logging every Config.LogSteps, summaries every Config.SummarySteps
// (if a Summary is set) and checkpoints every Config.CheckpointSteps (if a Checkpointer is set).
func NewModel(cfg Config, pgganCfg *pggan.Config, trainer Trainer, real RealInput, fake FakeInput) (*Model, error) {
	if trainer == nil || real == nil || fake == nil {
		return nil, errors.New("gansynth.NewModel requires a trainer, a real input and a fake input")
	}
	if cfg.MaxSteps < 0 {
		return nil, errors.Errorf("gansynth.NewModel: invalid MaxSteps=%d", cfg.MaxSteps)
	}
	if err := pgganCfg.Validate(); err != nil {
		return nil, err
	}
	schedule := pggan.NewSchedule(pgganCfg, cfg.MaxSteps)
	m := &Model{
		cfg:      cfg,
		pgganCfg: pgganCfg,
		schedule: &schedule,
		trainer:  trainer,
		real:     real,
		fake:     fake,
		hooks:    newPriorityHooks(),
	}
	m.EveryNSteps(cfg.LogSteps, "log", LogPriority, logHook)
	m.EveryNSteps(cfg.SummarySteps, "summary", SummaryPriority, summaryHook)
	m.EveryNSteps(cfg.CheckpointSteps, "checkpoint", CheckpointPriority, checkpointHook)
	return m, nil
}

// WithCheckpointer sets the checkpointer used by Initialize and the checkpoint hook.
func (m *Model) WithCheckpointer(c Checkpointer) *Model {
	m.checkpointer = c
	return m
}

// WithSummary sets the summary writer used by the summary hook.
func (m *Model) WithSummary(s Summary) *Model {
	m.summary = s
	return m
}

// Config returns the training configuration.
func (m *Model) Config() Config { return m.cfg }

// Schedule returns the growth schedule.
func (m *Model) Schedule() *pggan.Schedule { return m.schedule }

// Trainer returns the trainer executing the optimization steps.
func (m *Model) Trainer() Trainer { return m.trainer }

// State returns the current state.
func (m *Model) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Model) setState(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}

// Initialize restores the latest checkpoint, if there is one. A failure to restore is logged and training
// starts from freshly initialized variables.
func (m *Model) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateUninitialized {
		return errors.Errorf("Model.Initialize: model already in state %s", m.state)
	}
	if m.checkpointer != nil {
		found, err := m.checkpointer.RestoreLatest()
		switch {
		case err != nil:
			klog.Warningf("Failed to restore checkpoint, starting from scratch: %+v", err)
		case found:
			if step, err := m.trainer.GlobalStep(); err == nil {
				klog.Infof("Restored checkpoint at global step %d", step)
			}
		default:
			klog.V(1).Infof("No checkpoint found, starting from scratch")
		}
	}
	m.state = StateInitialized
	return nil
}

// Stop requests the training loop to stop after the current iteration. It is safe to call concurrently.
func (m *Model) Stop() {
	m.stop.Store(true)
}

// Train runs the training loop until the global step goes past Config.MaxSteps, Stop is called, or ctx is
// done. Steps past MaxSteps are never executed.
//
// It returns an error wrapping ErrNonFiniteLoss if a loss becomes NaN or infinite, and wraps any error
// from the inputs or the trainer. The model is in StateTerminated when it returns.
func (m *Model) Train(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateInitialized {
		state := m.state
		m.mu.Unlock()
		return errors.Errorf("Model.Train: model must be initialized, current state is %s", state)
	}
	m.state = StateRunning
	m.mu.Unlock()
	defer m.setState(StateTerminated)

	for {
		if m.stop.Load() {
			klog.Infof("Training stopped")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "Model.Train")
		}
		step, err := m.trainer.GlobalStep()
		if err != nil {
			return errors.WithMessage(err, "Model.Train: reading global step")
		}
		if step > m.cfg.MaxSteps {
			klog.V(1).Infof("Training finished at global step %d", step)
			return nil
		}

		start := time.Now()
		info, err := m.iteration(step)
		if err != nil {
			return err
		}
		m.recordDuration(time.Since(start))
		m.runHooks(info)
	}
}

// iteration runs one discriminator and one generator update.
func (m *Model) iteration(step int64) (*StepInfo, error) {
	info := &StepInfo{Step: step, Stage: m.schedule.StageAt(step)}
	var err error
	info.Real, info.RealLabels, err = m.real.Next(info.Stage.Downscale)
	if err != nil {
		return nil, errors.WithMessagef(err, "Model.Train: reading real batch at step %d", step)
	}
	dLatents, dLabels, err := m.fake.Next()
	if err != nil {
		return nil, errors.WithMessagef(err, "Model.Train: reading fake batch at step %d", step)
	}
	info.Latents, info.Labels, err = m.fake.Next()
	if err != nil {
		return nil, errors.WithMessagef(err, "Model.Train: reading fake batch at step %d", step)
	}

	info.DiscriminatorLoss, err = m.trainer.DiscriminatorStep(info.Stage, info.Real, info.RealLabels, dLatents, dLabels)
	if err != nil {
		return nil, errors.WithMessagef(err, "Model.Train: discriminator step %d", step)
	}
	if !isFinite(info.DiscriminatorLoss) {
		return nil, errors.Wrapf(ErrNonFiniteLoss, "discriminator loss %g at step %d", info.DiscriminatorLoss, step)
	}
	info.GeneratorLoss, err = m.trainer.GeneratorStep(info.Stage, info.Latents, info.Labels)
	if err != nil {
		return nil, errors.WithMessagef(err, "Model.Train: generator step %d", step)
	}
	if !isFinite(info.GeneratorLoss) {
		return nil, errors.Wrapf(ErrNonFiniteLoss, "generator loss %g at step %d", info.GeneratorLoss, step)
	}
	return info, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// runHooks calls all hooks in priority order. Failures are logged and skipped.
func (m *Model) runHooks(info *StepInfo) {
	for hook := range m.hooks.All() {
		if err := hook.fn(m, info); err != nil {
			klog.Warningf("Hook %q failed at step %d, skipping: %+v", hook.name, info.Step, err)
		}
	}
}

func (m *Model) recordDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stepDurations) >= maxRecordedDurations {
		m.stepDurations = m.stepDurations[1:]
	}
	m.stepDurations = append(m.stepDurations, d)
}

// MedianStepDuration returns the median duration of the recent training iterations, or 0 if none was run.
func (m *Model) MedianStepDuration() time.Duration {
	m.mu.Lock()
	durations := slices.Clone(m.stepDurations)
	m.mu.Unlock()
	if len(durations) == 0 {
		return 0
	}
	slices.Sort(durations)
	return durations[len(durations)/2]
}

// Generate returns images generated at full depth for the given latents and labels.
func (m *Model) Generate(latents, labels *tensors.Tensor) (*tensors.Tensor, error) {
	return m.trainer.Generate(m.schedule.StageAt(m.cfg.MaxSteps), latents, labels)
}

func logHook(m *Model, info *StepInfo) error {
	klog.Infof("Step %d: depth=%.3f, resolution=%v, discriminator loss=%.4f, generator loss=%.4f",
		info.Step, info.Stage.Depth, info.Stage.Resolution, info.DiscriminatorLoss, info.GeneratorLoss)
	return nil
}

func checkpointHook(m *Model, info *StepInfo) error {
	if m.checkpointer == nil {
		return nil
	}
	return m.checkpointer.Save(info.Step)
}

// summaryHook records the losses, the growth stage and the real and fake images, split into the log-mel
// magnitude and instantaneous frequency channels.
func summaryHook(m *Model, info *StepInfo) error {
	if m.summary == nil {
		return nil
	}
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s := m.summary
	step := info.Step
	record(s.Scalar(step, "discriminator_loss", info.DiscriminatorLoss))
	record(s.Scalar(step, "generator_loss", info.GeneratorLoss))
	record(s.Scalar(step, "depth", info.Stage.Depth))
	record(s.Scalar(step, "coloring_index", info.Stage.Coloring))
	record(s.Scalar(step, "downscale", float64(info.Stage.Downscale)))

	record(m.imagesSummary(step, "real", info.Real))
	fakes, err := m.trainer.Generate(info.Stage, info.Latents, info.Labels)
	if err == nil {
		record(m.imagesSummary(step, "fake", fakes))
	} else {
		record(err)
	}
	record(s.Flush())
	return firstErr
}

// imagesSummary records the first two channels of images as "<prefix>_log_mel_magnitude" and
// "<prefix>_mel_instantaneous_frequency".
func (m *Model) imagesSummary(step int64, prefix string, images *tensors.Tensor) error {
	channels, err := SplitChannels(images, m.pgganCfg.DataFormat)
	if err != nil {
		return err
	}
	names := []string{"log_mel_magnitude", "mel_instantaneous_frequency"}
	for ii, channel := range channels {
		if ii >= len(names) {
			break
		}
		if err := m.summary.Images(step, prefix+"_"+names[ii], channel); err != nil {
			return err
		}
	}
	return nil
}
