// gansynth trains GANSynth on NSynth notes, or generates spectrograms from a trained model.
//
// Training:
//
//	gansynth -checkpoint=~/work/gansynth -data=~/data/nsynth-train/audio -batch_size=64
//
// Generation, after training:
//
//	gansynth -mode=generate -checkpoint=~/work/gansynth -pitches=48,60,72
//
// Hyperparameters can be changed with -set, see -help for the list.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gomlx/gansynth/internal/progress"
	"github.com/gomlx/gansynth/pkg/gansynth"
	"github.com/gomlx/gansynth/pkg/networks"
	"github.com/gomlx/gansynth/pkg/nsynth"
	"github.com/gomlx/gansynth/pkg/pggan"
	"github.com/gomlx/gansynth/pkg/summary"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagCheckpoint = flag.String("checkpoint", "", "Directory where to save and load checkpoints from. Required.")
	flagMode       = flag.String("mode", "train", `Either "train" or "generate".`)
	flagData       = flag.String("data", "", "Directory with the NSynth audio files (WAV or FLAC) to train on.")
	flagMetadata   = flag.String("metadata", "",
		"Optional NSynth \"examples.json\" file: if given, pitches and sources are taken from it instead of the file names.")
	flagPitchCounts = flag.String("pitch_counts", "",
		"JSON file with the number of examples per pitch, used to sample the labels of generated notes. "+
			"If empty, they are counted from -data and saved in the checkpoint directory.")
	flagMinPitch    = flag.Int("min_pitch", 24, "Notes with a lower pitch are not used for training.")
	flagMaxPitch    = flag.Int("max_pitch", 84, "Notes with a higher pitch are not used for training.")
	flagBatchSize   = flag.Int("batch_size", 64, "Batch size for training.")
	flagMaxSteps    = flag.Int("max_steps", 1_000_000,
		"Number of training steps (generator updates). Same as -set=\"gansynth_max_steps=<n>\".")
	flagKeep        = flag.Int("keep_checkpoints", 10, "Number of checkpoints to keep. Set to -1 to keep all.")
	flagParallelism = flag.Int("parallelism", 0, "Number of parallel feature extractions. 0 for the number of cores.")
	flagNoCache     = flag.Bool("no_cache", false, "Disable the float16 features cache stored next to the audio files.")
	flagProgress    = flag.Bool("progress", true, "Display a progress bar while training.")
	flagSeed        = flag.Uint64("seed", 42, "Seed for the shuffling of the data and the sampling of latents.")
	flagPitches     = flag.String("pitches", "60", "Comma separated list of pitches to generate, in -mode=generate.")
	flagOutput      = flag.String("output", "", "Directory where to write generated spectrograms. Defaults to <checkpoint>/generated.")
)

const (
	// ParamLatentSize is the context hyperparameter with the size of the generator latent vectors.
	ParamLatentSize = "gansynth_latent_size"

	// PitchCountsFile is the name of the pitch counts file saved in the checkpoint directory.
	PitchCountsFile = "pitch_counts.json"

	// SummariesDir is the subdirectory of the checkpoint with the training summaries.
	SummariesDir = "summaries"

	audioLength = 64_000
	sampleRate  = 16_000
	overlap     = 0.75
)

// defaultPGGANConfig is the architecture for the [128, 1024] (time x frequency) NSynth spectrograms.
func defaultPGGANConfig() *pggan.Config {
	return must.M1(pggan.NewConfig([]int{2, 16}, []int{128, 1024}, 4, 256, images.ChannelsLast))
}

// createDefaultContext with all hyperparameters set to their default values.
func createDefaultContext() *mlctx.Context {
	ctx := mlctx.New()
	gansynth.DefaultConfig().SetParams(ctx)
	defaultPGGANConfig().SetParams(ctx)
	ctx.SetParams(map[string]any{
		ParamLatentSize:                nsynth.DefaultLatentSize,
		networks.ParamLeakyReluAlpha:   0.2,
		networks.ParamSpectralNorm:     true,
		networks.ParamPixelNormEpsilon: 1e-8,
	})
	return ctx
}

func main() {
	klog.InitFlags(nil)
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "max_steps" {
			ctx.SetParam(gansynth.ParamMaxSteps, *flagMaxSteps)
			paramsSet = append(paramsSet, gansynth.ParamMaxSteps)
		}
	})
	if *flagCheckpoint == "" {
		klog.Fatalf("-checkpoint is required, see -help")
	}

	// Hyperparameters given in the command line take precedence over the ones saved in the checkpoint:
	// e.g. -set="gansynth_max_steps=2000000" extends a finished training.
	checkpointer := gansynth.NewCheckpointer(ctx, *flagCheckpoint, *flagKeep, paramsSet...)
	found, err := checkpointer.RestoreLatest()
	if err != nil {
		klog.Fatalf("Failed to read checkpoints: %+v", err)
	}
	if len(paramsSet) > 0 {
		klog.Infof("Hyperparameters set:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	switch *flagMode {
	case "train":
		err = train(ctx, checkpointer)
	case "generate":
		if !found {
			klog.Fatalf("No checkpoint found in %q to generate from", *flagCheckpoint)
		}
		err = generate(ctx)
	default:
		klog.Fatalf("Unknown -mode=%q, see -help", *flagMode)
	}
	if err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

// configsFromContext returns the configurations, reflecting the hyperparameters in the context.
func configsFromContext(ctx *mlctx.Context) (*pggan.Config, gansynth.Config, error) {
	pgganCfg, err := pggan.ConfigFromContext(ctx, defaultPGGANConfig())
	if err != nil {
		return nil, gansynth.Config{}, err
	}
	return pgganCfg, gansynth.DefaultConfig().FromContext(ctx), nil
}

// newTrainer builds the GANSynth networks over the context.
func newTrainer(backend backends.Backend, ctx *mlctx.Context, pgganCfg *pggan.Config, cfg gansynth.Config) (*gansynth.GANTrainer, error) {
	net, err := networks.New(pgganCfg, nsynth.NumChannels, nsynth.NumPitches)
	if err != nil {
		return nil, err
	}
	gen, err := pggan.NewGenerator(pgganCfg, net.Generator())
	if err != nil {
		return nil, err
	}
	disc, err := pggan.NewDiscriminator(pgganCfg, net.Discriminator())
	if err != nil {
		return nil, err
	}
	return gansynth.NewGANTrainer(backend, ctx, gen, disc, cfg)
}

// loadNotes scans the data directory and filters the notes by pitch.
func loadNotes() ([]nsynth.Note, error) {
	if *flagData == "" {
		return nil, errors.New("-data is required for training")
	}
	notes, err := nsynth.ScanDir(*flagData)
	if err != nil {
		return nil, err
	}
	if *flagMetadata != "" {
		metadata, err := nsynth.LoadMetadata(*flagMetadata)
		if err != nil {
			return nil, err
		}
		nsynth.ApplyMetadata(notes, metadata)
	}
	notes = nsynth.FilterPitches(notes, *flagMinPitch, *flagMaxPitch)
	if len(notes) == 0 {
		return nil, errors.Wrapf(nsynth.ErrNoFiles, "with pitch in [%d, %d]", *flagMinPitch, *flagMaxPitch)
	}
	klog.Infof("Training on %d notes from %s", len(notes), *flagData)
	return notes, nil
}

// loadPitchCounts from -pitch_counts, or counts them from the notes and saves them with the checkpoint.
func loadPitchCounts(notes []nsynth.Note) (nsynth.PitchCounts, error) {
	if *flagPitchCounts != "" {
		return nsynth.LoadPitchCounts(*flagPitchCounts)
	}
	counts := nsynth.CountPitches(notes)
	if err := os.MkdirAll(*flagCheckpoint, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating %q", *flagCheckpoint)
	}
	return counts, counts.Save(filepath.Join(*flagCheckpoint, PitchCountsFile))
}

func train(ctx *mlctx.Context, checkpointer *gansynth.ContextCheckpointer) error {
	pgganCfg, cfg, err := configsFromContext(ctx)
	if err != nil {
		return err
	}
	// Save the resolved configuration with the checkpoints.
	pgganCfg.SetParams(ctx)
	cfg.SetParams(ctx)
	klog.Infof("Architecture: %s", pgganCfg)

	notes, err := loadNotes()
	if err != nil {
		return err
	}
	counts, err := loadPitchCounts(notes)
	if err != nil {
		return err
	}

	backend := backends.MustNew()
	klog.Infof("Backend: %s", backend.Description())
	features, err := nsynth.NewFeatures(audioLength, sampleRate, pgganCfg.MaxResolution[0], pgganCfg.MaxResolution[1],
		overlap, pgganCfg.DataFormat)
	if err != nil {
		return err
	}
	dataset, err := nsynth.NewDataset(backend, features, notes, *flagBatchSize)
	if err != nil {
		return err
	}
	dataset.WithParallelism(*flagParallelism).WithCache(!*flagNoCache).WithSeed(*flagSeed).Start()
	defer dataset.Close()
	latentSize := mlctx.GetParamOr(ctx, ParamLatentSize, nsynth.DefaultLatentSize)
	fake, err := nsynth.NewFakeInput(counts, *flagBatchSize, latentSize, *flagSeed+1)
	if err != nil {
		return err
	}

	trainer, err := newTrainer(backend, ctx, pgganCfg, cfg)
	if err != nil {
		return err
	}
	summaryWriter, err := summary.New(filepath.Join(*flagCheckpoint, SummariesDir))
	if err != nil {
		return err
	}
	defer func() { _ = summaryWriter.Close() }()

	m, err := gansynth.NewModel(cfg, pgganCfg, trainer, dataset, fake)
	if err != nil {
		return err
	}
	m.WithCheckpointer(checkpointer).WithSummary(summaryWriter)
	var bar *progress.Bar
	if *flagProgress {
		bar = progress.Attach(m)
	}
	if err := m.Initialize(); err != nil {
		return err
	}

	// Interrupting stops the training after the current iteration, and saves a checkpoint.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		if _, ok := <-signals; ok {
			klog.Infof("Interrupted: stopping after the current step")
			m.Stop()
		}
	}()

	trainErr := m.Train(context.Background())
	if bar != nil {
		bar.Close()
	}
	step, err := trainer.GlobalStep()
	if err == nil {
		err = checkpointer.Save(step)
	}
	if err != nil {
		klog.Errorf("Failed to save final checkpoint: %+v", err)
	}
	if path, err := summaryWriter.PlotLosses(); err != nil {
		klog.Warningf("Failed to plot losses: %v", err)
	} else {
		klog.Infof("Losses plotted to %s", path)
	}
	return trainErr
}
