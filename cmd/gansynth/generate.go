package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gomlx/gansynth/pkg/gansynth"
	"github.com/gomlx/gansynth/pkg/nsynth"
	"github.com/gomlx/gansynth/pkg/pggan"
	"github.com/gomlx/gansynth/pkg/summary"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// parsePitches parses a comma-separated list of MIDI pitches.
func parsePitches(list string) ([]int, error) {
	var pitches []int
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pitch, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid pitch %q", part)
		}
		pitches = append(pitches, pitch)
	}
	if len(pitches) == 0 {
		return nil, errors.Errorf("no pitches given in %q", list)
	}
	return pitches, nil
}

// generate one note per requested pitch at full resolution, and saves the spectrograms both as images and as
// float16 features files (the same format of the training cache), one per note.
func generate(ctx *mlctx.Context) error {
	pgganCfg, cfg, err := configsFromContext(ctx)
	if err != nil {
		return err
	}
	pitches, err := parsePitches(*flagPitches)
	if err != nil {
		return err
	}
	output := *flagOutput
	if output == "" {
		output = filepath.Join(*flagCheckpoint, "generated")
	}

	backend := backends.MustNew()
	trainer, err := newTrainer(backend, ctx, pgganCfg, cfg)
	if err != nil {
		return err
	}
	step, err := trainer.GlobalStep()
	if err != nil {
		return err
	}
	schedule := pggan.NewSchedule(pgganCfg, cfg.MaxSteps)
	stage := schedule.StageAt(cfg.MaxSteps)
	if step < cfg.MaxSteps {
		klog.Warningf("Checkpoint at step %d didn't finish training (%d steps): generating at %s anyway", step, cfg.MaxSteps, stage)
	}

	counts := make(nsynth.PitchCounts, len(pitches))
	for _, pitch := range pitches {
		counts[pitch]++
	}
	latentSize := mlctx.GetParamOr(ctx, ParamLatentSize, nsynth.DefaultLatentSize)
	fake, err := nsynth.NewFakeInput(counts, len(pitches), latentSize, *flagSeed)
	if err != nil {
		return err
	}
	latents, labels, err := fake.Latents(pitches)
	if err != nil {
		return err
	}
	generated, err := trainer.Generate(stage, latents, labels)
	if err != nil {
		return err
	}
	defer generated.MustFinalizeAll()

	writer, err := summary.New(output)
	if err != nil {
		return err
	}
	defer func() { _ = writer.Close() }()
	channels, err := gansynth.SplitChannels(generated, pgganCfg.DataFormat)
	if err != nil {
		return err
	}
	for ii, name := range []string{"generated_log_mel_magnitude", "generated_mel_instantaneous_frequency"} {
		if err := writer.Images(step, name, channels[ii]); err != nil {
			return err
		}
	}
	if err := saveFeatures(output, pitches, generated); err != nil {
		return err
	}
	klog.Infof("Generated %d notes in %s", len(pitches), output)
	return nil
}

// saveFeatures saves each generated example as "pitch_<pitch>_<index>.features.f16".
func saveFeatures(dir string, pitches []int, generated *tensors.Tensor) error {
	dims := generated.Shape().Dimensions
	exampleDims := dims[1:]
	exampleSize := generated.Shape().Size() / dims[0]
	var saveErr error
	err := tensors.ConstFlatData[float32](generated, func(flat []float32) {
		for ii, pitch := range pitches {
			path := filepath.Join(dir, fmt.Sprintf("pitch_%03d_%02d%s", pitch, ii, nsynth.CacheSuffix))
			saveErr = nsynth.SaveCache(path, exampleDims, flat[ii*exampleSize:(ii+1)*exampleSize])
			if saveErr != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return saveErr
}
