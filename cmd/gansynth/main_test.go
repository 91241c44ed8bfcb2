package main

import (
	"testing"

	"github.com/gomlx/gansynth/pkg/gansynth"
	"github.com/gomlx/gansynth/pkg/pggan"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePitches(t *testing.T) {
	pitches, err := parsePitches(" 48, 60,72,")
	require.NoError(t, err)
	assert.Equal(t, []int{48, 60, 72}, pitches)
	_, err = parsePitches("60,C4")
	require.Error(t, err)
	_, err = parsePitches(",")
	require.Error(t, err)
}

func TestConfigsFromContext(t *testing.T) {
	ctx := createDefaultContext()
	pgganCfg, cfg, err := configsFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, defaultPGGANConfig(), pgganCfg)
	assert.Equal(t, gansynth.DefaultConfig(), cfg)
	// The dense layer plus one layer per resolution, from [2, 16] to [128, 1024].
	assert.Equal(t, 8, pgganCfg.NumLayers())

	paramsSet, err := commandline.ParseContextSettings(ctx,
		"gansynth_max_steps=1000;pggan_max_resolution=64,512;pggan_max_filters=128;gansynth_generator_learning_rate=1e-4")
	require.NoError(t, err)
	assert.Len(t, paramsSet, 4)
	pgganCfg, cfg, err = configsFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), cfg.MaxSteps)
	assert.Equal(t, 1e-4, cfg.GeneratorLearningRate)
	assert.Equal(t, []int{64, 512}, pgganCfg.MaxResolution)
	assert.Equal(t, 7, pgganCfg.NumLayers())

	_, err = commandline.ParseContextSettings(ctx, "pggan_max_resolution=64,500")
	require.NoError(t, err)
	_, _, err = configsFromContext(ctx)
	require.ErrorIs(t, err, pggan.ErrInvalidFilters)
}
