package nsynth

import (
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
)

// DefaultLatentSize is the size of the latent vectors fed to the generator.
const DefaultLatentSize = 256

// FakeInput yields latent vectors sampled from N(0, 1) and pitch labels sampled in proportion to the
// pitch counts of the training data. It implements gansynth.FakeInput.
type FakeInput struct {
	batchSize, latentSize int
	sampler               *PitchSampler

	mu  sync.Mutex
	rng *rand.Rand
}

// NewFakeInput creates a FakeInput. The same seed yields the same sequence of batches.
func NewFakeInput(counts PitchCounts, batchSize, latentSize int, seed uint64) (*FakeInput, error) {
	if batchSize <= 0 || latentSize <= 0 {
		return nil, errors.Errorf("nsynth.NewFakeInput: invalid batchSize=%d, latentSize=%d", batchSize, latentSize)
	}
	sampler, err := NewPitchSampler(counts)
	if err != nil {
		return nil, errors.WithMessage(err, "nsynth.NewFakeInput")
	}
	return &FakeInput{
		batchSize:  batchSize,
		latentSize: latentSize,
		sampler:    sampler,
		rng:        rand.New(rand.NewSource(seed)),
	}, nil
}

// Next implements gansynth.FakeInput: latents are float32 shaped [batchSize, latentSize], and labels
// int32 shaped [batchSize].
func (f *FakeInput) Next() (latents, labels *tensors.Tensor, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	flat := make([]float32, f.batchSize*f.latentSize)
	for ii := range flat {
		flat[ii] = float32(f.rng.NormFloat64())
	}
	pitches := make([]int32, f.batchSize)
	for ii := range pitches {
		pitches[ii] = int32(f.sampler.Sample(f.rng))
	}
	return tensors.FromFlatDataAndDimensions(flat, f.batchSize, f.latentSize), tensors.FromValue(pitches), nil
}

// Latents returns a batch of latent vectors with the given pitches as labels, for generation.
func (f *FakeInput) Latents(pitches []int) (latents, labels *tensors.Tensor, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	flat := make([]float32, len(pitches)*f.latentSize)
	for ii := range flat {
		flat[ii] = float32(f.rng.NormFloat64())
	}
	labels32 := make([]int32, len(pitches))
	for ii, pitch := range pitches {
		if pitch < 0 || pitch >= NumPitches {
			return nil, nil, errors.Errorf("pitch %d out of range [0, %d)", pitch, NumPitches)
		}
		labels32[ii] = int32(pitch)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(pitches), f.latentSize), tensors.FromValue(labels32), nil
}
