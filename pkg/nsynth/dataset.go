// Package nsynth provides the inputs to train GANSynth on the NSynth dataset: audio decoding, spectrogram
// features, pitch labels, and the real and fake input batches.
package nsynth

import (
	"context"
	"os"
	"sync"

	"github.com/gomlx/gansynth/internal/workerspool"
	"github.com/gomlx/gansynth/pkg/pggan"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"k8s.io/klog/v2"
)

// Dataset yields infinite shuffled batches of real spectrogram features and their pitch labels.
//
// Features are extracted in parallel by a pool of workers, and optionally cached next to the audio files.
// It implements gansynth.RealInput.
//
// Configure it with the With* methods, and call Start before using it. Call Close to stop the workers.
type Dataset struct {
	backend   backends.Backend
	features  *Features
	notes     []Note
	batchSize int

	parallelism int
	bufferSize  int
	useCache    bool
	seed        uint64
	runs        uint64

	// muNext serializes calls to Next and Reset.
	muNext sync.Mutex
	impl   *datasetImpl

	muRescale    sync.Mutex
	rescaleExecs map[int]*Exec
}

// example is the features of one note and its label.
type example struct {
	values []float32
	pitch  int
}

// datasetImpl is one run of the workers, replaced on Reset.
type datasetImpl struct {
	examples chan example
	cancel   context.CancelFunc
	done     chan struct{}

	muErr sync.Mutex
	err   error
}

// NewDataset creates a Dataset over the notes. It must be started with Start.
func NewDataset(backend backends.Backend, features *Features, notes []Note, batchSize int) (*Dataset, error) {
	if len(notes) == 0 {
		return nil, errors.WithMessage(ErrNoFiles, "nsynth.NewDataset")
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("nsynth.NewDataset: invalid batch size %d", batchSize)
	}
	return &Dataset{
		backend:      backend,
		features:     features,
		notes:        notes,
		batchSize:    batchSize,
		bufferSize:   batchSize,
		useCache:     true,
		seed:         1,
		rescaleExecs: make(map[int]*Exec),
	}, nil
}

// WithParallelism sets the number of parallel feature extractions. 0 means the number of cores.
func (d *Dataset) WithParallelism(n int) *Dataset {
	d.parallelism = n
	return d
}

// WithBuffer sets the number of examples extracted ahead of time.
func (d *Dataset) WithBuffer(n int) *Dataset {
	d.bufferSize = n
	return d
}

// WithCache enables or disables the float16 features cache stored next to the audio files.
// It is enabled by default.
func (d *Dataset) WithCache(useCache bool) *Dataset {
	d.useCache = useCache
	return d
}

// WithSeed sets the seed of the shuffling.
func (d *Dataset) WithSeed(seed uint64) *Dataset {
	d.seed = seed
	return d
}

// BatchSize of the batches returned by Next.
func (d *Dataset) BatchSize() int { return d.batchSize }

// Start the workers. It returns the Dataset itself, so calls can be cascaded.
func (d *Dataset) Start() *Dataset {
	d.muNext.Lock()
	defer d.muNext.Unlock()
	if d.impl != nil {
		klog.Warningf("nsynth.Dataset.Start called more than once")
		return d
	}
	d.lockedStart()
	return d
}

func (d *Dataset) lockedStart() {
	ctx, cancel := context.WithCancel(context.Background())
	impl := &datasetImpl{
		examples: make(chan example, d.bufferSize),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	d.impl = impl
	go d.produce(ctx, impl, d.seed+d.runs)
	d.runs++
}

// produce loops over the shuffled notes forever, until ctx is cancelled or a note fails to load.
func (d *Dataset) produce(ctx context.Context, impl *datasetImpl, seed uint64) {
	pool := workerspool.New(d.parallelism)
	defer func() {
		pool.Wait()
		close(impl.done)
	}()
	rng := rand.New(rand.NewSource(seed))
	order := make([]int, len(d.notes))
	for epoch := 0; ; epoch++ {
		for ii := range order {
			order[ii] = ii
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		klog.V(1).Infof("nsynth.Dataset: starting epoch %d", epoch)
		for _, idx := range order {
			note := d.notes[idx]
			err := pool.WaitToStart(ctx, func() {
				values, err := d.load(note)
				if err != nil {
					impl.setError(err)
					return
				}
				select {
				case impl.examples <- example{values: values, pitch: note.Pitch}:
				case <-ctx.Done():
				}
			})
			if err != nil {
				return
			}
		}
	}
}

// setError records the first error and stops the workers.
func (impl *datasetImpl) setError(err error) {
	impl.muErr.Lock()
	defer impl.muErr.Unlock()
	if impl.err == nil {
		klog.Errorf("nsynth.Dataset: %+v", err)
		impl.err = err
	}
	impl.cancel()
}

func (impl *datasetImpl) loadError() error {
	impl.muErr.Lock()
	defer impl.muErr.Unlock()
	return impl.err
}

// load the features of the note, from the cache if available.
func (d *Dataset) load(note Note) ([]float32, error) {
	dims := d.features.Dimensions()
	cachePath := CachePath(note.Path)
	if d.useCache {
		if _, err := os.Stat(cachePath); err == nil {
			values, err := LoadCache(cachePath, dims)
			if err == nil {
				return values, nil
			}
			klog.Warningf("nsynth.Dataset: ignoring features cache: %v", err)
		}
	}
	samples, _, err := LoadAudio(note.Path)
	if err != nil {
		return nil, err
	}
	values := d.features.Compute(samples)
	if d.useCache {
		if err := SaveCache(cachePath, dims, values); err != nil {
			klog.Warningf("nsynth.Dataset: failed to save features cache: %v", err)
		}
	}
	return values, nil
}

// Next implements gansynth.RealInput. It returns images shaped [batchSize, ...Features.Dimensions()]
// downscaled by the given factor (and scaled back to full resolution), and int32 pitch labels.
func (d *Dataset) Next(downscale int) (images, labels *tensors.Tensor, err error) {
	d.muNext.Lock()
	defer d.muNext.Unlock()
	impl := d.impl
	if impl == nil {
		return nil, nil, errors.New("nsynth.Dataset.Next called before Start or after Close")
	}
	size := d.features.Size()
	flat := make([]float32, d.batchSize*size)
	pitches := make([]int32, d.batchSize)
	for ii := range d.batchSize {
		select {
		case ex := <-impl.examples:
			copy(flat[ii*size:], ex.values)
			pitches[ii] = int32(ex.pitch)
		case <-impl.done:
			if err := impl.loadError(); err != nil {
				return nil, nil, err
			}
			return nil, nil, errors.New("nsynth.Dataset closed")
		}
	}
	dims := append([]int{d.batchSize}, d.features.Dimensions()...)
	images = tensors.FromFlatDataAndDimensions(flat, dims...)
	images, err = d.rescale(images, downscale)
	if err != nil {
		return nil, nil, err
	}
	return images, tensors.FromValue(pitches), nil
}

// rescale images by the downscale factor, using one compiled graph per factor.
func (d *Dataset) rescale(images *tensors.Tensor, factor int) (*tensors.Tensor, error) {
	if factor == 1 {
		return images, nil
	}
	if factor <= 0 || factor&(factor-1) != 0 {
		return nil, errors.Errorf("nsynth.Dataset: downscale factor must be a power of 2, got %d", factor)
	}
	if d.features.TimeSteps%factor != 0 || d.features.FrequencyBins%factor != 0 {
		return nil, errors.Errorf("nsynth.Dataset: downscale factor %d doesn't divide the spectrogram shape [%d, %d]",
			factor, d.features.TimeSteps, d.features.FrequencyBins)
	}
	d.muRescale.Lock()
	defer d.muRescale.Unlock()
	exec, found := d.rescaleExecs[factor]
	if !found {
		var err error
		dataFormat := d.features.DataFormat
		exec, err = NewExec(d.backend, func(x *Node) *Node {
			return pggan.Rescale(x, dataFormat, factor)
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "nsynth.Dataset: compiling rescale by %d", factor)
		}
		d.rescaleExecs[factor] = exec
	}
	rescaled, err := exec.Exec1(images)
	if err != nil {
		return nil, errors.WithMessagef(err, "nsynth.Dataset: rescaling by %d", factor)
	}
	images.MustFinalizeAll()
	return rescaled, nil
}

// Reset restarts the workers with a fresh shuffle, discarding the examples extracted ahead of time.
// It also clears a previous loading error.
func (d *Dataset) Reset() {
	d.muNext.Lock()
	defer d.muNext.Unlock()
	d.lockedStop()
	d.lockedStart()
}

// Close stops the workers and waits for them to finish.
func (d *Dataset) Close() {
	d.muNext.Lock()
	defer d.muNext.Unlock()
	d.lockedStop()
}

func (d *Dataset) lockedStop() {
	impl := d.impl
	if impl == nil {
		return
	}
	impl.cancel()
	<-impl.done
	d.impl = nil
}
