package nsynth

import (
	"math"
	"math/cmplx"

	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/mjibson/go-dsp/window"
	"github.com/pkg/errors"
	"github.com/r9y9/gossp/stft"
	"golang.org/x/exp/constraints"
)

const (
	// melBreakFrequencyHertz and melHighFrequencyQ define the mel scale: mel = Q * ln(1 + f/break).
	melBreakFrequencyHertz = 700.0
	melHighFrequencyQ      = 1127.0

	// logOffset avoids log(0) on silent bins.
	logOffset = 1e-6
)

// HzToMel converts a frequency in hertz to the mel scale.
func HzToMel(hz float64) float64 {
	return melHighFrequencyQ * math.Log(1+hz/melBreakFrequencyHertz)
}

// MelToHz converts a value in the mel scale to hertz.
func MelToHz(mel float64) float64 {
	return melBreakFrequencyHertz * (math.Exp(mel/melHighFrequencyQ) - 1)
}

// Features converts audio to the 2-channel spectrogram images the GAN is trained on: the log-magnitude of
// the mel spectrogram and the mel instantaneous frequency, both scaled to [-1, 1].
type Features struct {
	// AudioLength is the number of samples considered: audio is padded or trimmed to it.
	AudioLength int

	SampleRate int

	// TimeSteps and FrequencyBins are the shape of the spectrogram images.
	TimeSteps, FrequencyBins int

	// Overlap of consecutive STFT frames, as a fraction of the frame length.
	Overlap float64

	// LogMagnitudeRange is mapped linearly to [-1, 1] (values outside are clipped).
	LogMagnitudeRange [2]float64

	DataFormat images.ChannelsAxisConfig

	frameLen, frameShift int
	stft                 *stft.STFT
	melFilters           []melFilter
}

// melFilter is one triangular mel filter: weights applied to the linear bins starting at first.
type melFilter struct {
	first   int
	weights []float64
}

// NumChannels of the feature images.
const NumChannels = 2

// NewFeatures returns a feature extractor for spectrograms shaped [timeSteps, frequencyBins].
// The STFT frame length is 2*frequencyBins, and the frame shift is the frame length times (1-overlap).
func NewFeatures(audioLength, sampleRate, timeSteps, frequencyBins int, overlap float64,
	dataFormat images.ChannelsAxisConfig) (*Features, error) {
	if audioLength <= 0 || sampleRate <= 0 || timeSteps <= 0 || frequencyBins <= 0 {
		return nil, errors.Errorf("nsynth.NewFeatures: invalid audioLength=%d, sampleRate=%d, shape=[%d, %d]",
			audioLength, sampleRate, timeSteps, frequencyBins)
	}
	if overlap < 0 || overlap >= 1 {
		return nil, errors.Errorf("nsynth.NewFeatures: overlap must be in [0, 1), got %g", overlap)
	}
	frameLen := 2 * frequencyBins
	frameShift := int(float64(frameLen) * (1 - overlap))
	if frameShift <= 0 {
		return nil, errors.Errorf("nsynth.NewFeatures: overlap %g too large for frame length %d", overlap, frameLen)
	}
	s := stft.New(frameShift, frameLen)
	s.Window = window.Hann(frameLen)
	return &Features{
		AudioLength:       audioLength,
		SampleRate:        sampleRate,
		TimeSteps:         timeSteps,
		FrequencyBins:     frequencyBins,
		Overlap:           overlap,
		LogMagnitudeRange: [2]float64{math.Log(logOffset), 8},
		DataFormat:        dataFormat,
		frameLen:          frameLen,
		frameShift:        frameShift,
		stft:              s,
		melFilters:        melFilterBank(frequencyBins, frequencyBins, float64(sampleRate), 0, float64(sampleRate)/2),
	}, nil
}

// Dimensions of one example (without the batch axis), following the data format.
func (f *Features) Dimensions() []int {
	if f.DataFormat == images.ChannelsFirst {
		return []int{NumChannels, f.TimeSteps, f.FrequencyBins}
	}
	return []int{f.TimeSteps, f.FrequencyBins, NumChannels}
}

// Size is the number of values of one example.
func (f *Features) Size() int {
	return NumChannels * f.TimeSteps * f.FrequencyBins
}

// melFilterBank returns the triangular filters mapping numLinearBins to numMelBins, evenly spaced in the
// mel scale between lowerHz and upperHz. Linear bin ii is centered at ii*nyquist/numLinearBins, as the
// first half of an FFT of length 2*numLinearBins. The DC bin is never used.
func melFilterBank(numLinearBins, numMelBins int, sampleRate, lowerHz, upperHz float64) []melFilter {
	nyquist := sampleRate / 2
	binsMel := make([]float64, numLinearBins)
	for ii := range binsMel {
		binsMel[ii] = HzToMel(nyquist * float64(ii) / float64(numLinearBins))
	}
	lowerMel, upperMel := HzToMel(lowerHz), HzToMel(upperHz)
	edge := func(ii int) float64 {
		return lowerMel + (upperMel-lowerMel)*float64(ii)/float64(numMelBins+1)
	}

	filters := make([]melFilter, numMelBins)
	for m := range filters {
		lower, center, upper := edge(m), edge(m+1), edge(m+2)
		filter := &filters[m]
		filter.first = -1
		for bin := 1; bin < numLinearBins; bin++ {
			lowerSlope := (binsMel[bin] - lower) / (center - lower)
			upperSlope := (upper - binsMel[bin]) / (upper - center)
			weight := math.Max(0, math.Min(lowerSlope, upperSlope))
			if weight == 0 {
				if filter.first >= 0 {
					break
				}
				continue
			}
			if filter.first < 0 {
				filter.first = bin
			}
			filter.weights = append(filter.weights, weight)
		}
		if filter.first < 0 {
			filter.first = 0
		}
	}
	return filters
}

// applyMel writes to mel the mel-scaled values of a linear spectrogram row.
func (f *Features) applyMel(linear []float64, mel []float64) {
	for m, filter := range f.melFilters {
		var sum float64
		for ii, w := range filter.weights {
			sum += w * linear[filter.first+ii]
		}
		mel[m] = sum
	}
}

// Compute returns the flat features of the audio samples, laid out as Dimensions.
func (f *Features) Compute(samples []float64) []float32 {
	numFrames := f.TimeSteps
	frameLen, frameShift := f.frameLen, f.frameShift
	padded := FitLength(samples, f.AudioLength)
	if minLen := frameShift*(numFrames-1) + frameLen; len(padded) < minLen {
		padded = FitLength(padded, minLen)
	}
	spectrogram := f.stft.STFT(padded)
	if len(spectrogram) > numFrames {
		spectrogram = spectrogram[:numFrames]
	}

	// Linear magnitude squared and phase unwrapped along time.
	numBins := f.FrequencyBins
	magnitude2 := make([][]float64, numFrames)
	phase := make([][]float64, numFrames)
	for t := range numFrames {
		magnitude2[t] = make([]float64, numBins)
		phase[t] = make([]float64, numBins)
		if t >= len(spectrogram) {
			continue
		}
		for bin := range numBins {
			x := spectrogram[t][bin]
			abs := cmplx.Abs(x)
			magnitude2[t][bin] = abs * abs
			phase[t][bin] = cmplx.Phase(x)
		}
	}
	unwrapTime(phase)

	// Mel scale.
	numMels := len(f.melFilters)
	logMel := make([][]float64, numFrames)
	melPhase := make([][]float64, numFrames)
	for t := range numFrames {
		logMel[t] = make([]float64, numMels)
		melPhase[t] = make([]float64, numMels)
		f.applyMel(magnitude2[t], logMel[t])
		f.applyMel(phase[t], melPhase[t])
		for m := range logMel[t] {
			logMel[t][m] = math.Log(logMel[t][m] + logOffset)
		}
	}
	frequency := InstantaneousFrequency(melPhase)

	lo, hi := f.LogMagnitudeRange[0], f.LogMagnitudeRange[1]
	flat := make([]float32, f.Size())
	for t := range numFrames {
		for m := range numMels {
			magnitude := clip(2*(logMel[t][m]-lo)/(hi-lo)-1, -1, 1)
			freq := clip(frequency[t][m], -1, 1)
			if f.DataFormat == images.ChannelsFirst {
				flat[t*numMels+m] = float32(magnitude)
				flat[(numFrames+t)*numMels+m] = float32(freq)
			} else {
				idx := (t*numMels + m) * NumChannels
				flat[idx] = float32(magnitude)
				flat[idx+1] = float32(freq)
			}
		}
	}
	return flat
}

// unwrapTime unwraps the phase [time][bin] along the time axis, in place.
func unwrapTime(phase [][]float64) {
	for t := 1; t < len(phase); t++ {
		for bin := range phase[t] {
			delta := phase[t][bin] - phase[t-1][bin]
			wrapped := math.Mod(delta+math.Pi, 2*math.Pi)
			if wrapped < 0 {
				wrapped += 2 * math.Pi
			}
			wrapped -= math.Pi
			if wrapped == -math.Pi && delta > 0 {
				wrapped = math.Pi
			}
			phase[t][bin] = phase[t-1][bin] + wrapped
		}
	}
}

// InstantaneousFrequency returns the time derivative of the unwrapped phase [time][bin], divided by pi.
// The first frame keeps the phase itself. The phase is not modified.
func InstantaneousFrequency(phase [][]float64) [][]float64 {
	unwrapped := make([][]float64, len(phase))
	for t := range phase {
		unwrapped[t] = append([]float64(nil), phase[t]...)
	}
	unwrapTime(unwrapped)
	frequency := make([][]float64, len(phase))
	for t := range unwrapped {
		frequency[t] = make([]float64, len(unwrapped[t]))
		for bin := range unwrapped[t] {
			delta := unwrapped[t][bin]
			if t > 0 {
				delta -= unwrapped[t-1][bin]
			}
			frequency[t][bin] = delta / math.Pi
		}
	}
	return frequency
}

func clip[T constraints.Float](x, lower, upper T) T {
	return max(lower, min(upper, x))
}
