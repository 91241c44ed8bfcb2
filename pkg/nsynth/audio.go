package nsynth

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"
	"github.com/mewkiz/flac"
	"github.com/pkg/errors"
)

// ErrUnsupportedAudio is returned when decoding a file with an unknown extension or format.
var ErrUnsupportedAudio = errors.New("unsupported audio file")

// LoadAudio decodes a WAV or FLAC file into mono samples in [-1, 1], averaging the channels.
func LoadAudio(path string) (samples []float64, sampleRate int, err error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return loadWAV(path)
	case ".flac":
		return loadFLAC(path)
	default:
		return nil, 0, errors.Wrapf(ErrUnsupportedAudio, "%q", path)
	}
}

func loadWAV(path string) ([]float64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "opening %q", path)
	}
	defer func() { _ = f.Close() }()

	stream, format, err := wav.Decode(f)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "decoding WAV %q", path)
	}
	defer func() { _ = stream.Close() }()

	// wav.Decode divides signed (16 and 24 bits) samples by 2^bits-1, mapping them to [-0.5, 0.5],
	// while wav.Encode multiplies by 2^(bits-1)-1.
	scale := 1.0
	if format.Precision > 1 {
		bits := uint(8 * format.Precision)
		scale = float64(uint64(1)<<bits-1) / float64(uint64(1)<<(bits-1)-1)
	}
	mono := make([]float64, 0, stream.Len())
	buf := make([][2]float64, 512)
	for {
		n, ok := stream.Stream(buf)
		for _, frame := range buf[:n] {
			if format.NumChannels == 1 {
				mono = append(mono, frame[0]*scale)
			} else {
				mono = append(mono, (frame[0]+frame[1])/2*scale)
			}
		}
		if !ok {
			break
		}
	}
	if err := stream.Err(); err != nil {
		return nil, 0, errors.Wrapf(err, "reading WAV %q", path)
	}
	return mono, int(format.SampleRate), nil
}

func loadFLAC(path string) ([]float64, int, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "decoding FLAC %q", path)
	}
	defer func() { _ = stream.Close() }()

	numChannels := int(stream.Info.NChannels)
	if numChannels == 0 {
		return nil, 0, errors.Wrapf(ErrUnsupportedAudio, "FLAC %q has no channels", path)
	}
	scale := 1.0 / float64(int64(1)<<(stream.Info.BitsPerSample-1))
	mono := make([]float64, 0, int(stream.Info.NSamples))
	for {
		frame, err := stream.ParseNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, errors.Wrapf(err, "reading FLAC %q", path)
		}
		for ii := range frame.Subframes[0].Samples {
			var sum float64
			for _, subframe := range frame.Subframes {
				sum += float64(subframe.Samples[ii])
			}
			mono = append(mono, sum*scale/float64(numChannels))
		}
	}
	return mono, int(stream.Info.SampleRate), nil
}

// SaveWAV writes mono samples in [-1, 1] as a 16 bits PCM WAV file.
func SaveWAV(path string, samples []float64, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	pos := 0
	streamer := beep.StreamerFunc(func(buf [][2]float64) (n int, ok bool) {
		if pos >= len(samples) {
			return 0, false
		}
		n = min(len(buf), len(samples)-pos)
		for ii := range n {
			buf[ii][0], buf[ii][1] = samples[pos+ii], samples[pos+ii]
		}
		pos += n
		return n, true
	})
	format := beep.Format{SampleRate: beep.SampleRate(sampleRate), NumChannels: 1, Precision: 2}
	if err := wav.Encode(f, streamer, format); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "encoding WAV %q", path)
	}
	return errors.Wrapf(f.Close(), "closing %q", path)
}

// FitLength pads with zeros or trims samples to exactly length samples.
func FitLength(samples []float64, length int) []float64 {
	if len(samples) >= length {
		return samples[:length]
	}
	padded := make([]float64, length)
	copy(padded, samples)
	return padded
}
