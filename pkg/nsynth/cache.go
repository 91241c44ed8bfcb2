package nsynth

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"slices"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// CacheSuffix is appended to the audio file path to name its features cache.
const CacheSuffix = ".features.f16"

var cacheMagic = [4]byte{'G', 'S', 'F', '1'}

// CachePath returns the path of the features cache for the given audio file.
func CachePath(audioPath string) string {
	return audioPath + CacheSuffix
}

// SaveCache writes features with the given dimensions as float16 values.
//
// The format is: 4 bytes magic, uint32 rank, rank * uint32 dimensions, then the float16 values, all
// little-endian.
func SaveCache(path string, dims []int, values []float32) error {
	if size := product(dims); size != len(values) {
		return errors.Errorf("nsynth.SaveCache: dimensions %v hold %d values, got %d", dims, size, len(values))
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating features cache %q", path)
	}
	w := bufio.NewWriter(f)
	header := make([]uint32, 0, len(dims)+1)
	header = append(header, uint32(len(dims)))
	for _, dim := range dims {
		header = append(header, uint32(dim))
	}
	halfs := make([]uint16, len(values))
	for ii, v := range values {
		halfs[ii] = float16.Fromfloat32(v).Bits()
	}
	for _, data := range []any{cacheMagic, header, halfs} {
		if err = binary.Write(w, binary.LittleEndian, data); err != nil {
			break
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing features cache %q", path)
	}
	return errors.Wrapf(f.Close(), "closing features cache %q", path)
}

// LoadCache reads features saved with SaveCache. It returns an error if the dimensions don't match the
// expected ones.
func LoadCache(path string, wantDims []int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening features cache %q", path)
	}
	defer func() { _ = f.Close() }()
	r := bufio.NewReader(f)

	var magic [4]byte
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, errors.Wrapf(err, "reading features cache %q", path)
	}
	if magic != cacheMagic {
		return nil, errors.Errorf("invalid features cache %q", path)
	}
	var rank uint32
	if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
		return nil, errors.Wrapf(err, "reading features cache %q", path)
	}
	if int(rank) != len(wantDims) {
		return nil, errors.Errorf("features cache %q has rank %d, wanted dimensions %v", path, rank, wantDims)
	}
	dims32 := make([]uint32, rank)
	if err := binary.Read(r, binary.LittleEndian, dims32); err != nil {
		return nil, errors.Wrapf(err, "reading features cache %q", path)
	}
	dims := make([]int, rank)
	for ii, dim := range dims32 {
		dims[ii] = int(dim)
	}
	if !slices.Equal(dims, wantDims) {
		return nil, errors.Errorf("features cache %q has dimensions %v, wanted %v", path, dims, wantDims)
	}

	halfs := make([]uint16, product(dims))
	if err := binary.Read(r, binary.LittleEndian, halfs); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, errors.Errorf("features cache %q is truncated", path)
		}
		return nil, errors.Wrapf(err, "reading features cache %q", path)
	}
	values := make([]float32, len(halfs))
	for ii, h := range halfs {
		values[ii] = float16.Frombits(h).Float32()
	}
	return values, nil
}

func product(dims []int) int {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	return size
}
