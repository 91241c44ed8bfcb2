package nsynth

import (
	"encoding/json"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"k8s.io/klog/v2"
)

// NumPitches is the number of MIDI pitches, the number of classes the GAN is conditioned on.
const NumPitches = 128

// ErrNoFiles is returned when no audio file is found.
var ErrNoFiles = errors.New("no audio files found")

// InstrumentSource is how the note was produced.
type InstrumentSource int

const (
	Acoustic InstrumentSource = iota
	Electronic
	Synthetic
)

var instrumentSourceNames = [...]string{"acoustic", "electronic", "synthetic"}

func (s InstrumentSource) String() string {
	if s < 0 || int(s) >= len(instrumentSourceNames) {
		return "InstrumentSource(" + strconv.Itoa(int(s)) + ")"
	}
	return instrumentSourceNames[s]
}

// ParseInstrumentSource converts names like "acoustic" to the InstrumentSource.
func ParseInstrumentSource(name string) (InstrumentSource, error) {
	idx := slices.Index(instrumentSourceNames[:], name)
	if idx < 0 {
		return 0, errors.Errorf("unknown instrument source %q", name)
	}
	return InstrumentSource(idx), nil
}

// Note describes one NSynth example.
type Note struct {
	// Path to the audio file, if known.
	Path string

	// Name is the note string, e.g. "bass_electronic_018-022-100".
	Name string

	// Family is the instrument family, e.g. "bass" or "synth_lead".
	Family string

	Source InstrumentSource

	// Instrument is the instrument identifier, e.g. "bass_electronic_018".
	Instrument string

	Pitch, Velocity int
}

// ParseFilename parses NSynth names shaped "<family>_<source>_<id>-<pitch>-<velocity>", with or
// without directory and extension.
func ParseFilename(path string) (Note, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	note := Note{Path: path, Name: name}
	parts := strings.Split(name, "-")
	if len(parts) != 3 {
		return note, errors.Errorf("invalid NSynth note name %q: want <instrument>-<pitch>-<velocity>", name)
	}
	note.Instrument = parts[0]
	var err error
	if note.Pitch, err = strconv.Atoi(parts[1]); err != nil {
		return note, errors.Wrapf(err, "invalid pitch in %q", name)
	}
	if note.Pitch < 0 || note.Pitch >= NumPitches {
		return note, errors.Errorf("pitch %d out of range in %q", note.Pitch, name)
	}
	if note.Velocity, err = strconv.Atoi(parts[2]); err != nil {
		return note, errors.Wrapf(err, "invalid velocity in %q", name)
	}

	// The family may itself contain underscores ("synth_lead"), so parse from the right.
	instrumentParts := strings.Split(note.Instrument, "_")
	if len(instrumentParts) < 3 {
		return note, errors.Errorf("invalid NSynth instrument %q: want <family>_<source>_<id>", note.Instrument)
	}
	numParts := len(instrumentParts)
	if note.Source, err = ParseInstrumentSource(instrumentParts[numParts-2]); err != nil {
		return note, errors.WithMessagef(err, "in %q", name)
	}
	note.Family = strings.Join(instrumentParts[:numParts-2], "_")
	return note, nil
}

// Metadata is the subset of the NSynth "examples.json" attributes used.
type Metadata struct {
	Pitch            int              `json:"pitch"`
	Velocity         int              `json:"velocity"`
	InstrumentSource InstrumentSource `json:"instrument_source"`
	InstrumentFamily string           `json:"instrument_family_str"`
}

// LoadMetadata reads the NSynth "examples.json" file, indexed by the note name.
func LoadMetadata(path string) (map[string]Metadata, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading metadata %q", path)
	}
	metadata := make(map[string]Metadata)
	if err := json.Unmarshal(contents, &metadata); err != nil {
		return nil, errors.Wrapf(err, "parsing metadata %q", path)
	}
	return metadata, nil
}

// ApplyMetadata overwrites the pitch, velocity and source of notes found in metadata.
func ApplyMetadata(notes []Note, metadata map[string]Metadata) {
	for ii := range notes {
		md, found := metadata[notes[ii].Name]
		if !found {
			continue
		}
		notes[ii].Pitch = md.Pitch
		notes[ii].Velocity = md.Velocity
		notes[ii].Source = md.InstrumentSource
		if md.InstrumentFamily != "" {
			notes[ii].Family = md.InstrumentFamily
		}
	}
}

// ScanDir returns the notes of all WAV and FLAC files under dir, sorted by path.
// Files whose names can't be parsed are skipped.
func ScanDir(dir string) ([]Note, error) {
	var notes []Note
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".wav", ".flac":
		default:
			return nil
		}
		note, err := ParseFilename(path)
		if err != nil {
			klog.V(1).Infof("Skipping %q: %v", path, err)
			return nil
		}
		notes = append(notes, note)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scanning %q", dir)
	}
	if len(notes) == 0 {
		return nil, errors.Wrapf(ErrNoFiles, "in %q", dir)
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].Path < notes[j].Path })
	return notes, nil
}

// FilterPitches returns the notes with pitch in [minPitch, maxPitch].
func FilterPitches(notes []Note, minPitch, maxPitch int) []Note {
	return slices.DeleteFunc(slices.Clone(notes), func(note Note) bool {
		return note.Pitch < minPitch || note.Pitch > maxPitch
	})
}

// PitchCounts maps a pitch to the number of examples with that pitch.
type PitchCounts map[int]int

// CountPitches of the notes.
func CountPitches(notes []Note) PitchCounts {
	counts := make(PitchCounts)
	for _, note := range notes {
		counts[note.Pitch]++
	}
	return counts
}

// LoadPitchCounts reads counts saved with PitchCounts.Save.
func LoadPitchCounts(path string) (PitchCounts, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading pitch counts %q", path)
	}
	counts := make(PitchCounts)
	if err := json.Unmarshal(contents, &counts); err != nil {
		return nil, errors.Wrapf(err, "parsing pitch counts %q", path)
	}
	return counts, nil
}

// Save the counts as a JSON object.
func (c PitchCounts) Save(path string) error {
	contents, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding pitch counts")
	}
	return errors.Wrapf(os.WriteFile(path, contents, 0o644), "writing pitch counts %q", path)
}

// PitchSampler samples pitches with probability proportional to their counts.
type PitchSampler struct {
	pitches    []int
	cumulative []int
}

// NewPitchSampler returns a sampler for the counts. Pitches with non-positive counts are never sampled.
func NewPitchSampler(counts PitchCounts) (*PitchSampler, error) {
	s := &PitchSampler{}
	total := 0
	for _, pitch := range slices.Sorted(maps.Keys(counts)) {
		count := counts[pitch]
		if count <= 0 {
			continue
		}
		if pitch < 0 || pitch >= NumPitches {
			return nil, errors.Errorf("pitch %d out of range [0, %d)", pitch, NumPitches)
		}
		total += count
		s.pitches = append(s.pitches, pitch)
		s.cumulative = append(s.cumulative, total)
	}
	if total == 0 {
		return nil, errors.New("pitch counts are empty")
	}
	return s, nil
}

// Pitches that can be sampled, in increasing order.
func (s *PitchSampler) Pitches() []int { return s.pitches }

// Sample one pitch.
func (s *PitchSampler) Sample(rng *rand.Rand) int {
	total := s.cumulative[len(s.cumulative)-1]
	r := rng.Intn(total)
	idx := sort.SearchInts(s.cumulative, r+1)
	return s.pitches[idx]
}
