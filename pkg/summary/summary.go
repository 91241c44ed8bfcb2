// Package summary records training metrics and images to a directory.
//
// Scalars are appended as JSON lines to "events.jsonl", images are saved as PNG grids under "images/",
// and the scalar series can be plotted to PNG files.
package summary

import (
	"bufio"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gansynth/pkg/gansynth"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

const (
	// EventsFile is the name of the scalars log, in JSON lines.
	EventsFile = "events.jsonl"

	// ImagesDir is the subdirectory where images are saved.
	ImagesDir = "images"

	// LossesPlotFile is the file written by PlotLosses.
	LossesPlotFile = "losses.png"
)

// Event is one line of the scalars log.
type Event struct {
	Session  string  `json:"session"`
	WallTime float64 `json:"wall_time"`
	Step     int64   `json:"step"`
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
}

// Writer implements gansynth.Summary. It is safe for concurrent use.
type Writer struct {
	dir, session string

	// ValueRange is mapped to the [0, 255] gray levels of images. Values outside are clipped.
	ValueRange [2]float64

	mu     sync.Mutex
	file   *os.File
	events *bufio.Writer
	series map[string]plotter.XYs
}

var _ gansynth.Summary = (*Writer)(nil)

// New creates the directory if needed, and opens the scalars log for appending.
// Each Writer has its own session id, recorded with every event.
func New(dir string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Join(dir, ImagesDir), 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating summary directory %q", dir)
	}
	path := filepath.Join(dir, EventsFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", path)
	}
	w := &Writer{
		dir:        dir,
		session:    uuid.NewString(),
		ValueRange: [2]float64{-1, 1},
		file:       f,
		events:     bufio.NewWriter(f),
		series:     make(map[string]plotter.XYs),
	}
	klog.V(1).Infof("Summary session %s writing to %s", w.session, dir)
	return w, nil
}

// Dir where the summaries are written.
func (w *Writer) Dir() string { return w.dir }

// Session id of the writer.
func (w *Writer) Session() string { return w.session }

// Scalar implements gansynth.Summary.
func (w *Writer) Scalar(step int64, name string, value float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return errors.New("summary.Writer is closed")
	}
	// JSON can't encode NaN or infinities.
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return errors.Errorf("summary %q at step %d: non-finite value %g", name, step, value)
	}
	event := Event{
		Session:  w.session,
		WallTime: float64(time.Now().UnixNano()) / 1e9,
		Step:     step,
		Name:     name,
		Value:    value,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return errors.Wrapf(err, "encoding summary %q", name)
	}
	line = append(line, '\n')
	if _, err := w.events.Write(line); err != nil {
		return errors.Wrapf(err, "writing summary %q", name)
	}
	w.series[name] = append(w.series[name], plotter.XY{X: float64(step), Y: value})
	return nil
}

// Images implements gansynth.Summary. The batch of images, shaped [batchSize, height, width], is tiled
// into a grid and saved as "images/<name>_<step>.png". Each image is rotated so that its width (the
// frequency axis of spectrograms) is vertical, growing upwards.
func (w *Writer) Images(step int64, name string, images *tensors.Tensor) error {
	if images.DType() != dtypes.Float32 || images.Rank() != 3 {
		return errors.Errorf("summary %q: images must be float32 shaped [batch, height, width], got %s", name, images.Shape())
	}
	dims := images.Shape().Dimensions
	batchSize, height, width := dims[0], dims[1], dims[2]
	var tiles []image.Image
	err := tensors.ConstFlatData[float32](images, func(flat []float32) {
		tiles = make([]image.Image, batchSize)
		for b := range batchSize {
			tiles[b] = w.toGray(flat[b*height*width:(b+1)*height*width], height, width)
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "summary %q", name)
	}
	grid := Grid(tiles)
	path := filepath.Join(w.dir, ImagesDir, fmt.Sprintf("%s_%08d.png", name, step))
	if err := imaging.Save(grid, path); err != nil {
		return errors.Wrapf(err, "saving summary image %q", path)
	}
	return nil
}

// toGray converts row-major values into a gray image, rotated 90 degrees counter-clockwise.
func (w *Writer) toGray(values []float32, height, width int) image.Image {
	img := image.NewGray(image.Rect(0, 0, width, height))
	lo, hi := w.ValueRange[0], w.ValueRange[1]
	for y := range height {
		for x := range width {
			v := (float64(values[y*width+x]) - lo) / (hi - lo)
			v = math.Max(0, math.Min(1, v))
			img.SetGray(x, y, color.Gray{Y: uint8(math.Round(255 * v))})
		}
	}
	return imaging.Rotate90(img)
}

// Grid tiles images of the same size into a square-ish grid, filled row by row.
func Grid(tiles []image.Image) *image.NRGBA {
	if len(tiles) == 0 {
		return imaging.New(1, 1, color.Black)
	}
	cols := int(math.Ceil(math.Sqrt(float64(len(tiles)))))
	rows := (len(tiles) + cols - 1) / cols
	size := tiles[0].Bounds().Size()
	grid := imaging.New(cols*size.X, rows*size.Y, color.Black)
	for ii, tile := range tiles {
		pos := image.Pt((ii%cols)*size.X, (ii/cols)*size.Y)
		grid = imaging.Paste(grid, tile, pos)
	}
	return grid
}

// Flush implements gansynth.Summary.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.events.Flush(); err != nil {
		return errors.Wrap(err, "flushing summary events")
	}
	return errors.Wrap(w.file.Sync(), "syncing summary events")
}

// Series returns a copy of the (step, value) points recorded for the scalar name.
func (w *Writer) Series(name string) plotter.XYs {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.series[name])
}

// PlotLosses plots every recorded scalar whose name contains "loss" to "losses.png", and returns its path.
func (w *Writer) PlotLosses() (string, error) {
	w.mu.Lock()
	var names []string
	for name := range w.series {
		if strings.Contains(name, "loss") {
			names = append(names, name)
		}
	}
	w.mu.Unlock()
	path := filepath.Join(w.dir, LossesPlotFile)
	return path, w.PlotScalars(path, "Losses", names...)
}

// PlotScalars plots the named scalar series, against the step, to a PNG file.
func (w *Writer) PlotScalars(path, title string, names ...string) error {
	if len(names) == 0 {
		return errors.Errorf("no scalars to plot in %q", path)
	}
	slices.Sort(names)
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "step"
	for ii, name := range names {
		points := w.Series(name)
		if len(points) == 0 {
			return errors.Errorf("no values recorded for scalar %q", name)
		}
		line, err := plotter.NewLine(points)
		if err != nil {
			return errors.Wrapf(err, "plotting %q", name)
		}
		line.Color = plotutil.Color(ii)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving plot %q", path)
	}
	return nil
}

// Close flushes and closes the scalars log. The Writer can't be used afterwards.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return errors.Wrap(err, "closing summary events")
}
