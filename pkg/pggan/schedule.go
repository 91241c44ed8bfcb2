package pggan

import (
	"fmt"
	"math"
)

// Schedule maps the global training step to the growth "depth" of the networks.
//
// It is a pure function of the step passed: no state is kept.
type Schedule struct {
	MinDepth, MaxDepth float64
	MaxSteps           int64

	maxResolution []int
}

// NewSchedule creates the schedule for the given architecture configuration, growing linearly from
// MinResolution to MaxResolution over maxSteps.
func NewSchedule(cfg *Config, maxSteps int64) Schedule {
	return Schedule{
		MinDepth:      0,
		MaxDepth:      float64(cfg.MaxDepth()),
		MaxSteps:      maxSteps,
		maxResolution: cfg.MaxResolution,
	}
}

// Depth returns the continuous depth for the given step: it grows linearly from MinDepth at step 0
// to MaxDepth at MaxSteps.
//
// Steps beyond MaxSteps are not expected to be trained, but the value is clipped to MaxDepth anyway.
func (s Schedule) Depth(step int64) float64 {
	if s.MaxSteps <= 0 {
		return s.MaxDepth
	}
	depth := (s.MaxDepth-s.MinDepth)*float64(step)/float64(s.MaxSteps) + s.MinDepth
	return min(max(depth, s.MinDepth), s.MaxDepth)
}

// DownscaleFactor by which the real data must be shrunk so it matches the resolution of the stage being
// trained at the given depth. It is always a power of 2.
func (s Schedule) DownscaleFactor(depth float64) int {
	exponent := int(s.MaxDepth) - int(math.Ceil(depth))
	if exponent < 0 {
		exponent = 0
	}
	return 1 << exponent
}

// ColoringIndex fed to the Generate and Discriminate recursions for the given depth.
//
// Layer i >= 1 works at resolution MinResolution*2^(i-1), so the layer being faded in while the depth
// goes from d-1 to d is d+1.
func (s Schedule) ColoringIndex(depth float64) float64 {
	return depth + 1
}

// Stage describes the growth state at a training step.
type Stage struct {
	Step       int64
	Depth      float64
	Coloring   float64
	Downscale  int
	Resolution []int

	// Fading is true while a new layer is being blended in, that is, while depth is not an integer.
	Fading bool
}

// StageAt returns a description of the growth stage at the given step.
func (s Schedule) StageAt(step int64) Stage {
	depth := s.Depth(step)
	downscale := s.DownscaleFactor(depth)
	res := make([]int, len(s.maxResolution))
	for axis, dim := range s.maxResolution {
		res[axis] = dim / downscale
	}
	return Stage{
		Step:       step,
		Depth:      depth,
		Coloring:   s.ColoringIndex(depth),
		Downscale:  downscale,
		Resolution: res,
		Fading:     depth != math.Floor(depth),
	}
}

// String implements fmt.Stringer.
func (st Stage) String() string {
	fading := ""
	if st.Fading {
		fading = ", fading"
	}
	return fmt.Sprintf("step=%d, depth=%.3f, resolution=%v (1/%d)%s", st.Step, st.Depth, st.Resolution, st.Downscale, fading)
}
