package pggan

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Side of the adversarial pair: the generator and the discriminator round the coloring index differently.
type Side int

const (
	// GeneratorSide compares the layer index against ceil(coloring), and fades layer i in while
	// coloring goes from i-1 to i.
	GeneratorSide Side = iota

	// DiscriminatorSide compares the layer index against floor(coloring), and fades layer i in while
	// coloring goes from i to i+1.
	DiscriminatorSide
)

// String implements fmt.Stringer.
func (s Side) String() string {
	if s == DiscriminatorSide {
		return "discriminator"
	}
	return "generator"
}

// round returns the coloring index rounded according to the side.
func (s Side) round(coloring float64) float64 {
	if s == DiscriminatorSide {
		return math.Floor(coloring)
	}
	return math.Ceil(coloring)
}

// rampStart is the coloring value at which the blend of the given layer starts.
func (s Side) rampStart(index int) float64 {
	if s == DiscriminatorSide {
		return float64(index)
	}
	return float64(index - 1)
}

// Phase of a layer with respect to the coloring index.
type Phase int

const (
	// Old means only the previous (lower resolution) path is used.
	Old Phase = iota

	// New means only the layer's own (higher resolution) path is used.
	New

	// Blend means the two paths are linearly interpolated.
	Blend
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case Old:
		return "old"
	case New:
		return "new"
	default:
		return "blend"
	}
}

// PhaseAt returns the phase of the layer index for the given coloring index.
func PhaseAt(side Side, coloring float64, index int) Phase {
	rounded := side.round(coloring)
	switch {
	case float64(index) > rounded:
		return Old
	case float64(index) < rounded:
		return New
	default:
		return Blend
	}
}

// Weight returns the interpolation weight towards the new path, in [0, 1], for the layer index.
//
// It is continuous in coloring: for the generator it is 0 for coloring <= index-1, 1 for coloring >= index,
// and linear in between. For the discriminator the same ramp is shifted by one.
func Weight(side Side, coloring float64, index int) float64 {
	switch PhaseAt(side, coloring, index) {
	case Old:
		return 0
	case New:
		return 1
	default:
		return coloring - side.rampStart(index)
	}
}

// WeightGraph is the graph version of Weight: coloring is a scalar node and the phase selection happens
// at execution time. The returned scalar has the dtype given.
func WeightGraph(side Side, coloring *Node, index int, dtype dtypes.DType) *Node {
	g := coloring.Graph()
	coloring = ConvertDType(coloring, dtype)
	var rounded *Node
	if side == DiscriminatorSide {
		rounded = Floor(coloring)
	} else {
		rounded = Ceil(coloring)
	}
	indexNode := Scalar(g, dtype, float64(index))
	ramp := Sub(coloring, Scalar(g, dtype, side.rampStart(index)))
	return Where(GreaterThan(indexNode, rounded),
		ScalarZero(g, dtype),
		Where(LessThan(indexNode, rounded),
			ScalarOne(g, dtype),
			ramp))
}

// Lerp returns (1-t)*a + t*b. The parameter t is usually a scalar.
func Lerp(a, b, t *Node) *Node {
	return Add(Mul(OneMinus(t), a), Mul(t, b))
}

// BlendGraph selects (or interpolates) between the old and new paths of layer index, according to the
// scalar coloring node.
func BlendGraph(side Side, coloring *Node, index int, oldPath, newPath *Node) *Node {
	weight := WeightGraph(side, coloring, index, oldPath.DType())
	return Lerp(oldPath, newPath, weight)
}
