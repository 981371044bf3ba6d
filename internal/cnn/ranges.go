package cnn

import (
	"fmt"
	"math"
)

// ScaleLevel selects how widely a colour range is shared.
type ScaleLevel string

// Scale levels.
const (
	LocalScale  ScaleLevel = "local"  // every layer on its own
	ModuleScale ScaleLevel = "module" // one range per conv block, pool included
	GlobalScale ScaleLevel = "global" // one range for every hidden 2D layer
)

// ParseScaleLevel validates a scale level name.
func ParseScaleLevel(s string) (ScaleLevel, error) {
	switch l := ScaleLevel(s); l {
	case LocalScale, ModuleScale, GlobalScale:
		return l, nil
	default:
		return "", fmt.Errorf("unknown scale level %q", s)
	}
}

// Extent is the minimum and maximum activation of a layer.
type Extent struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// SymmetricRange returns 2·max(|min|, |max|), the width of a diverging
// colour scale centred on zero.
func (e Extent) SymmetricRange() float64 {
	return 2 * math.Max(math.Abs(e.Min), math.Abs(e.Max))
}

func (e Extent) union(o Extent) Extent {
	return Extent{Min: math.Min(e.Min, o.Min), Max: math.Max(e.Max, o.Max)}
}

var emptyExtent = Extent{Min: math.Inf(1), Max: math.Inf(-1)}

// Ranges holds per-layer extents and the colour range of every layer at
// each scale level, indexed by layer position.
type Ranges struct {
	Extents []Extent                 `json:"extents"`
	Levels  map[ScaleLevel][]float64 `json:"levels"`
}

// Range returns the colour range of layer l at the given level.
func (r Ranges) Range(level ScaleLevel, l int) float64 {
	v := r.Levels[level]
	if l < 0 || l >= len(v) {
		return 0
	}
	return v[l]
}

// LayerExtent returns the extent of every output in layer l.
func LayerExtent(g *Graph, l int) Extent {
	ext := emptyExtent
	for _, id := range g.Layer(l) {
		n := &g.nodes[id]
		if !n.computed {
			continue
		}
		lo, hi := n.Output.Extent()
		ext = ext.union(Extent{Min: lo, Max: hi})
	}
	return ext
}

// ComputeRanges derives legend ranges for a computed graph.
//
// Hidden 2D layers (conv, relu, pool) share ranges at the module and global
// levels. A module runs from a conv layer up to and including the next
// pool layer. Input, flatten and fc layers always use their own range.
func ComputeRanges(g *Graph) Ranges {
	n := g.NumLayers()
	r := Ranges{
		Extents: make([]Extent, n),
		Levels: map[ScaleLevel][]float64{
			LocalScale:  make([]float64, n),
			ModuleScale: make([]float64, n),
			GlobalScale: make([]float64, n),
		},
	}

	global := emptyExtent
	module := make([]int, n) // module id of each hidden layer, -1 otherwise
	var modules []Extent
	cur := -1
	for l := 0; l < n; l++ {
		r.Extents[l] = LayerExtent(g, l)
		r.Levels[LocalScale][l] = r.Extents[l].SymmetricRange()
		module[l] = -1

		switch g.LayerType(l) {
		case ConvLayer, ReLULayer, PoolLayer:
			if cur < 0 {
				modules = append(modules, emptyExtent)
				cur = len(modules) - 1
			}
			module[l] = cur
			modules[cur] = modules[cur].union(r.Extents[l])
			global = global.union(r.Extents[l])
			if g.LayerType(l) == PoolLayer {
				cur = -1
			}
		default:
			cur = -1
		}
	}

	for l := 0; l < n; l++ {
		if m := module[l]; m >= 0 {
			r.Levels[ModuleScale][l] = modules[m].SymmetricRange()
			r.Levels[GlobalScale][l] = global.SymmetricRange()
			continue
		}
		r.Levels[ModuleScale][l] = r.Levels[LocalScale][l]
		r.Levels[GlobalScale][l] = r.Levels[LocalScale][l]
	}
	return r
}
