// Package overview draws a computed graph as an SVG: one column per layer,
// each channel a heat-map tile, with the class probabilities on the right.
package overview

import (
	"errors"
	"fmt"
	"io"
	"math"

	svg "github.com/ajstarks/svgo"

	"github.com/born-ml/explainer/internal/cnn"
)

// ErrEmptyGraph is returned for a graph without layers.
var ErrEmptyGraph = errors.New("graph has no layers")

// Options configures the drawing.
type Options struct {
	Level   cnn.ScaleLevel // colour range sharing, default module
	Classes []string       // output labels, by output index
	Tile    int            // side of a map tile in pixels
	Title   string
}

// DefaultOptions returns 48-pixel tiles at the module scale level.
func DefaultOptions() Options {
	return Options{Level: cnn.ModuleScale, Tile: 48}
}

const (
	margin   = 20
	header   = 24
	colGap   = 56
	rowGap   = 8
	strip    = 10  // flatten strip width
	barWidth = 120 // width of a probability of 1
	labelW   = 110
)

// errWriter remembers the first write error; svgo does not report them.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return len(p), nil
	}
	n, err := e.w.Write(p)
	if err != nil {
		e.err = err
	}
	return n, nil
}

type layout struct {
	g      *cnn.Graph
	opts   Options
	ranges cnn.Ranges
	height int // height of the tallest column
}

// column returns the left edge of layer l.
func (lay *layout) column(l int) int {
	return margin + l*(lay.opts.Tile+colGap)
}

func (lay *layout) rowY(i int) int {
	return margin + header + i*(lay.opts.Tile+rowGap)
}

// Render writes the SVG overview of g to w.
func Render(w io.Writer, g *cnn.Graph, opts Options) error {
	if g == nil || g.NumLayers() == 0 {
		return ErrEmptyGraph
	}
	if opts.Tile <= 0 {
		opts.Tile = DefaultOptions().Tile
	}
	if opts.Level == "" {
		opts.Level = cnn.ModuleScale
	}

	lay := &layout{g: g, opts: opts, ranges: cnn.ComputeRanges(g)}
	rows := 1
	for l := 0; l < g.NumLayers(); l++ {
		if g.LayerType(l).HasMap() || g.LayerType(l) == cnn.FCLayer {
			rows = max(rows, len(g.Layer(l)))
		}
	}
	lay.height = rows*(opts.Tile+rowGap) - rowGap

	width := lay.column(g.NumLayers()) - colGap + barWidth + labelW + margin
	height := margin*2 + header + lay.height

	ew := &errWriter{w: w}
	canvas := svg.New(ew)
	canvas.Start(width, height)
	if opts.Title != "" {
		canvas.Title(opts.Title)
	}
	canvas.Rect(0, 0, width, height, "fill:white")

	canvas.Gid("edges")
	for l := 1; l < g.NumLayers(); l++ {
		lay.edges(canvas, l)
	}
	canvas.Gend()

	for l := 0; l < g.NumLayers(); l++ {
		canvas.Gid(fmt.Sprintf("layer-%d", l))
		canvas.Text(lay.column(l), margin+header/2, g.LayerName(l), "font-family:sans-serif;font-size:10px")
		switch typ := g.LayerType(l); {
		case typ.HasMap():
			lay.maps(canvas, l)
		case typ == cnn.FlattenLayer:
			lay.flatten(canvas, l)
		case typ == cnn.FCLayer:
			lay.outputs(canvas, l)
		}
		canvas.Gend()
	}

	canvas.End()
	if ew.err != nil {
		return fmt.Errorf("failed to write overview: %w", ew.err)
	}
	return nil
}

// anchor returns the left and right edge midpoints of a node's glyph.
func (lay *layout) anchor(l, i int) (left, right, y int) {
	x := lay.column(l)
	switch lay.g.LayerType(l) {
	case cnn.FlattenLayer:
		return x, x + strip, margin + header + lay.height/2
	case cnn.FCLayer:
		bar := lay.opts.Tile / 2
		return x, x, lay.rowY(0) + i*(bar+rowGap) + bar/2
	default:
		return x, x + lay.opts.Tile, lay.rowY(i) + lay.opts.Tile/2
	}
}

// edges draws the links into layer l. Links into flatten and fc layers are
// drawn once per source glyph rather than per scalar node.
func (lay *layout) edges(canvas *svg.SVG, l int) {
	const style = "stroke:#999;stroke-width:0.5;stroke-opacity:0.5"
	g := lay.g
	prev := g.Layer(l - 1)
	switch g.LayerType(l) {
	case cnn.FlattenLayer:
		x, _, y := lay.anchor(l, 0)
		for i := range prev {
			_, px, py := lay.anchor(l-1, i)
			canvas.Line(px, py, x, y, style)
		}
	case cnn.FCLayer:
		_, px, py := lay.anchor(l-1, 0)
		for i := range g.Layer(l) {
			x, _, y := lay.anchor(l, i)
			canvas.Line(px, py, x, y, style)
		}
	default:
		index := make(map[cnn.NodeID]int, len(prev))
		for i, id := range prev {
			index[id] = i
		}
		for i, id := range g.Layer(l) {
			x, _, y := lay.anchor(l, i)
			for _, link := range g.InputLinks(id) {
				_, px, py := lay.anchor(l-1, index[link.Source])
				canvas.Line(px, py, x, y, style)
			}
		}
	}
}

// colour maps an activation of layer l to a fill.
func (lay *layout) colour(l int, v float64) string {
	if lay.g.LayerType(l) == cnn.InputLayer {
		ext := lay.ranges.Extents[l]
		if ext.Max <= ext.Min {
			return Greys(0)
		}
		return Greys((v - ext.Min) / (ext.Max - ext.Min))
	}
	r := lay.ranges.Range(lay.opts.Level, l)
	if r == 0 {
		return RdBu(0.5)
	}
	return RdBu(v/r + 0.5)
}

// maps draws every channel of layer l as a tile. Large maps are sampled
// so a tile never holds more cells than pixels.
func (lay *layout) maps(canvas *svg.SVG, l int) {
	tile := lay.opts.Tile
	for i, n := range lay.g.LayerNodes(l) {
		m := n.Output.Map
		side := m.Rows()
		if side == 0 {
			continue
		}
		step := (side + tile - 1) / tile
		cells := (side + step - 1) / step
		cell := tile / cells
		x0, y0 := lay.column(l), lay.rowY(i)
		for r := 0; r < cells; r++ {
			for c := 0; c < cells; c++ {
				fill := "fill:" + lay.colour(l, m[r*step][c*step])
				canvas.Rect(x0+c*cell, y0+r*cell, cell, cell, fill)
			}
		}
		canvas.Rect(x0, y0, cells*cell, cells*cell, "fill:none;stroke:#ccc;stroke-width:0.5")
	}
}

// flatten draws the flatten layer as a thin strip in display order.
func (lay *layout) flatten(canvas *svg.SVG, l int) {
	nodes := lay.g.LayerNodes(l)
	if len(nodes) == 0 {
		return
	}
	x0, y0 := lay.column(l), margin+header
	h := max(1, lay.height/len(nodes))
	for i, n := range nodes {
		y := y0 + i*lay.height/len(nodes)
		canvas.Rect(x0, y, strip, h, "fill:"+lay.colour(l, n.Output.Scalar))
	}
}

// outputs draws one probability bar per class, the most probable one
// highlighted.
func (lay *layout) outputs(canvas *svg.SVG, l int) {
	nodes := lay.g.LayerNodes(l)
	best := -1
	for i, n := range nodes {
		if best < 0 || n.Output.Scalar > nodes[best].Output.Scalar {
			best = i
		}
	}
	bar := lay.opts.Tile / 2
	x0 := lay.column(l)
	for i, n := range nodes {
		_, _, cy := lay.anchor(l, i)
		y := cy - bar/2
		fill := "fill:#bbb"
		if i == best {
			fill = "fill:" + RdBu(1)
		}
		p := math.Max(0, math.Min(1, n.Output.Scalar))
		canvas.Rect(x0, y, max(1, int(p*barWidth)), bar, fill)

		label := fmt.Sprintf("%d", n.Index)
		if n.Index < len(lay.opts.Classes) {
			label = lay.opts.Classes[n.Index]
		}
		canvas.Text(x0+barWidth+6, cy+4, fmt.Sprintf("%s %.2f", label, n.Output.Scalar),
			"font-family:sans-serif;font-size:10px")
	}
}
