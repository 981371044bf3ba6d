package cnn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/explainer/internal/matrix"
	"github.com/born-ml/explainer/internal/parallel"
)

// Options controls how the reference operators run.
type Options struct {
	// Parallel spreads the nodes of one layer across goroutines.
	Parallel parallel.Config

	// Softmax turns fc logits into class probabilities. When false an fc
	// node's output is its raw logit.
	Softmax bool
}

// DefaultOptions runs sequentially with softmax on.
func DefaultOptions() Options {
	return Options{Parallel: parallel.Sequential(), Softmax: true}
}

// Conv2D slides kernel over input with stride 1 and no padding. The result
// has side n-k+1 where n and k are the input and kernel sides.
func Conv2D(input, kernel matrix.Matrix) matrix.Matrix {
	n, k := input.Rows(), kernel.Rows()
	if !input.IsSquare() || !kernel.IsSquare() || k > n || k == 0 {
		panic(&matrix.ShapeError{Op: "conv2d", Want: []int{n, n}, Got: []int{k, kernel.Cols()}})
	}

	side := n - k + 1
	out := matrix.Alloc2D(side, side, 0)
	for r := 0; r < side; r++ {
		for c := 0; c < side; c++ {
			out[r][c] = matrix.Dot(matrix.Slice(input, r, r+k, c, c+k), kernel)
		}
	}
	return out
}

// ReLUMatrix returns max(0, x) of every element.
func ReLUMatrix(m matrix.Matrix) matrix.Matrix {
	return matrix.Map(m, func(v float64) float64 { return math.Max(0, v) })
}

// MaxPoolMatrix takes the maximum of each kernel×kernel window moved by
// stride. Rows and columns that do not fill a whole window are dropped.
func MaxPoolMatrix(m matrix.Matrix, kernel, stride int) matrix.Matrix {
	if kernel <= 0 || stride <= 0 {
		panic(&matrix.ShapeError{Op: "maxpool", Want: []int{1, 1}, Got: []int{kernel, stride}})
	}
	n := m.Rows()
	side := 0
	if n >= kernel {
		side = (n-kernel)/stride + 1
	}

	out := matrix.Alloc2D(side, side, 0)
	for r := 0; r < side; r++ {
		for c := 0; c < side; c++ {
			out[r][c] = matrix.Max(matrix.Slice(m, r*stride, r*stride+kernel, c*stride, c*stride+kernel))
		}
	}
	return out
}

// Softmax returns exp(x_i) / Σ exp(x_j), shifted by max(x) for stability.
func Softmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return nil
	}
	out := make([]float64, len(logits))
	hi := floats.Max(logits)
	for i, v := range logits {
		out[i] = math.Exp(v - hi)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

// Convolve computes every node of a conv layer as the sum over its input
// links of Conv2D(source, kernel), plus the node's bias.
func Convolve(g *Graph, layer int, opts Options) error {
	return g.compute(layer, ConvLayer, opts, func(n *Node) Output {
		var acc matrix.Matrix
		for _, lid := range n.InputLinks {
			link := g.links[lid]
			part := Conv2D(g.nodes[link.Source].Output.Map, link.Weight.Kernel)
			if acc == nil {
				acc = part
				continue
			}
			acc = matrix.Add(acc, part)
		}
		return MapOutput(matrix.AddScalar(acc, n.Bias))
	})
}

// ReLU computes every node of a relu layer from its single source.
func ReLU(g *Graph, layer int, opts Options) error {
	return g.compute(layer, ReLULayer, opts, func(n *Node) Output {
		return MapOutput(ReLUMatrix(g.source(n).Output.Map))
	})
}

// MaxPool computes every node of a pool layer with a 2×2 window and
// stride 2.
func MaxPool(g *Graph, layer int, opts Options) error {
	return g.compute(layer, PoolLayer, opts, func(n *Node) Output {
		return MapOutput(MaxPoolMatrix(g.source(n).Output.Map, 2, 2))
	})
}

// Flatten copies one source pixel into each node of a flatten layer,
// using the [row, col] carried by its input link.
func Flatten(g *Graph, layer int, opts Options) error {
	return g.compute(layer, FlattenLayer, opts, func(n *Node) Output {
		link := g.links[n.InputLinks[0]]
		src := g.nodes[link.Source].Output.Map
		row, col := link.Weight.Coord[0], link.Weight.Coord[1]
		if row < 0 || row >= src.Rows() || col < 0 || col >= src.Cols() {
			panic(&matrix.ShapeError{Op: "flatten", Want: []int{src.Rows(), src.Cols()}, Got: []int{row, col}})
		}
		return ScalarOutput(src[row][col])
	})
}

// FullyConnect computes logit_i = Σ_j source_j * w_ij + b_i for every node
// of an fc layer and stores it as the node's Logit. The output is the
// softmax over the layer's logits, or the logit itself when opts.Softmax is
// off.
func FullyConnect(g *Graph, layer int, opts Options) (err error) {
	defer guard(&err)
	if err := g.checkLayer(layer, FCLayer); err != nil {
		return err
	}

	dests := g.layers[layer]
	srcs := g.layers[layer-1]
	col := make(map[NodeID]int, len(srcs))
	x := mat.NewVecDense(len(srcs), nil)
	for j, id := range srcs {
		col[id] = j
		x.SetVec(j, g.nodes[id].Output.Scalar)
	}

	w := mat.NewDense(len(dests), len(srcs), nil)
	b := mat.NewVecDense(len(dests), nil)
	for i, id := range dests {
		n := &g.nodes[id]
		b.SetVec(i, n.Bias)
		for _, lid := range n.InputLinks {
			link := g.links[lid]
			j, ok := col[link.Source]
			if !ok {
				return fmt.Errorf("%s[%d]: link source %d not in previous layer: %w", n.LayerName, n.Index, link.Source, ErrMalformed)
			}
			w.Set(i, j, link.Weight.Scalar)
		}
	}

	var y mat.VecDense
	y.MulVec(w, x)
	y.AddVec(&y, b)

	logits := make([]float64, len(dests))
	for i := range logits {
		logits[i] = y.AtVec(i)
	}
	outs := logits
	if opts.Softmax {
		outs = Softmax(logits)
	}

	for i, id := range dests {
		g.nodes[id].Logit = logits[i]
		if err := g.SetOutput(id, ScalarOutput(outs[i])); err != nil {
			return err
		}
	}
	return nil
}

// source returns the node at the other end of n's first input link.
func (g *Graph) source(n *Node) *Node {
	return &g.nodes[g.links[n.InputLinks[0]].Source]
}

// checkLayer verifies that layer can be computed as typ.
func (g *Graph) checkLayer(layer int, typ LayerType) error {
	if g.frozen {
		return ErrFrozen
	}
	if layer <= 0 || layer >= len(g.layers) {
		return fmt.Errorf("compute layer %d: %w", layer, ErrLayerIndex)
	}
	if got := g.LayerType(layer); got != typ {
		return fmt.Errorf("layer %d %q is %s, operator wants %s: %w", layer, g.LayerName(layer), got, typ, ErrLayerTypeMismatch)
	}
	for _, id := range g.layers[layer] {
		n := &g.nodes[id]
		if n.computed {
			return fmt.Errorf("%s[%d]: %w", n.LayerName, n.Index, ErrAlreadyComputed)
		}
		for _, lid := range n.InputLinks {
			if src := &g.nodes[g.links[lid].Source]; !src.computed {
				return fmt.Errorf("%s[%d] reads %s[%d]: %w", n.LayerName, n.Index, src.LayerName, src.Index, ErrNotComputed)
			}
		}
		if len(n.InputLinks) == 0 {
			return fmt.Errorf("%s[%d] has no input links: %w", n.LayerName, n.Index, ErrMalformed)
		}
	}
	return nil
}

// compute runs f for every node of layer and stores the results. Nodes
// are independent, so they may run in parallel; each worker writes only
// its own slot.
func (g *Graph) compute(layer int, typ LayerType, opts Options, f func(n *Node) Output) (err error) {
	defer guard(&err)
	if err := g.checkLayer(layer, typ); err != nil {
		return err
	}

	ids := g.layers[layer]
	outs := make([]Output, len(ids))
	parallel.For(len(ids), func(i int) {
		outs[i] = f(&g.nodes[ids[i]])
	}, opts.Parallel)

	for i, id := range ids {
		if err := g.SetOutput(id, outs[i]); err != nil {
			return err
		}
	}
	return nil
}

// guard turns a *matrix.ShapeError panic into a returned error.
func guard(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("operator: %w", matrix.Recover(r))
	}
}
