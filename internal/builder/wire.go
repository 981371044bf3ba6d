package builder

import (
	"fmt"

	"github.com/born-ml/explainer/internal/cnn"
	"github.com/born-ml/explainer/internal/matrix"
	"github.com/born-ml/explainer/internal/model"
)

// checkDeclared compares a computed output size with the layer's declared
// output shape, when it has one.
func checkDeclared(l model.Layer, got int) error {
	if len(l.OutputShape) == 0 || l.OutputShape[0] == got {
		return nil
	}
	return &matrix.ShapeError{Op: "declared " + l.Name, Want: l.OutputShape[:1], Got: []int{got}}
}

// wireConv allocates one node per neuron and links it to every node of
// the previous layer with the matching kernel.
func (b *builder) wireConv(l model.Layer) (int, error) {
	srcs := b.g.Layer(b.prev)
	if len(l.Neurons) == 0 {
		return 0, fmt.Errorf("conv layer without neurons: %w", cnn.ErrEmptyLayer)
	}
	k := 0
	for o, n := range l.Neurons {
		if len(n.Kernels) != len(srcs) {
			return 0, &matrix.ShapeError{Op: fmt.Sprintf("conv neuron %d kernels", o), Want: []int{len(srcs)}, Got: []int{len(n.Kernels)}}
		}
		for _, kern := range n.Kernels {
			if !kern.IsSquare() || (k != 0 && kern.Rows() != k) {
				return 0, &matrix.ShapeError{Op: "conv kernel", Want: []int{k, k}, Got: []int{kern.Rows(), kern.Cols()}}
			}
			k = kern.Rows()
		}
	}
	if k == 0 || k > b.side {
		return 0, &matrix.ShapeError{Op: "conv kernel", Want: []int{b.side, b.side}, Got: []int{k, k}}
	}
	side := b.side - k + 1
	if err := checkDeclared(l, side); err != nil {
		return 0, err
	}

	nodes := make([]cnn.Node, len(l.Neurons))
	for o, n := range l.Neurons {
		nodes[o] = cnn.NewNode(l.Name, o, cnn.ConvLayer, n.Bias, cnn.Output{})
	}
	gl, err := b.g.AppendLayer(nodes)
	if err != nil {
		return 0, err
	}
	for o, dst := range b.g.Layer(gl) {
		for c, src := range srcs {
			if _, err := b.g.NewLink(src, dst, cnn.KernelWeight(l.Neurons[o].Kernels[c].Clone())); err != nil {
				return 0, err
			}
		}
	}
	b.side, b.channels = side, len(nodes)
	return gl, nil
}

// wireOneToOne mirrors the previous layer for relu and pool.
func (b *builder) wireOneToOne(l model.Layer, typ cnn.LayerType) (int, error) {
	srcs := b.g.Layer(b.prev)
	side := b.side
	if typ == cnn.PoolLayer {
		side = b.side / 2
	}
	if err := checkDeclared(l, side); err != nil {
		return 0, err
	}

	nodes := make([]cnn.Node, len(srcs))
	for i := range nodes {
		nodes[i] = cnn.NewNode(l.Name, i, typ, 0, cnn.Output{})
	}
	gl, err := b.g.AppendLayer(nodes)
	if err != nil {
		return 0, err
	}
	for i, dst := range b.g.Layer(gl) {
		if _, err := b.g.NewLink(srcs[i], dst, cnn.NoWeight()); err != nil {
			return 0, err
		}
	}
	b.side = side
	return gl, nil
}

// wireFlatten allocates channels·side² scalar nodes. Node i reads the
// pixel FlattenCoord(i) of its channel, and carries the channel-slowest
// RealIndex used by the later re-sort.
func (b *builder) wireFlatten(l model.Layer) (int, error) {
	srcs := b.g.Layer(b.prev)
	channels, side := len(srcs), b.side
	n := channels * side * side
	if err := checkDeclared(l, n); err != nil {
		return 0, err
	}

	nodes := make([]cnn.Node, n)
	for i := range nodes {
		c, r, col := cnn.FlattenCoord(i, channels, side)
		nodes[i] = cnn.NewNode(l.Name, i, cnn.FlattenLayer, 0, cnn.Output{})
		nodes[i].RealIndex = cnn.RealIndex(c, r, col, side)
	}
	gl, err := b.g.AppendLayer(nodes)
	if err != nil {
		return 0, err
	}
	for i, dst := range b.g.Layer(gl) {
		c, r, col := cnn.FlattenCoord(i, channels, side)
		if _, err := b.g.NewLink(srcs[c], dst, cnn.CoordWeight(r, col)); err != nil {
			return 0, err
		}
	}
	b.channels = channels
	return gl, nil
}

// wireFC links every flatten node to every output neuron. The weight
// column is the flatten node's creation Index, so the display re-sort
// cannot misalign weights.
func (b *builder) wireFC(l model.Layer) (int, error) {
	srcs := b.g.LayerNodes(b.prev)
	if len(l.Neurons) == 0 {
		return 0, fmt.Errorf("fc layer without neurons: %w", cnn.ErrEmptyLayer)
	}
	for o, n := range l.Neurons {
		if len(n.Weights) != len(srcs) {
			return 0, &matrix.ShapeError{Op: fmt.Sprintf("fc neuron %d weights", o), Want: []int{len(srcs)}, Got: []int{len(n.Weights)}}
		}
	}
	if err := checkDeclared(l, len(l.Neurons)); err != nil {
		return 0, err
	}

	nodes := make([]cnn.Node, len(l.Neurons))
	for o, n := range l.Neurons {
		nodes[o] = cnn.NewNode(l.Name, o, cnn.FCLayer, n.Bias, cnn.Output{})
	}
	gl, err := b.g.AppendLayer(nodes)
	if err != nil {
		return 0, err
	}
	for o, dst := range b.g.Layer(gl) {
		for _, src := range srcs {
			w := cnn.ScalarWeight(l.Neurons[o].Weights[src.Index])
			if _, err := b.g.NewLink(src.ID(), dst, w); err != nil {
				return 0, err
			}
		}
	}
	return gl, nil
}
