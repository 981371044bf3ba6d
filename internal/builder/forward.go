package builder

import (
	"fmt"

	"github.com/born-ml/explainer/internal/cnn"
	"github.com/born-ml/explainer/internal/matrix"
	"github.com/born-ml/explainer/internal/model"
	"github.com/born-ml/explainer/internal/tensor"
)

// forward runs the network on a tensor backend one layer at a time, in
// step with the builder, and copies each activation into the graph.
//
// Activations are NCHW with batch 1. The backend's flatten is therefore
// channel-slowest, which is exactly the flatten nodes' RealIndex.
type forward struct {
	backend tensor.Backend
	dtype   tensor.DataType
	x       *tensor.RawTensor

	channels, side int // map shape seen by the flatten
}

func newForward(backend tensor.Backend, dtype tensor.DataType, planes []matrix.Matrix) (*forward, error) {
	side := planes[0].Rows()
	vals := make([]float64, 0, len(planes)*side*side)
	for _, p := range planes {
		vals = append(vals, p.Flat()...)
	}
	x, err := tensor.FromSlice(vals, tensor.Shape{1, len(planes), side, side}, dtype)
	if err != nil {
		return nil, fmt.Errorf("build: input tensor: %w", err)
	}
	return &forward{backend: backend, dtype: dtype, x: x}, nil
}

func (f *forward) step(g *cnn.Graph, gl int, l model.Layer, typ cnn.LayerType, softmax bool) error {
	be := f.backend
	switch typ {
	case cnn.ConvLayer:
		kernel, bias, err := f.convParams(l)
		if err != nil {
			return err
		}
		f.x = be.Add(be.Conv2D(f.x, kernel, 1, 0), bias)
		return f.copyMaps(g, gl)
	case cnn.ReLULayer:
		f.x = be.ReLU(f.x)
		return f.copyMaps(g, gl)
	case cnn.PoolLayer:
		f.x = be.MaxPool2D(f.x, 2, 2)
		return f.copyMaps(g, gl)
	case cnn.FlattenLayer:
		shape := f.x.Shape()
		f.channels, f.side = shape[1], shape[2]
		f.x = be.Reshape(f.x, tensor.Shape{1, shape[1] * shape[2] * shape[3]})
		return f.copyFlatten(g, gl)
	case cnn.FCLayer:
		return f.fullyConnect(g, gl, l, softmax)
	}
	return fmt.Errorf("no tensor step for %s: %w", typ, ErrUnexpectedLayer)
}

// convParams packs a conv layer into an OIHW kernel and a [1,O,1,1] bias.
func (f *forward) convParams(l model.Layer) (kernel, bias *tensor.RawTensor, err error) {
	out := len(l.Neurons)
	in := len(l.Neurons[0].Kernels)
	k := l.Neurons[0].Kernels[0].Rows()

	w := make([]float64, 0, out*in*k*k)
	b := make([]float64, out)
	for o, n := range l.Neurons {
		b[o] = n.Bias
		for _, kern := range n.Kernels {
			w = append(w, kern.Flat()...)
		}
	}
	if kernel, err = tensor.FromSlice(w, tensor.Shape{out, in, k, k}, f.dtype); err != nil {
		return nil, nil, fmt.Errorf("kernel tensor: %w", err)
	}
	if bias, err = tensor.FromSlice(b, tensor.Shape{1, out, 1, 1}, f.dtype); err != nil {
		return nil, nil, fmt.Errorf("bias tensor: %w", err)
	}
	return kernel, bias, nil
}

// copyMaps stores plane c of the [1,C,H,W] activation in the node whose
// Index is c.
func (f *forward) copyMaps(g *cnn.Graph, gl int) error {
	shape := f.x.Shape()
	nodes := g.LayerNodes(gl)
	if len(nodes) != shape[1] {
		return &matrix.ShapeError{Op: "tensor " + g.LayerName(gl), Want: []int{len(nodes)}, Got: []int{shape[1]}}
	}
	h, w := shape[2], shape[3]
	vals := f.x.Float64s()
	for _, n := range nodes {
		start := n.Index * h * w
		if err := g.SetOutput(n.ID(), cnn.MapOutput(matrix.Reshape(vals[start:start+h*w], h, w))); err != nil {
			return err
		}
	}
	return nil
}

func (f *forward) copyFlatten(g *cnn.Graph, gl int) error {
	vals := f.x.Float64s()
	nodes := g.LayerNodes(gl)
	if len(nodes) != len(vals) {
		return &matrix.ShapeError{Op: "tensor flatten", Want: []int{len(nodes)}, Got: []int{len(vals)}}
	}
	for _, n := range nodes {
		if err := g.SetOutput(n.ID(), cnn.ScalarOutput(vals[n.RealIndex])); err != nil {
			return err
		}
	}
	return nil
}

// fullyConnect computes x·Wᵀ + b. The model's weight columns follow the
// graph's channel-fastest flatten index; they are permuted onto the
// backend's channel-slowest order first.
func (f *forward) fullyConnect(g *cnn.Graph, gl int, l model.Layer, softmax bool) error {
	out := len(l.Neurons)
	units := f.channels * f.side * f.side

	w := make([]float64, out*units)
	b := make([]float64, out)
	for o, n := range l.Neurons {
		b[o] = n.Bias
		for p := 0; p < units; p++ {
			c := p / (f.side * f.side)
			r := (p / f.side) % f.side
			col := p % f.side
			w[o*units+p] = n.Weights[cnn.FlattenIndex(c, r, col, f.channels, f.side)]
		}
	}
	wt, err := tensor.FromSlice(w, tensor.Shape{out, units}, f.dtype)
	if err != nil {
		return fmt.Errorf("fc weight tensor: %w", err)
	}
	bias, err := tensor.FromSlice(b, tensor.Shape{1, out}, f.dtype)
	if err != nil {
		return fmt.Errorf("fc bias tensor: %w", err)
	}

	be := f.backend
	logitsT := be.Add(be.MatMul(f.x, be.Transpose(wt)), bias)
	outT := logitsT
	if softmax {
		outT = be.Softmax(logitsT, 1)
	}
	f.x = outT

	logits, outs := logitsT.Float64s(), outT.Float64s()
	for _, n := range g.LayerNodes(gl) {
		if err := g.SetLogit(n.ID(), logits[n.Index]); err != nil {
			return err
		}
		if err := g.SetOutput(n.ID(), cnn.ScalarOutput(outs[n.Index])); err != nil {
			return err
		}
	}
	return nil
}
