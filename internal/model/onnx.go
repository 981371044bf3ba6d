package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"

	"github.com/born-ml/explainer/internal/cnn"
	"github.com/born-ml/explainer/internal/matrix"
)

// ErrUnsupportedGraph reports an ONNX graph outside the conv/relu/pool/
// flatten/fc family.
var ErrUnsupportedGraph = errors.New("unsupported onnx graph")

// ONNXOptions configures ONNX conversion.
type ONNXOptions struct {
	// StrictMode fails on unsupported operators (default: false = skip with warning).
	StrictMode bool

	// Logger receives skipped-operator warnings. Nil is silent.
	Logger *log.Logger
}

// DefaultONNXOptions returns default conversion options.
func DefaultONNXOptions() ONNXOptions {
	return ONNXOptions{StrictMode: false}
}

// passThrough ops carry their input unchanged through an inference graph.
var passThrough = map[string]bool{
	"Identity": true,
	"Dropout":  true,
	"Softmax":  true,
}

// LoadONNX converts an ONNX file into a Model.
//
//nolint:gosec // G304: model path is user supplied.
func LoadONNX(path string, opts ONNXOptions) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	m, err := ReadONNX(data, opts)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return m, nil
}

// ReadONNX converts a serialized ONNX ModelProto into a Model. The graph
// must be a linear chain of Conv, Relu, MaxPool, Flatten (or Reshape),
// Gemm or MatMul+Add nodes, optionally with an NHWC→NCHW Transpose on the
// input and an NCHW→NHWC Transpose before the flatten. Layers are named
// conv_<block>_<i>, relu_<block>_<i>, max_pool_<block>, flatten and output.
func ReadONNX(data []byte, opts ONNXOptions) (*Model, error) {
	proto, err := parseONNX(data)
	if err != nil {
		return nil, err
	}
	c, err := newONNXConverter(proto, opts)
	if err != nil {
		return nil, err
	}
	for i, n := range proto.graph.nodes {
		if err := c.node(n); err != nil {
			return nil, fmt.Errorf("node %d (%s %q): %w", i, n.opType, n.name, err)
		}
	}
	return c.finish()
}

type onnxConverter struct {
	opts  ONNXOptions
	proto *onnxModel
	model *Model

	current  string // name of the value flowing down the chain
	shape    []int  // current H, W, C (or a single unit count after flatten)
	nhwc     bool   // graph input arrives as NHWC
	hwcFlat  bool   // data was transposed to NHWC before flattening
	side     int    // spatial side and channels seen by the flatten
	channels int
	block    int
	conv     int
	relu     int
	fc       *Layer
}

func newONNXConverter(proto *onnxModel, opts ONNXOptions) (*onnxConverter, error) {
	var input *onnxValueInfo
	for i := range proto.graph.inputs {
		if _, ok := proto.graph.initializers[proto.graph.inputs[i].name]; !ok {
			input = &proto.graph.inputs[i]
			break
		}
	}
	if input == nil {
		return nil, fmt.Errorf("%w: no graph input", ErrUnsupportedGraph)
	}
	if len(input.shape) != 4 {
		return nil, fmt.Errorf("%w: input %q has shape %v, want 4D", ErrUnsupportedGraph, input.name, input.shape)
	}

	c := &onnxConverter{
		opts:    opts,
		proto:   proto,
		current: input.name,
		block:   1,
		model:   &Model{Name: proto.graph.name},
	}
	// Keras exports feed NHWC and transpose straight away.
	if first := proto.graph.nodes; len(first) > 0 && first[0].opType == "Transpose" &&
		slices.Equal(first[0].attrs["perm"].ints, []int64{0, 3, 1, 2}) {
		c.nhwc = true
		c.shape = []int{int(input.shape[1]), int(input.shape[2]), int(input.shape[3])}
	} else {
		c.shape = []int{int(input.shape[2]), int(input.shape[3]), int(input.shape[1])}
	}
	c.model.InputShape = slices.Clone(c.shape)

	if s, ok := proto.metadata[MetaClasses]; ok {
		if err := json.Unmarshal([]byte(s), &c.model.Classes); err != nil {
			return nil, fmt.Errorf("failed to parse classes metadata: %w", err)
		}
	}
	return c, nil
}

func (c *onnxConverter) logf(format string, args ...any) {
	if c.opts.Logger != nil {
		c.opts.Logger.Printf(format, args...)
	}
}

func (c *onnxConverter) init(name string) (onnxTensor, bool) {
	t, ok := c.proto.graph.initializers[name]
	return t, ok
}

// weights returns the float initializer name, which must have rank
// dimensions, all positive.
func (c *onnxConverter) weights(name string, rank int) (onnxTensor, error) {
	t, ok := c.init(name)
	if !ok || len(t.dims) != rank {
		return t, fmt.Errorf("%w: weight %q is not a %dD initializer", ErrUnsupportedGraph, name, rank)
	}
	if t.dataType != onnxFloat && t.dataType != onnxDouble {
		return t, fmt.Errorf("%w: weight %q has data type %d", ErrUnsupportedGraph, name, t.dataType)
	}
	for _, d := range t.dims {
		if d <= 0 {
			return t, fmt.Errorf("%w: weight %q has dims %v", ErrUnsupportedGraph, name, t.dims)
		}
	}
	return t, nil
}

// dataInput checks that the node's single non-initializer input
// continues the chain.
func (c *onnxConverter) dataInput(n onnxNode) error {
	for _, in := range n.inputs {
		if _, ok := c.init(in); ok || in == "" {
			continue
		}
		if in != c.current {
			return fmt.Errorf("%w: input %q does not follow %q", ErrUnsupportedGraph, in, c.current)
		}
		return nil
	}
	return fmt.Errorf("%w: node has no data input", ErrUnsupportedGraph)
}

func (c *onnxConverter) advance(n onnxNode) error {
	if len(n.outputs) == 0 {
		return fmt.Errorf("%w: node has no output", ErrUnsupportedGraph)
	}
	c.current = n.outputs[0]
	return nil
}

func (c *onnxConverter) addLayer(l Layer) {
	l.InputShape = slices.Clone(c.shape)
	c.shape = slices.Clone(l.OutputShape)
	c.model.Layers = append(c.model.Layers, l)
}

func (c *onnxConverter) node(n onnxNode) error {
	if n.opType == "Constant" {
		return nil
	}
	if err := c.dataInput(n); err != nil {
		return err
	}

	var err error
	switch n.opType {
	case "Conv":
		err = c.convNode(n)
	case "Relu":
		if len(c.shape) != 3 {
			return fmt.Errorf("%w: relu after flatten", ErrUnsupportedGraph)
		}
		c.relu++
		c.addLayer(Layer{
			Name:        fmt.Sprintf("relu_%d_%d", c.block, c.relu),
			OutputShape: slices.Clone(c.shape),
			NumNeurons:  c.shape[2],
		})
	case "MaxPool":
		err = c.poolNode(n)
	case "Flatten", "Reshape":
		err = c.flattenNode()
	case "Transpose":
		err = c.transposeNode(n)
	case "Gemm", "MatMul":
		err = c.denseNode(n)
	case "Add":
		err = c.addNode(n)
	default:
		if !passThrough[n.opType] {
			if c.opts.StrictMode {
				return fmt.Errorf("%w: operator %s", ErrUnsupportedGraph, n.opType)
			}
			c.logf("[model] skipping unsupported onnx operator %s (%s)", n.opType, n.name)
		}
	}
	if err != nil {
		return err
	}
	return c.advance(n)
}

func allEqual(v []int64, want int64) bool {
	for _, x := range v {
		if x != want {
			return false
		}
	}
	return true
}

func (c *onnxConverter) convNode(n onnxNode) error {
	if len(c.shape) != 3 {
		return fmt.Errorf("%w: conv after flatten", ErrUnsupportedGraph)
	}
	if !allEqual(n.attrs["strides"].ints, 1) || !allEqual(n.attrs["pads"].ints, 0) ||
		!allEqual(n.attrs["dilations"].ints, 1) {
		return fmt.Errorf("%w: only stride 1, no padding, no dilation convolutions", ErrUnsupportedGraph)
	}
	if g, ok := n.attrs["group"]; ok && g.i != 1 {
		return fmt.Errorf("%w: grouped convolution", ErrUnsupportedGraph)
	}
	if pad := string(n.attrs["auto_pad"].s); pad != "" && pad != "NOTSET" && pad != "VALID" {
		return fmt.Errorf("%w: auto_pad %s", ErrUnsupportedGraph, pad)
	}
	if len(n.inputs) < 2 {
		return fmt.Errorf("%w: conv without weights", ErrUnsupportedGraph)
	}
	w, err := c.weights(n.inputs[1], 4)
	if err != nil {
		return fmt.Errorf("conv: %w", err)
	}
	out, in, kh, kw := int(w.dims[0]), int(w.dims[1]), int(w.dims[2]), int(w.dims[3])
	if in != c.shape[2] {
		return fmt.Errorf("%w: conv expects %d channels, have %d", ErrUnsupportedGraph, in, c.shape[2])
	}
	if kh != kw || kh > c.shape[0] {
		return fmt.Errorf("%w: kernel %dx%d on %dx%d input", ErrUnsupportedGraph, kh, kw, c.shape[0], c.shape[1])
	}

	var bias []float64
	if len(n.inputs) > 2 && n.inputs[2] != "" {
		b, ok := c.init(n.inputs[2])
		if !ok || len(b.values) != out {
			return fmt.Errorf("%w: conv bias %q", ErrUnsupportedGraph, n.inputs[2])
		}
		bias = b.values
	}

	neurons := make([]Neuron, out)
	for o := range neurons {
		if bias != nil {
			neurons[o].Bias = bias[o]
		}
		neurons[o].Kernels = make([]matrix.Matrix, in)
		for ch := 0; ch < in; ch++ {
			start := (o*in + ch) * kh * kw
			neurons[o].Kernels[ch] = matrix.Reshape(w.values[start:start+kh*kw], kh, kw)
		}
	}

	side := c.shape[0] - kh + 1
	c.conv++
	c.addLayer(Layer{
		Name:        fmt.Sprintf("conv_%d_%d", c.block, c.conv),
		OutputShape: []int{side, side, out},
		NumNeurons:  out,
		Neurons:     neurons,
	})
	return nil
}

func (c *onnxConverter) poolNode(n onnxNode) error {
	if len(c.shape) != 3 {
		return fmt.Errorf("%w: pool after flatten", ErrUnsupportedGraph)
	}
	if !slices.Equal(n.attrs["kernel_shape"].ints, []int64{2, 2}) || !slices.Equal(n.attrs["strides"].ints, []int64{2, 2}) ||
		!allEqual(n.attrs["pads"].ints, 0) {
		return fmt.Errorf("%w: only 2x2 stride 2 max pooling", ErrUnsupportedGraph)
	}
	side := c.shape[0] / 2
	c.addLayer(Layer{
		Name:        fmt.Sprintf("max_pool_%d", c.block),
		OutputShape: []int{side, side, c.shape[2]},
		NumNeurons:  c.shape[2],
	})
	c.block++
	c.conv, c.relu = 0, 0
	return nil
}

func (c *onnxConverter) transposeNode(n onnxNode) error {
	perm := n.attrs["perm"].ints
	switch {
	case c.nhwc && len(c.model.Layers) == 0 && slices.Equal(perm, []int64{0, 3, 1, 2}):
	case len(c.shape) == 3 && slices.Equal(perm, []int64{0, 2, 3, 1}):
		c.hwcFlat = true
	default:
		return fmt.Errorf("%w: transpose %v", ErrUnsupportedGraph, perm)
	}
	return nil
}

func (c *onnxConverter) flattenNode() error {
	if len(c.shape) != 3 {
		// A second reshape of an already flat vector is a no-op.
		return nil
	}
	units := c.shape[0] * c.shape[1] * c.shape[2]
	c.side, c.channels = c.shape[0], c.shape[2]
	c.addLayer(Layer{
		Name:        "flatten",
		OutputShape: []int{units},
		NumNeurons:  units,
	})
	return nil
}

func (c *onnxConverter) denseNode(n onnxNode) error {
	if len(c.shape) != 1 {
		return fmt.Errorf("%w: dense layer before flatten", ErrUnsupportedGraph)
	}
	if c.fc != nil {
		return fmt.Errorf("%w: more than one dense layer", ErrUnsupportedGraph)
	}
	if len(n.inputs) < 2 {
		return fmt.Errorf("%w: dense without weights", ErrUnsupportedGraph)
	}
	w, err := c.weights(n.inputs[1], 2)
	if err != nil {
		return fmt.Errorf("dense: %w", err)
	}

	alpha, beta := float64(1), float64(1)
	transB := false
	if n.opType == "Gemm" {
		if a, ok := n.attrs["alpha"]; ok {
			alpha = float64(a.f)
		}
		if b, ok := n.attrs["beta"]; ok {
			beta = float64(b.f)
		}
		if n.attrs["transA"].i != 0 {
			return fmt.Errorf("%w: transposed gemm input", ErrUnsupportedGraph)
		}
		transB = n.attrs["transB"].i != 0
	}

	rows, cols := int(w.dims[0]), int(w.dims[1])
	in, out := rows, cols
	if transB {
		in, out = cols, rows
	}
	if in != c.shape[0] {
		return fmt.Errorf("%w: dense expects %d inputs, have %d", ErrUnsupportedGraph, in, c.shape[0])
	}

	neurons := make([]Neuron, out)
	for o := range neurons {
		neurons[o].Weights = make([]float64, in)
		for i := 0; i < in; i++ {
			v := w.values[i*cols+o]
			if transB {
				v = w.values[o*cols+i]
			}
			neurons[o].Weights[c.column(i)] = alpha * v
		}
	}
	if n.opType == "Gemm" && len(n.inputs) > 2 && n.inputs[2] != "" {
		if err := c.setBias(neurons, n.inputs[2], beta); err != nil {
			return err
		}
	}

	c.addLayer(Layer{
		Name:        "output",
		OutputShape: []int{out},
		NumNeurons:  out,
		Neurons:     neurons,
	})
	c.fc = &c.model.Layers[len(c.model.Layers)-1]
	return nil
}

// column maps an onnx flatten position onto the channel-fastest order the
// graph uses. Without a preceding NHWC transpose the onnx flatten walks
// channels slowest, which is exactly the real index.
func (c *onnxConverter) column(i int) int {
	if c.hwcFlat || c.channels == 0 {
		return i
	}
	ch := i / (c.side * c.side)
	r := (i / c.side) % c.side
	col := i % c.side
	return cnn.FlattenIndex(ch, r, col, c.channels, c.side)
}

func (c *onnxConverter) setBias(neurons []Neuron, name string, scale float64) error {
	b, ok := c.init(name)
	if !ok || len(b.values) != len(neurons) {
		return fmt.Errorf("%w: dense bias %q", ErrUnsupportedGraph, name)
	}
	for o := range neurons {
		neurons[o].Bias = scale * b.values[o]
	}
	return nil
}

// addNode folds the bias Add that follows a MatMul into the dense layer.
func (c *onnxConverter) addNode(n onnxNode) error {
	if c.fc == nil || len(c.shape) != 1 {
		return fmt.Errorf("%w: add outside a dense layer", ErrUnsupportedGraph)
	}
	for _, in := range n.inputs {
		if _, ok := c.init(in); ok {
			return c.setBias(c.fc.Neurons, in, 1)
		}
	}
	return fmt.Errorf("%w: add without a constant bias", ErrUnsupportedGraph)
}

func (c *onnxConverter) finish() (*Model, error) {
	if c.fc == nil {
		return nil, fmt.Errorf("%w: no dense output layer", ErrUnsupportedGraph)
	}
	return c.model, nil
}
