// Package builder turns a loaded model and an input image into a fully
// annotated, frozen cnn.Graph.
//
// The builder walks the model's layers through the state machine
//
//	input → (conv → relu)+ → pool → … → flatten → fc
//
// allocating and wiring the nodes of each layer, then filling their
// outputs either with the reference operators of package cnn or with a
// forward pass on a tensor backend.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/born-ml/explainer/internal/backend/cpu"
	"github.com/born-ml/explainer/internal/cnn"
	"github.com/born-ml/explainer/internal/matrix"
	"github.com/born-ml/explainer/internal/model"
	"github.com/born-ml/explainer/internal/parallel"
	"github.com/born-ml/explainer/internal/tensor"
)

// Build errors.
var (
	ErrUnknownLayerType = errors.New("unknown layer type")
	ErrUnexpectedLayer  = errors.New("unexpected layer")
	ErrInput            = errors.New("input does not match model")
	ErrBackend          = errors.New("tensor backend failure")
)

// Strategy selects how node outputs are computed.
type Strategy string

// Strategies.
const (
	// StrategyTensor runs the forward pass on a tensor backend and copies
	// the activations into the graph.
	StrategyTensor Strategy = "tensor"

	// StrategyReference computes every node with the cnn operators.
	StrategyReference Strategy = "reference"
)

// ParseStrategy parses a strategy name; "" selects StrategyTensor.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyTensor:
		return StrategyTensor, nil
	case StrategyReference:
		return StrategyReference, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", s)
	}
}

// Options configures a build.
type Options struct {
	Strategy Strategy
	Softmax  bool
	Parallel parallel.Config
	DType    tensor.DataType // tensor strategy precision
	Backend  tensor.Backend  // nil selects the CPU backend
	Logger   *log.Logger     // nil is silent
}

// DefaultOptions returns the tensor strategy in float64 with softmax.
func DefaultOptions() Options {
	return Options{
		Strategy: StrategyTensor,
		Softmax:  true,
		Parallel: parallel.Sequential(),
		DType:    tensor.Float64,
	}
}

// Warning is a non-fatal problem met during a build.
type Warning struct {
	Layer string
	Err   error
}

func (w Warning) Error() string {
	return fmt.Sprintf("layer %q: %v", w.Layer, w.Err)
}

// Unwrap returns the underlying error.
func (w Warning) Unwrap() error {
	return w.Err
}

// LayerError reports a failure while building one declared layer.
type LayerError struct {
	Layer    string
	Position int // index into model.Layers
	Err      error
}

func (e *LayerError) Error() string {
	return fmt.Sprintf("build layer %d %q: %v", e.Position, e.Layer, e.Err)
}

// Unwrap returns the underlying error.
func (e *LayerError) Unwrap() error {
	return e.Err
}

// Result is a finished build.
type Result struct {
	Graph    *cnn.Graph
	Warnings []Warning
	Strategy Strategy
	Elapsed  time.Duration
}

// Build constructs the graph for m over the given input planes, one per
// model input channel. The returned graph is validated and frozen.
func Build(ctx context.Context, m *model.Model, planes []matrix.Matrix, opts Options) (res *Result, err error) {
	start := time.Now()
	if opts.Strategy == "" {
		opts.Strategy = StrategyTensor
	}
	if opts.Strategy != StrategyTensor && opts.Strategy != StrategyReference {
		return nil, fmt.Errorf("build: unknown strategy %q", opts.Strategy)
	}

	b := &builder{
		g:     cnn.NewGraph(),
		model: m,
		opts:  opts,
		state: cnn.InputLayer,
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("build: %w", recovered(r))
		}
	}()

	if err := b.input(planes); err != nil {
		return nil, err
	}
	if opts.Strategy == StrategyTensor {
		backend := opts.Backend
		if backend == nil {
			backend = cpu.New()
		}
		fwd, err := newForward(backend, opts.DType, planes)
		if err != nil {
			return nil, err
		}
		b.fwd = fwd
	}

	for i, l := range m.Layers {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("build: %w", err)
		}
		typ, ok := l.Type()
		if !ok {
			w := Warning{Layer: l.Name, Err: ErrUnknownLayerType}
			b.warnings = append(b.warnings, w)
			b.logf("[builder] skipping layer %q: %v", l.Name, ErrUnknownLayerType)
			continue
		}
		if err := b.layer(i, l, typ); err != nil {
			return nil, &LayerError{Layer: l.Name, Position: i, Err: err}
		}
	}
	if b.state != cnn.FCLayer {
		return nil, fmt.Errorf("build: network ends after a %s layer: %w", b.state, ErrUnexpectedLayer)
	}

	if err := b.g.Validate(); err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}
	b.g.Freeze()

	elapsed := time.Since(start)
	b.logf("[builder] built %d layers, %d nodes, %d links with the %s strategy in %s",
		b.g.NumLayers(), b.g.NumNodes(), b.g.NumLinks(), opts.Strategy, elapsed)
	return &Result{Graph: b.g, Warnings: b.warnings, Strategy: opts.Strategy, Elapsed: elapsed}, nil
}

// recovered converts a panic value raised by the operators or the tensor
// backend into an error.
func recovered(r any) error {
	switch v := r.(type) {
	case *matrix.ShapeError:
		return v
	case error:
		return fmt.Errorf("%w: %w", ErrBackend, v)
	default:
		return fmt.Errorf("%w: %v", ErrBackend, v)
	}
}

// transitions lists the layer types allowed after each state.
var transitions = map[cnn.LayerType][]cnn.LayerType{
	cnn.InputLayer:   {cnn.ConvLayer},
	cnn.ConvLayer:    {cnn.ReLULayer},
	cnn.ReLULayer:    {cnn.ConvLayer, cnn.PoolLayer},
	cnn.PoolLayer:    {cnn.ConvLayer, cnn.FlattenLayer},
	cnn.FlattenLayer: {cnn.FCLayer},
}

func allowed(from, to cnn.LayerType) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

type builder struct {
	g        *cnn.Graph
	model    *model.Model
	opts     Options
	fwd      *forward
	warnings []Warning

	state    cnn.LayerType
	prev     int // graph position of the last built layer
	side     int // side of the previous layer's maps
	channels int // node count of the previous 2D layer
}

func (b *builder) logf(format string, args ...any) {
	if b.opts.Logger != nil {
		b.opts.Logger.Printf(format, args...)
	}
}

func (b *builder) operatorOptions() cnn.Options {
	return cnn.Options{Parallel: b.opts.Parallel, Softmax: b.opts.Softmax}
}

// input appends one node per channel holding a copy of its plane.
func (b *builder) input(planes []matrix.Matrix) error {
	want := b.model.InputChannels()
	side := b.model.InputSide()
	if len(planes) != want {
		return fmt.Errorf("build: %d input planes for %d channels: %w", len(planes), want, ErrInput)
	}
	nodes := make([]cnn.Node, len(planes))
	for c, p := range planes {
		if !p.IsSquare() || p.Rows() != side {
			return fmt.Errorf("build: plane %d is %dx%d, model expects %dx%d: %w", c, p.Rows(), p.Cols(), side, side, ErrInput)
		}
		nodes[c] = cnn.NewNode("input", c, cnn.InputLayer, 0, cnn.MapOutput(p.Clone()))
	}
	l, err := b.g.AppendLayer(nodes)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	b.prev, b.side, b.channels = l, side, len(planes)
	return nil
}

// layer wires and computes one declared layer.
func (b *builder) layer(pos int, l model.Layer, typ cnn.LayerType) error {
	if !allowed(b.state, typ) {
		return fmt.Errorf("%s after %s: %w", typ, b.state, ErrUnexpectedLayer)
	}

	var (
		gl  int
		err error
	)
	switch typ {
	case cnn.ConvLayer:
		gl, err = b.wireConv(l)
	case cnn.ReLULayer, cnn.PoolLayer:
		gl, err = b.wireOneToOne(l, typ)
	case cnn.FlattenLayer:
		gl, err = b.wireFlatten(l)
	case cnn.FCLayer:
		gl, err = b.wireFC(l)
	}
	if err != nil {
		return err
	}

	if err := b.computeLayer(gl, l, typ); err != nil {
		return err
	}
	if typ == cnn.FlattenLayer {
		if err := cnn.SortByRealIndex(b.g, gl); err != nil {
			return err
		}
	}

	b.logf("[builder] layer %d %s (%s): %d nodes", pos, l.Name, typ, len(b.g.Layer(gl)))
	b.state, b.prev = typ, gl
	return nil
}

func (b *builder) computeLayer(gl int, l model.Layer, typ cnn.LayerType) error {
	if b.opts.Strategy == StrategyTensor {
		return b.fwd.step(b.g, gl, l, typ, b.opts.Softmax)
	}

	opts := b.operatorOptions()
	switch typ {
	case cnn.ConvLayer:
		return cnn.Convolve(b.g, gl, opts)
	case cnn.ReLULayer:
		return cnn.ReLU(b.g, gl, opts)
	case cnn.PoolLayer:
		return cnn.MaxPool(b.g, gl, opts)
	case cnn.FlattenLayer:
		return cnn.Flatten(b.g, gl, opts)
	case cnn.FCLayer:
		return cnn.FullyConnect(b.g, gl, opts)
	}
	return fmt.Errorf("no operator for %s: %w", typ, ErrUnexpectedLayer)
}
