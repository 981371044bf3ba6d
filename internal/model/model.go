// Package model describes a pretrained Tiny-VGG style network and loads it
// from the supported weight formats: the per-layer JSON descriptor,
// SafeTensors and ONNX.
//
// Shapes follow the descriptor convention: height, width, channels without
// a batch dimension. Conv kernels are stored per output neuron as one
// matrix per input channel; fc weights are stored per output neuron with
// one entry per input unit in channel-fastest flatten order.
package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/born-ml/explainer/internal/cnn"
	"github.com/born-ml/explainer/internal/matrix"
)

// DefaultClasses are the ten labels of the Tiny-VGG demo model.
var DefaultClasses = []string{
	"lifeboat", "ladybug", "pizza", "bell pepper", "school bus",
	"koala", "espresso", "red panda", "orange", "sport car",
}

// ErrInvalidModel is wrapped by every validation failure.
var ErrInvalidModel = errors.New("invalid model")

// Neuron holds the learned parameters of one output unit.
type Neuron struct {
	Bias    float64
	Kernels []matrix.Matrix // conv: one kernel per input channel
	Weights []float64       // fc: one weight per input unit
}

// Layer is one declared layer of the network.
type Layer struct {
	Name        string
	InputShape  []int
	OutputShape []int
	NumNeurons  int
	Neurons     []Neuron
}

// Type infers the layer type from its name.
func (l Layer) Type() (cnn.LayerType, bool) {
	return cnn.TypeFromName(l.Name)
}

// Side returns the spatial side of a 2D output, or 0 for vector outputs.
func (l Layer) Side() int {
	if len(l.OutputShape) < 3 {
		return 0
	}
	return l.OutputShape[0]
}

// Model is a loaded network.
type Model struct {
	Name       string
	InputShape []int // height, width, channels
	Layers     []Layer
	Classes    []string
}

// InputSide returns the side of the square input image.
func (m *Model) InputSide() int {
	if len(m.InputShape) == 0 {
		return 0
	}
	return m.InputShape[0]
}

// InputChannels returns the number of input channels.
func (m *Model) InputChannels() int {
	if len(m.InputShape) < 3 {
		return 0
	}
	return m.InputShape[2]
}

// ClassNames returns the model's classes, or DefaultClasses when it has
// none.
func (m *Model) ClassNames() []string {
	if len(m.Classes) > 0 {
		return m.Classes
	}
	return DefaultClasses
}

// Summary lists "name type shape" for every layer.
func (m *Model) Summary() []string {
	out := make([]string, 0, len(m.Layers))
	for _, l := range m.Layers {
		typ := "unknown"
		if t, ok := l.Type(); ok {
			typ = t.String()
		}
		out = append(out, fmt.Sprintf("%s %s %v", l.Name, typ, l.OutputShape))
	}
	return out
}

func invalid(layer, format string, args ...any) error {
	return fmt.Errorf("%w: layer %q: %s", ErrInvalidModel, layer, fmt.Sprintf(format, args...))
}

// Validate checks that parameter shapes agree with the declared layer
// shapes. Layers whose type cannot be inferred are not checked.
func (m *Model) Validate() error {
	if len(m.InputShape) != 3 || m.InputShape[0] != m.InputShape[1] || m.InputShape[0] <= 0 || m.InputShape[2] <= 0 {
		return fmt.Errorf("%w: input shape %v is not a square HWC image", ErrInvalidModel, m.InputShape)
	}
	if len(m.Layers) == 0 {
		return fmt.Errorf("%w: no layers", ErrInvalidModel)
	}

	prev := m.InputShape
	for _, l := range m.Layers {
		typ, ok := l.Type()
		if !ok {
			continue
		}
		if len(l.InputShape) > 0 && !equalShape(l.InputShape, prev) {
			return invalid(l.Name, "input shape %v, previous output %v", l.InputShape, prev)
		}
		if err := validateLayer(l, typ, prev); err != nil {
			return err
		}
		prev = l.OutputShape
	}
	return nil
}

func validateLayer(l Layer, typ cnn.LayerType, prev []int) error {
	units := 1
	for _, d := range prev {
		units *= d
	}

	switch typ {
	case cnn.ConvLayer:
		if len(prev) != 3 || len(l.OutputShape) != 3 {
			return invalid(l.Name, "conv needs 3D shapes, got %v -> %v", prev, l.OutputShape)
		}
		if len(l.Neurons) != l.NumNeurons || l.NumNeurons != l.OutputShape[2] {
			return invalid(l.Name, "%d neurons, %d declared, %d output channels", len(l.Neurons), l.NumNeurons, l.OutputShape[2])
		}
		k := prev[0] - l.OutputShape[0] + 1
		for i, n := range l.Neurons {
			if len(n.Kernels) != prev[2] {
				return invalid(l.Name, "neuron %d has %d kernels, want %d", i, len(n.Kernels), prev[2])
			}
			for c, kern := range n.Kernels {
				if !kern.IsSquare() || kern.Rows() != k {
					return invalid(l.Name, "neuron %d kernel %d is %dx%d, want %dx%d", i, c, kern.Rows(), kern.Cols(), k, k)
				}
			}
		}
	case cnn.FCLayer:
		if len(l.Neurons) != l.NumNeurons || l.NumNeurons == 0 {
			return invalid(l.Name, "%d neurons, %d declared", len(l.Neurons), l.NumNeurons)
		}
		for i, n := range l.Neurons {
			if len(n.Weights) != units {
				return invalid(l.Name, "neuron %d has %d weights, want %d", i, len(n.Weights), units)
			}
		}
	case cnn.ReLULayer:
		if !equalShape(l.OutputShape, prev) {
			return invalid(l.Name, "relu changes shape %v -> %v", prev, l.OutputShape)
		}
	case cnn.PoolLayer:
		if len(prev) != 3 || len(l.OutputShape) != 3 || l.OutputShape[0] != prev[0]/2 || l.OutputShape[2] != prev[2] {
			return invalid(l.Name, "2x2 pool cannot map %v -> %v", prev, l.OutputShape)
		}
	case cnn.FlattenLayer:
		if len(l.OutputShape) != 1 || l.OutputShape[0] != units {
			return invalid(l.Name, "flatten of %v must have %d units, got %v", prev, units, l.OutputShape)
		}
	}
	return nil
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Format names a weight file format.
type Format string

// Supported formats.
const (
	FormatJSON        Format = "json"
	FormatSafeTensors Format = "safetensors"
	FormatONNX        Format = "onnx"
)

// DetectFormat guesses the format from a file name.
func DetectFormat(path string) (Format, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".json"):
		return FormatJSON, nil
	case strings.HasSuffix(lower, ".safetensors"):
		return FormatSafeTensors, nil
	case strings.HasSuffix(lower, ".onnx"):
		return FormatONNX, nil
	default:
		return "", fmt.Errorf("cannot detect model format of %q", path)
	}
}

// Load reads a model file in the given format, or the format implied by
// its extension when format is empty.
func Load(path string, format Format) (*Model, error) {
	if format == "" {
		f, err := DetectFormat(path)
		if err != nil {
			return nil, err
		}
		format = f
	}

	var (
		m   *Model
		err error
	)
	switch format {
	case FormatJSON:
		m, err = LoadJSON(path)
	case FormatSafeTensors:
		m, err = LoadSafeTensors(path)
	case FormatONNX:
		m, err = LoadONNX(path, DefaultONNXOptions())
	default:
		return nil, fmt.Errorf("unsupported model format %q", format)
	}
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return m, nil
}
