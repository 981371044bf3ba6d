package model

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/born-ml/explainer/internal/cnn"
	"github.com/born-ml/explainer/internal/matrix"
	"github.com/born-ml/explainer/internal/tensor"
)

// SafeTensors format:
// [8 bytes: header_size (uint64 LE)]
// [header_size bytes: JSON header]
// [tensor data: raw bytes]
//
// A model is stored as "<layer>.weight" and "<layer>.bias" tensors. Conv
// weights are OIHW, fc weights are [out, in]. The layer order and shapes
// live in the "layers" metadata entry.

// Metadata keys written by WriteSafeTensors.
const (
	MetaLayers     = "layers"
	MetaInputShape = "input_shape"
	MetaClasses    = "classes"
	MetaName       = "name"
)

const maxHeaderSize = 100 * 1024 * 1024

// SafeTensorsDType represents supported SafeTensors data types.
type SafeTensorsDType string

// Supported SafeTensors dtypes.
const (
	SafeTensorsF32 SafeTensorsDType = "F32"
	SafeTensorsF64 SafeTensorsDType = "F64"
)

// SafeTensorInfo describes a tensor in SafeTensors format.
type SafeTensorInfo struct {
	DType       SafeTensorsDType `json:"dtype"`
	Shape       []int            `json:"shape"`
	DataOffsets [2]int64         `json:"data_offsets"` // [start, end]
}

// SafeTensorsHeader is the JSON header in SafeTensors format.
type SafeTensorsHeader struct {
	Metadata map[string]string
	Tensors  map[string]SafeTensorInfo
}

// UnmarshalJSON splits the flat header object into metadata and tensors.
func (h *SafeTensorsHeader) UnmarshalJSON(data []byte) error {
	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &rawMap); err != nil {
		return err
	}

	if metadataRaw, ok := rawMap["__metadata__"]; ok {
		if err := json.Unmarshal(metadataRaw, &h.Metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	h.Tensors = make(map[string]SafeTensorInfo, len(rawMap))
	for key, value := range rawMap {
		if key == "__metadata__" {
			continue
		}
		var info SafeTensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return fmt.Errorf("failed to unmarshal tensor %s: %w", key, err)
		}
		h.Tensors[key] = info
	}
	return nil
}

// SafeTensorsReader reads tensors from a SafeTensors stream.
type SafeTensorsReader struct {
	r          io.ReadSeeker
	closer     io.Closer
	header     SafeTensorsHeader
	dataOffset int64
}

// NewSafeTensorsReader opens a SafeTensors file.
func NewSafeTensorsReader(path string) (*SafeTensorsReader, error) {
	//nolint:gosec // G304: model path is user supplied.
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	r, err := ReadSafeTensorsHeader(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// ReadSafeTensorsHeader parses the header of a SafeTensors stream.
func ReadSafeTensorsHeader(rs io.ReadSeeker) (*SafeTensorsReader, error) {
	var headerSize uint64
	if err := binary.Read(rs, binary.LittleEndian, &headerSize); err != nil {
		return nil, fmt.Errorf("failed to read header size: %w", err)
	}
	if headerSize > maxHeaderSize {
		return nil, fmt.Errorf("invalid header size: %d (too large)", headerSize)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(rs, headerBytes); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var header SafeTensorsHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	return &SafeTensorsReader{
		r:          rs,
		header:     header,
		dataOffset: int64(8 + headerSize), //nolint:gosec // G115: bounded by maxHeaderSize.
	}, nil
}

// Close closes the underlying file, if the reader owns one.
func (r *SafeTensorsReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Metadata returns the metadata map from the header.
func (r *SafeTensorsReader) Metadata() map[string]string {
	return r.header.Metadata
}

// TensorNames returns all tensor names in sorted order.
func (r *SafeTensorsReader) TensorNames() []string {
	names := make([]string, 0, len(r.header.Tensors))
	for name := range r.header.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TensorInfo returns information about a specific tensor.
func (r *SafeTensorsReader) TensorInfo(name string) (*SafeTensorInfo, error) {
	info, ok := r.header.Tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", name)
	}
	return &info, nil
}

// ReadTensorData reads the raw bytes of a tensor.
func (r *SafeTensorsReader) ReadTensorData(name string) ([]byte, error) {
	info, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}

	size := info.DataOffsets[1] - info.DataOffsets[0]
	if size < 0 || info.DataOffsets[0] < 0 {
		return nil, fmt.Errorf("invalid data offsets for tensor %s: [%d, %d]",
			name, info.DataOffsets[0], info.DataOffsets[1])
	}

	if _, err := r.r.Seek(r.dataOffset+info.DataOffsets[0], io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to tensor data: %w", err)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return nil, fmt.Errorf("failed to read tensor data: %w", err)
	}
	return data, nil
}

func safeTensorsDTypeToDataType(dtype SafeTensorsDType) (tensor.DataType, error) {
	switch dtype {
	case SafeTensorsF32:
		return tensor.Float32, nil
	case SafeTensorsF64:
		return tensor.Float64, nil
	default:
		return 0, fmt.Errorf("unsupported dtype: %s", dtype)
	}
}

func dataTypeToSafeTensors(dt tensor.DataType) SafeTensorsDType {
	if dt == tensor.Float32 {
		return SafeTensorsF32
	}
	return SafeTensorsF64
}

// LoadTensor loads a tensor into a CPU RawTensor.
func (r *SafeTensorsReader) LoadTensor(name string) (*tensor.RawTensor, error) {
	info, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}
	dtype, err := safeTensorsDTypeToDataType(info.DType)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	shape := tensor.Shape(info.Shape)
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape for tensor %s: %w", name, err)
	}

	data, err := r.ReadTensorData(name)
	if err != nil {
		return nil, err
	}
	raw, err := tensor.NewRaw(shape, dtype, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create tensor: %w", err)
	}
	if len(data) != raw.ByteSize() {
		return nil, fmt.Errorf("tensor %s has %d bytes, shape %v needs %d", name, len(data), shape, raw.ByteSize())
	}
	copy(raw.Data(), data)
	return raw, nil
}

// layerMeta is the per-layer entry of the "layers" metadata.
type layerMeta struct {
	Name        string `json:"name"`
	InputShape  []int  `json:"input_shape"`
	OutputShape []int  `json:"output_shape"`
	NumNeurons  int    `json:"num_neurons"`
}

// LoadSafeTensors reads a model written by WriteSafeTensors.
func LoadSafeTensors(path string) (*Model, error) {
	r, err := NewSafeTensorsReader(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = r.Close()
	}()
	m, err := r.Model()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return m, nil
}

// Model assembles a Model from the reader's metadata and tensors.
func (r *SafeTensorsReader) Model() (*Model, error) {
	meta := r.Metadata()
	layersJSON, ok := meta[MetaLayers]
	if !ok {
		return nil, fmt.Errorf("metadata has no %q entry", MetaLayers)
	}
	var layers []layerMeta
	if err := json.Unmarshal([]byte(layersJSON), &layers); err != nil {
		return nil, fmt.Errorf("failed to parse layer metadata: %w", err)
	}

	m := &Model{Name: meta[MetaName]}
	if s, ok := meta[MetaInputShape]; ok {
		if err := json.Unmarshal([]byte(s), &m.InputShape); err != nil {
			return nil, fmt.Errorf("failed to parse input shape: %w", err)
		}
	} else if len(layers) > 0 {
		m.InputShape = layers[0].InputShape
	}
	if s, ok := meta[MetaClasses]; ok {
		if err := json.Unmarshal([]byte(s), &m.Classes); err != nil {
			return nil, fmt.Errorf("failed to parse classes: %w", err)
		}
	}

	for _, lm := range layers {
		l := Layer{
			Name:        lm.Name,
			InputShape:  lm.InputShape,
			OutputShape: lm.OutputShape,
			NumNeurons:  lm.NumNeurons,
		}
		typ, _ := cnn.TypeFromName(lm.Name)
		if typ == cnn.ConvLayer || typ == cnn.FCLayer {
			neurons, err := r.neurons(lm.Name, typ)
			if err != nil {
				return nil, err
			}
			l.Neurons = neurons
		}
		m.Layers = append(m.Layers, l)
	}
	return m, nil
}

func (r *SafeTensorsReader) neurons(layer string, typ cnn.LayerType) ([]Neuron, error) {
	w, err := r.LoadTensor(layer + ".weight")
	if err != nil {
		return nil, err
	}
	b, err := r.LoadTensor(layer + ".bias")
	if err != nil {
		return nil, err
	}

	shape := w.Shape()
	bias := b.Float64s()
	if len(shape) == 0 || len(bias) != shape[0] {
		return nil, fmt.Errorf("layer %q: bias has %d entries for weight shape %v", layer, len(bias), shape)
	}

	weights := w.Float64s()
	out := make([]Neuron, shape[0])
	switch {
	case typ == cnn.ConvLayer && len(shape) == 4:
		in, kh, kw := shape[1], shape[2], shape[3]
		for o := range out {
			out[o].Bias = bias[o]
			out[o].Kernels = make([]matrix.Matrix, in)
			for c := 0; c < in; c++ {
				start := ((o * in) + c) * kh * kw
				out[o].Kernels[c] = matrix.Reshape(weights[start:start+kh*kw], kh, kw)
			}
		}
	case typ == cnn.FCLayer && len(shape) == 2:
		in := shape[1]
		for o := range out {
			out[o].Bias = bias[o]
			out[o].Weights = append([]float64(nil), weights[o*in:(o+1)*in]...)
		}
	default:
		return nil, fmt.Errorf("layer %q: unexpected %s weight shape %v", layer, typ, shape)
	}
	return out, nil
}

// StateDict flattens the model parameters into named tensors.
func StateDict(m *Model, dtype tensor.DataType) (map[string]*tensor.RawTensor, error) {
	dict := make(map[string]*tensor.RawTensor)
	for _, l := range m.Layers {
		if len(l.Neurons) == 0 {
			continue
		}
		var (
			shape   tensor.Shape
			weights []float64
			bias    = make([]float64, len(l.Neurons))
		)
		for o, n := range l.Neurons {
			bias[o] = n.Bias
			if n.Kernels != nil {
				for _, k := range n.Kernels {
					weights = append(weights, k.Flat()...)
				}
			} else {
				weights = append(weights, n.Weights...)
			}
		}
		first := l.Neurons[0]
		if first.Kernels != nil {
			k := first.Kernels[0]
			shape = tensor.Shape{len(l.Neurons), len(first.Kernels), k.Rows(), k.Cols()}
		} else {
			shape = tensor.Shape{len(l.Neurons), len(first.Weights)}
		}
		if shape.NumElements() != len(weights) {
			return nil, fmt.Errorf("layer %q: ragged weights, %d values for shape %v", l.Name, len(weights), shape)
		}

		wt, err := tensor.FromSlice(weights, shape, dtype)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		bt, err := tensor.FromSlice(bias, tensor.Shape{len(bias)}, dtype)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		dict[l.Name+".weight"] = wt
		dict[l.Name+".bias"] = bt
	}
	return dict, nil
}

func metadataFor(m *Model) (map[string]string, error) {
	layers := make([]layerMeta, len(m.Layers))
	for i, l := range m.Layers {
		layers[i] = layerMeta{Name: l.Name, InputShape: l.InputShape, OutputShape: l.OutputShape, NumNeurons: l.NumNeurons}
	}
	meta := map[string]string{}
	for key, v := range map[string]any{MetaLayers: layers, MetaInputShape: m.InputShape, MetaClasses: m.Classes} {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		meta[key] = string(b)
	}
	if m.Name != "" {
		meta[MetaName] = m.Name
	}
	return meta, nil
}

// WriteSafeTensors encodes the model. Tensors are written in alphabetical
// order by name.
func WriteSafeTensors(w io.Writer, m *Model, dtype tensor.DataType) error {
	dict, err := StateDict(m, dtype)
	if err != nil {
		return err
	}
	meta, err := metadataFor(m)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(dict))
	for name := range dict {
		names = append(names, name)
	}
	sort.Strings(names)

	header := map[string]any{"__metadata__": meta}
	var offset int64
	for _, name := range names {
		raw := dict[name]
		size := int64(raw.ByteSize())
		header[name] = SafeTensorInfo{
			DType:       dataTypeToSafeTensors(raw.DType()),
			Shape:       raw.Shape(),
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	buf.Write(headerJSON)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, name := range names {
		if _, err := w.Write(dict[name].Data()); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
	}
	return nil
}

// SaveSafeTensors writes the model to a file.
func SaveSafeTensors(path string, m *Model, dtype tensor.DataType) error {
	//nolint:gosec // G304: output path is user supplied.
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := WriteSafeTensors(f, m, dtype); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
