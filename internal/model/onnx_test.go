package model

import (
	"bytes"
	"encoding/binary"
	"log"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/explainer/internal/cnn"
	"github.com/born-ml/explainer/internal/tensor"
)

// Minimal ONNX encoders for building fixtures.

func pbBytes(num protowire.Number, b []byte) []byte {
	out := protowire.AppendTag(nil, num, protowire.BytesType)
	return protowire.AppendBytes(out, b)
}

func pbString(num protowire.Number, s string) []byte {
	return pbBytes(num, []byte(s))
}

func pbVarint(num protowire.Number, v uint64) []byte {
	out := protowire.AppendTag(nil, num, protowire.VarintType)
	return protowire.AppendVarint(out, v)
}

func pbPacked(num protowire.Number, vs ...int64) []byte {
	var b []byte
	for _, v := range vs {
		b = protowire.AppendVarint(b, uint64(v))
	}
	return pbBytes(num, b)
}

func pbMsg(fields ...[]byte) []byte {
	return bytes.Join(fields, nil)
}

func floatInit(name string, dims []int64, vals []float32) []byte {
	raw := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return pbMsg(pbPacked(1, dims...), pbVarint(2, onnxFloat), pbString(8, name), pbBytes(9, raw))
}

// floatDataInit stores values in the float_data field instead of raw_data.
func floatDataInit(name string, dims []int64, vals []float32) []byte {
	var packed []byte
	for _, v := range vals {
		packed = binary.LittleEndian.AppendUint32(packed, math.Float32bits(v))
	}
	return pbMsg(pbPacked(1, dims...), pbVarint(2, onnxFloat), pbBytes(4, packed), pbString(8, name))
}

func attrInts(name string, vs ...int64) []byte {
	return pbBytes(5, pbMsg(pbString(1, name), pbPacked(8, vs...), pbVarint(20, 7)))
}

func attrInt(name string, v int64) []byte {
	return pbBytes(5, pbMsg(pbString(1, name), pbVarint(3, uint64(v)), pbVarint(20, 2)))
}

func onnxNodeProto(op string, inputs, outputs []string, attrs ...[]byte) []byte {
	var fields [][]byte
	for _, in := range inputs {
		fields = append(fields, pbString(1, in))
	}
	for _, out := range outputs {
		fields = append(fields, pbString(2, out))
	}
	fields = append(fields, pbString(3, op+"_node"), pbString(4, op))
	fields = append(fields, attrs...)
	return pbBytes(1, pbMsg(fields...))
}

func valueInfo(num protowire.Number, name string, dims ...int64) []byte {
	var shape [][]byte
	for _, d := range dims {
		shape = append(shape, pbBytes(1, pbVarint(1, uint64(d))))
	}
	tensorType := pbMsg(pbVarint(1, onnxFloat), pbBytes(2, pbMsg(shape...)))
	return pbBytes(num, pbMsg(pbString(1, name), pbBytes(2, pbBytes(1, tensorType))))
}

func modelProto(graph []byte, meta map[string]string) []byte {
	fields := [][]byte{pbString(2, "test"), pbBytes(7, graph)}
	for k, v := range meta {
		fields = append(fields, pbBytes(14, pbMsg(pbString(1, k), pbString(2, v))))
	}
	return pbMsg(fields...)
}

func stateValues(t *testing.T, m *Model, name string) []float32 {
	t.Helper()
	dict, err := StateDict(m, tensor.Float32)
	require.NoError(t, err)
	return tensor.Values[float32](dict[name])
}

// tinyONNX encodes tinyModel the way a PyTorch export would.
func tinyONNX(t *testing.T) []byte {
	t.Helper()
	m := tinyModel()
	graph := pbMsg(
		pbString(2, "tiny"),
		onnxNodeProto("Conv", []string{"x", "conv.w", "conv.b"}, []string{"c1"},
			attrInts("kernel_shape", 3, 3), attrInts("strides", 1, 1), attrInts("pads", 0, 0, 0, 0), attrInt("group", 1)),
		onnxNodeProto("Relu", []string{"c1"}, []string{"r1"}),
		onnxNodeProto("MaxPool", []string{"r1"}, []string{"p1"}, attrInts("kernel_shape", 2, 2), attrInts("strides", 2, 2)),
		onnxNodeProto("Flatten", []string{"p1"}, []string{"f"}, attrInt("axis", 1)),
		onnxNodeProto("Gemm", []string{"f", "fc.w", "fc.b"}, []string{"logits"}, attrInt("transB", 1)),
		onnxNodeProto("Softmax", []string{"logits"}, []string{"probs"}),
		pbBytes(5, floatInit("conv.w", []int64{2, 2, 3, 3}, stateValues(t, m, "conv_1_1.weight"))),
		pbBytes(5, floatDataInit("conv.b", []int64{2}, stateValues(t, m, "conv_1_1.bias"))),
		pbBytes(5, floatInit("fc.w", []int64{3, 2}, stateValues(t, m, "output.weight"))),
		pbBytes(5, floatInit("fc.b", []int64{3}, stateValues(t, m, "output.bias"))),
		valueInfo(11, "x", 1, 2, 4, 4),
		valueInfo(12, "probs", 1, 3),
	)
	return modelProto(graph, map[string]string{MetaClasses: `["a","b","c"]`})
}

func TestReadONNX_Tiny(t *testing.T) {
	got, err := ReadONNX(tinyONNX(t), DefaultONNXOptions())
	require.NoError(t, err)

	want := tinyModel()
	want.Name = "tiny"
	want.Classes = []string{"a", "b", "c"}
	assert.Equal(t, want, got)
	assert.NoError(t, got.Validate())
}

// flattenONNX wires a 2×2×2 input straight into a flatten and a MatMul+Add
// whose single output weight equals the onnx flatten position.
func flattenONNX(hwc bool) []byte {
	w := make([]float32, 8)
	for i := range w {
		w[i] = float32(i)
	}
	nodes := [][]byte{pbString(2, "flat")}
	src := "x"
	if hwc {
		nodes = append(nodes, onnxNodeProto("Transpose", []string{"x"}, []string{"t"}, attrInts("perm", 0, 2, 3, 1)))
		src = "t"
	}
	nodes = append(nodes,
		onnxNodeProto("Reshape", []string{src, "shape"}, []string{"f"}),
		onnxNodeProto("MatMul", []string{"f", "w"}, []string{"mm"}),
		onnxNodeProto("Add", []string{"mm", "b"}, []string{"y"}),
		pbBytes(5, floatInit("w", []int64{8, 1}, w)),
		pbBytes(5, floatInit("b", []int64{1}, []float32{0.5})),
		pbBytes(5, pbMsg(pbPacked(1, 2), pbVarint(2, 7), pbString(8, "shape"))),
		valueInfo(11, "x", 1, 2, 2, 2),
	)
	return modelProto(pbMsg(nodes...), nil)
}

func TestReadONNX_FlattenOrder(t *testing.T) {
	m, err := ReadONNX(flattenONNX(false), DefaultONNXOptions())
	require.NoError(t, err)
	require.Len(t, m.Layers, 2)
	assert.Equal(t, "flatten", m.Layers[0].Name)

	out := m.Layers[1].Neurons[0]
	assert.Equal(t, 0.5, out.Bias)
	// Channel-major onnx columns land on the channel-fastest positions.
	for i := 0; i < 8; i++ {
		c, r, col := cnn.FlattenCoord(i, 2, 2)
		assert.Equal(t, float64(cnn.RealIndex(c, r, col, 2)), out.Weights[i], "position %d", i)
	}

	m, err = ReadONNX(flattenONNX(true), DefaultONNXOptions())
	require.NoError(t, err)
	for i, w := range m.Layers[1].Neurons[0].Weights {
		assert.Equal(t, float64(i), w)
	}
}

func TestReadONNX_NHWCInput(t *testing.T) {
	graph := pbMsg(
		onnxNodeProto("Transpose", []string{"x"}, []string{"nchw"}, attrInts("perm", 0, 3, 1, 2)),
		onnxNodeProto("Transpose", []string{"nchw"}, []string{"nhwc"}, attrInts("perm", 0, 2, 3, 1)),
		onnxNodeProto("Flatten", []string{"nhwc"}, []string{"f"}),
		onnxNodeProto("Gemm", []string{"f", "w"}, []string{"y"}),
		pbBytes(5, floatInit("w", []int64{12, 1}, make([]float32, 12))),
		valueInfo(11, "x", 1, 2, 2, 3),
	)
	m, err := ReadONNX(modelProto(graph, nil), DefaultONNXOptions())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3}, m.InputShape)
	assert.Equal(t, []int{12}, m.Layers[0].OutputShape)
}

func TestReadONNX_UnsupportedOperator(t *testing.T) {
	graph := pbMsg(
		onnxNodeProto("Cast", []string{"x"}, []string{"cx"}),
		onnxNodeProto("Flatten", []string{"cx"}, []string{"f"}),
		onnxNodeProto("Gemm", []string{"f", "w"}, []string{"y"}),
		pbBytes(5, floatInit("w", []int64{4, 1}, make([]float32, 4))),
		valueInfo(11, "x", 1, 1, 2, 2),
	)
	data := modelProto(graph, nil)

	_, err := ReadONNX(data, ONNXOptions{StrictMode: true})
	assert.ErrorIs(t, err, ErrUnsupportedGraph)

	var logs strings.Builder
	m, err := ReadONNX(data, ONNXOptions{Logger: log.New(&logs, "", 0)})
	require.NoError(t, err)
	assert.Len(t, m.Layers, 2)
	assert.Contains(t, logs.String(), "skipping unsupported onnx operator Cast")
}

func TestReadONNX_Rejects(t *testing.T) {
	w := pbBytes(5, floatInit("w", []int64{1, 1, 2, 2}, []float32{1, 1, 1, 1}))
	tests := []struct {
		name  string
		graph []byte
	}{
		{"strided conv", pbMsg(onnxNodeProto("Conv", []string{"x", "w"}, []string{"c"}, attrInts("strides", 2, 2)), w, valueInfo(11, "x", 1, 1, 4, 4))},
		{"padded conv", pbMsg(onnxNodeProto("Conv", []string{"x", "w"}, []string{"c"}, attrInts("pads", 1, 1, 1, 1)), w, valueInfo(11, "x", 1, 1, 4, 4))},
		{"3x3 pool", pbMsg(onnxNodeProto("MaxPool", []string{"x"}, []string{"p"}, attrInts("kernel_shape", 3, 3), attrInts("strides", 2, 2)), valueInfo(11, "x", 1, 1, 4, 4))},
		{"branch", pbMsg(onnxNodeProto("Relu", []string{"x"}, []string{"a"}), onnxNodeProto("Relu", []string{"x"}, []string{"b"}), valueInfo(11, "x", 1, 1, 4, 4))},
		{"no dense", pbMsg(onnxNodeProto("Relu", []string{"x"}, []string{"a"}), valueInfo(11, "x", 1, 1, 4, 4))},
		{"no input", pbMsg(onnxNodeProto("Relu", []string{"x"}, []string{"a"}))},
		{"3D input", pbMsg(valueInfo(11, "x", 1, 4, 4))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadONNX(modelProto(tt.graph, nil), DefaultONNXOptions())
			assert.ErrorIs(t, err, ErrUnsupportedGraph)
		})
	}

	_, err := ReadONNX([]byte{0xff, 0xff}, DefaultONNXOptions())
	assert.Error(t, err)
}

func TestReadONNX_BadWeights(t *testing.T) {
	int64Init := func(name string, dims ...int64) []byte {
		return pbBytes(5, pbMsg(pbPacked(1, dims...), pbVarint(2, 7), pbString(8, name)))
	}
	conv := onnxNodeProto("Conv", []string{"x", "conv.w"}, []string{"c"})
	dense := onnxNodeProto("Gemm", []string{"f", "fc.w"}, []string{"y"})
	tests := []struct {
		name  string
		graph []byte
	}{
		{"int64 conv weight", pbMsg(conv, int64Init("conv.w", 2, 2, 3, 3), valueInfo(11, "x", 1, 2, 4, 4))},
		{"int64 dense weight", pbMsg(onnxNodeProto("Flatten", []string{"x"}, []string{"f"}), dense,
			int64Init("fc.w", 4, 2), valueInfo(11, "x", 1, 1, 2, 2))},
		{"zero-sized conv weight", pbMsg(conv, pbBytes(5, floatInit("conv.w", []int64{0, 2, 3, 3}, nil)), valueInfo(11, "x", 1, 2, 4, 4))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() { _, err = ReadONNX(modelProto(tt.graph, nil), DefaultONNXOptions()) })
			assert.ErrorIs(t, err, ErrUnsupportedGraph)
		})
	}

	t.Run("negative dimension", func(t *testing.T) {
		g := pbMsg(conv, pbBytes(5, floatInit("conv.w", []int64{-2, 2, 3, 3}, nil)), valueInfo(11, "x", 1, 2, 4, 4))
		var err error
		require.NotPanics(t, func() { _, err = ReadONNX(modelProto(g, nil), DefaultONNXOptions()) })
		assert.ErrorContains(t, err, "negative dimension")
	})

	t.Run("short float data", func(t *testing.T) {
		g := pbMsg(conv, pbBytes(5, floatInit("conv.w", []int64{2, 2, 3, 3}, []float32{1, 2})), valueInfo(11, "x", 1, 2, 4, 4))
		_, err := ReadONNX(modelProto(g, nil), DefaultONNXOptions())
		assert.ErrorContains(t, err, "values for dims")
	})
}
