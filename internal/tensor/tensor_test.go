package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape_NumElements(t *testing.T) {
	assert.Equal(t, 1, Shape{}.NumElements())
	assert.Equal(t, 24, Shape{2, 3, 4}.NumElements())
}

func TestShape_ComputeStrides(t *testing.T) {
	assert.Equal(t, []int{12, 4, 1}, Shape{2, 3, 4}.ComputeStrides())
	assert.Empty(t, Shape{}.ComputeStrides())
}

func TestShape_Validate(t *testing.T) {
	require.NoError(t, Shape{1, 3, 64, 64}.Validate())
	assert.Error(t, Shape{1, 0}.Validate())
	assert.Error(t, Shape{-2}.Validate())
}

func TestBroadcastShapes(t *testing.T) {
	tests := []struct {
		name    string
		a, b    Shape
		want    Shape
		wantErr bool
	}{
		{"bias over channels", Shape{1, 10, 62, 62}, Shape{1, 10, 1, 1}, Shape{1, 10, 62, 62}, false},
		{"rank extension", Shape{1, 10}, Shape{10}, Shape{1, 10}, false},
		{"left broadcast", Shape{1, 4}, Shape{3, 4}, Shape{3, 4}, false},
		{"incompatible", Shape{3, 4}, Shape{3, 5}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BroadcastShapes(tt.a, tt.b)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v want %v", got, tt.want)
		})
	}
}

func TestParseDataType(t *testing.T) {
	dt, err := ParseDataType("f32")
	require.NoError(t, err)
	assert.Equal(t, Float32, dt)

	dt, err = ParseDataType("")
	require.NoError(t, err)
	assert.Equal(t, Float64, dt)

	_, err = ParseDataType("int8")
	assert.Error(t, err)
}

func TestFromSlice(t *testing.T) {
	raw, err := FromSlice([]float64{1, 2, 3, 4, 5, 6}, Shape{2, 3}, Float32)
	require.NoError(t, err)

	assert.Equal(t, Float32, raw.DType())
	assert.Equal(t, 24, raw.ByteSize())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, raw.AsFloat32())
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, raw.Float64s())

	_, err = FromSlice([]float64{1, 2}, Shape{3}, Float64)
	assert.Error(t, err)
}

func TestRawTensor_CloneIsDeep(t *testing.T) {
	raw, err := FromSlice([]float64{1, 2, 3}, Shape{3}, Float64)
	require.NoError(t, err)

	c := raw.Clone()
	c.AsFloat64()[0] = 42

	assert.Equal(t, 1.0, raw.AsFloat64()[0])
	assert.Equal(t, 42.0, c.AsFloat64()[0])
}

func TestRawTensor_WithShape(t *testing.T) {
	raw, err := FromSlice([]float64{1, 2, 3, 4}, Shape{4}, Float64)
	require.NoError(t, err)

	r2, err := raw.WithShape(Shape{2, 2})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, r2.Strides())

	_, err = raw.WithShape(Shape{3})
	assert.Error(t, err)
}

func TestValues(t *testing.T) {
	raw, err := FromSlice([]float32{1.5, 2.5}, Shape{2}, Float32)
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 2.5}, Values[float32](raw))

	assert.Panics(t, func() { _ = raw.AsFloat64() })
}
