// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/born-ml/explainer/internal/tensor"
)

// Float is a constraint for the element types a tensor can be built from.
type Float = tensor.Float

// DataType represents the element type stored in a tensor.
type DataType = tensor.DataType

// Data type constants.
const (
	Float32 DataType = tensor.Float32
	Float64 DataType = tensor.Float64
)

// ParseDataType maps "float32" or "float64" to a DataType.
func ParseDataType(s string) (DataType, error) {
	return tensor.ParseDataType(s)
}

// Device represents the device where tensor data resides.
type Device = tensor.Device

// CPU is the only device.
const CPU Device = tensor.CPU

// Shape represents the dimensions of a tensor.
// Example: Shape{1, 3, 64, 64} is one 64×64 RGB image.
type Shape = tensor.Shape

// RawTensor is a dense row-major tensor.
type RawTensor = tensor.RawTensor

// Backend is the set of kernels the forward pass needs:
// Conv2D, MaxPool2D, ReLU, Add, MatMul, Transpose, Reshape and Softmax.
type Backend = tensor.Backend

// NewRaw creates a zero-filled tensor.
func NewRaw(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype, device)
}

// FromSlice creates a tensor of the given dtype holding a copy of values.
//
// Example:
//
//	x, err := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{2, 2}, tensor.Float32)
func FromSlice[T Float](values []T, shape Shape, dtype DataType) (*RawTensor, error) {
	return tensor.FromSlice(values, shape, dtype)
}

// Values returns the typed element slice of t. T must match t's dtype.
func Values[T Float](t *RawTensor) []T {
	return tensor.Values[T](t)
}
