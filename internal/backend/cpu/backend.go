// Package cpu implements tensor.Backend on the CPU.
//
// Kernels are written once over tensor.Float and dispatched on the runtime
// dtype. Misuse (bad ranks, mismatched channels) panics with an
// "op: message" string.
package cpu

import (
	"fmt"

	"github.com/born-ml/explainer/internal/tensor"
)

// CPUBackend implements tensor operations on CPU.
type CPUBackend struct {
	device tensor.Device
}

var _ tensor.Backend = (*CPUBackend)(nil)

// New creates a new CPU backend.
func New() *CPUBackend {
	return &CPUBackend{
		device: tensor.CPU,
	}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Device returns the compute device.
func (cpu *CPUBackend) Device() tensor.Device {
	return cpu.device
}

// alloc creates a zeroed result tensor or panics with op as prefix.
func (cpu *CPUBackend) alloc(op string, shape tensor.Shape, dtype tensor.DataType) *tensor.RawTensor {
	result, err := tensor.NewRaw(shape, dtype, cpu.device)
	if err != nil {
		panic(fmt.Sprintf("%s: failed to create result tensor: %v", op, err))
	}
	return result
}

// dispatch calls f32 or f64 depending on dtype.
func dispatch(op string, dtype tensor.DataType, f32, f64 func()) {
	switch dtype {
	case tensor.Float32:
		f32()
	case tensor.Float64:
		f64()
	default:
		panic(fmt.Sprintf("%s: unsupported dtype %s", op, dtype))
	}
}

func sameDType(op string, a, b *tensor.RawTensor) {
	if a.DType() != b.DType() {
		panic(fmt.Sprintf("%s: dtype mismatch %s vs %s", op, a.DType(), b.DType()))
	}
}

// Add performs element-wise addition with NumPy-style broadcasting.
func (cpu *CPUBackend) Add(a, b *tensor.RawTensor) *tensor.RawTensor {
	sameDType("add", a, b)
	outShape, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		panic(fmt.Sprintf("add: %v", err))
	}

	result := cpu.alloc("add", outShape, a.DType())
	dispatch("add", a.DType(),
		func() { addBroadcast(result.AsFloat32(), a.AsFloat32(), b.AsFloat32(), a.Shape(), b.Shape(), outShape) },
		func() { addBroadcast(result.AsFloat64(), a.AsFloat64(), b.AsFloat64(), a.Shape(), b.Shape(), outShape) },
	)
	return result
}

func addBroadcast[T tensor.Float](dst, a, b []T, aShape, bShape, outShape tensor.Shape) {
	if aShape.Equal(bShape) {
		for i := range dst {
			dst[i] = a[i] + b[i]
		}
		return
	}

	outStrides := outShape.ComputeStrides()
	aStrides := broadcastStrides(aShape, outShape)
	bStrides := broadcastStrides(bShape, outShape)
	for i := range dst {
		dst[i] = a[flatIndex(i, outStrides, aStrides)] + b[flatIndex(i, outStrides, bStrides)]
	}
}

// broadcastStrides computes strides for reading inShape as if it had
// outShape. Dimensions of size 1 and padded leading dimensions get stride 0.
func broadcastStrides(inShape, outShape tensor.Shape) []int {
	outDim := len(outShape)
	offset := outDim - len(inShape)
	orig := inShape.ComputeStrides()

	strides := make([]int, outDim)
	for i := 0; i < outDim; i++ {
		j := i - offset
		if j < 0 || inShape[j] == 1 {
			continue
		}
		strides[i] = orig[j]
	}
	return strides
}

// flatIndex maps a flat output index to the flat input index.
func flatIndex(outIdx int, outStrides, inStrides []int) int {
	idx := 0
	for i := range outStrides {
		coord := outIdx / outStrides[i]
		outIdx %= outStrides[i]
		idx += coord * inStrides[i]
	}
	return idx
}

// Reshape returns a tensor with the same data but different shape.
func (cpu *CPUBackend) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	if err := newShape.Validate(); err != nil {
		panic(fmt.Sprintf("reshape: invalid shape: %v", err))
	}
	if t.NumElements() != newShape.NumElements() {
		panic(fmt.Sprintf("reshape: incompatible shapes: %v -> %v (different number of elements)",
			t.Shape(), newShape))
	}

	result := cpu.alloc("reshape", newShape, t.DType())
	copy(result.Data(), t.Data())
	return result
}

// Transpose transposes the tensor by permuting its dimensions.
func (cpu *CPUBackend) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	shape := t.Shape()
	ndim := len(shape)

	// Default: reverse all dimensions
	if len(axes) == 0 {
		axes = make([]int, ndim)
		for i := range axes {
			axes[i] = ndim - 1 - i
		}
	}

	if len(axes) != ndim {
		panic(fmt.Sprintf("transpose: axes length %d != ndim %d", len(axes), ndim))
	}
	seen := make([]bool, ndim)
	for _, ax := range axes {
		if ax < 0 || ax >= ndim {
			panic(fmt.Sprintf("transpose: invalid axis %d for %dD tensor", ax, ndim))
		}
		if seen[ax] {
			panic(fmt.Sprintf("transpose: duplicate axis %d", ax))
		}
		seen[ax] = true
	}

	newShape := make(tensor.Shape, ndim)
	for i, ax := range axes {
		newShape[i] = shape[ax]
	}

	result := cpu.alloc("transpose", newShape, t.DType())
	dispatch("transpose", t.DType(),
		func() { transposeData(result.AsFloat32(), t.AsFloat32(), shape, newShape, axes) },
		func() { transposeData(result.AsFloat64(), t.AsFloat64(), shape, newShape, axes) },
	)
	return result
}

func transposeData[T tensor.Float](dst, src []T, shape, newShape tensor.Shape, axes []int) {
	srcStrides := shape.ComputeStrides()
	dstStrides := newShape.ComputeStrides()

	// permStrides[i] is the source stride of destination axis i.
	permStrides := make([]int, len(axes))
	for i, ax := range axes {
		permStrides[i] = srcStrides[ax]
	}

	for i := range dst {
		dst[i] = src[flatIndex(i, dstStrides, permStrides)]
	}
}
