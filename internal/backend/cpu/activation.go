package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/explainer/internal/tensor"
)

// ReLU computes max(0, x) elementwise.
func (cpu *CPUBackend) ReLU(x *tensor.RawTensor) *tensor.RawTensor {
	result := cpu.alloc("relu", x.Shape(), x.DType())
	dispatch("relu", x.DType(),
		func() { relu(result.AsFloat32(), x.AsFloat32()) },
		func() { relu(result.AsFloat64(), x.AsFloat64()) },
	)
	return result
}

func relu[T tensor.Float](dst, src []T) {
	for i, v := range src {
		if v > 0 {
			dst[i] = v
		}
	}
}

// Softmax computes softmax along the specified dimension.
// Softmax(x_i) = exp(x_i) / sum(exp(x_j)) for all j in dimension.
func (cpu *CPUBackend) Softmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	shape := x.Shape()
	ndim := len(shape)

	// Normalize dimension
	if dim < 0 {
		dim = ndim + dim
	}
	if dim < 0 || dim >= ndim {
		panic(fmt.Sprintf("softmax: dimension %d out of range for tensor of rank %d", dim, ndim))
	}

	result := cpu.alloc("softmax", shape, x.DType())
	dispatch("softmax", x.DType(),
		func() { softmax(result.AsFloat32(), x.AsFloat32(), shape, dim) },
		func() { softmax(result.AsFloat64(), x.AsFloat64(), shape, dim) },
	)
	return result
}

func softmax[T tensor.Float](dst, src []T, shape tensor.Shape, dim int) {
	strides := shape.ComputeStrides()
	dimSize := shape[dim]
	dimStride := strides[dim]

	// outer iterates the dimensions before dim, inner those after it.
	inner := dimStride
	outer := shape.NumElements() / (dimSize * inner)

	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			base := o*dimSize*inner + in

			// Subtract max for numerical stability
			maxVal := math.Inf(-1)
			for i := 0; i < dimSize; i++ {
				maxVal = math.Max(maxVal, float64(src[base+i*dimStride]))
			}

			var sum float64
			for i := 0; i < dimSize; i++ {
				sum += math.Exp(float64(src[base+i*dimStride]) - maxVal)
			}
			for i := 0; i < dimSize; i++ {
				dst[base+i*dimStride] = T(math.Exp(float64(src[base+i*dimStride])-maxVal) / sum)
			}
		}
	}
}
