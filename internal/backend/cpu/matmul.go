package cpu

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/explainer/internal/tensor"
)

// MatMul performs matrix multiplication.
// For 2D tensors: (M, K) @ (K, N) -> (M, N)
//
// The product runs on gonum's float64 BLAS path; float32 operands are
// widened for the multiply and narrowed on the way out.
func (cpu *CPUBackend) MatMul(a, b *tensor.RawTensor) *tensor.RawTensor {
	sameDType("matmul", a, b)
	aShape := a.Shape()
	bShape := b.Shape()

	if len(aShape) != 2 || len(bShape) != 2 {
		panic(fmt.Sprintf("matmul: only 2D tensors supported, got %dD and %dD", len(aShape), len(bShape)))
	}

	m, k := aShape[0], aShape[1]
	kAlt, n := bShape[0], bShape[1]
	if k != kAlt {
		panic(fmt.Sprintf("matmul: shape mismatch [%d,%d] @ [%d,%d]", m, k, kAlt, n))
	}

	var c mat.Dense
	c.Mul(mat.NewDense(m, k, a.Float64s()), mat.NewDense(k, n, b.Float64s()))

	result := cpu.alloc("matmul", tensor.Shape{m, n}, a.DType())
	raw := c.RawMatrix()
	dispatch("matmul", a.DType(),
		func() { narrowRows(result.AsFloat32(), raw, m, n) },
		func() { narrowRows(result.AsFloat64(), raw, m, n) },
	)
	return result
}

// narrowRows copies a gonum row-major matrix (which may carry a stride
// wider than n) into a packed destination.
func narrowRows[T tensor.Float](dst []T, raw blas64.General, m, n int) {
	for i := 0; i < m; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+n]
		for j, v := range row {
			dst[i*n+j] = T(v)
		}
	}
}
