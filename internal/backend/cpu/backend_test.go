package cpu

import (
	"math"
	"testing"

	"github.com/born-ml/explainer/internal/tensor"
)

func newTestBackend() *CPUBackend {
	return New()
}

func mustTensor(t *testing.T, values []float64, shape tensor.Shape, dtype tensor.DataType) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.FromSlice(values, shape, dtype)
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}
	return raw
}

func float64SliceClose(a, b []float64, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

func expectPanic(t *testing.T, name string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", name)
		}
	}()
	f()
}

func TestCPUBackend_New(t *testing.T) {
	backend := newTestBackend()

	if backend.Name() != "CPU" {
		t.Errorf("Expected name 'CPU', got %s", backend.Name())
	}
	if backend.Device() != tensor.CPU {
		t.Errorf("Expected device CPU, got %v", backend.Device())
	}
}

func TestCPUBackend_Add(t *testing.T) {
	backend := newTestBackend()

	for _, dtype := range []tensor.DataType{tensor.Float32, tensor.Float64} {
		a := mustTensor(t, []float64{1, 2, 3, 4}, tensor.Shape{2, 2}, dtype)
		b := mustTensor(t, []float64{10, 20, 30, 40}, tensor.Shape{2, 2}, dtype)

		got := backend.Add(a, b).Float64s()
		want := []float64{11, 22, 33, 44}
		if !float64SliceClose(got, want, 0) {
			t.Errorf("%s: expected %v, got %v", dtype, want, got)
		}
		if a.Float64s()[0] != 1 {
			t.Errorf("%s: Add mutated its input", dtype)
		}
	}
}

func TestCPUBackend_AddBroadcasting(t *testing.T) {
	backend := newTestBackend()

	// Per-channel bias over a [1, 2, 2, 2] activation.
	x := mustTensor(t, []float64{1, 2, 3, 4, 5, 6, 7, 8}, tensor.Shape{1, 2, 2, 2}, tensor.Float64)
	bias := mustTensor(t, []float64{100, -1}, tensor.Shape{1, 2, 1, 1}, tensor.Float64)

	out := backend.Add(x, bias)
	if !out.Shape().Equal(tensor.Shape{1, 2, 2, 2}) {
		t.Fatalf("Expected shape [1 2 2 2], got %v", out.Shape())
	}
	want := []float64{101, 102, 103, 104, 4, 5, 6, 7}
	if got := out.Float64s(); !float64SliceClose(got, want, 0) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	// Row vector over a matrix.
	m := mustTensor(t, []float64{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, tensor.Float32)
	v := mustTensor(t, []float64{1, 1, 1}, tensor.Shape{3}, tensor.Float32)
	if got := backend.Add(m, v).Float64s(); !float64SliceClose(got, []float64{2, 3, 4, 5, 6, 7}, 0) {
		t.Errorf("Row broadcast: got %v", got)
	}

	expectPanic(t, "incompatible", func() {
		backend.Add(m, mustTensor(t, []float64{1, 2}, tensor.Shape{2}, tensor.Float32))
	})
	expectPanic(t, "dtype mismatch", func() {
		backend.Add(m, mustTensor(t, []float64{1, 1, 1}, tensor.Shape{3}, tensor.Float64))
	})
}

func TestCPUBackend_MatMul(t *testing.T) {
	backend := newTestBackend()

	for _, dtype := range []tensor.DataType{tensor.Float32, tensor.Float64} {
		// [2,3] @ [3,2]
		a := mustTensor(t, []float64{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, dtype)
		b := mustTensor(t, []float64{7, 8, 9, 10, 11, 12}, tensor.Shape{3, 2}, dtype)

		c := backend.MatMul(a, b)
		if !c.Shape().Equal(tensor.Shape{2, 2}) {
			t.Fatalf("%s: expected shape [2 2], got %v", dtype, c.Shape())
		}
		want := []float64{58, 64, 139, 154}
		if got := c.Float64s(); !float64SliceClose(got, want, 1e-4) {
			t.Errorf("%s: expected %v, got %v", dtype, want, got)
		}
		if c.DType() != dtype {
			t.Errorf("%s: result dtype %s", dtype, c.DType())
		}
	}

	expectPanic(t, "inner mismatch", func() {
		backend.MatMul(
			mustTensor(t, []float64{1, 2}, tensor.Shape{1, 2}, tensor.Float64),
			mustTensor(t, []float64{1, 2, 3}, tensor.Shape{3, 1}, tensor.Float64),
		)
	})
}

func TestCPUBackend_Reshape(t *testing.T) {
	backend := newTestBackend()

	x := mustTensor(t, []float64{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, tensor.Float64)
	r := backend.Reshape(x, tensor.Shape{3, 2})

	if !r.Shape().Equal(tensor.Shape{3, 2}) {
		t.Errorf("Expected shape [3 2], got %v", r.Shape())
	}
	if !float64SliceClose(r.Float64s(), x.Float64s(), 0) {
		t.Errorf("Reshape changed element order")
	}

	expectPanic(t, "element count", func() { backend.Reshape(x, tensor.Shape{4}) })
}

func TestCPUBackend_Transpose(t *testing.T) {
	backend := newTestBackend()

	x := mustTensor(t, []float64{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, tensor.Float32)
	tr := backend.Transpose(x)

	if !tr.Shape().Equal(tensor.Shape{3, 2}) {
		t.Fatalf("Expected shape [3 2], got %v", tr.Shape())
	}
	want := []float64{1, 4, 2, 5, 3, 6}
	if got := tr.Float64s(); !float64SliceClose(got, want, 0) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestCPUBackend_TransposeNCHWToNHWC(t *testing.T) {
	backend := newTestBackend()

	// [1, C=2, H=2, W=2] -> [1, H, W, C]: channel becomes the fastest axis.
	x := mustTensor(t, []float64{0, 1, 2, 3, 10, 11, 12, 13}, tensor.Shape{1, 2, 2, 2}, tensor.Float64)
	tr := backend.Transpose(x, 0, 2, 3, 1)

	want := []float64{0, 10, 1, 11, 2, 12, 3, 13}
	if got := tr.Float64s(); !float64SliceClose(got, want, 0) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	expectPanic(t, "duplicate axis", func() { backend.Transpose(x, 0, 1, 1, 2) })
	expectPanic(t, "axes length", func() { backend.Transpose(x, 0, 1) })
}
