package cpu

import (
	"math"
	"testing"

	"github.com/born-ml/explainer/internal/tensor"
)

func TestMaxPool2D_Basic(t *testing.T) {
	backend := New()

	values := make([]float64, 16)
	for i := range values {
		values[i] = float64(i + 1)
	}
	input := mustTensor(t, values, tensor.Shape{1, 1, 4, 4}, tensor.Float32)

	out := backend.MaxPool2D(input, 2, 2)
	if !out.Shape().Equal(tensor.Shape{1, 1, 2, 2}) {
		t.Fatalf("Expected shape [1 1 2 2], got %v", out.Shape())
	}
	want := []float64{6, 8, 14, 16}
	if got := out.Float64s(); !float64SliceClose(got, want, 0) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

// TestMaxPool2D_OddTruncation drops the last row and column of a 5x5 input.
func TestMaxPool2D_OddTruncation(t *testing.T) {
	backend := New()

	values := make([]float64, 25)
	for i := range values {
		values[i] = 1
	}
	// Last row and column hold a value no window may see.
	for i := 0; i < 5; i++ {
		values[4*5+i] = 99
		values[i*5+4] = 99
	}
	input := mustTensor(t, values, tensor.Shape{1, 1, 5, 5}, tensor.Float64)

	out := backend.MaxPool2D(input, 2, 2)
	if !out.Shape().Equal(tensor.Shape{1, 1, 2, 2}) {
		t.Fatalf("Expected shape [1 1 2 2], got %v", out.Shape())
	}
	for i, v := range out.Float64s() {
		if v != 1 {
			t.Errorf("Output[%d]: truncated edge leaked into pool, got %v", i, v)
		}
	}
}

func TestMaxPool2D_NegativeValues(t *testing.T) {
	backend := New()

	input := mustTensor(t, []float64{-5, -3, -8, -1, -2, -7, -4, -6}, tensor.Shape{1, 2, 2, 2}, tensor.Float64)
	got := backend.MaxPool2D(input, 2, 2).Float64s()

	if !float64SliceClose(got, []float64{-1, -2}, 0) {
		t.Errorf("Expected [-1 -2], got %v", got)
	}
}

func TestMaxPool2D_Invalid(t *testing.T) {
	backend := New()

	in, _ := tensor.NewRaw(tensor.Shape{1, 1, 1, 1}, tensor.Float64, tensor.CPU)
	expectPanic(t, "kernel too large", func() { backend.MaxPool2D(in, 2, 2) })
	expectPanic(t, "zero stride", func() { backend.MaxPool2D(in, 1, 0) })
}

func TestReLU(t *testing.T) {
	backend := New()

	x := mustTensor(t, []float64{-2, -0.5, 0, 0.5, 3}, tensor.Shape{5}, tensor.Float64)
	got := backend.ReLU(x).Float64s()

	if !float64SliceClose(got, []float64{0, 0, 0, 0.5, 3}, 0) {
		t.Errorf("Got %v", got)
	}

	// Idempotent.
	again := backend.ReLU(backend.ReLU(x)).Float64s()
	if !float64SliceClose(again, got, 0) {
		t.Errorf("ReLU not idempotent: %v vs %v", again, got)
	}
}

func TestSoftmax(t *testing.T) {
	backend := New()

	x := mustTensor(t, []float64{1, 2, 3, 1000, 1000, 1000}, tensor.Shape{2, 3}, tensor.Float64)
	got := backend.Softmax(x, -1).Float64s()

	e1, e2, e3 := math.Exp(1), math.Exp(2), math.Exp(3)
	s := e1 + e2 + e3
	want := []float64{e1 / s, e2 / s, e3 / s, 1.0 / 3, 1.0 / 3, 1.0 / 3}
	if !float64SliceClose(got, want, 1e-12) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	// Along dim 0 every column sums to one.
	col := backend.Softmax(x, 0).Float64s()
	for j := 0; j < 3; j++ {
		if sum := col[j] + col[3+j]; math.Abs(sum-1) > 1e-12 {
			t.Errorf("Column %d sums to %v", j, sum)
		}
	}

	expectPanic(t, "dim out of range", func() { backend.Softmax(x, 2) })
}
