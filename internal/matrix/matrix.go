// Package matrix implements the dense 2D primitives used by the CNN layer
// operators: allocation, elementwise add, dot product, slicing and reductions.
//
// A Matrix is a slice of rows. All binary operations require equal shapes and
// panic with a *ShapeError otherwise; a mismatch always means the graph was
// wired incorrectly, so callers at a build boundary recover it into an error.
package matrix

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Matrix is a row-major 2D array of float64 values.
type Matrix [][]float64

// Alloc2D returns a height×width matrix with every element set to fill.
func Alloc2D(height, width int, fill float64) Matrix {
	m := make(Matrix, height)
	for r := range m {
		m[r] = make([]float64, width)
	}
	if fill != 0 {
		Fill(m, fill)
	}
	return m
}

// FromRows copies rows into a new Matrix.
func FromRows(rows [][]float64) Matrix {
	m := make(Matrix, len(rows))
	for r, row := range rows {
		m[r] = append([]float64(nil), row...)
	}
	return m
}

// Rows returns the number of rows.
func (m Matrix) Rows() int {
	return len(m)
}

// Cols returns the number of columns (length of the first row).
func (m Matrix) Cols() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// IsSquare reports whether m is n×n with every row of length n.
func (m Matrix) IsSquare() bool {
	for _, row := range m {
		if len(row) != len(m) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of m.
func (m Matrix) Clone() Matrix {
	return FromRows(m)
}

// Equal reports whether a and b have the same shape and elements within tol.
func Equal(a, b Matrix, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for r := range a {
		if len(a[r]) != len(b[r]) {
			return false
		}
		if !floats.EqualApprox(a[r], b[r], tol) {
			return false
		}
	}
	return true
}

// Dot multiplies a and b elementwise and returns the sum of the products.
func Dot(a, b Matrix) float64 {
	mustMatch("dot", a, b)
	var sum float64
	for r := range a {
		sum += floats.Dot(a[r], b[r])
	}
	return sum
}

// Add returns the elementwise sum of a and b as a new matrix.
func Add(a, b Matrix) Matrix {
	mustMatch("add", a, b)
	out := make(Matrix, len(a))
	for r := range a {
		out[r] = make([]float64, len(a[r]))
		floats.AddTo(out[r], a[r], b[r])
	}
	return out
}

// AddScalar returns m with v added to every element.
func AddScalar(m Matrix, v float64) Matrix {
	out := m.Clone()
	for _, row := range out {
		floats.AddConst(v, row)
	}
	return out
}

// Slice returns a copy of rows [rowStart, rowEnd) and columns
// [colStart, colEnd) of m. Bounds follow list slicing: a negative bound
// counts from the end, and ranges that run past the edge of m are not
// padded, so the result is simply shorter, or empty.
func Slice(m Matrix, rowStart, rowEnd, colStart, colEnd int) Matrix {
	rowStart, rowEnd = clampRange(rowStart, rowEnd, len(m))
	out := make(Matrix, 0, rowEnd-rowStart)
	for _, row := range m[rowStart:rowEnd] {
		cs, ce := clampRange(colStart, colEnd, len(row))
		out = append(out, append([]float64(nil), row[cs:ce]...))
	}
	return out
}

// clampRange mirrors list slicing: negative bounds are taken from the end,
// bounds are then cut to [0, n] and an inverted range becomes empty.
func clampRange(start, end, n int) (int, int) {
	if start < 0 {
		start += n
	}
	if end < 0 {
		end += n
	}
	start = min(max(start, 0), n)
	end = min(max(end, 0), n)
	if end < start {
		end = start
	}
	return start, end
}

// Max returns the largest element of m, or -Inf when m has no elements.
func Max(m Matrix) float64 {
	best := math.Inf(-1)
	for _, row := range m {
		if len(row) == 0 {
			continue
		}
		best = math.Max(best, floats.Max(row))
	}
	return best
}

// Min returns the smallest element of m, or +Inf when m has no elements.
func Min(m Matrix) float64 {
	best := math.Inf(1)
	for _, row := range m {
		if len(row) == 0 {
			continue
		}
		best = math.Min(best, floats.Min(row))
	}
	return best
}

// Extent returns the minimum and maximum of m.
func Extent(m Matrix) (lo, hi float64) {
	return Min(m), Max(m)
}

// Map returns a new matrix with f applied to every element of m.
func Map(m Matrix, f func(float64) float64) Matrix {
	out := make(Matrix, len(m))
	for r, row := range m {
		out[r] = make([]float64, len(row))
		for c, v := range row {
			out[r][c] = f(v)
		}
	}
	return out
}

// Fill sets every element of m to v in place.
func Fill(m Matrix, v float64) {
	for _, row := range m {
		for c := range row {
			row[c] = v
		}
	}
}

// Flat returns the elements of m in row-major order.
func (m Matrix) Flat() []float64 {
	out := make([]float64, 0, len(m)*m.Cols())
	for _, row := range m {
		out = append(out, row...)
	}
	return out
}

// Reshape builds a rows×cols matrix from row-major data.
func Reshape(data []float64, rows, cols int) Matrix {
	if rows*cols != len(data) {
		panic(&ShapeError{Op: "reshape", Want: []int{rows, cols}, Got: []int{len(data)}})
	}
	m := make(Matrix, rows)
	for r := range m {
		m[r] = append([]float64(nil), data[r*cols:(r+1)*cols]...)
	}
	return m
}

func mustMatch(op string, a, b Matrix) {
	if len(a) != len(b) {
		panic(&ShapeError{Op: op, Want: shapeOf(a), Got: shapeOf(b)})
	}
	for r := range a {
		if len(a[r]) != len(b[r]) {
			panic(&ShapeError{Op: op, Want: shapeOf(a), Got: shapeOf(b)})
		}
	}
}

func shapeOf(m Matrix) []int {
	return []int{m.Rows(), m.Cols()}
}
