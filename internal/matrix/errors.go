package matrix

import (
	"errors"
	"fmt"
)

// ErrShape is matched by every *ShapeError through errors.Is.
var ErrShape = errors.New("matrix dimensions do not match")

// ShapeError describes a dimension mismatch between two operands.
type ShapeError struct {
	Op   string // Operation that failed (e.g. "dot", "add", "conv2d")
	Want []int  // Shape of the reference operand
	Got  []int  // Shape of the offending operand
}

// Error implements the error interface.
func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: dimension not matching: %v vs %v", e.Op, e.Want, e.Got)
}

// Is lets errors.Is(err, ErrShape) match any ShapeError.
func (e *ShapeError) Is(target error) bool {
	return target == ErrShape
}

// Recover converts a recovered panic value into an error. ShapeErrors come
// back as-is; any other value is re-panicked.
//
// Typical use at an API boundary:
//
//	defer func() {
//	    if r := recover(); r != nil {
//	        err = matrix.Recover(r)
//	    }
//	}()
func Recover(r any) error {
	if se, ok := r.(*ShapeError); ok {
		return se
	}
	panic(r)
}
