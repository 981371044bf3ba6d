// Package tensor provides the dense N-dimensional buffers that the delegated
// forward pass runs on, plus the Backend interface implemented by
// internal/backend/cpu.
package tensor

import "fmt"

// Float is a constraint for the floating-point element types a tensor can hold.
type Float interface {
	~float32 | ~float64
}

// DataType represents runtime type information for tensors.
type DataType int

// Supported data types for tensors.
const (
	Float32 DataType = iota
	Float64
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32:
		return 4
	case Float64:
		return 8
	default:
		panic(fmt.Sprintf("unknown data type %d", int(dt)))
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "unknown"
	}
}

// ParseDataType maps "float32"/"float64" to a DataType.
func ParseDataType(s string) (DataType, error) {
	switch s {
	case "float32", "f32":
		return Float32, nil
	case "float64", "f64", "":
		return Float64, nil
	default:
		return 0, fmt.Errorf("unsupported data type %q", s)
	}
}
