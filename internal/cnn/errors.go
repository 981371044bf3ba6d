package cnn

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrFrozen             = errors.New("graph is frozen")
	ErrUnknownNode        = errors.New("unknown node")
	ErrEmptyLayer         = errors.New("layer has no nodes")
	ErrLayerIndex         = errors.New("layer index out of range")
	ErrLayerTypeMismatch  = errors.New("layer type does not match operator")
	ErrAlreadyComputed    = errors.New("node output already computed")
	ErrNotComputed        = errors.New("node output not computed")
	ErrFlattenPermutation = errors.New("flatten real indices are not a permutation")
	ErrMalformed          = errors.New("graph is malformed")
)

// WiringError describes a violation of the layered structure found by
// Validate.
type WiringError struct {
	Layer   int    // Position of the offending layer
	Node    int    // Index of the offending node within the layer, or -1
	Details string // What is wrong
}

// Error implements the error interface.
func (e *WiringError) Error() string {
	if e.Node >= 0 {
		return fmt.Sprintf("layer %d node %d: %s", e.Layer, e.Node, e.Details)
	}
	return fmt.Sprintf("layer %d: %s", e.Layer, e.Details)
}

// Is lets errors.Is(err, ErrMalformed) match any WiringError.
func (e *WiringError) Is(target error) bool {
	return target == ErrMalformed
}
