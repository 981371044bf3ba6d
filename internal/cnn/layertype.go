// Package cnn holds the layered node/link graph of a small VGG-style network
// together with the reference layer operators that fill it in.
//
// A Graph is an arena of Nodes and Links addressed by NodeID and LinkID.
// Layers are appended first and wired afterwards, then each layer is
// computed exactly once by the operator matching its LayerType. Once frozen
// a graph is read-only and safe to share between goroutines.
package cnn

import (
	"fmt"
	"strings"
)

// LayerType determines a layer's operator and fan-in rule.
type LayerType int

// Layer types in the order they appear in the network.
const (
	InputLayer LayerType = iota
	ConvLayer
	ReLULayer
	PoolLayer
	FlattenLayer
	FCLayer
)

var layerTypeNames = [...]string{
	InputLayer:   "input",
	ConvLayer:    "conv",
	ReLULayer:    "relu",
	PoolLayer:    "pool",
	FlattenLayer: "flatten",
	FCLayer:      "fc",
}

// String returns the lower-case name used in JSON and logs.
func (t LayerType) String() string {
	if t < 0 || int(t) >= len(layerTypeNames) {
		return fmt.Sprintf("LayerType(%d)", int(t))
	}
	return layerTypeNames[t]
}

// MarshalText implements encoding.TextMarshaler.
func (t LayerType) MarshalText() ([]byte, error) {
	if t < 0 || int(t) >= len(layerTypeNames) {
		return nil, fmt.Errorf("cnn: invalid layer type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *LayerType) UnmarshalText(b []byte) error {
	for i, name := range layerTypeNames {
		if name == string(b) {
			*t = LayerType(i)
			return nil
		}
	}
	return fmt.Errorf("cnn: unknown layer type %q", b)
}

// HasMap reports whether nodes of this type carry a 2D output.
func (t LayerType) HasMap() bool {
	switch t {
	case InputLayer, ConvLayer, ReLULayer, PoolLayer:
		return true
	default:
		return false
	}
}

// HasBias reports whether nodes of this type carry a learned bias.
func (t LayerType) HasBias() bool {
	return t == ConvLayer || t == FCLayer
}

// typeMatchers is checked in order; the first substring found wins.
var typeMatchers = []struct {
	substr string
	typ    LayerType
}{
	{"conv", ConvLayer},
	{"pool", PoolLayer},
	{"relu", ReLULayer},
	{"output", FCLayer},
	{"flatten", FlattenLayer},
}

// TypeFromName infers a layer's type from its name, e.g. "conv_1_1" is
// ConvLayer, "max_pool_2" is PoolLayer and "output" is FCLayer. ok is false
// when nothing matches.
func TypeFromName(name string) (t LayerType, ok bool) {
	lower := strings.ToLower(name)
	for _, m := range typeMatchers {
		if strings.Contains(lower, m.substr) {
			return m.typ, true
		}
	}
	return 0, false
}
