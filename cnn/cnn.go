// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cnn

import (
	"context"
	"io"

	"github.com/born-ml/explainer/internal/builder"
	internalcnn "github.com/born-ml/explainer/internal/cnn"
	"github.com/born-ml/explainer/internal/imageprep"
	"github.com/born-ml/explainer/internal/matrix"
	"github.com/born-ml/explainer/internal/model"
	"github.com/born-ml/explainer/internal/overview"
)

// Graph is a frozen, fully computed activation graph.
type Graph = internalcnn.Graph

// Node is one channel or unit of one layer.
type Node = internalcnn.Node

// NodeID addresses a node within its graph.
type NodeID = internalcnn.NodeID

// Link is a directed, weighted connection between two nodes.
type Link = internalcnn.Link

// LayerType determines a layer's operator.
type LayerType = internalcnn.LayerType

// Layer types.
const (
	InputLayer   LayerType = internalcnn.InputLayer
	ConvLayer    LayerType = internalcnn.ConvLayer
	ReLULayer    LayerType = internalcnn.ReLULayer
	PoolLayer    LayerType = internalcnn.PoolLayer
	FlattenLayer LayerType = internalcnn.FlattenLayer
	FCLayer      LayerType = internalcnn.FCLayer
)

// Matrix is a dense row-major 2D array.
type Matrix = matrix.Matrix

// Model is a loaded network.
type Model = model.Model

// Options configures a build.
type Options = builder.Options

// Result is a finished build.
type Result = builder.Result

// Prediction is one class of the output layer.
type Prediction = internalcnn.Prediction

// ConvDetail explains one output pixel of a conv node.
type ConvDetail = internalcnn.ConvDetail

// Ranges holds legend ranges for every layer and scale level.
type Ranges = internalcnn.Ranges

// ScaleLevel selects how widely a colour range is shared.
type ScaleLevel = internalcnn.ScaleLevel

// Scale levels.
const (
	LocalScale  ScaleLevel = internalcnn.LocalScale
	ModuleScale ScaleLevel = internalcnn.ModuleScale
	GlobalScale ScaleLevel = internalcnn.GlobalScale
)

// DefaultOptions returns the tensor strategy in float64 with softmax.
func DefaultOptions() Options {
	return builder.DefaultOptions()
}

// LoadModel reads weights in the format implied by the file extension
// (.json, .safetensors or .onnx).
func LoadModel(path string) (*Model, error) {
	return model.Load(path, "")
}

// LoadImage decodes an image file or http(s) URL into side×side RGB planes
// scaled to [0, 1].
func LoadImage(ctx context.Context, src string, side int) ([]Matrix, error) {
	opts := imageprep.DefaultOptions()
	opts.Size = side
	img, err := imageprep.Load(ctx, src, opts)
	if err != nil {
		return nil, err
	}
	return img.Planes, nil
}

// Build constructs the graph of m over input planes, one per channel.
func Build(ctx context.Context, m *Model, planes []Matrix, opts Options) (*Result, error) {
	return builder.Build(ctx, m, planes, opts)
}

// Classify loads the image at src, sized for m, and builds its graph.
func Classify(ctx context.Context, m *Model, src string, opts Options) (*Result, error) {
	planes, err := LoadImage(ctx, src, m.InputSide())
	if err != nil {
		return nil, err
	}
	return builder.Build(ctx, m, planes, opts)
}

// Predictions returns the output classes sorted by descending probability.
func Predictions(g *Graph, classes []string) []Prediction {
	return internalcnn.Predictions(g, classes)
}

// ExplainConv breaks output pixel (row, col) of conv node id into its
// per-channel window·kernel products.
func ExplainConv(g *Graph, id NodeID, row, col int) (ConvDetail, error) {
	return internalcnn.ExplainConv(g, id, row, col)
}

// ComputeRanges derives legend ranges for a computed graph.
func ComputeRanges(g *Graph) Ranges {
	return internalcnn.ComputeRanges(g)
}

// WriteOverview renders g as an SVG at the given scale level.
func WriteOverview(w io.Writer, g *Graph, level ScaleLevel, classes []string) error {
	opts := overview.DefaultOptions()
	opts.Level = level
	opts.Classes = classes
	return overview.Render(w, g, opts)
}
