package cnn

import (
	"fmt"

	"github.com/born-ml/explainer/internal/matrix"
)

// ChannelTerm is one input channel's share of a convolution output pixel.
type ChannelTerm struct {
	Source  NodeID        `json:"source"`
	Window  matrix.Matrix `json:"window"`
	Kernel  matrix.Matrix `json:"kernel"`
	Product float64       `json:"product"`
}

// ConvDetail explains how one output pixel of a conv node was computed.
type ConvDetail struct {
	Node  NodeID        `json:"node"`
	Row   int           `json:"row"`
	Col   int           `json:"col"`
	Terms []ChannelTerm `json:"terms"`
	Bias  float64       `json:"bias"`
	Total float64       `json:"total"`

	// Field holds the flat row-major input indices under the kernel.
	Field [][]int `json:"field"`
}

// ExplainConv breaks the output pixel (row, col) of conv node id into its
// per-channel window·kernel products.
func ExplainConv(g *Graph, id NodeID, row, col int) (ConvDetail, error) {
	n := g.Node(id)
	if n == nil {
		return ConvDetail{}, fmt.Errorf("node %d: %w", id, ErrUnknownNode)
	}
	if n.Type != ConvLayer {
		return ConvDetail{}, fmt.Errorf("%s[%d] is %s: %w", n.LayerName, n.Index, n.Type, ErrLayerTypeMismatch)
	}
	if !n.computed {
		return ConvDetail{}, fmt.Errorf("%s[%d]: %w", n.LayerName, n.Index, ErrNotComputed)
	}
	side := n.Output.Map.Rows()
	if row < 0 || row >= side || col < 0 || col >= side {
		return ConvDetail{}, fmt.Errorf("pixel (%d, %d) outside %dx%d output: %w", row, col, side, side, matrix.ErrShape)
	}

	d := ConvDetail{Node: id, Row: row, Col: col, Bias: n.Bias, Total: n.Bias}
	for i, lid := range n.InputLinks {
		link := g.links[lid]
		k := link.Weight.Kernel
		if i == 0 {
			d.Field = ReceptiveField(row, col, k.Rows(), g.nodes[link.Source].Output.Map.Cols(), 1, 1)
		}
		w := matrix.Slice(g.nodes[link.Source].Output.Map, row, row+k.Rows(), col, col+k.Rows())
		p := matrix.Dot(w, k)
		d.Terms = append(d.Terms, ChannelTerm{Source: link.Source, Window: w, Kernel: k, Product: p})
		d.Total += p
	}
	return d, nil
}

// ReceptiveField returns the flat input indices the kernel covers for
// output pixel (row, col): field[kr][kc] is
// (row·stride + kr·dilation)·inputSide + col·stride + kc·dilation.
func ReceptiveField(row, col, kernel, inputSide, stride, dilation int) [][]int {
	field := make([][]int, kernel)
	for kr := range field {
		field[kr] = make([]int, kernel)
		for kc := range field[kr] {
			h := row*stride + kr*dilation
			w := col*stride + kc*dilation
			field[kr][kc] = h*inputSide + w
		}
	}
	return field
}
